package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLocalStorage(t *testing.T) {
	t.Run("creates directory if not exists", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "gallery")

		storage, err := NewLocalStorage(dir, "")
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		if storage.Dir() != dir {
			t.Errorf("Dir() = %v, want %v", storage.Dir(), dir)
		}

		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("expected directory, got file")
		}
	})

	t.Run("uses default directory when empty", func(t *testing.T) {
		storage, err := NewLocalStorage("", "")
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		expected := filepath.Join(os.TempDir(), "genrelay", "gallery")
		if storage.Dir() != expected {
			t.Errorf("Dir() = %v, want %v", storage.Dir(), expected)
		}
	})
}

func TestLocalStorage_Save(t *testing.T) {
	ctx := context.Background()

	t.Run("writes nested key and returns path", func(t *testing.T) {
		storage, err := NewLocalStorage(t.TempDir(), "")
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		got, err := storage.Save(ctx, "agency-1/gen-1/0.png", strings.NewReader("png bytes"), "image/png")
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		want := filepath.Join(storage.Dir(), "agency-1", "gen-1", "0.png")
		if got != want {
			t.Errorf("Save() = %v, want %v", got, want)
		}

		content, err := os.ReadFile(want)
		if err != nil {
			t.Fatalf("failed to read saved file: %v", err)
		}
		if string(content) != "png bytes" {
			t.Errorf("content = %q, want %q", content, "png bytes")
		}
	})

	t.Run("returns public URL when base URL set", func(t *testing.T) {
		storage, err := NewLocalStorage(t.TempDir(), "https://cdn.example.com/gallery/")
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		got, err := storage.Save(ctx, "a/0.png", strings.NewReader("x"), "image/png")
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if got != "https://cdn.example.com/gallery/a/0.png" {
			t.Errorf("Save() = %v", got)
		}
	})

	t.Run("rejects escaping keys", func(t *testing.T) {
		storage, err := NewLocalStorage(t.TempDir(), "")
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		for _, key := range []string{"", "../etc/passwd", "a/../../b"} {
			if _, err := storage.Save(ctx, key, strings.NewReader("x"), ""); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Save(%q) error = %v, want ErrInvalidKey", key, err)
			}
		}
	})

	t.Run("respects cancelled context", func(t *testing.T) {
		storage, err := NewLocalStorage(t.TempDir(), "")
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := storage.Save(cctx, "a.png", strings.NewReader("x"), ""); err == nil {
			t.Error("expected error for cancelled context")
		}
	})
}

func TestDecodeDataURL(t *testing.T) {
	data, ct, err := DecodeDataURL("data:image/jpeg;base64,aGVsbG8=")
	if err != nil {
		t.Fatalf("DecodeDataURL() error = %v", err)
	}
	if string(data) != "hello" || ct != "image/jpeg" {
		t.Errorf("DecodeDataURL() = %q, %q", data, ct)
	}

	if _, _, err := DecodeDataURL("https://x/a.png"); !errors.Is(err, ErrNotDataURL) {
		t.Errorf("expected ErrNotDataURL, got %v", err)
	}
	if _, _, err := DecodeDataURL("data:text/plain,hello"); !errors.Is(err, ErrNotDataURL) {
		t.Errorf("expected ErrNotDataURL for non-base64 data URL, got %v", err)
	}
	if _, _, err := DecodeDataURL("data:image/png;base64,!!!"); err == nil || errors.Is(err, ErrNotDataURL) {
		t.Errorf("expected decode error, got %v", err)
	}
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"image/png":  ".png",
		"image/jpeg": ".jpg",
		"image/webp": ".webp",
		"video/mp4":  ".mp4",
		"x/unknown":  ".bin",
	}
	for ct, want := range tests {
		if got := Extension(ct); got != want {
			t.Errorf("Extension(%q) = %q, want %q", ct, got, want)
		}
	}
}

func TestSaveOutputs(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir(), "https://cdn.example.com")
	if err != nil {
		t.Fatalf("NewLocalStorage() error = %v", err)
	}

	outputs := []string{
		"https://provider.example.com/a.png",
		"data:image/png;base64,aGVsbG8=",
	}

	got, err := SaveOutputs(context.Background(), storage, "agency-1/gen-1/", outputs)
	if err != nil {
		t.Fatalf("SaveOutputs() error = %v", err)
	}

	want := []string{
		"https://provider.example.com/a.png",
		"https://cdn.example.com/agency-1/gen-1/1.png",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SaveOutputs()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	content, err := os.ReadFile(filepath.Join(storage.Dir(), "agency-1", "gen-1", "1.png"))
	if err != nil {
		t.Fatalf("saved file missing: %v", err)
	}
	if string(content) != "hello" {
		t.Errorf("content = %q, want hello", content)
	}
}
