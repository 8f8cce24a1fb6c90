// Package storage persists generated artifacts to a gallery.
// It defines the Storage interface (port) and implementations for local disk
// and S3, plus helpers that turn generation outputs into stored objects.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
)

// Static errors for storage operations.
var (
	// ErrInvalidKey is returned for empty keys or keys escaping the gallery root.
	ErrInvalidKey = errors.New("storage: invalid key")
	// ErrNotDataURL is returned when decoding a reference that is not a base64 data URL.
	ErrNotDataURL = errors.New("storage: not a base64 data URL")
)

// Storage defines the interface for gallery persistence.
type Storage interface {
	// Save stores data under key and returns the URL it can be fetched from.
	Save(ctx context.Context, key string, data io.Reader, contentType string) (url string, err error)
}

// cleanKey rejects keys that are empty or leave the root once cleaned.
func cleanKey(key string) (string, error) {
	k := path.Clean("/" + strings.TrimSpace(key))
	k = strings.TrimPrefix(k, "/")
	if k == "" || k == "." || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return k, nil
}

// DecodeDataURL splits a data:<mime>;base64,<payload> reference.
func DecodeDataURL(ref string) (data []byte, contentType string, err error) {
	rest, ok := strings.CutPrefix(ref, "data:")
	if !ok {
		return nil, "", ErrNotDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, "", ErrNotDataURL
	}
	contentType = strings.TrimSuffix(meta, ";base64")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("storage: decode base64: %w", err)
	}
	return data, contentType, nil
}

// Extension returns a file extension (with dot) for contentType.
func Extension(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// SaveOutputs stores every data URL in outputs under prefix and returns the
// outputs with those entries replaced by stored URLs. Remote URLs are kept as-is.
func SaveOutputs(ctx context.Context, s Storage, prefix string, outputs []string) ([]string, error) {
	saved := make([]string, 0, len(outputs))
	for i, ref := range outputs {
		data, contentType, err := DecodeDataURL(ref)
		if errors.Is(err, ErrNotDataURL) {
			saved = append(saved, ref)
			continue
		}
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("%s/%d%s", strings.TrimRight(prefix, "/"), i, Extension(contentType))
		url, err := s.Save(ctx, key, bytes.NewReader(data), contentType)
		if err != nil {
			return nil, fmt.Errorf("storage: save output %d: %w", i, err)
		}
		saved = append(saved, url)
	}
	return saved, nil
}
