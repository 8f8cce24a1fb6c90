package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts ...Option) *BoltStore {
	t.Helper()
	s, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBalance_InitialCredits(t *testing.T) {
	s := openTestStore(t, WithInitialCredits(25))

	balance, err := s.Balance(context.Background(), "agency-1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)

	_, err = s.Balance(context.Background(), "")
	assert.ErrorIs(t, err, ErrAgencyRequired)
}

func TestDebit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, WithInitialCredits(10))

	balance, err := s.Debit(ctx, "agency-1", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), balance)

	balance, err = s.Debit(ctx, "agency-1", 7)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Equal(t, int64(6), balance)

	stored, err := s.Balance(ctx, "agency-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), stored, "failed debit must not change the balance")

	_, err = s.Debit(ctx, "agency-1", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDebit_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, WithInitialCredits(5))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Debit(ctx, "agency-1", 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	balance, err := s.Balance(ctx, "agency-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestGrant(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	balance, err := s.Grant(ctx, "agency-1", 12)
	require.NoError(t, err)
	assert.Equal(t, int64(12), balance)

	balance, err = s.Grant(ctx, "agency-1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance)
}

func TestGenerations_InsertAndList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i := range 3 {
		err := s.InsertGeneration(ctx, &Generation{
			ID:          fmt.Sprintf("gen-%d", i),
			AgencyID:    "agency-1",
			UserID:      "user-1",
			Model:       "sdxl",
			Prompt:      "a cat",
			Images:      []string{"https://cdn.example.com/a.png"},
			CreditsUsed: 1,
			CreatedAt:   time.Now(),
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.InsertGeneration(ctx, &Generation{ID: "other", AgencyID: "agency-2"}))

	all, err := s.ListGenerations(ctx, "agency-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "gen-2", all[0].ID, "newest first")
	assert.Equal(t, "gen-0", all[2].ID)

	limited, err := s.ListGenerations(ctx, "agency-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := s.ListGenerations(ctx, "agency-3", 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.ErrorIs(t, s.InsertGeneration(ctx, &Generation{ID: "x"}), ErrAgencyRequired)
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.Grant(ctx, "agency-1", 7)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	balance, err := s.Balance(ctx, "agency-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)
}
