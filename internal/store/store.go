// Package store keeps agency credit balances and generation records in an
// embedded bbolt database.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrInsufficientCredits is returned when a debit exceeds the balance.
	ErrInsufficientCredits = errors.New("store: insufficient credits")
	// ErrAgencyRequired is returned for operations without an agency id.
	ErrAgencyRequired = errors.New("store: agency ID is required")
	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("store: amount must not be negative")
)

var (
	bucketCredits     = []byte("credits")
	bucketGenerations = []byte("generations")
)

// DefaultFileName is the database file created inside the data directory.
const DefaultFileName = "genrelay.db"

// Generation is the record persisted for each successful generation.
type Generation struct {
	ID          string            `json:"id"`
	AgencyID    string            `json:"agency_id"`
	UserID      string            `json:"user_id"`
	Model       string            `json:"model"`
	Prompt      string            `json:"prompt"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
	Images      []string          `json:"images"`
	CreditsUsed int64             `json:"credits_used"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// BoltStore implements credit and generation persistence on bbolt.
type BoltStore struct {
	db             *bolt.DB
	initialCredits int64
}

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithInitialCredits sets the balance an agency starts with the first time it is seen.
func WithInitialCredits(n int64) Option {
	return func(s *BoltStore) {
		if n >= 0 {
			s.initialCredits = n
		}
	}
}

// Open opens (or creates) the database under dataDir.
func Open(dataDir string, opts ...Option) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, DefaultFileName), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCredits, bucketGenerations} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &BoltStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Balance returns the agency's credit balance.
func (s *BoltStore) Balance(_ context.Context, agencyID string) (int64, error) {
	if agencyID == "" {
		return 0, ErrAgencyRequired
	}
	var balance int64
	err := s.db.View(func(tx *bolt.Tx) error {
		balance = s.read(tx.Bucket(bucketCredits), agencyID)
		return nil
	})
	return balance, err
}

// Debit subtracts amount from the agency's balance, or returns
// ErrInsufficientCredits and leaves the balance untouched.
func (s *BoltStore) Debit(_ context.Context, agencyID string, amount int64) (int64, error) {
	if agencyID == "" {
		return 0, ErrAgencyRequired
	}
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredits)
		current := s.read(b, agencyID)
		if current < amount {
			balance = current
			return fmt.Errorf("%w: balance %d, need %d", ErrInsufficientCredits, current, amount)
		}
		balance = current - amount
		return b.Put([]byte(agencyID), encode(balance))
	})
	return balance, err
}

// Grant adds amount to the agency's balance.
func (s *BoltStore) Grant(_ context.Context, agencyID string, amount int64) (int64, error) {
	if agencyID == "" {
		return 0, ErrAgencyRequired
	}
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredits)
		balance = s.read(b, agencyID) + amount
		return b.Put([]byte(agencyID), encode(balance))
	})
	return balance, err
}

// InsertGeneration appends g to the agency's history.
func (s *BoltStore) InsertGeneration(_ context.Context, g *Generation) error {
	if g.AgencyID == "" {
		return ErrAgencyRequired
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketGenerations).CreateBucketIfNotExists([]byte(g.AgencyID))
		if err != nil {
			return fmt.Errorf("create agency bucket: %w", err)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		return b.Put(encode(int64(seq)), data)
	})
}

// ListGenerations returns up to limit records for the agency, newest first.
// A non-positive limit returns every record.
func (s *BoltStore) ListGenerations(_ context.Context, agencyID string, limit int) ([]*Generation, error) {
	if agencyID == "" {
		return nil, ErrAgencyRequired
	}
	var out []*Generation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGenerations).Bucket([]byte(agencyID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var g Generation
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			out = append(out, &g)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// read returns the stored balance, or the initial grant for unseen agencies.
func (s *BoltStore) read(b *bolt.Bucket, agencyID string) int64 {
	v := b.Get([]byte(agencyID))
	if v == nil {
		return s.initialCredits
	}
	return int64(binary.BigEndian.Uint64(v))
}

func encode(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}
