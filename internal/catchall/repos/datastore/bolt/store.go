package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"
	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/rr-catchall/internal/catchall/domain"
)

var (
	bucketBlocked = []byte("blocked")
	bucketCaught  = []byte("caught")
)

// ErrLocked is returned by New when another process holds the file. bbolt
// takes an exclusive lock, so a bolt database can only be administered
// while rr-catchalld is stopped.
var ErrLocked = errors.New("bolt database is locked by another process")

const (
	lockTimeout   = 1 * time.Second
	minFilterSize = 10000
	falsePositive = 0.01
)

// Store implements the blocklist and audit store on a bbolt file.
// A bloom filter over blocked addresses answers most negative checks
// without opening a write transaction.
type Store struct {
	db *bbolt.DB

	mu sync.RWMutex
	bf *bitsbloom.BloomFilter
}

// New opens (or creates) a Bolt database at path, ensures buckets exist and
// seeds the filter from the stored blocklist.
func New(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: lockTimeout})
	if errors.Is(err, bbolt.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s (stop rr-catchalld before administering a bolt database)", ErrLocked, path)
	}
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.rebuildFilter(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the buckets if they are missing.
func (s *Store) Migrate(context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBlocked); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketCaught); err != nil {
			return err
		}
		return nil
	})
}

func (s *Store) rebuildFilter() error {
	var keys [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlocked).ForEach(func(k, _ []byte) error {
			kk := make([]byte, len(k))
			copy(kk, k)
			keys = append(keys, kk)
			return nil
		})
	})
	if err != nil {
		return err
	}
	n := uint(len(keys) * 2)
	if n < minFilterSize {
		n = minFilterSize
	}
	bf := bitsbloom.NewWithEstimates(n, falsePositive)
	for _, k := range keys {
		bf.Add(k)
	}
	s.mu.Lock()
	s.bf = bf
	s.mu.Unlock()
	return nil
}

func (s *Store) mightBeBlocked(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bf.TestString(address)
}

// CheckAndIncrement reports whether address is listed and bumps its hit
// counter in the same transaction.
func (s *Store) CheckAndIncrement(ctx context.Context, address string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !s.mightBeBlocked(address) {
		return false, nil
	}
	var blocked bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBlocked)
		v := b.Get([]byte(address))
		if v == nil {
			return nil
		}
		blocked = true
		return b.Put([]byte(address), encodeHits(decodeHits(v)+1))
	})
	return blocked, err
}

func (s *Store) InsertAuditRecord(ctx context.Context, rec domain.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCaught).Put([]byte(rec.ID), buf)
	})
}

// Block lists address. It reports false if it was already listed.
func (s *Store) Block(_ context.Context, address string) (bool, error) {
	var added bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBlocked)
		if b.Get([]byte(address)) != nil {
			return nil
		}
		added = true
		return b.Put([]byte(address), encodeHits(0))
	})
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.bf.AddString(address)
	s.mu.Unlock()
	return added, nil
}

// Unblock removes address. Its filter bit stays set until the next rebuild,
// which only costs a transaction on later checks.
func (s *Store) Unblock(_ context.Context, address string) (bool, error) {
	var removed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBlocked)
		if b.Get([]byte(address)) == nil {
			return nil
		}
		removed = true
		return b.Delete([]byte(address))
	})
	return removed, err
}

// ListBlocked returns every listed address in key order.
func (s *Store) ListBlocked(context.Context) ([]domain.BlockedEntry, error) {
	var out []domain.BlockedEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlocked).ForEach(func(k, v []byte) error {
			out = append(out, domain.BlockedEntry{Address: string(k), Hits: decodeHits(v)})
			return nil
		})
	})
	return out, err
}

// ListCaught returns up to limit audit records, newest first. Keys are ULIDs
// so reverse key order is reverse time order.
func (s *Store) ListCaught(_ context.Context, limit int) ([]domain.AuditRecord, error) {
	var out []domain.AuditRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCaught).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			var rec domain.AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding audit record %s: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func encodeHits(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeHits(v []byte) uint64 {
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}
