// Package storage implements the durable key-value collaborator of
// spec.md §6 (durable_store.put/.del/.get/.key_stream/.open/.close),
// backing the Outbox Entry data model of spec.md §3: a durable map
// from transfer digest to serialized transfer, persisted in an
// ordered key-value store.
package storage

import (
	"context"
	"errors"

	"go.etcd.io/bbolt"
)

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("storage: durable store is closed")

// DurableStore is the collaborator interface the Outbox Monitor
// consumes. Keys() must iterate in key order (spec.md's "ordered
// key-value store"), which is what lets the outbox replay existing
// entries at launch deterministically.
type DurableStore interface {
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Keys(ctx context.Context) (<-chan []byte, error)
	Open() error
	Close() error
}

var outboxBucket = []byte("outbox")

// BoltOutbox is the default DurableStore, backed by go.etcd.io/bbolt —
// grounded directly on the teacher's own go.mod replace directive for
// this exact library (see DESIGN.md). bbolt's B+tree gives ordered
// iteration over the bucket natively, so Keys needs no separate index.
type BoltOutbox struct {
	path string
	db   *bbolt.DB
}

// NewBoltOutbox creates a store backed by the bbolt file at path. Open
// must be called before use.
func NewBoltOutbox(path string) *BoltOutbox {
	return &BoltOutbox{path: path}
}

// Open opens (creating if necessary) the bbolt file and its outbox
// bucket.
func (s *BoltOutbox) Open() error {
	db, err := bbolt.Open(s.path, 0o600, nil)
	if err != nil {
		return err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(outboxBucket)
		return err
	})
	if err != nil {
		db.Close()
		return err
	}
	s.db = db
	return nil
}

// Close releases the underlying file handle.
func (s *BoltOutbox) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Put writes the write-ahead record for one outbox entry, durably,
// before the transfer pipeline submits command 3 (spec.md §4.5).
func (s *BoltOutbox) Put(_ context.Context, key, value []byte) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(outboxBucket).Put(key, value)
	})
}

// Delete removes an entry. The Outbox Monitor calls it after observed
// inclusion (spec.md §4.5, §8 "write-ahead outbox") and from Forget.
func (s *BoltOutbox) Delete(_ context.Context, key []byte) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(outboxBucket).Delete(key)
	})
}

// Get returns the value for key, or nil if absent.
func (s *BoltOutbox) Get(_ context.Context, key []byte) ([]byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(outboxBucket).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Keys streams every key currently in the store, in bbolt's natural
// (sorted) order, so the Outbox Monitor can install a listener for
// every entry that survived a restart (spec.md §4.5 "existing entries
// at launch").
func (s *BoltOutbox) Keys(ctx context.Context) (<-chan []byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		_ = s.db.View(func(tx *bbolt.Tx) error {
			c := tx.Bucket(outboxBucket).Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				key := append([]byte(nil), k...)
				select {
				case out <- key:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}()
	return out, nil
}
