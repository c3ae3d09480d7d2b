// Package statusdb implements the embedded key/value store used by both
// indexers: a byte-ordered store with point get/put/del/has, ordered range
// iteration, atomic batches, and one-byte bucket scoping. See spec §4.6.
package statusdb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket scopes keys to one indexer, per spec §4.6/§4.7.
type Bucket byte

const (
	BucketDNS  Bucket = 0x20
	BucketNode Bucket = 0x21
)

const (
	versionName    = "statusdb"
	versionCurrent = 1
)

// rootBucketName names the single bbolt bucket all keys live in; the scoping byte
// from the spec's key layout is the first byte of the key itself, so a flat
// bbolt bucket with byte-ordered keys gives us exactly the primitives the
// spec requires.
var rootBucketName = []byte("statusdb")

type versionRecord struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// ErrVersionMismatch is returned by Open when an existing database carries a
// version record that does not match what this build expects.
var ErrVersionMismatch = errors.New("statusdb: version record mismatch")

// Store is the embedded KV store backing both indexers.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if absent) the bbolt file at path, verifying or
// writing the VERSION record under key 0x00.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("statusdb: mkdir %s: %w", dir, err)
		}
	}

	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("statusdb: open %s: %w", path, err)
	}

	s := &Store{db: db, path: path}
	if err := s.verifyOrWriteVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DBPath returns the on-disk file this store was opened against, satisfying
// backupmgr.Snapshotter.
func (s *Store) DBPath() string { return s.path }

// SnapshotTo writes a consistent point-in-time copy of the database to
// dstPath via bbolt's read-transaction file copy, safe to run concurrently
// with normal traffic.
func (s *Store) SnapshotTo(dstPath string) error {
	if dir := filepath.Dir(dstPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("statusdb: mkdir %s: %w", dir, err)
		}
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(dstPath, 0644)
	})
}

func (s *Store) verifyOrWriteVersion() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(rootBucketName)
		if err != nil {
			return fmt.Errorf("statusdb: create root bucket: %w", err)
		}

		existing := b.Get(KeyVersion())
		if existing == nil {
			raw, err := json.Marshal(versionRecord{Name: versionName, Version: versionCurrent})
			if err != nil {
				return err
			}
			return b.Put(KeyVersion(), raw)
		}

		var rec versionRecord
		if err := json.Unmarshal(existing, &rec); err != nil {
			return fmt.Errorf("statusdb: version record: %w", err)
		}
		if rec.Name != versionName || rec.Version != versionCurrent {
			return fmt.Errorf("%w: got %+v", ErrVersionMismatch, rec)
		}
		return nil
	})
}

// KeyVersion returns the VERSION key, [0x00].
func KeyVersion() []byte { return []byte{0x00} }

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get fetches the value for key, returning ok=false if absent. The returned
// slice is a copy safe to retain past the call.
func (s *Store) Get(key []byte) (value []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucketName)
		if b == nil {
			return nil
		}
		v := b.Get(key)
		if v == nil {
			return nil
		}
		ok = true
		value = append([]byte(nil), v...)
		return nil
	})
	return value, ok, err
}

// Has reports whether key is present.
func (s *Store) Has(key []byte) (bool, error) {
	_, ok, err := s.Get(key)
	return ok, err
}

// Put writes key/value outside of any caller-managed batch.
func (s *Store) Put(key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucketName)
		return b.Put(key, value)
	})
}

// Del removes key, if present.
func (s *Store) Del(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucketName)
		return b.Delete(key)
	})
}

// KV is a single key/value pair returned by a range scan.
type KV struct {
	Key   []byte
	Value []byte
}

// RangeInclusive iterates keys in [gte, lte], ascending.
func (s *Store) RangeInclusive(gte, lte []byte) ([]KV, error) {
	return s.scan(gte, func(k []byte) bool { return bytes.Compare(k, lte) <= 0 })
}

// RangeExclusive iterates keys in [gte, lt), ascending.
func (s *Store) RangeExclusive(gte, lt []byte) ([]KV, error) {
	return s.scan(gte, func(k []byte) bool { return bytes.Compare(k, lt) < 0 })
}

func (s *Store) scan(gte []byte, within func(k []byte) bool) ([]KV, error) {
	var out []KV
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucketName)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(gte); k != nil && within(k); k, v = c.Next() {
			out = append(out, KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
		}
		return nil
	})
	return out, err
}

// DeleteRangeInclusive deletes every key in [gte, lte] and reports the count
// removed — used by the indexers' cleanup* operations (spec §4.8).
func (s *Store) DeleteRangeInclusive(gte, lte []byte) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucketName)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(gte); k != nil && bytes.Compare(k, lte) <= 0; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(toDelete)
		return nil
	})
	return n, err
}

// Batch is an atomic group of writes, per spec §4.6's "atomic batches"
// primitive. Indexers build one per index(entry) call; see §4.10.
type Batch struct {
	s   *Store
	ops []func(*bolt.Bucket) error
}

// NewBatch starts a new atomic batch against this store.
func (s *Store) NewBatch() *Batch {
	return &Batch{s: s}
}

// Put queues a key/value write.
func (b *Batch) Put(key, value []byte) {
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	b.ops = append(b.ops, func(bk *bolt.Bucket) error { return bk.Put(k, v) })
}

// Del queues a delete.
func (b *Batch) Del(key []byte) {
	k := append([]byte(nil), key...)
	b.ops = append(b.ops, func(bk *bolt.Bucket) error { return bk.Delete(k) })
}

// Commit applies every queued operation in one bbolt transaction.
func (b *Batch) Commit() error {
	return b.s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(rootBucketName)
		for _, op := range b.ops {
			if err := op(bk); err != nil {
				return err
			}
		}
		return nil
	})
}
