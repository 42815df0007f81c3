package store

import (
	"context"
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketVersions  = []byte("versions")
)

// BoltKV stores snapshots in a local bbolt file, one bucket for values and
// one for their versions, both written in the same transaction.
type BoltKV struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltKV, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bucketSnapshots); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists(bucketVersions); e != nil {
			return e
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltKV{db: db}, nil
}

func (s *BoltKV) Close() error { return s.db.Close() }

func (s *BoltKV) Get(_ context.Context, key string) ([]byte, int64, error) {
	var (
		value   []byte
		version int64
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(key))
		if v == nil {
			return nil
		}
		// bolt memory is only valid inside the transaction
		value = append([]byte(nil), v...)
		version = decodeVersion(tx.Bucket(bucketVersions).Get([]byte(key)))
		return nil
	})
	return value, version, err
}

func (s *BoltKV) Set(_ context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	var next int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		versions := tx.Bucket(bucketVersions)
		current := decodeVersion(versions.Get([]byte(key)))
		if current != expectedVersion {
			return ErrVersionConflict
		}
		next = current + 1
		if err := tx.Bucket(bucketSnapshots).Put([]byte(key), value); err != nil {
			return err
		}
		return versions.Put([]byte(key), encodeVersion(next))
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func encodeVersion(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeVersion(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
