package scalar

import (
	"errors"
	"fmt"

	"github.com/nutsdb/nutsdb"
)

// ScalarStorage is a small bucketed key-value store.
type ScalarStorage interface {
	// Put stores a key-value pair in the specified namespace
	Put(namespace string, key []byte, value []byte) error

	// Get retrieves a value by key. A missing key yields nil, nil.
	Get(namespace string, key []byte) ([]byte, error)

	Delete(namespace string, key []byte) error

	Close() error
}

type ScalarOption struct {
	DIR     string   `toml:"dir"`
	Buckets []string `toml:"buckets"`
}

// nutsDBStorage implements ScalarStorage using NutsDB
type nutsDBStorage struct {
	db *nutsdb.DB
}

var _ ScalarStorage = (*nutsDBStorage)(nil)

// NewScalarStorage opens a NutsDB store under opts.DIR, creating missing buckets.
func NewScalarStorage(opts *ScalarOption) (ScalarStorage, error) {
	nutsdbOpts := nutsdb.DefaultOptions
	nutsdbOpts.Dir = opts.DIR
	nutsdbOpts.EntryIdxMode = nutsdb.HintKeyValAndRAMIdxMode
	nutsdbOpts.SegmentSize = 64 * 1024 * 1024

	db, err := nutsdb.Open(nutsdbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open nutsdb at %s: %w", opts.DIR, err)
	}

	for _, bucket := range opts.Buckets {
		if err = db.Update(func(tx *nutsdb.Tx) error {
			if tx.ExistBucket(nutsdb.DataStructureBTree, bucket) {
				return nil
			}
			return tx.NewBucket(nutsdb.DataStructureBTree, bucket)
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}

	return &nutsDBStorage{db: db}, nil
}

func (s *nutsDBStorage) Put(namespace string, key []byte, value []byte) error {
	err := s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(namespace, key, value, 0) // 0 means no TTL
	})
	if err != nil {
		return fmt.Errorf("failed to put key-value: %w", err)
	}
	return nil
}

func (s *nutsDBStorage) Get(namespace string, key []byte) ([]byte, error) {
	var value []byte

	err := s.db.View(func(tx *nutsdb.Tx) error {
		entry, err := tx.Get(namespace, key)
		if err != nil {
			return err
		}
		value = entry
		return nil
	})
	if err != nil {
		if errors.Is(err, nutsdb.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}

	return value, nil
}

func (s *nutsDBStorage) Delete(namespace string, key []byte) error {
	err := s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Delete(namespace, key)
	})
	if err != nil && !errors.Is(err, nutsdb.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func (s *nutsDBStorage) Close() error {
	return s.db.Close()
}
