package storage

import (
	"fmt"

	"github.com/colorfulnotion/vmx86/log"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// PersistenceStore is a thin LevelDB key-value wrapper.
type PersistenceStore struct {
	db   *leveldb.DB
	path string
}

// NewPersistenceStore opens or creates a database at path. An empty path
// gives an in-memory store.
func NewPersistenceStore(path string) (*PersistenceStore, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open database at %q: %w", path, err)
	}
	log.Debug(log.StorageModule, "opened store", "path", path)
	return &PersistenceStore{db: db, path: path}, nil
}

func NewMemoryPersistenceStore() (*PersistenceStore, error) {
	return NewPersistenceStore("")
}

// Get returns (nil, false, nil) when key is absent.
func (ps *PersistenceStore) Get(key []byte) ([]byte, bool, error) {
	data, err := ps.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %x: %w", key, err)
	}
	return data, true, nil
}

func (ps *PersistenceStore) Put(key, value []byte) error {
	return ps.db.Put(key, value, nil)
}

func (ps *PersistenceStore) Delete(key []byte) error {
	return ps.db.Delete(key, nil)
}

// Each calls fn for every key with prefix, in key order, until fn fails.
func (ps *PersistenceStore) Each(prefix []byte, fn func(key, value []byte) error) error {
	iter := ps.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate %x: %w", prefix, err)
	}
	return nil
}

// Floor returns the greatest key with prefix that is not above key.
func (ps *PersistenceStore) Floor(prefix, key []byte) ([]byte, []byte, bool, error) {
	iter := ps.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	ok := iter.Seek(key)
	switch {
	case ok && string(iter.Key()) == string(key):
	case ok:
		ok = iter.Prev()
	default:
		ok = iter.Last()
	}
	if err := iter.Error(); err != nil {
		return nil, nil, false, err
	}
	if !ok {
		return nil, nil, false, nil
	}
	return append([]byte(nil), iter.Key()...), append([]byte(nil), iter.Value()...), true, nil
}

func (ps *PersistenceStore) NewBatch() *leveldb.Batch {
	return new(leveldb.Batch)
}

func (ps *PersistenceStore) Write(b *leveldb.Batch) error {
	return ps.db.Write(b, nil)
}

func (ps *PersistenceStore) Close() error {
	return ps.db.Close()
}
