package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key layout:
//
//	s:<store>             -> storeMeta
//	e:<store>\x00<key>    -> Snapshot
const (
	ldbStoreTag = "s:"
	ldbEntryTag = "e:"
)

type storeMeta struct {
	CreatedAt int64 // unix nanoseconds
}

// LevelDBBackend persists stores in an embedded LevelDB database.
type LevelDBBackend struct {
	db *leveldb.DB

	// serialises check-then-write sequences (create, put, delete store)
	mu sync.Mutex
}

// OpenLevelDBBackend opens (or creates) the database at path.
func OpenLevelDBBackend(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBBackend{db: db}, nil
}

func (l *LevelDBBackend) Name() string { return "leveldb" }

func ldbStoreKey(store string) []byte {
	return []byte(ldbStoreTag + store)
}

func ldbEntryPrefix(store string) []byte {
	return []byte(ldbEntryTag + store + "\x00")
}

func ldbEntryKey(store, key string) []byte {
	return append(ldbEntryPrefix(store), key...)
}

func (l *LevelDBBackend) CreateStore(_ context.Context, store string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ok, err := l.db.Has(ldbStoreKey(store), nil)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	b, err := encodeGob(storeMeta{CreatedAt: time.Now().UnixNano()})
	if err != nil {
		return err
	}
	return l.db.Put(ldbStoreKey(store), b, nil)
}

func (l *LevelDBBackend) HasStore(_ context.Context, store string) (bool, error) {
	return l.db.Has(ldbStoreKey(store), nil)
}

func (l *LevelDBBackend) StoreNames(_ context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(ldbStoreTag)), nil)
	defer it.Release()

	type named struct {
		name string
		meta storeMeta
	}
	var stores []named
	for it.Next() {
		var meta storeMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		name := string(bytes.TrimPrefix(it.Key(), []byte(ldbStoreTag)))
		stores = append(stores, named{name: name, meta: meta})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(stores, func(i, j int) bool {
		return stores[i].meta.CreatedAt < stores[j].meta.CreatedAt
	})
	names := make([]string, len(stores))
	for i, s := range stores {
		names[i] = s.name
	}
	return names, nil
}

func (l *LevelDBBackend) DeleteStore(_ context.Context, store string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existed, err := l.db.Has(ldbStoreKey(store), nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(ldbStoreKey(store))
	it := l.db.NewIterator(util.BytesPrefix(ldbEntryPrefix(store)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := l.db.Write(batch, nil); err != nil {
		return false, err
	}
	return existed, nil
}

func (l *LevelDBBackend) Get(_ context.Context, store, key string) (*Snapshot, error) {
	b, err := l.db.Get(ldbEntryKey(store, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := decodeGob(b, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &snap, nil
}

func (l *LevelDBBackend) Put(_ context.Context, store, key string, snap *Snapshot) error {
	b, err := encodeGob(*snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(ldbStoreKey(store), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStoreNotFound
	}
	return l.db.Put(ldbEntryKey(store, key), b, nil)
}

func (l *LevelDBBackend) Delete(_ context.Context, store, key string) (bool, error) {
	k := ldbEntryKey(store, key)
	ok, err := l.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := l.db.Delete(k, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (l *LevelDBBackend) Keys(_ context.Context, store string) ([]string, error) {
	ok, err := l.db.Has(ldbStoreKey(store), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStoreNotFound
	}
	prefix := ldbEntryPrefix(store)
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (l *LevelDBBackend) Close() error {
	return l.db.Close()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
