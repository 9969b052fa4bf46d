package localcache

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FlagStore 保存离线编辑标记及最后一次离线编辑的时间。
type FlagStore interface {
	SetOfflineEdit(key string, at time.Time) error
	OfflineEdit(key string) (bool, time.Time, error)
	ClearOfflineEdit(key string) error
	Close() error
}

var bucketOfflineEdits = []byte("offline_edits")

type BoltFlags struct{ db *bolt.DB }

func OpenBolt(path string) (*BoltFlags, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open bolt: %v", ErrStorageUnavailable, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOfflineEdits)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create bucket: %v", ErrStorageUnavailable, err)
	}
	return &BoltFlags{db: db}, nil
}

// 值为最后一次离线编辑时间（UnixNano，大端 8 字节）
func (b *BoltFlags) SetOfflineEdit(key string, at time.Time) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(at.UnixNano()))
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOfflineEdits).Put([]byte(key), buf)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (b *BoltFlags) OfflineEdit(key string) (bool, time.Time, error) {
	var at time.Time
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketOfflineEdits).Get([]byte(key))
		if len(v) == 8 {
			ok = true
			at = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
		}
		return nil
	})
	if err != nil {
		return false, time.Time{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return ok, at, nil
}

func (b *BoltFlags) ClearOfflineEdit(key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOfflineEdits).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (b *BoltFlags) Close() error { return b.db.Close() }

type MemoryFlags struct {
	mu    sync.Mutex
	flags map[string]time.Time
}

func NewMemoryFlags() *MemoryFlags { return &MemoryFlags{flags: make(map[string]time.Time)} }

func (m *MemoryFlags) SetOfflineEdit(key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[key] = at
	return nil
}

func (m *MemoryFlags) OfflineEdit(key string) (bool, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.flags[key]
	return ok, at, nil
}

func (m *MemoryFlags) ClearOfflineEdit(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, key)
	return nil
}

func (m *MemoryFlags) Close() error { return nil }
