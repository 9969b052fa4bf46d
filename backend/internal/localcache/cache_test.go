package localcache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"collabEngine/backend/internal/crdt"
)

func openTestStores(t *testing.T) (*SQLiteStore, *BoltFlags) {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenSQLite(filepath.Join(dir, "cache.sqlite3"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	flags, err := OpenBolt(filepath.Join(dir, "flags.db"))
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}
	return store, flags
}

func TestCache_PersistThenReload(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cache.sqlite3")
	store, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	c := New(store, NewMemoryFlags(), Options{})

	doc, hit := c.Load(context.Background(), "room-1", 1)
	if hit {
		t.Fatalf("Load() on empty cache reported a hit")
	}
	doc.Insert(0, "offline draft")
	c.Persist("room-1", doc)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	store2, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen sqlite error = %v", err)
	}
	c2 := New(store2, NewMemoryFlags(), Options{})
	defer c2.Close()
	got, hit := c2.Load(context.Background(), "room-1", 2)
	if !hit || got.Text() != "offline draft" {
		t.Fatalf("Load() = %q,%v, want cached draft", got.Text(), hit)
	}
	if got.ClientID() != 2 {
		t.Fatalf("ClientID() = %v, want 2", got.ClientID())
	}
}

func TestCache_KeysUsePrefixes(t *testing.T) {
	c := New(NewMemoryStore(), NewMemoryFlags(), Options{RoomPrefix: "doc", OfflinePrefix: "dirty"})
	defer c.Close()
	if got := c.RoomKey("abc"); got != "doc-abc" {
		t.Fatalf("RoomKey() = %q", got)
	}
	if got := c.OfflineKey("abc"); got != "dirty-abc" {
		t.Fatalf("OfflineKey() = %q", got)
	}
}

func TestCache_OfflineFlagClearedOnlyForPushedEdits(t *testing.T) {
	store, flags := openTestStores(t)
	c := New(store, flags, Options{})
	defer c.Close()

	c.MarkOfflineEdit("r")
	pushedAt := time.Now()
	if ok, _ := c.OfflineEdit("r"); !ok {
		t.Fatalf("OfflineEdit() = false after MarkOfflineEdit")
	}

	// 推送之后又有新的离线编辑，不能清除
	time.Sleep(2 * time.Millisecond)
	c.MarkOfflineEdit("r")
	if c.ClearOfflineEdit("r", pushedAt) {
		t.Fatalf("ClearOfflineEdit() cleared an edit made after the push")
	}
	if c.ClearOfflineEdit("r", time.Now()) != true {
		t.Fatalf("ClearOfflineEdit() = false, want true")
	}
	if ok, _ := c.OfflineEdit("r"); ok {
		t.Fatalf("OfflineEdit() still set after clear")
	}
	if c.ClearOfflineEdit("never", time.Now()) {
		t.Fatalf("ClearOfflineEdit() on unflagged room = true")
	}
}

type slowStore struct {
	*MemoryStore
	delay time.Duration
}

func (s *slowStore) Get(ctx context.Context, key string) ([]byte, error) {
	select {
	case <-time.After(s.delay):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCache_LoadTimesOutToFreshReplica(t *testing.T) {
	c := New(&slowStore{MemoryStore: NewMemoryStore(), delay: time.Second}, NewMemoryFlags(), Options{LoadTimeout: 20 * time.Millisecond})
	defer c.Close()

	start := time.Now()
	doc, hit := c.Load(context.Background(), "r", 1)
	if hit || doc == nil || doc.Len() != 0 {
		t.Fatalf("Load() = %v,%v, want fresh replica", doc, hit)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("Load() took %v, want timeout", time.Since(start))
	}
	if len(c.Warnings()) == 0 {
		t.Fatalf("Warnings() empty after timeout")
	}
}

type failingStore struct {
	mu   sync.Mutex
	puts int
}

var errDisk = errors.New("disk full")

func (f *failingStore) Get(context.Context, string) ([]byte, error) { return nil, errDisk }
func (f *failingStore) Put(context.Context, string, []byte) error {
	f.mu.Lock()
	f.puts++
	f.mu.Unlock()
	return errDisk
}
func (f *failingStore) Close() error { return nil }

func TestCache_StorageErrorsDegradeToMemory(t *testing.T) {
	bad := &failingStore{}
	c := New(bad, NewMemoryFlags(), Options{MaxRetry: 2, BaseBackoff: time.Millisecond})
	defer c.Close()

	doc := crdt.New(1)
	doc.Insert(0, "still editable")
	c.Persist("r", doc)
	waitFor(t, func() bool { return c.Degraded() })

	bad.mu.Lock()
	puts := bad.puts
	bad.mu.Unlock()
	if puts != 3 {
		t.Fatalf("Put attempts = %d, want 3", puts)
	}
	// 降级后内存里依然能取回
	var got *crdt.Replica
	waitFor(t, func() bool {
		doc, hit := c.Load(context.Background(), "r", 2)
		got = doc
		return hit
	})
	if got.Text() != "still editable" {
		t.Fatalf("Load() after degrade = %q", got.Text())
	}
}

type countingStore struct {
	*MemoryStore
	mu   sync.Mutex
	puts int
	gate chan struct{}
}

func (s *countingStore) Put(ctx context.Context, key string, data []byte) error {
	<-s.gate
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s.MemoryStore.Put(ctx, key, data)
}

func TestCache_PersistCoalescesPerRoom(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore(), gate: make(chan struct{})}
	c := New(store, nil, Options{})

	doc := crdt.New(1)
	for i := 0; i < 50; i++ {
		doc.Insert(doc.Len(), "x")
		c.Persist("r", doc)
	}
	close(store.gate)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.puts == 0 || store.puts > 2 {
		t.Fatalf("Put calls = %d, want 1 or 2", store.puts)
	}
	data, _ := store.MemoryStore.Get(context.Background(), "collab-room-r")
	restored := crdt.New(2)
	if err := restored.Load(data); err != nil || restored.Len() != 50 {
		t.Fatalf("flushed state len = %d, err = %v", restored.Len(), err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
