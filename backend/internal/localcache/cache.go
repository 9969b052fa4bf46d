package localcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collabEngine/backend/internal/crdt"
)

type Options struct {
	RoomPrefix    string // 默认 "collab-room"
	OfflinePrefix string // 默认 "collab-offline-edit"

	// Load 超时后直接返回空副本
	LoadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.RoomPrefix == "" {
		o.RoomPrefix = "collab-room"
	}
	if o.OfflinePrefix == "" {
		o.OfflinePrefix = "collab-offline-edit"
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 3 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 2 * time.Second
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Cache 是按房间划分的本地持久化缓存。
//
// Persist 只登记脏房间（同一房间多次写入合并为一次），由后台 worker 异步落盘并有限重试；
// 存储出错时降级为内存实现并记录告警，编辑永远不会因为缓存失败而中断。
type Cache struct {
	opt    Options
	logger *slog.Logger

	mu            sync.Mutex
	store         Store
	flags         FlagStore
	dirty         map[string]*crdt.Replica
	warnings      []string
	degradedStore bool
	degradedFlags bool
	closed        bool

	// 保证“读标记-比较时间-清除”与“设置标记”互斥
	flagMu sync.Mutex

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func New(store Store, flags FlagStore, opt Options) *Cache {
	opt.defaults()
	c := &Cache{
		opt:    opt,
		logger: opt.Logger,
		store:  store,
		flags:  flags,
		dirty:  make(map[string]*crdt.Replica),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if store == nil {
		c.store = NewMemoryStore()
		c.degradedStore = true
		c.warn("replica cache storage not configured, using memory only")
	}
	if flags == nil {
		c.flags = NewMemoryFlags()
		c.degradedFlags = true
		c.warn("offline-edit flag storage not configured, using memory only")
	}
	go c.workerLoop()
	return c
}

func (c *Cache) RoomKey(roomID string) string    { return c.opt.RoomPrefix + "-" + roomID }
func (c *Cache) OfflineKey(roomID string) string { return c.opt.OfflinePrefix + "-" + roomID }

// Load 回放房间的缓存状态。超时、出错或没有缓存时返回新副本，第二个返回值表示是否命中缓存。
func (c *Cache) Load(ctx context.Context, roomID string, client crdt.ClientID) (*crdt.Replica, bool) {
	doc := crdt.New(client)

	c.mu.Lock()
	unsaved := c.dirty[roomID]
	store := c.store
	c.mu.Unlock()

	var data []byte
	if unsaved != nil {
		// 同一进程内重新打开房间，直接用还没落盘的最新状态
		data, _ = unsaved.Save()
	} else {
		loadCtx, cancel := context.WithTimeout(ctx, c.opt.LoadTimeout)
		defer cancel()
		type result struct {
			data []byte
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			d, err := store.Get(loadCtx, c.RoomKey(roomID))
			ch <- result{data: d, err: err}
		}()
		select {
		case res := <-ch:
			if res.err != nil {
				c.degradeStore(store, res.err)
				return doc, false
			}
			data = res.data
		case <-loadCtx.Done():
			c.warn("replica cache load timed out, starting fresh", "room", roomID, "timeout", c.opt.LoadTimeout)
			return doc, false
		}
	}
	if len(data) == 0 {
		return doc, false
	}
	if err := doc.Load(data); err != nil {
		c.warn("cached replica is unreadable, starting fresh", "room", roomID, "err", err)
		return crdt.New(client), false
	}
	return doc, true
}

// Persist 登记房间需要落盘，不阻塞调用方。
func (c *Cache) Persist(roomID string, doc *crdt.Replica) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn("persist after cache closed, dropped", "room", roomID)
		return
	}
	c.dirty[roomID] = doc
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Cache) MarkOfflineEdit(roomID string) {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	flags := c.currentFlags()
	if err := flags.SetOfflineEdit(c.OfflineKey(roomID), time.Now()); err != nil {
		c.degradeFlags(flags, err)
		_ = c.currentFlags().SetOfflineEdit(c.OfflineKey(roomID), time.Now())
	}
}

// OfflineEdit 返回房间是否有未同步的离线编辑，以及最后一次离线编辑的时间。
func (c *Cache) OfflineEdit(roomID string) (bool, time.Time) {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	return c.offlineEditLocked(roomID)
}

// ClearOfflineEdit 只在最后一次离线编辑不晚于 syncedAt（推送增量的时刻）时清除标记。
func (c *Cache) ClearOfflineEdit(roomID string, syncedAt time.Time) bool {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	ok, at := c.offlineEditLocked(roomID)
	if !ok || at.After(syncedAt) {
		return false
	}
	flags := c.currentFlags()
	if err := flags.ClearOfflineEdit(c.OfflineKey(roomID)); err != nil {
		c.degradeFlags(flags, err)
		_ = c.currentFlags().ClearOfflineEdit(c.OfflineKey(roomID))
	}
	return true
}

func (c *Cache) offlineEditLocked(roomID string) (bool, time.Time) {
	flags := c.currentFlags()
	ok, at, err := flags.OfflineEdit(c.OfflineKey(roomID))
	if err != nil {
		c.degradeFlags(flags, err)
		return false, time.Time{}
	}
	return ok, at
}

// Warnings 返回降级等告警信息。
func (c *Cache) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.warnings...)
}

func (c *Cache) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degradedStore || c.degradedFlags
}

// Close 先把待写入的房间全部落盘，再停止 worker 并关闭存储。
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stop)
		<-c.done

		c.mu.Lock()
		store, flags := c.store, c.flags
		c.mu.Unlock()
		if e := store.Close(); e != nil {
			err = e
		}
		if e := flags.Close(); e != nil && err == nil {
			err = e
		}
	})
	return err
}

func (c *Cache) workerLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.wake:
			c.flushDirty()
		case <-c.stop:
			c.flushDirty()
			return
		}
	}
}

func (c *Cache) flushDirty() {
	c.mu.Lock()
	batch := c.dirty
	c.dirty = make(map[string]*crdt.Replica)
	c.mu.Unlock()

	for roomID, doc := range batch {
		data, err := doc.Save()
		if err != nil {
			c.logger.Error("encode replica failed", "room", roomID, "err", err)
			continue
		}
		c.writeWithRetry(roomID, data)
	}
}

func (c *Cache) writeWithRetry(roomID string, data []byte) {
	key := c.RoomKey(roomID)
	for attempt := 0; attempt <= c.opt.MaxRetry; attempt++ {
		store := c.currentStore()
		ctx, cancel := context.WithTimeout(context.Background(), c.opt.WriteTimeout)
		err := store.Put(ctx, key, data)
		cancel()
		if err == nil {
			return
		}

		if attempt == c.opt.MaxRetry {
			c.degradeStore(store, err)
			_ = c.currentStore().Put(context.Background(), key, data)
			return
		}

		// 退避，每次退避时间X2
		backoff := c.opt.BaseBackoff * time.Duration(1<<attempt)
		if backoff > c.opt.MaxBackoff {
			backoff = c.opt.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (c *Cache) currentStore() Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

func (c *Cache) currentFlags() FlagStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// degradeStore 把出错的 failed 换成内存实现；failed 已被替换过时什么也不做。
func (c *Cache) degradeStore(failed Store, err error) {
	c.mu.Lock()
	if c.store != failed {
		c.mu.Unlock()
		return
	}
	c.store = NewMemoryStore()
	c.degradedStore = true
	c.mu.Unlock()
	c.warn("replica cache storage failed, continuing in memory", "err", err)
	_ = failed.Close()
}

func (c *Cache) degradeFlags(failed FlagStore, err error) {
	c.mu.Lock()
	if c.flags != failed {
		c.mu.Unlock()
		return
	}
	c.flags = NewMemoryFlags()
	c.degradedFlags = true
	c.mu.Unlock()
	c.warn("offline-edit flag storage failed, continuing in memory", "err", err)
	_ = failed.Close()
}

func (c *Cache) warn(msg string, args ...any) {
	c.logger.Warn(msg, args...)
	line := msg
	if len(args) > 0 {
		line = fmt.Sprint(append([]any{msg, " "}, args...)...)
	}
	c.mu.Lock()
	c.warnings = append(c.warnings, line)
	c.mu.Unlock()
}
