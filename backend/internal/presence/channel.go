package presence

import (
	"log/slog"
	"sync"

	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/identity"
)

// Cursor 用副本锚点表示选区，远端并发编辑后依然指向同一处文本。
type Cursor struct {
	Anchor crdt.ID `json:"anchor"`
	Head   crdt.ID `json:"head"`
}

// Entry 是一个客户端的临时在线状态，只广播不持久化。
type Entry struct {
	ClientID crdt.ClientID      `json:"clientId"`
	Identity *identity.Identity `json:"identity,omitempty"`
	Cursor   *Cursor            `json:"cursor"`
	Color    string             `json:"color"`
}

func (e Entry) equal(o Entry) bool {
	if e.ClientID != o.ClientID || e.Color != o.Color {
		return false
	}
	if (e.Identity == nil) != (o.Identity == nil) || (e.Identity != nil && *e.Identity != *o.Identity) {
		return false
	}
	if (e.Cursor == nil) != (o.Cursor == nil) || (e.Cursor != nil && *e.Cursor != *o.Cursor) {
		return false
	}
	return true
}

type Snapshot map[crdt.ClientID]Entry

// Channel 保存本房间所有客户端的在线状态。
// 本地条目只能由 SetLocal/UpdateLocal/SetCursor 修改；远端条目只由会话层根据传输层的存活情况增删。
type Channel struct {
	clientID crdt.ClientID
	logger   *slog.Logger

	mu       sync.Mutex
	notifyMu sync.Mutex
	local    Entry
	hasLocal bool
	remote   map[crdt.ClientID]Entry
	send     func(Entry)
	subs     map[int]func(Snapshot)
	order    []int
	nextSub  int
	closed   bool
}

func NewChannel(clientID crdt.ClientID, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		clientID: clientID,
		logger:   logger,
		remote:   make(map[crdt.ClientID]Entry),
		subs:     make(map[int]func(Snapshot)),
	}
}

func (c *Channel) ClientID() crdt.ClientID { return c.clientID }

// SetLocal 覆盖本客户端自己的条目；ClientID 总是被强制为本客户端。
func (c *Channel) SetLocal(e Entry) {
	c.mu.Lock()
	c.setLocalLocked(e)
}

// UpdateLocal 在锁内对本地条目做读改写，并发的修改不会互相覆盖。
func (c *Channel) UpdateLocal(fn func(e *Entry)) {
	c.mu.Lock()
	e := c.local
	fn(&e)
	c.setLocalLocked(e)
}

// SetCursor 只替换光标，身份和颜色保持不变。cur 为 nil 表示光标离开编辑区。
func (c *Channel) SetCursor(cur *Cursor) {
	if cur != nil {
		cp := *cur
		cur = &cp
	}
	c.UpdateLocal(func(e *Entry) { e.Cursor = cur })
}

// setLocalLocked 在持有 c.mu 时调用，返回前释放锁。
func (c *Channel) setLocalLocked(e Entry) {
	e.ClientID = c.clientID
	if c.closed || (c.hasLocal && c.local.equal(e)) {
		c.mu.Unlock()
		return
	}
	c.local = e
	c.hasLocal = true
	send := c.send
	c.commit(func() {
		if send != nil {
			send(e)
		}
	})
}

func (c *Channel) Local() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local, c.hasLocal
}

// Entries 返回当前所有条目（含本地）的拷贝。
func (c *Channel) Entries() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// OnChange 注册回调，任何条目变化时收到完整快照。
func (c *Channel) OnChange(fn func(Snapshot)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	c.order = append(c.order, id)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
		for i, v := range c.order {
			if v == id {
				c.order = append(c.order[:i:i], c.order[i+1:]...)
				break
			}
		}
	}
}

// ApplyRemote 合并一个远端条目，忽略冒用本客户端 ID 的条目。
func (c *Channel) ApplyRemote(e Entry) {
	if e.ClientID == 0 || e.ClientID == c.clientID {
		return
	}
	c.mu.Lock()
	if old, ok := c.remote[e.ClientID]; c.closed || (ok && old.equal(e)) {
		c.mu.Unlock()
		return
	}
	c.remote[e.ClientID] = e
	c.commit(nil)
}

// RemoveRemote 在远端连接关闭时由会话层调用。
func (c *Channel) RemoveRemote(id crdt.ClientID) {
	c.mu.Lock()
	if _, ok := c.remote[id]; c.closed || !ok {
		c.mu.Unlock()
		return
	}
	delete(c.remote, id)
	c.commit(nil)
}

// ResetRemote 在本地连接断开时清空远端条目：它们的存活已无法确认。
func (c *Channel) ResetRemote() {
	c.mu.Lock()
	if c.closed || len(c.remote) == 0 {
		c.mu.Unlock()
		return
	}
	c.remote = make(map[crdt.ClientID]Entry)
	c.commit(nil)
}

// Bind 设置发送函数（连接建立后由会话层绑定，断开时传 nil）。
// 绑定时立即把当前本地条目发出去。
func (c *Channel) Bind(send func(Entry)) {
	c.mu.Lock()
	c.send = send
	local, ok := c.local, c.hasLocal && !c.closed
	c.mu.Unlock()
	if send != nil && ok {
		send(local)
	}
}

// Close 释放全部在线状态，之后不再有任何回调。
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.send = nil
	c.remote = make(map[crdt.ClientID]Entry)
	c.hasLocal = false
	c.subs = make(map[int]func(Snapshot))
	c.order = nil
	c.mu.Unlock()
}

// commit 在持有 c.mu 时调用：解锁后按顺序执行 after 并通知订阅者。
func (c *Channel) commit(after func()) {
	snap := c.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(c.order))
	for _, id := range c.order {
		fns = append(fns, c.subs[id])
	}
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	if after != nil {
		after()
	}
	for _, fn := range fns {
		fn(snap)
	}
}

func (c *Channel) snapshotLocked() Snapshot {
	out := make(Snapshot, len(c.remote)+1)
	for id, e := range c.remote {
		out[id] = e
	}
	if c.hasLocal {
		out[c.clientID] = c.local
	}
	return out
}
