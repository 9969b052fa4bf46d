package presence

import (
	"sync"
	"time"
)

// DefaultFrame 约等于 60fps 的一帧。
const DefaultFrame = 16 * time.Millisecond

// Publisher 对高频的本地光标更新做节流：每帧最多发布一次，只保留最新值。
type Publisher struct {
	ch    *Channel
	frame time.Duration

	mu      sync.Mutex
	pending *Cursor
	gen     uint64 // Move/Blur 各加一，发布前比对
	timer   *time.Timer
	closed  bool
}

func NewPublisher(ch *Channel, frame time.Duration) *Publisher {
	if frame <= 0 {
		frame = DefaultFrame
	}
	return &Publisher{ch: ch, frame: frame}
}

// Move 记录最新的光标位置；本帧结束时发布。
func (p *Publisher) Move(cur Cursor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending = &cur
	p.gen++
	if p.timer == nil {
		p.timer = time.AfterFunc(p.frame, p.Flush)
	}
}

// Blur 在编辑区失去焦点时调用：丢弃未发布的位置，立即把光标置空，身份与颜色保持不变。
func (p *Publisher) Blur() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.pending = nil
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	p.ch.SetCursor(nil)
}

// Flush 立即发布待发送的位置（如果有）。
func (p *Publisher) Flush() {
	cur, gen := p.take()
	if cur != nil {
		p.publish(cur, gen)
	}
}

func (p *Publisher) take() (*Cursor, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.pending
	p.pending = nil
	p.timer = nil
	if p.closed {
		return nil, p.gen
	}
	return cur, p.gen
}

// publish 在频道锁内比对代数：取出之后又有 Blur 或 Move 时放弃这次发布。
func (p *Publisher) publish(cur *Cursor, gen uint64) {
	cp := *cur
	p.ch.UpdateLocal(func(e *Entry) {
		p.mu.Lock()
		stale := p.gen != gen || p.closed
		p.mu.Unlock()
		if !stale {
			e.Cursor = &cp
		}
	})
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.pending = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
