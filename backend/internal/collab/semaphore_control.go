package collab

import (
	"context"
	"errors"
	"fmt"
)

// DefaultSemaphoreSize 是同时合并/发送的默认上限
const DefaultSemaphoreSize = 100

var (
	ErrAcquireTimeout = errors.New("acquire reach time limit")
	ErrNotAcquired    = errors.New("release failed, semaphore is not acquired")
)

// SemaphoreControl 限制同时进行的合并/发送数量。
type SemaphoreControl struct {
	ch chan struct{}
}

// NewSemaphoreControl size <= 0 时使用 DefaultSemaphoreSize
func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultSemaphoreSize
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

// Acquire 阻塞到拿到名额或 ctx 结束
func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	default:
	}
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

// InUse 当前占用的名额数
func (s *SemaphoreControl) InUse() int { return len(s.ch) }

func (s *SemaphoreControl) Cap() int { return cap(s.ch) }
