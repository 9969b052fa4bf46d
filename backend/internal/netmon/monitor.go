package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor 记录连通性状态并在状态真正变化时通知订阅者（每次变化恰好一次）。
// 状态可以由宿主直接 Set，也可以由 Probe 轮询健康检查接口得到。
type Monitor struct {
	mu       sync.Mutex
	notifyMu sync.Mutex
	online   bool
	changed  chan struct{} // 每次变化时关闭并替换，供 WaitOnline 等待
	subs     map[int]func(bool)
	order    []int
	nextSub  int
	logger   *slog.Logger
}

func New(online bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		online:  online,
		changed: make(chan struct{}),
		subs:    make(map[int]func(bool)),
		logger:  logger,
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set 更新连通性；与当前状态相同则忽略。
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	close(m.changed)
	m.changed = make(chan struct{})
	fns := make([]func(bool), 0, len(m.order))
	for _, id := range m.order {
		fns = append(fns, m.subs[id])
	}
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	m.logger.Info("network state changed", "online", online)
	for _, fn := range fns {
		fn(online)
	}
}

// Subscribe 注册状态变化回调，返回取消函数。
func (m *Monitor) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	m.order = append(m.order, id)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
		for i, v := range m.order {
			if v == id {
				m.order = append(m.order[:i:i], m.order[i+1:]...)
				break
			}
		}
	}
}

// WaitOnline 阻塞直到在线或 ctx 结束。
func (m *Monitor) WaitOnline(ctx context.Context) error {
	for {
		m.mu.Lock()
		online, changed := m.online, m.changed
		m.mu.Unlock()
		if online {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Probe 按 interval 请求健康检查地址，2xx 视为在线，直到 ctx 结束。
func (m *Monitor) Probe(ctx context.Context, client *http.Client, url string, interval time.Duration) {
	if client == nil {
		client = &http.Client{Timeout: interval}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		online := probeOnce(ctx, client, url)
		if ctx.Err() != nil {
			// 退出时被取消的请求不代表断网
			return
		}
		m.Set(online)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func probeOnce(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
