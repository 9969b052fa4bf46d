package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// ChangeDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞合并流程（Apply 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 重试耗尽后丢弃，事件不要求必达
type ChangeDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger

	queue chan RoomChangeEvent

	// sem 限制并发的 SendMessage 数量。
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	sent    atomic.Int64
	dropped atomic.Int64
}

type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *slog.Logger
}

func NewChangeDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt DispatcherOptions) *ChangeDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = time.Second
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	d := &ChangeDispatcher{
		producer:    producer,
		topic:       topic,
		logger:      opt.Logger,
		queue:       make(chan RoomChangeEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue 把事件放入本地队列，队列满时等待直到 ctx 结束。
func (d *ChangeDispatcher) Enqueue(ctx context.Context, evt RoomChangeEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		d.dropped.Add(1)
		return ctx.Err()
	}
}

// Close 停止接收新事件，等待队列里的事件发送完毕。
func (d *ChangeDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *ChangeDispatcher) Sent() int64    { return d.sent.Load() }
func (d *ChangeDispatcher) Dropped() int64 { return d.dropped.Load() }

func (d *ChangeDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *ChangeDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *ChangeDispatcher) sendWithRetry(workerID int, evt RoomChangeEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			d.sent.Add(1)
			return
		}

		if attempt == d.maxRetry {
			d.dropped.Add(1)
			d.logger.Warn("kafka send failed, drop event",
				"room", evt.Room, "event", evt.EventID, "revision", evt.Revision, "worker", workerID, "err", err)
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *ChangeDispatcher) sendOnce(evt RoomChangeEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.Room),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
