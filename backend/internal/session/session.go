package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/identity"
	"collabEngine/backend/internal/netmon"
	"collabEngine/backend/internal/presence"
	"collabEngine/backend/internal/ws"
)

type Config struct {
	Room     string
	Endpoint string
	Token    string

	// 断线后至少等待 RetryDelay 再重连，之后指数增长到 MaxRetryDelay
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
}

func (c *Config) defaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = 30 * time.Second
		if c.MaxRetryDelay < c.RetryDelay {
			c.MaxRetryDelay = c.RetryDelay
		}
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// IdentitySource 在建立连接前确认当前凭证对应的用户。
type IdentitySource interface {
	Resolve(ctx context.Context, token string) (identity.Identity, error)
}

// OfflineFlags 在初次同步完成后清除房间的离线编辑标记。
type OfflineFlags interface {
	ClearOfflineEdit(roomID string, syncedAt time.Time) bool
}

type Options struct {
	Dialer   Dialer
	Monitor  *netmon.Monitor
	Identity IdentitySource
	Presence *presence.Channel
	Flags    OfflineFlags
	Logger   *slog.Logger
}

type statusObserver struct {
	id int
	fn func(Status)
}

// Session 让一个副本与中继服务保持同步。
//
// 所有状态变化都发生在 run goroutine 上，相同的 (State, Reason) 不会重复通知。
// 离线期间不拨号；鉴权失败后停在 error 状态，直到 Reauthenticate 提供新凭证。
type Session struct {
	cfg    Config
	doc    *crdt.Replica
	dialer Dialer
	mon    *netmon.Monitor
	opt    Options
	logger *slog.Logger

	mu        sync.Mutex
	status    Status
	observers []statusObserver
	nextObs   int
	token     string
	conn      Conn
	started   bool
	cancelDoc func()
	cancelNet func()

	destroyed   atomic.Bool
	destroyOnce sync.Once
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}

	reauth chan string
	kick   chan struct{}
}

func New(doc *crdt.Replica, cfg Config, opt Options) *Session {
	cfg.defaults()
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Dialer == nil {
		opt.Dialer = WebsocketDialer{}
	}
	if opt.Monitor == nil {
		opt.Monitor = netmon.New(true, opt.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:    cfg,
		doc:    doc,
		dialer: opt.Dialer,
		mon:    opt.Monitor,
		opt:    opt,
		logger: opt.Logger.With("room", cfg.Room),
		status: Status{State: StateConnecting},
		token:  cfg.Token,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		reauth: make(chan string, 1),
		kick:   make(chan struct{}, 1),
	}
}

// Connect 启动同步循环，重复调用无效。
func (s *Session) Connect() {
	s.mu.Lock()
	if s.started || s.destroyed.Load() {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.cancelDoc = s.doc.OnUpdate(func(u crdt.Update) {
		if !u.Local {
			return
		}
		select {
		case s.kick <- struct{}{}:
		default:
		}
	})
	s.cancelNet = s.mon.Subscribe(func(online bool) {
		if !online {
			s.closeLive()
		}
	})
	s.mu.Unlock()
	go s.run()
}

// Destroy 停止同步并释放连接，之后不再触发任何回调。不等待后台 goroutine 退出，需要时用 Done。
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.destroyed.Store(true)
		s.cancel()

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.observers = nil
		cancelDoc, cancelNet := s.cancelDoc, s.cancelNet
		if !s.started {
			s.started = true
			close(s.done)
		}
		s.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if cancelDoc != nil {
			cancelDoc()
		}
		if cancelNet != nil {
			cancelNet()
		}
		// 在线状态归会话所有，随会话一起释放
		if s.opt.Presence != nil {
			s.opt.Presence.Close()
		}
	})
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Reauthenticate 替换凭证；会话停在鉴权错误时立即用新凭证重连。
func (s *Session) Reauthenticate(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	select {
	case s.reauth <- token:
	default:
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) OnStatus(fn func(Status)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextObs++
	id := s.nextObs
	s.observers = append(s.observers, statusObserver{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				break
			}
		}
	}
}

func (s *Session) setStatus(state State, reason Reason, err error) {
	s.mu.Lock()
	if s.destroyed.Load() || (s.status.State == state && s.status.Reason == reason) {
		s.mu.Unlock()
		return
	}
	s.status = Status{State: state, Reason: reason, Err: err}
	st := s.status
	obs := append([]statusObserver(nil), s.observers...)
	s.mu.Unlock()

	if err != nil {
		s.logger.Info("sync session state", "state", state, "reason", reason, "err", err)
	} else {
		s.logger.Info("sync session state", "state", state, "reason", reason)
	}
	for _, o := range obs {
		if s.destroyed.Load() {
			return
		}
		o.fn(st)
	}
}

func (s *Session) run() {
	defer close(s.done)
	if s.cfg.Endpoint == "" {
		s.setStatus(StateError, ReasonConfigIncomplete, ErrConfigIncomplete)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryDelay
	b.MaxInterval = s.cfg.MaxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if !s.mon.Online() {
			s.setStatus(StateDisconnected, ReasonTransientNetwork, nil)
			if err := s.mon.WaitOnline(s.ctx); err != nil {
				return
			}
		}
		s.setStatus(StateConnecting, ReasonNone, nil)
		connected, err := s.connectOnce()
		if s.ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}

		switch {
		case errors.Is(err, ErrAuthenticationFailed):
			s.drainReauth()
			s.setStatus(StateError, ReasonAuthenticationFailed, err)
			if !s.waitReauth() {
				return
			}
			b.Reset()
			continue
		case errors.Is(err, identity.ErrUnauthorized):
			s.drainReauth()
			s.setStatus(StateError, ReasonUnauthorized, err)
			if !s.waitReauth() {
				return
			}
			b.Reset()
			continue
		}

		s.setStatus(StateDisconnected, reasonFor(err), err)
		if !s.mon.Online() {
			// 离线时不计时，回到循环顶部等待恢复
			continue
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop || delay < s.cfg.RetryDelay {
			delay = s.cfg.RetryDelay
		}
		s.logger.Info("sync session retrying", "delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// drainReauth 丢弃进入错误状态之前的旧信号；必须在通知观察者之前调用，
// 观察者可能在回调里直接 Reauthenticate。
func (s *Session) drainReauth() {
	select {
	case <-s.reauth:
	default:
	}
}

func (s *Session) waitReauth() bool {
	select {
	case <-s.reauth:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// connectOnce 完成一次 鉴权 -> 双向同步 -> 实时推送 的完整连接周期，返回连接是否曾进入 connected。
func (s *Session) connectOnce() (connected bool, err error) {
	token := s.currentToken()
	if s.opt.Identity != nil {
		id, err := s.opt.Identity.Resolve(s.ctx, token)
		if err != nil {
			if errors.Is(err, identity.ErrUnauthorized) {
				return false, err
			}
			return false, fmt.Errorf("%w: resolve identity: %v", ErrTransientNetwork, err)
		}
		s.applyIdentity(id)
	}

	dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	conn, err := s.dialer.Dial(dialCtx, s.cfg.Endpoint)
	cancel()
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			return false, err
		}
		return false, fmt.Errorf("%w: dial: %v", ErrTransientNetwork, err)
	}
	if !s.setLive(conn) {
		_ = conn.Close()
		return false, s.ctx.Err()
	}
	defer s.dropLive(conn)
	if !s.mon.Online() {
		// 拨号期间掉线，订阅回调没能关到这条连接
		return false, fmt.Errorf("%w: went offline while dialing", ErrTransientNetwork)
	}
	s.setStatus(StateSyncing, ReasonNone, nil)

	self := s.doc.ClientID()
	if err := conn.WriteMessage(ws.Message{Type: ws.TypeAuth, Room: s.cfg.Room, Token: token, ClientID: self}); err != nil {
		return false, fmt.Errorf("%w: send auth: %v", ErrTransientNetwork, err)
	}

	in := make(chan ws.Message)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case in <- msg:
			case <-stop:
				return
			}
		}
	}()

	handshake := time.NewTimer(s.cfg.HandshakeTimeout)
	defer handshake.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var (
		authed    bool
		pushed    bool
		pushedAt  time.Time
		pushedSeq uint64 // 最近一次 sync_step2 覆盖到的本地序号
		unsynced  bool   // 离线标记还在等服务端确认
		sentSeq   uint64 // 已经推给服务端的本地操作序号
	)
	for {
		select {
		case <-s.ctx.Done():
			return connected, s.ctx.Err()

		case err := <-readErr:
			return connected, fmt.Errorf("%w: read: %v", ErrTransientNetwork, err)

		case <-handshake.C:
			if !connected {
				return false, fmt.Errorf("%w: handshake timed out", ErrTransientNetwork)
			}

		case <-heartbeat.C:
			if !authed {
				continue
			}
			if err := conn.WriteMessage(ws.Message{Type: ws.TypeHeartbeat}); err != nil {
				return connected, fmt.Errorf("%w: heartbeat: %v", ErrTransientNetwork, err)
			}

		case <-s.kick:
			if !pushed {
				// 初次同步的 sync_step2 会带上这些操作
				continue
			}
			if sentSeq, err = s.pushLocal(conn, sentSeq); err != nil {
				return connected, err
			}

		case msg := <-in:
			switch msg.Type {
			case ws.TypeAuthOK:
				authed = true
			case ws.TypeAuthError:
				return false, fmt.Errorf("%w: %s", ErrAuthenticationFailed, msg.Content)

			case ws.TypeSyncStep1:
				// 先记录时间再编码，之后的离线编辑不会被误清
				pushedAt = time.Now()
				own := s.doc.CurrentVersion()[self]
				data, err := s.doc.EncodeDelta(msg.Version)
				if err != nil {
					return connected, fmt.Errorf("encode sync delta: %w", err)
				}
				if err := conn.WriteMessage(ws.Message{Type: ws.TypeSyncStep2, Room: s.cfg.Room, Update: data}); err != nil {
					return connected, fmt.Errorf("%w: send sync_step2: %v", ErrTransientNetwork, err)
				}
				pushed, sentSeq = true, own
				pushedSeq, unsynced = own, true
				if err := conn.WriteMessage(ws.Message{Type: ws.TypeSyncStep1, Room: s.cfg.Room, Version: s.doc.CurrentVersion()}); err != nil {
					return connected, fmt.Errorf("%w: send sync_step1: %v", ErrTransientNetwork, err)
				}

			case ws.TypeSyncStep2:
				if err := s.doc.ApplyRemote(msg.Update); err != nil {
					return connected, err
				}

			case ws.TypeSyncDone:
				// sync_done 带着服务端合并后的版本，只有它覆盖了推送的本地操作才清离线标记
				if unsynced && msg.Version[self] >= pushedSeq {
					unsynced = false
					if s.opt.Flags != nil && s.opt.Flags.ClearOfflineEdit(s.cfg.Room, pushedAt) {
						s.logger.Info("offline edits synced")
					}
				}
				if connected {
					continue
				}
				connected = true
				s.setStatus(StateConnected, ReasonNone, nil)
				s.bindPresence(conn)

			case ws.TypeUpdate:
				if err := s.doc.ApplyRemote(msg.Update); err != nil {
					s.logger.Warn("dropped malformed remote update", "err", err)
				}

			case ws.TypePresence:
				if msg.Presence != nil && s.opt.Presence != nil {
					s.opt.Presence.ApplyRemote(*msg.Presence)
				}

			case ws.TypePresenceRemove:
				if s.opt.Presence != nil {
					s.opt.Presence.RemoveRemote(msg.ClientID)
				}

			case ws.TypeHeartbeat:
			case ws.TypeError:
				s.logger.Warn("relay reported error", "code", msg.Code, "content", msg.Content)
			default:
				s.logger.Warn("unknown message type", "type", msg.Type)
			}
		}
	}
}

// pushLocal 把序号大于 sentSeq 的本地操作推给服务端。
func (s *Session) pushLocal(conn Conn, sentSeq uint64) (uint64, error) {
	self := s.doc.ClientID()
	since := s.doc.CurrentVersion()
	own := since[self]
	if own <= sentSeq {
		return sentSeq, nil
	}
	since[self] = sentSeq
	data, err := s.doc.EncodeDelta(since)
	if err != nil {
		return sentSeq, fmt.Errorf("encode local update: %w", err)
	}
	if err := conn.WriteMessage(ws.Message{Type: ws.TypeUpdate, Room: s.cfg.Room, Update: data}); err != nil {
		return sentSeq, fmt.Errorf("%w: send update: %v", ErrTransientNetwork, err)
	}
	return own, nil
}

// applyIdentity 把解析出的身份写进本地在线状态，保留当前光标。
func (s *Session) applyIdentity(id identity.Identity) {
	if s.opt.Presence == nil {
		return
	}
	s.opt.Presence.UpdateLocal(func(e *presence.Entry) {
		e.Identity = &id
		e.Color = id.Color
	})
}

func (s *Session) bindPresence(conn Conn) {
	if s.opt.Presence == nil {
		return
	}
	room := s.cfg.Room
	s.opt.Presence.Bind(func(e presence.Entry) {
		if err := conn.WriteMessage(ws.Message{Type: ws.TypePresence, Room: room, Presence: &e}); err != nil {
			s.logger.Debug("presence send failed", "err", err)
		}
	})
}

func (s *Session) setLive(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed.Load() {
		return false
	}
	s.conn = conn
	return true
}

func (s *Session) dropLive(conn Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
	if s.opt.Presence != nil {
		s.opt.Presence.Bind(nil)
		s.opt.Presence.ResetRemote()
	}
}

// closeLive 在网络离线时主动断开当前连接，run 循环随后进入等待。
func (s *Session) closeLive() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
