package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collabEngine/backend/internal/annotation"
	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/identity"
	"collabEngine/backend/internal/localcache"
	"collabEngine/backend/internal/netmon"
	"collabEngine/backend/internal/presence"
	"collabEngine/backend/internal/session"
)

// ErrRoomOpen 同一个房间同时只能有一个会话。
var ErrRoomOpen = errors.New("room: already open")

// Deps 是一个进程内所有房间共享的依赖。
type Deps struct {
	Cache    *localcache.Cache
	Monitor  *netmon.Monitor
	Identity session.IdentitySource
	Dialer   session.Dialer
	Logger   *slog.Logger
}

type Config struct {
	Room     string
	Endpoint string
	Token    string
	// 0 表示随机生成
	ClientID crdt.ClientID

	RetryDelay         time.Duration
	MaxRetryDelay      time.Duration
	HeartbeatInterval  time.Duration
	PresenceFrame      time.Duration
	AnnotationDebounce time.Duration
}

type Registry struct {
	deps Deps

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Cache == nil {
		deps.Cache = localcache.New(nil, nil, localcache.Options{Logger: deps.Logger})
	}
	if deps.Monitor == nil {
		deps.Monitor = netmon.New(true, deps.Logger)
	}
	return &Registry{deps: deps, rooms: make(map[string]*Room)}
}

// Open 依次完成：读本地缓存 -> 副本可编辑 -> 建立在线状态与会话 -> 开始同步。
// 缓存读取（或超时）一定先于任何远端合并。
func (g *Registry) Open(ctx context.Context, cfg Config) (*Room, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, errors.New("room: registry closed")
	}
	if _, ok := g.rooms[cfg.Room]; ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRoomOpen, cfg.Room)
	}
	// 先占位，避免并发 Open 同一房间
	g.rooms[cfg.Room] = nil
	g.mu.Unlock()

	r := g.build(ctx, cfg)

	g.mu.Lock()
	g.rooms[cfg.Room] = r
	g.mu.Unlock()

	r.session.Connect()
	return r, nil
}

func (g *Registry) build(ctx context.Context, cfg Config) *Room {
	clientID := cfg.ClientID
	if clientID == 0 {
		clientID = crdt.NewClientID()
	}
	logger := g.deps.Logger.With("room", cfg.Room, "client", clientID)

	doc, hit := g.deps.Cache.Load(ctx, cfg.Room, clientID)
	logger.Info("room replica ready", "cached", hit, "chars", doc.Len())

	ch := presence.NewChannel(clientID, logger)
	ch.SetLocal(presence.Entry{Color: identity.ColorFor(clientID.String())})

	sess := session.New(doc, session.Config{
		Room:              cfg.Room,
		Endpoint:          cfg.Endpoint,
		Token:             cfg.Token,
		RetryDelay:        cfg.RetryDelay,
		MaxRetryDelay:     cfg.MaxRetryDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, session.Options{
		Dialer:   g.deps.Dialer,
		Monitor:  g.deps.Monitor,
		Identity: g.deps.Identity,
		Presence: ch,
		Flags:    g.deps.Cache,
		Logger:   logger,
	})

	r := &Room{
		id:          cfg.Room,
		doc:         doc,
		presence:    ch,
		publisher:   presence.NewPublisher(ch, cfg.PresenceFrame),
		annotations: annotation.NewTracker(doc, annotation.Options{Debounce: cfg.AnnotationDebounce, Logger: logger}),
		session:     sess,
		cache:       g.deps.Cache,
		monitor:     g.deps.Monitor,
		logger:      logger,
		release:     func() { g.remove(cfg.Room) },
	}
	r.cancelDoc = doc.OnUpdate(r.onUpdate)
	return r
}

func (g *Registry) remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rooms, id)
}

func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	return r, ok && r != nil
}

// Close 关闭所有房间，再把缓存里待写的数据落盘并停止 worker。
func (g *Registry) Close() error {
	g.mu.Lock()
	g.closed = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		if r != nil {
			rooms = append(rooms, r)
		}
	}
	g.mu.Unlock()
	for _, r := range rooms {
		r.Close()
	}
	return g.deps.Cache.Close()
}

// Room 是一个打开的协作文档：本地副本 + 同步会话 + 在线状态 + 批注。
type Room struct {
	id          string
	doc         *crdt.Replica
	presence    *presence.Channel
	publisher   *presence.Publisher
	annotations *annotation.Tracker
	session     *session.Session
	cache       *localcache.Cache
	monitor     *netmon.Monitor
	logger      *slog.Logger

	cancelDoc func()
	release   func()
	closeOnce sync.Once
}

func (r *Room) ID() string                              { return r.id }
func (r *Room) Doc() *crdt.Replica                      { return r.doc }
func (r *Room) Presence() *presence.Channel             { return r.presence }
func (r *Room) Annotations() *annotation.Tracker        { return r.annotations }
func (r *Room) Status() session.Status                  { return r.session.Status() }
func (r *Room) Reauthenticate(token string)             { r.session.Reauthenticate(token) }
func (r *Room) OnStatus(fn func(session.Status)) func() { return r.session.OnStatus(fn) }

// OfflineEdit 报告房间是否还有没推到服务端的离线编辑。
func (r *Room) OfflineEdit() bool {
	ok, _ := r.cache.OfflineEdit(r.id)
	return ok
}

// MoveCursor 把可见位置转成锚点后交给节流发布器。
func (r *Room) MoveCursor(anchor, head int) {
	r.publisher.Move(presence.Cursor{Anchor: r.doc.Anchor(anchor), Head: r.doc.Anchor(head)})
	r.annotations.SetSelection(head)
}

// Blur 光标离开编辑区：cursor 置空，身份和颜色保留。
func (r *Room) Blur() { r.publisher.Blur() }

// onUpdate 每次副本变化都登记落盘；断线期间的本地编辑额外打上离线标记。
func (r *Room) onUpdate(u crdt.Update) {
	r.cache.Persist(r.id, r.doc)
	if !u.Local {
		return
	}
	if !r.monitor.Online() || r.session.Status().State != session.StateConnected {
		r.cache.MarkOfflineEdit(r.id)
	}
}

// Close 按顺序拆除：停止批注和发布器，销毁会话（不再有回调），最后登记一次落盘。
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		r.annotations.Close()
		r.publisher.Close()
		r.session.Destroy()
		r.cancelDoc()
		r.cache.Persist(r.id, r.doc)
		r.release()
		r.logger.Info("room closed")
	})
}

// Done 在会话后台循环退出后关闭。
func (r *Room) Done() <-chan struct{} { return r.session.Done() }
