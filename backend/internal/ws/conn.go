package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabEngine/backend/internal/auth"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/presence"
)

const (
	// 客户端每 10s 发一次心跳，超过 readTimeout 没有任何帧视为断线
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
	applyTimeout = 200 * time.Millisecond
	sendQueue    = 64
)

type Conn struct {
	ws     *websocket.Conn
	hub    *Hub
	svc    collab.Service
	sem    *collab.SemaphoreControl
	secret []byte
	logger *slog.Logger

	room     string
	userID   string
	username string
	clientID crdt.ClientID

	mu       sync.Mutex
	presence *presence.Entry

	// 出站队列，由 writeLoop 独占写 socket
	send     chan Message
	done     chan struct{}
	kickOnce sync.Once
}

func NewConn(ws *websocket.Conn, hub *Hub, svc collab.Service, sem *collab.SemaphoreControl, secret []byte, logger *slog.Logger) *Conn {
	return &Conn{
		ws:     ws,
		hub:    hub,
		svc:    svc,
		sem:    sem,
		secret: secret,
		logger: logger,
		send:   make(chan Message, sendQueue),
		done:   make(chan struct{}),
	}
}

// SendMessage_Enqueue 非阻塞入队，连接已关闭或队列已满时返回 false。
func (c *Conn) SendMessage_Enqueue(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) kick() {
	c.kickOnce.Do(func() { _ = c.ws.Close() })
}

func (c *Conn) lastPresence() (presence.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.presence == nil {
		return presence.Entry{}, false
	}
	return *c.presence, true
}

// authenticate 处理第一帧：必须是 auth，校验令牌后加入房间并发出 sync_step1。
func (c *Conn) authenticate(ctx context.Context, msg Message) error {
	if msg.Type != TypeAuth {
		c.SendMessage_Enqueue(Message{Type: TypeAuthError, Content: "first frame must be auth"})
		return errors.New("first frame is not auth")
	}
	claims, err := auth.ParseAccessToken(c.secret, msg.Token)
	if err != nil {
		c.SendMessage_Enqueue(Message{Type: TypeAuthError, Content: err.Error()})
		return err
	}
	if msg.Room == "" || msg.ClientID == 0 {
		c.SendMessage_Enqueue(Message{Type: TypeAuthError, Content: "room and clientId are required"})
		return errors.New("auth frame missing room or clientId")
	}
	if err := c.svc.Open(ctx, msg.Room); err != nil {
		c.SendMessage_Enqueue(Message{Type: TypeError, Code: "room-unavailable", Content: err.Error()})
		return err
	}
	c.room = msg.Room
	c.userID = claims.UserID
	c.username = claims.Username
	c.clientID = msg.ClientID
	c.logger = c.logger.With("room", c.room, "user", c.userID, "client", c.clientID)

	// 先加入房间再取版本：之后合并的增量一定会广播过来
	c.hub.Join(c.room, c)
	version, err := c.svc.Version(c.room)
	if err != nil {
		return err
	}
	c.SendMessage_Enqueue(Message{Type: TypeAuthOK, Room: c.room, ClientID: c.clientID})
	c.SendMessage_Enqueue(Message{Type: TypeSyncStep1, Room: c.room, Version: version})
	for _, e := range c.hub.PresenceOf(c.room, c) {
		e := e
		c.SendMessage_Enqueue(Message{Type: TypePresence, Room: c.room, Presence: &e})
	}
	c.logger.Info("client joined")
	return nil
}

func (c *Conn) handleUpdate(ctx context.Context, msg Message) {
	applyCtx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()

	if err := c.sem.Acquire(applyCtx); err != nil {
		// 丢弃这次增量，让客户端按服务端版本重新补发
		c.logger.Warn("relay busy, asking client to resync", "inflight", c.sem.InUse(), "err", err)
		version, verr := c.svc.Version(c.room)
		if verr != nil {
			c.SendMessage_Enqueue(Message{Type: TypeError, Code: "busy", Content: err.Error()})
			return
		}
		c.SendMessage_Enqueue(Message{Type: TypeSyncStep1, Room: c.room, Version: version})
		return
	}
	changed, err := c.svc.Apply(applyCtx, c.room, c.userID, c.clientID, msg.Update)
	_ = c.sem.Release()
	if err != nil {
		c.logger.Warn("rejected client delta", "err", err)
		code := "apply-failed"
		if errors.Is(err, crdt.ErrMalformedDelta) {
			code = "malformed-remote-delta"
		}
		c.SendMessage_Enqueue(Message{Type: TypeError, Code: code, Content: err.Error()})
		return
	}
	if changed {
		c.hub.Broadcast(c.room, c, Message{Type: TypeUpdate, Room: c.room, Update: msg.Update})
	}
}

func (c *Conn) handlePresence(msg Message) {
	if msg.Presence == nil {
		return
	}
	// 只能改自己的条目
	e := *msg.Presence
	e.ClientID = c.clientID
	c.mu.Lock()
	c.presence = &e
	c.mu.Unlock()
	c.hub.Broadcast(c.room, c, Message{Type: TypePresence, Room: c.room, Presence: &e})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.done)
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))

	var first Message
	if err := c.ws.ReadJSON(&first); err != nil {
		c.logger.Info("read auth frame failed", "err", err)
		return
	}
	if err := c.authenticate(ctx, first); err != nil {
		c.logger.Info("authentication failed", "err", err)
		return
	}
	defer c.leave()

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("read json error", "err", err)
			}
			return
		}
		switch msg.Type {
		case TypeHeartbeat:
			c.hub.touch(c.room, c)
			c.SendMessage_Enqueue(Message{Type: TypeHeartbeat})

		case TypeSyncStep1:
			data, err := c.svc.EncodeDelta(c.room, msg.Version)
			if err != nil {
				c.SendMessage_Enqueue(Message{Type: TypeError, Code: "sync-failed", Content: err.Error()})
				return
			}
			// 读循环串行处理，这里的版本已包含客户端先前发来的 sync_step2
			version, err := c.svc.Version(c.room)
			if err != nil {
				c.SendMessage_Enqueue(Message{Type: TypeError, Code: "sync-failed", Content: err.Error()})
				return
			}
			c.SendMessage_Enqueue(Message{Type: TypeSyncStep2, Room: c.room, Update: data})
			c.SendMessage_Enqueue(Message{Type: TypeSyncDone, Room: c.room, Version: version})

		case TypeSyncStep2, TypeUpdate:
			c.handleUpdate(ctx, msg)

		case TypePresence:
			c.handlePresence(msg)

		default:
			// 忽略未知类型，回一条提示
			c.SendMessage_Enqueue(Message{Type: TypeError, Code: "ignored", Content: "unknown message type " + msg.Type})
		}
	}
}

// leave 退出房间并通知其他客户端移除本连接的在线状态
func (c *Conn) leave() {
	c.hub.Leave(c.room, c)
	c.hub.Broadcast(c.room, c, Message{Type: TypePresenceRemove, Room: c.room, ClientID: c.clientID})
	c.svc.Release(c.room)
	c.logger.Info("client left")
}

func (c *Conn) writeLoop() {
	defer c.kick()
	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-c.done:
			// 读循环已退出，把剩下的消息（如 auth_error）发完再关闭
			for {
				select {
				case msg := <-c.send:
					if !c.write(msg) {
						return
					}
				default:
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

func (c *Conn) write(msg Message) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(msg); err != nil {
		c.logger.Info("write json error", "err", err)
		c.kick()
		return false
	}
	return true
}
