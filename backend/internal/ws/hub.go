package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/presence"
)

const rosterTTL = 60 * time.Second

type Hub struct {
	// roster 把在线成员落到 Redis，多个中继实例共享；为 nil 时只看本机连接
	roster cache.Roster
	logger *slog.Logger
	// 读写锁，保护 rooms；加入/离开房间、广播时都会先加锁
	mu sync.RWMutex
	// room -> set of connections
	// 一个用户可开多个标签页/设备（多连接），广播要逐连接发
	rooms map[string]map[*Conn]struct{}
}

func NewHub(roster cache.Roster, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{roster: roster, logger: logger, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入房间
func (h *Hub) Join(room string, c *Conn) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Conn]struct{})
	}
	h.rooms[room][c] = struct{}{}
	h.mu.Unlock()
	h.touch(room, c)
}

// Leave 将连接从房间移除
func (h *Hub) Leave(room string, c *Conn) {
	h.mu.Lock()
	if conns, ok := h.rooms[room]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
	stillHere := h.userInRoomLocked(room, c.userID)
	h.mu.Unlock()

	// 同一用户还有别的连接时保留名单
	if h.roster != nil && !stillHere {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := h.roster.RemoveMember(ctx, room, c.userID); err != nil {
			h.logger.Warn("roster remove failed", "room", room, "user", c.userID, "err", err)
		}
	}
}

// touch 刷新 Redis 名单里的过期时间，心跳时调用
func (h *Hub) touch(room string, c *Conn) {
	if h.roster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.roster.AddMember(ctx, room, c.userID, c.username, rosterTTL); err != nil {
		h.logger.Warn("roster add failed", "room", room, "user", c.userID, "err", err)
	}
}

func (h *Hub) userInRoomLocked(room, userID string) bool {
	for c := range h.rooms[room] {
		if c.userID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) peers(room string, except *Conn) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != except {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast 把消息发给房间内除 except 以外的所有连接。
func (h *Hub) Broadcast(room string, except *Conn, msg Message) {
	for _, c := range h.peers(room, except) {
		if !c.SendMessage_Enqueue(msg) {
			// 队列满了说明客户端跟不上，断开让它重连后重新同步
			h.logger.Warn("send queue full, dropping slow connection", "room", room, "user", c.userID)
			c.kick()
		}
	}
}

// PresenceOf 返回房间内其他连接最近一次上报的在线状态。
func (h *Hub) PresenceOf(room string, except *Conn) []presence.Entry {
	var out []presence.Entry
	for _, c := range h.peers(room, except) {
		if e, ok := c.lastPresence(); ok {
			out = append(out, e)
		}
	}
	return out
}

// Members 返回房间在线成员，优先读 Redis 名单。
func (h *Hub) Members(ctx context.Context, room string) ([]cache.Member, error) {
	if h.roster != nil {
		return h.roster.AliveMembers(ctx, room)
	}
	seen := map[string]bool{}
	var out []cache.Member
	for _, c := range h.peers(room, nil) {
		if seen[c.userID] {
			continue
		}
		seen[c.userID] = true
		out = append(out, cache.Member{UserID: c.userID, Name: c.username})
	}
	return out, nil
}
