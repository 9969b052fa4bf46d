package ws

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabEngine/backend/internal/collab"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h      *Hub
	svc    collab.Service
	sem    *collab.SemaphoreControl
	secret []byte
	logger *slog.Logger
}

func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl, secret []byte, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if sem == nil {
		sem = collab.NewSemaphoreControl(0)
	}
	return &Manager{h: h, svc: svc, sem: sem, secret: secret, logger: logger}
}

// WebSocketConnect 升级连接。鉴权在第一帧 auth 里完成，不依赖 HTTP 头。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade error", "err", err, "origin", c.Request.Header.Get("Origin"))
		return
	}
	wsConn := NewConn(conn, m.h, m.svc, m.sem, m.secret, m.logger)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
}
