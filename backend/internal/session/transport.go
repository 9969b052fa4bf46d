package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabEngine/backend/internal/ws"
)

// Conn 是一条已建立的传输连接。WriteMessage 可能被多个 goroutine 调用，实现需自行加锁。
type Conn interface {
	ReadMessage() (ws.Message, error)
	WriteMessage(ws.Message) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WebsocketDialer 基于 gorilla/websocket 建立连接，消息以 JSON 帧传输。
type WebsocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: upgrade status %d", ErrAuthenticationFailed, resp.StatusCode)
		}
		return nil, err
	}
	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &wsConn{c: c, writeTimeout: timeout}, nil
}

type wsConn struct {
	c            *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

func (w *wsConn) ReadMessage() (ws.Message, error) {
	var m ws.Message
	err := w.c.ReadJSON(&m)
	return m, err
}

func (w *wsConn) WriteMessage(m ws.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.c.WriteJSON(m)
}

func (w *wsConn) Close() error { return w.c.Close() }
