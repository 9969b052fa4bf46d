package ws

import (
	"encoding/json"

	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/presence"
)

// 消息类型
//
// 握手：client auth -> server auth_ok | auth_error
// 同步：server sync_step1(version) -> client sync_step2(delta) + sync_step1(version)
//
//	-> server sync_step2(delta) + sync_done(合并后的 version)
//
// 之后双方用 update 互推增量，presence / presence_remove 广播在线状态，heartbeat 保活。
const (
	TypeAuth           = "auth"
	TypeAuthOK         = "auth_ok"
	TypeAuthError      = "auth_error"
	TypeSyncStep1      = "sync_step1"
	TypeSyncStep2      = "sync_step2"
	TypeSyncDone       = "sync_done"
	TypeUpdate         = "update"
	TypePresence       = "presence"
	TypePresenceRemove = "presence_remove"
	TypeHeartbeat      = "heartbeat"
	TypeError          = "error"
)

type Message struct {
	Type     string          `json:"type"`
	Room     string          `json:"room,omitempty"`
	Token    string          `json:"token,omitempty"`
	ClientID crdt.ClientID   `json:"clientId,omitempty"`
	Version  crdt.Version    `json:"version,omitempty"`
	Update   json.RawMessage `json:"update,omitempty"`
	Presence *presence.Entry `json:"presence,omitempty"`
	Code     string          `json:"code,omitempty"`
	Content  string          `json:"content,omitempty"`
}
