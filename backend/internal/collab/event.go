package collab

import (
	"encoding/json"
	"time"

	"collabEngine/backend/internal/crdt"
)

const EventRoomChanged = "ROOM_CHANGED"

// RoomChangeEvent 描述一次被服务端副本接受的增量，按房间分区写入 Kafka。
type RoomChangeEvent struct {
	EventType string          `json:"eventType"` // 固定 "ROOM_CHANGED"
	EventID   string          `json:"eventId"`
	Room      string          `json:"room"`
	Revision  uint64          `json:"revision"`
	UserID    string          `json:"userId"`
	ClientID  crdt.ClientID   `json:"clientId"`
	Version   crdt.Version    `json:"version"`
	Update    json.RawMessage `json:"update"`
	AppliedAt time.Time       `json:"appliedAt"`
}
