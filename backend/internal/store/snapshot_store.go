package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// SnapshotStore 保存房间副本的完整编码，revision 是副本已合并的操作总数。
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, room string, revision uint64, data []byte) error
	// LoadLatest 没有快照时返回 nil, 0, nil
	LoadLatest(ctx context.Context, room string) ([]byte, uint64, error)
}

// CREATE TABLE room_snapshots (
//
//	room_id    VARCHAR(128) NOT NULL,
//	revision   BIGINT UNSIGNED NOT NULL,
//	data       LONGBLOB NOT NULL,
//	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
//	PRIMARY KEY (room_id, revision)
//
// );
type MySQLSnapshotStore struct{ db *sql.DB }

func NewMySQLSnapshotStore(db *sql.DB) *MySQLSnapshotStore {
	return &MySQLSnapshotStore{db: db}
}

// SaveSnapshot 同一 revision 再次写入时覆盖旧内容：后写的来自同一份服务端副本，包含的操作只多不少。
func (s *MySQLSnapshotStore) SaveSnapshot(ctx context.Context, room string, revision uint64, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_snapshots (room_id, revision, data)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE data = VALUES(data), created_at = CURRENT_TIMESTAMP`,
		room,
		revision,
		data,
	)
	return err
}

func (s *MySQLSnapshotStore) LoadLatest(ctx context.Context, room string) ([]byte, uint64, error) {
	var (
		data     []byte
		revision uint64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, revision FROM room_snapshots WHERE room_id = ? ORDER BY revision DESC LIMIT 1`,
		room,
	).Scan(&data, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return data, revision, nil
}

// MemorySnapshotStore 在没有配置 MySQL 时使用，只保留每个房间的最新快照。
type MemorySnapshotStore struct {
	mu    sync.Mutex
	rooms map[string]memorySnapshot
}

type memorySnapshot struct {
	revision uint64
	data     []byte
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{rooms: make(map[string]memorySnapshot)}
}

func (s *MemorySnapshotStore) SaveSnapshot(_ context.Context, room string, revision uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rooms[room]; ok && cur.revision > revision {
		return nil
	}
	s.rooms[room] = memorySnapshot{revision: revision, data: append([]byte(nil), data...)}
	return nil
}

func (s *MemorySnapshotStore) LoadLatest(_ context.Context, room string) ([]byte, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rooms[room]
	if !ok {
		return nil, 0, nil
	}
	return append([]byte(nil), cur.data...), cur.revision, nil
}
