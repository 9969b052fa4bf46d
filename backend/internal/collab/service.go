package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/store"
)

var ErrRoomNotOpen = errors.New("room not open")

// Service 是中继端的协作引擎：每个房间一份服务端副本。
type Service interface {
	Open(ctx context.Context, room string) error
	Release(room string)
	Version(room string) (crdt.Version, error)
	EncodeDelta(room string, since crdt.Version) ([]byte, error)
	// Apply 合并客户端发来的增量，返回副本是否因此变化
	Apply(ctx context.Context, room, userID string, client crdt.ClientID, update []byte) (bool, error)
}

type roomState struct {
	doc   *crdt.Replica
	refs  int
	dirty bool
	saved uint64
	// 正在写的快照数；写完之前房间不卸载，重新 Open 会直接复用内存副本
	saving int
}

type loaded struct {
	doc *crdt.Replica
	rev uint64
}

type RoomServiceOptions struct {
	LoadTimeout time.Duration
	SaveTimeout time.Duration
	Logger      *slog.Logger
}

// RoomService 从快照恢复房间副本，合并增量后按间隔写回快照，并把变更事件交给 dispatcher。
type RoomService struct {
	snapshots  store.SnapshotStore
	dispatcher *ChangeDispatcher
	opt        RoomServiceOptions
	logger     *slog.Logger

	loads singleflight.Group

	mu    sync.Mutex
	rooms map[string]*roomState
}

func NewRoomService(snapshots store.SnapshotStore, dispatcher *ChangeDispatcher, opt RoomServiceOptions) *RoomService {
	if snapshots == nil {
		snapshots = store.NewMemorySnapshotStore()
	}
	if opt.LoadTimeout <= 0 {
		opt.LoadTimeout = 3 * time.Second
	}
	if opt.SaveTimeout <= 0 {
		opt.SaveTimeout = 3 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &RoomService{
		snapshots:  snapshots,
		dispatcher: dispatcher,
		opt:        opt,
		logger:     opt.Logger,
		rooms:      make(map[string]*roomState),
	}
}

// Open 增加房间引用计数，第一次打开时从快照加载。
func (s *RoomService) Open(ctx context.Context, room string) error {
	s.mu.Lock()
	if r, ok := s.rooms[room]; ok {
		r.refs++
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	v, err, _ := s.loads.Do(room, func() (any, error) { return s.load(ctx, room) })
	if err != nil {
		return err
	}
	l := v.(loaded)

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[room]; ok {
		r.refs++
		return nil
	}
	s.rooms[room] = &roomState{doc: l.doc, refs: 1, saved: l.rev}
	return nil
}

func (s *RoomService) load(ctx context.Context, room string) (loaded, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opt.LoadTimeout)
	defer cancel()
	doc := crdt.New(crdt.NewClientID())
	data, rev, err := s.snapshots.LoadLatest(ctx, room)
	if err != nil {
		return loaded{}, fmt.Errorf("load snapshot of %s: %w", room, err)
	}
	if len(data) > 0 {
		if err := doc.Load(data); err != nil {
			// 快照损坏时从空副本开始，客户端的 sync_step2 会把内容补回来
			s.logger.Error("snapshot unreadable, starting empty", "room", room, "err", err)
			return loaded{doc: crdt.New(crdt.NewClientID())}, nil
		}
	}
	return loaded{doc: doc, rev: rev}, nil
}

// Release 减少引用计数。最后一个连接离开时写回快照，写成功后才卸载房间；
// 写失败的房间保持 dirty 留在内存里，由 Flush 重试。
func (s *RoomService) Release(room string) {
	s.mu.Lock()
	r, ok := s.rooms[room]
	if !ok {
		s.mu.Unlock()
		return
	}
	r.refs--
	if r.refs > 0 {
		s.mu.Unlock()
		return
	}
	if !r.dirty {
		s.unloadIfIdleLocked(room, r)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.save(room, r)
}

// unloadIfIdleLocked 调用方持有 s.mu
func (s *RoomService) unloadIfIdleLocked(room string, r *roomState) {
	if r.refs > 0 || r.dirty || r.saving > 0 || s.rooms[room] != r {
		return
	}
	delete(s.rooms, room)
}

func (s *RoomService) get(room string) (*roomState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[room]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotOpen, room)
	}
	return r, nil
}

func (s *RoomService) Version(room string) (crdt.Version, error) {
	r, err := s.get(room)
	if err != nil {
		return nil, err
	}
	return r.doc.CurrentVersion(), nil
}

func (s *RoomService) EncodeDelta(room string, since crdt.Version) ([]byte, error) {
	r, err := s.get(room)
	if err != nil {
		return nil, err
	}
	return r.doc.EncodeDelta(since)
}

func (s *RoomService) Text(room string) (string, error) {
	r, err := s.get(room)
	if err != nil {
		return "", err
	}
	return r.doc.Text(), nil
}

func (s *RoomService) Apply(ctx context.Context, room, userID string, client crdt.ClientID, update []byte) (bool, error) {
	r, err := s.get(room)
	if err != nil {
		return false, err
	}
	before := revision(r.doc.CurrentVersion())
	if err := r.doc.ApplyRemote(update); err != nil {
		return false, err
	}
	after := r.doc.CurrentVersion()
	rev := revision(after)
	if rev == before {
		return false, nil
	}

	s.mu.Lock()
	r.dirty = true
	s.mu.Unlock()

	if s.dispatcher != nil {
		evt := RoomChangeEvent{
			EventType: EventRoomChanged,
			EventID:   uuid.NewString(),
			Room:      room,
			Revision:  rev,
			UserID:    userID,
			ClientID:  client,
			Version:   after,
			Update:    append([]byte(nil), update...),
			AppliedAt: time.Now(),
		}
		if err := s.dispatcher.Enqueue(ctx, evt); err != nil {
			s.logger.Warn("room change event dropped", "room", room, "err", err)
		}
	}
	return true, nil
}

// Flush 把所有有改动的房间写回快照。
func (s *RoomService) Flush() {
	s.mu.Lock()
	dirty := make(map[string]*roomState)
	for id, r := range s.rooms {
		if r.dirty {
			dirty[id] = r
		}
	}
	s.mu.Unlock()
	for id, r := range dirty {
		s.save(id, r)
	}
}

// FlushLoop 按 interval 定期 Flush，ctx 结束时再 Flush 一次。
func (s *RoomService) FlushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Flush()
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

func (s *RoomService) save(room string, r *roomState) {
	rev := revision(r.doc.CurrentVersion())
	s.mu.Lock()
	r.dirty = false
	if rev == r.saved {
		s.unloadIfIdleLocked(room, r)
		s.mu.Unlock()
		return
	}
	r.saving++
	s.mu.Unlock()

	err := s.writeSnapshot(room, rev, r.doc)

	s.mu.Lock()
	defer s.mu.Unlock()
	r.saving--
	if err != nil {
		s.logger.Error("save room snapshot failed", "room", room, "revision", rev, "err", err)
		r.dirty = true
		return
	}
	if rev > r.saved {
		r.saved = rev
	}
	s.unloadIfIdleLocked(room, r)
}

func (s *RoomService) writeSnapshot(room string, rev uint64, doc *crdt.Replica) error {
	data, err := doc.Save()
	if err != nil {
		return fmt.Errorf("encode room snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opt.SaveTimeout)
	defer cancel()
	return s.snapshots.SaveSnapshot(ctx, room, rev, data)
}

// revision 是副本已合并的操作总数，单调递增。
func revision(v crdt.Version) uint64 {
	var n uint64
	for _, seq := range v {
		n += seq
	}
	return n
}
