package annotation

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabEngine/backend/internal/crdt"
)

var (
	ErrEmptyRange   = errors.New("annotation: empty range")
	ErrMarkNotFound = errors.New("annotation: mark not found")
)

// Range 是可见文本上的半开区间 [From, To)。
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type Options struct {
	// 激活批注变化通知的防抖时间，默认 100ms
	Debounce time.Duration
	Logger   *slog.Logger
}

// Tracker 把批注（评论标记）叠加在副本之上，并维护“当前激活的批注”。
//
// 选区与激活批注之间只允许单向流动：SetSelection 计算激活批注；
// Activate 反过来请求编辑器移动选区，期间由 guard 忽略编辑器回传的 SetSelection。
type Tracker struct {
	doc      *crdt.Replica
	logger   *slog.Logger
	debounce time.Duration

	mu        sync.Mutex
	active    string
	notified  string
	guard     bool
	timer     *time.Timer
	observers map[int]func(string)
	nextObs   int
	onSelect  func(Range)
	closed    bool

	cancelDoc func()
}

func NewTracker(doc *crdt.Replica, opt Options) *Tracker {
	if opt.Debounce <= 0 {
		opt.Debounce = 100 * time.Millisecond
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	t := &Tracker{
		doc:       doc,
		logger:    opt.Logger,
		debounce:  opt.Debounce,
		observers: make(map[int]func(string)),
	}
	t.cancelDoc = doc.OnUpdate(t.onDocUpdate)
	return t
}

// AddMark 给区间打批注，commentID 为空时自动生成。
func (t *Tracker) AddMark(r Range, commentID string) (string, error) {
	if r.From >= r.To {
		return "", ErrEmptyRange
	}
	if commentID == "" {
		commentID = uuid.NewString()
	}
	if !t.doc.AddMark(commentID, r.From, r.To) {
		return "", ErrEmptyRange
	}
	return commentID, nil
}

// RemoveMark 删除该批注在整篇文档中的所有片段（一次批量操作）。
func (t *Tracker) RemoveMark(commentID string) error {
	if !t.doc.RemoveMark(commentID) {
		return ErrMarkNotFound
	}
	return nil
}

// ActiveMarkAt 返回光标位置上最内层（最近应用）的批注。光标取其左侧字符，位于文档头时取第一个字符。
func (t *Tracker) ActiveMarkAt(pos int) (string, bool) {
	idx := pos - 1
	if idx < 0 {
		idx = 0
	}
	ids := t.doc.MarksAt(idx)
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

func (t *Tracker) Fragments(commentID string) []Range {
	spans := t.doc.MarkFragments(commentID)
	out := make([]Range, len(spans))
	for i, s := range spans {
		out[i] = Range{From: s.From, To: s.To}
	}
	return out
}

func (t *Tracker) Marks() []string { return t.doc.MarkIDs() }

func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// OnSelect 注册编辑器侧的选区设置函数，Activate 时调用。
func (t *Tracker) OnSelect(fn func(Range)) {
	t.mu.Lock()
	t.onSelect = fn
	t.mu.Unlock()
}

// OnActiveChange 注册激活批注变化的观察者（已防抖），返回取消函数。
func (t *Tracker) OnActiveChange(fn func(commentID string)) (cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextObs++
	id := t.nextObs
	t.observers[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

// SetSelection 由编辑器在光标移动时调用。
func (t *Tracker) SetSelection(pos int) {
	t.mu.Lock()
	if t.guard || t.closed {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	id, _ := t.ActiveMarkAt(pos)
	t.setActive(id)
}

// Activate 由评论列表等 UI 调用：激活批注并把选区移到它的第一个片段。
func (t *Tracker) Activate(commentID string) (Range, bool) {
	frags := t.Fragments(commentID)
	if len(frags) == 0 {
		return Range{}, false
	}
	t.setActive(commentID)

	t.mu.Lock()
	sel := t.onSelect
	t.guard = true
	t.mu.Unlock()
	if sel != nil {
		sel(frags[0])
	}
	t.mu.Lock()
	t.guard = false
	t.mu.Unlock()
	return frags[0], true
}

func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	t.cancelDoc()
}

// 远端删除了当前激活的批注时清空激活状态
func (t *Tracker) onDocUpdate(u crdt.Update) {
	t.mu.Lock()
	active := t.active
	t.mu.Unlock()
	if active == "" {
		return
	}
	for _, op := range u.Ops {
		if op.Kind == crdt.OpUnmark && op.MarkID == active {
			if len(t.doc.MarkFragments(active)) == 0 {
				t.setActive("")
			}
			return
		}
	}
}

func (t *Tracker) setActive(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.active == id {
		return
	}
	t.active = id
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.debounce, t.flush)
}

func (t *Tracker) flush() {
	t.mu.Lock()
	if t.closed || t.active == t.notified {
		t.mu.Unlock()
		return
	}
	t.notified = t.active
	id := t.active
	obs := make([]func(string), 0, len(t.observers))
	for _, fn := range t.observers {
		obs = append(obs, fn)
	}
	t.mu.Unlock()

	t.logger.Debug("active annotation changed", "commentId", id)
	for _, fn := range obs {
		fn(id)
	}
}
