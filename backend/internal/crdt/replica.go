package crdt

import (
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"collabEngine/backend/internal/ot/delta"
)

// 文档中的一个字符。删除只打墓碑，保证并发插入总能找到 Origin。
type element struct {
	id      ID
	lamport uint64
	ch      string
	deleted bool
}

// greater 判断已存在的兄弟元素是否排在 op 前面：(Lamport, Client) 降序。
func (e *element) greater(op Op) bool {
	if e.lamport != op.Lamport {
		return e.lamport > op.Lamport
	}
	return e.id.Client > op.ID.Client
}

// Update 是一次提交（本地或远端）产生的变更通知。需要文本的观察者自己调 Text。
type Update struct {
	Ops   []Op
	Local bool
}

func (u Update) Encode() ([]byte, error) { return encodeOps(u.Ops) }

// Edit 是一次本地编辑：先在 Pos 删除 Delete 个字符，再在 Pos 插入 Insert。
type Edit struct {
	Pos    int
	Delete int
	Insert string
}

type observer struct {
	id int
	fn func(Update)
}

// Replica 是一个 RGA 序列 CRDT 副本。
// 所有写入（本地编辑、远端合并、加载）都走同一把锁，保证单写者语义；
// 观察者按提交顺序串行收到通知，回调里可以读副本，但不能同步写副本。
type Replica struct {
	mu       sync.Mutex
	notifyMu sync.Mutex

	client  ClientID
	lamport uint64
	version Version
	log     map[ClientID][]Op

	elems   []*element
	index   map[ID]*element
	visible int
	last    int // 最近一次插入的位置，连续输入时免去查找 Origin

	marks    map[ID]*markOp
	applySeq uint64

	// 依赖未满足的远端操作
	pending map[ID]Op

	observers    []observer
	nextObserver int
}

func New(client ClientID) *Replica {
	if client == 0 {
		client = NewClientID()
	}
	return &Replica{
		client:  client,
		version: make(Version),
		log:     make(map[ClientID][]Op),
		index:   make(map[ID]*element),
		marks:   make(map[ID]*markOp),
		pending: make(map[ID]Op),
	}
}

func (r *Replica) ClientID() ClientID { return r.client }

// OnUpdate 注册变更观察者，返回取消函数。
func (r *Replica) OnUpdate(fn func(Update)) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextObserver++
	id := r.nextObserver
	r.observers = append(r.observers, observer{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, o := range r.observers {
			if o.id == id {
				r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
				return
			}
		}
	}
}

func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.textLocked()
}

func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible
}

func (r *Replica) CurrentVersion() Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version.Clone()
}

// Pending 返回因缺少依赖而暂存的远端操作数。
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ApplyLocal 应用本地编辑。位置越界会被截断，永远不会失败或阻塞在 I/O 上。
func (r *Replica) ApplyLocal(edits ...Edit) {
	r.mu.Lock()
	var ops []Op
	for _, e := range edits {
		ops = append(ops, r.localDelete(e.Pos, e.Delete)...)
		ops = append(ops, r.localInsert(e.Pos, e.Insert)...)
	}
	r.publish(ops, true)
}

func (r *Replica) Insert(pos int, text string) { r.ApplyLocal(Edit{Pos: pos, Insert: text}) }

func (r *Replica) Delete(pos, n int) { r.ApplyLocal(Edit{Pos: pos, Delete: n}) }

// ApplyDelta 把 retain/insert/delete 形式的本地变更转换成编辑序列。
func (r *Replica) ApplyDelta(d delta.Delta) error {
	if err := d.Validate(); err != nil {
		return err
	}
	var edits []Edit
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindDelete:
			edits = append(edits, Edit{Pos: pos, Delete: op.Count})
		case delta.KindInsert:
			edits = append(edits, Edit{Pos: pos, Insert: op.Text})
			pos += utf8.RuneCountInString(op.Text)
		}
	}
	r.ApplyLocal(edits...)
	return nil
}

// ApplyRemote 合并远端增量。幂等、可交换；任何不合法的增量都整体拒绝，本地状态不变。
func (r *Replica) ApplyRemote(data []byte) error {
	ops, err := decodeDelta(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	applied, err := r.applyOps(ops, false)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.publish(applied, false)
	return nil
}

// EncodeDelta 编码 since 之后的全部操作；since 为空时等价于完整快照。
func (r *Replica) EncodeDelta(since Version) ([]byte, error) {
	r.mu.Lock()
	var ops []Op
	for _, c := range r.version.clients() {
		from := since[c]
		if from < uint64(len(r.log[c])) {
			ops = append(ops, r.log[c][from:]...)
		}
	}
	r.mu.Unlock()
	return encodeOps(ops)
}

// Save 导出完整状态（含墓碑和批注），用于本地缓存与服务端快照。
func (r *Replica) Save() ([]byte, error) { return r.EncodeDelta(nil) }

// Load 回放 Save 的结果。允许包含本副本 client 自己的历史操作。
func (r *Replica) Load(data []byte) error {
	ops, err := decodeDelta(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	applied, err := r.applyOps(ops, true)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.publish(applied, false)
	return nil
}

// Anchor 把可见位置转换成稳定锚点：位置左侧字符的 ID，文档头为零值。
func (r *Replica) Anchor(pos int) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.visibleElem(pos - 1); e != nil {
		return e.id
	}
	return ID{}
}

// Resolve 把锚点换算回当前可见位置；锚点字符被删除时落在它左侧最近的可见字符之后。
func (r *Replica) Resolve(a ID) (int, bool) {
	if a.IsZero() {
		return 0, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.elems {
		if !e.deleted {
			n++
		}
		if e.id == a {
			return n, true
		}
	}
	return 0, false
}

// publish 在持有 r.mu 的情况下调用，负责解锁并按提交顺序通知观察者。
func (r *Replica) publish(ops []Op, local bool) {
	if len(ops) == 0 {
		r.mu.Unlock()
		return
	}
	u := Update{Ops: ops, Local: local}
	obs := make([]observer, len(r.observers))
	copy(obs, r.observers)
	// 先拿通知锁再放数据锁，保证通知顺序与提交顺序一致
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()
	for _, o := range obs {
		o.fn(u)
	}
}

func (r *Replica) applyOps(ops []Op, allowOwn bool) ([]Op, error) {
	if !allowOwn {
		for _, op := range ops {
			if op.ID.Client == r.client && op.ID.Seq > r.version[r.client] {
				return nil, ErrMalformedDelta
			}
		}
	}
	var applied []Op
	for _, op := range ops {
		if r.has(op.ID) {
			continue
		}
		if r.ready(op) {
			r.integrate(op)
			applied = append(applied, op)
			continue
		}
		r.pending[op.ID] = op
	}
	for progressed := true; progressed && len(r.pending) > 0; {
		progressed = false
		for id, op := range r.pending {
			if r.has(id) {
				delete(r.pending, id)
				continue
			}
			if r.ready(op) {
				r.integrate(op)
				delete(r.pending, id)
				applied = append(applied, op)
				progressed = true
			}
		}
	}
	return applied, nil
}

func (r *Replica) has(id ID) bool { return id.Seq <= r.version[id.Client] }

func (r *Replica) ready(op Op) bool {
	if op.ID.Seq != r.version[op.ID.Client]+1 {
		return false
	}
	for _, d := range op.deps() {
		if !r.has(d) {
			return false
		}
	}
	return true
}

func (r *Replica) integrate(op Op) {
	r.version[op.ID.Client] = op.ID.Seq
	r.log[op.ID.Client] = append(r.log[op.ID.Client], op)
	if op.Lamport > r.lamport {
		r.lamport = op.Lamport
	}
	switch op.Kind {
	case OpInsert:
		r.insertElement(op)
	case OpDelete:
		if e, ok := r.index[*op.Target]; ok && !e.deleted {
			e.deleted = true
			r.visible--
		}
	case OpMark:
		r.applySeq++
		m := &markOp{id: op.ID, markID: op.MarkID, targets: make(map[ID]struct{}, len(op.Targets)), applied: r.applySeq}
		for _, t := range op.Targets {
			if _, ok := r.index[t]; ok {
				m.targets[t] = struct{}{}
			}
		}
		r.marks[op.ID] = m
	case OpUnmark:
		for _, t := range op.Targets {
			if m, ok := r.marks[t]; ok && m.markID == op.MarkID {
				m.removed = true
			}
		}
	}
}

func (r *Replica) insertElement(op Op) {
	pos := 0
	if op.Origin != nil {
		// Origin 不是字符（例如指向一个 mark 操作）时按文档头处理，各副本结果一致
		if i := r.indexOf(*op.Origin); i >= 0 {
			pos = i + 1
		}
	}
	for pos < len(r.elems) && r.elems[pos].greater(op) {
		pos++
	}
	e := &element{id: op.ID, lamport: op.Lamport, ch: op.Text}
	r.elems = append(r.elems, nil)
	copy(r.elems[pos+1:], r.elems[pos:])
	r.elems[pos] = e
	r.index[op.ID] = e
	r.visible++
	r.last = pos
}

func (r *Replica) indexOf(id ID) int {
	target, ok := r.index[id]
	if !ok {
		return -1
	}
	// 元素只增不删，上次插入的位置仍然有效，除非之后有别的插入落在它前面
	if r.last < len(r.elems) && r.elems[r.last] == target {
		return r.last
	}
	for i, e := range r.elems {
		if e == target {
			return i
		}
	}
	return -1
}

func (r *Replica) visibleElem(pos int) *element {
	if pos < 0 {
		return nil
	}
	n := 0
	for _, e := range r.elems {
		if e.deleted {
			continue
		}
		if n == pos {
			return e
		}
		n++
	}
	return nil
}

// visibleRange 返回 [from, to) 内可见字符的 ID，越界部分截断。
func (r *Replica) visibleRange(from, to int) []ID {
	if from < 0 {
		from = 0
	}
	var ids []ID
	n := 0
	for _, e := range r.elems {
		if e.deleted {
			continue
		}
		if n >= to {
			break
		}
		if n >= from {
			ids = append(ids, e.id)
		}
		n++
	}
	return ids
}

func (r *Replica) nextOp(kind OpKind) Op {
	r.lamport++
	return Op{Kind: kind, ID: ID{Client: r.client, Seq: r.version[r.client] + 1}, Lamport: r.lamport}
}

func (r *Replica) localInsert(pos int, text string) []Op {
	if text == "" {
		return nil
	}
	if pos > r.visible {
		pos = r.visible
	}
	var origin *ID
	if e := r.visibleElem(pos - 1); e != nil {
		id := e.id
		origin = &id
	}
	ops := make([]Op, 0, utf8.RuneCountInString(text))
	for _, ch := range text {
		op := r.nextOp(OpInsert)
		op.Origin = origin
		op.Text = string(ch)
		r.integrate(op)
		ops = append(ops, op)
		id := op.ID
		origin = &id
	}
	return ops
}

func (r *Replica) localDelete(pos, n int) []Op {
	if n <= 0 {
		return nil
	}
	if pos < 0 {
		pos = 0
	}
	ids := r.visibleRange(pos, pos+n)
	ops := make([]Op, 0, len(ids))
	for _, id := range ids {
		target := id
		op := r.nextOp(OpDelete)
		op.Target = &target
		r.integrate(op)
		ops = append(ops, op)
	}
	return ops
}

func (r *Replica) textLocked() string {
	var b strings.Builder
	for _, e := range r.elems {
		if !e.deleted {
			b.WriteString(e.ch)
		}
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
