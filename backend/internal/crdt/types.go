package crdt

import (
	"errors"
	"math/rand/v2"
	"sort"
	"strconv"
)

// ClientID 标识一个副本实例（每个进程/会话随机生成），不是安全身份。
type ClientID uint64

func NewClientID() ClientID {
	for {
		if id := ClientID(rand.Uint64()); id != 0 {
			return id
		}
	}
}

func (c ClientID) String() string { return strconv.FormatUint(uint64(c), 10) }

// ID 是操作的全局唯一标识：同一 client 的 Seq 从 1 开始连续递增。
type ID struct {
	Client ClientID `json:"client"`
	Seq    uint64   `json:"seq"`
}

func (id ID) IsZero() bool { return id.Client == 0 && id.Seq == 0 }

func (id ID) valid() bool { return id.Client != 0 && id.Seq > 0 }

// Version 是状态向量：client -> 已连续应用的最大 Seq。
type Version map[ClientID]uint64

func (v Version) Clone() Version {
	out := make(Version, len(v))
	for c, s := range v {
		out[c] = s
	}
	return out
}

// Covers 判断 v 是否已包含 other 的全部操作。
func (v Version) Covers(other Version) bool {
	for c, s := range other {
		if v[c] < s {
			return false
		}
	}
	return true
}

func (v Version) clients() []ClientID {
	out := make([]ClientID, 0, len(v))
	for c := range v {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
	OpMark   OpKind = "mark"
	OpUnmark OpKind = "unmark"
)

// Op 是复制日志里的一条操作。
//   - insert: 在 Origin（nil 表示文档头）右侧插入一个字符
//   - delete: 把 Target 元素标记为墓碑
//   - mark:   给 Targets 这些元素打上批注 MarkID
//   - unmark: 一次性移除 Targets 列出的全部 mark 操作
type Op struct {
	Kind    OpKind `json:"kind"`
	ID      ID     `json:"id"`
	Lamport uint64 `json:"lamport"`
	Origin  *ID    `json:"origin,omitempty"`
	Text    string `json:"text,omitempty"`
	Target  *ID    `json:"target,omitempty"`
	MarkID  string `json:"markId,omitempty"`
	Targets []ID   `json:"targets,omitempty"`
}

// deps 返回该操作生效前必须已经存在的操作。
func (op Op) deps() []ID {
	switch op.Kind {
	case OpInsert:
		if op.Origin != nil {
			return []ID{*op.Origin}
		}
	case OpDelete:
		return []ID{*op.Target}
	case OpMark, OpUnmark:
		return op.Targets
	}
	return nil
}

// Span 是可见文本上的半开区间 [From, To)。
type Span struct {
	From int `json:"from"`
	To   int `json:"to"`
}

var ErrMalformedDelta = errors.New("crdt: malformed remote delta")
