package delta

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性，同步层不解释
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

var ErrInvalidOp = errors.New("delta: invalid op")

func Retain(n int) Op    { return Op{Kind: KindRetain, Count: n} }
func Insert(s string) Op { return Op{Kind: KindInsert, Text: s} }
func Delete(n int) Op    { return Op{Kind: KindDelete, Count: n} }

// Validate 检查每个 op 的基本形状：长度为正、插入文本非空且是合法 UTF-8。
func (d Delta) Validate() error {
	for i, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count <= 0 {
				return fmt.Errorf("%w: op %d %s count=%d", ErrInvalidOp, i, op.Kind, op.Count)
			}
		case KindInsert:
			if op.Text == "" || !utf8.ValidString(op.Text) {
				return fmt.Errorf("%w: op %d insert text", ErrInvalidOp, i)
			}
		default:
			return fmt.Errorf("%w: op %d kind %q", ErrInvalidOp, i, op.Kind)
		}
	}
	return nil
}

// Compact 合并相邻的同类 op，去掉末尾多余的 retain。
func (d Delta) Compact() Delta {
	out := make(Delta, 0, len(d))
	for _, op := range d {
		if op.Kind != KindInsert && op.Count <= 0 {
			continue
		}
		if op.Kind == KindInsert && op.Text == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Kind == op.Kind && len(out[n-1].Attrs) == 0 && len(op.Attrs) == 0 {
			if op.Kind == KindInsert {
				out[n-1].Text += op.Text
			} else {
				out[n-1].Count += op.Count
			}
			continue
		}
		out = append(out, op)
	}
	for len(out) > 0 && out[len(out)-1].Kind == KindRetain && len(out[len(out)-1].Attrs) == 0 {
		out = out[:len(out)-1]
	}
	return out
}

// Apply 把 delta 应用到纯文本上，主要用于测试和调试输出。
func Apply(text string, d Delta) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	src := []rune(text)
	out := make([]rune, 0, len(src))
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			if pos+op.Count > len(src) {
				return "", fmt.Errorf("%w: retain past end", ErrInvalidOp)
			}
			out = append(out, src[pos:pos+op.Count]...)
			pos += op.Count
		case KindDelete:
			if pos+op.Count > len(src) {
				return "", fmt.Errorf("%w: delete past end", ErrInvalidOp)
			}
			pos += op.Count
		case KindInsert:
			out = append(out, []rune(op.Text)...)
		}
	}
	out = append(out, src[pos:]...)
	return string(out), nil
}
