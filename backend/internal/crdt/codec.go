package crdt

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// 线上的增量格式：{"ops":[...]}，快照与增量共用同一种编码。
type wireDelta struct {
	Ops []Op `json:"ops"`
}

func encodeOps(ops []Op) ([]byte, error) {
	if ops == nil {
		ops = []Op{}
	}
	return json.Marshal(wireDelta{Ops: ops})
}

// decodeDelta 解码并整体校验一个增量；任一操作不合法则整个增量被拒绝。
func decodeDelta(data []byte) ([]Op, error) {
	var w wireDelta
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	for i, op := range w.Ops {
		if err := validateOp(op); err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedDelta, i, err)
		}
	}
	return w.Ops, nil
}

func validateOp(op Op) error {
	if !op.ID.valid() {
		return fmt.Errorf("invalid id %+v", op.ID)
	}
	if op.Lamport == 0 {
		return fmt.Errorf("zero lamport")
	}
	switch op.Kind {
	case OpInsert:
		if utf8.RuneCountInString(op.Text) != 1 || !utf8.ValidString(op.Text) {
			return fmt.Errorf("insert must carry exactly one rune")
		}
		if op.Origin != nil && !op.Origin.valid() {
			return fmt.Errorf("invalid origin %+v", *op.Origin)
		}
	case OpDelete:
		if op.Target == nil || !op.Target.valid() {
			return fmt.Errorf("delete without valid target")
		}
	case OpMark, OpUnmark:
		if op.MarkID == "" {
			return fmt.Errorf("%s without mark id", op.Kind)
		}
		if len(op.Targets) == 0 {
			return fmt.Errorf("%s without targets", op.Kind)
		}
		for _, t := range op.Targets {
			if !t.valid() {
				return fmt.Errorf("invalid target %+v", t)
			}
		}
	default:
		return fmt.Errorf("unknown kind %q", op.Kind)
	}
	return nil
}
