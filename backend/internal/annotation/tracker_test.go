package annotation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"collabEngine/backend/internal/crdt"
)

func newDoc(text string) *crdt.Replica {
	doc := crdt.New(1)
	doc.Insert(0, text)
	return doc
}

func TestTracker_AddMarkRejectsEmptyRange(t *testing.T) {
	tr := NewTracker(newDoc("hello"), Options{})
	defer tr.Close()

	if _, err := tr.AddMark(Range{From: 2, To: 2}, "c1"); !errors.Is(err, ErrEmptyRange) {
		t.Fatalf("AddMark(empty) error = %v, want ErrEmptyRange", err)
	}
	// 超出文档末尾，没有任何字符可以覆盖
	if _, err := tr.AddMark(Range{From: 10, To: 20}, "c1"); !errors.Is(err, ErrEmptyRange) {
		t.Fatalf("AddMark(out of range) error = %v, want ErrEmptyRange", err)
	}
	id, err := tr.AddMark(Range{From: 0, To: 2}, "")
	if err != nil || id == "" {
		t.Fatalf("AddMark() = %q, %v", id, err)
	}
}

func TestTracker_RemoveMarkAfterFragmentation(t *testing.T) {
	doc := newDoc("0123456789abcdefghij")
	tr := NewTracker(doc, Options{})
	defer tr.Close()

	if _, err := tr.AddMark(Range{From: 5, To: 15}, "X"); err != nil {
		t.Fatalf("AddMark() error = %v", err)
	}
	doc.Insert(10, "inserted")
	if got := tr.Fragments("X"); len(got) != 2 {
		t.Fatalf("Fragments() = %v, want 2 fragments", got)
	}
	if err := tr.RemoveMark("X"); err != nil {
		t.Fatalf("RemoveMark() error = %v", err)
	}
	if got := tr.Fragments("X"); len(got) != 0 {
		t.Fatalf("Fragments() after remove = %v", got)
	}
	if err := tr.RemoveMark("X"); !errors.Is(err, ErrMarkNotFound) {
		t.Fatalf("second RemoveMark() error = %v, want ErrMarkNotFound", err)
	}
}

func TestTracker_ActiveMarkPrefersLatestOverlap(t *testing.T) {
	tr := NewTracker(newDoc("overlapping comments"), Options{})
	defer tr.Close()

	tr.AddMark(Range{From: 0, To: 20}, "outer")
	tr.AddMark(Range{From: 4, To: 8}, "inner")

	if id, ok := tr.ActiveMarkAt(6); !ok || id != "inner" {
		t.Fatalf("ActiveMarkAt(6) = %q,%v, want inner", id, ok)
	}
	if id, ok := tr.ActiveMarkAt(15); !ok || id != "outer" {
		t.Fatalf("ActiveMarkAt(15) = %q,%v, want outer", id, ok)
	}
	// 两个批注的存储都保留
	if got := tr.Marks(); len(got) != 2 {
		t.Fatalf("Marks() = %v", got)
	}
}

func TestTracker_ActiveChangeIsDebounced(t *testing.T) {
	tr := NewTracker(newDoc("aaaa bbbb cccc"), Options{Debounce: 30 * time.Millisecond})
	defer tr.Close()
	tr.AddMark(Range{From: 0, To: 4}, "a")
	tr.AddMark(Range{From: 5, To: 9}, "b")
	tr.AddMark(Range{From: 10, To: 14}, "c")

	var mu sync.Mutex
	var got []string
	tr.OnActiveChange(func(id string) {
		mu.Lock()
		got = append(got, id)
		mu.Unlock()
	})

	tr.SetSelection(2)
	tr.SetSelection(7)
	tr.SetSelection(12)
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "c" {
		t.Fatalf("notifications = %v, want [c]", got)
	}
}

func TestTracker_ActivateIgnoresEchoedSelection(t *testing.T) {
	tr := NewTracker(newDoc("aaaa bbbb"), Options{Debounce: 10 * time.Millisecond})
	defer tr.Close()
	tr.AddMark(Range{From: 0, To: 4}, "a")
	tr.AddMark(Range{From: 5, To: 9}, "b")

	var echoed int
	tr.OnSelect(func(r Range) {
		echoed++
		// 编辑器移动选区后同步回调 SetSelection，应被 guard 吞掉
		tr.SetSelection(0)
	})

	r, ok := tr.Activate("b")
	if !ok || r != (Range{From: 5, To: 9}) {
		t.Fatalf("Activate() = %v,%v", r, ok)
	}
	if echoed != 1 {
		t.Fatalf("select callback calls = %d, want 1", echoed)
	}
	if got := tr.Active(); got != "b" {
		t.Fatalf("Active() = %q, want b", got)
	}
	if _, ok := tr.Activate("missing"); ok {
		t.Fatalf("Activate(missing) = true")
	}
}

func TestTracker_RemoteRemovalClearsActive(t *testing.T) {
	doc := newDoc("shared text")
	peer := crdt.New(2)
	tr := NewTracker(doc, Options{Debounce: 10 * time.Millisecond})
	defer tr.Close()

	tr.AddMark(Range{From: 0, To: 6}, "c1")
	snap, _ := doc.Save()
	if err := peer.ApplyRemote(snap); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	tr.Activate("c1")

	peer.RemoveMark("c1")
	d, _ := peer.EncodeDelta(doc.CurrentVersion())
	if err := doc.ApplyRemote(d); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	if got := tr.Active(); got != "" {
		t.Fatalf("Active() = %q, want empty", got)
	}
}
