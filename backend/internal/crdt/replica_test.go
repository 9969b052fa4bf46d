package crdt

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"collabEngine/backend/internal/ot/delta"
)

func mustEncode(t *testing.T, r *Replica, since Version) []byte {
	t.Helper()
	b, err := r.EncodeDelta(since)
	if err != nil {
		t.Fatalf("EncodeDelta() error = %v", err)
	}
	return b
}

func mustApply(t *testing.T, r *Replica, data []byte) {
	t.Helper()
	if err := r.ApplyRemote(data); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
}

func TestReplica_LocalEditing(t *testing.T) {
	r := New(1)
	r.Insert(0, "Hello world")
	r.Insert(5, " collaborative")
	if got, want := r.Text(), "Hello collaborative world"; got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
	r.Delete(5, 14)
	if got, want := r.Text(), "Hello world"; got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
	if got := r.Len(); got != 11 {
		t.Fatalf("Len() = %d, want 11", got)
	}
	// 越界位置被截断
	r.Insert(100, "!")
	r.Delete(-3, 1)
	if got, want := r.Text(), "ello world!"; got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
}

func TestReplica_ApplyDelta(t *testing.T) {
	r := New(1)
	r.Insert(0, "Hello world")
	err := r.ApplyDelta(delta.Delta{
		{Kind: delta.KindRetain, Count: 6},
		{Kind: delta.KindDelete, Count: 5},
		{Kind: delta.KindInsert, Text: "Go"},
	})
	if err != nil {
		t.Fatalf("ApplyDelta() error = %v", err)
	}
	if got, want := r.Text(), "Hello Go"; got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
}

func TestReplica_ConcurrentInsertsConverge(t *testing.T) {
	base := New(1)
	base.Insert(0, "ab")
	snap, _ := base.Save()

	a, b := New(2), New(3)
	mustApply(t, a, snap)
	mustApply(t, b, snap)

	a.Insert(1, "XX")
	b.Insert(1, "YY")
	b.Delete(0, 1)

	da := mustEncode(t, a, base.CurrentVersion())
	db := mustEncode(t, b, base.CurrentVersion())
	mustApply(t, a, db)
	mustApply(t, b, da)

	if a.Text() != b.Text() {
		t.Fatalf("diverged: a=%q b=%q", a.Text(), b.Text())
	}
	// client 3 的 lamport 与 client 2 相同，client 更大者排前
	if got, want := a.Text(), "YYXXb"; got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
}

func TestReplica_RandomizedConvergence(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	replicas := []*Replica{New(10), New(20), New(30)}
	for round := 0; round < 20; round++ {
		for _, r := range replicas {
			for i := 0; i < 3; i++ {
				n := r.Len()
				if n > 0 && rng.IntN(3) == 0 {
					r.Delete(rng.IntN(n), 1+rng.IntN(2))
				} else {
					r.Insert(rng.IntN(n+1), string(rune('a'+rng.IntN(26))))
				}
			}
		}
		// 以随机顺序两两交换完整状态
		for _, i := range rng.Perm(len(replicas)) {
			for _, j := range rng.Perm(len(replicas)) {
				if i == j {
					continue
				}
				mustApply(t, replicas[j], mustEncode(t, replicas[i], replicas[j].CurrentVersion()))
			}
		}
	}
	want := replicas[0].Text()
	for i, r := range replicas[1:] {
		if got := r.Text(); got != want {
			t.Fatalf("replica %d = %q, want %q", i+1, got, want)
		}
	}
}

func TestReplica_ApplyRemoteIsIdempotent(t *testing.T) {
	a, b := New(1), New(2)
	a.Insert(0, "hello")
	a.Delete(0, 1)
	d := mustEncode(t, a, nil)

	mustApply(t, b, d)
	once := b.Text()
	v := b.CurrentVersion()
	mustApply(t, b, d)
	if b.Text() != once {
		t.Fatalf("Text() after second apply = %q, want %q", b.Text(), once)
	}
	if !b.CurrentVersion().Covers(v) || !v.Covers(b.CurrentVersion()) {
		t.Fatalf("version changed on duplicate apply: %v -> %v", v, b.CurrentVersion())
	}
}

func TestReplica_OutOfOrderOpsWaitForDependencies(t *testing.T) {
	a, b := New(1), New(2)
	a.Insert(0, "ab")
	v1 := a.CurrentVersion()
	a.Insert(2, "cd")

	tail := mustEncode(t, a, v1)
	mustApply(t, b, tail)
	if b.Text() != "" || b.Pending() != 2 {
		t.Fatalf("Text()=%q Pending()=%d, want empty text and 2 pending", b.Text(), b.Pending())
	}
	mustApply(t, b, mustEncode(t, a, nil))
	if got := b.Text(); got != "abcd" {
		t.Fatalf("Text() = %q, want %q", got, "abcd")
	}
	if b.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", b.Pending())
	}
}

func TestReplica_MalformedDeltaFailsClosed(t *testing.T) {
	r := New(1)
	r.Insert(0, "keep")
	before := r.Text()
	v := r.CurrentVersion()

	good := Op{Kind: OpInsert, ID: ID{Client: 9, Seq: 1}, Lamport: 1, Text: "x"}
	cases := map[string][]byte{
		"not json":      []byte("{ops:"),
		"unknown kind":  encode(t, good, Op{Kind: "bold", ID: ID{Client: 9, Seq: 2}, Lamport: 2}),
		"zero client":   encode(t, Op{Kind: OpInsert, ID: ID{Seq: 1}, Lamport: 1, Text: "x"}),
		"multi rune":    encode(t, good, Op{Kind: OpInsert, ID: ID{Client: 9, Seq: 2}, Lamport: 2, Text: "xy"}),
		"no target":     encode(t, good, Op{Kind: OpDelete, ID: ID{Client: 9, Seq: 2}, Lamport: 2}),
		"claims our id": encode(t, Op{Kind: OpInsert, ID: ID{Client: 1, Seq: 99}, Lamport: 99, Text: "x"}),
	}
	for name, data := range cases {
		err := r.ApplyRemote(data)
		if !errors.Is(err, ErrMalformedDelta) {
			t.Fatalf("%s: ApplyRemote() = %v, want ErrMalformedDelta", name, err)
		}
		if r.Text() != before || !r.CurrentVersion().Covers(v) || !v.Covers(r.CurrentVersion()) {
			t.Fatalf("%s: state changed after rejected delta", name)
		}
	}
}

func encode(t *testing.T, ops ...Op) []byte {
	t.Helper()
	b, err := json.Marshal(wireDelta{Ops: ops})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestReplica_SaveLoadKeepsOwnSequence(t *testing.T) {
	r := New(5)
	r.Insert(0, "abc")
	snap, err := r.Save()
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	restored := New(5)
	if err := restored.Load(snap); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	restored.Insert(3, "d")
	if got := restored.CurrentVersion()[5]; got != 4 {
		t.Fatalf("own seq = %d, want 4", got)
	}
	if got := restored.Text(); got != "abcd" {
		t.Fatalf("Text() = %q, want %q", got, "abcd")
	}
}

func TestReplica_AnchorsFollowConcurrentEdits(t *testing.T) {
	r := New(1)
	r.Insert(0, "Hello world")
	a := r.Anchor(5) // "Hello|"
	r.Insert(0, ">> ")
	if pos, ok := r.Resolve(a); !ok || pos != 8 {
		t.Fatalf("Resolve() = %d,%v, want 8,true", pos, ok)
	}
	r.Delete(5, 3) // 删掉 "llo"，锚点字符成为墓碑
	if pos, ok := r.Resolve(a); !ok || pos != 5 {
		t.Fatalf("Resolve() after delete = %d,%v, want 5,true", pos, ok)
	}
	if pos, ok := r.Resolve(ID{}); !ok || pos != 0 {
		t.Fatalf("Resolve(head) = %d,%v", pos, ok)
	}
}

func TestReplica_MarkFragmentsAndBatchRemove(t *testing.T) {
	r := New(1)
	r.Insert(0, "0123456789abcdefghij")
	if !r.AddMark("X", 5, 15) {
		t.Fatalf("AddMark() = false")
	}
	r.Insert(10, "++")
	spans := r.MarkFragments("X")
	if len(spans) != 2 || spans[0] != (Span{5, 10}) || spans[1] != (Span{12, 17}) {
		t.Fatalf("MarkFragments() = %v", spans)
	}

	// 远端副本收到同样的碎片
	peer := New(2)
	mustApply(t, peer, mustEncode(t, r, nil))
	if got := peer.MarkFragments("X"); len(got) != 2 {
		t.Fatalf("peer MarkFragments() = %v", got)
	}

	if !r.RemoveMark("X") {
		t.Fatalf("RemoveMark() = false")
	}
	if got := r.MarkFragments("X"); len(got) != 0 {
		t.Fatalf("MarkFragments() after remove = %v", got)
	}
	mustApply(t, peer, mustEncode(t, r, peer.CurrentVersion()))
	if got := peer.MarkIDs(); len(got) != 0 {
		t.Fatalf("peer MarkIDs() after remove = %v", got)
	}
}

func TestReplica_ConcurrentMarkSurvivesUnobservedRemove(t *testing.T) {
	a, b := New(1), New(2)
	a.Insert(0, "abcdef")
	mustApply(t, b, mustEncode(t, a, nil))
	base := a.CurrentVersion()

	a.AddMark("c1", 0, 2)
	mustApply(t, b, mustEncode(t, a, b.CurrentVersion()))
	b.AddMark("c1", 4, 6) // b 上再打一段
	a.RemoveMark("c1")    // a 没看到 b 的那一段

	mustApply(t, a, mustEncode(t, b, base))
	mustApply(t, b, mustEncode(t, a, base))

	for _, r := range []*Replica{a, b} {
		spans := r.MarkFragments("c1")
		if len(spans) != 1 || spans[0] != (Span{4, 6}) {
			t.Fatalf("client %v MarkFragments() = %v, want [{4 6}]", r.ClientID(), spans)
		}
	}
}

func TestReplica_MarksAtOrdersByApplication(t *testing.T) {
	r := New(1)
	r.Insert(0, "overlap")
	r.AddMark("outer", 0, 7)
	r.AddMark("inner", 2, 4)
	got := r.MarksAt(3)
	if len(got) != 2 || got[0] != "inner" || got[1] != "outer" {
		t.Fatalf("MarksAt(3) = %v", got)
	}
	if got := r.MarksAt(6); len(got) != 1 || got[0] != "outer" {
		t.Fatalf("MarksAt(6) = %v", got)
	}
	if r.AddMark("empty", 3, 3) {
		t.Fatalf("AddMark(empty range) = true")
	}
}

func TestReplica_ObserversSeeLocalAndRemote(t *testing.T) {
	a, b := New(1), New(2)
	var local, remote int
	cancel := b.OnUpdate(func(u Update) {
		if u.Local {
			local++
		} else {
			remote++
		}
	})
	b.Insert(0, "x")
	a.Insert(0, "y")
	mustApply(t, b, mustEncode(t, a, nil))
	mustApply(t, b, mustEncode(t, a, nil)) // 重复增量不产生通知
	cancel()
	b.Insert(0, "z")
	if local != 1 || remote != 1 {
		t.Fatalf("local=%d remote=%d, want 1,1", local, remote)
	}
}

func TestReplica_LongTypingRunLoadsAndMerges(t *testing.T) {
	a := New(1)
	run := strings.Repeat("abcdefghij", 5000)
	a.Insert(0, run)
	a.Insert(25000, "MID")
	a.Insert(0, "<")

	// 连续输入的快照整段加载
	b := New(2)
	if err := b.Load(mustEncode(t, a, nil)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if b.Text() != a.Text() {
		t.Fatalf("loaded text differs, len %d vs %d", b.Len(), a.Len())
	}

	// 两边在不同位置同时输入，交错的插入之后依然收敛
	av, bv := a.CurrentVersion(), b.CurrentVersion()
	a.Insert(10, "xx")
	b.Insert(40000, "yy")
	b.Insert(11, "zz")
	mustApply(t, a, mustEncode(t, b, av))
	mustApply(t, b, mustEncode(t, a, bv))
	if a.Text() != b.Text() {
		t.Fatalf("replicas diverged")
	}
	if !strings.Contains(a.Text(), "yy") || a.Len() != 50010 {
		t.Fatalf("Len() = %d, want 50010", a.Len())
	}
}
