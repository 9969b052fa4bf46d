package crdt

import "sort"

// markOp 是一次打标：它只覆盖打标那一刻选区内的字符，
// 之后插入到区间中间的字符不在 targets 里，所以同一个 MarkID 可能碎成多段。
type markOp struct {
	id      ID
	markID  string
	targets map[ID]struct{}
	applied uint64 // 本副本上的应用顺序，只用于“最后应用者优先”的显示规则
	removed bool
}

// AddMark 给 [from, to) 内当前可见的字符打上 markID。区间为空时返回 false。
func (r *Replica) AddMark(markID string, from, to int) bool {
	if markID == "" {
		return false
	}
	r.mu.Lock()
	ids := r.visibleRange(from, to)
	if len(ids) == 0 {
		r.mu.Unlock()
		return false
	}
	op := r.nextOp(OpMark)
	op.MarkID = markID
	op.Targets = ids
	r.integrate(op)
	r.publish([]Op{op}, true)
	return true
}

// RemoveMark 收集 markID 在整篇文档中的全部片段，作为一个批量操作一次移除。
func (r *Replica) RemoveMark(markID string) bool {
	r.mu.Lock()
	var targets []ID
	for _, m := range r.marks {
		if m.markID == markID && !m.removed {
			targets = append(targets, m.id)
		}
	}
	if len(targets) == 0 {
		r.mu.Unlock()
		return false
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Client != targets[j].Client {
			return targets[i].Client < targets[j].Client
		}
		return targets[i].Seq < targets[j].Seq
	})
	op := r.nextOp(OpUnmark)
	op.MarkID = markID
	op.Targets = targets
	r.integrate(op)
	r.publish([]Op{op}, true)
	return true
}

// MarkFragments 返回 markID 当前覆盖的可见区间，按位置排序。
func (r *Replica) MarkFragments(markID string) []Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	var spans []Span
	n := 0
	open := -1
	for _, e := range r.elems {
		if e.deleted {
			continue
		}
		if r.coveredBy(e.id, markID) {
			if open < 0 {
				open = n
			}
		} else if open >= 0 {
			spans = append(spans, Span{From: open, To: n})
			open = -1
		}
		n++
	}
	if open >= 0 {
		spans = append(spans, Span{From: open, To: n})
	}
	return spans
}

// MarksAt 返回覆盖可见位置 pos 处字符的全部批注，最近应用的在前。
func (r *Replica) MarksAt(pos int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.visibleElem(pos)
	if e == nil {
		return nil
	}
	latest := make(map[string]uint64)
	for _, m := range r.marks {
		if m.removed {
			continue
		}
		if _, ok := m.targets[e.id]; ok && m.applied > latest[m.markID] {
			latest[m.markID] = m.applied
		}
	}
	ids := sortedKeys(latest)
	sort.SliceStable(ids, func(i, j int) bool { return latest[ids[i]] > latest[ids[j]] })
	return ids
}

// MarkIDs 返回当前仍有效的全部批注 ID。
func (r *Replica) MarkIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[string]struct{})
	for _, m := range r.marks {
		if !m.removed {
			set[m.markID] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func (r *Replica) coveredBy(id ID, markID string) bool {
	for _, m := range r.marks {
		if m.markID != markID || m.removed {
			continue
		}
		if _, ok := m.targets[id]; ok {
			return true
		}
	}
	return false
}
