// Package inmemory implements the store contract fully in process: ordered
// map bins, atomic multi-ops with all-or-nothing semantics, generations and
// batch reads. It backs the package tests so the index engine and lock
// manager can be exercised without a running cluster.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/sharedcode/subkeys/store"
)

// Store is an in-process implementation of store.Store. Safe for concurrent
// use; every Operate call is atomic with respect to all others.
type Store struct {
	mu      sync.Mutex
	records map[string]*record
}

type record struct {
	key        *store.Key
	bins       map[string]any
	generation uint32
}

// orderedMap is a key-ordered map bin.
type orderedMap struct {
	entries []store.MapEntry
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{records: map[string]*record{}}
}

// Len reports the number of records held. Test helper.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) Get(ctx context.Context, key *store.Key, binNames ...string) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[string(key.Digest())]
	if !ok {
		return nil, nil
	}
	return rec.snapshot(key, binNames...), nil
}

func (s *Store) Put(ctx context.Context, policy *store.WritePolicy, key *store.Key, bins ...store.Bin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.writable(policy, key)
	if err != nil {
		return err
	}
	for _, b := range bins {
		rec.bins[b.Name] = store.NormalizeValue(b.Value)
	}
	rec.generation++
	s.records[string(key.Digest())] = rec
	return nil
}

func (s *Store) Delete(ctx context.Context, policy *store.WritePolicy, key *store.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := string(key.Digest())
	if _, ok := s.records[d]; !ok {
		return false, nil
	}
	delete(s.records, d)
	return true, nil
}

func (s *Store) BatchGet(ctx context.Context, keys []*store.Key) ([]*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Record, len(keys))
	for i, k := range keys {
		if rec, ok := s.records[string(k.Digest())]; ok {
			out[i] = rec.snapshot(k)
		}
	}
	return out, nil
}

func (s *Store) Operate(ctx context.Context, policy *store.WritePolicy, key *store.Key, ops ...*store.Operation) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := string(key.Digest())
	rec, exists := s.records[d]
	write := hasWrite(ops)

	if !exists {
		if !write {
			return nil, nil
		}
		if policy != nil && policy.RecordExistsAction == store.UpdateOnly {
			return nil, store.NewError(store.ResultKeyNotFound, "record not found")
		}
		rec = &record{key: key, bins: map[string]any{}}
	} else {
		if write && policy != nil {
			if policy.RecordExistsAction == store.CreateOnly {
				return nil, store.NewError(store.ResultKeyExists, "record already exists")
			}
			if policy.GenerationPolicy == store.ExpectGenEqual && policy.Generation != rec.generation {
				return nil, store.NewError(store.ResultGenerationError, "generation mismatch")
			}
		}
	}

	// Apply against a copy so a failing operation leaves the record
	// untouched: the multi-op is all-or-nothing.
	work := rec.clone()
	results := map[string][]any{}
	order := []string{}
	addResult := func(bin string, v any) {
		if _, seen := results[bin]; !seen {
			order = append(order, bin)
		}
		results[bin] = append(results[bin], v)
	}

	for _, op := range ops {
		if err := applyOp(work, op, addResult); err != nil {
			return nil, err
		}
	}

	if write {
		work.generation++
		s.records[d] = work
	}

	bm := store.BinMap{}
	for _, name := range order {
		if vs := results[name]; len(vs) == 1 {
			bm[name] = vs[0]
		} else {
			bm[name] = vs
		}
	}
	return &store.Record{Key: key, Bins: bm, Generation: work.generation}, nil
}

func (s *Store) writable(policy *store.WritePolicy, key *store.Key) (*record, error) {
	d := string(key.Digest())
	rec, exists := s.records[d]
	if !exists {
		if policy != nil && policy.RecordExistsAction == store.UpdateOnly {
			return nil, store.NewError(store.ResultKeyNotFound, "record not found")
		}
		return &record{key: key, bins: map[string]any{}}, nil
	}
	if policy != nil {
		if policy.RecordExistsAction == store.CreateOnly {
			return nil, store.NewError(store.ResultKeyExists, "record already exists")
		}
		if policy.GenerationPolicy == store.ExpectGenEqual && policy.Generation != rec.generation {
			return nil, store.NewError(store.ResultGenerationError, "generation mismatch")
		}
	}
	return rec, nil
}

func hasWrite(ops []*store.Operation) bool {
	for _, op := range ops {
		switch op.Type {
		case store.OpGet, store.OpMapSize, store.OpMapGetByKey, store.OpMapGetByIndex,
			store.OpMapGetByIndexRange, store.OpMapGetByKeyRelativeIndexRange:
		default:
			return true
		}
	}
	return false
}

func (r *record) clone() *record {
	bins := make(map[string]any, len(r.bins))
	for k, v := range r.bins {
		if om, ok := v.(*orderedMap); ok {
			cp := make([]store.MapEntry, len(om.entries))
			copy(cp, om.entries)
			bins[k] = &orderedMap{entries: cp}
			continue
		}
		bins[k] = v
	}
	return &record{key: r.key, bins: bins, generation: r.generation}
}

func (r *record) snapshot(key *store.Key, binNames ...string) *store.Record {
	bm := store.BinMap{}
	include := func(name string) bool {
		if len(binNames) == 0 {
			return true
		}
		for _, b := range binNames {
			if b == name {
				return true
			}
		}
		return false
	}
	for name, v := range r.bins {
		if !include(name) {
			continue
		}
		if om, ok := v.(*orderedMap); ok {
			cp := make([]store.MapEntry, len(om.entries))
			copy(cp, om.entries)
			bm[name] = cp
			continue
		}
		bm[name] = v
	}
	return &store.Record{Key: key, Bins: bm, Generation: r.generation}
}

func mapBin(r *record, name string, create bool) *orderedMap {
	if v, ok := r.bins[name]; ok {
		if om, ok := v.(*orderedMap); ok {
			return om
		}
	}
	if !create {
		return &orderedMap{}
	}
	om := &orderedMap{}
	r.bins[name] = om
	return om
}

func (m *orderedMap) lowerBound(key any) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return store.CompareValues(m.entries[i].Key, key) >= 0
	})
}

// rankOf returns the entry index of key, or -1.
func (m *orderedMap) rankOf(key any) int {
	i := m.lowerBound(key)
	if i < len(m.entries) && store.CompareValues(m.entries[i].Key, key) == 0 {
		return i
	}
	return -1
}

func (m *orderedMap) put(key, value any) (replaced bool) {
	i := m.lowerBound(key)
	if i < len(m.entries) && store.CompareValues(m.entries[i].Key, key) == 0 {
		m.entries[i].Value = value
		return true
	}
	m.entries = append(m.entries, store.MapEntry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = store.MapEntry{Key: key, Value: value}
	return false
}

func (m *orderedMap) removeAt(i int) {
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
}

// window resolves a [index, index+count) selection with the store's trimming
// rules: a negative index counts back from the end for plain index ranges,
// while relative ranges pass an absolute (possibly negative) start. The
// window end is computed before the start is clamped.
func (m *orderedMap) window(start int, count int, hasCount bool) (int, int) {
	n := len(m.entries)
	end := n
	if hasCount {
		end = start + count
	}
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if end < start {
		end = start
	}
	return start, end
}

// applyOp mutates work and records the operation's result contribution.
func applyOp(work *record, op *store.Operation, addResult func(string, any)) error {
	switch op.Type {
	case store.OpGet:
		v, ok := work.bins[op.BinName]
		if !ok {
			return nil
		}
		if om, isMap := v.(*orderedMap); isMap {
			cp := make([]store.MapEntry, len(om.entries))
			copy(cp, om.entries)
			addResult(op.BinName, cp)
			return nil
		}
		addResult(op.BinName, v)
		return nil

	case store.OpPut:
		work.bins[op.BinName] = op.Value
		return nil

	case store.OpAdd:
		cur, _ := work.bins[op.BinName].(int64)
		n, ok := op.Value.(int64)
		if !ok {
			return store.NewError(store.ResultParameterError, "add requires an integer value")
		}
		work.bins[op.BinName] = cur + n
		return nil

	case store.OpMapPut:
		om := mapBin(work, op.BinName, true)
		if op.MapPolicy != nil && op.MapPolicy.Flags&store.MapWriteFlagsCreateOnly != 0 {
			if om.rankOf(op.Key) >= 0 {
				return store.NewError(store.ResultElementExists, "map key already exists")
			}
		}
		if op.MapPolicy != nil && op.MapPolicy.Flags&store.MapWriteFlagsUpdateOnly != 0 {
			if om.rankOf(op.Key) < 0 {
				return store.NewError(store.ResultElementNotFound, "map key not found")
			}
		}
		om.put(op.Key, op.Value)
		addResult(op.BinName, int64(len(om.entries)))
		return nil

	case store.OpMapPutItems:
		om := mapBin(work, op.BinName, true)
		for _, e := range op.Items {
			if op.MapPolicy != nil && op.MapPolicy.Flags&store.MapWriteFlagsCreateOnly != 0 && om.rankOf(e.Key) >= 0 {
				return store.NewError(store.ResultElementExists, "map key already exists")
			}
			om.put(e.Key, e.Value)
		}
		addResult(op.BinName, int64(len(om.entries)))
		return nil

	case store.OpMapSize:
		om := mapBin(work, op.BinName, false)
		addResult(op.BinName, int64(len(om.entries)))
		return nil

	case store.OpMapClear:
		om := mapBin(work, op.BinName, true)
		om.entries = nil
		return nil

	case store.OpMapGetByKey:
		om := mapBin(work, op.BinName, false)
		i := om.rankOf(op.Key)
		if i < 0 {
			emitMissing(op, addResult)
			return nil
		}
		emitSelection(op, om, []int{i}, addResult)
		return nil

	case store.OpMapGetByIndex:
		om := mapBin(work, op.BinName, false)
		i := op.Index
		if i < 0 {
			i += len(om.entries)
		}
		if i < 0 || i >= len(om.entries) {
			emitMissing(op, addResult)
			return nil
		}
		emitSelection(op, om, []int{i}, addResult)
		return nil

	case store.OpMapGetByIndexRange:
		om := mapBin(work, op.BinName, false)
		start := op.Index
		if start < 0 {
			start += len(om.entries)
		}
		start, end := om.window(start, op.Count, op.HasCount)
		emitSelection(op, om, indexRange(start, end), addResult)
		return nil

	case store.OpMapGetByKeyRelativeIndexRange:
		om := mapBin(work, op.BinName, false)
		start, end := om.window(om.lowerBound(op.Key)+op.Index, op.Count, op.HasCount)
		sel := indexRange(start, end)
		if op.ReturnType&store.TypeInverted != 0 {
			sel = invert(sel, len(om.entries))
		}
		emitSelection(op, om, sel, addResult)
		return nil

	case store.OpMapRemoveByKey:
		om := mapBin(work, op.BinName, true)
		i := om.rankOf(op.Key)
		if i < 0 {
			if op.ReturnType&^store.TypeInverted == store.TypeIndex {
				addResult(op.BinName, int64(-1))
			} else {
				emitMissing(op, addResult)
			}
			return nil
		}
		emitSelection(op, om, []int{i}, addResult)
		om.removeAt(i)
		return nil

	case store.OpMapRemoveByValue:
		om := mapBin(work, op.BinName, true)
		var sel []int
		for i, e := range om.entries {
			if store.CompareValues(e.Value, op.Value) == 0 {
				sel = append(sel, i)
			}
		}
		emitSelection(op, om, sel, addResult)
		for j := len(sel) - 1; j >= 0; j-- {
			om.removeAt(sel[j])
		}
		return nil

	case store.OpMapRemoveByValueRange:
		om := mapBin(work, op.BinName, true)
		var sel []int
		for i, e := range om.entries {
			if store.CompareValues(e.Value, op.Value) >= 0 && store.CompareValues(e.Value, op.Value2) < 0 {
				sel = append(sel, i)
			}
		}
		emitSelection(op, om, sel, addResult)
		for j := len(sel) - 1; j >= 0; j-- {
			om.removeAt(sel[j])
		}
		return nil
	}
	return store.NewError(store.ResultParameterError, "unknown operation")
}

func indexRange(start, end int) []int {
	sel := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		sel = append(sel, i)
	}
	return sel
}

func invert(sel []int, n int) []int {
	in := map[int]bool{}
	for _, i := range sel {
		in[i] = true
	}
	out := []int{}
	for i := 0; i < n; i++ {
		if !in[i] {
			out = append(out, i)
		}
	}
	return out
}

// emitSelection records a selection result per the operation's return type.
// Single-entry selectors yield bare values; ranges yield lists.
func emitSelection(op *store.Operation, om *orderedMap, sel []int, addResult func(string, any)) {
	rt := op.ReturnType &^ store.TypeInverted
	single := op.Type == store.OpMapGetByKey || op.Type == store.OpMapGetByIndex ||
		op.Type == store.OpMapRemoveByKey
	switch rt {
	case store.TypeNone:
		return
	case store.TypeIndex, store.TypeRank:
		if single {
			addResult(op.BinName, int64(sel[0]))
			return
		}
		out := make([]any, len(sel))
		for i, idx := range sel {
			out[i] = int64(idx)
		}
		addResult(op.BinName, out)
	case store.TypeKey:
		if single {
			addResult(op.BinName, om.entries[sel[0]].Key)
			return
		}
		out := make([]any, len(sel))
		for i, idx := range sel {
			out[i] = om.entries[idx].Key
		}
		addResult(op.BinName, out)
	case store.TypeValue:
		if single {
			addResult(op.BinName, om.entries[sel[0]].Value)
			return
		}
		out := make([]any, len(sel))
		for i, idx := range sel {
			out[i] = om.entries[idx].Value
		}
		addResult(op.BinName, out)
	case store.TypeKeyValue:
		out := make([]store.MapEntry, len(sel))
		for i, idx := range sel {
			out[i] = om.entries[idx]
		}
		addResult(op.BinName, out)
	}
}

// emitMissing records the no-match result for single-entry selectors.
func emitMissing(op *store.Operation, addResult func(string, any)) {
	rt := op.ReturnType &^ store.TypeInverted
	switch rt {
	case store.TypeNone:
		return
	case store.TypeKeyValue:
		addResult(op.BinName, []store.MapEntry{})
	default:
		addResult(op.BinName, nil)
	}
}
