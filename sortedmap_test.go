package subkeys

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sharedcode/subkeys/inmemory"
	"github.com/sharedcode/subkeys/store"
)

func newLongIndex(t *testing.T, maxPerBlock int) (*inmemory.Store, *SortedMap[int64], *store.Key) {
	t.Helper()
	s := inmemory.New()
	opts := DefaultOptions()
	opts.MaxElementsPerBlock = maxPerBlock
	m := New[int64](s, opts)
	parent, err := store.NewKey("test", "Messages", "Tim")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return s, m, parent
}

func mustPut(t *testing.T, m *SortedMap[int64], parent *store.Key, k int64) {
	t.Helper()
	if err := m.Put(context.Background(), parent, k, nil, store.NewBin("Id", k)); err != nil {
		t.Fatalf("Put(%d): %v", k, err)
	}
}

// blockEntries reads a block's map, next and prev directly from the store.
func blockEntries(t *testing.T, m *SortedMap[int64], parent *store.Key, id int64) ([]store.MapEntry, string, string, bool) {
	t.Helper()
	key, err := m.blockKeyFor(parent, id)
	if err != nil {
		t.Fatalf("blockKeyFor: %v", err)
	}
	rec, err := m.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get block %d: %v", id, err)
	}
	if rec == nil {
		return nil, "", "", false
	}
	entries, _ := rec.Bins[m.options.BlockMapBin].([]store.MapEntry)
	return entries, rec.GetString(m.options.BlockMapNextBin), rec.GetString(m.options.BlockMapPrevBin), true
}

func rootEntries(t *testing.T, m *SortedMap[int64], parent *store.Key) []store.MapEntry {
	t.Helper()
	key, err := m.rootKeyFor(parent)
	if err != nil {
		t.Fatalf("rootKeyFor: %v", err)
	}
	rec, err := m.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get root: %v", err)
	}
	if rec == nil {
		return nil
	}
	entries, _ := rec.Bins[m.options.RootMapBin].([]store.MapEntry)
	return entries
}

// checkIntegrity walks the chain from the head and verifies the structural
// invariants: strictly increasing keys, linked next/prev pairs, block sizes
// within bounds, and a root map mirroring the block minima.
func checkIntegrity(t *testing.T, m *SortedMap[int64], parent *store.Key) {
	t.Helper()
	type blockInfo struct {
		id  int64
		min any
	}
	var blocks []blockInfo
	var lastKey *int64

	pointer := "Tim-1"
	prevPointer := ""
	for pointer != "" {
		id := parseBlockID(pointer)
		entries, next, prev, ok := blockEntries(t, m, parent, id)
		if !ok {
			t.Fatalf("chain pointer %q leads to a missing block", pointer)
		}
		if prev != prevPointer {
			t.Errorf("block %s prev = %q, want %q", pointer, prev, prevPointer)
		}
		if len(entries) > m.options.MaxElementsPerBlock {
			t.Errorf("block %s holds %d entries, cap is %d", pointer, len(entries), m.options.MaxElementsPerBlock)
		}
		if len(entries) > 0 {
			blocks = append(blocks, blockInfo{id: id, min: entries[0].Key})
		}
		for _, e := range entries {
			k := e.Key.(int64)
			if lastKey != nil && k <= *lastKey {
				t.Errorf("key %d out of order after %d", k, *lastKey)
			}
			kk := k
			lastKey = &kk
		}
		prevPointer = pointer
		pointer = next
	}

	roots := rootEntries(t, m, parent)
	seen := map[int64]any{}
	for _, e := range roots {
		seen[e.Value.(int64)] = e.Key
	}
	for _, b := range blocks {
		min, ok := seen[b.id]
		if !ok {
			t.Errorf("root map has no entry for block %d", b.id)
			continue
		}
		if store.CompareValues(min, b.min) != 0 {
			t.Errorf("root map min for block %d = %v, want %v", b.id, min, b.min)
		}
	}
}

func pageKeys(t *testing.T, results *Results[int64]) []int64 {
	t.Helper()
	keys := make([]int64, 0, len(results.Records))
	for _, r := range results.Records {
		if r == nil {
			t.Fatalf("unexpected nil record in page")
		}
		keys = append(keys, r.GetInt64("Id"))
	}
	return keys
}

// collectPages pages through the whole range with Continue and returns the
// concatenated keys.
func collectPages(t *testing.T, m *SortedMap[int64], parent *store.Key, firstKey *int64, includeFirst, forwards bool, pageSize int) []int64 {
	t.Helper()
	ctx := context.Background()
	results, err := m.GetRange(ctx, parent, firstKey, includeFirst, forwards, pageSize)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	all := pageKeys(t, results)
	for !results.Continuation.IsAtEnd() {
		if results, err = m.Continue(ctx, results.Continuation, pageSize); err != nil {
			t.Fatalf("Continue: %v", err)
		}
		all = append(all, pageKeys(t, results)...)
	}
	return all
}

func expectKeys(t *testing.T, got, want []int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d keys %v, want %d keys %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("key[%d] = %d, want %d (got %v)", i, got[i], want[i], got)
		}
	}
}

func TestSplitOnInsertion(t *testing.T) {
	_, m, parent := newLongIndex(t, 7)
	for _, k := range []int64{100, 200, 300, 400, 500, 600, 700} {
		mustPut(t, m, parent, k)
	}
	mustPut(t, m, parent, 50)

	firstHalf, next, prev, ok := blockEntries(t, m, parent, 1)
	if !ok {
		t.Fatalf("head block missing")
	}
	expectEntries(t, firstHalf, []int64{50, 100, 200, 300})
	if next != "Tim-2" || prev != "" {
		t.Errorf("head links = (next=%q, prev=%q), want (Tim-2, \"\")", next, prev)
	}

	secondHalf, next, prev, ok := blockEntries(t, m, parent, 2)
	if !ok {
		t.Fatalf("second block missing")
	}
	expectEntries(t, secondHalf, []int64{400, 500, 600, 700})
	if next != "" || prev != "Tim-1" {
		t.Errorf("second block links = (next=%q, prev=%q), want (\"\", Tim-1)", next, prev)
	}

	roots := rootEntries(t, m, parent)
	if len(roots) != 2 {
		t.Fatalf("root map has %d entries, want 2: %v", len(roots), roots)
	}
	if roots[0].Key.(int64) != 50 || roots[0].Value.(int64) != 1 {
		t.Errorf("root[0] = %v, want 50->1", roots[0])
	}
	if roots[1].Key.(int64) != 400 || roots[1].Value.(int64) != 2 {
		t.Errorf("root[1] = %v, want 400->2", roots[1])
	}
	checkIntegrity(t, m, parent)
}

func expectEntries(t *testing.T, entries []store.MapEntry, want []int64) {
	t.Helper()
	if len(entries) != len(want) {
		t.Fatalf("block has %d entries, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].Key.(int64) != w {
			t.Errorf("entry[%d] = %v, want %d", i, entries[i].Key, w)
		}
	}
}

func TestFullScans(t *testing.T) {
	_, m, parent := newLongIndex(t, 7)
	for _, k := range []int64{100, 200, 300, 400, 500, 600, 700} {
		mustPut(t, m, parent, k)
	}
	mustPut(t, m, parent, 50)

	results, err := m.GetRange(context.Background(), parent, nil, true, true, 100)
	if err != nil {
		t.Fatalf("GetRange forwards: %v", err)
	}
	expectKeys(t, pageKeys(t, results), []int64{50, 100, 200, 300, 400, 500, 600, 700})

	results, err = m.GetRange(context.Background(), parent, nil, true, false, 100)
	if err != nil {
		t.Fatalf("GetRange backwards: %v", err)
	}
	expectKeys(t, pageKeys(t, results), []int64{700, 600, 500, 400, 300, 200, 100, 50})
}

func TestBoundedPagination(t *testing.T) {
	_, m, parent := newLongIndex(t, 7)
	for _, k := range []int64{100, 200, 300, 400, 500, 600, 700} {
		mustPut(t, m, parent, k)
	}
	mustPut(t, m, parent, 50)

	ctx := context.Background()
	page1, err := m.GetRange(ctx, parent, nil, true, true, 3)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	expectKeys(t, pageKeys(t, page1), []int64{50, 100, 200})
	if page1.Continuation.IsAtEnd() {
		t.Fatalf("page 1 continuation should not be at end")
	}

	page2, err := m.Continue(ctx, page1.Continuation, 3)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	expectKeys(t, pageKeys(t, page2), []int64{300, 400, 500})

	page3, err := m.Continue(ctx, page2.Continuation, 3)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	expectKeys(t, pageKeys(t, page3), []int64{600, 700})
	if !page3.Continuation.IsAtEnd() {
		t.Errorf("page 3 continuation should be at end")
	}
}

func TestDeleteOfMinimum(t *testing.T) {
	_, m, parent := newLongIndex(t, 7)
	for i := int64(1); i <= 20; i++ {
		mustPut(t, m, parent, i*1000)
	}

	ctx := context.Background()
	removed, err := m.Delete(ctx, parent, 1000, nil)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !removed {
		t.Fatalf("Delete(1000) = false, want true")
	}

	first := int64(0)
	results, err := m.GetRange(ctx, parent, &first, true, true, 1)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	expectKeys(t, pageKeys(t, results), []int64{2000})

	roots := rootEntries(t, m, parent)
	if len(roots) == 0 || roots[0].Key.(int64) != 2000 || roots[0].Value.(int64) != 1 {
		t.Errorf("root minimum = %v, want 2000->1", roots[0])
	}
	checkIntegrity(t, m, parent)
}

func TestDeleteAbsentKey(t *testing.T) {
	_, m, parent := newLongIndex(t, 7)
	mustPut(t, m, parent, 100)
	removed, err := m.Delete(context.Background(), parent, 999, nil)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if removed {
		t.Errorf("Delete of absent key = true, want false")
	}
}

func TestDeleteEmptiesAndUnlinksBlock(t *testing.T) {
	_, m, parent := newLongIndex(t, 7)
	for _, k := range []int64{100, 200, 300, 400, 500, 600, 700, 800} {
		mustPut(t, m, parent, k)
	}
	// Blocks now split {100..400} / {500..800}.
	ctx := context.Background()
	for _, k := range []int64{500, 600, 700, 800} {
		if removed, err := m.Delete(ctx, parent, k, nil); err != nil || !removed {
			t.Fatalf("Delete(%d) = (%v, %v)", k, removed, err)
		}
	}

	if _, _, _, ok := blockEntries(t, m, parent, 2); ok {
		t.Errorf("emptied block 2 should have been removed")
	}
	if _, next, _, ok := blockEntries(t, m, parent, 1); !ok || next != "" {
		t.Errorf("head next = %q, want empty after unlink", next)
	}
	roots := rootEntries(t, m, parent)
	if len(roots) != 1 || roots[0].Value.(int64) != 1 {
		t.Errorf("root map = %v, want single entry for block 1", roots)
	}

	results, err := m.GetRange(ctx, parent, nil, true, true, 100)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	expectKeys(t, pageKeys(t, results), []int64{100, 200, 300, 400})
	checkIntegrity(t, m, parent)
}

func TestHeadBlockIsNeverRemoved(t *testing.T) {
	_, m, parent := newLongIndex(t, 7)
	ctx := context.Background()
	mustPut(t, m, parent, 100)
	mustPut(t, m, parent, 200)
	for _, k := range []int64{100, 200} {
		if _, err := m.Delete(ctx, parent, k, nil); err != nil {
			t.Fatalf("Delete(%d): %v", k, err)
		}
	}
	if entries, _, _, ok := blockEntries(t, m, parent, 1); !ok {
		t.Fatalf("head block must survive emptying")
	} else if len(entries) != 0 {
		t.Fatalf("head block should be empty, has %v", entries)
	}

	// The empty head still routes new inserts.
	mustPut(t, m, parent, 300)
	results, err := m.GetRange(ctx, parent, nil, true, true, 10)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	expectKeys(t, pageKeys(t, results), []int64{300})
}

func TestRePutReplaces(t *testing.T) {
	_, m, parent := newLongIndex(t, 7)
	ctx := context.Background()
	if err := m.Put(ctx, parent, 100, nil, store.NewBin("Id", int64(100)), store.NewBin("v", "first")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Put(ctx, parent, 100, nil, store.NewBin("Id", int64(100)), store.NewBin("v", "second")); err != nil {
		t.Fatalf("re-Put: %v", err)
	}

	entries, _, _, _ := blockEntries(t, m, parent, 1)
	if len(entries) != 1 {
		t.Fatalf("block holds %d entries after re-put, want 1", len(entries))
	}
	rec, err := m.Get(ctx, parent, 100)
	if err != nil || rec == nil {
		t.Fatalf("Get: (%v, %v)", rec, err)
	}
	if rec.GetString("v") != "second" {
		t.Errorf("payload = %q, want the second value", rec.GetString("v"))
	}
	checkIntegrity(t, m, parent)
}

func TestExpiredEntriesAreFiltered(t *testing.T) {
	_, m, parent := newLongIndex(t, 7)
	ctx := context.Background()
	for _, k := range []int64{1, 2, 3} {
		mustPut(t, m, parent, k)
	}

	// Back-date entry 2 as if its TTL had lapsed; it lingers in the block
	// map but must be invisible to reads.
	dataKey, err := m.dataKeyFor(parent, 2)
	if err != nil {
		t.Fatalf("dataKeyFor: %v", err)
	}
	blockKey, err := m.blockKeyFor(parent, 1)
	if err != nil {
		t.Fatalf("blockKeyFor: %v", err)
	}
	mp := store.NewMapPolicy(store.KeyValueOrdered, store.MapWriteFlagsDefault)
	expired := []any{time.Now().UnixMilli() - 1000, dataKey.Digest()}
	if _, err := m.store.Operate(ctx, nil, blockKey,
		store.MapPutOp(mp, m.options.BlockMapBin, int64(2), expired)); err != nil {
		t.Fatalf("back-dating entry: %v", err)
	}

	results, err := m.GetRange(ctx, parent, nil, true, true, 10)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	expectKeys(t, pageKeys(t, results), []int64{1, 3})

	entries, _, _, _ := blockEntries(t, m, parent, 1)
	if len(entries) != 3 {
		t.Errorf("expired entry should still linger in the block map")
	}
}

func TestPaginationRoundTrip(t *testing.T) {
	_, m, parent := newLongIndex(t, 15)
	var want []int64
	for i := int64(0); i < 40; i++ {
		mustPut(t, m, parent, i*1000)
		mustPut(t, m, parent, i*1000+500)
	}
	for i := int64(0); i < 40; i++ {
		want = append(want, i*1000, i*1000+500)
	}

	full := collectPages(t, m, parent, nil, true, true, 100)
	expectKeys(t, full, want)

	paged := collectPages(t, m, parent, nil, true, true, 7)
	expectKeys(t, paged, want)

	backwards := collectPages(t, m, parent, nil, true, false, 7)
	reversed := make([]int64, len(want))
	for i := range want {
		reversed[i] = want[len(want)-1-i]
	}
	expectKeys(t, backwards, reversed)
	checkIntegrity(t, m, parent)
}

func TestPaginationFromMidrange(t *testing.T) {
	_, m, parent := newLongIndex(t, 15)
	var all []int64
	for i := int64(0); i < 40; i++ {
		mustPut(t, m, parent, i*1000)
		mustPut(t, m, parent, i*1000+500)
	}
	for i := int64(0); i < 40; i++ {
		all = append(all, i*1000, i*1000+500)
	}

	expected := func(start int64, includeFirst, forwards bool) []int64 {
		var out []int64
		for _, k := range all {
			switch {
			case k == start && includeFirst:
				out = append(out, k)
			case forwards && k > start:
				out = append(out, k)
			case !forwards && k < start:
				out = append(out, k)
			}
		}
		if !forwards {
			for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
				out[i], out[j] = out[j], out[i]
			}
		}
		return out
	}

	cases := []struct {
		name         string
		start        int64
		includeFirst bool
		forwards     bool
	}{
		{"forwards inexact inclusive", 20010, true, true},
		{"forwards exact inclusive", 20000, true, true},
		{"forwards inexact exclusive", 20010, false, true},
		{"forwards exact exclusive", 20000, false, true},
		{"backwards inexact inclusive", 20010, true, false},
		{"backwards exact inclusive", 20000, true, false},
		{"backwards inexact exclusive", 20010, false, false},
		{"backwards exact exclusive", 20000, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start := tc.start
			got := collectPages(t, m, parent, &start, tc.includeFirst, tc.forwards, 7)
			expectKeys(t, got, expected(tc.start, tc.includeFirst, tc.forwards))
		})
	}
}

func TestRebuildRoot(t *testing.T) {
	_, m, parent := newLongIndex(t, 7)
	ctx := context.Background()
	for i := int64(1); i <= 20; i++ {
		mustPut(t, m, parent, i*1000)
	}

	// Corrupt the root map and a back pointer, then rebuild.
	rootKey, err := m.rootKeyFor(parent)
	if err != nil {
		t.Fatalf("rootKeyFor: %v", err)
	}
	mp := store.NewMapPolicy(store.KeyValueOrdered, store.MapWriteFlagsDefault)
	if _, err := m.store.Operate(ctx, nil, rootKey,
		store.MapPutOp(mp, m.options.RootMapBin, int64(99999999), int64(42)),
		store.MapRemoveByKeyOp(m.options.RootMapBin, int64(1000), store.TypeNone)); err != nil {
		t.Fatalf("corrupting root: %v", err)
	}
	blockKey, err := m.blockKeyFor(parent, 2)
	if err != nil {
		t.Fatalf("blockKeyFor: %v", err)
	}
	if err := m.store.Put(ctx, nil, blockKey, store.NewBin(m.options.BlockMapPrevBin, "Tim-999")); err != nil {
		t.Fatalf("corrupting prev pointer: %v", err)
	}

	if err := m.RebuildRoot(ctx, parent); err != nil {
		t.Fatalf("RebuildRoot: %v", err)
	}
	checkIntegrity(t, m, parent)

	for _, e := range rootEntries(t, m, parent) {
		if e.Value.(int64) == 42 {
			t.Errorf("bogus root entry survived the rebuild")
		}
	}
}

func TestRebuildRootWithoutChain(t *testing.T) {
	s, m, parent := newLongIndex(t, 7)
	ctx := context.Background()

	// A stale root record with no chain behind it gets dropped.
	rootKey, err := m.rootKeyFor(parent)
	if err != nil {
		t.Fatalf("rootKeyFor: %v", err)
	}
	mp := store.NewMapPolicy(store.KeyValueOrdered, store.MapWriteFlagsDefault)
	if _, err := m.store.Operate(ctx, nil, rootKey,
		store.MapPutOp(mp, m.options.RootMapBin, int64(5), int64(7))); err != nil {
		t.Fatalf("seeding stale root: %v", err)
	}
	if err := m.RebuildRoot(ctx, parent); err != nil {
		t.Fatalf("RebuildRoot: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("store still holds %d records, want 0", s.Len())
	}
}

func TestInvalidArguments(t *testing.T) {
	_, m, _ := newLongIndex(t, 7)
	ctx := context.Background()

	parent, err := store.NewKey("test", "Messages", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	err = m.Put(ctx, parent, 1, nil)
	var serr *Error
	if !errors.As(err, &serr) || serr.Code != InvalidArgument {
		t.Errorf("Put with blob parent key = %v, want InvalidArgument", err)
	}

	good, _ := store.NewKey("test", "Messages", "Tim")
	if _, err := m.GetRange(ctx, good, nil, true, true, 0); err == nil {
		t.Errorf("GetRange with max 0 should fail")
	}
}

func TestPayloadlessPut(t *testing.T) {
	_, m, parent := newLongIndex(t, 7)
	ctx := context.Background()
	if err := m.Put(ctx, parent, 100, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	results, err := m.GetRange(ctx, parent, nil, true, true, 10)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if len(results.Records) != 1 || results.Records[0] != nil {
		t.Errorf("payload-less put should surface as one nil record, got %v", results.Records)
	}
}
