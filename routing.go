package subkeys

import (
	"context"

	"github.com/sharedcode/subkeys/store"
)

// blockToUse consults the root map for the block that may hold subKey. The
// root map is min-value-in-block -> block id, so the right block is the entry
// with the greatest key not above subKey. The store's relative index range
// lands on the first entry at or above the probed key, so probing at offset
// -1 yields the floor — except when subKey exactly matches a block minimum,
// which the paired exact lookup catches.
//
// Returns blockNew when no root record exists yet (first ever insert), and
// the head block id when subKey sorts below every block minimum: the head is
// the chain's left sentinel.
func (m *SortedMap[K]) blockToUse(ctx context.Context, parent *store.Key, subKey K) (int64, error) {
	rootKey, err := m.rootKeyFor(parent)
	if err != nil {
		return 0, err
	}
	bin := m.options.RootMapBin
	rec, err := m.store.Operate(ctx, nil, rootKey,
		store.MapGetByKeyRelativeIndexRangeCountOp(bin, subKey, -1, 1, store.TypeKeyValue),
		store.MapGetByKeyOp(bin, subKey, store.TypeKeyValue))
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return blockNew, nil
	}

	results := rec.GetList(bin)
	if len(results) == 2 {
		if exact := asMapEntries(results[1]); len(exact) > 0 {
			return asInt64(exact[0].Value), nil
		}
		if floor := asMapEntries(results[0]); len(floor) > 0 {
			return asInt64(floor[0].Value), nil
		}
	}
	return headBlockID, nil
}

// endBlock returns the id of the chain's first (forwards) or last block, per
// the root map's index extremes. ok is false when the parent has no index.
func (m *SortedMap[K]) endBlock(ctx context.Context, parent *store.Key, forwards bool) (id int64, ok bool, err error) {
	rootKey, err := m.rootKeyFor(parent)
	if err != nil {
		return 0, false, err
	}
	index := 0
	if !forwards {
		index = -1
	}
	rec, err := m.store.Operate(ctx, nil, rootKey,
		store.MapGetByIndexOp(m.options.RootMapBin, index, store.TypeValue))
	if err != nil || rec == nil {
		return 0, false, err
	}
	v, present := rec.Bins[m.options.RootMapBin]
	if !present || v == nil {
		return 0, false, nil
	}
	return asInt64(v), true, nil
}

func asMapEntries(v any) []store.MapEntry {
	entries, _ := v.([]store.MapEntry)
	return entries
}
