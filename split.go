package subkeys

import (
	"context"
	"strconv"

	"github.com/sharedcode/subkeys/store"
)

// splitEntries divides a full block map in two around its middle. The first
// half keeps indices 0..⌈n/2⌉-1; the second half takes the rest. splitMin is
// the first key of the second half, i.e. the new block's minimum.
func splitEntries(entries []store.MapEntry) (first, second []store.MapEntry, splitMin any) {
	if len(entries) < 2 {
		return nil, nil, nil
	}
	splitPoint := (len(entries) + 1) / 2
	return entries[:splitPoint], entries[splitPoint:], entries[splitPoint].Key
}

// splitBlock divides an over-full block in two. The write order is what makes
// a crash at any point leave the chain routable:
//
//  1. create the second block fully formed (linked out, not yet linked in),
//  2. publish its root-map entry — routing for keys >= splitMin now reaches it,
//  3. shrink the original block to the first half and point it at the second,
//  4. patch the old successor's prev pointer.
//
// Before step 2 the new block is unreachable; between 2 and 3 both halves are
// readable via their routed keys. Step 4 runs without a lock on the
// successor. Besides a split, only removeEmptyBlock (which locks the
// neighbors it patches) and RebuildRoot rewrite an existing block's prev
// pointer; the block lock held here admits one splitter at a time.
func (m *SortedMap[K]) splitBlock(ctx context.Context, blockKey *store.Key, parent *store.Key) error {
	opts := m.options
	lk, err := m.lock.Acquire(ctx, blockKey, opts.MaxLockTime,
		opts.BlockMapBin, opts.BlockMapNextBin, opts.BlockMapPrevBin, lockBinName)
	if err != nil || lk == nil {
		return err
	}
	released := false
	defer func() {
		if !released {
			_, _ = m.lock.Release(ctx, lk)
		}
	}()

	// Another splitter may have won while we queued on the lock.
	entries := mapEntriesOf(lk.Record, opts.BlockMapBin)
	if len(entries) <= opts.MaxElementsPerBlock {
		return nil
	}

	first, second, splitMin := splitEntries(entries)
	oldNext := lk.Record.GetString(opts.BlockMapNextBin)
	oldPrev := lk.Record.GetString(opts.BlockMapPrevBin)
	oldUser, err := keyUserString(blockKey)
	if err != nil {
		return err
	}

	newID, err := m.allocateID(ctx, parent)
	if err != nil {
		return err
	}
	parentUser, err := keyUserString(parent)
	if err != nil {
		return err
	}
	secondPointer := parentUser + keySeparator + strconv.FormatInt(newID, 10)
	secondKey, err := m.blockKeyFromPointer(parent, secondPointer)
	if err != nil {
		return err
	}
	m.log.Debug("splitting block", "block", oldUser, "at", splitMin, "new", secondPointer)

	up := store.NewWritePolicy()
	up.SendKey = opts.SendKey
	mp := store.NewMapPolicy(store.KeyValueOrdered, store.MapWriteFlagsDefault)

	// (1) The second block: second half of the map, prev pointing at us,
	// next inheriting our old successor.
	if _, err := m.store.Operate(ctx, up, secondKey,
		store.MapPutItemsOp(mp, opts.BlockMapBin, second),
		store.PutOp(store.NewBin(opts.BlockMapPrevBin, oldUser)),
		store.PutOp(store.NewBin(opts.BlockMapNextBin, oldNext)),
	); err != nil {
		return err
	}

	// (2) Route keys >= splitMin to the new block.
	rootKey, err := m.rootKeyFor(parent)
	if err != nil {
		return err
	}
	if _, err := m.store.Operate(ctx, m.writePolicy, rootKey,
		store.MapPutOp(mp, opts.RootMapBin, splitMin, newID)); err != nil {
		return err
	}

	// (3) Shrink the original block, still under its lock, and link it to
	// the second. The prev pointer is rewritten unchanged.
	if _, err := m.store.Operate(ctx, up, blockKey,
		store.MapClearOp(opts.BlockMapBin),
		store.MapPutItemsOp(mp, opts.BlockMapBin, first),
		store.PutOp(store.NewBin(opts.BlockMapNextBin, secondPointer)),
		store.PutOp(store.NewBin(opts.BlockMapPrevBin, oldPrev)),
	); err != nil {
		return err
	}

	// (4) The old successor's back pointer now belongs to the new block.
	if oldNext != emptyBlockPtr {
		succKey, err := m.blockKeyFromPointer(parent, oldNext)
		if err != nil {
			return err
		}
		if err := m.store.Put(ctx, m.writePolicy, succKey,
			store.NewBin(opts.BlockMapPrevBin, secondPointer)); err != nil {
			return err
		}
	}
	return nil
}
