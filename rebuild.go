package subkeys

import (
	"context"
	"strconv"

	"github.com/sharedcode/subkeys/store"
)

// RebuildRoot regenerates the parent's root map from the chain itself and
// repairs back pointers. It walks from block 1 via next, collecting each
// block's minimum, then replaces the root map wholesale. Use it to recover
// from a crashed split (orphaned second half) or a diverged root map.
//
// It takes no locks and assumes no writers are running concurrently.
func (m *SortedMap[K]) RebuildRoot(ctx context.Context, parent *store.Key) error {
	parentUser, err := keyUserString(parent)
	if err != nil {
		return err
	}
	pointer := parentUser + keySeparator + strconv.FormatInt(headBlockID, 10)
	expectedPrev := emptyBlockPtr

	sawHead := false
	items := []store.MapEntry{}
	for pointer != emptyBlockPtr {
		blockKey, err := m.blockKeyFromPointer(parent, pointer)
		if err != nil {
			return err
		}
		rec, err := m.store.Operate(ctx, nil, blockKey,
			store.MapGetByIndexOp(m.options.BlockMapBin, 0, store.TypeKey),
			store.GetOp(m.options.BlockMapNextBin),
			store.GetOp(m.options.BlockMapPrevBin))
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}
		sawHead = true

		// Empty blocks (only the head can stay empty) get no root entry.
		if min, ok := rec.Bins[m.options.BlockMapBin]; ok && min != nil {
			items = append(items, store.MapEntry{Key: min, Value: parseBlockID(pointer)})
		}
		if rec.GetString(m.options.BlockMapPrevBin) != expectedPrev {
			m.log.Debug("repairing back pointer", "block", pointer, "prev", expectedPrev)
			if err := m.store.Put(ctx, m.writePolicy, blockKey,
				store.NewBin(m.options.BlockMapPrevBin, expectedPrev)); err != nil {
				return err
			}
		}
		expectedPrev = pointer
		pointer = rec.GetString(m.options.BlockMapNextBin)
	}

	rootKey, err := m.rootKeyFor(parent)
	if err != nil {
		return err
	}
	if !sawHead {
		// No chain at all: drop any stale root record.
		_, err := m.store.Delete(ctx, m.writePolicy, rootKey)
		return err
	}
	mp := store.NewMapPolicy(store.KeyValueOrdered, store.MapWriteFlagsDefault)
	_, err = m.store.Operate(ctx, m.writePolicy, rootKey,
		store.MapClearOp(m.options.RootMapBin),
		store.MapPutItemsOp(mp, m.options.RootMapBin, items))
	return err
}
