package subkeys

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/sethvargo/go-retry"

	"github.com/sharedcode/subkeys/lock"
	"github.com/sharedcode/subkeys/store"
)

const (
	subkeySetSuffix = "-subkeys"
	metaSetSuffix   = "-meta"
	keySeparator    = "-"
	emptyBlockPtr   = ""

	// The head of the chain is always block 1 and is created directly by
	// initializeBlocks, never through the id allocator.
	headBlockID int64 = 1

	// Sentinel routing result: no root record yet.
	blockNew int64 = -1

	lockBinName  = "lck"
	counterBin   = "id"
	noExpiry     = int64(math.MaxInt64)
	// maxStringKey sorts above every integer map key and every string key
	// whose first character is below U+FFFF, so it can serve as a throwaway
	// maximum during deletes over such keys.
	maxStringKey = "\uffff"

	raceRetries    = 3
	raceRetrySleep = 5 * time.Millisecond
)

// SortedMap is the index facade for one sort-key type K. K must be string,
// int or int64; range scans decode stored map keys only into those types.
// A SortedMap is safe for concurrent use across any number of goroutines and
// processes sharing the store.
type SortedMap[K cmp.Ordered] struct {
	store       store.Store
	options     Options
	lock        *lock.Manager
	writePolicy *store.WritePolicy
	log         *slog.Logger
}

// New builds a SortedMap over s.
func New[K cmp.Ordered](s store.Store, options Options) *SortedMap[K] {
	wp := store.NewWritePolicy()
	wp.SendKey = options.SendKey
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SortedMap[K]{
		store:       s,
		options:     options,
		lock:        lock.NewManager(s, lockBinName, options.MaxLockTime, options.LockRetryInterval, logger),
		writePolicy: wp,
		log:         logger,
	}
}

// keyUserString renders the parent's user key for compound key derivation.
// Only string and integer parent keys are supported.
func keyUserString(parent *store.Key) (string, error) {
	switch v := parent.UserKey.(type) {
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", invalidArgument(fmt.Sprintf("parent keys must be strings or integers, got %T", parent.UserKey))
	}
}

// dataKeyFor derives the child data record key for (parent, subKey).
func (m *SortedMap[K]) dataKeyFor(parent *store.Key, subKey K) (*store.Key, error) {
	user, err := keyUserString(parent)
	if err != nil {
		return nil, err
	}
	return store.NewKey(parent.Namespace, parent.SetName+subkeySetSuffix,
		user+keySeparator+fmt.Sprint(subKey))
}

// blockKeyFor derives the block record key for (parent, blockID).
func (m *SortedMap[K]) blockKeyFor(parent *store.Key, blockID int64) (*store.Key, error) {
	user, err := keyUserString(parent)
	if err != nil {
		return nil, err
	}
	return store.NewKey(parent.Namespace, parent.SetName+metaSetSuffix,
		user+keySeparator+strconv.FormatInt(blockID, 10))
}

// blockKeyFromPointer turns a next/prev pointer value into a block key.
func (m *SortedMap[K]) blockKeyFromPointer(parent *store.Key, pointer string) (*store.Key, error) {
	return store.NewKey(parent.Namespace, parent.SetName+metaSetSuffix, pointer)
}

// rootKeyFor derives the root-map record key: the parent digest as user key,
// in the configured (or parent-derived) root namespace and set.
func (m *SortedMap[K]) rootKeyFor(parent *store.Key) (*store.Key, error) {
	return store.NewKey(m.options.rootNamespaceFor(parent), m.options.rootSetFor(parent), parent.Digest())
}

// counterKeyFor derives the id-counter record key.
func (m *SortedMap[K]) counterKeyFor(parent *store.Key) (*store.Key, error) {
	return store.NewKey(parent.Namespace, parent.SetName+metaSetSuffix, parent.Digest())
}

// parseBlockID extracts the numeric block id from a block pointer such as
// "Fred-3".
func parseBlockID(pointer string) int64 {
	i := strings.LastIndex(pointer, keySeparator)
	if i < 0 {
		return 0
	}
	id, _ := strconv.ParseInt(pointer[i+1:], 10, 64)
	return id
}

// allocateID returns the next block id for the parent via an atomic add on
// the dedicated counter record. Only split paths call it; the head is created
// by initializeBlocks with the literal id 1 and never consumes an allocation,
// so the counter's low values are skipped to keep split blocks at ids >= 2.
func (m *SortedMap[K]) allocateID(ctx context.Context, parent *store.Key) (int64, error) {
	key, err := m.counterKeyFor(parent)
	if err != nil {
		return 0, err
	}
	for {
		rec, err := m.store.Operate(ctx, m.writePolicy, key,
			store.AddOp(store.NewBin(counterBin, 1)),
			store.GetOp(counterBin))
		if err != nil {
			return 0, err
		}
		if id := rec.GetInt64(counterBin); id > headBlockID {
			return id, nil
		}
	}
}

// initializeBlocks creates the head block holding the first entry, then seeds
// the root map. CREATE_ONLY on the head makes a lost creation race surface as
// ResultKeyExists for the caller to retry.
func (m *SortedMap[K]) initializeBlocks(ctx context.Context, parent *store.Key, subKey K, blockData []any) error {
	blockKey, err := m.blockKeyFor(parent, headBlockID)
	if err != nil {
		return err
	}
	wp := store.NewWritePolicy()
	wp.SendKey = m.options.SendKey
	wp.RecordExistsAction = store.CreateOnly

	mp := store.NewMapPolicy(store.KeyValueOrdered, store.MapWriteFlagsDefault)
	if _, err := m.store.Operate(ctx, wp, blockKey,
		store.MapPutOp(mp, m.options.BlockMapBin, subKey, blockData),
		store.PutOp(store.NewBin(m.options.BlockMapNextBin, emptyBlockPtr)),
		store.PutOp(store.NewBin(m.options.BlockMapPrevBin, emptyBlockPtr)),
	); err != nil {
		return err
	}

	rootKey, err := m.rootKeyFor(parent)
	if err != nil {
		return err
	}
	_, err = m.store.Operate(ctx, m.writePolicy, rootKey,
		store.MapPutOp(mp, m.options.RootMapBin, subKey, headBlockID))
	return err
}

// Put inserts subKey into the parent's ordering and writes the payload bins
// to the child data record. Re-putting an existing subKey replaces its entry
// and payload. writePolicy may be nil; its Expiration becomes the index
// entry's expiry epoch.
func (m *SortedMap[K]) Put(ctx context.Context, parent *store.Key, subKey K, writePolicy *store.WritePolicy, bins ...store.Bin) error {
	return m.PutWithDataKey(ctx, parent, subKey, writePolicy, nil, bins...)
}

// PutWithDataKey is Put with the index entry pointing at dataKey's record
// instead of the derived child record. Use it when the indexed data already
// lives elsewhere, e.g. inverting an existing record set.
func (m *SortedMap[K]) PutWithDataKey(ctx context.Context, parent *store.Key, subKey K, writePolicy *store.WritePolicy, dataKey *store.Key, bins ...store.Bin) error {
	if writePolicy == nil {
		writePolicy = store.NewWritePolicy()
	}
	epoch := noExpiry
	if writePolicy.Expiration > 0 {
		epoch = time.Now().UnixMilli() + int64(writePolicy.Expiration)*1000
	}

	childKey, err := m.dataKeyFor(parent, subKey)
	if err != nil {
		return err
	}
	digest := childKey.Digest()
	if dataKey != nil {
		digest = dataKey.Digest()
	}
	blockData := []any{epoch, digest}

	// Route, initializing the chain on first ever insert. A lost creation
	// race (another writer initialized meanwhile) is retried.
	blockID := blockNew
	initialized := false
	b := retry.WithMaxRetries(raceRetries, retry.NewConstant(raceRetrySleep))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		id, err := m.blockToUse(ctx, parent, subKey)
		if err != nil {
			return err
		}
		if id == blockNew {
			if err := m.initializeBlocks(ctx, parent, subKey, blockData); err != nil {
				if store.CodeOf(err) == store.ResultKeyExists {
					return retry.RetryableError(err)
				}
				return err
			}
			initialized = true
			return nil
		}
		blockID = id
		return nil
	})
	if err != nil {
		return err
	}
	if initialized {
		return m.writeData(ctx, writePolicy, childKey, bins)
	}

	blockKey, err := m.blockKeyFor(parent, blockID)
	if err != nil {
		return err
	}

	// Under the block lock: original size, put, index of the put key.
	// size == newSize means a pure update; index 0 on a grown block means
	// a new minimum; a grown block past the cap must split.
	lockPolicy := store.NewWritePolicy()
	lockPolicy.SendKey = m.options.SendKey
	lockPolicy.Expiration = writePolicy.Expiration
	lockPolicy.MaxRetries = raceRetries
	lockPolicy.SleepBetweenRetries = raceRetrySleep

	mp := store.NewMapPolicy(store.KeyValueOrdered, store.MapWriteFlagsDefault)
	rec, err := m.lock.PerformUnderLock(ctx, lockPolicy, blockKey,
		store.MapSizeOp(m.options.BlockMapBin),
		store.MapPutOp(mp, m.options.BlockMapBin, subKey, blockData),
		store.MapGetByKeyOp(m.options.BlockMapBin, subKey, store.TypeIndex))
	if err != nil {
		return err
	}

	data := rec.GetList(m.options.BlockMapBin)
	originalCount := asInt64(data[0])
	updatedCount := asInt64(data[1])
	insertedIndex := asInt64(data[2])

	if originalCount != updatedCount {
		if insertedIndex == 0 && originalCount > 0 {
			// New minimum for this block: refresh its root-map entry.
			if err := m.rewriteRootEntry(ctx, parent, blockID, subKey); err != nil {
				return err
			}
		}
		if updatedCount > int64(m.options.MaxElementsPerBlock) {
			if err := m.splitBlock(ctx, blockKey, parent); err != nil {
				return err
			}
		}
	}
	return m.writeData(ctx, writePolicy, childKey, bins)
}

func (m *SortedMap[K]) writeData(ctx context.Context, wp *store.WritePolicy, key *store.Key, bins []store.Bin) error {
	if len(bins) == 0 {
		return nil
	}
	return m.store.Put(ctx, wp, key, bins...)
}

// rewriteRootEntry replaces the root-map entry for blockID with
// newMin -> blockID. Both halves are idempotent, so losing a race just
// re-executes safely.
func (m *SortedMap[K]) rewriteRootEntry(ctx context.Context, parent *store.Key, blockID int64, newMin any) error {
	rootKey, err := m.rootKeyFor(parent)
	if err != nil {
		return err
	}
	mp := store.NewMapPolicy(store.KeyValueOrdered, store.MapWriteFlagsDefault)
	_, err = m.store.Operate(ctx, nil, rootKey,
		store.MapRemoveByValueOp(m.options.RootMapBin, blockID, store.TypeNone),
		store.MapPutOp(mp, m.options.RootMapBin, newMin, blockID))
	return err
}

// Get reads the child data record for (parent, subKey), or nil when absent.
func (m *SortedMap[K]) Get(ctx context.Context, parent *store.Key, subKey K) (*store.Record, error) {
	key, err := m.dataKeyFor(parent, subKey)
	if err != nil {
		return nil, err
	}
	return m.store.Get(ctx, key)
}

// Delete removes subKey from the parent's ordering and deletes the child data
// record. Returns false when the subKey was not present. A block emptied by
// the removal is unlinked from the chain, except the head which stays as the
// chain's permanent left sentinel.
func (m *SortedMap[K]) Delete(ctx context.Context, parent *store.Key, subKey K, writePolicy *store.WritePolicy) (bool, error) {
	if writePolicy == nil {
		writePolicy = store.NewWritePolicy()
	}
	blockID, err := m.blockToUse(ctx, parent, subKey)
	if err != nil {
		return false, err
	}
	if blockID == blockNew {
		return false, nil
	}
	blockKey, err := m.blockKeyFor(parent, blockID)
	if err != nil {
		return false, err
	}

	// Removing the entry must atomically reveal whether it was the block
	// minimum and what the new minimum is, even when the map empties. A
	// throwaway maximum entry keeps the map non-empty across the removal;
	// reading it back as the post-remove minimum means the map emptied.
	lockPolicy := store.NewWritePolicy()
	lockPolicy.SendKey = m.options.SendKey
	lockPolicy.MaxRetries = raceRetries
	lockPolicy.SleepBetweenRetries = raceRetrySleep

	mp := store.NewMapPolicy(store.KeyValueOrdered, store.MapWriteFlagsDefault)
	bin := m.options.BlockMapBin
	rec, err := m.lock.PerformUnderLock(ctx, lockPolicy, blockKey,
		store.MapPutOp(mp, bin, maxStringKey, maxStringKey),
		store.MapRemoveByKeyOp(bin, subKey, store.TypeIndex),
		store.MapGetByIndexOp(bin, 0, store.TypeKey),
		store.MapRemoveByKeyOp(bin, maxStringKey, store.TypeNone))
	if err != nil {
		return false, err
	}

	data := rec.GetList(bin)
	removedIndex := asInt64(data[1])
	newMin := data[2]
	nowEmpty, _ := newMin.(string)

	switch {
	case removedIndex == -1:
		return false, nil
	case nowEmpty == maxStringKey:
		if err := m.removeEmptyBlock(ctx, parent, blockID, writePolicy); err != nil {
			return false, err
		}
	case removedIndex == 0:
		if err := m.rewriteRootEntry(ctx, parent, blockID, newMin); err != nil {
			return false, err
		}
	}

	dataKey, err := m.dataKeyFor(parent, subKey)
	if err != nil {
		return false, err
	}
	if _, err := m.store.Delete(ctx, writePolicy, dataKey); err != nil {
		return false, err
	}
	return true, nil
}

// removeEmptyBlock unlinks an emptied block from the chain and drops its root
// entry. The head block is never removed: it anchors routing for keys below
// every block minimum. Both neighbors are locked, in ascending block id
// order, before their pointers are patched; a split patches its successor's
// prev without that lock, so unlinking must hold both to not race it.
func (m *SortedMap[K]) removeEmptyBlock(ctx context.Context, parent *store.Key, blockID int64, writePolicy *store.WritePolicy) error {
	if blockID == headBlockID {
		return nil
	}
	blockKey, err := m.blockKeyFor(parent, blockID)
	if err != nil {
		return err
	}
	lk, err := m.lock.Acquire(ctx, blockKey, m.options.MaxLockTime,
		m.options.BlockMapBin, m.options.BlockMapNextBin, m.options.BlockMapPrevBin)
	if err != nil || lk == nil {
		return err
	}

	entries := mapEntriesOf(lk.Record, m.options.BlockMapBin)
	next := lk.Record.GetString(m.options.BlockMapNextBin)
	prev := lk.Record.GetString(m.options.BlockMapPrevBin)
	if len(entries) != 0 {
		// An insert slipped in between our delete and this lock.
		_, err := m.lock.Release(ctx, lk)
		return err
	}

	type patch struct {
		pointer string
		bin     string
		value   string
	}
	patches := []patch{}
	if prev != emptyBlockPtr {
		patches = append(patches, patch{prev, m.options.BlockMapNextBin, next})
	}
	if next != emptyBlockPtr {
		patches = append(patches, patch{next, m.options.BlockMapPrevBin, prev})
	}
	if len(patches) == 2 && parseBlockID(patches[0].pointer) > parseBlockID(patches[1].pointer) {
		patches[0], patches[1] = patches[1], patches[0]
	}

	neighborLocks := make([]*lock.Lock, len(patches))
	for i, p := range patches {
		nk, err := m.blockKeyFromPointer(parent, p.pointer)
		if err != nil {
			return err
		}
		nlk, err := m.lock.Acquire(ctx, nk, m.options.MaxLockTime)
		if err != nil {
			for _, held := range append(neighborLocks[:i], lk) {
				if held != nil {
					_, _ = m.lock.Release(ctx, held)
				}
			}
			return err
		}
		neighborLocks[i] = nlk
	}
	for i, p := range patches {
		if neighborLocks[i] == nil {
			continue
		}
		if _, err := m.lock.UpdateAndRelease(ctx, nil, neighborLocks[i], 0,
			store.PutOp(store.NewBin(p.bin, p.value))); err != nil {
			_, _ = m.lock.Release(ctx, lk)
			return err
		}
	}

	rootKey, err := m.rootKeyFor(parent)
	if err != nil {
		return err
	}
	if _, err := m.store.Operate(ctx, nil, rootKey,
		store.MapRemoveByValueOp(m.options.RootMapBin, blockID, store.TypeNone)); err != nil {
		return err
	}

	m.log.Debug("removing empty block", "parent", parent.String(), "block", blockID)
	// The block lock dies with the record.
	_, err = m.store.Delete(ctx, writePolicy, blockKey)
	return err
}

// asInt64 reads a numeric multi-op result. Some store versions return a
// single-element list where a bare index is expected; accept both shapes.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case []any:
		if len(n) == 1 {
			return asInt64(n[0])
		}
	}
	return 0
}

// mapEntriesOf reads a map bin result as entries.
func mapEntriesOf(rec *store.Record, bin string) []store.MapEntry {
	if rec == nil {
		return nil
	}
	entries, _ := rec.Bins[bin].([]store.MapEntry)
	return entries
}
