package subkeys

import (
	"cmp"
	"context"
	"math"
	"time"

	"github.com/sharedcode/subkeys/store"
)

// Continuation resumes a range scan where a previous page stopped.
type Continuation[K cmp.Ordered] struct {
	parent       *store.Key
	lastBlockKey string
	lastReadKey  *K
	forwards     bool
}

// IsAtEnd reports whether the scan has exhausted the chain.
func (c *Continuation[K]) IsAtEnd() bool {
	return c == nil || c.lastBlockKey == emptyBlockPtr
}

// Forwards reports the scan direction.
func (c *Continuation[K]) Forwards() bool {
	return c != nil && c.forwards
}

// Results is one page of a range scan. Records preserves sort-key order and
// may hold nil slots for children that expired or were deleted between the
// index read and the batch fetch.
type Results[K cmp.Ordered] struct {
	Records      []*store.Record
	Continuation *Continuation[K]
}

// digestPage is the outcome of one index walk: child digests in scan order,
// the block the walk stopped in (empty when the chain was exhausted) and the
// last sort key appended.
type digestPage[K cmp.Ordered] struct {
	digests      [][]byte
	lastBlockKey string
	lastReadKey  *K
}

// GetRange reads up to max children ordered by sort key. firstKey nil starts
// at the chain's first (forwards) or last (backwards) entry; includeFirst
// controls whether an exact firstKey match is returned. The continuation in
// the result resumes the scan after the last returned entry.
func (m *SortedMap[K]) GetRange(ctx context.Context, parent *store.Key, firstKey *K, includeFirst, forwards bool, max int) (*Results[K], error) {
	if max <= 0 {
		return nil, invalidArgument("the maximum number of records must be specified")
	}
	nowMs := time.Now().UnixMilli()
	page, err := m.readDigests(ctx, parent, firstKey, includeFirst, forwards, max, nowMs)
	if err != nil {
		return nil, err
	}

	keys := make([]*store.Key, len(page.digests))
	for i, d := range page.digests {
		keys[i] = store.NewKeyWithDigest(parent.Namespace, parent.SetName+subkeySetSuffix, d)
	}
	records, err := m.store.BatchGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	return &Results[K]{
		Records: records,
		Continuation: &Continuation[K]{
			parent:       parent,
			lastBlockKey: page.lastBlockKey,
			lastReadKey:  page.lastReadKey,
			forwards:     forwards,
		},
	}, nil
}

// Continue fetches the next page after a previous GetRange.
func (m *SortedMap[K]) Continue(ctx context.Context, continuation *Continuation[K], max int) (*Results[K], error) {
	if max <= 0 {
		return nil, invalidArgument("the maximum number of records must be specified")
	}
	if continuation.IsAtEnd() || continuation.lastReadKey == nil {
		return &Results[K]{Continuation: continuation}, nil
	}
	return m.GetRange(ctx, continuation.parent, continuation.lastReadKey, false, continuation.forwards, max)
}

// readDigests walks the chain collecting live child digests. Within each
// block it reads one directional slice; a block that returned fewer entries
// than asked is exhausted, so the walk hops along next/prev, while a block
// that filled the read may hold more matches and is re-read from the last
// appended key. maxToFetch <= 0 means unbounded.
func (m *SortedMap[K]) readDigests(ctx context.Context, parent *store.Key, firstKey *K, includeFirst, forwards bool, maxToFetch int, nowMs int64) (*digestPage[K], error) {
	page := &digestPage[K]{}

	var blockID int64
	if firstKey == nil {
		id, ok, err := m.endBlock(ctx, parent, forwards)
		if err != nil || !ok {
			return page, err
		}
		blockID = id
	} else {
		id, err := m.blockToUse(ctx, parent, *firstKey)
		if err != nil {
			return page, err
		}
		if id == blockNew {
			return page, nil
		}
		blockID = id
	}

	blockKey, err := m.blockKeyFor(parent, blockID)
	if err != nil {
		return nil, err
	}
	op, asked := m.readOp(firstKey, includeFirst, forwards, maxToFetch)
	rec, err := m.readBlock(ctx, blockKey, op)
	if err != nil || rec == nil {
		return page, err
	}
	entries := mapEntriesOf(rec, m.options.BlockMapBin)
	boundary := firstKey
	page.lastReadKey = m.appendLive(page, entries, forwards, nowMs, maxToFetch, includeFirst, boundary)
	currentBlock, err := keyUserString(blockKey)
	if err != nil {
		return nil, err
	}
	page.lastBlockKey = currentBlock
	if page.lastReadKey != nil {
		boundary = page.lastReadKey
	} else if scanned := lastScanned[K](entries, forwards); scanned != nil {
		boundary = scanned
	}

	for remaining := remainingOf(maxToFetch, len(page.digests)); remaining > 0; remaining = remainingOf(maxToFetch, len(page.digests)) {
		if len(entries) < asked {
			// Block exhausted: hop along the chain.
			pointer := rec.GetString(m.options.BlockMapNextBin)
			if !forwards {
				pointer = rec.GetString(m.options.BlockMapPrevBin)
			}
			if pointer == emptyBlockPtr {
				page.lastBlockKey = emptyBlockPtr
				break
			}
			m.log.Debug("range scan hopping", "parent", parent.String(), "to", pointer, "remaining", remaining)
			hopKey, err := m.blockKeyFromPointer(parent, pointer)
			if err != nil {
				return nil, err
			}
			op, asked = m.readOp(nil, false, forwards, remaining)
			if rec, err = m.readBlock(ctx, hopKey, op); err != nil {
				return nil, err
			}
			if rec == nil {
				// Dangling pointer; treat the chain as ended.
				page.lastBlockKey = emptyBlockPtr
				break
			}
			page.lastBlockKey = pointer
		} else {
			// The read filled up; the same block may hold more matches.
			currentKey, err := m.blockKeyFromPointer(parent, page.lastBlockKey)
			if err != nil {
				return nil, err
			}
			op, asked = m.readOp(boundary, false, forwards, remaining)
			if rec, err = m.readBlock(ctx, currentKey, op); err != nil {
				return nil, err
			}
			if rec == nil {
				page.lastBlockKey = emptyBlockPtr
				break
			}
		}
		entries = mapEntriesOf(rec, m.options.BlockMapBin)
		if last := m.appendLive(page, entries, forwards, nowMs, maxToFetch, false, boundary); last != nil {
			page.lastReadKey = last
			boundary = last
		} else if scanned := lastScanned[K](entries, forwards); scanned != nil {
			// Nothing in the window was live; advance past it anyway so
			// the in-block re-read makes progress.
			boundary = scanned
		}
	}
	return page, nil
}

// lastScanned returns the directionally last key of a read window.
func lastScanned[K cmp.Ordered](entries []store.MapEntry, forwards bool) *K {
	for i := range entries {
		j := len(entries) - 1 - i
		if !forwards {
			j = i
		}
		if k, ok := decodeKey[K](entries[j].Key); ok {
			return &k
		}
	}
	return nil
}

func remainingOf(maxToFetch, have int) int {
	if maxToFetch <= 0 {
		return math.MaxInt
	}
	return maxToFetch - have
}

// readBlock reads one directional map slice plus both link pointers in a
// single atomic op.
func (m *SortedMap[K]) readBlock(ctx context.Context, blockKey *store.Key, op *store.Operation) (*store.Record, error) {
	return m.store.Operate(ctx, nil, blockKey, op,
		store.GetOp(m.options.BlockMapNextBin),
		store.GetOp(m.options.BlockMapPrevBin))
}

// readOp builds the map read for one block visit and returns how many entries
// it can yield at most — the exhaustion signal for the walk. A count of <= 0
// asks for everything in scan direction.
func (m *SortedMap[K]) readOp(firstKey *K, includeFirst, forwards bool, count int) (*store.Operation, int) {
	bin := m.options.BlockMapBin
	if firstKey == nil {
		if count <= 0 {
			return store.MapGetByIndexRangeOp(bin, 0, store.TypeKeyValue), math.MaxInt
		}
		if forwards {
			return store.MapGetByIndexRangeCountOp(bin, 0, count, store.TypeKeyValue), count
		}
		return store.MapGetByIndexRangeCountOp(bin, -count, count, store.TypeKeyValue), count
	}
	if forwards {
		if count > 0 {
			return store.MapGetByKeyRelativeIndexRangeCountOp(bin, *firstKey, 0, count+1, store.TypeKeyValue), count + 1
		}
		offset := 1
		if includeFirst {
			offset = 0
		}
		return store.MapGetByKeyRelativeIndexRangeOp(bin, *firstKey, offset, store.TypeKeyValue), math.MaxInt
	}
	if count > 0 {
		return store.MapGetByKeyRelativeIndexRangeCountOp(bin, *firstKey, -count, count+1, store.TypeKeyValue), count + 1
	}
	// Unbounded backwards: everything before the boundary, selected by
	// inverting the at-or-above range.
	offset := 0
	if includeFirst {
		offset = 1
	}
	return store.MapGetByKeyRelativeIndexRangeOp(bin, *firstKey, offset, store.TypeKeyValue|store.TypeInverted), math.MaxInt
}

// appendLive appends the digests of entries that pass the directional
// boundary predicate and have not expired, in scan order, stopping at
// maxToFetch. Returns the last appended key, or nil when none qualified.
func (m *SortedMap[K]) appendLive(page *digestPage[K], entries []store.MapEntry, forwards bool, nowMs int64, maxToFetch int, includeFirst bool, boundary *K) *K {
	var lastRead *K
	i := 0
	if !forwards {
		i = len(entries) - 1
	}
	for i >= 0 && i < len(entries) {
		entry := entries[i]
		if forwards {
			i++
		} else {
			i--
		}
		key, ok := decodeKey[K](entry.Key)
		if !ok {
			continue
		}
		if boundary != nil {
			c := cmp.Compare(key, *boundary)
			if (c == 0 && !includeFirst) || (forwards && c < 0) || (!forwards && c > 0) {
				continue
			}
		}
		expiry, digest, ok := blockEntryData(entry.Value)
		if !ok || expiry <= nowMs {
			continue
		}
		page.digests = append(page.digests, digest)
		k := key
		lastRead = &k
		if maxToFetch > 0 && len(page.digests) >= maxToFetch {
			break
		}
	}
	return lastRead
}

// blockEntryData unpacks a block map value [expiryEpochMs, digest].
func blockEntryData(v any) (int64, []byte, bool) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return 0, nil, false
	}
	digest, ok := pair[1].([]byte)
	if !ok {
		return 0, nil, false
	}
	return asInt64(pair[0]), digest, true
}

// decodeKey converts a stored map key back to the sort key type. Stored keys
// are strings or int64s; K must be one of string, int or int64.
func decodeKey[K cmp.Ordered](v any) (K, bool) {
	var zero K
	switch any(zero).(type) {
	case string:
		s, ok := v.(string)
		if !ok {
			return zero, false
		}
		return any(s).(K), true
	case int64:
		n, ok := v.(int64)
		if !ok {
			return zero, false
		}
		return any(n).(K), true
	case int:
		n, ok := v.(int64)
		if !ok {
			return zero, false
		}
		return any(int(n)).(K), true
	default:
		return zero, false
	}
}
