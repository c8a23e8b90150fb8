package subkeys

import (
	"log/slog"
	"time"

	"github.com/sharedcode/subkeys/store"
)

// Options configures a SortedMap. The zero value is not usable; start from
// DefaultOptions.
type Options struct {
	// RootMapNamespace is where root-map records live. Empty means the
	// parent key's namespace. A memory-resident namespace is a good fit:
	// the root map is rebuildable.
	RootMapNamespace string
	// RootMapSet is the set for root-map records. Empty means the parent
	// key's set plus "-meta".
	RootMapSet string
	// RootMapBin holds the root map.
	RootMapBin string

	// Block record layout.
	BlockMapBin     string
	BlockMapNextBin string
	BlockMapPrevBin string

	// MaxElementsPerBlock is the split threshold. Pick it so splits are
	// rare but a full block stays under the store's record size cap.
	MaxElementsPerBlock int

	// SendKey persists user keys alongside digests.
	SendKey bool

	// MaxLockTime is the advisory-lock lease. It must exceed the worst
	// case duration of a single lock-scoped operation, or a lagging
	// holder could complete a write after takeover.
	MaxLockTime time.Duration

	// LockRetryInterval is the poll interval while waiting on a held
	// lock.
	LockRetryInterval time.Duration

	// Logger receives the index's debug output (splits, chain hops,
	// lease takeovers). Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the defaults: 10000 elements per block, 100ms lock
// lease, 1ms lock retry, conventional bin names.
func DefaultOptions() Options {
	return Options{
		RootMapBin:          "map",
		BlockMapBin:         "map",
		BlockMapNextBin:     "next",
		BlockMapPrevBin:     "prev",
		MaxElementsPerBlock: 10000,
		MaxLockTime:         100 * time.Millisecond,
		LockRetryInterval:   time.Millisecond,
	}
}

func (o Options) rootNamespaceFor(key *store.Key) string {
	if o.RootMapNamespace == "" {
		return key.Namespace
	}
	return o.RootMapNamespace
}

func (o Options) rootSetFor(key *store.Key) string {
	if o.RootMapSet == "" {
		return key.SetName + metaSetSuffix
	}
	return o.RootMapSet
}
