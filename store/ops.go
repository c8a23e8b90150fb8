package store

// OpType discriminates the operations a backend must support.
type OpType int

const (
	OpGet OpType = iota
	OpPut
	OpAdd
	OpMapPut
	OpMapPutItems
	OpMapSize
	OpMapClear
	OpMapGetByKey
	OpMapGetByIndex
	OpMapGetByIndexRange
	OpMapGetByKeyRelativeIndexRange
	OpMapRemoveByKey
	OpMapRemoveByValue
	OpMapRemoveByValueRange
)

// MapOrder is the ordering of a map bin.
type MapOrder int

const (
	Unordered MapOrder = iota
	KeyOrdered
	KeyValueOrdered
)

// Map write flags, combinable.
const (
	MapWriteFlagsDefault    = 0
	MapWriteFlagsCreateOnly = 1
	MapWriteFlagsUpdateOnly = 2
)

// MapPolicy qualifies map mutations.
type MapPolicy struct {
	Order MapOrder
	Flags int
}

// NewMapPolicy returns a MapPolicy with the given order and write flags.
func NewMapPolicy(order MapOrder, flags int) *MapPolicy {
	return &MapPolicy{Order: order, Flags: flags}
}

// ReturnType selects what a map operation yields. TypeInverted flags the
// selection to be complemented before the return type is applied.
type ReturnType int

const (
	TypeNone     ReturnType = 0
	TypeIndex    ReturnType = 1
	TypeKey      ReturnType = 2
	TypeValue    ReturnType = 3
	TypeKeyValue ReturnType = 4
	TypeRank     ReturnType = 5

	TypeInverted ReturnType = 0x10000
)

// Operation is one step of an atomic multi-op. Build them with the
// constructors below; backends interpret the fields per Type.
type Operation struct {
	Type      OpType
	BinName   string
	MapPolicy *MapPolicy

	Key    any
	Value  any
	Value2 any
	Items  []MapEntry

	Index    int
	Count    int
	HasCount bool

	ReturnType ReturnType
}

// GetOp reads a bin. A key-ordered map bin reads back as []MapEntry.
func GetOp(binName string) *Operation {
	return &Operation{Type: OpGet, BinName: binName}
}

// PutOp writes a bin.
func PutOp(bin Bin) *Operation {
	return &Operation{Type: OpPut, BinName: bin.Name, Value: NormalizeValue(bin.Value)}
}

// AddOp atomically adds an integer to a bin, creating it at zero when absent.
func AddOp(bin Bin) *Operation {
	return &Operation{Type: OpAdd, BinName: bin.Name, Value: NormalizeValue(bin.Value)}
}

// MapPutOp writes one map entry, honoring the policy's write flags. Yields
// the post-write element count.
func MapPutOp(policy *MapPolicy, binName string, key, value any) *Operation {
	return &Operation{Type: OpMapPut, BinName: binName, MapPolicy: policy,
		Key: NormalizeValue(key), Value: NormalizeValue(value)}
}

// MapPutItemsOp writes many map entries at once. Yields the post-write
// element count.
func MapPutItemsOp(policy *MapPolicy, binName string, items []MapEntry) *Operation {
	norm := make([]MapEntry, len(items))
	for i, e := range items {
		norm[i] = MapEntry{Key: NormalizeValue(e.Key), Value: NormalizeValue(e.Value)}
	}
	return &Operation{Type: OpMapPutItems, BinName: binName, MapPolicy: policy, Items: norm}
}

// MapSizeOp yields the map element count.
func MapSizeOp(binName string) *Operation {
	return &Operation{Type: OpMapSize, BinName: binName}
}

// MapClearOp removes every map entry. Yields nothing.
func MapClearOp(binName string) *Operation {
	return &Operation{Type: OpMapClear, BinName: binName}
}

// MapGetByKeyOp selects the entry with the exact key, when present.
func MapGetByKeyOp(binName string, key any, returnType ReturnType) *Operation {
	return &Operation{Type: OpMapGetByKey, BinName: binName, Key: NormalizeValue(key), ReturnType: returnType}
}

// MapGetByIndexOp selects the entry at the index; negative indexes count back
// from the end.
func MapGetByIndexOp(binName string, index int, returnType ReturnType) *Operation {
	return &Operation{Type: OpMapGetByIndex, BinName: binName, Index: index, ReturnType: returnType}
}

// MapGetByIndexRangeOp selects every entry from index to the end.
func MapGetByIndexRangeOp(binName string, index int, returnType ReturnType) *Operation {
	return &Operation{Type: OpMapGetByIndexRange, BinName: binName, Index: index, ReturnType: returnType}
}

// MapGetByIndexRangeCountOp selects count entries starting at index. The
// window is trimmed to the map bounds after resolving a negative index.
func MapGetByIndexRangeCountOp(binName string, index, count int, returnType ReturnType) *Operation {
	return &Operation{Type: OpMapGetByIndexRange, BinName: binName, Index: index, Count: count, HasCount: true, ReturnType: returnType}
}

// MapGetByKeyRelativeIndexRangeOp selects every entry from the key's nearest
// rank plus index to the end. The nearest rank of an absent key is the rank of
// the first greater key.
func MapGetByKeyRelativeIndexRangeOp(binName string, key any, index int, returnType ReturnType) *Operation {
	return &Operation{Type: OpMapGetByKeyRelativeIndexRange, BinName: binName,
		Key: NormalizeValue(key), Index: index, ReturnType: returnType}
}

// MapGetByKeyRelativeIndexRangeCountOp is the bounded form of
// MapGetByKeyRelativeIndexRangeOp.
func MapGetByKeyRelativeIndexRangeCountOp(binName string, key any, index, count int, returnType ReturnType) *Operation {
	return &Operation{Type: OpMapGetByKeyRelativeIndexRange, BinName: binName,
		Key: NormalizeValue(key), Index: index, Count: count, HasCount: true, ReturnType: returnType}
}

// MapRemoveByKeyOp removes the entry with the exact key. Yields -1 under
// TypeIndex when the key is absent.
func MapRemoveByKeyOp(binName string, key any, returnType ReturnType) *Operation {
	return &Operation{Type: OpMapRemoveByKey, BinName: binName, Key: NormalizeValue(key), ReturnType: returnType}
}

// MapRemoveByValueOp removes every entry holding the value.
func MapRemoveByValueOp(binName string, value any, returnType ReturnType) *Operation {
	return &Operation{Type: OpMapRemoveByValue, BinName: binName, Value: NormalizeValue(value), ReturnType: returnType}
}

// MapRemoveByValueRangeOp removes every entry whose value lies in
// [valueBegin, valueEnd).
func MapRemoveByValueRangeOp(binName string, valueBegin, valueEnd any, returnType ReturnType) *Operation {
	return &Operation{Type: OpMapRemoveByValueRange, BinName: binName,
		Value: NormalizeValue(valueBegin), Value2: NormalizeValue(valueEnd), ReturnType: returnType}
}
