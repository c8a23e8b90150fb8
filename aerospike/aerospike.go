// Package aerospike adapts the store contract onto the Aerospike Go client.
// The mapping is mechanical: contract operations correspond one to one to
// client operations, errors carry the native result codes, and map results
// are normalized into the contract's entry and integer shapes.
package aerospike

import (
	"context"
	"sort"

	as "github.com/aerospike/aerospike-client-go/v8"
	astypes "github.com/aerospike/aerospike-client-go/v8/types"

	"github.com/sharedcode/subkeys/store"
)

// Store wraps an Aerospike client as a store.Store. The caller owns the
// client's lifecycle.
type Store struct {
	client *as.Client
}

// NewStore wraps client.
func NewStore(client *as.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Operate(ctx context.Context, policy *store.WritePolicy, key *store.Key, ops ...*store.Operation) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := asKey(key)
	if err != nil {
		return nil, err
	}
	asOps := make([]*as.Operation, len(ops))
	for i, op := range ops {
		asOps[i] = asOperation(op)
	}
	rec, aerr := s.client.Operate(asWritePolicy(policy), k, asOps...)
	if aerr != nil {
		if !hasWriteOp(ops) && aerr.Matches(astypes.KEY_NOT_FOUND_ERROR) {
			return nil, nil
		}
		return nil, wrapError(aerr)
	}
	return fromRecord(key, rec), nil
}

func (s *Store) Get(ctx context.Context, key *store.Key, binNames ...string) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := asKey(key)
	if err != nil {
		return nil, err
	}
	rec, aerr := s.client.Get(nil, k, binNames...)
	if aerr != nil {
		if aerr.Matches(astypes.KEY_NOT_FOUND_ERROR) {
			return nil, nil
		}
		return nil, wrapError(aerr)
	}
	return fromRecord(key, rec), nil
}

func (s *Store) Put(ctx context.Context, policy *store.WritePolicy, key *store.Key, bins ...store.Bin) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := asKey(key)
	if err != nil {
		return err
	}
	asBins := make([]*as.Bin, len(bins))
	for i, b := range bins {
		asBins[i] = as.NewBin(b.Name, b.Value)
	}
	if aerr := s.client.PutBins(asWritePolicy(policy), k, asBins...); aerr != nil {
		return wrapError(aerr)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, policy *store.WritePolicy, key *store.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k, err := asKey(key)
	if err != nil {
		return false, err
	}
	existed, aerr := s.client.Delete(asWritePolicy(policy), k)
	if aerr != nil {
		return false, wrapError(aerr)
	}
	return existed, nil
}

func (s *Store) BatchGet(ctx context.Context, keys []*store.Key) ([]*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	asKeys := make([]*as.Key, len(keys))
	for i, k := range keys {
		ak, err := asKey(k)
		if err != nil {
			return nil, err
		}
		asKeys[i] = ak
	}
	recs, aerr := s.client.BatchGet(nil, asKeys)
	if aerr != nil {
		return nil, wrapError(aerr)
	}
	out := make([]*store.Record, len(recs))
	for i, r := range recs {
		if r != nil {
			out[i] = fromRecord(keys[i], r)
		}
	}
	return out, nil
}

func asKey(key *store.Key) (*as.Key, error) {
	if key.UserKey == nil {
		k, aerr := as.NewKeyWithDigest(key.Namespace, key.SetName, nil, key.Digest())
		if aerr != nil {
			return nil, wrapError(aerr)
		}
		return k, nil
	}
	k, aerr := as.NewKey(key.Namespace, key.SetName, key.UserKey)
	if aerr != nil {
		return nil, wrapError(aerr)
	}
	return k, nil
}

func asWritePolicy(p *store.WritePolicy) *as.WritePolicy {
	if p == nil {
		return nil
	}
	wp := as.NewWritePolicy(0, 0)
	switch p.RecordExistsAction {
	case store.UpdateOnly:
		wp.RecordExistsAction = as.UPDATE_ONLY
	case store.CreateOnly:
		wp.RecordExistsAction = as.CREATE_ONLY
	default:
		wp.RecordExistsAction = as.UPDATE
	}
	if p.GenerationPolicy == store.ExpectGenEqual {
		wp.GenerationPolicy = as.EXPECT_GEN_EQUAL
		wp.Generation = p.Generation
	}
	if p.Expiration > 0 {
		wp.Expiration = uint32(p.Expiration)
	}
	wp.SendKey = p.SendKey
	if p.MaxRetries > 0 {
		wp.MaxRetries = p.MaxRetries
	}
	if p.SleepBetweenRetries > 0 {
		wp.SleepBetweenRetries = p.SleepBetweenRetries
	}
	if p.TotalTimeout > 0 {
		wp.TotalTimeout = p.TotalTimeout
	}
	return wp
}

func asMapPolicy(p *store.MapPolicy) *as.MapPolicy {
	order := as.MapOrder.UNORDERED
	flags := store.MapWriteFlagsDefault
	if p != nil {
		switch p.Order {
		case store.KeyOrdered:
			order = as.MapOrder.KEY_ORDERED
		case store.KeyValueOrdered:
			order = as.MapOrder.KEY_VALUE_ORDERED
		}
		flags = p.Flags
	}
	asFlags := as.MapWriteFlagsDefault
	if flags&store.MapWriteFlagsCreateOnly != 0 {
		asFlags |= as.MapWriteFlagsCreateOnly
	}
	if flags&store.MapWriteFlagsUpdateOnly != 0 {
		asFlags |= as.MapWriteFlagsUpdateOnly
	}
	return as.NewMapPolicyWithFlags(order, asFlags)
}

// The client keeps its map-return-type Go type unexported, so the contract
// mapping is built generically and bound through type inference.
func makeReturnTypeMapper[T ~int](none, index, key, value, keyValue, rank, inverted T) func(store.ReturnType) T {
	return func(rt store.ReturnType) T {
		var out T
		switch rt &^ store.TypeInverted {
		case store.TypeIndex:
			out = index
		case store.TypeKey:
			out = key
		case store.TypeValue:
			out = value
		case store.TypeKeyValue:
			out = keyValue
		case store.TypeRank:
			out = rank
		default:
			out = none
		}
		if rt&store.TypeInverted != 0 {
			out |= inverted
		}
		return out
	}
}

var rtOf = makeReturnTypeMapper(
	as.MapReturnType.NONE,
	as.MapReturnType.INDEX,
	as.MapReturnType.KEY,
	as.MapReturnType.VALUE,
	as.MapReturnType.KEY_VALUE,
	as.MapReturnType.RANK,
	as.MapReturnType.INVERTED)

func asOperation(op *store.Operation) *as.Operation {
	bin := op.BinName
	switch op.Type {
	case store.OpGet:
		return as.GetBinOp(bin)
	case store.OpPut:
		return as.PutOp(as.NewBin(bin, op.Value))
	case store.OpAdd:
		return as.AddOp(as.NewBin(bin, op.Value))
	case store.OpMapPut:
		return as.MapPutOp(asMapPolicy(op.MapPolicy), bin, op.Key, op.Value)
	case store.OpMapPutItems:
		items := make(map[interface{}]interface{}, len(op.Items))
		for _, e := range op.Items {
			items[e.Key] = e.Value
		}
		return as.MapPutItemsOp(asMapPolicy(op.MapPolicy), bin, items)
	case store.OpMapSize:
		return as.MapSizeOp(bin)
	case store.OpMapClear:
		return as.MapClearOp(bin)
	case store.OpMapGetByKey:
		return as.MapGetByKeyOp(bin, op.Key, rtOf(op.ReturnType))
	case store.OpMapGetByIndex:
		return as.MapGetByIndexOp(bin, op.Index, rtOf(op.ReturnType))
	case store.OpMapGetByIndexRange:
		if op.HasCount {
			return as.MapGetByIndexRangeCountOp(bin, op.Index, op.Count, rtOf(op.ReturnType))
		}
		return as.MapGetByIndexRangeOp(bin, op.Index, rtOf(op.ReturnType))
	case store.OpMapGetByKeyRelativeIndexRange:
		if op.HasCount {
			return as.MapGetByKeyRelativeIndexRangeCountOp(bin, op.Key, op.Index, op.Count, rtOf(op.ReturnType))
		}
		return as.MapGetByKeyRelativeIndexRangeOp(bin, op.Key, op.Index, rtOf(op.ReturnType))
	case store.OpMapRemoveByKey:
		return as.MapRemoveByKeyOp(bin, op.Key, rtOf(op.ReturnType))
	case store.OpMapRemoveByValue:
		return as.MapRemoveByValueOp(bin, op.Value, rtOf(op.ReturnType))
	case store.OpMapRemoveByValueRange:
		return as.MapRemoveByValueRangeOp(bin, op.Value, op.Value2, rtOf(op.ReturnType))
	}
	return nil
}

func hasWriteOp(ops []*store.Operation) bool {
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

func fromRecord(key *store.Key, rec *as.Record) *store.Record {
	bins := store.BinMap{}
	for name, v := range rec.Bins {
		bins[name] = fromValue(v)
	}
	return &store.Record{Key: key, Bins: bins, Generation: rec.Generation}
}

// fromValue normalizes client result values into the contract's shapes:
// integers widen to int64, KEY_VALUE results become []store.MapEntry, and
// whole-map reads are re-sorted into entry order (the client hands maps back
// as unordered Go maps).
func fromValue(v interface{}) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case []as.MapPair:
		out := make([]store.MapEntry, len(val))
		for i, p := range val {
			out[i] = store.MapEntry{Key: fromValue(p.Key), Value: fromValue(p.Value)}
		}
		return out
	case map[interface{}]interface{}:
		out := make([]store.MapEntry, 0, len(val))
		for k, mv := range val {
			out = append(out, store.MapEntry{Key: fromValue(k), Value: fromValue(mv)})
		}
		sort.Slice(out, func(i, j int) bool {
			return store.CompareValues(out[i].Key, out[j].Key) < 0
		})
		return out
	case []interface{}:
		out := make([]any, len(val))
		for i := range val {
			out[i] = fromValue(val[i])
		}
		return out
	default:
		return store.NormalizeValue(v)
	}
}

func wrapError(aerr as.Error) error {
	switch {
	case aerr.Matches(astypes.KEY_NOT_FOUND_ERROR):
		return store.WrapError(store.ResultKeyNotFound, aerr)
	case aerr.Matches(astypes.KEY_EXISTS_ERROR):
		return store.WrapError(store.ResultKeyExists, aerr)
	case aerr.Matches(astypes.GENERATION_ERROR):
		return store.WrapError(store.ResultGenerationError, aerr)
	case aerr.Matches(astypes.FAIL_ELEMENT_EXISTS):
		return store.WrapError(store.ResultElementExists, aerr)
	case aerr.Matches(astypes.FAIL_ELEMENT_NOT_FOUND):
		return store.WrapError(store.ResultElementNotFound, aerr)
	case aerr.Matches(astypes.TIMEOUT):
		return store.WrapError(store.ResultTimeout, aerr)
	case aerr.Matches(astypes.PARAMETER_ERROR):
		return store.WrapError(store.ResultParameterError, aerr)
	default:
		return aerr
	}
}
