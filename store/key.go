package store

import (
	"encoding/binary"
	"fmt"

	// Digests must stay byte-compatible with the store's RIPEMD-160
	// record digests.
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck
)

// Particle type markers folded into the digest, matching the wire types the
// store assigns to key values.
const (
	particleInteger byte = 1
	particleString  byte = 3
	particleBlob    byte = 4
)

// Key identifies a record by namespace, set and either a user key or a
// precomputed digest. The digest is the store's content-independent record
// identifier: RIPEMD-160 over set name, particle type and key bytes.
type Key struct {
	Namespace string
	SetName   string
	// UserKey is nil for digest-only keys.
	UserKey any

	digest []byte
}

// NewKey builds a Key from a user key, computing its digest. The user key must
// be a string, an integer or a byte slice.
func NewKey(namespace, setName string, userKey any) (*Key, error) {
	var typ byte
	var buf []byte
	switch v := normalizeValue(userKey).(type) {
	case string:
		typ = particleString
		buf = []byte(v)
	case int64:
		typ = particleInteger
		buf = make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v))
	case []byte:
		typ = particleBlob
		buf = v
	default:
		return nil, fmt.Errorf("unsupported key type %T", userKey)
	}
	h := ripemd160.New()
	h.Write([]byte(setName))
	h.Write([]byte{typ})
	h.Write(buf)
	return &Key{
		Namespace: namespace,
		SetName:   setName,
		UserKey:   normalizeValue(userKey),
		digest:    h.Sum(nil),
	}, nil
}

// NewKeyWithDigest builds a digest-only Key for direct record fetches, e.g.
// from digests read out of an index block.
func NewKeyWithDigest(namespace, setName string, digest []byte) *Key {
	return &Key{Namespace: namespace, SetName: setName, digest: digest}
}

// Digest returns the record digest bytes.
func (k *Key) Digest() []byte {
	return k.digest
}

func (k *Key) String() string {
	return fmt.Sprintf("%s:%s:%v", k.Namespace, k.SetName, k.UserKey)
}

// normalizeValue maps all integer widths onto int64 so values compare and
// round-trip consistently across backends.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case []any:
		out := make([]any, len(n))
		for i := range n {
			out[i] = normalizeValue(n[i])
		}
		return out
	default:
		return v
	}
}

// NormalizeValue is the exported form used by backends when ingesting caller
// supplied values.
func NormalizeValue(v any) any {
	return normalizeValue(v)
}
