package store

import (
	"bytes"
	"testing"
)

func TestDigestsAreReproducible(t *testing.T) {
	a, err := NewKey("ns", "set", "Fred")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	b, err := NewKey("ns", "set", "Fred")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if !bytes.Equal(a.Digest(), b.Digest()) {
		t.Errorf("same key produced different digests")
	}
	if len(a.Digest()) != 20 {
		t.Errorf("digest length = %d, want 20", len(a.Digest()))
	}

	c, err := NewKey("ns", "other", "Fred")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if bytes.Equal(a.Digest(), c.Digest()) {
		t.Errorf("different sets should produce different digests")
	}
}

func TestDigestDistinguishesKeyTypes(t *testing.T) {
	asString, err := NewKey("ns", "set", "1")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	asInt, err := NewKey("ns", "set", 1)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if bytes.Equal(asString.Digest(), asInt.Digest()) {
		t.Errorf("string and integer keys should not collide")
	}
}

func TestIntegerKeysNormalize(t *testing.T) {
	a, err := NewKey("ns", "set", int32(7))
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	b, err := NewKey("ns", "set", int64(7))
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if !bytes.Equal(a.Digest(), b.Digest()) {
		t.Errorf("integer widths should normalize to one digest")
	}
	if _, ok := a.UserKey.(int64); !ok {
		t.Errorf("user key normalized to %T, want int64", a.UserKey)
	}
}

func TestNewKeyRejectsUnsupportedTypes(t *testing.T) {
	if _, err := NewKey("ns", "set", 3.14); err == nil {
		t.Errorf("float keys should be rejected")
	}
}

func TestCompareValuesOrdering(t *testing.T) {
	cases := []struct {
		a, b any
		want int
	}{
		{int64(1), int64(2), -1},
		{int64(2), int64(1), 1},
		{int64(5), int64(5), 0},
		{"a", "b", -1},
		{int64(999), "a", -1},  // integers rank below strings
		{"￿", int64(1), 1}, // the delete sentinel tops integers too
		{[]any{"x", int64(1)}, []any{"x", int64(2)}, -1},
		{[]any{"x"}, []any{"x", int64(2)}, -1},
		{"abc", []any{}, -1}, // strings rank below lists
	}
	for _, tc := range cases {
		got := CompareValues(NormalizeValue(tc.a), NormalizeValue(tc.b))
		switch {
		case tc.want < 0 && got >= 0,
			tc.want > 0 && got <= 0,
			tc.want == 0 && got != 0:
			t.Errorf("CompareValues(%v, %v) = %d, want sign %d", tc.a, tc.b, got, tc.want)
		}
	}
}
