package subkeys

import (
	"testing"

	"github.com/sharedcode/subkeys/store"
)

func TestSplitEntries(t *testing.T) {
	keys := []string{"11111", "12345", "22222", "45454", "66777", "88888", "98763"}
	entries := make([]store.MapEntry, len(keys))
	for i, k := range keys {
		entries[i] = store.MapEntry{Key: k, Value: "test" + k}
	}

	first, second, splitMin := splitEntries(entries)
	if len(first) != 4 {
		t.Errorf("first half has %d entries, want 4", len(first))
	}
	if len(second) != 3 {
		t.Errorf("second half has %d entries, want 3", len(second))
	}
	if splitMin != "66777" {
		t.Errorf("split minimum = %v, want 66777", splitMin)
	}
	for _, e := range first {
		if e.Key.(string) >= "66777" {
			t.Errorf("first-half key %v should be less than the split minimum", e.Key)
		}
	}
	for _, e := range second {
		if e.Key.(string) < "66777" {
			t.Errorf("second-half key %v should not be less than the split minimum", e.Key)
		}
	}
}

func TestSplitEntriesTooSmall(t *testing.T) {
	first, second, splitMin := splitEntries([]store.MapEntry{{Key: "a", Value: "b"}})
	if first != nil || second != nil || splitMin != nil {
		t.Errorf("single-entry map should not split")
	}
}
