package subkeys

import (
	"context"
	"testing"

	"github.com/sharedcode/subkeys/inmemory"
	"github.com/sharedcode/subkeys/store"
)

// An ad-tech style inversion: user records carry their segments, and a
// per-segment index sorted by email points back at the user records through
// their digests.
func TestSegmentInversion(t *testing.T) {
	s := inmemory.New()
	opts := DefaultOptions()
	opts.MaxElementsPerBlock = 100
	segments := New[string](s, opts)
	ctx := context.Background()

	users := []struct {
		name, email string
		segments    []string
	}{
		{"Tim", "tim@example.com", []string{"DOGS", "CATS"}},
		{"Fred", "fred@example.com", []string{"DOGS"}},
		{"John", "john@example.com", []string{"DOGS", "FISH"}},
		{"Mary", "mary@example.com", []string{"CATS"}},
	}

	for _, u := range users {
		userKey, err := store.NewKey("test", "users", u.name)
		if err != nil {
			t.Fatalf("NewKey: %v", err)
		}
		if err := s.Put(ctx, nil, userKey,
			store.NewBin("name", u.name),
			store.NewBin("email", u.email)); err != nil {
			t.Fatalf("storing user: %v", err)
		}
		for _, seg := range u.segments {
			segKey, err := store.NewKey("test", "users", seg)
			if err != nil {
				t.Fatalf("NewKey: %v", err)
			}
			if err := segments.PutWithDataKey(ctx, segKey, u.email, nil, userKey); err != nil {
				t.Fatalf("indexing %s in %s: %v", u.name, seg, err)
			}
		}
	}

	segKey, err := store.NewKey("test", "users", "DOGS")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	results, err := segments.GetRange(ctx, segKey, nil, true, true, 100)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if len(results.Records) != 3 {
		t.Fatalf("DOGS has %d members, want 3", len(results.Records))
	}
	wantEmails := []string{"fred@example.com", "john@example.com", "tim@example.com"}
	for i, want := range wantEmails {
		rec := results.Records[i]
		if rec == nil {
			t.Fatalf("member %d is nil", i)
		}
		if got := rec.GetString("email"); got != want {
			t.Errorf("member %d email = %q, want %q", i, got, want)
		}
	}

	// Dropping a user from the segment must not touch the user record.
	if removed, err := segments.Delete(ctx, segKey, "fred@example.com", nil); err != nil || !removed {
		t.Fatalf("Delete = (%v, %v)", removed, err)
	}
	results, err = segments.GetRange(ctx, segKey, nil, true, true, 100)
	if err != nil {
		t.Fatalf("GetRange after delete: %v", err)
	}
	if len(results.Records) != 2 {
		t.Fatalf("DOGS has %d members after delete, want 2", len(results.Records))
	}
	fredKey, _ := store.NewKey("test", "users", "Fred")
	if rec, err := s.Get(ctx, fredKey); err != nil || rec == nil {
		t.Errorf("user record should survive segment removal: (%v, %v)", rec, err)
	}
}
