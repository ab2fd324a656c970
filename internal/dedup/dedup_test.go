package dedup

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewRejectsZeroLimit(t *testing.T) {
	for _, limit := range []int{0, -1} {
		if _, err := New(limit, nil); err == nil {
			t.Errorf("New(%d): expected error, got nil", limit)
		}
	}
}

func TestRecordEvictsOldest(t *testing.T) {
	var evicted []string
	s, err := New(2, func(id string) { evicted = append(evicted, id) })
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	s.Record("a")
	s.Record("b")
	s.Record("c")

	if diff := cmp.Diff([]string{"b", "c"}, s.IDs()); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
	if s.Seen("a") {
		t.Error("expected evicted id to report seen=false")
	}
	if diff := cmp.Diff([]string{"a"}, evicted); diff != "" {
		t.Errorf("evicted mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	tests := []struct {
		name    string
		records []string
		next    string
		want    []string
	}{
		{
			name:    "repeat newest",
			records: []string{"a", "b", "b"},
			next:    "c",
			want:    []string{"b", "c"},
		},
		{
			name:    "repeat oldest does not refresh it",
			records: []string{"a", "b", "a"},
			next:    "c",
			want:    []string{"b", "c"},
		},
		{
			name:    "checking does not refresh",
			records: []string{"a", "b"},
			next:    "c",
			want:    []string{"b", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(2, nil)
			if err != nil {
				t.Fatalf("new store: %v", err)
			}
			for _, id := range tt.records {
				s.Record(id)
				if !s.Seen(id) {
					t.Fatalf("expected %q to be seen right after record", id)
				}
			}
			_ = s.Seen("a")
			s.Record(tt.next)

			if diff := cmp.Diff(tt.want, s.IDs()); diff != "" {
				t.Errorf("IDs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSizeNeverExceedsLimit(t *testing.T) {
	for _, limit := range []int{1, 3, 10} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			s, err := New(limit, nil)
			if err != nil {
				t.Fatalf("new store: %v", err)
			}
			for i := range 50 {
				s.Record(fmt.Sprintf("id-%d", i%17))
				if s.Len() > limit {
					t.Fatalf("size %d exceeds limit %d after %d records", s.Len(), limit, i+1)
				}
			}
		})
	}
}

func TestRestoreKeepsNewest(t *testing.T) {
	s, err := New(3, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	s.Restore([]string{"a", "b", "c", "d", "b"})

	if diff := cmp.Diff([]string{"b", "c", "d"}, s.IDs()); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
}
