package observability

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestRecordColumnConcurrent tests concurrent RecordColumn calls for race conditions.
func TestRecordColumnConcurrent(t *testing.T) {
	cs := NewColumnStats()
	var wg sync.WaitGroup
	numGoroutines := 10
	recordsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < recordsPerGoroutine; j++ {
				cs.RecordColumn("response", "warc_target_uri")
				cs.RecordColumn("response", "content_length")
				cs.RecordColumn("request", "warc_target_uri")
			}
		}()
	}
	wg.Wait()

	top := cs.TopColumns(10)
	if len(top) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(top))
	}
	expectedFreq := int64(numGoroutines * recordsPerGoroutine)
	for _, stat := range top {
		if stat.Frequency != expectedFreq {
			t.Errorf("expected frequency %d for %s, got %d", expectedFreq, stat.Key(), stat.Frequency)
		}
	}
}

func TestTopOrdering(t *testing.T) {
	cs := NewColumnStats()
	for i := 0; i < 10; i++ {
		cs.RecordColumn("response", "warc_date")
	}
	for i := 0; i < 20; i++ {
		cs.RecordColumn("response", "content_type")
	}
	for i := 0; i < 10; i++ {
		cs.RecordColumn("request", "warc_date")
	}

	var got []string
	for _, s := range cs.TopColumns(3) {
		got = append(got, s.Key())
	}
	// Ties are broken by key.
	want := []string{"response.content_type", "request.warc_date", "response.warc_date"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ordering mismatch (-want +got):\n%s", diff)
	}

	if n := len(cs.TopColumns(1)); n != 1 {
		t.Errorf("TopColumns(1) returned %d entries", n)
	}
	if n := len(cs.TopColumns(0)); n != 0 {
		t.Errorf("TopColumns(0) returned %d entries", n)
	}
}

func TestRecordCoercion(t *testing.T) {
	cs := NewColumnStats()
	cs.RecordCoercion("response", "content_length", "42 bytes")
	cs.RecordCoercion("response", "content_length", "n/a")
	cs.RecordCoercion("warcinfo", "warc_date", "yesterday")

	if got := cs.Coercions(); got != 3 {
		t.Errorf("Coercions() = %d, want 3", got)
	}
	top := cs.TopCoercions(1)
	if len(top) != 1 || top[0].Key() != "response.content_length" || top[0].Frequency != 2 {
		t.Fatalf("unexpected top coercions: %+v", top)
	}
	if top[0].Sample != "42 bytes" {
		t.Errorf("Sample = %q, want the first value recorded", top[0].Sample)
	}
	if len(cs.TopColumns(5)) != 0 {
		t.Error("coercions should not count as populated columns")
	}
}

func TestTopReturnsCopies(t *testing.T) {
	cs := NewColumnStats()
	cs.RecordColumn("response", "warc_date")
	top := cs.TopColumns(1)
	top[0].Frequency = 100

	if cs.TopColumns(1)[0].Frequency != 1 {
		t.Error("modifying returned stats should not affect the tracker")
	}
}
