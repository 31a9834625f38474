package idgen_test

import (
	"strings"
	"testing"

	"github.com/hazyhaar/jurisync/idgen"
)

func TestUUIDv7Unique(t *testing.T) {
	gen := idgen.UUIDv7()
	seen := make(map[string]bool)
	for range 1000 {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestPrefixed(t *testing.T) {
	gen := idgen.Prefixed("job_", idgen.Default)
	id := gen()
	if !strings.HasPrefix(id, "job_") {
		t.Fatalf("id %q missing prefix", id)
	}
	if _, err := idgen.Parse(strings.TrimPrefix(id, "job_")); err != nil {
		t.Fatalf("suffix is not a UUID: %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := idgen.Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error")
	}
}
