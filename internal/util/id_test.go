package util

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewIDIsTimeOrderedUUID(t *testing.T) {
	first := NewID()
	second := NewID()
	parsed, err := uuid.Parse(first)
	if err != nil {
		t.Fatalf("parse id %q: %v", first, err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("uuid version = %d, want 7", parsed.Version())
	}
	if first == second {
		t.Fatalf("ids must be unique")
	}
	if second < first {
		t.Fatalf("ids should sort by creation: %q before %q", second, first)
	}
}
