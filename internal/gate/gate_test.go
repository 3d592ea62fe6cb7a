package gate

import (
	"testing"
	"time"

	"spot-matching-core/internal/models"
)

func TestMemoryGate_ClaimOnce(t *testing.T) {
	g := NewMemoryGate(time.Minute)

	fresh, err := g.Claim("key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fresh {
		t.Error("first claim should be fresh")
	}

	fresh, err = g.Claim("key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh {
		t.Error("second claim of the same key should not be fresh")
	}

	fresh, _ = g.Claim("key-2")
	if !fresh {
		t.Error("a different key should claim independently")
	}
}

func TestMemoryGate_EmptyKey(t *testing.T) {
	g := NewMemoryGate(time.Minute)

	fresh, err := g.Claim("")
	if fresh {
		t.Error("empty key must never claim")
	}
	if !models.IsKind(err, models.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestMemoryGate_TTLExpiry(t *testing.T) {
	g := NewMemoryGate(20 * time.Millisecond)

	if fresh, _ := g.Claim("key"); !fresh {
		t.Fatal("first claim should be fresh")
	}
	if fresh, _ := g.Claim("key"); fresh {
		t.Fatal("claim within TTL should be a duplicate")
	}

	time.Sleep(40 * time.Millisecond)

	if fresh, _ := g.Claim("key"); !fresh {
		t.Error("claim after TTL expiry should be fresh again")
	}
}
