package domain

import "testing"

func TestFingerprintOf_DeterministicAndDistinct(t *testing.T) {
	a := FingerprintOf("openid-1", "hello")
	b := FingerprintOf("openid-1", "hello")
	if a != b {
		t.Fatalf("fingerprint not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}

	if FingerprintOf("openid-2", "hello") == a {
		t.Fatalf("different senders must not collide")
	}
	if FingerprintOf("openid-1", "other") == a {
		t.Fatalf("different content must not collide")
	}
}

// The separator keeps (source, content) boundaries unambiguous.
func TestFingerprintOf_BoundaryUnambiguous(t *testing.T) {
	if FingerprintOf("ab", "c") == FingerprintOf("a", "bc") {
		t.Fatalf("concatenation ambiguity")
	}
}
