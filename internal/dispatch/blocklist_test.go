package dispatch

import "testing"

func TestBlocklist_IsBlocked(t *testing.T) {
	b := NewBlocklist([]string{"Evil.example.com", " other.example.com "})

	if !b.IsBlocked("evil.example.com") {
		t.Error("expected evil.example.com to be blocked (case-insensitive)")
	}
	if !b.IsBlocked("other.example.com") {
		t.Error("expected other.example.com to be blocked (trimmed)")
	}
	if b.IsBlocked("safe.example.com") {
		t.Error("expected safe.example.com to not be blocked")
	}
}

func TestBlocklist_NilReceiverNeverBlocks(t *testing.T) {
	var b *Blocklist
	if b.IsBlocked("anything.example.com") {
		t.Error("nil blocklist should never report a host as blocked")
	}
}
