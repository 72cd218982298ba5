package crypto

import (
	"strings"
	"testing"
)

func TestDeriveConversationKey_OrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"u_01", "u_02"},
		{"9f3c", "0a1b"},
		{"same", "same"},
	}
	for _, p := range pairs {
		k1 := DeriveConversationKey([]string{p[0], p[1]}, DefaultSalt)
		k2 := DeriveConversationKey([]string{p[1], p[0]}, DefaultSalt)
		if k1 != k2 {
			t.Fatalf("key differs by order for %q/%q: %s vs %s", p[0], p[1], k1, k2)
		}
		if k1 != DeriveConversationKey([]string{p[0], p[1]}, DefaultSalt) {
			t.Fatalf("key not stable across calls for %q/%q", p[0], p[1])
		}
		if len(k1) != 64 {
			t.Fatalf("expected 64 hex chars, got %d", len(k1))
		}
	}
}

func TestDeriveConversationKey_SaltSeparation(t *testing.T) {
	ids := []string{"alice", "bob"}
	if DeriveConversationKey(ids, "salt-a") == DeriveConversationKey(ids, "salt-b") {
		t.Fatal("different salts must yield different keys")
	}
}

func TestDeriveConversationKey_DoesNotMutateInput(t *testing.T) {
	ids := []string{"zeta", "alpha"}
	DeriveConversationKey(ids, DefaultSalt)
	if ids[0] != "zeta" || ids[1] != "alpha" {
		t.Fatalf("input slice mutated: %v", ids)
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := DeriveConversationKey([]string{"c1", "e1"}, DefaultSalt)
	plaintexts := []string{
		"Hello",
		"multi\nline\ncontent",
		"emoji 👍🏽 and unicode ñ",
		strings.Repeat("x", 8192),
	}
	for _, p := range plaintexts {
		ct, err := EncryptContent(p, key)
		if err != nil {
			t.Fatalf("encrypt %q: %v", p[:min(len(p), 16)], err)
		}
		if ct == p {
			t.Fatal("ciphertext equals plaintext")
		}
		got, err := DecryptContent(ct, key)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if got != p {
			t.Fatalf("round trip mismatch: got %q want %q", got, p)
		}
	}
}

func TestDecrypt_WrongKeyYieldsSentinel(t *testing.T) {
	k1 := DeriveConversationKey([]string{"a", "b"}, DefaultSalt)
	k2 := DeriveConversationKey([]string{"a", "c"}, DefaultSalt)
	ct, err := EncryptContent("secret", k1)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecryptContent(ct, k2)
	if err == nil {
		t.Fatal("expected error for wrong key")
	}
	if got != EncryptedPlaceholder {
		t.Fatalf("expected sentinel, got %q", got)
	}
}

func TestDecrypt_GarbageInput(t *testing.T) {
	key := DeriveConversationKey([]string{"a", "b"}, DefaultSalt)
	for _, ct := range []string{"", "not-base64!!!", "YWJj"} {
		got, err := DecryptContent(ct, key)
		if err == nil {
			t.Fatalf("expected error for %q", ct)
		}
		if got != EncryptedPlaceholder {
			t.Fatalf("expected sentinel for %q, got %q", ct, got)
		}
	}
}

func TestDecrypt_WhitespacePlaintextIsFailure(t *testing.T) {
	key := DeriveConversationKey([]string{"a", "b"}, DefaultSalt)
	ct, err := EncryptContent("   \t\n", key)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecryptContent(ct, key)
	if err == nil {
		t.Fatal("whitespace-only plaintext must be reported as failure")
	}
	if got != EncryptedPlaceholder {
		t.Fatalf("expected sentinel, got %q", got)
	}
}

func TestValidStoredKey(t *testing.T) {
	good := DeriveConversationKey([]string{"a", "b"}, DefaultSalt)
	cases := map[string]bool{
		good:        true,
		"":          false,
		"short":     false,
		"zz" + good: false, // not hex
	}
	for key, want := range cases {
		if got := ValidStoredKey(key); got != want {
			t.Fatalf("ValidStoredKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestDeriveLocalKey_DistinctFromConversationKeys(t *testing.T) {
	conv := DeriveConversationKey([]string{"fp"}, DefaultSalt)
	local := DeriveLocalKey("fp", DefaultSalt)
	if conv == local {
		t.Fatal("local cache key must not collide with conversation derivation")
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
