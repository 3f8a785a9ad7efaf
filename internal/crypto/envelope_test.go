package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func testKeys() (string, map[string][]byte) {
	return "k1", map[string][]byte{
		"k1": bytes.Repeat([]byte{0x11}, 32),
		"k0": bytes.Repeat([]byte{0x22}, 32),
	}
}

func TestNewManagerValidation(t *testing.T) {
	id, keys := testKeys()

	if _, err := NewManager("", keys); err == nil {
		t.Fatal("expected error for empty current key id")
	}
	if _, err := NewManager(id, nil); err == nil {
		t.Fatal("expected error for empty keys map")
	}
	if _, err := NewManager("missing", keys); err == nil {
		t.Fatal("expected error for unknown current key id")
	}
	if _, err := NewManager("short", map[string][]byte{"short": []byte("tiny")}); err == nil {
		t.Fatal("expected error for non-32-byte key")
	}
	if _, err := NewManager(id, keys); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestSealOpenRoundtrip(t *testing.T) {
	id, keys := testKeys()
	m, err := NewManager(id, keys)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	sealed, err := m.SealString("sk-super-secret")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	if strings.Contains(sealed, "sk-super-secret") {
		t.Fatal("sealed envelope leaks plaintext")
	}
	if !strings.Contains(sealed, `"key_id":"k1"`) {
		t.Fatalf("envelope not tagged with current key: %s", sealed)
	}

	got, err := m.OpenString(sealed)
	if err != nil {
		t.Fatalf("OpenString: %v", err)
	}
	if got != "sk-super-secret" {
		t.Fatalf("roundtrip = %q", got)
	}
}

func TestOpenWithRotatedKey(t *testing.T) {
	id, keys := testKeys()
	old, err := NewManager("k0", keys)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	sealed, err := old.SealString("legacy")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}

	// A manager whose current key moved on still opens old envelopes.
	rotated, err := NewManager(id, keys)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	got, err := rotated.OpenString(sealed)
	if err != nil {
		t.Fatalf("OpenString: %v", err)
	}
	if got != "legacy" {
		t.Fatalf("roundtrip = %q", got)
	}
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	id, keys := testKeys()
	m, _ := NewManager(id, keys)
	sealed, err := m.SealString("value")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}

	other, err := NewManager("k1", map[string][]byte{"k1": bytes.Repeat([]byte{0x33}, 32)})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := other.OpenString(sealed); err == nil {
		t.Fatal("expected decrypt failure with a different key")
	}

	if _, err := m.OpenString("not json"); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}
