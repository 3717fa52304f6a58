package hipaa

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func TestNewPayloadSealer(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"valid 32-byte key", 32, false},
		{"key too short", 16, true},
		{"key too long", 64, true},
		{"empty key", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPayloadSealer(make([]byte, tt.size))
			if (err != nil) != tt.wantErr {
				t.Errorf("NewPayloadSealer(%d bytes) error = %v, wantErr %v", tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestNewPayloadSealerFromHex(t *testing.T) {
	if _, err := NewPayloadSealerFromHex(strings.Repeat("ab", 32)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := NewPayloadSealerFromHex("not-hex"); err == nil {
		t.Fatal("expected error for non-hex key")
	}
	if _, err := NewPayloadSealerFromHex("abcd"); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestSealOpen(t *testing.T) {
	s, err := NewPayloadSealer(generateTestKey(t))
	if err != nil {
		t.Fatalf("create sealer: %v", err)
	}

	cases := [][]byte{
		[]byte("ISA*00*          *00*          *ZZ*SENDER~"),
		[]byte(`{"resourceType":"Patient","id":"123"}`),
		bytes.Repeat([]byte("x"), 10000),
	}
	for _, plain := range cases {
		sealed, err := s.Seal(plain)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if bytes.Contains(sealed, plain) {
			t.Fatal("sealed payload contains plaintext")
		}
		opened, err := s.Open(sealed)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if !bytes.Equal(opened, plain) {
			t.Errorf("round trip mismatch for %d bytes", len(plain))
		}
	}
}

func TestSeal_UniqueNonces(t *testing.T) {
	s, _ := NewPayloadSealer(generateTestKey(t))
	a, _ := s.Seal([]byte("same"))
	b, _ := s.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("expected different ciphertexts for identical plaintext")
	}
}

func TestOpen_PlaintextPassthrough(t *testing.T) {
	s, _ := NewPayloadSealer(generateTestKey(t))
	legacy := []byte("ST*270*0001~")
	out, err := s.Open(legacy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, legacy) {
		t.Error("expected unsealed data to pass through")
	}
}

func TestOpen_WrongKey(t *testing.T) {
	a, _ := NewPayloadSealer(generateTestKey(t))
	b, _ := NewPayloadSealer(generateTestKey(t))
	sealed, _ := a.Seal([]byte("secret"))
	if _, err := b.Open(sealed); err == nil {
		t.Fatal("expected error opening with wrong key")
	}
}

func TestSeal_Empty(t *testing.T) {
	s, _ := NewPayloadSealer(generateTestKey(t))
	out, err := s.Seal(nil)
	if err != nil || len(out) != 0 {
		t.Errorf("expected empty passthrough, got %v %v", out, err)
	}
}
