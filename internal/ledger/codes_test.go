package ledger

import (
	"strings"
	"testing"
)

func TestGenerateCardNumberIsLuhnValid(t *testing.T) {
	for i := 0; i < 50; i++ {
		n, err := GenerateCardNumber("6034")
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !strings.HasPrefix(n, "6034") || !ValidCardNumber(n) {
			t.Fatalf("invalid card number %q", n)
		}
	}
	if ValidCardNumber("4111111111111112") {
		t.Fatalf("bad checksum accepted")
	}
	if !ValidCardNumber("4111111111111111") {
		t.Fatalf("known-good test number rejected")
	}
}

func TestGenerateCodeShape(t *testing.T) {
	code, err := GenerateCode()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(code) != 19 || strings.Count(code, "-") != 3 {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestHashCodeNormalizes(t *testing.T) {
	s := NewSecrets("pepper")
	if s.HashCode("abcd-efgh") != s.HashCode("ABCDEFGH") {
		t.Fatalf("hash must ignore case and separators")
	}
	if s.HashCode("ABCD") == NewSecrets("other").HashCode("ABCD") {
		t.Fatalf("hash must depend on the pepper")
	}
	if s.HashCode("ABCD") == s.HashTrack("ABCD") {
		t.Fatalf("code and track hashes must be domain separated")
	}
}

func TestPIN(t *testing.T) {
	hash, err := HashPIN("1234")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPIN(hash, "1234") || CheckPIN(hash, "4321") {
		t.Fatalf("PIN check mismatch")
	}
}
