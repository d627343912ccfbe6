package x402flex

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestNormalizeReference(t *testing.T) {
	if got, err := NormalizeReference("  order-123  "); err != nil || got != "order-123" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := NormalizeReference(strings.Repeat("x", MaxReferenceLength+1)); err == nil {
		t.Fatal("expected length error")
	}
	if got, err := NormalizeReference(strings.Repeat("x", MaxReferenceLength)); err != nil || len(got) != MaxReferenceLength {
		t.Fatalf("boundary reference rejected: %v", err)
	}
}

func TestSessionReferenceRoundTrip(t *testing.T) {
	sessionID := common.HexToHash("0xaa")
	resourceID := common.HexToHash("0xbb")
	tagged, err := FormatSessionReference("order-42", sessionID, resourceID)
	if err != nil {
		t.Fatalf("FormatSessionReference: %v", err)
	}
	details := ParseSessionReference(tagged)
	if !details.HasSessionTag {
		t.Fatal("expected session tag")
	}
	if details.BaseReference != "order-42" {
		t.Fatalf("base = %q", details.BaseReference)
	}
	if details.SessionID != sessionID.Hex() || details.ResourceID != resourceID.Hex() {
		t.Fatalf("ids mismatch: %+v", details)
	}
}

func TestFormatSessionReferenceLengthBound(t *testing.T) {
	// tags add 2*(9-ish marker + 66 hex) chars, so a base near the bound overflows
	base := strings.Repeat("x", MaxReferenceLength-10)
	if _, err := FormatSessionReference(base, common.Hash{}, common.Hash{}); err == nil {
		t.Fatal("expected tagged reference to exceed bound")
	}
}

func TestParseSessionReferenceGraceful(t *testing.T) {
	cases := []string{
		"plain-reference",
		"order|session:notahash|resource:0x" + strings.Repeat("0", 64),
		"order|session:0x" + strings.Repeat("0", 64), // missing resource tag
		"",
	}
	for _, in := range cases {
		details := ParseSessionReference(in)
		if details.HasSessionTag {
			t.Errorf("ParseSessionReference(%q) claimed a session tag", in)
		}
		if details.BaseReference != in {
			t.Errorf("ParseSessionReference(%q) base = %q", in, details.BaseReference)
		}
	}
}

func TestCalculateReferenceHash(t *testing.T) {
	ref := "order-42"
	if got := CalculateReferenceHash(ref); got != crypto.Keccak256Hash([]byte(ref)) {
		t.Fatal("reference hash is not keccak of reference data")
	}
}

func TestGenerateReferenceID(t *testing.T) {
	a, b := GenerateReferenceID(), GenerateReferenceID()
	if a == b {
		t.Fatal("reference ids should be unique")
	}
	if !strings.HasPrefix(a, "ref-") {
		t.Fatalf("unexpected prefix: %q", a)
	}
}
