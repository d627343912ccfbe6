package x402flex

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestResolveSchemeID(t *testing.T) {
	t.Run("aliases collapse onto canonical ids", func(t *testing.T) {
		pairs := map[string]string{
			"push:evm:direct":   SchemeAAPush,
			"push:evm:aa4337":   SchemeAAPush,
			"exact:evm:permit2": SchemePermit2,
			"exact:evm:eip2612": SchemeEIP2612,
			"exact:evm:eip3009": SchemeEIP3009,
		}
		for alias, canonical := range pairs {
			gotAlias, err := ResolveSchemeID(alias)
			if err != nil {
				t.Fatalf("ResolveSchemeID(%q): %v", alias, err)
			}
			gotCanonical, err := ResolveSchemeID(canonical)
			if err != nil {
				t.Fatalf("ResolveSchemeID(%q): %v", canonical, err)
			}
			if gotAlias != gotCanonical {
				t.Errorf("alias %q resolved to %s, canonical %q to %s", alias, gotAlias, canonical, gotCanonical)
			}
			if want := crypto.Keccak256Hash([]byte(canonical)); gotCanonical != want {
				t.Errorf("canonical id for %q = %s, want keccak %s", canonical, gotCanonical, want)
			}
		}
	})
	t.Run("literal hex id passes through", func(t *testing.T) {
		id := "0xabcd00112233445566778899aabbccddeeff00112233445566778899aabbccdd"
		got, err := ResolveSchemeID(id)
		if err != nil {
			t.Fatalf("ResolveSchemeID: %v", err)
		}
		if got.Hex() != id {
			t.Fatalf("hex id mutated: got %s want %s", got.Hex(), id)
		}
	})
	t.Run("custom scheme hashes deterministically", func(t *testing.T) {
		a, err := ResolveSchemeID("loyalty-points")
		if err != nil {
			t.Fatalf("ResolveSchemeID: %v", err)
		}
		b, _ := ResolveSchemeID("loyalty-points")
		if a != b {
			t.Fatal("custom scheme id not stable")
		}
		if a != crypto.Keccak256Hash([]byte("loyalty-points")) {
			t.Fatal("custom scheme id is not the keccak of its name")
		}
	})
	t.Run("empty scheme rejected", func(t *testing.T) {
		if _, err := ResolveSchemeID("  "); err == nil {
			t.Fatal("expected error for blank scheme")
		}
	})
}

func TestDescribeScheme(t *testing.T) {
	if desc := DescribeScheme("push:evm:direct"); desc.Type != "push" || !desc.SessionCapable {
		t.Fatalf("unexpected descriptor for push alias: %+v", desc)
	}
	if desc := DescribeScheme("eip3009"); desc.Type != "pull" {
		t.Fatalf("unexpected descriptor for eip3009: %+v", desc)
	}
	if desc := DescribeScheme("something-new"); desc.Type != "custom" || !desc.SessionCapable || desc.WitnessMode != "intent-hash" {
		t.Fatalf("unexpected fallback descriptor: %+v", desc)
	}
}
