package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestBuildEIP2612Permit(t *testing.T) {
	token := common.HexToAddress("0x2222222222222222222222222222222222222222")
	owner := common.HexToAddress("0x3333333333333333333333333333333333333333")
	td, err := BuildEIP2612Permit("Test Token", "1", ChainBNB, token, owner, testRouter,
		big.NewInt(1_000_000), big.NewInt(0), 1_900_000_000)
	if err != nil {
		t.Fatalf("BuildEIP2612Permit: %v", err)
	}
	if td.PrimaryType != "Permit" || td.Digest == (common.Hash{}) {
		t.Fatalf("typed data = %+v", td)
	}
	again, _ := BuildEIP2612Permit("Test Token", "1", ChainBNB, token, owner, testRouter,
		big.NewInt(1_000_000), big.NewInt(0), 1_900_000_000)
	if td.Digest != again.Digest {
		t.Fatal("permit digest not deterministic")
	}
	bumped, _ := BuildEIP2612Permit("Test Token", "1", ChainBNB, token, owner, testRouter,
		big.NewInt(1_000_000), big.NewInt(1), 1_900_000_000)
	if td.Digest == bumped.Digest {
		t.Fatal("nonce change did not change the digest")
	}
}

func TestBuildEIP3009Authorization(t *testing.T) {
	token := common.HexToAddress("0x2222222222222222222222222222222222222222")
	from := common.HexToAddress("0x3333333333333333333333333333333333333333")
	nonce := DeriveEIP3009Nonce(common.HexToHash("0x0b"), testRouter, ChainBNB)
	td, err := BuildEIP3009Authorization("USD Coin", "2", ChainBNB, token, from, testRouter,
		big.NewInt(1_000_000), 0, 1_900_000_000, nonce)
	if err != nil {
		t.Fatalf("BuildEIP3009Authorization: %v", err)
	}
	if td.Message["nonce"] != nonce.Hex() {
		t.Fatalf("nonce = %v", td.Message["nonce"])
	}
}

func TestBuildPermit2Transfer(t *testing.T) {
	token := common.HexToAddress("0x2222222222222222222222222222222222222222")
	td, err := BuildPermit2Transfer(ChainBNB, token, big.NewInt(1_000_000), testRouter, big.NewInt(5), 1_900_000_000)
	if err != nil {
		t.Fatalf("BuildPermit2Transfer: %v", err)
	}
	if td.Domain.Name != "Permit2" || td.Domain.VerifyingContract != Permit2Address {
		t.Fatalf("domain = %+v", td.Domain)
	}
	if td.Domain.Version != "" {
		t.Fatal("Permit2 domain must not carry a version")
	}
}

func TestSignDigestAndRecover(t *testing.T) {
	signer, err := NewPrivateKeySigner(testKey)
	if err != nil {
		t.Fatalf("NewPrivateKeySigner: %v", err)
	}
	digest := common.HexToHash("0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")
	sig, err := signer.SignDigest(digest)
	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}
	if len(sig) != 65 || sig[64] < 27 {
		t.Fatalf("signature len=%d v=%d", len(sig), sig[64])
	}
	recovered, err := RecoverSigner(digest, sig)
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	if recovered != signer.Address() {
		t.Fatalf("recovered %s, want %s", recovered, signer.Address())
	}
	if _, err := RecoverSigner(digest, sig[:64]); err == nil {
		t.Fatal("expected error for truncated signature")
	}
}
