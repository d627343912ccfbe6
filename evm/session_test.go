package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

var testRouter = common.HexToAddress("0x4444444444444444444444444444444444444444")

func testGrant() *SessionGrant {
	return &SessionGrant{
		SessionID:     common.HexToHash("0xaa"),
		Payer:         common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Agent:         common.HexToAddress("0x5555555555555555555555555555555555555555"),
		MerchantScope: common.HexToHash("0xbb"),
		Deadline:      1_900_000_000,
		ExpiresAt:     1_900_100_000,
		Epoch:         1,
		Nonce:         big.NewInt(7),
		RateLimit:     RateLimit{MaxTxPerMinute: 5, MaxTxPerDay: 100, CoolDownSeconds: 2},
		Schemes:       []string{"aa_push", "eip3009"},
		TokenCaps: []TokenCap{{
			Token:    common.HexToAddress("0x2222222222222222222222222222222222222222"),
			Cap:      big.NewInt(10_000_000),
			DailyCap: big.NewInt(1_000_000),
		}},
	}
}

func TestEmptyArraysHashToEmptyKeccak(t *testing.T) {
	empty := crypto.Keccak256Hash(nil)
	if h, err := HashSchemes(nil); err != nil || h != empty {
		t.Fatalf("HashSchemes(nil) = %s, %v; want keccak of empty bytes", h, err)
	}
	if h, err := HashTokenCaps(nil); err != nil || h != empty {
		t.Fatalf("HashTokenCaps(nil) = %s, %v; want keccak of empty bytes", h, err)
	}
}

func TestHashSchemesUsesResolvedIDs(t *testing.T) {
	viaAlias, err := HashSchemes([]string{"push:evm:direct"})
	if err != nil {
		t.Fatalf("HashSchemes: %v", err)
	}
	viaCanonical, _ := HashSchemes([]string{"aa_push"})
	if viaAlias != viaCanonical {
		t.Fatal("alias and canonical scheme lists hashed differently")
	}
	if _, err := HashSchemes([]string{""}); err == nil {
		t.Fatal("expected error for blank scheme in list")
	}
}

func TestHashSessionGrantStable(t *testing.T) {
	grant := testGrant()
	a, err := HashSessionGrant(grant, 56, testRouter)
	if err != nil {
		t.Fatalf("HashSessionGrant: %v", err)
	}
	b, _ := HashSessionGrant(grant, 56, testRouter)
	if a != b {
		t.Fatal("grant digest not deterministic")
	}
	if c, _ := HashSessionGrant(grant, 97, testRouter); a == c {
		t.Fatal("chain id change did not change the digest")
	}
	grant.Epoch = 2
	if d, _ := HashSessionGrant(grant, 56, testRouter); a == d {
		t.Fatal("epoch change did not change the digest")
	}
}

func TestSignSessionGrantRecovers(t *testing.T) {
	signer, err := NewPrivateKeySigner(testKey)
	if err != nil {
		t.Fatalf("NewPrivateKeySigner: %v", err)
	}
	grant := testGrant()
	grant.Payer = signer.Address()
	sig, err := SignSessionGrant(signer, grant, 56, testRouter)
	if err != nil {
		t.Fatalf("SignSessionGrant: %v", err)
	}
	digest, _ := HashSessionGrant(grant, 56, testRouter)
	recovered, err := RecoverSigner(digest, sig)
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	if recovered != signer.Address() {
		t.Fatalf("recovered %s, want %s", recovered, signer.Address())
	}
}

func TestAuthorizeSessionGrant(t *testing.T) {
	signer, err := NewPrivateKeySigner(testKey)
	if err != nil {
		t.Fatalf("NewPrivateKeySigner: %v", err)
	}
	grant := testGrant()
	grant.Payer = signer.Address()

	sctx, err := AuthorizeSessionGrant(grant, signer, 56, testRouter)
	if err != nil {
		t.Fatalf("AuthorizeSessionGrant: %v", err)
	}
	if !sctx.AutoTagReferences {
		t.Fatal("auto tagging should default on")
	}
	if err := sctx.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	digest, _ := HashSessionGrant(grant, 56, testRouter)
	recovered, err := RecoverSigner(digest, sctx.GrantSignature)
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	if recovered != signer.Address() {
		t.Fatalf("recovered %s, want %s", recovered, signer.Address())
	}

	if _, err := AuthorizeSessionGrant(nil, signer, 56, testRouter); err == nil {
		t.Fatal("nil grant should fail")
	}
}

func TestBuildSessionContext(t *testing.T) {
	t.Run("normalizes short session id", func(t *testing.T) {
		identity, err := BuildSessionContext(SessionContextInput{SessionID: "0xaa"}, common.Address{})
		if err != nil {
			t.Fatalf("BuildSessionContext: %v", err)
		}
		if identity.SessionID != common.HexToHash("0xaa") {
			t.Fatalf("sessionId = %s", identity.SessionID)
		}
		if identity.Agent != (common.Address{}) {
			t.Fatalf("agent should default to zero, got %s", identity.Agent)
		}
	})
	t.Run("explicit agent wins over default", func(t *testing.T) {
		fallback := common.HexToAddress("0x5555555555555555555555555555555555555555")
		identity, err := BuildSessionContext(SessionContextInput{
			SessionID: "0xaa",
			Agent:     "0x6666666666666666666666666666666666666666",
		}, fallback)
		if err != nil {
			t.Fatalf("BuildSessionContext: %v", err)
		}
		if identity.Agent != common.HexToAddress("0x6666666666666666666666666666666666666666") {
			t.Fatalf("agent = %s", identity.Agent)
		}
	})
	t.Run("absent agent takes the default", func(t *testing.T) {
		fallback := common.HexToAddress("0x5555555555555555555555555555555555555555")
		identity, err := BuildSessionContext(SessionContextInput{SessionID: "0xaa"}, fallback)
		if err != nil {
			t.Fatalf("BuildSessionContext: %v", err)
		}
		if identity.Agent != fallback {
			t.Fatalf("agent = %s", identity.Agent)
		}
	})
	t.Run("missing session id rejected", func(t *testing.T) {
		if _, err := BuildSessionContext(SessionContextInput{}, common.Address{}); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("malformed agent rejected", func(t *testing.T) {
		if _, err := BuildSessionContext(SessionContextInput{SessionID: "0xaa", Agent: "not-an-address"}, common.Address{}); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestHashClaimableSessionGrant(t *testing.T) {
	grant := &ClaimableSessionGrant{
		SessionID:     common.HexToHash("0xaa"),
		Payer:         common.HexToAddress("0x3333333333333333333333333333333333333333"),
		MerchantScope: common.HexToHash("0xbb"),
		Deadline:      1_900_000_000,
		ExpiresAt:     1_900_100_000,
		Epoch:         1,
		Nonce:         big.NewInt(7),
		ClaimSigner:   common.HexToAddress("0x6666666666666666666666666666666666666666"),
	}
	a, err := HashClaimableSessionGrant(grant, 56, testRouter)
	if err != nil {
		t.Fatalf("HashClaimableSessionGrant: %v", err)
	}
	grant.ClaimSigner = common.HexToAddress("0x7777777777777777777777777777777777777777")
	if b, _ := HashClaimableSessionGrant(grant, 56, testRouter); a == b {
		t.Fatal("claim signer change did not change the digest")
	}
}

func TestBuildClaimSessionTypedData(t *testing.T) {
	td, err := BuildClaimSessionTypedData(common.HexToHash("0xaa"),
		common.HexToAddress("0x5555555555555555555555555555555555555555"), 1, 1_900_000_000, 56, testRouter)
	if err != nil {
		t.Fatalf("BuildClaimSessionTypedData: %v", err)
	}
	if td.PrimaryType != "ClaimSession" || td.Digest == (common.Hash{}) {
		t.Fatalf("unexpected typed data: %+v", td)
	}
	again, _ := BuildClaimSessionTypedData(common.HexToHash("0xaa"),
		common.HexToAddress("0x5555555555555555555555555555555555555555"), 1, 1_900_000_000, 56, testRouter)
	if td.Digest != again.Digest {
		t.Fatal("claim digest not deterministic")
	}
}

func TestSessionContextValidate(t *testing.T) {
	var nilCtx *SessionContext
	if err := nilCtx.Validate(); err != nil {
		t.Fatalf("nil context should validate: %v", err)
	}
	if err := (&SessionContext{}).Validate(); err == nil {
		t.Fatal("missing grant should fail")
	}
	if err := (&SessionContext{Grant: testGrant()}).Validate(); err == nil {
		t.Fatal("missing signature should fail")
	}
	ok := &SessionContext{Grant: testGrant(), GrantSignature: []byte{1}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("complete context rejected: %v", err)
	}
}
