package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402flex "github.com/x402flex/x402flex-go"
)

// RateLimit throttles how often a session may settle payments.
type RateLimit struct {
	MaxTxPerMinute  uint32 `json:"maxTxPerMinute"`
	MaxTxPerDay     uint32 `json:"maxTxPerDay"`
	CoolDownSeconds uint32 `json:"coolDownSeconds"`
}

// TokenCap bounds per-token spend for a session, overall and per day.
type TokenCap struct {
	Token    common.Address `json:"token"`
	Cap      *big.Int       `json:"cap"`
	DailyCap *big.Int       `json:"dailyCap"`
}

// SessionGrant authorizes an agent to settle payments on the payer's behalf
// within the grant's limits. The payer signs it once; the agent presents it
// with each settlement.
type SessionGrant struct {
	SessionID     common.Hash    `json:"sessionId"`
	Payer         common.Address `json:"payer"`
	Agent         common.Address `json:"agent"`
	MerchantScope common.Hash    `json:"merchantScope"` // zero scope means any merchant
	Deadline      uint32         `json:"deadline"`
	ExpiresAt     uint32         `json:"expiresAt"`
	Epoch         uint32         `json:"epoch"`
	Nonce         *big.Int       `json:"nonce"`
	RateLimit     RateLimit      `json:"rateLimit"`
	Schemes       []string       `json:"schemes"`   // empty means any scheme
	TokenCaps     []TokenCap     `json:"tokenCaps"` // empty means any token, no cap
}

// ClaimableSessionGrant is a grant whose agent is not yet known. The payer
// names a claim signer instead; whoever that signer later designates claims
// the session with a ClaimSession signature.
type ClaimableSessionGrant struct {
	SessionID     common.Hash    `json:"sessionId"`
	Payer         common.Address `json:"payer"`
	MerchantScope common.Hash    `json:"merchantScope"`
	Deadline      uint32         `json:"deadline"`
	ExpiresAt     uint32         `json:"expiresAt"`
	Epoch         uint32         `json:"epoch"`
	Nonce         *big.Int       `json:"nonce"`
	ClaimSigner   common.Address `json:"claimSigner"`
	RateLimit     RateLimit      `json:"rateLimit"`
	Schemes       []string       `json:"schemes"`
	TokenCaps     []TokenCap     `json:"tokenCaps"`
}

var rateLimitArgs = abi.Arguments{
	{Type: typBytes32}, {Type: typUint32}, {Type: typUint32}, {Type: typUint32},
}

// HashRateLimit computes the RateLimit struct hash.
func HashRateLimit(rl RateLimit) (common.Hash, error) {
	packed, err := rateLimitArgs.Pack([32]byte(rateLimitTypehash), rl.MaxTxPerMinute, rl.MaxTxPerDay, rl.CoolDownSeconds)
	if err != nil {
		return common.Hash{}, x402flex.ValidationError("hash rate limit: %v", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

var tokenCapArgs = abi.Arguments{
	{Type: typBytes32}, {Type: typAddress}, {Type: typUint128}, {Type: typUint128},
}

// HashTokenCaps hashes each cap then hashes the concatenation. An empty cap
// list hashes to keccak256 of empty bytes, which the router reads as
// unlimited.
func HashTokenCaps(caps []TokenCap) (common.Hash, error) {
	concat := make([]byte, 0, len(caps)*32)
	for _, tc := range caps {
		packed, err := tokenCapArgs.Pack([32]byte(tokenCapTypehash), tc.Token, tc.Cap, tc.DailyCap)
		if err != nil {
			return common.Hash{}, x402flex.ValidationError("hash token cap: %v", err)
		}
		h := crypto.Keccak256(packed)
		concat = append(concat, h...)
	}
	return crypto.Keccak256Hash(concat), nil
}

// HashSchemes hashes the concatenation of resolved scheme ids. An empty
// scheme list hashes to keccak256 of empty bytes.
func HashSchemes(schemes []string) (common.Hash, error) {
	concat := make([]byte, 0, len(schemes)*32)
	for _, scheme := range schemes {
		id, err := x402flex.ResolveSchemeID(scheme)
		if err != nil {
			return common.Hash{}, err
		}
		concat = append(concat, id[:]...)
	}
	return crypto.Keccak256Hash(concat), nil
}

var sessionGrantArgs = abi.Arguments{
	{Type: typBytes32}, {Type: typBytes32}, {Type: typAddress}, {Type: typAddress}, {Type: typBytes32},
	{Type: typUint32}, {Type: typUint32}, {Type: typUint32}, {Type: typUint256},
	{Type: typBytes32}, {Type: typBytes32}, {Type: typBytes32},
}

// HashSessionGrant computes the EIP-712 digest a payer signs to authorize a
// session against a given router deployment.
func HashSessionGrant(grant *SessionGrant, chainID uint64, router common.Address) (common.Hash, error) {
	rateLimitHash, err := HashRateLimit(grant.RateLimit)
	if err != nil {
		return common.Hash{}, err
	}
	schemesHash, err := HashSchemes(grant.Schemes)
	if err != nil {
		return common.Hash{}, err
	}
	tokenCapsHash, err := HashTokenCaps(grant.TokenCaps)
	if err != nil {
		return common.Hash{}, err
	}
	nonce := grant.Nonce
	if nonce == nil {
		nonce = big.NewInt(0)
	}
	packed, err := sessionGrantArgs.Pack(
		[32]byte(sessionGrantTypehash),
		[32]byte(grant.SessionID),
		grant.Payer,
		grant.Agent,
		[32]byte(grant.MerchantScope),
		grant.Deadline,
		grant.ExpiresAt,
		grant.Epoch,
		nonce,
		[32]byte(rateLimitHash),
		[32]byte(schemesHash),
		[32]byte(tokenCapsHash),
	)
	if err != nil {
		return common.Hash{}, x402flex.ValidationError("hash session grant: %v", err)
	}
	return sessionDigest(crypto.Keccak256Hash(packed), chainID, router)
}

var claimableGrantArgs = abi.Arguments{
	{Type: typBytes32}, {Type: typBytes32}, {Type: typAddress}, {Type: typBytes32},
	{Type: typUint32}, {Type: typUint32}, {Type: typUint32}, {Type: typUint256}, {Type: typAddress},
	{Type: typBytes32}, {Type: typBytes32}, {Type: typBytes32},
}

// HashClaimableSessionGrant computes the digest for a grant with a deferred
// agent.
func HashClaimableSessionGrant(grant *ClaimableSessionGrant, chainID uint64, router common.Address) (common.Hash, error) {
	rateLimitHash, err := HashRateLimit(grant.RateLimit)
	if err != nil {
		return common.Hash{}, err
	}
	schemesHash, err := HashSchemes(grant.Schemes)
	if err != nil {
		return common.Hash{}, err
	}
	tokenCapsHash, err := HashTokenCaps(grant.TokenCaps)
	if err != nil {
		return common.Hash{}, err
	}
	nonce := grant.Nonce
	if nonce == nil {
		nonce = big.NewInt(0)
	}
	packed, err := claimableGrantArgs.Pack(
		[32]byte(claimableTypehash),
		[32]byte(grant.SessionID),
		grant.Payer,
		[32]byte(grant.MerchantScope),
		grant.Deadline,
		grant.ExpiresAt,
		grant.Epoch,
		nonce,
		grant.ClaimSigner,
		[32]byte(rateLimitHash),
		[32]byte(schemesHash),
		[32]byte(tokenCapsHash),
	)
	if err != nil {
		return common.Hash{}, x402flex.ValidationError("hash claimable session grant: %v", err)
	}
	return sessionDigest(crypto.Keccak256Hash(packed), chainID, router)
}

var domainTypehash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

var domainArgs = abi.Arguments{
	{Type: typBytes32}, {Type: typBytes32}, {Type: typBytes32}, {Type: typUint256}, {Type: typAddress},
}

func sessionDigest(structHash common.Hash, chainID uint64, router common.Address) (common.Hash, error) {
	packed, err := domainArgs.Pack(
		[32]byte(domainTypehash),
		[32]byte(crypto.Keccak256Hash([]byte(SessionDomainName))),
		[32]byte(crypto.Keccak256Hash([]byte(SessionDomainVersion))),
		new(big.Int).SetUint64(chainID),
		router,
	)
	if err != nil {
		return common.Hash{}, x402flex.ValidationError("hash session domain: %v", err)
	}
	separator := crypto.Keccak256Hash(packed)
	raw := make([]byte, 0, 2+32+32)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, separator[:]...)
	raw = append(raw, structHash[:]...)
	return crypto.Keccak256Hash(raw), nil
}

// SignSessionGrant signs the grant digest with the payer's signer.
func SignSessionGrant(signer Signer, grant *SessionGrant, chainID uint64, router common.Address) ([]byte, error) {
	digest, err := HashSessionGrant(grant, chainID, router)
	if err != nil {
		return nil, err
	}
	return signer.SignDigest(digest)
}

// BuildClaimSessionTypedData builds the typed data an authorized claim
// signer uses to bind a concrete agent to a claimable session.
func BuildClaimSessionTypedData(sessionID common.Hash, agent common.Address, epoch uint32, deadline uint64, chainID uint64, router common.Address) (*TypedData, error) {
	domain := typedDomain(SessionDomainName, SessionDomainVersion, chainID, router)
	types := map[string][]apitypes.Type{
		"ClaimSession": {
			{Name: "sessionId", Type: "bytes32"},
			{Name: "agent", Type: "address"},
			{Name: "epoch", Type: "uint32"},
			{Name: "deadline", Type: "uint256"},
		},
	}
	message := map[string]interface{}{
		"sessionId": sessionID.Hex(),
		"agent":     agent.Hex(),
		"epoch":     new(big.Int).SetUint64(uint64(epoch)).String(),
		"deadline":  new(big.Int).SetUint64(deadline).String(),
	}
	digest, err := HashTypedData(domain, types, "ClaimSession", message)
	if err != nil {
		return nil, err
	}
	return &TypedData{Domain: domain, Types: types, PrimaryType: "ClaimSession", Message: message, Digest: digest}, nil
}

// SessionContext carries an authorized session through payload building.
// Both the grant and its payer signature are required; AutoTagReferences
// controls whether references are tagged with the session and resource ids.
type SessionContext struct {
	Grant             *SessionGrant
	GrantSignature    []byte
	AutoTagReferences bool
}

// SessionContextInput carries the raw session fields supplied by a caller,
// typically straight off the wire.
type SessionContextInput struct {
	SessionID string
	Agent     string
}

// SessionIdentity is a normalized session id and agent pair.
type SessionIdentity struct {
	SessionID common.Hash
	Agent     common.Address
}

// BuildSessionContext validates and normalizes a session identity. The
// session id is required and padded to 32 bytes; an absent agent falls back
// to defaultAgent, which may be the zero address for payer-operated
// sessions.
func BuildSessionContext(in SessionContextInput, defaultAgent common.Address) (*SessionIdentity, error) {
	if strings.TrimSpace(in.SessionID) == "" {
		return nil, x402flex.ValidationError("session id is required to build a session context")
	}
	sessionID, err := x402flex.ParseBytes32(in.SessionID, "session id")
	if err != nil {
		return nil, err
	}
	agent := defaultAgent
	if strings.TrimSpace(in.Agent) != "" {
		if agent, err = x402flex.ParseAddress(in.Agent, "agent"); err != nil {
			return nil, err
		}
	}
	return &SessionIdentity{SessionID: sessionID, Agent: agent}, nil
}

// AuthorizeSessionGrant signs the grant for the given chain and router and
// returns a context ready to attach to payments. Reference auto-tagging is
// enabled; callers that manage tagged references themselves can switch
// AutoTagReferences off.
func AuthorizeSessionGrant(grant *SessionGrant, signer Signer, chainID uint64, router common.Address) (*SessionContext, error) {
	if grant == nil {
		return nil, x402flex.ValidationError("session context requires a grant")
	}
	signature, err := SignSessionGrant(signer, grant, chainID, router)
	if err != nil {
		return nil, err
	}
	return &SessionContext{
		Grant:             grant,
		GrantSignature:    signature,
		AutoTagReferences: true,
	}, nil
}

// Validate checks the context is complete enough to attach to a payment.
func (s *SessionContext) Validate() error {
	if s == nil {
		return nil
	}
	if s.Grant == nil {
		return x402flex.ValidationError("session context requires a grant")
	}
	if len(s.GrantSignature) == 0 {
		return x402flex.ValidationError("session context requires the payer's grant signature")
	}
	if s.Grant.SessionID == (common.Hash{}) {
		return x402flex.ValidationError("session grant is missing its session id")
	}
	return nil
}
