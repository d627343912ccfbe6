package evm

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402flex "github.com/x402flex/x402flex-go"
)

// TypedData bundles everything a wallet needs to produce an EIP-712
// signature: the domain, type table, primary type, message, and the digest
// this package computed for local signing or verification.
type TypedData struct {
	Domain      apitypes.TypedDataDomain     `json:"domain"`
	Types       map[string][]apitypes.Type   `json:"types"`
	PrimaryType string                       `json:"primaryType"`
	Message     map[string]interface{}       `json:"message"`
	Digest      common.Hash                  `json:"digest"`
}

var eip712DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// HashTypedData computes the EIP-712 digest
// keccak256("\x19\x01" || domainSeparator || structHash).
func HashTypedData(domain apitypes.TypedDataDomain, types map[string][]apitypes.Type, primaryType string, message map[string]interface{}) (common.Hash, error) {
	typed := apitypes.TypedData{
		Types:       make(apitypes.Types, len(types)+1),
		PrimaryType: primaryType,
		Domain:      domain,
		Message:     message,
	}
	for name, fields := range types {
		typed.Types[name] = fields
	}
	if _, ok := typed.Types["EIP712Domain"]; !ok {
		typed.Types["EIP712Domain"] = eip712DomainType
	}

	structHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return common.Hash{}, x402flex.ValidationError("hash %s struct: %v", primaryType, err)
	}
	domainSeparator, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return common.Hash{}, x402flex.ValidationError("hash EIP712Domain: %v", err)
	}

	raw := make([]byte, 0, 2+32+32)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256Hash(raw), nil
}

func typedDomain(name, version string, chainID uint64, verifyingContract common.Address) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              name,
		Version:           version,
		ChainId:           math.NewHexOrDecimal256(int64(chainID)),
		VerifyingContract: verifyingContract.Hex(),
	}
}

// BuildEIP2612Permit builds the ERC-2612 Permit typed data authorizing the
// router to pull Value tokens from Owner.
func BuildEIP2612Permit(tokenName, tokenVersion string, chainID uint64, token, owner, spender common.Address, value *big.Int, nonce *big.Int, deadline uint64) (*TypedData, error) {
	domain := typedDomain(tokenName, tokenVersion, chainID, token)
	types := map[string][]apitypes.Type{
		"Permit": {
			{Name: "owner", Type: "address"},
			{Name: "spender", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		},
	}
	message := map[string]interface{}{
		"owner":    owner.Hex(),
		"spender":  spender.Hex(),
		"value":    value.String(),
		"nonce":    nonce.String(),
		"deadline": new(big.Int).SetUint64(deadline).String(),
	}
	digest, err := HashTypedData(domain, types, "Permit", message)
	if err != nil {
		return nil, err
	}
	return &TypedData{Domain: domain, Types: types, PrimaryType: "Permit", Message: message, Digest: digest}, nil
}

// BuildEIP3009Authorization builds the TransferWithAuthorization typed data
// for EIP-3009 tokens. The nonce is derived from the intent hash so the
// signature cannot be replayed against a different intent.
func BuildEIP3009Authorization(tokenName, tokenVersion string, chainID uint64, token, from, to common.Address, value *big.Int, validAfter, validBefore uint64, nonce common.Hash) (*TypedData, error) {
	domain := typedDomain(tokenName, tokenVersion, chainID, token)
	types := map[string][]apitypes.Type{
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
	message := map[string]interface{}{
		"from":        from.Hex(),
		"to":          to.Hex(),
		"value":       value.String(),
		"validAfter":  new(big.Int).SetUint64(validAfter).String(),
		"validBefore": new(big.Int).SetUint64(validBefore).String(),
		"nonce":       nonce.Hex(),
	}
	digest, err := HashTypedData(domain, types, "TransferWithAuthorization", message)
	if err != nil {
		return nil, err
	}
	return &TypedData{Domain: domain, Types: types, PrimaryType: "TransferWithAuthorization", Message: message, Digest: digest}, nil
}

// BuildPermit2Transfer builds the PermitTransferFrom typed data against the
// canonical Permit2 deployment. Permit2's domain has no version.
func BuildPermit2Transfer(chainID uint64, token common.Address, amount *big.Int, spender common.Address, nonce *big.Int, deadline uint64) (*TypedData, error) {
	domain := apitypes.TypedDataDomain{
		Name:              "Permit2",
		ChainId:           math.NewHexOrDecimal256(int64(chainID)),
		VerifyingContract: Permit2Address,
	}
	types := map[string][]apitypes.Type{
		"PermitTransferFrom": {
			{Name: "permitted", Type: "TokenPermissions"},
			{Name: "spender", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		},
		"TokenPermissions": {
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint256"},
		},
	}
	message := map[string]interface{}{
		"permitted": map[string]interface{}{
			"token":  token.Hex(),
			"amount": amount.String(),
		},
		"spender":  spender.Hex(),
		"nonce":    nonce.String(),
		"deadline": new(big.Int).SetUint64(deadline).String(),
	}
	digest, err := HashTypedData(domain, types, "PermitTransferFrom", message)
	if err != nil {
		return nil, err
	}
	return &TypedData{Domain: domain, Types: types, PrimaryType: "PermitTransferFrom", Message: message, Digest: digest}, nil
}

// Signer produces raw 65-byte signatures over 32-byte digests. Implemented
// by in-process keys and remote wallet bridges alike.
type Signer interface {
	Address() common.Address
	SignDigest(digest common.Hash) ([]byte, error)
}

// PrivateKeySigner signs with an in-process secp256k1 key. Intended for
// tests and server-side agents that custody their own key.
type PrivateKeySigner struct {
	key *ecdsa.PrivateKey
}

// NewPrivateKeySigner parses a 0x-prefixed hex private key.
func NewPrivateKeySigner(hexKey string) (*PrivateKeySigner, error) {
	raw, err := hexutil.Decode(hexKey)
	if err != nil {
		return nil, x402flex.ConfigError("invalid private key: %v", err)
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, x402flex.ConfigError("invalid private key: %v", err)
	}
	return &PrivateKeySigner{key: key}, nil
}

func (s *PrivateKeySigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// SignDigest signs the digest and normalizes v to 27/28 as the router's
// ecrecover expects.
func (s *PrivateKeySigner) SignDigest(digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, x402flex.AuthorizationFailedError(err.Error())
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// RecoverSigner recovers the address that produced a signature over digest.
// Accepts both 0/1 and 27/28 recovery ids.
func RecoverSigner(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, x402flex.ValidationError("signature must be 65 bytes, got %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, x402flex.ValidationError("recover signer: %v", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
