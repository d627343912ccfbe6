package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402flex "github.com/x402flex/x402flex-go"
)

// Cadence kinds for recurring charges.
const (
	CadenceSeconds uint8 = 0
	CadenceMonths  uint8 = 1
)

// SubscriptionCreate describes a recurring payment authorization the payer
// signs once. MaxPayments of zero means unbounded.
type SubscriptionCreate struct {
	Payer        common.Address `json:"payer"`
	Merchant     common.Address `json:"merchant"`
	Token        common.Address `json:"token"`
	Amount       *big.Int       `json:"amount"`
	StartAt      uint64         `json:"startAt"`
	CadenceKind  uint8          `json:"cadenceKind"`
	Cadence      uint32         `json:"cadence"`
	CancelWindow uint32         `json:"cancelWindow"`
	MaxPayments  uint16         `json:"maxPayments"`
	PullMode     uint8          `json:"pullMode"`
	TermsHash    common.Hash    `json:"termsHash"`
	Salt         common.Hash    `json:"salt"`
	Deadline     uint64         `json:"deadline"`
}

func subscriptionsDomain(chainID uint64, verifyingContract common.Address) apitypes.TypedDataDomain {
	return typedDomain(SubscriptionsDomainName, SubscriptionsVersion, chainID, verifyingContract)
}

// BuildCreateSubscriptionTypedData builds the CreateSubscription typed data
// for the payer to sign.
func BuildCreateSubscriptionTypedData(req *SubscriptionCreate, chainID uint64, verifyingContract common.Address) (*TypedData, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, x402flex.ValidationError("subscription amount must be positive")
	}
	if req.Cadence == 0 {
		return nil, x402flex.ValidationError("subscription cadence must be nonzero")
	}
	domain := subscriptionsDomain(chainID, verifyingContract)
	types := map[string][]apitypes.Type{
		"CreateSubscription": {
			{Name: "payer", Type: "address"},
			{Name: "merchant", Type: "address"},
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint256"},
			{Name: "startAt", Type: "uint64"},
			{Name: "cadenceKind", Type: "uint8"},
			{Name: "cadence", Type: "uint32"},
			{Name: "cancelWindow", Type: "uint32"},
			{Name: "maxPayments", Type: "uint16"},
			{Name: "pullMode", Type: "uint8"},
			{Name: "termsHash", Type: "bytes32"},
			{Name: "salt", Type: "bytes32"},
			{Name: "deadline", Type: "uint256"},
		},
	}
	message := map[string]interface{}{
		"payer":        req.Payer.Hex(),
		"merchant":     req.Merchant.Hex(),
		"token":        req.Token.Hex(),
		"amount":       req.Amount.String(),
		"startAt":      new(big.Int).SetUint64(req.StartAt).String(),
		"cadenceKind":  new(big.Int).SetUint64(uint64(req.CadenceKind)).String(),
		"cadence":      new(big.Int).SetUint64(uint64(req.Cadence)).String(),
		"cancelWindow": new(big.Int).SetUint64(uint64(req.CancelWindow)).String(),
		"maxPayments":  new(big.Int).SetUint64(uint64(req.MaxPayments)).String(),
		"pullMode":     new(big.Int).SetUint64(uint64(req.PullMode)).String(),
		"termsHash":    req.TermsHash.Hex(),
		"salt":         req.Salt.Hex(),
		"deadline":     new(big.Int).SetUint64(req.Deadline).String(),
	}
	digest, err := HashTypedData(domain, types, "CreateSubscription", message)
	if err != nil {
		return nil, err
	}
	return &TypedData{Domain: domain, Types: types, PrimaryType: "CreateSubscription", Message: message, Digest: digest}, nil
}

// BuildCancelSubscriptionTypedData builds the CancelSubscription typed data.
func BuildCancelSubscriptionTypedData(subID common.Hash, deadline uint64, chainID uint64, verifyingContract common.Address) (*TypedData, error) {
	domain := subscriptionsDomain(chainID, verifyingContract)
	types := map[string][]apitypes.Type{
		"CancelSubscription": {
			{Name: "subId", Type: "bytes32"},
			{Name: "deadline", Type: "uint256"},
		},
	}
	message := map[string]interface{}{
		"subId":    subID.Hex(),
		"deadline": new(big.Int).SetUint64(deadline).String(),
	}
	digest, err := HashTypedData(domain, types, "CancelSubscription", message)
	if err != nil {
		return nil, err
	}
	return &TypedData{Domain: domain, Types: types, PrimaryType: "CancelSubscription", Message: message, Digest: digest}, nil
}

var subIDArgs = abi.Arguments{
	{Type: typAddress}, {Type: typAddress}, {Type: typAddress}, {Type: typUint256},
	{Type: typUint64}, {Type: mustType("uint8")}, {Type: typUint32}, {Type: typUint32},
	{Type: mustType("uint16")}, {Type: mustType("uint8")}, {Type: typBytes32}, {Type: typBytes32},
}

// ComputeSubscriptionID derives the deterministic subscription id from every
// field of the create request except the deadline.
func ComputeSubscriptionID(req *SubscriptionCreate) (common.Hash, error) {
	packed, err := subIDArgs.Pack(
		req.Payer, req.Merchant, req.Token, req.Amount,
		req.StartAt, req.CadenceKind, req.Cadence, req.CancelWindow,
		req.MaxPayments, req.PullMode, [32]byte(req.TermsHash), [32]byte(req.Salt),
	)
	if err != nil {
		return common.Hash{}, x402flex.ValidationError("compute subscription id: %v", err)
	}
	return crypto.Keccak256Hash(packed), nil
}
