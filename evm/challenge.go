package evm

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402flex "github.com/x402flex/x402flex-go"
)

// IntentRequest collects the raw fields an intent is derived from. Zero
// Nonce and ResourceSalt are replaced with fresh randomness; a zero
// Deadline defaults to now plus DefaultRouterDeadlineSeconds.
type IntentRequest struct {
	Merchant     common.Address
	Token        common.Address
	Amount       *big.Int
	Deadline     uint64
	ChainID      uint64
	Reference    string
	SessionID    common.Hash // tags the reference when nonzero
	Payer        common.Address
	Nonce        common.Hash
	ResourceSalt common.Hash
}

// CreateFlexIntent derives a complete payment intent, the on-chain
// reference data it commits to, and the effective resource salt. The salt
// must be persisted by callers that let it auto-generate, or the resource
// id cannot be re-derived. The returned intent's payment id is the digest
// of its own fields, so recipients can re-derive and compare.
func CreateFlexIntent(req IntentRequest) (*x402flex.PaymentIntent, string, common.Hash, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, "", common.Hash{}, x402flex.ValidationError("intent amount must be positive")
	}
	if req.ChainID == 0 {
		return nil, "", common.Hash{}, x402flex.ValidationError("intent chain id is required")
	}
	deadline := req.Deadline
	if deadline == 0 {
		deadline = uint64(time.Now().Unix()) + DefaultRouterDeadlineSeconds
	}
	nonce := req.Nonce
	if nonce == (common.Hash{}) {
		var err error
		if nonce, err = RandomHash(); err != nil {
			return nil, "", common.Hash{}, err
		}
	}

	referenceData, err := x402flex.NormalizeReference(req.Reference)
	if err != nil {
		return nil, "", common.Hash{}, err
	}
	if referenceData == "" {
		referenceData = x402flex.GenerateReferenceID()
	}

	resourceID, salt, err := DeriveResourceID(req.Merchant, referenceData, req.Token, req.Amount, req.ChainID, req.ResourceSalt)
	if err != nil {
		return nil, "", common.Hash{}, err
	}

	if req.SessionID != (common.Hash{}) {
		if referenceData, err = x402flex.FormatSessionReference(referenceData, req.SessionID, resourceID); err != nil {
			return nil, "", common.Hash{}, err
		}
	}
	referenceHash := x402flex.CalculateReferenceHash(referenceData)

	paymentID, err := DerivePaymentID(req.Token, req.Amount, deadline, resourceID, referenceHash, nonce)
	if err != nil {
		return nil, "", common.Hash{}, err
	}
	return &x402flex.PaymentIntent{
		PaymentID:     paymentID,
		Merchant:      req.Merchant,
		Token:         req.Token,
		Amount:        req.Amount,
		Deadline:      deadline,
		Payer:         req.Payer,
		ResourceID:    resourceID,
		ReferenceHash: referenceHash,
		Nonce:         nonce,
	}, referenceData, salt, nil
}

// RouterOptions asks an accept option to embed a settlement router payload.
type RouterOptions struct {
	Address      common.Address
	Deadline     uint64
	Nonce        common.Hash
	PaymentID    common.Hash // optional cross-check, requires Nonce
	ResourceSalt common.Hash
	SessionID    common.Hash
	Payer        common.Address
	WitnessSalt  common.Hash // nonzero embeds a witness skeleton
	Signature    []byte      // precomputed witness signature
}

// AcceptRequest describes one payment method to offer in a challenge.
type AcceptRequest struct {
	Scheme    string
	Network   string
	ChainID   uint64
	Merchant  common.Address
	PayTo     common.Address // defaults to Merchant
	Asset     string         // "native", empty, or a token address
	Amount    *big.Int
	Reference string
	AmountUSD string
	Metadata  map[string]interface{}
	Router    *RouterOptions
}

// ChallengeRequest describes a full 402 challenge to build.
type ChallengeRequest struct {
	Version    int // defaults to 1
	Memo       string
	TTLSeconds int64
	Accepts    []AcceptRequest
}

// BuildFlexResponse assembles the 402 challenge body. Every accept option
// is validated and normalized; router-backed options get a fully derived
// intent embedded so the payer can settle without another round trip.
func BuildFlexResponse(req ChallengeRequest) (*x402flex.FlexResponse, error) {
	if len(req.Accepts) == 0 {
		return nil, x402flex.ValidationError("challenge requires at least one accept option")
	}
	version := req.Version
	if version == 0 {
		version = 1
	}
	resp := &x402flex.FlexResponse{
		X402Version: version,
		Memo:        req.Memo,
		Accepts:     make([]x402flex.AcceptOption, 0, len(req.Accepts)),
	}
	if req.TTLSeconds > 0 {
		resp.ExpiresAt = time.Now().Unix() + req.TTLSeconds
	}
	for i := range req.Accepts {
		option, err := buildAcceptOption(&req.Accepts[i])
		if err != nil {
			return nil, err
		}
		resp.Accepts = append(resp.Accepts, *option)
	}
	return resp, nil
}

func buildAcceptOption(req *AcceptRequest) (*x402flex.AcceptOption, error) {
	schemeID, err := x402flex.ResolveSchemeID(req.Scheme)
	if err != nil {
		return nil, err
	}
	if req.ChainID == 0 {
		return nil, x402flex.ValidationError("accept option for scheme %q is missing its chain id", req.Scheme)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, x402flex.ValidationError("accept option for scheme %q requires a positive amount", req.Scheme)
	}
	payTo := req.PayTo
	if payTo == (common.Address{}) {
		payTo = req.Merchant
	}
	token := common.Address{}
	asset := "native"
	if !x402flex.IsNativeToken(req.Asset) {
		var err error
		if token, err = x402flex.ParseAddress(req.Asset, "asset"); err != nil {
			return nil, err
		}
		asset = token.Hex()
	}
	reference, err := x402flex.NormalizeReference(req.Reference)
	if err != nil {
		return nil, err
	}
	if reference == "" {
		reference = x402flex.GenerateReferenceID()
	}

	option := &x402flex.AcceptOption{
		Scheme:    req.Scheme,
		SchemeID:  schemeID.Hex(),
		Network:   req.Network,
		ChainID:   req.ChainID,
		Amount:    req.Amount.String(),
		PayTo:     payTo.Hex(),
		Asset:     asset,
		Reference: reference,
		AmountUSD: req.AmountUSD,
		Metadata:  req.Metadata,
	}
	if req.Router == nil {
		return option, nil
	}

	router := req.Router
	if router.PaymentID != (common.Hash{}) && router.Nonce == (common.Hash{}) {
		return nil, x402flex.ValidationError("a pinned payment id requires its nonce")
	}
	intent, referenceData, resourceSalt, err := CreateFlexIntent(IntentRequest{
		Merchant:     req.Merchant,
		Token:        token,
		Amount:       req.Amount,
		Deadline:     router.Deadline,
		ChainID:      req.ChainID,
		Reference:    reference,
		SessionID:    router.SessionID,
		Payer:        router.Payer,
		Nonce:        router.Nonce,
		ResourceSalt: router.ResourceSalt,
	})
	if err != nil {
		return nil, err
	}
	if router.PaymentID != (common.Hash{}) && router.PaymentID != intent.PaymentID {
		return nil, x402flex.ValidationError(
			"supplied payment id %s does not match derived id %s", router.PaymentID.Hex(), intent.PaymentID.Hex())
	}

	payload := &x402flex.RouterPayload{
		Address:  router.Address.Hex(),
		SchemeID: schemeID.Hex(),
		Intent:   intent.Wire(),
	}
	option.Metadata = withReferenceData(option.Metadata, referenceData)
	option.Metadata["resourceSalt"] = resourceSalt.Hex()
	if router.WitnessSalt != (common.Hash{}) || len(router.Signature) > 0 {
		intentHash, err := HashPaymentIntent(intent)
		if err != nil {
			return nil, err
		}
		witness := x402flex.FlexWitness{
			SchemeID:   schemeID,
			IntentHash: intentHash,
			Payer:      router.Payer,
			Salt:       router.WitnessSalt,
		}
		wire := witness.Wire()
		payload.Witness = &wire
		if len(router.Signature) > 0 {
			payload.Signature = "0x" + common.Bytes2Hex(router.Signature)
		}
	}
	option.Router = payload
	return option, nil
}

func withReferenceData(metadata map[string]interface{}, referenceData string) map[string]interface{} {
	if metadata == nil {
		metadata = make(map[string]interface{}, 1)
	}
	metadata["referenceData"] = referenceData
	return metadata
}

// AttachSessionToResponse re-derives every router-backed accept option with
// a session-tagged reference. Tagging changes the reference hash, so each
// intent's payment id is re-derived and any stale witness signature is
// dropped.
func AttachSessionToResponse(resp *x402flex.FlexResponse, sessionID common.Hash) error {
	if sessionID == (common.Hash{}) {
		return x402flex.ValidationError("session id is required")
	}
	for i := range resp.Accepts {
		option := &resp.Accepts[i]
		if option.Router == nil {
			continue
		}
		intent, err := option.Router.Intent.ToIntent()
		if err != nil {
			return err
		}
		referenceData, err := x402flex.FormatSessionReference(option.Reference, sessionID, intent.ResourceID)
		if err != nil {
			return err
		}
		intent.ReferenceHash = x402flex.CalculateReferenceHash(referenceData)
		intent.PaymentID, err = DerivePaymentID(intent.Token, intent.Amount, intent.Deadline, intent.ResourceID, intent.ReferenceHash, intent.Nonce)
		if err != nil {
			return err
		}
		option.Router.Intent = intent.Wire()
		option.Metadata = withReferenceData(option.Metadata, referenceData)
		if option.Router.Witness != nil {
			intentHash, err := HashPaymentIntent(intent)
			if err != nil {
				return err
			}
			option.Router.Witness.IntentHash = intentHash.Hex()
			option.Router.Signature = ""
		}
	}
	return nil
}
