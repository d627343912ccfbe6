package evm

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402flex "github.com/x402flex/x402flex-go"
)

const (
	intentComponents = `[
		{"name":"paymentId","type":"bytes32"},
		{"name":"merchant","type":"address"},
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"payer","type":"address"},
		{"name":"resourceId","type":"bytes32"},
		{"name":"referenceHash","type":"bytes32"},
		{"name":"nonce","type":"bytes32"}
	]`
	witnessComponents = `[
		{"name":"schemeId","type":"bytes32"},
		{"name":"intentHash","type":"bytes32"},
		{"name":"payer","type":"address"},
		{"name":"salt","type":"bytes32"}
	]`
	grantComponents = `[
		{"name":"sessionId","type":"bytes32"},
		{"name":"payer","type":"address"},
		{"name":"agent","type":"address"},
		{"name":"merchantScope","type":"bytes32"},
		{"name":"deadline","type":"uint32"},
		{"name":"expiresAt","type":"uint32"},
		{"name":"epoch","type":"uint32"},
		{"name":"nonce","type":"uint256"},
		{"name":"rateLimit","type":"tuple","components":[
			{"name":"maxTxPerMinute","type":"uint32"},
			{"name":"maxTxPerDay","type":"uint32"},
			{"name":"coolDownSeconds","type":"uint32"}
		]},
		{"name":"schemesHash","type":"bytes32"},
		{"name":"tokenCapsHash","type":"bytes32"}
	]`
	permitComponents = `[
		{"name":"permitted","type":"tuple","components":[
			{"name":"token","type":"address"},
			{"name":"amount","type":"uint256"}
		]},
		{"name":"nonce","type":"uint256"},
		{"name":"deadline","type":"uint256"}
	]`
	detailsComponents = `[
		{"name":"to","type":"address"},
		{"name":"requestedAmount","type":"uint256"}
	]`
)

func routerFn(name string, payable bool, extraInputs string) string {
	mutability := "nonpayable"
	if payable {
		mutability = "payable"
	}
	inputs := `{"name":"intent","type":"tuple","components":` + intentComponents + `},` +
		`{"name":"witness","type":"tuple","components":` + witnessComponents + `},` +
		`{"name":"witnessSignature","type":"bytes"}`
	if extraInputs != "" {
		inputs += "," + extraInputs
	}
	inputs += `,{"name":"referenceData","type":"string"}`
	return `{"name":"` + name + `","type":"function","stateMutability":"` + mutability + `",` +
		`"inputs":[` + inputs + `],"outputs":[]}`
}

var routerABI = func() abi.ABI {
	sessionInputs := `{"name":"sessionGrant","type":"tuple","components":` + grantComponents + `},` +
		`{"name":"sessionSignature","type":"bytes"}`
	permit2Inputs := `{"name":"permit","type":"tuple","components":` + permitComponents + `},` +
		`{"name":"transferDetails","type":"tuple","components":` + detailsComponents + `},` +
		`{"name":"permitSignature","type":"bytes"}`
	eip2612Inputs := `{"name":"permitDeadline","type":"uint256"},{"name":"v","type":"uint8"},` +
		`{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}`
	eip3009Inputs := `{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},` +
		`{"name":"authNonce","type":"bytes32"},{"name":"receiveSignature","type":"bytes"}`

	doc := "[" + strings.Join([]string{
		routerFn("depositAndSettleNative", true, ""),
		routerFn("depositAndSettleNativeSession", true, sessionInputs),
		routerFn("depositAndSettleToken", false, ""),
		routerFn("depositAndSettleTokenSession", false, sessionInputs),
		routerFn("payWithPermit2", false, permit2Inputs),
		routerFn("payWithPermit2Session", false, permit2Inputs+","+sessionInputs),
		routerFn("payWithEIP2612", false, eip2612Inputs),
		routerFn("payWithEIP2612Session", false, eip2612Inputs+","+sessionInputs),
		routerFn("payWithEIP3009", false, eip3009Inputs),
		routerFn("payWithEIP3009Session", false, eip3009Inputs+","+sessionInputs),
	}, ",") + "]"
	parsed, err := abi.JSON(strings.NewReader(doc))
	if err != nil {
		panic(err)
	}
	return parsed
}()

type abiIntent struct {
	PaymentId     [32]byte
	Merchant      common.Address
	Token         common.Address
	Amount        *big.Int
	Deadline      *big.Int
	Payer         common.Address
	ResourceId    [32]byte
	ReferenceHash [32]byte
	Nonce         [32]byte
}

type abiWitness struct {
	SchemeId   [32]byte
	IntentHash [32]byte
	Payer      common.Address
	Salt       [32]byte
}

type abiRateLimit struct {
	MaxTxPerMinute  uint32
	MaxTxPerDay     uint32
	CoolDownSeconds uint32
}

type abiGrant struct {
	SessionId     [32]byte
	Payer         common.Address
	Agent         common.Address
	MerchantScope [32]byte
	Deadline      uint32
	ExpiresAt     uint32
	Epoch         uint32
	Nonce         *big.Int
	RateLimit     abiRateLimit
	SchemesHash   [32]byte
	TokenCapsHash [32]byte
}

type abiPermitted struct {
	Token  common.Address
	Amount *big.Int
}

type abiPermit struct {
	Permitted abiPermitted
	Nonce     *big.Int
	Deadline  *big.Int
}

type abiTransferDetails struct {
	To              common.Address
	RequestedAmount *big.Int
}

func wireIntent(intent *x402flex.PaymentIntent) abiIntent {
	return abiIntent{
		PaymentId:     [32]byte(intent.PaymentID),
		Merchant:      intent.Merchant,
		Token:         intent.Token,
		Amount:        intent.Amount,
		Deadline:      new(big.Int).SetUint64(intent.Deadline),
		Payer:         intent.Payer,
		ResourceId:    [32]byte(intent.ResourceID),
		ReferenceHash: [32]byte(intent.ReferenceHash),
		Nonce:         [32]byte(intent.Nonce),
	}
}

func wireWitness(w *x402flex.FlexWitness) abiWitness {
	return abiWitness{
		SchemeId:   [32]byte(w.SchemeID),
		IntentHash: [32]byte(w.IntentHash),
		Payer:      w.Payer,
		Salt:       [32]byte(w.Salt),
	}
}

func wireGrant(session *SessionContext) (abiGrant, error) {
	grant := session.Grant
	rateLimit := abiRateLimit{
		MaxTxPerMinute:  grant.RateLimit.MaxTxPerMinute,
		MaxTxPerDay:     grant.RateLimit.MaxTxPerDay,
		CoolDownSeconds: grant.RateLimit.CoolDownSeconds,
	}
	schemesHash, err := HashSchemes(grant.Schemes)
	if err != nil {
		return abiGrant{}, err
	}
	tokenCapsHash, err := HashTokenCaps(grant.TokenCaps)
	if err != nil {
		return abiGrant{}, err
	}
	nonce := grant.Nonce
	if nonce == nil {
		nonce = big.NewInt(0)
	}
	return abiGrant{
		SessionId:     [32]byte(grant.SessionID),
		Payer:         grant.Payer,
		Agent:         grant.Agent,
		MerchantScope: [32]byte(grant.MerchantScope),
		Deadline:      grant.Deadline,
		ExpiresAt:     grant.ExpiresAt,
		Epoch:         grant.Epoch,
		Nonce:         nonce,
		RateLimit:     rateLimit,
		SchemesHash:   [32]byte(schemesHash),
		TokenCapsHash: [32]byte(tokenCapsHash),
	}, nil
}

// RouterPayment is a fully validated payment ready for dispatch. Build one
// with BuildRouterPayload; constructing it by hand skips the identity
// checks.
type RouterPayment struct {
	Scheme           string // canonical scheme name
	SchemeID         common.Hash
	Intent           *x402flex.PaymentIntent
	Witness          *x402flex.FlexWitness
	WitnessSignature []byte
	Session          *SessionContext
	ReferenceData    string
	ValueOverride    *big.Int // native value, defaults to the intent amount
}

// BuildPayloadInput collects the raw material for a router payment.
type BuildPayloadInput struct {
	Scheme           string
	Intent           *x402flex.PaymentIntent
	Witness          *x402flex.FlexWitness
	WitnessSignature []byte
	Session          *SessionContext
	Reference        string
	ValueOverride    *big.Int
}

// BuildRouterPayload validates and assembles a payment payload. Reference
// tagging happens here when a session with auto-tagging is attached, and
// the intent's payment id is re-derived and checked so a tampered intent
// never reaches the chain.
func BuildRouterPayload(input BuildPayloadInput) (*RouterPayment, error) {
	if input.Intent == nil {
		return nil, x402flex.ValidationError("payment intent is required")
	}
	if input.Intent.Nonce == (common.Hash{}) {
		return nil, x402flex.ValidationError("payment intent nonce is required")
	}
	if input.Intent.Amount == nil {
		return nil, x402flex.ValidationError("payment intent amount is required")
	}
	schemeID, err := x402flex.ResolveSchemeID(input.Scheme)
	if err != nil {
		return nil, err
	}

	session := input.Session
	if session != nil {
		if err := session.Validate(); err != nil {
			return nil, err
		}
		if session.AutoTagReferences && len(input.WitnessSignature) > 0 {
			return nil, x402flex.ValidationError(
				"auto-tagged references cannot be combined with a precomputed witness signature; tag the reference before signing")
		}
	}

	referenceData, err := x402flex.NormalizeReference(input.Reference)
	if err != nil {
		return nil, err
	}
	if session != nil && session.AutoTagReferences {
		referenceData, err = x402flex.FormatSessionReference(referenceData, session.Grant.SessionID, input.Intent.ResourceID)
		if err != nil {
			return nil, err
		}
	}

	intent := *input.Intent
	intent.ReferenceHash = x402flex.CalculateReferenceHash(referenceData)

	derivedID, err := DerivePaymentID(intent.Token, intent.Amount, intent.Deadline, intent.ResourceID, intent.ReferenceHash, intent.Nonce)
	if err != nil {
		return nil, err
	}
	if intent.PaymentID != derivedID {
		return nil, x402flex.ValidationError(
			"intent payment id %s does not match derived id %s", intent.PaymentID.Hex(), derivedID.Hex())
	}

	intentHash, err := HashPaymentIntent(&intent)
	if err != nil {
		return nil, err
	}
	witness := input.Witness
	if witness == nil {
		if len(input.WitnessSignature) > 0 {
			return nil, x402flex.ValidationError("witness signature supplied without its witness")
		}
		salt, err := RandomHash()
		if err != nil {
			return nil, err
		}
		witness = &x402flex.FlexWitness{SchemeID: schemeID, Payer: intent.Payer, Salt: salt}
	} else {
		copied := *witness
		witness = &copied
	}
	witness.IntentHash = intentHash
	if witness.SchemeID == (common.Hash{}) {
		witness.SchemeID = schemeID
	}

	canonical := strings.ToLower(strings.TrimSpace(input.Scheme))
	if name, ok := canonicalSchemeName(schemeID); ok {
		canonical = name
	}
	return &RouterPayment{
		Scheme:           canonical,
		SchemeID:         schemeID,
		Intent:           &intent,
		Witness:          witness,
		WitnessSignature: input.WitnessSignature,
		Session:          session,
		ReferenceData:    referenceData,
		ValueOverride:    input.ValueOverride,
	}, nil
}

var canonicalSchemeIDs = map[common.Hash]string{
	crypto.Keccak256Hash([]byte(x402flex.SchemeAAPush)):  x402flex.SchemeAAPush,
	crypto.Keccak256Hash([]byte(x402flex.SchemePermit2)): x402flex.SchemePermit2,
	crypto.Keccak256Hash([]byte(x402flex.SchemeEIP2612)): x402flex.SchemeEIP2612,
	crypto.Keccak256Hash([]byte(x402flex.SchemeEIP3009)): x402flex.SchemeEIP3009,
}

func canonicalSchemeName(id common.Hash) (string, bool) {
	name, ok := canonicalSchemeIDs[id]
	return name, ok
}

// Permit2Args carries the Permit2 leg of a payment. The permitted token and
// amount come from the intent; only the permit nonce, deadline, and the
// payer's Permit2 signature are supplied here.
type Permit2Args struct {
	Nonce     *big.Int
	Deadline  uint64
	Signature []byte
}

// EIP2612Args carries the ERC-2612 permit leg of a payment.
type EIP2612Args struct {
	Deadline  uint64
	Signature []byte // 65-byte permit signature, split into v/r/s on dispatch
}

// EIP3009Args carries the transferWithAuthorization leg of a payment.
type EIP3009Args struct {
	ValidAfter  uint64
	ValidBefore uint64
	Nonce       common.Hash
	Signature   []byte
}

// SendRouterPayment packs a payment for its scheme and submits it through
// the transport. Native payments attach the intent amount as call value
// unless overridden.
func SendRouterPayment(ctx context.Context, transport Transport, network *NetworkConfig, payment *RouterPayment, schemeArgs interface{}) (common.Hash, error) {
	if err := network.RequireContracts(); err != nil {
		return common.Hash{}, err
	}

	intent := wireIntent(payment.Intent)
	witness := wireWitness(payment.Witness)
	hasSession := payment.Session != nil
	var grant abiGrant
	if hasSession {
		var err error
		if grant, err = wireGrant(payment.Session); err != nil {
			return common.Hash{}, err
		}
	}

	value := big.NewInt(0)
	var data []byte
	var err error

	switch payment.Scheme {
	case x402flex.SchemeAAPush:
		native := payment.Intent.Token == (common.Address{})
		if native {
			value = payment.Intent.Amount
			if payment.ValueOverride != nil {
				value = payment.ValueOverride
			}
		}
		switch {
		case native && hasSession:
			data, err = routerABI.Pack("depositAndSettleNativeSession", intent, witness, payment.WitnessSignature, grant, payment.Session.GrantSignature, payment.ReferenceData)
		case native:
			data, err = routerABI.Pack("depositAndSettleNative", intent, witness, payment.WitnessSignature, payment.ReferenceData)
		case hasSession:
			data, err = routerABI.Pack("depositAndSettleTokenSession", intent, witness, payment.WitnessSignature, grant, payment.Session.GrantSignature, payment.ReferenceData)
		default:
			data, err = routerABI.Pack("depositAndSettleToken", intent, witness, payment.WitnessSignature, payment.ReferenceData)
		}

	case x402flex.SchemePermit2:
		args, ok := schemeArgs.(*Permit2Args)
		if !ok || args == nil {
			return common.Hash{}, x402flex.ValidationError("permit2 payments require Permit2Args")
		}
		permit := abiPermit{
			Permitted: abiPermitted{Token: payment.Intent.Token, Amount: payment.Intent.Amount},
			Nonce:     args.Nonce,
			Deadline:  new(big.Int).SetUint64(args.Deadline),
		}
		details := abiTransferDetails{To: network.Router, RequestedAmount: payment.Intent.Amount}
		if hasSession {
			data, err = routerABI.Pack("payWithPermit2Session", intent, witness, payment.WitnessSignature, permit, details, args.Signature, grant, payment.Session.GrantSignature, payment.ReferenceData)
		} else {
			data, err = routerABI.Pack("payWithPermit2", intent, witness, payment.WitnessSignature, permit, details, args.Signature, payment.ReferenceData)
		}

	case x402flex.SchemeEIP2612:
		args, ok := schemeArgs.(*EIP2612Args)
		if !ok || args == nil {
			return common.Hash{}, x402flex.ValidationError("eip2612 payments require EIP2612Args")
		}
		v, r, s, splitErr := splitSignature(args.Signature)
		if splitErr != nil {
			return common.Hash{}, splitErr
		}
		deadline := new(big.Int).SetUint64(args.Deadline)
		if hasSession {
			data, err = routerABI.Pack("payWithEIP2612Session", intent, witness, payment.WitnessSignature, deadline, v, r, s, grant, payment.Session.GrantSignature, payment.ReferenceData)
		} else {
			data, err = routerABI.Pack("payWithEIP2612", intent, witness, payment.WitnessSignature, deadline, v, r, s, payment.ReferenceData)
		}

	case x402flex.SchemeEIP3009:
		args, ok := schemeArgs.(*EIP3009Args)
		if !ok || args == nil {
			return common.Hash{}, x402flex.ValidationError("eip3009 payments require EIP3009Args")
		}
		validAfter := new(big.Int).SetUint64(args.ValidAfter)
		validBefore := new(big.Int).SetUint64(args.ValidBefore)
		if hasSession {
			data, err = routerABI.Pack("payWithEIP3009Session", intent, witness, payment.WitnessSignature, validAfter, validBefore, [32]byte(args.Nonce), args.Signature, grant, payment.Session.GrantSignature, payment.ReferenceData)
		} else {
			data, err = routerABI.Pack("payWithEIP3009", intent, witness, payment.WitnessSignature, validAfter, validBefore, [32]byte(args.Nonce), args.Signature, payment.ReferenceData)
		}

	default:
		return common.Hash{}, x402flex.NewFlexError(x402flex.ErrCodeUnsupportedOperation,
			"scheme "+payment.Scheme+" has no router dispatch", nil)
	}
	if err != nil {
		return common.Hash{}, x402flex.ValidationError("pack router call: %v", err)
	}
	return transport.SubmitCall(ctx, network.Router, data, value)
}

// PayWithPermit2 submits a Permit2-funded payment.
func PayWithPermit2(ctx context.Context, transport Transport, network *NetworkConfig, payment *RouterPayment, args *Permit2Args) (common.Hash, error) {
	payment.Scheme = x402flex.SchemePermit2
	return SendRouterPayment(ctx, transport, network, payment, args)
}

// PayWithEIP2612 submits an ERC-2612 permit-funded payment.
func PayWithEIP2612(ctx context.Context, transport Transport, network *NetworkConfig, payment *RouterPayment, args *EIP2612Args) (common.Hash, error) {
	payment.Scheme = x402flex.SchemeEIP2612
	return SendRouterPayment(ctx, transport, network, payment, args)
}

// PayWithEIP3009 submits a transferWithAuthorization-funded payment.
func PayWithEIP3009(ctx context.Context, transport Transport, network *NetworkConfig, payment *RouterPayment, args *EIP3009Args) (common.Hash, error) {
	payment.Scheme = x402flex.SchemeEIP3009
	return SendRouterPayment(ctx, transport, network, payment, args)
}

func splitSignature(sig []byte) (uint8, [32]byte, [32]byte, error) {
	if len(sig) != 65 {
		return 0, [32]byte{}, [32]byte{}, x402flex.ValidationError("permit signature must be 65 bytes, got %d", len(sig))
	}
	var r, s [32]byte
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}
