package x402flex

import (
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PaymentIntent is the canonical description of a requested payment: who is
// paid, in what token, how much, by when, and for which resource. Intents are
// immutable once hashed; PaymentID must equal the digest of the remaining
// fields (see evm.DerivePaymentID) or construction fails.
type PaymentIntent struct {
	PaymentID     common.Hash
	Merchant      common.Address
	Token         common.Address
	Amount        *big.Int
	Deadline      uint64
	Payer         common.Address // zero address for open/push flows
	ResourceID    common.Hash
	ReferenceHash common.Hash
	Nonce         common.Hash
}

// FlexWitness is a scheme-tagged, salted commitment binding a signer to the
// entire intent (via IntentHash), not just its id. Binding to the full intent
// prevents intent-substitution attacks.
type FlexWitness struct {
	SchemeID   common.Hash
	IntentHash common.Hash
	Payer      common.Address
	Salt       common.Hash
}

// RouterIntent is the wire form of a PaymentIntent as embedded in challenge
// bodies: hex-string hashes and addresses, decimal-string amount.
type RouterIntent struct {
	PaymentID     string `json:"paymentId"`
	Merchant      string `json:"merchant"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	Deadline      uint64 `json:"deadline"`
	Payer         string `json:"payer"`
	ResourceID    string `json:"resourceId"`
	ReferenceHash string `json:"referenceHash"`
	Nonce         string `json:"nonce"`
}

// RouterWitness is the wire form of a FlexWitness.
type RouterWitness struct {
	SchemeID   string `json:"schemeId"`
	IntentHash string `json:"intentHash"`
	Payer      string `json:"payer"`
	Salt       string `json:"salt"`
}

// RouterPayload embeds the on-chain obligation the payer must satisfy when a
// challenge accept option is routed through the settlement router.
type RouterPayload struct {
	Address   string         `json:"address"`
	SchemeID  string         `json:"schemeId"`
	Intent    RouterIntent   `json:"intent"`
	Witness   *RouterWitness `json:"witness,omitempty"`
	Signature string         `json:"signature,omitempty"`
}

// AcceptOption is one acceptable payment method inside a challenge.
type AcceptOption struct {
	Scheme    string                 `json:"scheme"`
	SchemeID  string                 `json:"schemeId"`
	Network   string                 `json:"network"`
	ChainID   uint64                 `json:"chainId"`
	Amount    string                 `json:"amount"`
	PayTo     string                 `json:"payTo"`
	Asset     string                 `json:"asset"`
	Reference string                 `json:"reference"`
	AmountUSD string                 `json:"amountUsd,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Router    *RouterPayload         `json:"router,omitempty"`
}

// FlexResponse is the 402 challenge body describing acceptable payment
// methods for a resource.
type FlexResponse struct {
	X402Version int            `json:"x402Version"`
	ResourceID  string         `json:"resourceId,omitempty"`
	ExpiresAt   int64          `json:"expiresAt,omitempty"`
	Memo        string         `json:"memo,omitempty"`
	Accepts     []AcceptOption `json:"accepts"`
}

// IsPaymentChallenge reports whether a decoded JSON value looks like a
// FlexResponse challenge body.
func IsPaymentChallenge(body []byte) bool {
	var probe struct {
		X402Version *int            `json:"x402Version"`
		Accepts     json.RawMessage `json:"accepts"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.X402Version != nil && len(probe.Accepts) > 0 && probe.Accepts[0] == '['
}

// FlexAuthorization is the buyer-to-merchant authorization header payload.
// Legacy clients may send a bare transaction hash instead of the JSON object.
type FlexAuthorization struct {
	Network      string                 `json:"network"`
	TxHash       string                 `json:"txHash,omitempty"`
	BlockNumber  uint64                 `json:"blockNumber,omitempty"`
	Timestamp    int64                  `json:"timestamp,omitempty"`
	RelayPayload map[string]interface{} `json:"relayPayload,omitempty"`
}

// ParseAuthorizationHeader decodes an authorization header value. A value
// that is not valid JSON is treated as a bare transaction hash with no
// network, for backward compatibility.
func ParseAuthorizationHeader(value string) FlexAuthorization {
	var auth FlexAuthorization
	if err := json.Unmarshal([]byte(value), &auth); err == nil {
		return auth
	}
	return FlexAuthorization{Network: "", TxHash: value}
}

// FormatAuthorizationHeader encodes an authorization for the header.
func FormatAuthorizationHeader(auth FlexAuthorization) string {
	data, _ := json.Marshal(auth)
	return string(data)
}

// SettlementProof records where on chain a verification attempt looked and
// what it found. Every verification branch, including failures, produces a
// fully populated proof.
type SettlementProof struct {
	TxHash        string                   `json:"txHash"`
	Network       string                   `json:"network"`
	BlockNumber   uint64                   `json:"blockNumber"`
	Confirmations uint64                   `json:"confirmations"`
	PaymentID     string                   `json:"paymentId,omitempty"`
	SchemeID      string                   `json:"schemeId,omitempty"`
	ResourceID    string                   `json:"resourceId,omitempty"`
	Reference     string                   `json:"reference,omitempty"`
	Session       *SessionReferenceDetails `json:"session,omitempty"`
	Merchant      string                   `json:"merchant,omitempty"`
	Payer         string                   `json:"payer,omitempty"`
	Token         string                   `json:"token,omitempty"`
	Amount        string                   `json:"amount,omitempty"`
}

// SettlementResult is the immutable outcome of one verification attempt.
// Failed checks come back as Error codes, not Go errors; a fresh attempt
// replaces the result rather than mutating it.
type SettlementResult struct {
	Success    bool                     `json:"success"`
	Network    string                   `json:"network"`
	Error      string                   `json:"error,omitempty"`
	PaymentID  string                   `json:"paymentId,omitempty"`
	SchemeID   string                   `json:"schemeId,omitempty"`
	ResourceID string                   `json:"resourceId,omitempty"`
	Reference  string                   `json:"reference,omitempty"`
	Session    *SessionReferenceDetails `json:"session,omitempty"`
	Proof      SettlementProof          `json:"proof"`
}

// PaymentChallenge is the transport-agnostic view of a 402 response handed
// to the buyer-side authorize callback.
type PaymentChallenge struct {
	Status   int
	Headers  map[string]string
	Body     []byte
	Response *FlexResponse // parsed form when the body is a valid challenge
}

// TransportRequest is the transport-agnostic view of the request that
// triggered a 402.
type TransportRequest struct {
	Method  string
	URL     string
	Headers map[string]string
}

// AuthorizationResult is what a wallet returns from authorizing a challenge.
type AuthorizationResult struct {
	Authorization interface{}       // string or JSON-encodable object
	Network       string
	Headers       map[string]string // extra headers to attach verbatim
}

// ParseBytes32 normalizes a 0x-prefixed hex string of at most 32 bytes to a
// left-padded 32-byte hash.
func ParseBytes32(value, label string) (common.Hash, error) {
	if value == "" {
		return common.Hash{}, ValidationError("%s is required", label)
	}
	raw, err := hexutil.Decode(value)
	if err != nil {
		return common.Hash{}, ValidationError("%s must be a 0x-prefixed hex string", label)
	}
	if len(raw) > 32 {
		return common.Hash{}, ValidationError("%s must be at most 32 bytes", label)
	}
	var out common.Hash
	copy(out[32-len(raw):], raw)
	return out, nil
}

// ParseAddress validates and parses a hex address.
func ParseAddress(value, label string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, ValidationError("%s is not a valid address: %q", label, value)
	}
	return common.HexToAddress(value), nil
}

// ToIntent parses the wire intent into its canonical form.
func (r RouterIntent) ToIntent() (*PaymentIntent, error) {
	paymentID, err := ParseBytes32(r.PaymentID, "paymentId")
	if err != nil {
		return nil, err
	}
	merchant, err := ParseAddress(r.Merchant, "merchant")
	if err != nil {
		return nil, err
	}
	token, err := ParseAddress(r.Token, "token")
	if err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return nil, ValidationError("amount is not a decimal integer: %q", r.Amount)
	}
	payer := common.Address{}
	if r.Payer != "" {
		if payer, err = ParseAddress(r.Payer, "payer"); err != nil {
			return nil, err
		}
	}
	resourceID, err := ParseBytes32(r.ResourceID, "resourceId")
	if err != nil {
		return nil, err
	}
	referenceHash, err := ParseBytes32(r.ReferenceHash, "referenceHash")
	if err != nil {
		return nil, err
	}
	nonce, err := ParseBytes32(r.Nonce, "nonce")
	if err != nil {
		return nil, err
	}
	return &PaymentIntent{
		PaymentID:     paymentID,
		Merchant:      merchant,
		Token:         token,
		Amount:        amount,
		Deadline:      r.Deadline,
		Payer:         payer,
		ResourceID:    resourceID,
		ReferenceHash: referenceHash,
		Nonce:         nonce,
	}, nil
}

// Wire converts the canonical intent to its challenge wire form.
func (i *PaymentIntent) Wire() RouterIntent {
	return RouterIntent{
		PaymentID:     i.PaymentID.Hex(),
		Merchant:      i.Merchant.Hex(),
		Token:         i.Token.Hex(),
		Amount:        i.Amount.String(),
		Deadline:      i.Deadline,
		Payer:         i.Payer.Hex(),
		ResourceID:    i.ResourceID.Hex(),
		ReferenceHash: i.ReferenceHash.Hex(),
		Nonce:         i.Nonce.Hex(),
	}
}

// Wire converts the canonical witness to its challenge wire form.
func (w *FlexWitness) Wire() RouterWitness {
	return RouterWitness{
		SchemeID:   w.SchemeID.Hex(),
		IntentHash: w.IntentHash.Hex(),
		Payer:      w.Payer.Hex(),
		Salt:       w.Salt.Hex(),
	}
}

// IsNativeToken reports whether an asset string or address denotes the
// chain's native currency.
func IsNativeToken(asset string) bool {
	if asset == "" {
		return true
	}
	if strings.EqualFold(asset, "native") {
		return true
	}
	return common.IsHexAddress(asset) && common.HexToAddress(asset) == (common.Address{})
}
