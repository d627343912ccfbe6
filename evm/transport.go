package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	x402flex "github.com/x402flex/x402flex-go"
)

// Transport submits a router call and returns the resulting transaction
// hash. Implementations decide how the call reaches the chain.
type Transport interface {
	SubmitCall(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error)
}

// SignerTransport signs and submits transactions directly with a local key.
type SignerTransport struct {
	signer    Signer
	chainID   uint64
	submitter TxSubmitter
	fees      *FeeCache
	gasLimit  uint64 // zero means estimate
}

// NewSignerTransport builds a transport that submits through the given
// chain client with fees from the shared cache.
func NewSignerTransport(signer Signer, chainID uint64, submitter TxSubmitter, fees *FeeCache) *SignerTransport {
	return &SignerTransport{signer: signer, chainID: chainID, submitter: submitter, fees: fees}
}

// WithGasLimit pins the gas limit instead of estimating per call.
func (t *SignerTransport) WithGasLimit(limit uint64) *SignerTransport {
	t.gasLimit = limit
	return t
}

func (t *SignerTransport) SubmitCall(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	from := t.signer.Address()
	nonce, err := t.submitter.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, x402flex.ChainRPCError("fetch nonce: %v", err)
	}
	gasLimit := t.gasLimit
	if gasLimit == 0 {
		gasLimit, err = t.submitter.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data, Value: value})
		if err != nil {
			return common.Hash{}, x402flex.AuthorizationFailedError("estimate gas: " + err.Error())
		}
	}
	fees, err := t.fees.Suggest(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	var tx *types.Transaction
	if fees.EIP1559 {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(t.chainID),
			Nonce:     nonce,
			GasTipCap: fees.TipCap,
			GasFeeCap: fees.FeeCap,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      data,
		})
	} else {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.GasPrice,
			Gas:      gasLimit,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}

	txSigner := types.LatestSignerForChainID(new(big.Int).SetUint64(t.chainID))
	digest := txSigner.Hash(tx)
	sig, err := t.signer.SignDigest(digest)
	if err != nil {
		return common.Hash{}, err
	}
	// transaction signatures use recovery id 0/1
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	signed, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		return common.Hash{}, x402flex.AuthorizationFailedError("attach signature: " + err.Error())
	}
	if err := t.submitter.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, x402flex.AuthorizationFailedError("send transaction: " + err.Error())
	}
	return signed.Hash(), nil
}

// RelayTransport posts signed call payloads to an HTTP relay that submits
// on the caller's behalf.
type RelayTransport struct {
	relay      RelayConfig
	network    string
	httpClient *http.Client
}

// NewRelayTransport builds a relay-backed transport for a network.
func NewRelayTransport(relay RelayConfig, network string, httpClient *http.Client) (*RelayTransport, error) {
	if strings.TrimSpace(relay.URL) == "" {
		return nil, x402flex.ConfigError("relay URL is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RelayTransport{relay: relay, network: network, httpClient: httpClient}, nil
}

type relayRequest struct {
	Network string                 `json:"network"`
	Payload map[string]interface{} `json:"payload"`
}

type relayResponse struct {
	TxHash string `json:"txHash"`
	Error  string `json:"error,omitempty"`
}

func (t *RelayTransport) SubmitCall(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	payload := map[string]interface{}{
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}
	if value != nil && value.Sign() > 0 {
		payload["value"] = value.String()
	}
	body, err := json.Marshal(relayRequest{Network: t.network, Payload: payload})
	if err != nil {
		return common.Hash{}, x402flex.ValidationError("encode relay request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.relay.URL, "/"), bytes.NewReader(body))
	if err != nil {
		return common.Hash{}, x402flex.ConfigError("build relay request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.relay.APIKey != "" {
		req.Header.Set("x-api-key", t.relay.APIKey)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return common.Hash{}, x402flex.FacilitatorError(0, "relay request: "+err.Error())
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return common.Hash{}, x402flex.FacilitatorError(resp.StatusCode, string(raw))
	}
	var decoded relayResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return common.Hash{}, x402flex.FacilitatorError(resp.StatusCode, "malformed relay response: "+string(raw))
	}
	if decoded.TxHash == "" {
		msg := decoded.Error
		if msg == "" {
			msg = "relay returned no transaction hash"
		}
		return common.Hash{}, x402flex.FacilitatorError(resp.StatusCode, msg)
	}
	return common.HexToHash(decoded.TxHash), nil
}
