package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	x402flex "github.com/x402flex/x402flex-go"
)

// VerifyOptions tune one verification attempt.
type VerifyOptions struct {
	// ExpectedPaymentID, when nonzero, must match the settled event's
	// payment id.
	ExpectedPaymentID common.Hash
	// MinConfirmations overrides the network's confirmation depth when
	// nonzero.
	MinConfirmations uint64
	// HTTPClient serves the relay fallback for hash-less authorizations.
	HTTPClient *http.Client
}

// VerifySettlement checks an authorization against the chain and produces
// an immutable result. On-chain conditions that are not yet met come back
// as failed results with a settlement error code, not Go errors; only
// malformed input or transport trouble returns an error.
func VerifySettlement(ctx context.Context, reader ChainReader, network *NetworkConfig, auth x402flex.FlexAuthorization, opts VerifyOptions) (*x402flex.SettlementResult, error) {
	txHash, err := resolveTxHash(ctx, network, auth, opts.HTTPClient)
	if err != nil {
		return nil, err
	}

	fail := func(code string, blockNumber, confirmations uint64) *x402flex.SettlementResult {
		return &x402flex.SettlementResult{
			Network: network.Name,
			Error:   code,
			Proof: x402flex.SettlementProof{
				TxHash:        txHash.Hex(),
				Network:       network.Name,
				BlockNumber:   blockNumber,
				Confirmations: confirmations,
			},
		}
	}

	receipt, err := reader.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return fail(x402flex.SettleErrTxNotFound, 0, 0), nil
		}
		return nil, x402flex.ChainRPCError("fetch receipt: %v", err)
	}
	if receipt == nil {
		return fail(x402flex.SettleErrTxNotFound, 0, 0), nil
	}
	blockNumber := receipt.BlockNumber.Uint64()
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fail(x402flex.SettleErrTxReverted, blockNumber, 0), nil
	}

	currentBlock, err := reader.BlockNumber(ctx)
	if err != nil {
		return nil, x402flex.ChainRPCError("fetch block number: %v", err)
	}
	var confirmations uint64
	if currentBlock >= blockNumber {
		confirmations = currentBlock - blockNumber + 1
	}
	required := opts.MinConfirmations
	if required == 0 {
		required = network.RequiredConfirmations()
	}
	if confirmations < required {
		return fail(x402flex.SettleErrInsufficientConfirmations, blockNumber, confirmations), nil
	}

	var event *PaymentSettledEvent
	for _, log := range receipt.Logs {
		if !IsPaymentSettledLog(log, network.Registry) {
			continue
		}
		decoded, err := DecodePaymentSettledEvent(log)
		if err != nil {
			continue
		}
		event = decoded
		break
	}
	if event == nil {
		return fail(x402flex.SettleErrPaymentEventNotFound, blockNumber, confirmations), nil
	}
	if opts.ExpectedPaymentID != (common.Hash{}) && event.PaymentID != opts.ExpectedPaymentID {
		result := fail(x402flex.SettleErrPaymentIDMismatch, blockNumber, confirmations)
		result.Proof.PaymentID = event.PaymentID.Hex()
		return result, nil
	}

	var session *x402flex.SessionReferenceDetails
	if event.Session.HasSessionTag {
		details := event.Session
		session = &details
	}
	return &x402flex.SettlementResult{
		Success:    true,
		Network:    network.Name,
		PaymentID:  event.PaymentID.Hex(),
		SchemeID:   event.SchemeID.Hex(),
		ResourceID: event.ResourceID.Hex(),
		Reference:  event.ReferenceData,
		Session:    session,
		Proof: x402flex.SettlementProof{
			TxHash:        txHash.Hex(),
			Network:       network.Name,
			BlockNumber:   blockNumber,
			Confirmations: confirmations,
			PaymentID:     event.PaymentID.Hex(),
			SchemeID:      event.SchemeID.Hex(),
			ResourceID:    event.ResourceID.Hex(),
			Reference:     event.ReferenceData,
			Session:       session,
			Merchant:      event.Merchant.Hex(),
			Payer:         event.Payer.Hex(),
			Token:         event.Token.Hex(),
			Amount:        event.Amount.String(),
		},
	}, nil
}

// resolveTxHash returns the authorization's hash, falling back to the
// network relay when the client delegated submission instead of settling
// itself.
func resolveTxHash(ctx context.Context, network *NetworkConfig, auth x402flex.FlexAuthorization, client *http.Client) (common.Hash, error) {
	if strings.TrimSpace(auth.TxHash) != "" {
		return common.HexToHash(auth.TxHash), nil
	}
	if auth.RelayPayload == nil {
		return common.Hash{}, x402flex.ValidationError("authorization carries neither a transaction hash nor a relay payload")
	}
	if network.Relay == nil {
		return common.Hash{}, x402flex.ConfigError("network %q has no relay configured for delegated payloads", network.Name)
	}
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(map[string]interface{}{
		"network": network.Name,
		"payload": auth.RelayPayload,
	})
	if err != nil {
		return common.Hash{}, x402flex.ValidationError("encode relay payload: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(network.Relay.URL, "/"), bytes.NewReader(body))
	if err != nil {
		return common.Hash{}, x402flex.ConfigError("build relay request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if network.Relay.APIKey != "" {
		req.Header.Set("x-api-key", network.Relay.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return common.Hash{}, x402flex.FacilitatorError(0, "relay request: "+err.Error())
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return common.Hash{}, x402flex.FacilitatorError(resp.StatusCode, string(raw))
	}
	var decoded struct {
		TxHash string `json:"txHash"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.TxHash == "" {
		return common.Hash{}, x402flex.FacilitatorError(resp.StatusCode, "relay returned no transaction hash: "+string(raw))
	}
	return common.HexToHash(decoded.TxHash), nil
}

// LogFilterer is the log query surface the session auditor needs.
type LogFilterer interface {
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

// SessionAudit summarizes every settlement attributed to one session.
type SessionAudit struct {
	SessionID   common.Hash
	Settlements []PaymentSettledEvent
	TotalAmount *big.Int
}

// AuditSessionReceipts scans the registry's settlement events in a block
// range and sums the payments whose reference carries the session's tag.
func AuditSessionReceipts(ctx context.Context, filterer LogFilterer, network *NetworkConfig, sessionID common.Hash, fromBlock, toBlock *big.Int) (*SessionAudit, error) {
	if err := network.RequireContracts(); err != nil {
		return nil, err
	}
	logs, err := filterer.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Addresses: []common.Address{network.Registry},
		Topics:    [][]common.Hash{{PaymentSettledTopic}},
	})
	if err != nil {
		return nil, x402flex.ChainRPCError("filter settlement logs: %v", err)
	}
	audit := &SessionAudit{SessionID: sessionID, TotalAmount: new(big.Int)}
	for i := range logs {
		event, err := DecodePaymentSettledEvent(&logs[i])
		if err != nil {
			continue
		}
		if !event.Session.HasSessionTag || !strings.EqualFold(event.Session.SessionID, sessionID.Hex()) {
			continue
		}
		audit.Settlements = append(audit.Settlements, *event)
		audit.TotalAmount.Add(audit.TotalAmount, event.Amount)
	}
	return audit, nil
}
