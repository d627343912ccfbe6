package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	x402flex "github.com/x402flex/x402flex-go"
)

const registryEventABI = `[{
	"anonymous": false,
	"name": "PaymentSettledV2",
	"type": "event",
	"inputs": [
		{"indexed": true,  "name": "paymentId",     "type": "bytes32"},
		{"indexed": true,  "name": "payer",         "type": "address"},
		{"indexed": true,  "name": "merchant",      "type": "address"},
		{"indexed": false, "name": "token",         "type": "address"},
		{"indexed": false, "name": "amount",        "type": "uint256"},
		{"indexed": false, "name": "feeAmount",     "type": "uint256"},
		{"indexed": false, "name": "schemeId",      "type": "bytes32"},
		{"indexed": false, "name": "referenceData", "type": "string"},
		{"indexed": false, "name": "resourceId",    "type": "bytes32"},
		{"indexed": false, "name": "timestamp",     "type": "uint256"}
	]
}]`

var registryABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(registryEventABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// PaymentSettledTopic is the topic0 of the registry's settlement event.
var PaymentSettledTopic = registryABI.Events["PaymentSettledV2"].ID

// PaymentSettledEvent is the decoded on-chain settlement record.
type PaymentSettledEvent struct {
	PaymentID     common.Hash
	Payer         common.Address
	Merchant      common.Address
	Token         common.Address
	Amount        *big.Int
	FeeAmount     *big.Int
	SchemeID      common.Hash
	ReferenceData string
	ResourceID    common.Hash
	Timestamp     *big.Int
	Session       x402flex.SessionReferenceDetails
}

// IsPaymentSettledLog reports whether a log is the registry's settlement
// event emitted by the given registry contract. The registry address match
// is case-insensitive; a zero registry address matches any emitter.
func IsPaymentSettledLog(log *types.Log, registry common.Address) bool {
	if len(log.Topics) == 0 || log.Topics[0] != PaymentSettledTopic {
		return false
	}
	if registry == (common.Address{}) {
		return true
	}
	return log.Address == registry
}

// DecodePaymentSettledEvent decodes a settlement log. The reference data is
// parsed for a session tag so callers see session attribution without
// re-parsing.
func DecodePaymentSettledEvent(log *types.Log) (*PaymentSettledEvent, error) {
	if len(log.Topics) != 4 {
		return nil, x402flex.ValidationError("settlement event expects 4 topics, got %d", len(log.Topics))
	}
	values, err := registryABI.Events["PaymentSettledV2"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, x402flex.ValidationError("decode settlement event: %v", err)
	}
	if len(values) != 7 {
		return nil, x402flex.ValidationError("settlement event expects 7 data fields, got %d", len(values))
	}
	event := &PaymentSettledEvent{
		PaymentID: log.Topics[1],
		Payer:     common.BytesToAddress(log.Topics[2].Bytes()),
		Merchant:  common.BytesToAddress(log.Topics[3].Bytes()),
	}
	var ok bool
	if event.Token, ok = values[0].(common.Address); !ok {
		return nil, x402flex.ValidationError("settlement event token field has unexpected type")
	}
	if event.Amount, ok = values[1].(*big.Int); !ok {
		return nil, x402flex.ValidationError("settlement event amount field has unexpected type")
	}
	if event.FeeAmount, ok = values[2].(*big.Int); !ok {
		return nil, x402flex.ValidationError("settlement event feeAmount field has unexpected type")
	}
	schemeID, ok := values[3].([32]byte)
	if !ok {
		return nil, x402flex.ValidationError("settlement event schemeId field has unexpected type")
	}
	event.SchemeID = common.Hash(schemeID)
	if event.ReferenceData, ok = values[4].(string); !ok {
		return nil, x402flex.ValidationError("settlement event referenceData field has unexpected type")
	}
	resourceID, ok := values[5].([32]byte)
	if !ok {
		return nil, x402flex.ValidationError("settlement event resourceId field has unexpected type")
	}
	event.ResourceID = common.Hash(resourceID)
	if event.Timestamp, ok = values[6].(*big.Int); !ok {
		return nil, x402flex.ValidationError("settlement event timestamp field has unexpected type")
	}
	event.Session = x402flex.ParseSessionReference(event.ReferenceData)
	return event, nil
}
