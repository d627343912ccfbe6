package x402flex

import "fmt"

// FlexError is the error type returned by the SDK for configuration,
// validation, and collaborator failures. Settlement-check failures are
// not errors: they come back as data inside SettlementResult, since
// "not yet settled" is an expected state the caller will re-poll.
type FlexError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *FlexError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes. Config and network errors fail fast at construction and are
// never retried; validation errors surface synchronously at
// payload-construction time.
const (
	ErrCodeConfig                       = "SDK_CONFIG_ERROR"
	ErrCodeUnconfiguredNetwork          = "UNCONFIGURED_NETWORK"
	ErrCodeUnconfiguredNetworkContracts = "UNCONFIGURED_NETWORK_CONTRACTS"
	ErrCodeValidation                   = "VALIDATION_ERROR"
	ErrCodeAuthorizationFailed          = "PAYMENT_AUTHORIZATION_FAILED"
	ErrCodeFacilitator                  = "FACILITATOR_ERROR"
	ErrCodeChainRPC                     = "CHAIN_RPC_ERROR"
	ErrCodeUnsupportedOperation         = "UNSUPPORTED_OPERATION"
)

// Settlement error codes, returned as SettlementResult.Error rather than as
// Go errors.
const (
	SettleErrTxNotFound                = "TX_NOT_FOUND"
	SettleErrTxReverted                = "TX_REVERTED"
	SettleErrInsufficientConfirmations = "INSUFFICIENT_CONFIRMATIONS"
	SettleErrPaymentEventNotFound      = "PAYMENT_EVENT_NOT_FOUND"
	SettleErrPaymentIDMismatch         = "PAYMENT_ID_MISMATCH"
)

// NewFlexError creates a FlexError with an explicit code and details map.
func NewFlexError(code, message string, details map[string]interface{}) *FlexError {
	return &FlexError{Code: code, Message: message, Details: details}
}

// ConfigError reports malformed or missing required configuration.
func ConfigError(format string, args ...interface{}) *FlexError {
	return &FlexError{Code: ErrCodeConfig, Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports an intent/witness/session/reference invariant
// violation at construction time.
func ValidationError(format string, args ...interface{}) *FlexError {
	return &FlexError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// UnconfiguredNetworkError reports a network key absent from configuration.
func UnconfiguredNetworkError(network string) *FlexError {
	return &FlexError{
		Code:    ErrCodeUnconfiguredNetwork,
		Message: fmt.Sprintf("no network configuration found for %q", network),
		Details: map[string]interface{}{"network": network},
	}
}

// UnconfiguredContractsError reports a required contract address missing
// from an otherwise configured network.
func UnconfiguredContractsError(network, contract string) *FlexError {
	return &FlexError{
		Code:    ErrCodeUnconfiguredNetworkContracts,
		Message: fmt.Sprintf("contract %q not configured for network %q", contract, network),
		Details: map[string]interface{}{"network": network, "contract": contract},
	}
}

// FacilitatorError reports a non-2xx facilitator response, carrying the HTTP
// status and the parsed or raw body.
func FacilitatorError(status int, body interface{}) *FlexError {
	return &FlexError{
		Code:    ErrCodeFacilitator,
		Message: fmt.Sprintf("facilitator request failed: %d", status),
		Details: map[string]interface{}{"status": status, "body": body},
	}
}

// ChainRPCError reports a chain RPC transport failure, as opposed to an
// on-chain condition, which settlement verification reports as data.
func ChainRPCError(format string, args ...interface{}) *FlexError {
	return &FlexError{Code: ErrCodeChainRPC, Message: fmt.Sprintf(format, args...)}
}

// AuthorizationFailedError reports a wallet that returned no usable
// authorization for a 402 challenge.
func AuthorizationFailedError(message string) *FlexError {
	return &FlexError{Code: ErrCodeAuthorizationFailed, Message: message}
}
