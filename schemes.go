package x402flex

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Canonical scheme names understood by the settlement router.
const (
	SchemeAAPush  = "aa_push"
	SchemePermit2 = "permit2"
	SchemeEIP2612 = "eip2612"
	SchemeEIP3009 = "eip3009"
)

// schemeAliases maps external scheme spellings to canonical names. The
// x402 "kind:chain:variant" spellings collapse onto the router's four
// canonical schemes.
var schemeAliases = map[string]string{
	"push:evm:direct":  SchemeAAPush,
	"push:evm:aa4337":  SchemeAAPush,
	"exact:evm:permit2": SchemePermit2,
	"exact:evm:eip2612": SchemeEIP2612,
	"exact:evm:eip3009": SchemeEIP3009,
	SchemeAAPush:        SchemeAAPush,
	SchemePermit2:       SchemePermit2,
	SchemeEIP2612:       SchemeEIP2612,
	SchemeEIP3009:       SchemeEIP3009,
}

var hexSchemeID = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ResolveSchemeID maps a scheme name, alias, or literal 32-byte hex id to
// the canonical on-chain scheme id. Known aliases resolve to the keccak256
// of their canonical name; a 0x-prefixed 64-hex-digit value passes through
// unchanged; any other non-empty string hashes as-is, so custom schemes get
// stable ids without registration.
func ResolveSchemeID(scheme string) (common.Hash, error) {
	trimmed := strings.TrimSpace(scheme)
	if trimmed == "" {
		return common.Hash{}, ConfigError("scheme identifier is required")
	}
	if hexSchemeID.MatchString(trimmed) {
		return common.HexToHash(trimmed), nil
	}
	if canonical, ok := schemeAliases[strings.ToLower(trimmed)]; ok {
		trimmed = canonical
	}
	return crypto.Keccak256Hash([]byte(trimmed)), nil
}

// SchemeDescriptor describes how a scheme participates in the protocol.
type SchemeDescriptor struct {
	Type           string `json:"type"`
	SessionCapable bool   `json:"sessionCapable"`
	WitnessMode    string `json:"witnessMode"`
}

var schemeDescriptors = map[string]SchemeDescriptor{
	SchemeAAPush:  {Type: "push", SessionCapable: true, WitnessMode: "intent-hash"},
	SchemePermit2: {Type: "pull", SessionCapable: true, WitnessMode: "intent-hash"},
	SchemeEIP2612: {Type: "pull", SessionCapable: true, WitnessMode: "intent-hash"},
	SchemeEIP3009: {Type: "pull", SessionCapable: true, WitnessMode: "intent-hash"},
}

// DescribeScheme returns the descriptor for a scheme name or alias.
// Unrecognized schemes are treated as custom and assumed session capable.
func DescribeScheme(scheme string) SchemeDescriptor {
	key := strings.ToLower(strings.TrimSpace(scheme))
	if canonical, ok := schemeAliases[key]; ok {
		key = canonical
	}
	if desc, ok := schemeDescriptors[key]; ok {
		return desc
	}
	return SchemeDescriptor{Type: "custom", SessionCapable: true, WitnessMode: "intent-hash"}
}
