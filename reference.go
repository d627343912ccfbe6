package x402flex

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// MaxReferenceLength bounds the reference string carried on chain. The bound
// applies after session tagging, so tagged references must also fit.
const MaxReferenceLength = 256

const (
	sessionTagMarker  = "|session:"
	resourceTagMarker = "|resource:"
)

// SessionReferenceDetails is the parsed form of a session-tagged reference.
// HasSessionTag is false when no well-formed tag was found; parsing never
// fails outright.
type SessionReferenceDetails struct {
	BaseReference string `json:"baseReference"`
	SessionID     string `json:"sessionId,omitempty"`
	ResourceID    string `json:"resourceId,omitempty"`
	HasSessionTag bool   `json:"hasSessionTag"`
}

// NormalizeReference trims a reference and enforces the length bound.
func NormalizeReference(reference string) (string, error) {
	trimmed := strings.TrimSpace(reference)
	if len(trimmed) > MaxReferenceLength {
		return "", ValidationError("reference exceeds %d characters", MaxReferenceLength)
	}
	return trimmed, nil
}

// GenerateReferenceID produces a fresh opaque reference id.
func GenerateReferenceID() string {
	return "ref-" + uuid.NewString()
}

// FormatSessionReference appends session and resource tags to a base
// reference. The tagged result is subject to the same length bound as a
// plain reference.
func FormatSessionReference(base string, sessionID, resourceID common.Hash) (string, error) {
	normalized, err := NormalizeReference(base)
	if err != nil {
		return "", err
	}
	tagged := normalized + sessionTagMarker + sessionID.Hex() + resourceTagMarker + resourceID.Hex()
	if len(tagged) > MaxReferenceLength {
		return "", ValidationError("session-tagged reference exceeds %d characters", MaxReferenceLength)
	}
	return tagged, nil
}

// ParseSessionReference splits a possibly session-tagged reference. Inputs
// without a well-formed tag come back whole with HasSessionTag false.
func ParseSessionReference(reference string) SessionReferenceDetails {
	sessionIdx := strings.LastIndex(reference, sessionTagMarker)
	if sessionIdx < 0 {
		return SessionReferenceDetails{BaseReference: reference}
	}
	rest := reference[sessionIdx+len(sessionTagMarker):]
	resourceIdx := strings.Index(rest, resourceTagMarker)
	if resourceIdx < 0 {
		return SessionReferenceDetails{BaseReference: reference}
	}
	sessionID := rest[:resourceIdx]
	resourceID := rest[resourceIdx+len(resourceTagMarker):]
	if !isHexHash(sessionID) || !isHexHash(resourceID) {
		return SessionReferenceDetails{BaseReference: reference}
	}
	return SessionReferenceDetails{
		BaseReference: reference[:sessionIdx],
		SessionID:     sessionID,
		ResourceID:    resourceID,
		HasSessionTag: true,
	}
}

// CalculateReferenceHash computes the on-chain commitment for a reference
// string. References are tagged first, then hashed, so the hash always
// covers the full on-chain reference data.
func CalculateReferenceHash(referenceData string) common.Hash {
	return crypto.Keccak256Hash([]byte(referenceData))
}

func isHexHash(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
