package x402flex

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// ProtocolProfile selects a facilitator wire dialect and the matching set of
// HTTP header names.
type ProtocolProfile string

const (
	// ProfileBNBPayV1Flex is the single-endpoint relay dialect. It is the
	// default when negotiation is unavailable or fails.
	ProfileBNBPayV1Flex ProtocolProfile = "bnbpay-v1-flex"
	// ProfileX402V2CAIP is the verify/settle dialect with CAIP-2 network ids.
	ProfileX402V2CAIP ProtocolProfile = "x402-v2-caip"
)

// DefaultProfile is used whenever a profile cannot be determined.
const DefaultProfile = ProfileBNBPayV1Flex

// ProtocolHeaders names the headers a profile reads and writes. Aliases are
// accepted on read in order; the primary name is always written first.
type ProtocolHeaders struct {
	Authorization        string
	AuthorizationAliases []string
	Response             string
	RequiredMarker       string
}

var profileHeaders = map[ProtocolProfile]ProtocolHeaders{
	ProfileBNBPayV1Flex: {
		Authorization:        "X-PAYMENT-AUTHORIZATION",
		AuthorizationAliases: []string{"x-payment-authorization", "payment-signature", "payment"},
		Response:             "X-PAYMENT-RESPONSE",
		RequiredMarker:       "PAYMENT-REQUIRED",
	},
	ProfileX402V2CAIP: {
		Authorization:        "PAYMENT-SIGNATURE",
		AuthorizationAliases: []string{"payment-signature", "x-payment-authorization", "payment"},
		Response:             "PAYMENT-RESPONSE",
		RequiredMarker:       "PAYMENT-REQUIRED",
	},
}

// HeadersForProfile returns the header policy for a profile, falling back to
// the default profile's policy for unknown values.
func HeadersForProfile(profile ProtocolProfile) ProtocolHeaders {
	if h, ok := profileHeaders[profile]; ok {
		return h
	}
	return profileHeaders[DefaultProfile]
}

// ResolveProtocolProfile normalizes a profile string, defaulting when empty
// and rejecting unknown values.
func ResolveProtocolProfile(name string) (ProtocolProfile, error) {
	if strings.TrimSpace(name) == "" {
		return DefaultProfile, nil
	}
	profile := ProtocolProfile(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := profileHeaders[profile]; !ok {
		return "", ConfigError("unknown protocol profile %q", name)
	}
	return profile, nil
}

// Capabilities is the facilitator capability advertisement consulted during
// profile negotiation.
type Capabilities struct {
	Profiles []string `json:"profiles"`
	Schemes  []string `json:"schemes,omitempty"`
	Networks []string `json:"networks,omitempty"`
}

// NegotiateProfile fetches capabilitiesURL and picks the verify/settle
// dialect whenever the facilitator explicitly advertises it, in any position.
// Negotiation never fails: any transport error, bad status, malformed body,
// or empty intersection degrades to the default profile.
func NegotiateProfile(ctx context.Context, client *http.Client, capabilitiesURL string) ProtocolProfile {
	if capabilitiesURL == "" {
		return DefaultProfile
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, capabilitiesURL, nil)
	if err != nil {
		return DefaultProfile
	}
	resp, err := client.Do(req)
	if err != nil {
		return DefaultProfile
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return DefaultProfile
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return DefaultProfile
	}
	var caps Capabilities
	if err := json.Unmarshal(body, &caps); err != nil {
		return DefaultProfile
	}
	for _, name := range caps.Profiles {
		if ProtocolProfile(strings.ToLower(strings.TrimSpace(name))) == ProfileX402V2CAIP {
			return ProfileX402V2CAIP
		}
	}
	return DefaultProfile
}

// HeaderLookup finds a header value across the primary name and its aliases,
// case-insensitively. Returns the value and whether any candidate matched.
func HeaderLookup(headers http.Header, policy ProtocolHeaders) (string, bool) {
	candidates := append([]string{policy.Authorization}, policy.AuthorizationAliases...)
	for _, name := range candidates {
		if v := headers.Get(name); v != "" {
			return v, true
		}
	}
	return "", false
}
