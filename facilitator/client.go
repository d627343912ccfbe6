// Package facilitator talks to remote payment facilitators. Two wire
// profiles are supported: the single-endpoint relay dialect and the
// verify/settle dialect. The client normalizes both into one Verify/Settle
// surface.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	x402flex "github.com/x402flex/x402flex-go"
)

// Request is the facilitator-bound payload. Context carries the relay
// dialect's opaque body; the remaining fields serve the verify/settle
// dialect.
type Request struct {
	X402Version   int                    `json:"x402Version,omitempty"`
	Network       string                 `json:"network,omitempty"`
	PaymentHeader string                 `json:"paymentHeader,omitempty"`
	Requirements  map[string]interface{} `json:"paymentRequirements,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// Response is the normalized facilitator answer. Raw preserves the full
// decoded body for callers that need dialect-specific fields.
type Response struct {
	OK     bool                   `json:"ok"`
	TxHash string                 `json:"txHash,omitempty"`
	Raw    map[string]interface{} `json:"raw,omitempty"`
}

// Client speaks one facilitator's wire profile.
type Client struct {
	baseURL    string
	apiKey     string
	profile    x402flex.ProtocolProfile
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey attaches an x-api-key header to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithProfile pins the wire profile instead of the default.
func WithProfile(profile x402flex.ProtocolProfile) Option {
	return func(c *Client) { c.profile = profile }
}

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// New builds a facilitator client for a base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, x402flex.ConfigError("facilitator base URL is required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		profile:    x402flex.DefaultProfile,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Profile reports the wire profile in use.
func (c *Client) Profile() x402flex.ProtocolProfile {
	return c.profile
}

// Negotiate queries the facilitator's capabilities endpoint and adopts the
// first mutually understood profile. Negotiation never fails; on any
// trouble the client keeps the default profile.
func (c *Client) Negotiate(ctx context.Context) x402flex.ProtocolProfile {
	c.profile = x402flex.NegotiateProfile(ctx, c.httpClient, c.baseURL+"/capabilities")
	return c.profile
}

// Verify asks the facilitator to verify a payment without settling it. The
// relay dialect has no separate verify step, so it settles there.
func (c *Client) Verify(ctx context.Context, req *Request) (*Response, error) {
	if c.profile == x402flex.ProfileX402V2CAIP {
		return c.post(ctx, "/verify", req, "verified")
	}
	return c.relay(ctx, req)
}

// Settle asks the facilitator to settle a payment.
func (c *Client) Settle(ctx context.Context, req *Request) (*Response, error) {
	if c.profile == x402flex.ProfileX402V2CAIP {
		return c.post(ctx, "/settle", req, "settled")
	}
	return c.relay(ctx, req)
}

// relay posts to the single relay endpoint. When the request carries an
// opaque context, that context is the body; success means the facilitator
// returned a transaction hash.
func (c *Client) relay(ctx context.Context, req *Request) (*Response, error) {
	var body interface{} = req
	if req.Context != nil {
		body = req.Context
	}
	raw, status, err := c.do(ctx, "/relay/payment", body)
	if err != nil {
		return nil, err
	}
	resp := &Response{Raw: raw}
	if txHash, ok := raw["txHash"].(string); ok && txHash != "" {
		resp.TxHash = txHash
		resp.OK = true
	}
	if !resp.OK {
		return resp, x402flex.FacilitatorError(status, "facilitator returned no transaction hash")
	}
	return resp, nil
}

// post posts to a verify/settle endpoint. The ok bit falls back through
// "ok", then the step-specific flag, then defaults to true since dialect B
// servers signal failure with an error status.
func (c *Client) post(ctx context.Context, path string, req *Request, okField string) (*Response, error) {
	raw, _, err := c.do(ctx, path, req)
	if err != nil {
		return nil, err
	}
	resp := &Response{OK: true, Raw: raw}
	if v, ok := raw["ok"].(bool); ok {
		resp.OK = v
	} else if v, ok := raw[okField].(bool); ok {
		resp.OK = v
	}
	if txHash, ok := raw["txHash"].(string); ok {
		resp.TxHash = txHash
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, path string, body interface{}) (map[string]interface{}, int, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, 0, x402flex.ValidationError("encode facilitator request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, x402flex.ConfigError("build facilitator request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, x402flex.FacilitatorError(0, err.Error())
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, x402flex.FacilitatorError(resp.StatusCode, string(raw))
	}
	decoded := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, resp.StatusCode, x402flex.FacilitatorError(resp.StatusCode, "malformed facilitator response: "+string(raw))
		}
	}
	return decoded, resp.StatusCode, nil
}
