// Package http carries the protocol over plain net/http: a buyer-side
// payment client with a transparent RoundTripper, and a merchant-side
// resource server with route registration and discovery.
package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	x402flex "github.com/x402flex/x402flex-go"
)

// Authorizer turns a 402 challenge into payment authorization headers. A
// wallet, an agent with a session grant, or a facilitator-backed signer all
// fit behind this.
type Authorizer interface {
	Authorize(ctx context.Context, challenge *x402flex.PaymentChallenge, req *x402flex.TransportRequest) (*x402flex.AuthorizationResult, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, challenge *x402flex.PaymentChallenge, req *x402flex.TransportRequest) (*x402flex.AuthorizationResult, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, challenge *x402flex.PaymentChallenge, req *x402flex.TransportRequest) (*x402flex.AuthorizationResult, error) {
	return f(ctx, challenge, req)
}

// PaymentClient retries 402 responses with payment authorization attached.
type PaymentClient struct {
	authorizer Authorizer
	headers    x402flex.ProtocolHeaders
	maxRetries int
	httpClient *http.Client
}

// ClientOption configures a PaymentClient.
type ClientOption func(*PaymentClient)

// WithMaxRetries bounds how many paid retries follow a 402.
func WithMaxRetries(n int) ClientOption {
	return func(c *PaymentClient) { c.maxRetries = n }
}

// WithProfile selects which header names the client writes.
func WithProfile(profile x402flex.ProtocolProfile) ClientOption {
	return func(c *PaymentClient) { c.headers = x402flex.HeadersForProfile(profile) }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *PaymentClient) { c.httpClient = client }
}

// NewPaymentClient builds a client around an authorizer.
func NewPaymentClient(authorizer Authorizer, opts ...ClientOption) (*PaymentClient, error) {
	if authorizer == nil {
		return nil, x402flex.ConfigError("an authorizer is required")
	}
	c := &PaymentClient{
		authorizer: authorizer,
		headers:    x402flex.HeadersForProfile(x402flex.DefaultProfile),
		maxRetries: 1,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxRetries < 1 {
		return nil, x402flex.ConfigError("maxRetries must be at least 1, got %d", c.maxRetries)
	}
	return c, nil
}

// Do performs the request, paying and retrying on 402. Retries are strictly
// sequential; once the budget is spent the final 402 response is returned
// to the caller untouched.
func (c *PaymentClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}
		retry, err := c.authorizedRetry(req, resp)
		if err != nil {
			return nil, err
		}
		if resp, err = c.httpClient.Do(retry); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// authorizedRetry reads the challenge, asks the authorizer for payment, and
// clones the original request with the authorization headers attached.
func (c *PaymentClient) authorizedRetry(req *http.Request, resp *http.Response) (*http.Request, error) {
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
	}

	challenge := &x402flex.PaymentChallenge{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    body,
	}
	if x402flex.IsPaymentChallenge(body) {
		var parsed x402flex.FlexResponse
		if err := json.Unmarshal(body, &parsed); err == nil {
			challenge.Response = &parsed
		}
	}
	transportReq := &x402flex.TransportRequest{
		Method:  req.Method,
		URL:     req.URL.String(),
		Headers: flattenHeaders(req.Header),
	}

	result, err := c.authorizer.Authorize(req.Context(), challenge, transportReq)
	if err != nil {
		return nil, err
	}
	if result == nil || result.Authorization == nil {
		return nil, x402flex.AuthorizationFailedError("authorizer returned no payment authorization")
	}
	value, err := encodeAuthorization(result.Authorization)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		if retry.Body, err = req.GetBody(); err != nil {
			return nil, x402flex.ValidationError("rewind request body: %v", err)
		}
	}
	retry.Header.Set(c.headers.Authorization, value)
	for _, alias := range c.headers.AuthorizationAliases {
		retry.Header.Set(alias, value)
	}
	for name, v := range result.Headers {
		retry.Header.Set(name, v)
	}
	return retry, nil
}

func encodeAuthorization(authorization interface{}) (string, error) {
	if s, ok := authorization.(string); ok {
		return s, nil
	}
	encoded, err := json.Marshal(authorization)
	if err != nil {
		return "", x402flex.ValidationError("encode authorization: %v", err)
	}
	return string(encoded), nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

// PaymentRoundTripper retries 402 responses transparently so existing
// http.Client call sites gain payment support without changes.
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	Client    *PaymentClient
}

func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	resp, err := transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < t.Client.maxRetries; attempt++ {
		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}
		retry, err := t.Client.authorizedRetry(req, resp)
		if err != nil {
			return nil, err
		}
		if resp, err = transport.RoundTrip(retry); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// WrapClientWithPayment wraps an http.Client's transport with payment
// handling. A nil client wraps a fresh one.
func WrapClientWithPayment(client *http.Client, pc *PaymentClient) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	client.Transport = &PaymentRoundTripper{Transport: client.Transport, Client: pc}
	return client
}

// ResponseProof extracts the merchant's settlement proof from a paid
// response, if present.
func ResponseProof(resp *http.Response, profile x402flex.ProtocolProfile) (*x402flex.SettlementProof, bool) {
	policy := x402flex.HeadersForProfile(profile)
	value := resp.Header.Get(policy.Response)
	if value == "" {
		return nil, false
	}
	var proof x402flex.SettlementProof
	if err := json.Unmarshal([]byte(value), &proof); err != nil {
		return nil, false
	}
	return &proof, true
}
