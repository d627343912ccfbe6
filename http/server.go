package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	x402flex "github.com/x402flex/x402flex-go"
	"github.com/x402flex/x402flex-go/evm"
	"github.com/x402flex/x402flex-go/facilitator"
)

// VerifyMode selects how the resource server checks authorizations.
type VerifyMode string

const (
	// ModeFacilitator delegates verification to the configured facilitator.
	ModeFacilitator VerifyMode = "facilitator"
	// ModeContracts verifies settlement directly on chain.
	ModeContracts VerifyMode = "contracts"
	// ModeAuto prefers the facilitator when one is configured, falling back
	// to contracts.
	ModeAuto VerifyMode = "auto"
)

// ChainReaderFunc resolves a chain reader for a network. The default dials
// through a shared client cache.
type ChainReaderFunc func(ctx context.Context, network *evm.NetworkConfig) (evm.ChainReader, error)

// RouteConfig declares one protected route and the challenge presented to
// unpaid callers.
type RouteConfig struct {
	Method    string
	Path      string
	Challenge evm.ChallengeRequest
	// Verify tunes on-chain verification for this route.
	Verify evm.VerifyOptions
}

// RegisteredRoute is a route plus its registry key.
type RegisteredRoute struct {
	Key    string
	Config RouteConfig
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// ResourceServer guards routes behind 402 challenges and verifies payment
// authorizations before letting requests through.
type ResourceServer struct {
	headers     x402flex.ProtocolHeaders
	mode        VerifyMode
	facilitator *facilitator.Client
	networks    evm.Networks
	readerFor   ChainReaderFunc

	mu     sync.RWMutex
	routes map[string]*RegisteredRoute
}

// ServerOption configures a ResourceServer.
type ServerOption func(*ResourceServer)

// WithFacilitator verifies payments through a facilitator.
func WithFacilitator(client *facilitator.Client) ServerOption {
	return func(s *ResourceServer) { s.facilitator = client }
}

// WithNetworks enables direct on-chain verification.
func WithNetworks(networks evm.Networks) ServerOption {
	return func(s *ResourceServer) { s.networks = networks }
}

// WithMode pins the verification mode.
func WithMode(mode VerifyMode) ServerOption {
	return func(s *ResourceServer) { s.mode = mode }
}

// WithServerProfile selects the header policy the server reads and writes.
func WithServerProfile(profile x402flex.ProtocolProfile) ServerOption {
	return func(s *ResourceServer) { s.headers = x402flex.HeadersForProfile(profile) }
}

// WithChainReader substitutes how chain readers are resolved.
func WithChainReader(fn ChainReaderFunc) ServerOption {
	return func(s *ResourceServer) { s.readerFor = fn }
}

// NewResourceServer builds a server. At least one verification path, a
// facilitator or a network registry, must be configured.
func NewResourceServer(opts ...ServerOption) (*ResourceServer, error) {
	s := &ResourceServer{
		headers: x402flex.HeadersForProfile(x402flex.DefaultProfile),
		mode:    ModeAuto,
		routes:  make(map[string]*RegisteredRoute),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.facilitator == nil && s.networks == nil {
		return nil, x402flex.NewFlexError(x402flex.ErrCodeUnsupportedOperation,
			"resource server needs a facilitator or a network registry to verify payments", nil)
	}
	switch s.mode {
	case ModeFacilitator:
		if s.facilitator == nil {
			return nil, x402flex.ConfigError("facilitator mode requires a facilitator client")
		}
	case ModeContracts:
		if s.networks == nil {
			return nil, x402flex.ConfigError("contracts mode requires a network registry")
		}
	case ModeAuto:
	default:
		return nil, x402flex.ConfigError("unknown verification mode %q", s.mode)
	}
	if s.readerFor == nil {
		cache := evm.NewClientCache()
		s.readerFor = func(ctx context.Context, network *evm.NetworkConfig) (evm.ChainReader, error) {
			return cache.Client(ctx, network)
		}
	}
	return s, nil
}

// Register adds a protected route. Registering the same method and path
// twice replaces the earlier config.
func (s *ResourceServer) Register(config RouteConfig) error {
	if config.Method == "" || config.Path == "" {
		return x402flex.ValidationError("route requires a method and a path")
	}
	if len(config.Challenge.Accepts) == 0 {
		return x402flex.ValidationError("route %s %s has no accept options", config.Method, config.Path)
	}
	key := routeKey(config.Method, config.Path)
	s.mu.Lock()
	s.routes[key] = &RegisteredRoute{Key: key, Config: config}
	s.mu.Unlock()
	return nil
}

// Routes snapshots the registered routes.
func (s *ResourceServer) Routes() []RegisteredRoute {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RegisteredRoute, 0, len(s.routes))
	for _, route := range s.routes {
		out = append(out, *route)
	}
	return out
}

// DiscoveryMetadata describes the server's paid surface for clients that
// probe before paying.
type DiscoveryMetadata struct {
	Protocol string           `json:"protocol"`
	Version  int              `json:"version"`
	Routes   []DiscoveryRoute `json:"routes"`
}

// DiscoveryRoute is one advertised paid route.
type DiscoveryRoute struct {
	Method  string   `json:"method"`
	Path    string   `json:"path"`
	Schemes []string `json:"schemes"`
}

// Discovery builds the discovery document for the registered routes.
func (s *ResourceServer) Discovery() DiscoveryMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta := DiscoveryMetadata{Protocol: "x402flex", Version: 1, Routes: make([]DiscoveryRoute, 0, len(s.routes))}
	for _, route := range s.routes {
		schemes := make([]string, 0, len(route.Config.Challenge.Accepts))
		for _, accept := range route.Config.Challenge.Accepts {
			schemes = append(schemes, accept.Scheme)
		}
		meta.Routes = append(meta.Routes, DiscoveryRoute{
			Method:  route.Config.Method,
			Path:    route.Config.Path,
			Schemes: schemes,
		})
	}
	return meta
}

// DiscoveryHandler serves the discovery document.
func (s *ResourceServer) DiscoveryHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Discovery())
	})
}

type settlementKey struct{}

// SettlementFromContext returns the verification result the middleware
// attached for a paid request.
func SettlementFromContext(ctx context.Context) (*x402flex.SettlementResult, bool) {
	result, ok := ctx.Value(settlementKey{}).(*x402flex.SettlementResult)
	return result, ok
}

// Middleware guards registered routes. Unregistered routes pass through
// untouched. Unpaid or unverifiable requests get the route's 402 challenge;
// verified requests continue with the settlement result in the context and
// the proof echoed in the response header.
func (s *ResourceServer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		route, ok := s.routes[routeKey(r.Method, r.URL.Path)]
		s.mu.RUnlock()
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		headerValue, found := x402flex.HeaderLookup(r.Header, s.headers)
		if !found {
			s.writeChallenge(w, route)
			return
		}

		auth := x402flex.ParseAuthorizationHeader(headerValue)
		result, err := s.verify(r.Context(), route, auth, headerValue)
		if err != nil || !result.Success {
			s.writeChallenge(w, route)
			return
		}

		if proof, err := json.Marshal(result.Proof); err == nil {
			w.Header().Set(s.headers.Response, string(proof))
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), settlementKey{}, result)))
	})
}

func (s *ResourceServer) verify(ctx context.Context, route *RegisteredRoute, auth x402flex.FlexAuthorization, rawHeader string) (*x402flex.SettlementResult, error) {
	useFacilitator := s.mode == ModeFacilitator || (s.mode == ModeAuto && s.facilitator != nil)
	if useFacilitator {
		resp, err := s.facilitator.Settle(ctx, &facilitator.Request{
			X402Version:   1,
			Network:       auth.Network,
			PaymentHeader: rawHeader,
		})
		if err != nil {
			return nil, err
		}
		return &x402flex.SettlementResult{
			Success: resp.OK,
			Network: auth.Network,
			Proof: x402flex.SettlementProof{
				TxHash:  resp.TxHash,
				Network: auth.Network,
			},
		}, nil
	}

	network, err := s.networks.Get(auth.Network)
	if err != nil {
		return nil, err
	}
	reader, err := s.readerFor(ctx, network)
	if err != nil {
		return nil, err
	}
	return evm.VerifySettlement(ctx, reader, network, auth, route.Config.Verify)
}

func (s *ResourceServer) writeChallenge(w http.ResponseWriter, route *RegisteredRoute) {
	challenge, err := evm.BuildFlexResponse(route.Config.Challenge)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(s.headers.RequiredMarker, "true")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(challenge)
}
