package http

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	x402flex "github.com/x402flex/x402flex-go"
	"github.com/x402flex/x402flex-go/evm"
	"github.com/x402flex/x402flex-go/facilitator"
)

var (
	testRegistry = common.HexToAddress("0x8888888888888888888888888888888888888888")
	testTxHash   = common.HexToHash("0xf00d")
)

func testNetworks() evm.Networks {
	return evm.Networks{"bnb": &evm.NetworkConfig{
		Name:     "bnb",
		ChainID:  evm.ChainBNB,
		Router:   common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Registry: testRegistry,
	}}
}

func testRoute() RouteConfig {
	return RouteConfig{
		Method: http.MethodGet,
		Path:   "/premium",
		Challenge: evm.ChallengeRequest{Accepts: []evm.AcceptRequest{{
			Scheme:   "aa_push",
			Network:  "bnb",
			ChainID:  evm.ChainBNB,
			Merchant: common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Amount:   big.NewInt(1_000_000),
		}}},
	}
}

type fixedReader struct {
	receipt *types.Receipt
	head    uint64
}

func (f *fixedReader) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fixedReader) BlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func settledReceipt(t *testing.T) *types.Receipt {
	t.Helper()
	newType := func(s string) abi.Type {
		typ, err := abi.NewType(s, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		return typ
	}
	dataArgs := abi.Arguments{
		{Type: newType("address")}, {Type: newType("uint256")}, {Type: newType("uint256")},
		{Type: newType("bytes32")}, {Type: newType("string")}, {Type: newType("bytes32")},
		{Type: newType("uint256")},
	}
	data, err := dataArgs.Pack(
		common.Address{},
		big.NewInt(1_000_000),
		big.NewInt(0),
		[32]byte(crypto.Keccak256Hash([]byte("aa_push"))),
		"order-42",
		[32]byte(common.HexToHash("0x04")),
		big.NewInt(1_900_000_000),
	)
	if err != nil {
		t.Fatalf("pack event: %v", err)
	}
	log := &types.Log{
		Address: testRegistry,
		Topics: []common.Hash{
			evm.PaymentSettledTopic,
			common.HexToHash("0x01"),
			common.HexToHash("0x0000000000000000000000003333333333333333333333333333333333333333"),
			common.HexToHash("0x0000000000000000000000001111111111111111111111111111111111111111"),
		},
		Data: data,
	}
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(90),
		Logs:        []*types.Log{log},
	}
}

func contractsServer(t *testing.T, reader evm.ChainReader) *ResourceServer {
	t.Helper()
	server, err := NewResourceServer(
		WithNetworks(testNetworks()),
		WithMode(ModeContracts),
		WithChainReader(func(context.Context, *evm.NetworkConfig) (evm.ChainReader, error) {
			return reader, nil
		}),
	)
	if err != nil {
		t.Fatalf("NewResourceServer: %v", err)
	}
	if err := server.Register(testRoute()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return server
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content"))
	})
}

func TestMiddlewarePassThrough(t *testing.T) {
	server := contractsServer(t, &fixedReader{})
	rec := httptest.NewRecorder()
	server.Middleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/public", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unregistered route intercepted: %d", rec.Code)
	}
}

func TestMiddlewareChallengesUnpaidRequests(t *testing.T) {
	server := contractsServer(t, &fixedReader{})
	rec := httptest.NewRecorder()
	server.Middleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium", nil))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("PAYMENT-REQUIRED") != "true" {
		t.Fatal("challenge marker header missing")
	}
	var challenge x402flex.FlexResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &challenge); err != nil {
		t.Fatalf("challenge body: %v", err)
	}
	if challenge.X402Version != 1 || len(challenge.Accepts) != 1 {
		t.Fatalf("challenge = %+v", challenge)
	}
}

func TestMiddlewareVerifiesOnChain(t *testing.T) {
	server := contractsServer(t, &fixedReader{receipt: settledReceipt(t), head: 100})
	var seen *x402flex.SettlementResult
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = SettlementFromContext(r.Context())
		w.Write([]byte("content"))
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	auth := x402flex.FormatAuthorizationHeader(x402flex.FlexAuthorization{Network: "bnb", TxHash: testTxHash.Hex()})
	req.Header.Set("X-PAYMENT-AUTHORIZATION", auth)
	rec := httptest.NewRecorder()
	server.Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if seen == nil || !seen.Success {
		t.Fatalf("settlement result missing from context: %+v", seen)
	}
	var proof x402flex.SettlementProof
	if err := json.Unmarshal([]byte(rec.Header().Get("X-PAYMENT-RESPONSE")), &proof); err != nil {
		t.Fatalf("proof header: %v", err)
	}
	if proof.PaymentID != common.HexToHash("0x01").Hex() {
		t.Fatalf("proof = %+v", proof)
	}
}

func TestMiddlewareAliasHeaderAccepted(t *testing.T) {
	server := contractsServer(t, &fixedReader{receipt: settledReceipt(t), head: 100})
	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	auth := x402flex.FormatAuthorizationHeader(x402flex.FlexAuthorization{Network: "bnb", TxHash: testTxHash.Hex()})
	req.Header.Set("Payment-Signature", auth)
	rec := httptest.NewRecorder()
	server.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("alias header rejected: %d", rec.Code)
	}
}

func TestMiddlewareReissuesChallengeOnFailure(t *testing.T) {
	// the transaction never landed, so verification fails and the same
	// challenge comes back
	server := contractsServer(t, &fixedReader{})
	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set("X-PAYMENT-AUTHORIZATION", x402flex.FormatAuthorizationHeader(
		x402flex.FlexAuthorization{Network: "bnb", TxHash: testTxHash.Hex()}))
	rec := httptest.NewRecorder()
	server.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMiddlewareFacilitatorMode(t *testing.T) {
	fac := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"txHash":"` + testTxHash.Hex() + `"}`))
	}))
	defer fac.Close()
	client, _ := facilitator.New(fac.URL, facilitator.WithHTTPClient(fac.Client()))
	server, err := NewResourceServer(WithFacilitator(client), WithMode(ModeFacilitator))
	if err != nil {
		t.Fatalf("NewResourceServer: %v", err)
	}
	server.Register(testRoute())

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set("X-PAYMENT-AUTHORIZATION", x402flex.FormatAuthorizationHeader(
		x402flex.FlexAuthorization{Network: "bnb", TxHash: testTxHash.Hex()}))
	rec := httptest.NewRecorder()
	server.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestNewResourceServerValidation(t *testing.T) {
	if _, err := NewResourceServer(); err == nil {
		t.Fatal("expected error with no verification path")
	}
	if _, err := NewResourceServer(WithNetworks(testNetworks()), WithMode(ModeFacilitator)); err == nil {
		t.Fatal("facilitator mode without client should fail")
	}
	if _, err := NewResourceServer(WithNetworks(testNetworks()), WithMode(VerifyMode("bogus"))); err == nil {
		t.Fatal("unknown mode should fail")
	}
}

func TestRegisterValidation(t *testing.T) {
	server := contractsServer(t, &fixedReader{})
	if err := server.Register(RouteConfig{Path: "/x"}); err == nil {
		t.Fatal("missing method should fail")
	}
	if err := server.Register(RouteConfig{Method: "GET", Path: "/x"}); err == nil {
		t.Fatal("missing accepts should fail")
	}
}

func TestDiscovery(t *testing.T) {
	server := contractsServer(t, &fixedReader{})
	rec := httptest.NewRecorder()
	server.DiscoveryHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/x402", nil))
	var meta DiscoveryMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatalf("discovery body: %v", err)
	}
	if meta.Protocol != "x402flex" || meta.Version != 1 {
		t.Fatalf("meta = %+v", meta)
	}
	if len(meta.Routes) != 1 || meta.Routes[0].Path != "/premium" || meta.Routes[0].Schemes[0] != "aa_push" {
		t.Fatalf("routes = %+v", meta.Routes)
	}
}
