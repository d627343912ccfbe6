package gin

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402flex "github.com/x402flex/x402flex-go"
	"github.com/x402flex/x402flex-go/evm"
	"github.com/x402flex/x402flex-go/facilitator"
	x402http "github.com/x402flex/x402flex-go/http"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testEngine(t *testing.T, facilitatorURL string) *gin.Engine {
	t.Helper()
	client, err := facilitator.New(facilitatorURL)
	require.NoError(t, err)
	server, err := x402http.NewResourceServer(
		x402http.WithFacilitator(client),
		x402http.WithMode(x402http.ModeFacilitator),
	)
	require.NoError(t, err)
	require.NoError(t, server.Register(x402http.RouteConfig{
		Method: http.MethodGet,
		Path:   "/premium",
		Challenge: evm.ChallengeRequest{Accepts: []evm.AcceptRequest{{
			Scheme:   "aa_push",
			Network:  "bnb",
			ChainID:  evm.ChainBNB,
			Merchant: common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Amount:   big.NewInt(1_000_000),
		}}},
	}))

	engine := gin.New()
	engine.Use(PaymentMiddleware(server))
	engine.GET("/premium", func(c *gin.Context) {
		result, ok := Settlement(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"paymentId": result.PaymentID})
	})
	engine.GET("/free", func(c *gin.Context) {
		c.String(http.StatusOK, "free")
	})
	engine.GET("/discovery", DiscoveryHandler(server))
	return engine
}

func TestPaymentMiddlewareChallenges(t *testing.T) {
	engine := testEngine(t, "http://facilitator.invalid")

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium", nil))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("PAYMENT-REQUIRED"))
	var challenge x402flex.FlexResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))
	assert.Len(t, challenge.Accepts, 1)
	assert.Equal(t, "aa_push", challenge.Accepts[0].Scheme)
}

func TestPaymentMiddlewarePassesFreeRoutes(t *testing.T) {
	engine := testEngine(t, "http://facilitator.invalid")

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/free", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "free", rec.Body.String())
}

func TestPaymentMiddlewareAcceptsSettledPayment(t *testing.T) {
	fac := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"txHash":"0x00000000000000000000000000000000000000000000000000000000000f00d1"}`))
	}))
	defer fac.Close()
	engine := testEngine(t, fac.URL)

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set("X-PAYMENT-AUTHORIZATION", x402flex.FormatAuthorizationHeader(x402flex.FlexAuthorization{
		Network: "bnb",
		TxHash:  "0x00000000000000000000000000000000000000000000000000000000000f00d1",
	}))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-PAYMENT-RESPONSE"))
}

func TestDiscoveryHandler(t *testing.T) {
	engine := testEngine(t, "http://facilitator.invalid")

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/discovery", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var meta x402http.DiscoveryMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, "x402flex", meta.Protocol)
	require.Len(t, meta.Routes, 1)
	assert.Equal(t, "/premium", meta.Routes[0].Path)
}
