package x402flex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveProtocolProfile(t *testing.T) {
	if p, err := ResolveProtocolProfile(""); err != nil || p != ProfileBNBPayV1Flex {
		t.Fatalf("empty profile: got %q, %v", p, err)
	}
	if p, err := ResolveProtocolProfile("X402-V2-CAIP"); err != nil || p != ProfileX402V2CAIP {
		t.Fatalf("case-insensitive resolve: got %q, %v", p, err)
	}
	if _, err := ResolveProtocolProfile("bogus"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestHeadersForProfile(t *testing.T) {
	a := HeadersForProfile(ProfileBNBPayV1Flex)
	if a.Authorization != "X-PAYMENT-AUTHORIZATION" || a.Response != "X-PAYMENT-RESPONSE" {
		t.Fatalf("unexpected profile A headers: %+v", a)
	}
	b := HeadersForProfile(ProfileX402V2CAIP)
	if b.Authorization != "PAYMENT-SIGNATURE" || b.Response != "PAYMENT-RESPONSE" {
		t.Fatalf("unexpected profile B headers: %+v", b)
	}
	if a.RequiredMarker != "PAYMENT-REQUIRED" || b.RequiredMarker != "PAYMENT-REQUIRED" {
		t.Fatal("both profiles share the PAYMENT-REQUIRED marker")
	}
	if got := HeadersForProfile(ProtocolProfile("unknown")); got.Authorization != a.Authorization {
		t.Fatal("unknown profile should fall back to default headers")
	}
}

func TestHeaderLookup(t *testing.T) {
	policy := HeadersForProfile(ProfileBNBPayV1Flex)
	h := http.Header{}
	h.Set("Payment-Signature", `{"txHash":"0x1"}`)
	v, ok := HeaderLookup(h, policy)
	if !ok || v != `{"txHash":"0x1"}` {
		t.Fatalf("alias lookup failed: %q %v", v, ok)
	}
	if _, ok := HeaderLookup(http.Header{}, policy); ok {
		t.Fatal("lookup on empty headers should miss")
	}
}

func TestNegotiateProfile(t *testing.T) {
	t.Run("prefers verify settle dialect in any position", func(t *testing.T) {
		for _, body := range []string{
			`{"profiles":["x402-v2-caip","bnbpay-v1-flex"]}`,
			`{"profiles":["bnbpay-v1-flex","x402-v2-caip"]}`,
			`{"profiles":["future-v9","X402-V2-CAIP"]}`,
		} {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			p := NegotiateProfile(context.Background(), srv.Client(), srv.URL)
			srv.Close()
			if p != ProfileX402V2CAIP {
				t.Fatalf("body %s: got %q", body, p)
			}
		}
	})
	t.Run("defaults when only relay dialect advertised", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"profiles":["future-v9","bnbpay-v1-flex"]}`))
		}))
		defer srv.Close()
		if p := NegotiateProfile(context.Background(), srv.Client(), srv.URL); p != ProfileBNBPayV1Flex {
			t.Fatalf("got %q", p)
		}
	})
	t.Run("degrades on server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		}))
		defer srv.Close()
		if p := NegotiateProfile(context.Background(), srv.Client(), srv.URL); p != DefaultProfile {
			t.Fatalf("got %q", p)
		}
	})
	t.Run("degrades on malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{{{`))
		}))
		defer srv.Close()
		if p := NegotiateProfile(context.Background(), srv.Client(), srv.URL); p != DefaultProfile {
			t.Fatalf("got %q", p)
		}
	})
	t.Run("degrades when unreachable", func(t *testing.T) {
		if p := NegotiateProfile(context.Background(), nil, "http://127.0.0.1:1/capabilities"); p != DefaultProfile {
			t.Fatalf("got %q", p)
		}
	})
	t.Run("no url means default", func(t *testing.T) {
		if p := NegotiateProfile(context.Background(), nil, ""); p != DefaultProfile {
			t.Fatalf("got %q", p)
		}
	})
}
