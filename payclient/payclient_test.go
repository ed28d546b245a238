package payclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	veyrun "github.com/veyrun/veyrun"
)

type fakeSigner struct {
	address string
	signed  []string
}

func (s *fakeSigner) Address(context.Context) string { return s.address }

func (s *fakeSigner) Sign(_ context.Context, payload string) (string, error) {
	s.signed = append(s.signed, payload)
	return "0xSIGNED", nil
}

func requirement() *veyrun.PaymentRequirement {
	return &veyrun.PaymentRequirement{
		Asset:     "USDC",
		Amount:    "0.05",
		Chain:     "base-sepolia",
		Recipient: "0xMERCHANT",
		Nonce:     "x402-1",
	}
}

func TestDoPaidRequestSignsCanonicalPayload(t *testing.T) {
	var gotSignature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(veyrun.HeaderPaymentSignature)
		w.Header().Set(veyrun.HeaderPaymentResponse, "receipt-header")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"unlocked":true}`))
	}))
	defer server.Close()

	signer := &fakeSigner{address: "0xPAYER"}
	client := New(signer)

	resp, err := client.DoPaidRequest(context.Background(), server.URL, "GET", requirement())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0xSIGNED", gotSignature)
	assert.Equal(t, "receipt-header", resp.Header.Get(veyrun.HeaderPaymentResponse))
	assert.JSONEq(t, `{"unlocked":true}`, string(resp.Body))

	require.Len(t, signer.signed, 1)
	var payload signaturePayload
	require.NoError(t, json.Unmarshal([]byte(signer.signed[0]), &payload))
	assert.Equal(t, server.URL, payload.URL)
	assert.Equal(t, "GET", payload.Method)
	assert.Equal(t, "0.05", payload.Amount)
	assert.Equal(t, "0xMERCHANT", payload.Recipient)
	assert.Equal(t, "0xPAYER", payload.Payer)
	assert.NotZero(t, payload.IssuedAt)
}

func TestDoPaidRequestMockSignature(t *testing.T) {
	var gotSignature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(veyrun.HeaderPaymentSignature)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	signer := &fakeSigner{address: "0xPAYER"}
	client := New(signer, WithMockSignature())

	_, err := client.DoPaidRequest(context.Background(), server.URL, "GET", requirement())
	require.NoError(t, err)
	assert.Equal(t, veyrun.MockSignature, gotSignature)
	assert.Empty(t, signer.signed, "mock mode never touches the signer")
}

func TestDoPaidRequestDefaultsMethod(t *testing.T) {
	var gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(&fakeSigner{address: "0xPAYER"})
	_, err := client.DoPaidRequest(context.Background(), server.URL, "", requirement())
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, gotMethod)
}

func TestDoPaidRequestPassesThroughStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := New(&fakeSigner{address: "0xPAYER"})
	resp, err := client.DoPaidRequest(context.Background(), server.URL, "GET", requirement())
	require.NoError(t, err, "a non-2xx response is a result, not a transport error")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
