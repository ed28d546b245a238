// Package payclient performs the paid request leg of the payment protocol:
// it signs the known requirement and retries the resource with the payment
// signature attached. The engine never talks HTTP directly; it sees only
// the status, headers, and body this client returns.
package payclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	veyrun "github.com/veyrun/veyrun"
)

// Signer provides the payment signature. The wallet manager implements it.
type Signer interface {
	Address(ctx context.Context) string
	Sign(ctx context.Context, payload string) (string, error)
}

// HTTPClient is the HTTP implementation of the engine's payment client.
type HTTPClient struct {
	client *http.Client
	signer Signer

	// mock replaces the real signature with the sentinel the demo server
	// accepts. Exercised by the sandbox flow only.
	mock bool
}

// Option configures the client.
type Option func(*HTTPClient)

// WithHTTPClient swaps the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.client = c }
}

// WithMockSignature makes the client send the demo sentinel signature
// instead of signing.
func WithMockSignature() Option {
	return func(h *HTTPClient) { h.mock = true }
}

// New creates a payment client that signs with signer.
func New(signer Signer, opts ...Option) *HTTPClient {
	h := &HTTPClient{
		client: &http.Client{Timeout: 30 * time.Second},
		signer: signer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// signaturePayload is the canonical text the wallet signs for one paid
// request.
type signaturePayload struct {
	URL       string `json:"url"`
	Method    string `json:"method"`
	Amount    string `json:"amount"`
	Asset     string `json:"asset"`
	Chain     string `json:"chain"`
	Recipient string `json:"recipient"`
	Nonce     string `json:"nonce"`
	Payer     string `json:"payer"`
	IssuedAt  int64  `json:"issuedAt"`
}

// DoPaidRequest performs the request with payment attached and returns the
// raw outcome for the pipeline to reconcile.
func (h *HTTPClient) DoPaidRequest(ctx context.Context, rawURL, method string, requirement *veyrun.PaymentRequirement) (*veyrun.PaidResponse, error) {
	if method == "" {
		method = http.MethodGet
	}

	signature := veyrun.MockSignature
	if !h.mock {
		payload, err := json.Marshal(signaturePayload{
			URL:       rawURL,
			Method:    method,
			Amount:    requirement.Amount,
			Asset:     requirement.Asset,
			Chain:     requirement.Chain,
			Recipient: requirement.Recipient,
			Nonce:     requirement.Nonce,
			Payer:     h.signer.Address(ctx),
			IssuedAt:  time.Now().UnixMilli(),
		})
		if err != nil {
			return nil, fmt.Errorf("encode signature payload: %w", err)
		}
		signature, err = h.signer.Sign(ctx, string(payload))
		if err != nil {
			return nil, fmt.Errorf("sign payment: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(nil))
	if err != nil {
		return nil, fmt.Errorf("build paid request: %w", err)
	}
	req.Header.Set(veyrun.HeaderPaymentSignature, signature)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paid request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read paid response: %w", err)
	}

	return &veyrun.PaidResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
