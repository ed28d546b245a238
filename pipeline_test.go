package veyrun

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyrun/veyrun/storage"
)

type stubWallet struct {
	hasWallet bool
}

func (w stubWallet) HasWallet(context.Context) bool { return w.hasWallet }

type stubClient struct {
	resp  *PaidResponse
	err   error
	calls int
	last  *PaymentRequirement
}

func (c *stubClient) DoPaidRequest(_ context.Context, _, _ string, requirement *PaymentRequirement) (*PaidResponse, error) {
	c.calls++
	c.last = requirement
	return c.resp, c.err
}

func testRequirement() *PaymentRequirement {
	return &PaymentRequirement{
		Asset:     "USDC",
		Amount:    "0.05",
		Chain:     "base-sepolia",
		Recipient: "0xMERCHANT",
		Nonce:     "x402-1",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
}

func unlockedResponse(receipt *ReceiptRecord, body string) *PaidResponse {
	header := http.Header{}
	header.Set(HeaderPaymentResponse, EncodeReceipt(receipt))
	return &PaidResponse{StatusCode: 200, Header: header, Body: []byte(body)}
}

func newTestPipeline(wallet stubWallet, client *stubClient) (*Pipeline, *ReceiptStore) {
	receipts := NewReceiptStore(storage.NewMemoryStore())
	return NewPipeline(wallet, client, NewCooldownLedger(), receipts, nil, nil), receipts
}

func TestPipelineSuccess(t *testing.T) {
	client := &stubClient{resp: unlockedResponse(
		&ReceiptRecord{ReceiptID: "rcpt_1", Proof: "p1", Amount: "0.05"},
		`{"content":"unlocked"}`,
	)}
	pipeline, receipts := newTestPipeline(stubWallet{hasWallet: true}, client)

	result, err := pipeline.Execute(context.Background(), "https://a.test/x", "GET", testRequirement(), OperatorCooldown)
	require.NoError(t, err)
	require.NotNil(t, result.Receipt)
	assert.Equal(t, "rcpt_1", result.Receipt.ReceiptID)
	assert.True(t, result.Receipt.Success)
	assert.Equal(t, "https://a.test/x", result.Receipt.URL)
	assert.Equal(t, map[string]any{"content": "unlocked"}, result.Body)

	history, err := receipts.List(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "rcpt_1", history[0].ReceiptID)
}

func TestPipelineNoWallet(t *testing.T) {
	client := &stubClient{}
	pipeline, _ := newTestPipeline(stubWallet{hasWallet: false}, client)

	_, err := pipeline.Execute(context.Background(), "https://a.test/x", "GET", testRequirement(), OperatorCooldown)
	var pe *PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeNoWallet, pe.Code)
	assert.Zero(t, client.calls, "wallet gate runs before any network activity")
}

func TestPipelineNilRequirement(t *testing.T) {
	client := &stubClient{}
	pipeline, _ := newTestPipeline(stubWallet{hasWallet: true}, client)

	_, err := pipeline.Execute(context.Background(), "https://a.test/x", "GET", nil, OperatorCooldown)
	var pe *PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeMissingRequirement, pe.Code)
	assert.Zero(t, client.calls)
}

func TestPipelineCooldown(t *testing.T) {
	client := &stubClient{resp: unlockedResponse(&ReceiptRecord{ReceiptID: "r", Proof: "p"}, "")}
	pipeline, _ := newTestPipeline(stubWallet{hasWallet: true}, client)

	_, err := pipeline.Execute(context.Background(), "https://a.test/x", "GET", testRequirement(), OperatorCooldown)
	require.NoError(t, err)

	_, err = pipeline.Execute(context.Background(), "https://a.test/x", "GET", testRequirement(), OperatorCooldown)
	var pe *PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeCooldownActive, pe.Code)
	assert.Equal(t, 1, client.calls, "the blocked attempt performs no network activity")
}

func TestPipelineUnlockRejected(t *testing.T) {
	client := &stubClient{resp: &PaidResponse{StatusCode: 403, Header: http.Header{}}}
	pipeline, _ := newTestPipeline(stubWallet{hasWallet: true}, client)

	_, err := pipeline.Execute(context.Background(), "https://a.test/x", "GET", testRequirement(), OperatorCooldown)
	var pe *PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeUnlockRejected, pe.Code)
	assert.Equal(t, "Unlock failed (403)", pe.Message)
}

func TestPipelineMissingReceipt(t *testing.T) {
	client := &stubClient{resp: &PaidResponse{StatusCode: 200, Header: http.Header{}}}
	pipeline, _ := newTestPipeline(stubWallet{hasWallet: true}, client)

	_, err := pipeline.Execute(context.Background(), "https://a.test/x", "GET", testRequirement(), OperatorCooldown)
	var pe *PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeMissingReceipt, pe.Code)
	assert.Equal(t, "Missing receipt", pe.Message)
}

func TestPipelineLegacyReceiptHeader(t *testing.T) {
	header := http.Header{}
	header.Set(HeaderPaymentResponseLegacy, EncodeReceipt(&ReceiptRecord{ReceiptID: "rcpt_legacy", Proof: "p"}))
	client := &stubClient{resp: &PaidResponse{StatusCode: 200, Header: header}}
	pipeline, _ := newTestPipeline(stubWallet{hasWallet: true}, client)

	result, err := pipeline.Execute(context.Background(), "https://a.test/x", "GET", testRequirement(), OperatorCooldown)
	require.NoError(t, err)
	assert.Equal(t, "rcpt_legacy", result.Receipt.ReceiptID)
}

func TestPipelineReconcileBackfill(t *testing.T) {
	// A thin receipt: only proof. Everything else backfills from the
	// requirement.
	client := &stubClient{resp: unlockedResponse(&ReceiptRecord{Proof: "p_thin"}, "")}
	pipeline, _ := newTestPipeline(stubWallet{hasWallet: true}, client)

	req := testRequirement()
	req.Description = "Premium article"
	result, err := pipeline.Execute(context.Background(), "https://a.test/x", "GET", req, OperatorCooldown)
	require.NoError(t, err)

	receipt := result.Receipt
	assert.Equal(t, "0.05", receipt.Amount)
	assert.Equal(t, "USDC", receipt.Asset)
	assert.Equal(t, "0xMERCHANT", receipt.MerchantID)
	assert.Equal(t, "Premium article", receipt.Description)
	assert.Equal(t, "https://a.test/x", receipt.Resource)
	assert.NotEmpty(t, receipt.Timestamp)
	assert.NotEmpty(t, receipt.ReceiptID, "a receipt id is synthesized when absent")
	assert.True(t, receipt.Success)
}

func TestPipelineTestnetDemoAmount(t *testing.T) {
	client := &stubClient{resp: unlockedResponse(&ReceiptRecord{Proof: "p"}, "")}
	pipeline, _ := newTestPipeline(stubWallet{hasWallet: true}, client)

	req := testRequirement()
	req.Amount = ""
	// Amount is required by the pay paths, but a receipt can still arrive
	// for a requirement that lost its amount in transit; the testnet demo
	// amount is the last resort.
	result, err := pipeline.Execute(context.Background(), "https://a.test/x", "GET", req, OperatorCooldown)
	require.NoError(t, err)
	assert.Equal(t, demoAmount, result.Receipt.Amount)
}

func TestPipelineInsufficientBalance(t *testing.T) {
	client := &stubClient{err: errors.New("execution reverted: insufficient balance for transfer")}
	pipeline, _ := newTestPipeline(stubWallet{hasWallet: true}, client)

	_, err := pipeline.Execute(context.Background(), "https://a.test/x", "GET", testRequirement(), OperatorCooldown)
	var pe *PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeInsufficientBalance, pe.Code)
	assert.True(t, IsInsufficientBalance(err))
}

func TestPipelineBodyParseFailureIsSwallowed(t *testing.T) {
	client := &stubClient{resp: unlockedResponse(&ReceiptRecord{ReceiptID: "r", Proof: "p"}, "<html>not json</html>")}
	pipeline, _ := newTestPipeline(stubWallet{hasWallet: true}, client)

	result, err := pipeline.Execute(context.Background(), "https://a.test/x", "GET", testRequirement(), OperatorCooldown)
	require.NoError(t, err)
	assert.Nil(t, result.Body)
}

func TestPipelineMockProofStaysOutOfHistory(t *testing.T) {
	client := &stubClient{resp: unlockedResponse(&ReceiptRecord{ReceiptID: "r", Proof: MockProof}, "")}
	pipeline, receipts := newTestPipeline(stubWallet{hasWallet: true}, client)

	_, err := pipeline.Execute(context.Background(), "https://a.test/x", "GET", testRequirement(), OperatorCooldown)
	require.NoError(t, err)

	history, err := receipts.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, history)
}
