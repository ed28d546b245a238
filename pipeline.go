package veyrun

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veyrun/veyrun/logger"
	"github.com/veyrun/veyrun/metrics"
)

// PaidResponse is the raw outcome of one paid request leg.
type PaidResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// PaymentClient performs the external payment-protocol round trip.
type PaymentClient interface {
	DoPaidRequest(ctx context.Context, url, method string, requirement *PaymentRequirement) (*PaidResponse, error)
}

// WalletGate is the slice of the wallet the pipeline needs: whether paying
// is possible at all.
type WalletGate interface {
	HasWallet(ctx context.Context) bool
}

// demoAmount is the last-resort amount backfill when neither the receipt
// nor the requirement carries one and the chain is a recognized testnet.
const demoAmount = "0.01"

// Pipeline orchestrates one payment: cooldown guard, paid request,
// settlement receipt decode, reconciliation against the known requirement,
// and the history append.
type Pipeline struct {
	wallet   WalletGate
	client   PaymentClient
	cooldown *CooldownLedger
	receipts *ReceiptStore
	log      logger.Logger
	metrics  metrics.Recorder
}

// NewPipeline wires the pipeline's collaborators.
func NewPipeline(wallet WalletGate, client PaymentClient, cooldown *CooldownLedger, receipts *ReceiptStore, log logger.Logger, rec metrics.Recorder) *Pipeline {
	if log == nil {
		log = logger.Noop{}
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Pipeline{
		wallet:   wallet,
		client:   client,
		cooldown: cooldown,
		receipts: receipts,
		log:      log,
		metrics:  rec,
	}
}

// Execute pays for resourceURL and returns the reconciled receipt plus the
// unlocked body. The cooldown guard runs before any network activity; a
// blocked attempt performs none.
func (p *Pipeline) Execute(ctx context.Context, resourceURL, method string, requirement *PaymentRequirement, window time.Duration) (*PaymentResult, error) {
	if !p.wallet.HasWallet(ctx) {
		return nil, NewPaymentError(ErrCodeNoWallet, "no wallet is set up", nil)
	}
	if requirement == nil {
		return nil, NewPaymentError(ErrCodeMissingRequirement, "no usable payment requirement", nil)
	}
	if !p.cooldown.TryAcquire(resourceURL, window) {
		return nil, NewPaymentError(ErrCodeCooldownActive, "payment attempted too recently for this resource", map[string]any{"url": resourceURL})
	}

	started := time.Now()
	resp, err := p.client.DoPaidRequest(ctx, resourceURL, method, requirement)
	p.metrics.ObserveLatency(metrics.LatencyPayment, time.Since(started), map[string]string{"chain": requirement.Chain})
	if err != nil {
		if IsInsufficientBalance(err) {
			return nil, NewPaymentError(ErrCodeInsufficientBalance, err.Error(), nil)
		}
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewPaymentError(ErrCodeUnlockRejected, fmt.Sprintf("Unlock failed (%d)", resp.StatusCode), nil)
	}

	receipt := p.extractReceipt(resp)
	if receipt == nil {
		return nil, NewPaymentError(ErrCodeMissingReceipt, "Missing receipt", nil)
	}
	p.reconcile(receipt, requirement, resourceURL)

	// The body is a courtesy to the caller. Parse failures are swallowed.
	var body any
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			body = nil
		}
	}

	if err := p.receipts.Append(ctx, receipt); err != nil {
		// The payment already settled; a history write failure must not
		// turn it into a user-visible payment failure.
		p.log.Error("receipt append failed", "url", resourceURL, "err", err)
	}

	return &PaymentResult{Receipt: receipt, Body: body}, nil
}

// extractReceipt pulls the settlement header, trying the primary name and
// then the legacy fallback, and decodes it.
func (p *Pipeline) extractReceipt(resp *PaidResponse) *ReceiptRecord {
	raw := resp.Header.Get(HeaderPaymentResponse)
	if raw == "" {
		raw = resp.Header.Get(HeaderPaymentResponseLegacy)
	}
	if raw == "" {
		return nil
	}
	return DecodeReceipt(raw)
}

// reconcile backfills fields the receipt omitted from the known
// requirement, with the testnet demo amount as last resort.
func (p *Pipeline) reconcile(receipt *ReceiptRecord, requirement *PaymentRequirement, resourceURL string) {
	if receipt.Amount == "" {
		receipt.Amount = requirement.Amount
	}
	if receipt.Amount == "" && isTestnetChain(receipt.Network, requirement.Chain) {
		receipt.Amount = demoAmount
	}
	if receipt.Asset == "" {
		receipt.Asset = requirement.Asset
	}
	if receipt.Asset == "" {
		receipt.Asset = "USDC"
	}
	if receipt.MerchantID == "" {
		receipt.MerchantID = requirement.Recipient
	}
	if receipt.Description == "" {
		receipt.Description = requirement.Description
	}
	if receipt.Resource == "" {
		receipt.Resource = resourceURL
	}
	if receipt.Timestamp == "" {
		receipt.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if receipt.ReceiptID == "" {
		receipt.ReceiptID = "rcpt_" + uuid.NewString()[:8]
	}
	receipt.URL = resourceURL
	receipt.Success = true
}

func isTestnetChain(values ...string) bool {
	for _, v := range values {
		for id, name := range testnetChains {
			if strings.Contains(v, id) || v == name {
				return true
			}
		}
	}
	return false
}
