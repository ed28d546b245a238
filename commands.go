package veyrun

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/veyrun/veyrun/metrics"
	"github.com/veyrun/veyrun/wallet"
)

// handlerFunc handles one inbound message kind. A handler may fill the
// reply channel immediately or hand it to an asynchronous continuation;
// callers must tolerate an arbitrarily delayed reply.
type handlerFunc func(ctx context.Context, msg Message, out chan<- Reply)

// routes maps every inbound message kind to its handler. One variant per
// kind, dispatched through a single router; there is no other entry point
// into the stores.
func (e *Engine) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		MsgPing:           e.handlePing,
		MsgGetStatus:      e.handleGetStatus,
		MsgGetLastEvent:   e.handleGetLastEvent,
		MsgParseRequired:  e.handleParseRequired,
		MsgWalletStatus:   e.handleWalletStatus,
		MsgCreateWallet:   e.handleCreateWallet,
		MsgImportWallet:   e.handleImportWallet,
		MsgExportKey:      e.handleExportKey,
		MsgSignPayload:    e.handleSignPayload,
		MsgChainInfo:      e.handleChainInfo,
		MsgGetBalance:     e.handleGetBalance,
		MsgPay:            e.handlePay,
		MsgPayDirect:      e.handlePayDirect,
		MsgGetPending:     e.handleGetPending,
		MsgConfirmPending: e.handleConfirmPending,
		MsgCancelPending:  e.handleCancelPending,
		MsgListReceipts:   e.handleListReceipts,
		MsgOpenTopup:      e.handleOpenTopup,
	}
}

// Dispatch routes one message and returns a channel that will carry exactly
// one reply, possibly after external legs complete.
func (e *Engine) Dispatch(ctx context.Context, msg Message) <-chan Reply {
	out := make(chan Reply, 1)
	handler, ok := e.handlers[msg.Type]
	if !ok {
		out <- ErrReply(NewPaymentError(ErrCodeUnknownMessage, fmt.Sprintf("unknown message type %q", msg.Type), nil))
		return out
	}
	handler(ctx, msg, out)
	return out
}

func (e *Engine) handlePing(_ context.Context, _ Message, out chan<- Reply) {
	out <- OKReply(map[string]any{"pong": true, "time": time.Now().UnixMilli()})
}

func (e *Engine) handleGetStatus(ctx context.Context, _ Message, out chan<- Reply) {
	go func() {
		status, err := e.wallet.Status(ctx)
		if err != nil {
			out <- ErrReply(NewPaymentError(ErrCodeStorageFailure, err.Error(), nil))
			return
		}
		activeTab := e.currentTab()
		out <- OKReply(map[string]any{"status": map[string]any{
			"hasWallet":  status.HasWallet,
			"address":    status.Address,
			"headerName": HeaderPaymentRequired,
			"activeTab":  activeTab,
			"lastEvent":  e.events.Get(activeTab),
		}})
	}()
}

func (e *Engine) handleGetLastEvent(_ context.Context, msg Message, out chan<- Reply) {
	event := e.events.Get(msg.TabID)
	if event == nil {
		out <- OKReply(map[string]any{"event": nil})
		return
	}
	out <- OKReply(map[string]any{"event": event})
}

func (e *Engine) handleParseRequired(_ context.Context, msg Message, out chan<- Reply) {
	// Diagnostic decode. A failed decode is still ok:true with parsed:null;
	// malformed headers are data, not errors.
	out <- OKReply(map[string]any{"parsed": DecodePaymentRequired(msg.Value)})
}

func (e *Engine) handleWalletStatus(ctx context.Context, _ Message, out chan<- Reply) {
	go func() {
		status, err := e.wallet.Status(ctx)
		if err != nil {
			out <- ErrReply(NewPaymentError(ErrCodeStorageFailure, err.Error(), nil))
			return
		}
		out <- OKReply(map[string]any{"status": status})
	}()
}

func (e *Engine) handleCreateWallet(ctx context.Context, _ Message, out chan<- Reply) {
	go func() {
		record, err := e.wallet.Create(ctx)
		if err != nil {
			out <- ErrReply(err)
			return
		}
		out <- OKReply(map[string]any{"address": record.Address, "createdAt": record.CreatedAt})
	}()
}

func (e *Engine) handleImportWallet(ctx context.Context, msg Message, out chan<- Reply) {
	go func() {
		record, err := e.wallet.Import(ctx, msg.PrivateKey)
		if err != nil {
			out <- ErrReply(err)
			return
		}
		out <- OKReply(map[string]any{"address": record.Address})
	}()
}

func (e *Engine) handleExportKey(ctx context.Context, _ Message, out chan<- Reply) {
	go func() {
		key, err := e.wallet.ExportKey(ctx)
		if err != nil {
			out <- ErrReply(err)
			return
		}
		out <- OKReply(map[string]any{"privateKey": key})
	}()
}

func (e *Engine) handleSignPayload(ctx context.Context, msg Message, out chan<- Reply) {
	go func() {
		signature, err := e.wallet.Sign(ctx, msg.Payload)
		if err != nil {
			out <- ErrReply(err)
			return
		}
		out <- OKReply(map[string]any{"signature": signature})
	}()
}

func (e *Engine) handleChainInfo(_ context.Context, _ Message, out chan<- Reply) {
	out <- OKReply(map[string]any{"chain": e.wallet.Chain()})
}

func (e *Engine) handleGetBalance(ctx context.Context, msg Message, out chan<- Reply) {
	go func() {
		balance, err := e.wallet.Balance(ctx, msg.Address)
		if err != nil {
			out <- ErrReply(err)
			return
		}
		out <- OKReply(map[string]any{"balance": balance, "asset": "USDC"})
	}()
}

// handlePay is the operator-confirmed path: pay the fresh 402 captured for
// the tab, defaulting to its first accept option.
func (e *Engine) handlePay(ctx context.Context, msg Message, out chan<- Reply) {
	event := e.events.Get(msg.TabID)
	if event == nil {
		out <- ErrReply(NewPaymentError(ErrCodeMissingRequirement, "no recent payment request for this tab", nil))
		return
	}
	if len(event.Requirement) == 0 {
		out <- ErrReply(NewPaymentError(ErrCodeMissingRequirement, "no usable payment option in the captured header", nil))
		return
	}
	requirement := event.Requirement[0]
	e.executePayment(ctx, msg.TabID, event.URL, event.Method, &requirement, e.operatorCooldown, out)
}

// handlePayDirect is the page-originated path. Unless auto-confirm is on,
// the request parks as pending and a confirmation surface is opened; the
// page gets {ok:true, pending:true} now and a paymentStatus broadcast
// later.
func (e *Engine) handlePayDirect(ctx context.Context, msg Message, out chan<- Reply) {
	if msg.Requirement == nil || msg.URL == "" {
		out <- ErrReply(NewPaymentError(ErrCodeMissingRequirement, "direct payment request carries no requirement", nil))
		return
	}

	requirement := *msg.Requirement
	if requirement.Nonce == "" {
		requirement.Nonce = "x402-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	if requirement.ExpiresAt.IsZero() {
		requirement.ExpiresAt = time.Now().Add(requirementTTL)
	}
	requirement.Chain = canonicalChain(requirement.Chain)
	if err := validate.Struct(&requirement); err != nil {
		out <- ErrReply(NewPaymentError(ErrCodeMissingRequirement, "incomplete payment requirement", nil))
		return
	}

	if e.directAutoConfirm {
		e.executePayment(ctx, msg.TabID, msg.URL, msg.Method, &requirement, e.directCooldown, out)
		return
	}

	pending := &PendingPayment{
		TabID:       msg.TabID,
		Requirement: requirement,
		URL:         msg.URL,
		Method:      msg.Method,
		Description: firstNonEmpty(msg.Description, requirement.Description),
	}
	e.pending.Put(pending)

	if err := e.surfaces.OpenConfirm(msg.TabID, pending); err != nil {
		e.log.Warn("confirm surface failed, falling back to tab", "tab", msg.TabID, "err", err)
		if err := e.surfaces.OpenTab(confirmFallbackURL(msg.TabID)); err != nil {
			e.log.Error("confirm fallback failed", "tab", msg.TabID, "err", err)
		}
	}

	out <- OKReply(map[string]any{"pending": true})
}

func (e *Engine) handleGetPending(_ context.Context, msg Message, out chan<- Reply) {
	pending := e.pending.Get(msg.TabID)
	if pending == nil {
		out <- OKReply(map[string]any{"pending": nil})
		return
	}
	out <- OKReply(map[string]any{"pending": map[string]any{
		"amount":      pending.Requirement.Amount,
		"asset":       pending.Requirement.Asset,
		"recipient":   pending.Requirement.Recipient,
		"chain":       pending.Requirement.Chain,
		"description": pending.Description,
		"url":         pending.URL,
	}})
}

// handleConfirmPending consumes the pending entry before execution starts,
// so a duplicate confirmation finds nothing pending and is rejected.
func (e *Engine) handleConfirmPending(ctx context.Context, msg Message, out chan<- Reply) {
	pending, ok := e.pending.Take(msg.TabID)
	if !ok {
		out <- ErrReply(NewPaymentError(ErrCodeNoPendingPayment, "no pending payment for this tab", nil))
		return
	}
	e.executePayment(ctx, msg.TabID, pending.URL, pending.Method, &pending.Requirement, e.directCooldown, out)
}

func (e *Engine) handleCancelPending(_ context.Context, msg Message, out chan<- Reply) {
	e.pending.Drop(msg.TabID)
	out <- OKReply(nil)
}

func (e *Engine) handleListReceipts(ctx context.Context, _ Message, out chan<- Reply) {
	go func() {
		receipts, err := e.receipts.List(ctx)
		if err != nil {
			out <- ErrReply(err)
			return
		}
		out <- OKReply(map[string]any{"receipts": receipts})
	}()
}

func (e *Engine) handleOpenTopup(_ context.Context, _ Message, out chan<- Reply) {
	if err := e.surfaces.OpenTab(wallet.FaucetURL); err != nil {
		out <- ErrReply(err)
		return
	}
	out <- OKReply(map[string]any{"url": wallet.FaucetURL})
}

// executePayment runs the pipeline in a continuation. The execution leg is
// detached from the caller's context: once the cooldown slot is taken the
// payment must run to completion even if the requesting surface goes away.
func (e *Engine) executePayment(ctx context.Context, tabID int, url, method string, requirement *PaymentRequirement, window time.Duration, out chan<- Reply) {
	execCtx := context.WithoutCancel(ctx)
	go func() {
		result, err := e.pipeline.Execute(execCtx, url, method, requirement, window)
		if err != nil {
			e.metrics.IncCounter(metrics.CounterPaymentFailed, map[string]string{"chain": requirement.Chain})
			e.log.Warn("payment failed", "tab", tabID, "url", url, "err", err)

			reply := ErrReply(err)
			if IsInsufficientBalance(err) {
				reply.Payload = map[string]any{"insufficientBalance": true}
			}
			out <- reply
			e.broadcast(Event{Type: EventPaymentStatus, TabID: tabID, OK: false, Error: err.Error()})
			return
		}

		e.metrics.IncCounter(metrics.CounterPaymentSettled, map[string]string{"chain": requirement.Chain})
		e.log.Info("payment settled", "tab", tabID, "url", url, "receipt", result.Receipt.ReceiptID)

		out <- OKReply(map[string]any{"receipt": result.Receipt, "data": result.Body})
		e.broadcast(Event{Type: EventPaymentStatus, TabID: tabID, OK: true, Receipt: result.Receipt})
		e.broadcastBadge(tabID)
	}()
}

func confirmFallbackURL(tabID int) string {
	return "confirm.html?tabId=" + strconv.Itoa(tabID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
