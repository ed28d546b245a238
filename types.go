package veyrun

import (
	"encoding/json"
	"time"
)

// Header names used on the wire. The requirement header rides on 402
// responses; the signature header is attached to the retried request; the
// receipt header rides on the unlocked response.
const (
	HeaderPaymentRequired  = "Payment-Required"
	HeaderPaymentSignature = "Payment-Signature"
	HeaderPaymentResponse  = "Payment-Response"

	// HeaderPaymentResponseLegacy is the fallback receipt header name some
	// servers still emit.
	HeaderPaymentResponseLegacy = "X-Payment-Response"
)

// MockProof is the reserved placeholder proof attached by the demo/mock
// payment path. Receipts carrying it are simulated, never settled, and must
// not reach persisted history.
const MockProof = "mock-proof"

// MockSignature is the sentinel the demo server accepts in place of a real
// payment signature.
const MockSignature = "mock-signature"

// EventTTL bounds how long a captured 402 stays actionable.
const EventTTL = 5 * time.Minute

// Default cooldown windows between payment attempts for the same resource.
// The operator-confirmed path uses the short window; the page-direct path
// uses the long one.
const (
	OperatorCooldown = 3 * time.Second
	DirectCooldown   = 10 * time.Second
)

// PaymentRequirement is one normalized way to pay for a resource.
//
// After normalization Amount is always a human-scale decimal string (never a
// raw base-unit integer) and Asset is always a symbol (never a contract
// address).
type PaymentRequirement struct {
	Asset       string    `json:"asset" validate:"required"`
	Amount      string    `json:"amount" validate:"required"`
	Chain       string    `json:"chain" validate:"required"`
	Recipient   string    `json:"recipient" validate:"required"`
	Nonce       string    `json:"nonce"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Description string    `json:"description,omitempty"`
}

// PaymentRequired is a decoded, normalized 402 requirement header.
type PaymentRequired struct {
	Version string               `json:"version"`
	Accepts []PaymentRequirement `json:"accepts"`
}

// PaymentEvent records that a 402 was just seen on a tab. At most one live
// event exists per tab; a newer 402 on the same tab overwrites it.
type PaymentEvent struct {
	TabID       int                  `json:"tabId"`
	URL         string               `json:"url"`
	Method      string               `json:"method"`
	CapturedAt  time.Time            `json:"capturedAt"`
	RequestID   string               `json:"requestId"`
	Requirement []PaymentRequirement `json:"requirement"`
	RawHeader   string               `json:"rawHeader,omitempty"`
}

// PendingPayment is a page-originated payment request awaiting explicit
// operator confirmation.
type PendingPayment struct {
	TabID       int                `json:"tabId"`
	Requirement PaymentRequirement `json:"requirement"`
	URL         string             `json:"url"`
	Method      string             `json:"method"`
	Description string             `json:"description,omitempty"`
}

// ReceiptRecord is a decoded proof-of-settlement record. Timestamp stays a
// string because receipts round-trip through storage and server clocks we do
// not control.
type ReceiptRecord struct {
	ReceiptID   string `json:"receiptId"`
	Amount      string `json:"amount,omitempty"`
	Asset       string `json:"asset,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	Proof       string `json:"proof"`
	MerchantID  string `json:"merchantId,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Network     string `json:"network,omitempty"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
	Success     bool   `json:"success,omitempty"`
}

// PaymentResult is what the execution pipeline returns to its caller: the
// reconciled receipt plus the opportunistically captured response body.
type PaymentResult struct {
	Receipt *ReceiptRecord `json:"receipt"`
	Body    any            `json:"data,omitempty"`
}

// Event is an outbound broadcast to listening surfaces (popup, confirmation
// window, page relay). Type "paymentStatus" is emitted whenever the pipeline
// settles or fails, regardless of which surface initiated the attempt.
type Event struct {
	Type    string         `json:"type"`
	TabID   int            `json:"tabId,omitempty"`
	OK      bool           `json:"ok"`
	Receipt *ReceiptRecord `json:"receipt,omitempty"`
	Error   string         `json:"error,omitempty"`
	Badge   string         `json:"badge,omitempty"`
	URL     string         `json:"url,omitempty"`
}

// Message is the uniform inbound request envelope. Fields beyond Type are
// populated per operation; unused fields stay zero.
type Message struct {
	Type        string              `json:"type"`
	From        string              `json:"from,omitempty"`
	TabID       int                 `json:"tabId,omitempty"`
	URL         string              `json:"url,omitempty"`
	Method      string              `json:"method,omitempty"`
	Value       string              `json:"value,omitempty"`
	PrivateKey  string              `json:"privateKey,omitempty"`
	Payload     string              `json:"payload,omitempty"`
	Address     string              `json:"address,omitempty"`
	Requirement *PaymentRequirement `json:"requirement,omitempty"`
	Description string              `json:"description,omitempty"`
}

// Reply is the uniform response envelope: {ok:true, ...payload} or
// {ok:false, error}. Payload keys are inlined next to ok/error on the wire.
type Reply struct {
	OK      bool
	Error   string
	Payload map[string]any
}

// OKReply builds a success reply with the given payload fields.
func OKReply(payload map[string]any) Reply {
	return Reply{OK: true, Payload: payload}
}

// ErrReply builds a failure reply from an error.
func ErrReply(err error) Reply {
	return Reply{OK: false, Error: err.Error()}
}

// MarshalJSON inlines payload fields beside ok and error.
func (r Reply) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Payload)+2)
	for k, v := range r.Payload {
		out[k] = v
	}
	out["ok"] = r.OK
	if r.Error != "" {
		out["error"] = r.Error
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits ok/error back out of the flat wire object.
func (r *Reply) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if ok, exists := raw["ok"].(bool); exists {
		r.OK = ok
	}
	if errText, exists := raw["error"].(string); exists {
		r.Error = errText
	}
	delete(raw, "ok")
	delete(raw, "error")
	r.Payload = raw
	return nil
}

// Message types accepted by the engine's dispatch router.
const (
	MsgPing           = "ping"
	MsgGetStatus      = "getStatus"
	MsgGetLastEvent   = "getLastPaymentEvent"
	MsgParseRequired  = "parsePaymentRequired"
	MsgWalletStatus   = "walletStatus"
	MsgCreateWallet   = "createWallet"
	MsgImportWallet   = "importWallet"
	MsgExportKey      = "exportPrivateKey"
	MsgSignPayload    = "signPayload"
	MsgChainInfo      = "getChainInfo"
	MsgGetBalance     = "getBalance"
	MsgPay            = "payWithVeyrun"
	MsgPayDirect      = "payWithVeyrunDirect"
	MsgGetPending     = "getPendingPayment"
	MsgConfirmPending = "confirmPendingPayment"
	MsgCancelPending  = "cancelPendingPayment"
	MsgListReceipts   = "listReceipts"
	MsgOpenTopup      = "openTopup"
)

// Broadcast event types.
const (
	EventPaymentStatus = "paymentStatus"
	EventBadge         = "badge"
	EventOpenConfirm   = "openConfirm"
	EventOpenTab       = "openTab"
)
