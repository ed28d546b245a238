// Package veyrun implements the payment-event orchestration engine behind
// the Veyrun browsing surfaces: it decodes Payment-Required headers seen on
// 402 responses, tracks per-tab payment context, arbitrates concurrent
// payment attempts, runs the pending-payment confirmation handshake, and
// reconciles settlement receipts into a durable history.
package veyrun

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veyrun/veyrun/logger"
	"github.com/veyrun/veyrun/metrics"
	"github.com/veyrun/veyrun/wallet"
)

// WalletService is the wallet surface the engine exposes to its callers.
// *wallet.Manager implements it.
type WalletService interface {
	HasWallet(ctx context.Context) bool
	Address(ctx context.Context) string
	Status(ctx context.Context) (wallet.Status, error)
	Create(ctx context.Context) (*wallet.Record, error)
	Import(ctx context.Context, privateKeyHex string) (*wallet.Record, error)
	ExportKey(ctx context.Context) (string, error)
	Sign(ctx context.Context, payload string) (string, error)
	Chain() wallet.Chain
	Balance(ctx context.Context, address string) (string, error)
}

// SurfaceOpener asks the host to open UI surfaces. The default
// implementation broadcasts an event the host shim acts on.
type SurfaceOpener interface {
	// OpenConfirm opens the confirmation surface for a pending payment,
	// positioned relative to the requesting window.
	OpenConfirm(tabID int, pending *PendingPayment) error

	// OpenTab opens a regular tab, used as the fallback when a dedicated
	// surface cannot be opened and for the top-up action.
	OpenTab(url string) error
}

// Engine owns the four data stores and routes every inbound message and
// host signal through them. Store mutations are synchronous; only the
// external legs (storage, the payment round trip, balance queries) run in
// asynchronous continuations that reply later.
type Engine struct {
	events   *EventCache
	pending  *PendingPayments
	cooldown *CooldownLedger
	receipts *ReceiptStore
	pipeline *Pipeline
	wallet   WalletService
	surfaces SurfaceOpener
	log      logger.Logger
	metrics  metrics.Recorder

	operatorCooldown  time.Duration
	directCooldown    time.Duration
	directAutoConfirm bool

	handlers map[string]handlerFunc

	mu        sync.Mutex
	activeTab int
	listeners map[int]chan Event
	nextID    int
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithSurfaces sets the surface opener.
func WithSurfaces(s SurfaceOpener) Option {
	return func(e *Engine) { e.surfaces = s }
}

// WithCooldowns overrides the per-path cooldown windows.
func WithCooldowns(operator, direct time.Duration) Option {
	return func(e *Engine) {
		e.operatorCooldown = operator
		e.directCooldown = direct
	}
}

// WithDirectAutoConfirm makes page-direct payments settle immediately
// instead of parking as pending. Off by default: direct requests require
// explicit operator confirmation.
func WithDirectAutoConfirm() Option {
	return func(e *Engine) { e.directAutoConfirm = true }
}

// NewEngine wires an engine over the given wallet, payment client, and
// receipt store.
func NewEngine(walletSvc WalletService, client PaymentClient, receipts *ReceiptStore, opts ...Option) *Engine {
	e := &Engine{
		events:           NewEventCache(EventTTL),
		pending:          NewPendingPayments(),
		cooldown:         NewCooldownLedger(),
		receipts:         receipts,
		wallet:           walletSvc,
		log:              logger.Noop{},
		metrics:          metrics.Noop{},
		operatorCooldown: OperatorCooldown,
		directCooldown:   DirectCooldown,
		listeners:        make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.surfaces == nil {
		e.surfaces = &broadcastSurfaces{engine: e}
	}
	e.pipeline = NewPipeline(walletSvc, client, e.cooldown, receipts, e.log, e.metrics)
	e.handlers = e.routes()
	return e
}

// Events returns the freshness cache, exposed for host shims that render
// badge state directly.
func (e *Engine) Events() *EventCache { return e.events }

// ResponseObserved is the network-interception trigger: every intercepted
// response funnels through here and everything except a 402 carrying the
// requirement header is ignored.
func (e *Engine) ResponseObserved(tabID int, requestID, url, method string, status int, header http.Header) {
	if status != http.StatusPaymentRequired {
		return
	}
	raw := header.Get(HeaderPaymentRequired)
	if raw == "" {
		return
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	event := &PaymentEvent{
		TabID:      tabID,
		URL:        url,
		Method:     method,
		CapturedAt: time.Now(),
		RequestID:  requestID,
		RawHeader:  raw,
	}

	decoded := DecodePaymentRequired(raw)
	if decoded == nil {
		e.metrics.IncCounter(metrics.CounterDecodeFailed, nil)
		e.log.Warn("undecodable payment header", "tab", tabID, "url", url)
	} else {
		event.Requirement = decoded.Accepts
	}

	e.events.Record(tabID, event)
	e.metrics.IncCounter(metrics.CounterPaymentRequired, nil)
	e.log.Info("402 captured", "tab", tabID, "url", url, "accepts", len(event.Requirement))

	if e.currentTab() == tabID {
		e.broadcastBadge(tabID)
	}
}

// TabActivated recomputes badge state for the newly active tab.
func (e *Engine) TabActivated(tabID int) {
	e.mu.Lock()
	e.activeTab = tabID
	e.mu.Unlock()
	e.broadcastBadge(tabID)
}

// TabClosed synchronously purges all per-tab state. It must complete before
// any later message referencing the tab is processed.
func (e *Engine) TabClosed(tabID int) {
	e.events.Evict(tabID)
	e.pending.Drop(tabID)
}

// Subscribe registers a listener for outbound broadcasts. The returned
// cancel func must be called when the listener goes away.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	ch := make(chan Event, 16)
	e.listeners[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if existing, ok := e.listeners[id]; ok {
			delete(e.listeners, id)
			close(existing)
		}
	}
}

// broadcast fans an event out to every listener. Slow listeners drop
// events rather than stall the engine.
func (e *Engine) broadcast(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.listeners {
		select {
		case ch <- event:
		default:
		}
	}
}

func (e *Engine) broadcastBadge(tabID int) {
	e.broadcast(Event{Type: EventBadge, TabID: tabID, OK: true, Badge: e.events.Badge(tabID)})
}

func (e *Engine) currentTab() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeTab
}

// broadcastSurfaces is the default SurfaceOpener: it emits control events
// that the host shim translates into real windows/tabs.
type broadcastSurfaces struct {
	engine *Engine
}

func (s *broadcastSurfaces) OpenConfirm(tabID int, _ *PendingPayment) error {
	s.engine.broadcast(Event{Type: EventOpenConfirm, TabID: tabID, OK: true})
	return nil
}

func (s *broadcastSurfaces) OpenTab(url string) error {
	s.engine.broadcast(Event{Type: EventOpenTab, OK: true, URL: url})
	return nil
}
