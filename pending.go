package veyrun

import "sync"

// PendingPayments coordinates the two-phase handshake for page-originated
// payment requests: a request parks here until the operator explicitly
// confirms it through a confirmation surface, cancels it, or the tab closes.
//
// At most one entry per tab. A second direct request for the same tab
// overwrites the first (last-writer-wins).
type PendingPayments struct {
	mu    sync.Mutex
	byTab map[int]*PendingPayment
}

// NewPendingPayments creates an empty coordinator.
func NewPendingPayments() *PendingPayments {
	return &PendingPayments{byTab: make(map[int]*PendingPayment)}
}

// Put stores (or overwrites) the pending payment for a tab.
func (p *PendingPayments) Put(pending *PendingPayment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byTab[pending.TabID] = pending
}

// Get returns the pending payment for a tab without consuming it, so a
// confirmation surface can render amount/recipient/description.
func (p *PendingPayments) Get(tabID int) *PendingPayment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byTab[tabID]
}

// Take atomically removes and returns the pending payment for a tab.
// Confirmation consumes the entry before execution starts, so a concurrent
// duplicate confirm finds nothing pending and is rejected.
func (p *PendingPayments) Take(tabID int) (*PendingPayment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending, ok := p.byTab[tabID]
	if ok {
		delete(p.byTab, tabID)
	}
	return pending, ok
}

// Drop discards any pending bookkeeping for a tab, used on cancel and on
// tab closure.
func (p *PendingPayments) Drop(tabID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byTab, tabID)
}
