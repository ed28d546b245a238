package veyrun

import (
	"context"
	"sync"

	"github.com/veyrun/veyrun/storage"
)

// ReceiptStore is the append-only, deduplicated history of settled
// payments, persisted independent of any tab.
//
// Receipts whose proof is the reserved mock placeholder represent simulated
// payments: they are skipped on write and filtered on read, and a real
// append purges any placeholder entries that slipped into older state.
type ReceiptStore struct {
	mu    sync.Mutex
	store storage.Store
}

// NewReceiptStore creates a store backed by the given persistence layer.
func NewReceiptStore(store storage.Store) *ReceiptStore {
	return &ReceiptStore{store: store}
}

// Append prepends a receipt to the persisted history. The write is a
// read-modify-write against the latest persisted value, not a cached copy,
// so concurrently appended entries are never lost.
func (s *ReceiptStore) Append(ctx context.Context, receipt *ReceiptRecord) error {
	if receipt == nil || receipt.Proof == MockProof {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing []ReceiptRecord
	if _, err := s.store.GetJSON(ctx, storage.KeyReceipts, &existing); err != nil {
		return NewPaymentError(ErrCodeStorageFailure, err.Error(), nil)
	}

	updated := make([]ReceiptRecord, 0, len(existing)+1)
	updated = append(updated, *receipt)
	for _, r := range existing {
		if r.Proof == MockProof {
			continue
		}
		updated = append(updated, r)
	}

	if err := s.store.PutJSON(ctx, storage.KeyReceipts, updated); err != nil {
		return NewPaymentError(ErrCodeStorageFailure, err.Error(), nil)
	}
	return nil
}

// List returns the history newest first, with placeholder entries filtered
// out and asset/description defaulted where servers omitted them.
func (s *ReceiptStore) List(ctx context.Context) ([]ReceiptRecord, error) {
	var records []ReceiptRecord
	if _, err := s.store.GetJSON(ctx, storage.KeyReceipts, &records); err != nil {
		return nil, NewPaymentError(ErrCodeStorageFailure, err.Error(), nil)
	}

	out := make([]ReceiptRecord, 0, len(records))
	for _, r := range records {
		if r.Proof == MockProof {
			continue
		}
		if r.Asset == "" {
			r.Asset = "USDC"
		}
		if r.Description == "" {
			r.Description = "x402 Payment"
		}
		out = append(out, r)
	}
	return out, nil
}
