// Package storage provides the persisted key/value state behind the wallet
// record and the receipt history. The owning process is routinely suspended
// and resumed, so everything durable goes through a Store.
package storage

import "context"

// Well-known storage keys. Both the wallet record and the receipt list are
// single logical records stored whole.
const (
	KeyWallet   = "veyrun_wallet"
	KeyReceipts = "veyrun_receipts"
)

// Store is a durable JSON-document store keyed by fixed, well-known keys.
// Implementations must be safe for concurrent use.
type Store interface {
	// GetJSON reads the document at key into v. The boolean reports whether
	// the key existed.
	GetJSON(ctx context.Context, key string, v any) (bool, error)

	// PutJSON replaces the document at key with v as one atomic write.
	PutJSON(ctx context.Context, key string, v any) error

	// Delete removes the document at key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	Close() error
}
