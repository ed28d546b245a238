// Package wallet holds the single provisioned key record and the signing
// and balance operations the payment engine needs. The record is one
// logical unit: create and import replace it atomically, and every reader
// sees either the old record or the new one, never a partial update.
package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/veyrun/veyrun/storage"
)

// Base Sepolia is the only provisioned chain. Multi-chain selection is
// explicitly out of scope.
const (
	ChainID     = 84532
	ChainName   = "Base Sepolia"
	DefaultRPC  = "https://sepolia.base.org"
	USDCAddress = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"

	// FaucetURL is where the top-up action points.
	FaucetURL = "https://faucet.circle.com/"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

// Record is the persisted wallet: private key material, derived address,
// creation time, chain id.
type Record struct {
	PrivateKey string `json:"privateKey"`
	Address    string `json:"address"`
	CreatedAt  int64  `json:"createdAt"`
	ChainID    int    `json:"chainId"`
}

// Status is the caller-facing view of the record, without key material.
type Status struct {
	HasWallet bool   `json:"hasWallet"`
	Address   string `json:"address,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	ChainID   int    `json:"chainId"`
}

// Chain describes the provisioned chain for UI surfaces.
type Chain struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	RPCURL string `json:"rpcUrl"`
}

// Manager owns the wallet record and its chain operations.
type Manager struct {
	mu     sync.Mutex
	store  storage.Store
	rpcURL string

	// dial is swapped out in tests.
	dial func(ctx context.Context, rawurl string) (ethBackend, error)
}

// ethBackend is the slice of ethclient the manager uses.
type ethBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// NewManager creates a manager over the given store. An empty rpcURL falls
// back to the default public endpoint.
func NewManager(store storage.Store, rpcURL string) *Manager {
	if rpcURL == "" {
		rpcURL = DefaultRPC
	}
	return &Manager{
		store:  store,
		rpcURL: rpcURL,
		dial: func(ctx context.Context, rawurl string) (ethBackend, error) {
			return ethclient.DialContext(ctx, rawurl)
		},
	}
}

// Status reports whether a wallet is provisioned and its public fields.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	record, err := m.load(ctx)
	if err != nil {
		return Status{}, err
	}
	if record == nil {
		return Status{ChainID: ChainID}, nil
	}
	return Status{
		HasWallet: true,
		Address:   record.Address,
		CreatedAt: record.CreatedAt,
		ChainID:   record.ChainID,
	}, nil
}

// HasWallet reports whether key material is provisioned.
func (m *Manager) HasWallet(ctx context.Context) bool {
	record, err := m.load(ctx)
	return err == nil && record != nil
}

// Address returns the provisioned address, or empty.
func (m *Manager) Address(ctx context.Context) string {
	record, err := m.load(ctx)
	if err != nil || record == nil {
		return ""
	}
	return record.Address
}

// Create generates a fresh key and replaces any prior record.
func (m *Manager) Create(ctx context.Context) (*Record, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	record := &Record{
		PrivateKey: "0x" + common.Bytes2Hex(crypto.FromECDSA(key)),
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		CreatedAt:  time.Now().UnixMilli(),
		ChainID:    ChainID,
	}
	if err := m.save(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Import replaces the record with one derived from the given hex private
// key.
func (m *Manager) Import(ctx context.Context, privateKeyHex string) (*Record, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if len(trimmed) != 64 {
		return nil, fmt.Errorf("private key must be a 32-byte hex string")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	record := &Record{
		PrivateKey: "0x" + trimmed,
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		CreatedAt:  time.Now().UnixMilli(),
		ChainID:    ChainID,
	}
	if err := m.save(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// ExportKey returns the raw private key hex, or an error when nothing is
// provisioned.
func (m *Manager) ExportKey(ctx context.Context) (string, error) {
	record, err := m.load(ctx)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", fmt.Errorf("no wallet found")
	}
	return record.PrivateKey, nil
}

// Sign produces an Ethereum personal-message signature over payload.
func (m *Manager) Sign(ctx context.Context, payload string) (string, error) {
	record, err := m.load(ctx)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", fmt.Errorf("no wallet found")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(record.PrivateKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("corrupt wallet record: %w", err)
	}

	sig, err := crypto.Sign(accounts.TextHash([]byte(payload)), key)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	// Legacy recovery id expected by eth_sign verifiers.
	sig[64] += 27
	return "0x" + common.Bytes2Hex(sig), nil
}

// Chain returns the provisioned chain description.
func (m *Manager) Chain() Chain {
	return Chain{ID: ChainID, Name: ChainName, RPCURL: m.rpcURL}
}

// Balance reads the USDC balance of address and returns it as a
// human-scale decimal string.
func (m *Manager) Balance(ctx context.Context, address string) (string, error) {
	if address == "" {
		address = m.Address(ctx)
	}
	if address == "" {
		return "", fmt.Errorf("no wallet found")
	}

	client, err := m.dial(ctx, m.rpcURL)
	if err != nil {
		return "", fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return "", err
	}
	token := common.HexToAddress(USDCAddress)

	decimalsRaw, err := m.call(ctx, client, parsed, token, "decimals")
	if err != nil {
		return "", fmt.Errorf("read decimals: %w", err)
	}
	decimals := new(big.Int).SetBytes(decimalsRaw).Int64()

	balanceRaw, err := m.call(ctx, client, parsed, token, "balanceOf", common.HexToAddress(address))
	if err != nil {
		return "", fmt.Errorf("read balance: %w", err)
	}
	balance := new(big.Int).SetBytes(balanceRaw)

	return decimal.NewFromBigInt(balance, 0).Shift(int32(-decimals)).String(), nil
}

func (m *Manager) call(ctx context.Context, client ethBackend, parsed abi.ABI, to common.Address, method string, args ...any) ([]byte, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func (m *Manager) load(ctx context.Context) (*Record, error) {
	var record Record
	found, err := m.store.GetJSON(ctx, storage.KeyWallet, &record)
	if err != nil {
		return nil, fmt.Errorf("read wallet record: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &record, nil
}

func (m *Manager) save(ctx context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.PutJSON(ctx, storage.KeyWallet, record); err != nil {
		return fmt.Errorf("write wallet record: %w", err)
	}
	return nil
}
