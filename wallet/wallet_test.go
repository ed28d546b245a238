package wallet

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyrun/veyrun/storage"
)

// Well-known throwaway key. Never funded.
const (
	testKey     = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testAddress = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
)

func newTestManager() *Manager {
	return NewManager(storage.NewMemoryStore(), "")
}

func TestManagerStatusWithoutWallet(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.HasWallet)
	assert.Equal(t, ChainID, status.ChainID)
	assert.False(t, m.HasWallet(ctx))
	assert.Empty(t, m.Address(ctx))
}

func TestManagerCreate(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	record, err := m.Create(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(record.PrivateKey, "0x"))
	assert.Len(t, record.PrivateKey, 66)
	assert.True(t, strings.HasPrefix(record.Address, "0x"))
	assert.Equal(t, ChainID, record.ChainID)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.HasWallet)
	assert.Equal(t, record.Address, status.Address)
	assert.Equal(t, ChainID, status.ChainID)
}

func TestManagerImport(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	record, err := m.Import(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, testAddress, record.Address)
	assert.Equal(t, "0x"+testKey, record.PrivateKey)

	// 0x prefix and surrounding whitespace are tolerated.
	record, err = m.Import(ctx, "  0x"+testKey+" ")
	require.NoError(t, err)
	assert.Equal(t, testAddress, record.Address)
}

func TestManagerImportRejectsBadKeys(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Import(ctx, "abc")
	assert.Error(t, err)

	_, err = m.Import(ctx, strings.Repeat("zz", 32))
	assert.Error(t, err)

	assert.False(t, m.HasWallet(ctx), "a failed import provisions nothing")
}

func TestManagerImportReplacesRecord(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	first, err := m.Create(ctx)
	require.NoError(t, err)

	second, err := m.Import(ctx, testKey)
	require.NoError(t, err)
	require.NotEqual(t, first.Address, second.Address)

	assert.Equal(t, second.Address, m.Address(ctx))
	key, err := m.ExportKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0x"+testKey, key)
}

func TestManagerExportWithoutWallet(t *testing.T) {
	m := newTestManager()
	_, err := m.ExportKey(context.Background())
	assert.Error(t, err)
}

func TestManagerSign(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Sign(ctx, "payload")
	assert.Error(t, err, "signing requires a wallet")

	_, err = m.Import(ctx, testKey)
	require.NoError(t, err)

	sig, err := m.Sign(ctx, "payload")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig, "0x"))
	assert.Len(t, sig, 132, "65-byte signature hex")

	// Same payload, same key: personal-message signing is deterministic.
	again, err := m.Sign(ctx, "payload")
	require.NoError(t, err)
	assert.Equal(t, sig, again)
}

func TestManagerChain(t *testing.T) {
	m := NewManager(storage.NewMemoryStore(), "https://rpc.example.test")
	chain := m.Chain()
	assert.Equal(t, ChainID, chain.ID)
	assert.Equal(t, ChainName, chain.Name)
	assert.Equal(t, "https://rpc.example.test", chain.RPCURL)
}

// fakeBackend answers decimals then balanceOf, in call order.
type fakeBackend struct {
	decimals int64
	balance  *big.Int
	calls    int
}

func (b *fakeBackend) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.calls++
	value := big.NewInt(b.decimals)
	if b.calls > 1 {
		value = b.balance
	}
	return value.FillBytes(make([]byte, 32)), nil
}

func (b *fakeBackend) Close() {}

func TestManagerBalance(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	_, err := m.Import(ctx, testKey)
	require.NoError(t, err)

	backend := &fakeBackend{decimals: 6, balance: big.NewInt(1500000)}
	m.dial = func(context.Context, string) (ethBackend, error) {
		return backend, nil
	}

	balance, err := m.Balance(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "1.5", balance)
	assert.Equal(t, 2, backend.calls)
}

func TestManagerBalanceWithoutWallet(t *testing.T) {
	m := newTestManager()
	_, err := m.Balance(context.Background(), "")
	assert.Error(t, err)
}
