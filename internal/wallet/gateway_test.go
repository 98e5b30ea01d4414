package wallet_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentescrow/internal/payerr"
	"rentescrow/internal/wallet"
	"rentescrow/internal/wallet/wallettest"
)

func TestConnect_NoProvider(t *testing.T) {
	_, err := wallet.NewGateway(nil).Connect(context.Background())
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.CodeWalletNotFound))
	assert.False(t, payerr.IsRetryable(err))
}

func TestConnect_LockedWallet(t *testing.T) {
	_, err := wallet.NewGateway(&wallettest.Provider{}).Connect(context.Background())
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.CodeNoAccounts))
}

func TestConnect_PicksFirstAccount(t *testing.T) {
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")
	conn, err := wallet.NewGateway(&wallettest.Provider{Accounts: []common.Address{a, b}}).Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a, conn.Active)
	assert.Len(t, conn.Accounts, 2)
}

func TestConnect_UserRejectsPrompt(t *testing.T) {
	p := &wallettest.Provider{AccountsErr: &wallet.ProviderError{Code: 4001, Message: "User rejected the request."}}
	_, err := wallet.NewGateway(p).Connect(context.Background())
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.CodeUserRejected))
	assert.True(t, payerr.IsRetryable(err))
}

func TestBalance(t *testing.T) {
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	p := &wallettest.Provider{Balances: map[common.Address]*big.Int{a: big.NewInt(7)}}
	bal, err := wallet.NewGateway(p).Balance(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, int64(7), bal.Int64())

	p.BalanceErr = &wallet.ProviderError{Code: 4900, Message: "disconnected"}
	_, err = wallet.NewGateway(p).Balance(context.Background(), a)
	assert.True(t, payerr.Is(err, payerr.CodeWalletDisconnected))
}
