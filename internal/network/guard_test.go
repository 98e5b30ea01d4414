package network

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentescrow/internal/payerr"
	"rentescrow/internal/wallet"
	"rentescrow/internal/wallet/wallettest"
)

var amoy = Network{
	ChainID:     big.NewInt(80002),
	Name:        "Polygon Amoy",
	Currency:    wallet.NativeCurrency{Name: "POL", Symbol: "POL", Decimals: 18},
	RPCURL:      "https://rpc-amoy.polygon.technology",
	ExplorerURL: "https://amoy.polygonscan.com",
}

func TestEnsureNetwork_AlreadyOnTarget(t *testing.T) {
	p := &wallettest.Provider{Chain: big.NewInt(80002)}
	require.NoError(t, NewGuard(p).EnsureNetwork(context.Background(), amoy))
	assert.False(t, p.Called("SwitchChain"))
}

func TestEnsureNetwork_SwitchKnownChain(t *testing.T) {
	p := &wallettest.Provider{Chain: big.NewInt(1), KnownChains: map[string]bool{"80002": true}}
	require.NoError(t, NewGuard(p).EnsureNetwork(context.Background(), amoy))
	assert.Equal(t, 1, p.CallCount("SwitchChain"))
	assert.False(t, p.Called("AddChain"))
}

func TestEnsureNetwork_RegistersUnknownChain(t *testing.T) {
	p := &wallettest.Provider{Chain: big.NewInt(1)}
	require.NoError(t, NewGuard(p).EnsureNetwork(context.Background(), amoy))

	assert.Equal(t, 2, p.CallCount("SwitchChain"))
	require.Len(t, p.Added, 1)
	added := p.Added[0]
	assert.Equal(t, "0x13882", added.ChainID)
	assert.Equal(t, "Polygon Amoy", added.ChainName)
	assert.Equal(t, []string{amoy.RPCURL}, added.RPCURLs)
	assert.Equal(t, []string{amoy.ExplorerURL}, added.BlockExplorerURLs)
	assert.Equal(t, "POL", added.NativeCurrency.Symbol)
}

func TestEnsureNetwork_MismatchAfterSwitch(t *testing.T) {
	p := &wallettest.Provider{Chain: big.NewInt(1), StickyChain: true}
	err := NewGuard(p).EnsureNetwork(context.Background(), amoy)
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.CodeNetworkMismatch))
	assert.False(t, payerr.IsRetryable(err))
}

func TestEnsureNetwork_UserRejectsSwitch(t *testing.T) {
	p := &wallettest.Provider{Chain: big.NewInt(1), SwitchErr: &wallet.ProviderError{Code: 4001, Message: "User rejected the request."}}
	err := NewGuard(p).EnsureNetwork(context.Background(), amoy)
	assert.True(t, payerr.Is(err, payerr.CodeUserRejected))
	assert.True(t, payerr.IsRetryable(err))
	assert.False(t, p.Called("AddChain"))
}

func TestEnsureNetwork_AddChainFails(t *testing.T) {
	p := &wallettest.Provider{Chain: big.NewInt(1), AddErr: errors.New("bad rpc url")}
	err := NewGuard(p).EnsureNetwork(context.Background(), amoy)
	assert.True(t, payerr.Is(err, payerr.CodeNetworkSwitchFailed))
}
