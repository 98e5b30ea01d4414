package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rentescrow/internal/payerr"
)

// Connection is the result of a successful Connect.
type Connection struct {
	Accounts []common.Address
	Active   common.Address
}

// Gateway exposes the provider operations the payment flow needs and
// classifies every failure.
type Gateway struct {
	provider Provider
}

func NewGateway(p Provider) *Gateway {
	return &Gateway{provider: p}
}

// Provider returns the wrapped provider, nil when no wallet is present.
func (g *Gateway) Provider() Provider {
	if g == nil {
		return nil
	}
	return g.provider
}

// Connect requests account access and selects the first account as active.
func (g *Gateway) Connect(ctx context.Context) (Connection, error) {
	if g.Provider() == nil {
		return Connection{}, payerr.New(payerr.CodeWalletNotFound, false,
			"no wallet provider configured",
			"No wallet was found. Please install or connect a wallet to continue.")
	}
	accounts, err := g.provider.RequestAccounts(ctx)
	if err != nil {
		return Connection{}, payerr.ClassifyWeb3(err)
	}
	if len(accounts) == 0 {
		return Connection{}, payerr.New(payerr.CodeNoAccounts, false,
			"wallet returned no accounts",
			"Your wallet has no available accounts. Please unlock it and try again.")
	}
	return Connection{Accounts: accounts, Active: accounts[0]}, nil
}

// Balance returns the native balance of account in the chain's smallest unit.
func (g *Gateway) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	if g.Provider() == nil {
		return nil, payerr.New(payerr.CodeWalletNotFound, false,
			"no wallet provider configured",
			"No wallet was found. Please install or connect a wallet to continue.")
	}
	bal, err := g.provider.BalanceAt(ctx, account)
	if err != nil {
		return nil, payerr.ClassifyWeb3(err)
	}
	if bal == nil {
		bal = new(big.Int)
	}
	return bal, nil
}
