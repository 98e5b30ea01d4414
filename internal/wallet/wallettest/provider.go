// Package wallettest provides a scriptable in-memory wallet provider.
package wallettest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"rentescrow/internal/wallet"
)

// Provider implements wallet.Provider from plain fields. Zero values behave
// like an unlocked wallet on Chain with no balance. Every method call is
// appended to Calls.
type Provider struct {
	mu sync.Mutex

	Accounts    []common.Address
	AccountsErr error

	Chain       *big.Int
	KnownChains map[string]bool
	SwitchErr   error
	AddErr      error
	// StickyChain makes SwitchChain report success without changing chain.
	StickyChain bool
	Added       []wallet.ChainDescriptor

	Balances   map[common.Address]*big.Int
	BalanceErr error

	Code       []byte
	CallFn     func(msg ethereum.CallMsg) ([]byte, error)
	EstimateFn func(msg ethereum.CallMsg) (uint64, error)
	SendFn     func(req wallet.TxRequest) (common.Hash, error)
	ReceiptFn  func(hash common.Hash) (*types.Receipt, error)

	Sent  []wallet.TxRequest
	Calls []string
}

func (p *Provider) record(name string) {
	p.mu.Lock()
	p.Calls = append(p.Calls, name)
	p.mu.Unlock()
}

// Called reports whether method was invoked at least once.
func (p *Provider) Called(method string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.Calls {
		if c == method {
			return true
		}
	}
	return false
}

// CallCount counts invocations of method.
func (p *Provider) CallCount(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.Calls {
		if c == method {
			n++
		}
	}
	return n
}

func (p *Provider) RequestAccounts(context.Context) ([]common.Address, error) {
	p.record("RequestAccounts")
	if p.AccountsErr != nil {
		return nil, p.AccountsErr
	}
	return p.Accounts, nil
}

func (p *Provider) ChainID(context.Context) (*big.Int, error) {
	p.record("ChainID")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Chain == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(p.Chain), nil
}

func (p *Provider) SwitchChain(_ context.Context, chainID *big.Int) error {
	p.record("SwitchChain")
	if p.SwitchErr != nil {
		return p.SwitchErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Chain != nil && p.Chain.Cmp(chainID) == 0 {
		return nil
	}
	if !p.KnownChains[chainID.String()] {
		return &wallet.ProviderError{Code: 4902, Message: "Unrecognized chain ID"}
	}
	if !p.StickyChain {
		p.Chain = new(big.Int).Set(chainID)
	}
	return nil
}

func (p *Provider) AddChain(_ context.Context, chain wallet.ChainDescriptor) error {
	p.record("AddChain")
	if p.AddErr != nil {
		return p.AddErr
	}
	id, err := chain.ChainIDBig()
	if err != nil {
		return &wallet.ProviderError{Code: -32602, Message: "invalid chainId"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.KnownChains == nil {
		p.KnownChains = make(map[string]bool)
	}
	p.KnownChains[id.String()] = true
	p.Added = append(p.Added, chain)
	return nil
}

func (p *Provider) BalanceAt(_ context.Context, account common.Address) (*big.Int, error) {
	p.record("BalanceAt")
	if p.BalanceErr != nil {
		return nil, p.BalanceErr
	}
	if bal, ok := p.Balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (p *Provider) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	p.record("CodeAt")
	if p.Code != nil {
		return p.Code, nil
	}
	return []byte{0x60, 0x80}, nil
}

func (p *Provider) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	p.record("CallContract")
	if p.CallFn == nil {
		return nil, nil
	}
	return p.CallFn(msg)
}

func (p *Provider) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	p.record("EstimateGas")
	if p.EstimateFn == nil {
		return 50_000, nil
	}
	return p.EstimateFn(msg)
}

func (p *Provider) SendTransaction(_ context.Context, req wallet.TxRequest) (common.Hash, error) {
	p.record("SendTransaction")
	p.mu.Lock()
	p.Sent = append(p.Sent, req)
	p.mu.Unlock()
	if p.SendFn == nil {
		return common.HexToHash("0x01"), nil
	}
	return p.SendFn(req)
}

func (p *Provider) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	p.record("TransactionReceipt")
	if p.ReceiptFn == nil {
		return &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			TxHash:      hash,
			BlockNumber: big.NewInt(100),
			GasUsed:     42_000,
		}, nil
	}
	return p.ReceiptFn(hash)
}

var _ wallet.Provider = (*Provider)(nil)
