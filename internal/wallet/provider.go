// Package wallet wraps the wallet provider that holds the payer's keys.
package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Provider is the wallet boundary: account access, network control and
// transaction submission, plus the read backend used for contract calls.
type Provider interface {
	bind.ContractCaller

	RequestAccounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SwitchChain(ctx context.Context, chainID *big.Int) error
	AddChain(ctx context.Context, chain ChainDescriptor) error
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// TxRequest is a value-bearing contract call to be signed by the wallet.
type TxRequest struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Gas   uint64
	Data  []byte
}

// NativeCurrency is the EIP-3085 currency block.
type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// ChainDescriptor is the wallet_addEthereumChain parameter (EIP-3085).
type ChainDescriptor struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
}

// ChainIDBig decodes the hex chain id.
func (d ChainDescriptor) ChainIDBig() (*big.Int, error) {
	return hexutil.DecodeBig(d.ChainID)
}

// ProviderError is an EIP-1193 style error raised by in-process providers.
// It satisfies go-ethereum's rpc.Error so it classifies like a remote one.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string  { return e.Message }
func (e *ProviderError) ErrorCode() int { return e.Code }
