package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// RPCProvider talks EIP-1193 JSON-RPC to a wallet bridge endpoint. Account
// access, network switching and signing happen inside the wallet; reads go
// through the same connection.
type RPCProvider struct {
	rpc *rpc.Client
	eth *ethclient.Client
}

// DialRPCProvider connects to a wallet bridge.
func DialRPCProvider(ctx context.Context, url string) (*RPCProvider, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("wallet rpc url is required")
	}
	cli, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial wallet rpc: %w", err)
	}
	return NewRPCProvider(cli), nil
}

func NewRPCProvider(cli *rpc.Client) *RPCProvider {
	return &RPCProvider{rpc: cli, eth: ethclient.NewClient(cli)}
}

func (p *RPCProvider) Close() {
	p.rpc.Close()
}

func (p *RPCProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := p.rpc.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (p *RPCProvider) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := p.rpc.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return nil, err
	}
	return (*big.Int)(&id), nil
}

func (p *RPCProvider) SwitchChain(ctx context.Context, chainID *big.Int) error {
	param := map[string]string{"chainId": hexutil.EncodeBig(chainID)}
	return p.rpc.CallContext(ctx, nil, "wallet_switchEthereumChain", param)
}

func (p *RPCProvider) AddChain(ctx context.Context, chain ChainDescriptor) error {
	return p.rpc.CallContext(ctx, nil, "wallet_addEthereumChain", chain)
}

func (p *RPCProvider) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return p.eth.BalanceAt(ctx, account, nil)
}

func (p *RPCProvider) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return p.eth.EstimateGas(ctx, msg)
}

func (p *RPCProvider) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return p.eth.CodeAt(ctx, contract, blockNumber)
}

func (p *RPCProvider) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return p.eth.CallContract(ctx, call, blockNumber)
}

func (p *RPCProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return p.eth.TransactionReceipt(ctx, hash)
}

type sendTxArgs struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value,omitempty"`
	Gas   hexutil.Uint64 `json:"gas,omitempty"`
	Data  hexutil.Bytes  `json:"data,omitempty"`
}

func (p *RPCProvider) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	args := sendTxArgs{
		From: req.From,
		To:   req.To,
		Gas:  hexutil.Uint64(req.Gas),
		Data: req.Data,
	}
	if req.Value != nil {
		args.Value = (*hexutil.Big)(req.Value)
	}
	var hash common.Hash
	if err := p.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// Ping checks the bridge is reachable.
func (p *RPCProvider) Ping(ctx context.Context) error {
	_, err := p.eth.BlockNumber(ctx)
	return err
}
