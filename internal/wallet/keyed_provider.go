package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainBackend is the subset of ethclient.Client the keyed provider needs.
type ChainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Dialer opens a backend for an RPC endpoint.
type Dialer func(ctx context.Context, url string) (ChainBackend, error)

func dialEth(ctx context.Context, url string) (ChainBackend, error) {
	return ethclient.DialContext(ctx, url)
}

// KeyedConfig configures a KeyedProvider.
type KeyedConfig struct {
	RPCURL        string
	PrivateKeyHex string
	Dial          Dialer
}

// KeyedProvider signs locally with a single secp256k1 key. It behaves like a
// browser wallet towards networks: it only switches to chains registered
// through AddChain (or the chain it was dialled on) and answers 4902 otherwise.
type KeyedProvider struct {
	key  *ecdsa.PrivateKey
	from common.Address
	dial Dialer

	mu       sync.Mutex
	chains   map[string]string
	backend  ChainBackend
	activeID *big.Int
}

func NewKeyedProvider(ctx context.Context, cfg KeyedConfig) (*KeyedProvider, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	dial := cfg.Dial
	if dial == nil {
		dial = dialEth
	}

	backend, err := dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	return &KeyedProvider{
		key:      pk,
		from:     crypto.PubkeyToAddress(pk.PublicKey),
		dial:     dial,
		chains:   map[string]string{chainID.String(): cfg.RPCURL},
		backend:  backend,
		activeID: chainID,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Address is the account the provider signs for.
func (p *KeyedProvider) Address() common.Address {
	return p.from
}

func (p *KeyedProvider) current() (ChainBackend, *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backend, new(big.Int).Set(p.activeID)
}

func (p *KeyedProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	return []common.Address{p.from}, nil
}

func (p *KeyedProvider) ChainID(context.Context) (*big.Int, error) {
	_, id := p.current()
	return id, nil
}

func (p *KeyedProvider) SwitchChain(ctx context.Context, chainID *big.Int) error {
	p.mu.Lock()
	if p.activeID.Cmp(chainID) == 0 {
		p.mu.Unlock()
		return nil
	}
	url, ok := p.chains[chainID.String()]
	p.mu.Unlock()
	if !ok {
		return &ProviderError{Code: 4902, Message: fmt.Sprintf("Unrecognized chain ID %s. Try adding the chain using wallet_addEthereumChain first.", chainID)}
	}

	backend, err := p.dial(ctx, url)
	if err != nil {
		return &ProviderError{Code: 4901, Message: fmt.Sprintf("connect chain %s: %v", chainID, err)}
	}
	remoteID, err := backend.ChainID(ctx)
	if err != nil {
		backend.Close()
		return &ProviderError{Code: 4901, Message: fmt.Sprintf("chain %s unreachable: %v", chainID, err)}
	}
	if remoteID.Cmp(chainID) != 0 {
		backend.Close()
		return &ProviderError{Code: -32603, Message: fmt.Sprintf("rpc %s serves chain %s, not %s", url, remoteID, chainID)}
	}

	p.mu.Lock()
	old := p.backend
	p.backend = backend
	p.activeID = remoteID
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (p *KeyedProvider) AddChain(_ context.Context, chain ChainDescriptor) error {
	id, err := chain.ChainIDBig()
	if err != nil {
		return &ProviderError{Code: -32602, Message: fmt.Sprintf("invalid chainId %q", chain.ChainID)}
	}
	if len(chain.RPCURLs) == 0 || strings.TrimSpace(chain.RPCURLs[0]) == "" {
		return &ProviderError{Code: -32602, Message: "rpcUrls must contain at least one url"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chains[id.String()] = chain.RPCURLs[0]
	return nil
}

func (p *KeyedProvider) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	b, _ := p.current()
	return b.BalanceAt(ctx, account, nil)
}

func (p *KeyedProvider) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	b, _ := p.current()
	return b.EstimateGas(ctx, msg)
}

func (p *KeyedProvider) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	b, _ := p.current()
	return b.CodeAt(ctx, contract, blockNumber)
}

func (p *KeyedProvider) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b, _ := p.current()
	return b.CallContract(ctx, call, blockNumber)
}

func (p *KeyedProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	b, _ := p.current()
	return b.TransactionReceipt(ctx, hash)
}

// SendTransaction signs an EIP-1559 transaction and broadcasts it.
func (p *KeyedProvider) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	if req.From != p.from {
		return common.Hash{}, &ProviderError{Code: 4100, Message: fmt.Sprintf("account %s is not managed by this wallet", req.From.Hex())}
	}
	b, chainID := p.current()

	nonce, err := b.PendingNonceAt(ctx, p.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := b.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := b.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Mul(tip, big.NewInt(2))
	if head != nil && head.BaseFee != nil {
		feeCap = new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	gas := req.Gas
	if gas == 0 {
		to := req.To
		gas, err = b.EstimateGas(ctx, ethereum.CallMsg{From: p.from, To: &to, Value: value, Data: req.Data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
	}

	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), p.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := b.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// Ping checks the active chain is reachable.
func (p *KeyedProvider) Ping(ctx context.Context) error {
	b, _ := p.current()
	_, err := b.BlockNumber(ctx)
	return err
}

func (p *KeyedProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backend != nil {
		p.backend.Close()
		p.backend = nil
	}
}
