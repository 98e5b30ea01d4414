// Package network keeps the wallet on the chain the escrow contracts live on.
package network

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"rentescrow/internal/payerr"
	"rentescrow/internal/wallet"
)

// Network describes the target chain.
type Network struct {
	ChainID     *big.Int
	Name        string
	Currency    wallet.NativeCurrency
	RPCURL      string
	ExplorerURL string
}

// Descriptor renders the network as a wallet_addEthereumChain parameter.
func (n Network) Descriptor() wallet.ChainDescriptor {
	d := wallet.ChainDescriptor{
		ChainID:        hexutil.EncodeBig(n.ChainID),
		ChainName:      n.Name,
		NativeCurrency: n.Currency,
		RPCURLs:        []string{n.RPCURL},
	}
	if n.ExplorerURL != "" {
		d.BlockExplorerURLs = []string{n.ExplorerURL}
	}
	return d
}

// Guard switches the wallet to the target network, registering it first when
// the wallet has never seen it.
type Guard struct {
	provider wallet.Provider
}

func NewGuard(p wallet.Provider) *Guard {
	return &Guard{provider: p}
}

// EnsureNetwork leaves the wallet on target or returns a PaymentError.
func (g *Guard) EnsureNetwork(ctx context.Context, target Network) error {
	if g == nil || g.provider == nil {
		return payerr.New(payerr.CodeWalletNotFound, false,
			"no wallet provider configured",
			"No wallet was found. Please install or connect a wallet to continue.")
	}
	if target.ChainID == nil {
		return payerr.New(payerr.CodeNetworkMismatch, false, "target network has no chain id",
			"The payment network is not configured. Please contact support.")
	}

	current, err := g.provider.ChainID(ctx)
	if err != nil {
		return payerr.ClassifyWeb3(err)
	}
	if current.Cmp(target.ChainID) == 0 {
		return nil
	}

	if err := g.provider.SwitchChain(ctx, target.ChainID); err != nil {
		if !isUnrecognizedChain(err) {
			return switchFailed(target, err)
		}
		if err := g.provider.AddChain(ctx, target.Descriptor()); err != nil {
			return switchFailed(target, err)
		}
		if err := g.provider.SwitchChain(ctx, target.ChainID); err != nil {
			return switchFailed(target, err)
		}
	}

	current, err = g.provider.ChainID(ctx)
	if err != nil {
		return payerr.ClassifyWeb3(err)
	}
	if current.Cmp(target.ChainID) != 0 {
		return payerr.Newf(payerr.CodeNetworkMismatch, false,
			fmt.Sprintf("Please switch your wallet to %s to continue.", target.Name),
			"wallet on chain %s after switch, want %s", current, target.ChainID)
	}
	return nil
}

func isUnrecognizedChain(err error) bool {
	if code, ok := payerr.ProviderCode(err); ok && code == payerr.ProviderUnrecognizedChain {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unrecognized chain") || strings.Contains(msg, "unknown chain")
}

// switchFailed keeps user rejections and disconnects in their own codes and
// reports anything else as a failed switch.
func switchFailed(target Network, err error) error {
	pe := payerr.ClassifyWeb3(err)
	if pe.Code != payerr.CodeWeb3Error {
		return pe
	}
	out := payerr.WithCause(payerr.CodeNetworkSwitchFailed, true,
		fmt.Sprintf("Could not switch your wallet to %s. Please switch manually and try again.", target.Name), err)
	out.ProviderCode = pe.ProviderCode
	return out
}
