package payerr

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/rpc"
)

// EIP-1193 provider error codes.
const (
	ProviderUserRejected      = 4001
	ProviderUnauthorized      = 4100
	ProviderUnsupportedMethod = 4200
	ProviderDisconnected      = 4900
	ProviderChainDisconnected = 4901
	ProviderUnrecognizedChain = 4902
)

// ProviderCode returns the numeric code carried by a wallet or JSON-RPC error.
func ProviderCode(err error) (int, bool) {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode(), true
	}
	return 0, false
}

// ClassifyWeb3 maps a raw wallet-provider or RPC error into a PaymentError.
// It is the only place unclassified provider failures are translated.
func ClassifyWeb3(err error) *PaymentError {
	if err == nil {
		return nil
	}
	if pe, ok := As(err); ok {
		return pe
	}

	code, hasCode := ProviderCode(err)
	var pe *PaymentError
	switch {
	case code == ProviderUserRejected,
		!hasCode && containsAny(err.Error(), "user rejected", "user denied", "rejected by user"):
		pe = WithCause(CodeUserRejected, true, "You rejected the request in your wallet. Please try again and approve it.", err)
	case code == ProviderUnauthorized:
		pe = WithCause(CodeUnauthorized, true, "Your wallet has not authorized this site. Please connect your wallet and try again.", err)
	case code == ProviderUnsupportedMethod:
		pe = WithCause(CodeUnsupportedMethod, false, "Your wallet does not support this operation. Please use a different wallet.", err)
	case code == ProviderDisconnected:
		pe = WithCause(CodeWalletDisconnected, true, "Your wallet is disconnected. Please reconnect it and try again.", err)
	case code == ProviderChainDisconnected:
		pe = WithCause(CodeChainDisconnected, true, "Your wallet is not connected to the network. Please check your connection and try again.", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		pe = WithCause(CodeWeb3Error, true, "The blockchain request timed out. Please try again.", err)
	default:
		pe = WithCause(CodeWeb3Error, true, "A blockchain error occurred. Please try again.", err)
	}
	if hasCode {
		pe.ProviderCode = code
	}
	return pe
}
