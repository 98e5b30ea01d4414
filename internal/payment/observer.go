package payment

import (
	"context"
	"time"
)

// Stage names one step of the payment flow.
type Stage string

const (
	StageExpiry       Stage = "expiry"
	StageConnect      Stage = "connect"
	StageNetwork      Stage = "network"
	StageIdentity     Stage = "identity"
	StageContractRead Stage = "contract_read"
	StageBalance      Stage = "balance"
	StageGasEstimate  Stage = "gas_estimate"
	StageSubmit       Stage = "submit"
	StageValidate     Stage = "validate"
)

// MismatchEvent is the audit record of a wallet-mismatch decision.
type MismatchEvent struct {
	AttemptID string
	BookingID string
	Mismatch  WalletMismatch
	Accepted  bool
}

// Observer receives progress callbacks. Implementations must not block.
type Observer interface {
	StageFinished(stage Stage, elapsed time.Duration, err error)
	WalletMismatch(ctx context.Context, ev MismatchEvent)
	Completed(err error)
}

type NopObserver struct{}

func (NopObserver) StageFinished(Stage, time.Duration, error)     {}
func (NopObserver) WalletMismatch(context.Context, MismatchEvent) {}
func (NopObserver) Completed(error)                               {}

// Observers fans callbacks out to several observers.
type Observers []Observer

func (os Observers) StageFinished(s Stage, elapsed time.Duration, err error) {
	for _, o := range os {
		o.StageFinished(s, elapsed, err)
	}
}

func (os Observers) WalletMismatch(ctx context.Context, ev MismatchEvent) {
	for _, o := range os {
		o.WalletMismatch(ctx, ev)
	}
}

func (os Observers) Completed(err error) {
	for _, o := range os {
		o.Completed(err)
	}
}
