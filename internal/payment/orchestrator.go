// Package payment drives a booking from "awaiting payment" to a funded
// escrow recognised by the settlement backend.
package payment

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"rentescrow/internal/booking"
	"rentescrow/internal/escrow"
	"rentescrow/internal/network"
	"rentescrow/internal/payerr"
	"rentescrow/internal/settlement"
	"rentescrow/internal/wallet"
)

// Settler registers a mined transaction, retrying indexing lag internally.
type Settler interface {
	ValidateWithRetry(ctx context.Context, req settlement.Request, bearer string) (*settlement.Record, error)
}

// WalletMismatch is raised when the connected wallet is not the booking's tenant.
type WalletMismatch struct {
	BookingWallet   common.Address `json:"bookingWallet"`
	ConnectedWallet common.Address `json:"connectedWallet"`
}

// MismatchDecider decides whether to continue with a non-tenant wallet.
type MismatchDecider func(ctx context.Context, m WalletMismatch) bool

// AcceptMismatch and DeclineMismatch are fixed decisions.
func AcceptMismatch(context.Context, WalletMismatch) bool  { return true }
func DeclineMismatch(context.Context, WalletMismatch) bool { return false }

// Request carries everything one payment attempt needs.
type Request struct {
	Booking         booking.Booking
	PaymentTimeout  time.Duration
	BearerToken     string
	ConfirmMismatch MismatchDecider
}

// Result is returned on success.
type Result struct {
	Success         bool               `json:"success"`
	Payment         *settlement.Record `json:"payment"`
	TransactionHash string             `json:"transactionHash"`
	BlockNumber     uint64             `json:"blockNumber"`
	GasUsed         uint64             `json:"gasUsed"`
	AttemptID       string             `json:"attemptId"`
	WalletMismatch  *WalletMismatch    `json:"walletMismatch,omitempty"`
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Wallet     *wallet.Gateway
	Guard      *network.Guard
	Contracts  *escrow.Client
	Settlement Settler
	Network    network.Network
	Now        func() time.Time
	Logger     *zap.Logger
	Observer   Observer
}

// Orchestrator runs the payment stages in order. It holds no per-booking
// state; callers serialise attempts for the same booking.
type Orchestrator struct {
	deps Deps
}

func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	return &Orchestrator{deps: deps}
}

// attempt is the in-flight state of one run. It is discarded on return.
type attempt struct {
	id       string
	wallet   common.Address
	rent     *big.Int
	gasLimit uint64
	receipt  escrow.Receipt
	mismatch *WalletMismatch
}

// ProcessCompletePayment runs every stage and returns the settled payment or
// the first stage's classified PaymentError.
func (o *Orchestrator) ProcessCompletePayment(ctx context.Context, req Request) (*Result, error) {
	att := &attempt{id: uuid.NewString()}
	log := o.deps.Logger.With(
		zap.String("attempt_id", att.id),
		zap.String("booking_id", req.Booking.ID),
		zap.String("contract", req.Booking.ContractAddress.Hex()),
	)

	timeout := req.PaymentTimeout
	if timeout <= 0 {
		timeout = booking.DefaultPaymentTimeout
	}
	if err := o.stage(StageExpiry, func() error {
		if req.Booking.Expired(o.deps.Now(), timeout) {
			return payerr.Newf(payerr.CodeBookingExpired, false,
				"The payment window for this booking has closed. Please create a new booking.",
				"booking %s expired at %s", req.Booking.ID, req.Booking.ExpiresAt(timeout).UTC().Format(time.RFC3339))
		}
		return nil
	}); err != nil {
		return nil, o.fail(log, att, StageExpiry, err)
	}

	var conn wallet.Connection
	if err := o.stage(StageConnect, func() (err error) {
		conn, err = o.deps.Wallet.Connect(ctx)
		return err
	}); err != nil {
		return nil, o.fail(log, att, StageConnect, err)
	}
	att.wallet = conn.Active
	log = log.With(zap.String("wallet", att.wallet.Hex()))

	if err := o.stage(StageNetwork, func() error {
		return o.deps.Guard.EnsureNetwork(ctx, o.deps.Network)
	}); err != nil {
		return nil, o.fail(log, att, StageNetwork, err)
	}

	if err := o.stage(StageIdentity, func() error {
		return o.checkIdentity(ctx, log, att, req)
	}); err != nil {
		return nil, o.fail(log, att, StageIdentity, err)
	}

	var contract *escrow.Contract
	if err := o.stage(StageContractRead, func() error {
		var err error
		contract, err = o.deps.Contracts.Bind(req.Booking.ContractAddress)
		if err != nil {
			return err
		}
		snap, err := contract.ReadState(ctx)
		if err != nil {
			return err
		}
		if !snap.Capabilities.CanFund {
			return payerr.Newf(payerr.CodeInvalidContractState, false,
				fmt.Sprintf("This booking cannot be paid because its escrow is %s.", snap.State.Describe()),
				"cannot fund escrow in state %s (raw %d)", snap.State, snap.Raw)
		}
		att.rent = snap.RentAmount
		return nil
	}); err != nil {
		return nil, o.fail(log, att, StageContractRead, err)
	}

	if err := o.stage(StageBalance, func() error {
		balance, err := o.deps.Wallet.Balance(ctx, att.wallet)
		if err != nil {
			return err
		}
		if balance.Cmp(att.rent) < 0 {
			return payerr.Newf(payerr.CodeInsufficientBalance, false,
				fmt.Sprintf("Your wallet balance is too low. Required: %s %s, available: %s %s.",
					att.rent, o.deps.Network.Currency.Symbol, balance, o.deps.Network.Currency.Symbol),
				"insufficient balance: required %s wei, actual %s wei", att.rent, balance)
		}
		return nil
	}); err != nil {
		return nil, o.fail(log, att, StageBalance, err)
	}

	if err := o.stage(StageGasEstimate, func() (err error) {
		att.gasLimit, err = contract.EstimateFundGas(ctx, att.wallet, att.rent)
		return err
	}); err != nil {
		return nil, o.fail(log, att, StageGasEstimate, err)
	}

	if err := o.stage(StageSubmit, func() (err error) {
		att.receipt, err = contract.SubmitFund(ctx, att.wallet, att.rent, att.gasLimit)
		return err
	}); err != nil {
		return nil, o.fail(log, att, StageSubmit, err)
	}
	txHash := att.receipt.TransactionHash.Hex()
	log.Info("escrow funded",
		zap.String("tx_hash", txHash),
		zap.Uint64("block", att.receipt.BlockNumber),
		zap.Uint64("gas_used", att.receipt.GasUsed),
	)

	var record *settlement.Record
	if err := o.stage(StageValidate, func() (err error) {
		record, err = o.deps.Settlement.ValidateWithRetry(ctx, settlement.Request{
			BookingID:       req.Booking.ID,
			TransactionHash: txHash,
			ContractAddress: req.Booking.ContractAddress.Hex(),
			ExpectedAmount:  att.rent.String(),
		}, req.BearerToken)
		return err
	}); err != nil {
		return nil, o.fail(log, att, StageValidate, err)
	}

	o.deps.Observer.Completed(nil)
	return &Result{
		Success:         true,
		Payment:         record,
		TransactionHash: txHash,
		BlockNumber:     att.receipt.BlockNumber,
		GasUsed:         att.receipt.GasUsed,
		AttemptID:       att.id,
		WalletMismatch:  att.mismatch,
	}, nil
}

func (o *Orchestrator) checkIdentity(ctx context.Context, log *zap.Logger, att *attempt, req Request) error {
	tenant := req.Booking.TenantWalletAddress
	if (tenant == common.Address{}) || tenant == att.wallet {
		return nil
	}
	m := WalletMismatch{BookingWallet: tenant, ConnectedWallet: att.wallet}
	accepted := req.ConfirmMismatch != nil && req.ConfirmMismatch(ctx, m)
	o.deps.Observer.WalletMismatch(ctx, MismatchEvent{
		AttemptID: att.id,
		BookingID: req.Booking.ID,
		Mismatch:  m,
		Accepted:  accepted,
	})
	log.Warn("connected wallet differs from booking tenant",
		zap.String("tenant_wallet", tenant.Hex()),
		zap.Bool("accepted", accepted),
	)
	if !accepted {
		return payerr.Newf(payerr.CodeWalletMismatchDeclined, true,
			"Payment cancelled. Connect the wallet registered on this booking, or confirm paying from this wallet.",
			"wallet %s is not booking tenant %s", att.wallet.Hex(), tenant.Hex())
	}
	att.mismatch = &m
	return nil
}

func (o *Orchestrator) stage(s Stage, fn func() error) error {
	start := o.deps.Now()
	err := fn()
	o.deps.Observer.StageFinished(s, o.deps.Now().Sub(start), err)
	return err
}

// fail classifies err without downgrading an existing classification.
func (o *Orchestrator) fail(log *zap.Logger, att *attempt, s Stage, err error) error {
	err = payerr.Wrap(err)
	pe, _ := payerr.As(err)
	fields := []zap.Field{zap.String("stage", string(s)), zap.Error(err)}
	if pe != nil {
		fields = append(fields, zap.String("code", string(pe.Code)), zap.Bool("retryable", pe.Retryable))
		if pe.TransactionHash != "" {
			fields = append(fields, zap.String("tx_hash", pe.TransactionHash))
		}
	}
	if (att.receipt.TransactionHash != common.Hash{}) {
		// Funds are on-chain; only settlement failed.
		if pe != nil && pe.TransactionHash == "" {
			pe = pe.WithTransaction(att.receipt.TransactionHash.Hex())
			err = pe
		}
		log.Error("payment submitted but not settled", fields...)
	} else {
		log.Warn("payment attempt failed", fields...)
	}
	o.deps.Observer.Completed(err)
	return err
}
