// Package escrow reads and funds per-booking rental escrow contracts.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"rentescrow/internal/contracts"
	"rentescrow/internal/payerr"
	"rentescrow/internal/wallet"
)

const (
	// DefaultGasBufferPercent is added on top of the node's gas estimate.
	DefaultGasBufferPercent = 20
	defaultPollInterval     = 2 * time.Second
)

// Options tunes a Client.
type Options struct {
	GasBufferPercent uint64
	PollInterval     time.Duration
}

// Client binds escrow contract addresses to the wallet provider.
type Client struct {
	provider  wallet.Provider
	abi       abi.ABI
	gasBuffer uint64
	poll      time.Duration
}

func NewClient(p wallet.Provider, opts Options) (*Client, error) {
	if p == nil {
		return nil, fmt.Errorf("wallet provider is required")
	}
	parsedABI, err := abi.JSON(strings.NewReader(contracts.RentalEscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	buffer := opts.GasBufferPercent
	if buffer == 0 {
		buffer = DefaultGasBufferPercent
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Client{provider: p, abi: parsedABI, gasBuffer: buffer, poll: poll}, nil
}

// Contract is a client bound to one escrow address.
type Contract struct {
	client  *Client
	address common.Address
	bound   *bind.BoundContract
}

// Bind returns a handle on the escrow at address.
func (c *Client) Bind(address common.Address) (*Contract, error) {
	if (address == common.Address{}) {
		return nil, payerr.New(payerr.CodeInvalidBooking, false,
			"booking has no escrow contract address",
			"This booking has no payment contract yet. Please contact support.")
	}
	return &Contract{
		client:  c,
		address: address,
		bound:   bind.NewBoundContract(address, c.abi, c.provider, nil, nil),
	}, nil
}

func (c *Contract) Address() common.Address {
	return c.address
}

// Snapshot is the contract's current state and rent.
type Snapshot struct {
	State        State
	Raw          uint8
	Capabilities Capabilities
	RentAmount   *big.Int
}

// ReadState reads currentState and rentAmount.
func (c *Contract) ReadState(ctx context.Context) (Snapshot, error) {
	opts := &bind.CallOpts{Context: ctx}

	var stateOut []interface{}
	if err := c.bound.Call(opts, &stateOut, "currentState"); err != nil {
		return Snapshot{}, c.readFailed("currentState", err)
	}
	raw, ok := firstOutput[uint8](stateOut)
	if !ok {
		return Snapshot{}, c.readFailed("currentState", fmt.Errorf("unexpected output %v", stateOut))
	}

	var rentOut []interface{}
	if err := c.bound.Call(opts, &rentOut, "rentAmount"); err != nil {
		return Snapshot{}, c.readFailed("rentAmount", err)
	}
	rent, ok := firstOutput[*big.Int](rentOut)
	if !ok || rent == nil {
		return Snapshot{}, c.readFailed("rentAmount", fmt.Errorf("unexpected output %v", rentOut))
	}

	state := ParseState(raw)
	return Snapshot{
		State:        state,
		Raw:          raw,
		Capabilities: CapabilitiesOf(raw),
		RentAmount:   rent,
	}, nil
}

func firstOutput[T any](out []interface{}) (T, bool) {
	var zero T
	if len(out) == 0 {
		return zero, false
	}
	v, ok := out[0].(T)
	return v, ok
}

func (c *Contract) readFailed(method string, err error) error {
	if errors.Is(err, bind.ErrNoCode) {
		return payerr.WithCause(payerr.CodeInvalidBooking, false,
			"The payment contract for this booking could not be found on the network.",
			fmt.Errorf("%s at %s: %w", method, c.address.Hex(), err))
	}
	return payerr.WithCause(payerr.CodeContractReadFailed, true,
		"Could not read the payment contract. Please try again.",
		fmt.Errorf("%s at %s: %w", method, c.address.Hex(), err))
}

func (c *Contract) fundCallData() ([]byte, error) {
	return c.client.abi.Pack("fund")
}

// EstimateFundGas estimates fund() for from with value rent and applies the
// safety buffer.
func (c *Contract) EstimateFundGas(ctx context.Context, from common.Address, rent *big.Int) (uint64, error) {
	data, err := c.fundCallData()
	if err != nil {
		return 0, payerr.WithCause(payerr.CodeGasEstimationFailed, true, "Could not prepare the payment transaction.", err)
	}
	to := c.address
	raw, err := c.client.provider.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: rent,
		Data:  data,
	})
	if err != nil {
		if pe := classifyRevert(err); pe != nil {
			return 0, pe
		}
		return 0, payerr.WithCause(payerr.CodeGasEstimationFailed, true,
			"Could not estimate the network fee. Please try again.", err)
	}
	return raw * (100 + c.client.gasBuffer) / 100, nil
}

// Receipt summarises the mined funding transaction.
type Receipt struct {
	TransactionHash common.Hash
	BlockNumber     uint64
	GasUsed         uint64
}

// SubmitFund sends fund() with value rent and waits for one confirmation.
func (c *Contract) SubmitFund(ctx context.Context, from common.Address, rent *big.Int, gasLimit uint64) (Receipt, error) {
	data, err := c.fundCallData()
	if err != nil {
		return Receipt{}, payerr.WithCause(payerr.CodeWeb3Error, true, "Could not prepare the payment transaction.", err)
	}

	hash, err := c.client.provider.SendTransaction(ctx, wallet.TxRequest{
		From:  from,
		To:    c.address,
		Value: rent,
		Gas:   gasLimit,
		Data:  data,
	})
	if err != nil {
		if pe := classifyRevert(err); pe != nil {
			return Receipt{}, pe
		}
		return Receipt{}, payerr.ClassifyWeb3(err)
	}

	receipt, err := WaitForReceipt(ctx, c.client.provider, hash, c.client.poll)
	if err != nil {
		if ctx.Err() != nil {
			return Receipt{}, payerr.WithCause(payerr.CodeReceiptTimeout, true,
				"Your payment was sent but is not confirmed yet. Do not pay again; check the transaction in your wallet.",
				err).WithTransaction(hash.Hex())
		}
		return Receipt{}, payerr.ClassifyWeb3(err).WithTransaction(hash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, payerr.Newf(payerr.CodeTransactionReverted, false,
			"The payment transaction failed on-chain and no funds were moved.",
			"fund tx %s reverted in block %s", hash.Hex(), receipt.BlockNumber).WithTransaction(hash.Hex())
	}

	out := Receipt{TransactionHash: hash, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// ReceiptSource is the part of the provider used to poll for receipts.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or ctx is cancelled.
func WaitForReceipt(ctx context.Context, src ReceiptSource, hash common.Hash, every time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := src.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
