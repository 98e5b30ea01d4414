package payment

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rentescrow/internal/booking"
	"rentescrow/internal/contracts"
	"rentescrow/internal/escrow"
	"rentescrow/internal/network"
	"rentescrow/internal/payerr"
	"rentescrow/internal/settlement"
	"rentescrow/internal/wallet"
	"rentescrow/internal/wallet/wallettest"
)

var (
	tenantWallet = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	otherWallet  = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	escrowAddr   = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	rent         = big.NewInt(1_000_000_000_000_000_000)
	now          = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	amoy = network.Network{
		ChainID:  big.NewInt(80002),
		Name:     "Polygon Amoy",
		Currency: wallet.NativeCurrency{Name: "POL", Symbol: "POL", Decimals: 18},
		RPCURL:   "https://rpc-amoy.polygon.technology",
	}
)

type mockSettler struct {
	mock.Mock
}

func (m *mockSettler) ValidateWithRetry(ctx context.Context, req settlement.Request, bearer string) (*settlement.Record, error) {
	args := m.Called(ctx, req, bearer)
	record, _ := args.Get(0).(*settlement.Record)
	return record, args.Error(1)
}

type recordingObserver struct {
	mu         sync.Mutex
	stages     []Stage
	mismatches []MismatchEvent
	completed  []error
}

func (r *recordingObserver) StageFinished(s Stage, _ time.Duration, _ error) {
	r.mu.Lock()
	r.stages = append(r.stages, s)
	r.mu.Unlock()
}

func (r *recordingObserver) WalletMismatch(_ context.Context, ev MismatchEvent) {
	r.mu.Lock()
	r.mismatches = append(r.mismatches, ev)
	r.mu.Unlock()
}

func (r *recordingObserver) Completed(err error) {
	r.mu.Lock()
	r.completed = append(r.completed, err)
	r.mu.Unlock()
}

// escrowCalls answers currentState/rentAmount for a contract in state.
func escrowCalls(t *testing.T, state uint8) func(ethereum.CallMsg) ([]byte, error) {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(contracts.RentalEscrowABI))
	require.NoError(t, err)
	return func(msg ethereum.CallMsg) ([]byte, error) {
		switch {
		case bytes.HasPrefix(msg.Data, parsed.Methods["currentState"].ID):
			return parsed.Methods["currentState"].Outputs.Pack(state)
		case bytes.HasPrefix(msg.Data, parsed.Methods["rentAmount"].ID):
			return parsed.Methods["rentAmount"].Outputs.Pack(rent)
		}
		return nil, errors.New("unexpected call")
	}
}

// happyProvider is a wallet on the target chain holding 2x rent, with the
// escrow in state EMPTY.
func happyProvider(t *testing.T) *wallettest.Provider {
	return &wallettest.Provider{
		Accounts: []common.Address{tenantWallet},
		Chain:    big.NewInt(80002),
		Balances: map[common.Address]*big.Int{
			tenantWallet: new(big.Int).Mul(rent, big.NewInt(2)),
			otherWallet:  new(big.Int).Mul(rent, big.NewInt(2)),
		},
		CallFn: escrowCalls(t, uint8(escrow.StateEmpty)),
	}
}

type fixture struct {
	provider *wallettest.Provider
	settler  *mockSettler
	observer *recordingObserver
	orch     *Orchestrator
}

func newFixture(t *testing.T, p *wallettest.Provider) *fixture {
	t.Helper()
	contractsClient, err := escrow.NewClient(p, escrow.Options{PollInterval: time.Millisecond})
	require.NoError(t, err)

	f := &fixture{provider: p, settler: &mockSettler{}, observer: &recordingObserver{}}
	f.orch = NewOrchestrator(Deps{
		Wallet:     wallet.NewGateway(p),
		Guard:      network.NewGuard(p),
		Contracts:  contractsClient,
		Settlement: f.settler,
		Network:    amoy,
		Now:        func() time.Time { return now },
		Logger:     zaptest.NewLogger(t),
		Observer:   f.observer,
	})
	return f
}

func freshBooking() booking.Booking {
	return booking.Booking{
		ID:                  "bk_1",
		ContractAddress:     escrowAddr,
		TenantWalletAddress: tenantWallet,
		CreatedAt:           now.Add(-5 * time.Minute),
		Amount:              rent,
		Currency:            "POL",
	}
}

func expectSettled(f *fixture) {
	f.settler.On("ValidateWithRetry", mock.Anything, mock.MatchedBy(func(req settlement.Request) bool {
		return req.BookingID == "bk_1" && req.ExpectedAmount == rent.String() && req.ContractAddress == escrowAddr.Hex()
	}), "bearer-1").Return(&settlement.Record{ID: "stl_1", Status: "CONFIRMED"}, nil).Once()
}

func TestProcessCompletePayment_Success(t *testing.T) {
	f := newFixture(t, happyProvider(t))
	expectSettled(f)

	res, err := f.orch.ProcessCompletePayment(context.Background(), Request{
		Booking:        freshBooking(),
		PaymentTimeout: 15 * time.Minute,
		BearerToken:    "bearer-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, common.HexToHash("0x01").Hex(), res.TransactionHash)
	assert.Equal(t, uint64(100), res.BlockNumber)
	assert.Equal(t, uint64(42_000), res.GasUsed)
	assert.Equal(t, "stl_1", res.Payment.ID)
	assert.NotEmpty(t, res.AttemptID)
	assert.Nil(t, res.WalletMismatch)

	require.Len(t, f.provider.Sent, 1)
	sent := f.provider.Sent[0]
	assert.Equal(t, tenantWallet, sent.From)
	assert.Equal(t, escrowAddr, sent.To)
	assert.Equal(t, 0, rent.Cmp(sent.Value))
	assert.Equal(t, uint64(60_000), sent.Gas)

	assert.Equal(t, []Stage{
		StageExpiry, StageConnect, StageNetwork, StageIdentity, StageContractRead,
		StageBalance, StageGasEstimate, StageSubmit, StageValidate,
	}, f.observer.stages)
	assert.Equal(t, []error{nil}, f.observer.completed)
	f.settler.AssertExpectations(t)
}

func TestProcessCompletePayment_ExpiredBookingTouchesNothing(t *testing.T) {
	f := newFixture(t, happyProvider(t))
	b := freshBooking()
	b.CreatedAt = now.Add(-16 * time.Minute)

	_, err := f.orch.ProcessCompletePayment(context.Background(), Request{Booking: b, PaymentTimeout: 15 * time.Minute})
	pe, ok := payerr.As(err)
	require.True(t, ok)
	assert.Equal(t, payerr.CodeBookingExpired, pe.Code)
	assert.False(t, pe.Retryable)
	assert.Empty(t, f.provider.Calls)
	f.settler.AssertNotCalled(t, "ValidateWithRetry", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessCompletePayment_DefaultTimeoutApplies(t *testing.T) {
	f := newFixture(t, happyProvider(t))
	b := freshBooking()
	b.CreatedAt = now.Add(-booking.DefaultPaymentTimeout - time.Second)

	_, err := f.orch.ProcessCompletePayment(context.Background(), Request{Booking: b})
	assert.True(t, payerr.Is(err, payerr.CodeBookingExpired))
}

func TestProcessCompletePayment_NonFundableStates(t *testing.T) {
	states := []escrow.State{escrow.StateFunded, escrow.StateReleased, escrow.StateCancelled, escrow.State(7)}
	for _, state := range states {
		t.Run(escrow.ParseState(uint8(state)).String(), func(t *testing.T) {
			p := happyProvider(t)
			p.CallFn = escrowCalls(t, uint8(state))
			f := newFixture(t, p)

			_, err := f.orch.ProcessCompletePayment(context.Background(), Request{Booking: freshBooking(), PaymentTimeout: time.Hour})
			pe, ok := payerr.As(err)
			require.True(t, ok)
			assert.Equal(t, payerr.CodeInvalidContractState, pe.Code)
			assert.False(t, pe.Retryable)
			assert.Contains(t, pe.UserMessage, escrow.ParseState(uint8(state)).Describe())
			assert.False(t, p.Called("EstimateGas"))
			assert.False(t, p.Called("SendTransaction"))
		})
	}
}

func TestProcessCompletePayment_FundedScenario(t *testing.T) {
	p := happyProvider(t)
	p.CallFn = escrowCalls(t, uint8(escrow.StateFunded))
	f := newFixture(t, p)

	_, err := f.orch.ProcessCompletePayment(context.Background(), Request{Booking: freshBooking(), PaymentTimeout: time.Hour})
	pe, ok := payerr.As(err)
	require.True(t, ok)
	assert.Equal(t, payerr.CodeInvalidContractState, pe.Code)
	assert.Equal(t, payerr.CategoryBusinessRule, pe.Code.Category())
	assert.Contains(t, pe.UserMessage, "already funded")
	assert.False(t, pe.Retryable)
}

func TestProcessCompletePayment_InsufficientBalance(t *testing.T) {
	p := happyProvider(t)
	p.Balances[tenantWallet] = big.NewInt(999)
	f := newFixture(t, p)

	_, err := f.orch.ProcessCompletePayment(context.Background(), Request{Booking: freshBooking(), PaymentTimeout: time.Hour})
	pe, ok := payerr.As(err)
	require.True(t, ok)
	assert.Equal(t, payerr.CodeInsufficientBalance, pe.Code)
	assert.False(t, pe.Retryable)
	assert.Contains(t, pe.Message, rent.String())
	assert.Contains(t, pe.Message, "999")
	assert.Contains(t, pe.UserMessage, rent.String())
	assert.Contains(t, pe.UserMessage, "999")
	assert.False(t, p.Called("EstimateGas"))
}

func TestProcessCompletePayment_UserRejectsSignature(t *testing.T) {
	p := happyProvider(t)
	p.SendFn = func(wallet.TxRequest) (common.Hash, error) {
		return common.Hash{}, &wallet.ProviderError{Code: payerr.ProviderUserRejected, Message: "User rejected the request."}
	}
	f := newFixture(t, p)

	res, err := f.orch.ProcessCompletePayment(context.Background(), Request{Booking: freshBooking(), PaymentTimeout: time.Hour})
	assert.Nil(t, res)
	pe, ok := payerr.As(err)
	require.True(t, ok)
	assert.Equal(t, payerr.CodeUserRejected, pe.Code)
	assert.True(t, pe.Retryable)
	assert.Empty(t, pe.TransactionHash)
	f.settler.AssertNotCalled(t, "ValidateWithRetry", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessCompletePayment_NoWallet(t *testing.T) {
	contractsClient, err := escrow.NewClient(&wallettest.Provider{}, escrow.Options{})
	require.NoError(t, err)
	orch := NewOrchestrator(Deps{
		Wallet:    wallet.NewGateway(nil),
		Guard:     network.NewGuard(nil),
		Contracts: contractsClient,
		Network:   amoy,
		Now:       func() time.Time { return now },
	})

	_, err = orch.ProcessCompletePayment(context.Background(), Request{Booking: freshBooking(), PaymentTimeout: time.Hour})
	assert.True(t, payerr.Is(err, payerr.CodeWalletNotFound))
}

func TestProcessCompletePayment_WalletMismatchDeclined(t *testing.T) {
	p := happyProvider(t)
	p.Accounts = []common.Address{otherWallet}
	f := newFixture(t, p)

	_, err := f.orch.ProcessCompletePayment(context.Background(), Request{
		Booking:         freshBooking(),
		PaymentTimeout:  time.Hour,
		ConfirmMismatch: DeclineMismatch,
	})
	pe, ok := payerr.As(err)
	require.True(t, ok)
	assert.Equal(t, payerr.CodeWalletMismatchDeclined, pe.Code)
	assert.False(t, p.Called("CallContract"))

	require.Len(t, f.observer.mismatches, 1)
	ev := f.observer.mismatches[0]
	assert.False(t, ev.Accepted)
	assert.Equal(t, tenantWallet, ev.Mismatch.BookingWallet)
	assert.Equal(t, otherWallet, ev.Mismatch.ConnectedWallet)
}

func TestProcessCompletePayment_WalletMismatchAccepted(t *testing.T) {
	p := happyProvider(t)
	p.Accounts = []common.Address{otherWallet}
	f := newFixture(t, p)
	expectSettled(f)

	var asked WalletMismatch
	res, err := f.orch.ProcessCompletePayment(context.Background(), Request{
		Booking:        freshBooking(),
		PaymentTimeout: time.Hour,
		BearerToken:    "bearer-1",
		ConfirmMismatch: func(_ context.Context, m WalletMismatch) bool {
			asked = m
			return true
		},
	})
	require.NoError(t, err)
	assert.Equal(t, otherWallet, asked.ConnectedWallet)
	require.NotNil(t, res.WalletMismatch)
	assert.Equal(t, otherWallet, f.provider.Sent[0].From)
	require.Len(t, f.observer.mismatches, 1)
	assert.True(t, f.observer.mismatches[0].Accepted)
}

func TestProcessCompletePayment_SettlementFailureKeepsHash(t *testing.T) {
	f := newFixture(t, happyProvider(t))
	f.settler.On("ValidateWithRetry", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, payerr.New(payerr.CodeTransactionNotFound, true, "settlement returned status 404", "not indexed")).Once()

	_, err := f.orch.ProcessCompletePayment(context.Background(), Request{Booking: freshBooking(), PaymentTimeout: time.Hour})
	pe, ok := payerr.As(err)
	require.True(t, ok)
	assert.Equal(t, payerr.CodeTransactionNotFound, pe.Code)
	assert.Equal(t, common.HexToHash("0x01").Hex(), pe.TransactionHash)
}

func TestProcessCompletePayment_RawErrorsAreClassified(t *testing.T) {
	f := newFixture(t, happyProvider(t))
	f.settler.On("ValidateWithRetry", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("boom")).Once()

	_, err := f.orch.ProcessCompletePayment(context.Background(), Request{Booking: freshBooking(), PaymentTimeout: time.Hour})
	pe, ok := payerr.As(err)
	require.True(t, ok)
	assert.Equal(t, payerr.CodeWeb3Error, pe.Code)
	assert.True(t, pe.Retryable)
}
