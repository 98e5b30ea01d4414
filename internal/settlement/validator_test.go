package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rentescrow/internal/payerr"
)

var sampleRequest = Request{
	BookingID:       "bk_123",
	TransactionHash: "0xabc",
	ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	ExpectedAmount:  "1500000000000000000",
}

func scriptedServer(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, validatePath, r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))

		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, sampleRequest, req)

		status := statuses[len(statuses)-1]
		if int(n) <= len(statuses) {
			status = statuses[n-1]
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK || status == http.StatusCreated {
			_ = json.NewEncoder(w).Encode(Record{
				ID:              "stl_1",
				BookingID:       req.BookingID,
				TransactionHash: req.TransactionHash,
				ContractAddress: req.ContractAddress,
				Amount:          req.ExpectedAmount,
				Status:          "CONFIRMED",
				BlockNumber:     100,
			})
			return
		}
		_ = json.NewEncoder(w).Encode(errorResponse{Error: "error", Message: http.StatusText(status)})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestRetrier(t *testing.T, url string, attempts *[]int) *Retrier {
	return NewRetrier(NewHTTPValidator(url, time.Second), RetryPolicy{MaxAttempts: 3}, zaptest.NewLogger(t),
		func(attempt int, _ error) {
			if attempts != nil {
				*attempts = append(*attempts, attempt)
			}
		})
}

func TestValidate_StatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		code      payerr.Code
		retryable bool
	}{
		{http.StatusBadRequest, payerr.CodeValidationInvalid, false},
		{http.StatusNotFound, payerr.CodeTransactionNotFound, true},
		{http.StatusConflict, payerr.CodeAlreadyValidated, false},
		{http.StatusInternalServerError, payerr.CodeValidationFailed, true},
		{http.StatusBadGateway, payerr.CodeValidationFailed, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := scriptedServer(t, tt.status)
			_, err := NewHTTPValidator(srv.URL, time.Second).Validate(context.Background(), sampleRequest, "token-1")
			pe, ok := payerr.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, tt.retryable, pe.Retryable)
			assert.NotEmpty(t, pe.UserMessage)
		})
	}
}

func TestValidate_Created(t *testing.T) {
	srv, _ := scriptedServer(t, http.StatusCreated)
	record, err := NewHTTPValidator(srv.URL+"/", time.Second).Validate(context.Background(), sampleRequest, "token-1")
	require.NoError(t, err)
	assert.Equal(t, "stl_1", record.ID)
	assert.Equal(t, uint64(100), record.BlockNumber)
}

func TestValidate_TransportErrorIsRetryable(t *testing.T) {
	srv, _ := scriptedServer(t, http.StatusOK)
	srv.Close()
	_, err := NewHTTPValidator(srv.URL, time.Second).Validate(context.Background(), sampleRequest, "token-1")
	assert.True(t, payerr.Is(err, payerr.CodeValidationFailed))
	assert.True(t, payerr.IsRetryable(err))
}

func TestValidateWithRetry_RecoversFromIndexingLag(t *testing.T) {
	srv, calls := scriptedServer(t, http.StatusNotFound, http.StatusNotFound, http.StatusOK)
	var attempts []int

	record, err := newTestRetrier(t, srv.URL, &attempts).ValidateWithRetry(context.Background(), sampleRequest, "token-1")
	require.NoError(t, err)
	assert.Equal(t, "stl_1", record.ID)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestValidateWithRetry_InvalidIsNotRetried(t *testing.T) {
	srv, calls := scriptedServer(t, http.StatusBadRequest)

	_, err := newTestRetrier(t, srv.URL, nil).ValidateWithRetry(context.Background(), sampleRequest, "token-1")
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.CodeValidationInvalid))
	assert.False(t, payerr.IsRetryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestValidateWithRetry_DuplicateIsNotRetried(t *testing.T) {
	srv, calls := scriptedServer(t, http.StatusConflict)

	_, err := newTestRetrier(t, srv.URL, nil).ValidateWithRetry(context.Background(), sampleRequest, "token-1")
	assert.True(t, payerr.Is(err, payerr.CodeAlreadyValidated))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestValidateWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	srv, calls := scriptedServer(t, http.StatusServiceUnavailable)

	_, err := newTestRetrier(t, srv.URL, nil).ValidateWithRetry(context.Background(), sampleRequest, "token-1")
	assert.True(t, payerr.Is(err, payerr.CodeValidationFailed))
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

type stubValidator struct {
	errs  []error
	calls int
}

func (s *stubValidator) Validate(context.Context, Request, string) (*Record, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return nil, s.errs[s.calls-1]
	}
	return &Record{ID: "ok"}, nil
}

func TestValidateWithRetry_MatchesNotFoundMessage(t *testing.T) {
	stub := &stubValidator{errs: []error{errors.New("transaction not found")}}
	record, err := NewRetrier(stub, RetryPolicy{MaxAttempts: 3}, nil, nil).ValidateWithRetry(context.Background(), sampleRequest, "")
	require.NoError(t, err)
	assert.Equal(t, "ok", record.ID)
	assert.Equal(t, 2, stub.calls)
}

func TestValidateWithRetry_NonRetryableNotFoundMessageCalledOnce(t *testing.T) {
	stub := &stubValidator{errs: []error{
		payerr.New(payerr.CodeValidationInvalid, false, "Transaction not found on chain", "pending"),
	}}
	_, err := NewRetrier(stub, RetryPolicy{MaxAttempts: 3}, nil, nil).ValidateWithRetry(context.Background(), sampleRequest, "")
	assert.True(t, payerr.Is(err, payerr.CodeValidationInvalid))
	assert.False(t, payerr.IsRetryable(err))
	assert.Equal(t, 1, stub.calls)
}

func TestValidateWithRetry_BadRequestWithNotFoundBodyCalledOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Transaction not found on blockchain"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := newTestRetrier(t, srv.URL, nil).ValidateWithRetry(context.Background(), sampleRequest, "token-1")
	assert.True(t, payerr.Is(err, payerr.CodeValidationInvalid))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestValidateWithRetry_StopsWhenContextDone(t *testing.T) {
	stub := &stubValidator{errs: []error{
		payerr.New(payerr.CodeTransactionNotFound, true, "not indexed", "pending"),
		payerr.New(payerr.CodeTransactionNotFound, true, "not indexed", "pending"),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(stub, RetryPolicy{MaxAttempts: 3, RetryDelay: time.Hour}, nil, nil)
	r.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := r.ValidateWithRetry(ctx, sampleRequest, "")
	pe, ok := payerr.As(err)
	require.True(t, ok)
	assert.Equal(t, payerr.CodeValidationFailed, pe.Code)
	assert.Equal(t, sampleRequest.TransactionHash, pe.TransactionHash)
	assert.Equal(t, 1, stub.calls)
}
