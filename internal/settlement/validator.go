// Package settlement registers a mined escrow payment with the backend ledger.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rentescrow/internal/payerr"
)

const validatePath = "/api/v1/payments/validate-transaction"

// Request is the body sent to the settlement backend.
type Request struct {
	BookingID       string `json:"bookingId"`
	TransactionHash string `json:"transactionHash"`
	ContractAddress string `json:"contractAddress"`
	// ExpectedAmount is the rent in wei as a decimal string.
	ExpectedAmount string `json:"expectedAmount"`
}

// Record is the backend's proof that the transaction settles the booking.
type Record struct {
	ID              string    `json:"id"`
	BookingID       string    `json:"bookingId"`
	TransactionHash string    `json:"transactionHash"`
	ContractAddress string    `json:"contractAddress"`
	Amount          string    `json:"amount"`
	Status          string    `json:"status"`
	BlockNumber     uint64    `json:"blockNumber,omitempty"`
	ValidatedAt     time.Time `json:"validatedAt"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Validator calls the settlement backend.
type Validator interface {
	Validate(ctx context.Context, req Request, bearer string) (*Record, error)
}

// HTTPValidator is the Validator backed by the settlement REST endpoint.
type HTTPValidator struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPValidator(baseURL string, timeout time.Duration) *HTTPValidator {
	return &HTTPValidator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (v *HTTPValidator) Validate(ctx context.Context, req Request, bearer string) (*Record, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, payerr.WithCause(payerr.CodeValidationFailed, false, "Could not confirm your payment.", fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+validatePath, bytes.NewReader(payload))
	if err != nil {
		return nil, payerr.WithCause(payerr.CodeValidationFailed, false, "Could not confirm your payment.", fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := v.httpClient.Do(httpReq)
	if err != nil {
		return nil, payerr.WithCause(payerr.CodeValidationFailed, true,
			"Your payment was sent but could not be confirmed yet. Please try again shortly.",
			fmt.Errorf("validate transaction: %w", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var record Record
		if err := json.Unmarshal(body, &record); err != nil {
			return nil, payerr.WithCause(payerr.CodeValidationFailed, true,
				"Your payment was sent but could not be confirmed yet. Please try again shortly.",
				fmt.Errorf("decode settlement record: %w", err))
		}
		return &record, nil
	case http.StatusBadRequest:
		return nil, payerr.New(payerr.CodeValidationInvalid, false, backendMessage(resp.StatusCode, body),
			"The payment could not be matched to this booking. Please contact support with your transaction hash.")
	case http.StatusNotFound:
		return nil, payerr.New(payerr.CodeTransactionNotFound, true, backendMessage(resp.StatusCode, body),
			"Your transaction is not visible on the network yet. Please wait a moment and try again.")
	case http.StatusConflict:
		return nil, payerr.New(payerr.CodeAlreadyValidated, false, backendMessage(resp.StatusCode, body),
			"This payment has already been recorded. Refresh the booking to see its status.")
	default:
		return nil, payerr.New(payerr.CodeValidationFailed, true, backendMessage(resp.StatusCode, body),
			"Your payment was sent but could not be confirmed yet. Please try again shortly.")
	}
}

func backendMessage(status int, body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		if er.Message != "" {
			return fmt.Sprintf("settlement returned status %d: %s", status, er.Message)
		}
		if er.Error != "" {
			return fmt.Sprintf("settlement returned status %d: %s", status, er.Error)
		}
	}
	return fmt.Sprintf("settlement returned status %d: %s", status, strings.TrimSpace(string(body)))
}
