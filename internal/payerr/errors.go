// Package payerr defines the single error type returned by every fallible
// step of an escrow payment, and the classifier that turns raw wallet and
// RPC failures into it.
package payerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the closed set of machine-readable payment failure codes.
type Code string

const (
	// environment
	CodeWalletNotFound      Code = "WALLET_NOT_FOUND"
	CodeNoAccounts          Code = "NO_ACCOUNTS"
	CodeNetworkMismatch     Code = "NETWORK_MISMATCH"
	CodeNetworkSwitchFailed Code = "NETWORK_SWITCH_FAILED"

	// business rules
	CodeBookingExpired       Code = "BOOKING_EXPIRED"
	CodeInvalidBooking       Code = "INVALID_BOOKING"
	CodeInvalidContractState Code = "INVALID_CONTRACT_STATE"
	CodeInsufficientBalance  Code = "INSUFFICIENT_BALANCE"
	CodeAlreadyFunded        Code = "ALREADY_FUNDED"
	CodeIncorrectAmount      Code = "INCORRECT_AMOUNT"
	CodeNotTenant            Code = "NOT_TENANT"
	CodeInsufficientFunds    Code = "INSUFFICIENT_FUNDS"
	CodeTransactionReverted  Code = "TRANSACTION_REVERTED"

	// transient infrastructure
	CodeGasEstimationFailed Code = "GAS_ESTIMATION_FAILED"
	CodeContractReadFailed  Code = "CONTRACT_READ_FAILED"
	CodeReceiptTimeout      Code = "RECEIPT_TIMEOUT"
	CodeWalletDisconnected  Code = "WALLET_DISCONNECTED"
	CodeChainDisconnected   Code = "CHAIN_DISCONNECTED"
	CodeWeb3Error           Code = "WEB3_ERROR"

	// user initiated
	CodeUserRejected           Code = "USER_REJECTED"
	CodeWalletMismatchDeclined Code = "WALLET_MISMATCH_DECLINED"

	// provider policy
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeUnsupportedMethod Code = "UNSUPPORTED_METHOD"

	// settlement backend
	CodeValidationInvalid   Code = "VALIDATION_INVALID"
	CodeTransactionNotFound Code = "TRANSACTION_NOT_FOUND"
	CodeAlreadyValidated    Code = "ALREADY_VALIDATED"
	CodeValidationFailed    Code = "VALIDATION_FAILED"
)

// Category groups codes by cause. Callers use it to pick a presentation.
type Category string

const (
	CategoryEnvironment    Category = "ENVIRONMENT"
	CategoryBusinessRule   Category = "BUSINESS_RULE"
	CategoryTransient      Category = "TRANSIENT"
	CategoryUserInitiated  Category = "USER_INITIATED"
	CategoryProviderPolicy Category = "PROVIDER_POLICY"
	CategorySettlement     Category = "SETTLEMENT"
)

var categories = map[Code]Category{
	CodeWalletNotFound:      CategoryEnvironment,
	CodeNoAccounts:          CategoryEnvironment,
	CodeNetworkMismatch:     CategoryEnvironment,
	CodeNetworkSwitchFailed: CategoryEnvironment,

	CodeBookingExpired:       CategoryBusinessRule,
	CodeInvalidBooking:       CategoryBusinessRule,
	CodeInvalidContractState: CategoryBusinessRule,
	CodeInsufficientBalance:  CategoryBusinessRule,
	CodeAlreadyFunded:        CategoryBusinessRule,
	CodeIncorrectAmount:      CategoryBusinessRule,
	CodeNotTenant:            CategoryBusinessRule,
	CodeInsufficientFunds:    CategoryBusinessRule,
	CodeTransactionReverted:  CategoryBusinessRule,

	CodeGasEstimationFailed: CategoryTransient,
	CodeContractReadFailed:  CategoryTransient,
	CodeReceiptTimeout:      CategoryTransient,
	CodeWalletDisconnected:  CategoryTransient,
	CodeChainDisconnected:   CategoryTransient,
	CodeWeb3Error:           CategoryTransient,
	CodeTransactionNotFound: CategoryTransient,
	CodeValidationFailed:    CategoryTransient,

	CodeUserRejected:           CategoryUserInitiated,
	CodeWalletMismatchDeclined: CategoryUserInitiated,

	CodeUnauthorized:      CategoryProviderPolicy,
	CodeUnsupportedMethod: CategoryProviderPolicy,

	CodeValidationInvalid: CategorySettlement,
	CodeAlreadyValidated:  CategorySettlement,
}

// Category returns the cause group of the code.
func (c Code) Category() Category {
	if cat, ok := categories[c]; ok {
		return cat
	}
	return CategoryTransient
}

// PaymentError is returned by every fallible payment operation.
type PaymentError struct {
	Code Code
	// ProviderCode is the numeric wallet/RPC error code, zero when the failure
	// did not originate from a provider.
	ProviderCode int
	Message      string
	UserMessage  string
	Retryable    bool
	// TransactionHash is set once a transaction was accepted by the wallet, so
	// a failure after submission still identifies the on-chain payment.
	TransactionHash string
	Err             error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// WithTransaction returns a copy of e carrying the transaction hash.
func (e *PaymentError) WithTransaction(hash string) *PaymentError {
	cp := *e
	cp.TransactionHash = hash
	return &cp
}

// New builds a PaymentError with no underlying cause.
func New(code Code, retryable bool, message, userMessage string) *PaymentError {
	return &PaymentError{
		Code:        code,
		Message:     message,
		UserMessage: userMessage,
		Retryable:   retryable,
	}
}

// Newf is New with a formatted internal message.
func Newf(code Code, retryable bool, userMessage, format string, args ...any) *PaymentError {
	return New(code, retryable, fmt.Sprintf(format, args...), userMessage)
}

// WithCause builds a PaymentError wrapping err.
func WithCause(code Code, retryable bool, userMessage string, err error) *PaymentError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &PaymentError{
		Code:        code,
		Message:     msg,
		UserMessage: userMessage,
		Retryable:   retryable,
		Err:         err,
	}
}

// As extracts a PaymentError from the chain.
func As(err error) (*PaymentError, bool) {
	var pe *PaymentError
	ok := errors.As(err, &pe)
	return pe, ok
}

// Is reports whether err is a PaymentError with the given code.
func Is(err error, code Code) bool {
	if pe, ok := As(err); ok {
		return pe.Code == code
	}
	return false
}

// IsRetryable reports whether err is a PaymentError flagged retryable.
func IsRetryable(err error) bool {
	if pe, ok := As(err); ok {
		return pe.Retryable
	}
	return false
}

// Wrap returns err unchanged when it is already classified and otherwise runs
// it through ClassifyWeb3.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := As(err); ok {
		return pe
	}
	return ClassifyWeb3(err)
}

func containsAny(s string, needles ...string) bool {
	s = strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
