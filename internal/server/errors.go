package server

import (
	"encoding/json"
	"net/http"

	"rentescrow/internal/payerr"
)

type errorBody struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	UserMessage     string `json:"userMessage,omitempty"`
	Retryable       bool   `json:"retryable"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// statusFor maps a PaymentError to the HTTP status returned to callers.
func statusFor(pe *payerr.PaymentError) int {
	switch pe.Code {
	case payerr.CodeInvalidContractState, payerr.CodeAlreadyFunded, payerr.CodeAlreadyValidated:
		return http.StatusConflict
	case payerr.CodeReceiptTimeout:
		return http.StatusGatewayTimeout
	case payerr.CodeValidationInvalid:
		return http.StatusUnprocessableEntity
	}
	switch pe.Code.Category() {
	case payerr.CategoryBusinessRule:
		return http.StatusUnprocessableEntity
	case payerr.CategoryEnvironment:
		return http.StatusPreconditionFailed
	case payerr.CategoryUserInitiated:
		return http.StatusBadRequest
	case payerr.CategoryProviderPolicy:
		return http.StatusForbidden
	case payerr.CategoryTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// paymentErrorResponse classifies err and renders it.
func paymentErrorResponse(err error) (int, errorBody) {
	wrapped := payerr.Wrap(err)
	pe, ok := payerr.As(wrapped)
	if !ok {
		return http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: err.Error()}
	}
	return statusFor(pe), errorBody{
		Code:            string(pe.Code),
		Message:         pe.Message,
		UserMessage:     pe.UserMessage,
		Retryable:       pe.Retryable,
		TransactionHash: pe.TransactionHash,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}
