package escrow

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"rentescrow/internal/payerr"
)

type revertRule struct {
	needles     []string
	code        payerr.Code
	userMessage string
}

// Ordered; the first matching rule wins.
var revertRules = []revertRule{
	{
		needles:     []string{"already funded"},
		code:        payerr.CodeAlreadyFunded,
		userMessage: "This booking has already been paid.",
	},
	{
		needles:     []string{"incorrect amount", "wrong amount", "incorrect rent"},
		code:        payerr.CodeIncorrectAmount,
		userMessage: "The payment amount does not match the rent for this booking.",
	},
	{
		needles:     []string{"only tenant", "not tenant", "caller is not the tenant"},
		code:        payerr.CodeNotTenant,
		userMessage: "Only the tenant on this booking can pay for it. Please switch to the tenant's wallet.",
	},
	{
		needles:     []string{"insufficient funds"},
		code:        payerr.CodeInsufficientFunds,
		userMessage: "Your wallet does not have enough funds to cover the rent and network fee.",
	},
}

// classifyRevert maps a known contract revert reason to a non-retryable
// PaymentError. It returns nil when the failure is not a recognised revert.
func classifyRevert(err error) *payerr.PaymentError {
	if err == nil {
		return nil
	}
	text := strings.ToLower(err.Error())
	if reason := revertReason(err); reason != "" {
		text += " " + strings.ToLower(reason)
	}
	for _, rule := range revertRules {
		for _, needle := range rule.needles {
			if strings.Contains(text, needle) {
				pe := payerr.WithCause(rule.code, false, rule.userMessage, err)
				if code, ok := payerr.ProviderCode(err); ok {
					pe.ProviderCode = code
				}
				return pe
			}
		}
	}
	return nil
}

// revertReason decodes an Error(string) payload attached to a JSON-RPC error.
func revertReason(err error) string {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	var raw []byte
	switch data := dataErr.ErrorData().(type) {
	case string:
		decoded, decErr := hexutil.Decode(data)
		if decErr != nil {
			return data
		}
		raw = decoded
	case []byte:
		raw = data
	default:
		return ""
	}
	reason, unpackErr := abi.UnpackRevert(raw)
	if unpackErr != nil {
		return ""
	}
	return reason
}
