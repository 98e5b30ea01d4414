// Package auth authenticates callers of the payment API: service-to-service
// callers by HMAC request signature, end users by bearer JWT. Both store the
// caller's Identity on the request context.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnauthenticated is wrapped by every rejection reason in this package.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Wallet  common.Address
	// Token is forwarded to the Booking and settlement services.
	Token string
	// Service is set for callers authenticated by request signature only.
	Service bool
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"code":"UNAUTHENTICATED","error":` + strconv.Quote(err.Error()) + `}`))
}
