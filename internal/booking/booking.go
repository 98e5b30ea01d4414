// Package booking reads pending bookings from the Booking service.
package booking

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultPaymentTimeout applies when the Booking service does not publish one.
const DefaultPaymentTimeout = 15 * time.Minute

// ErrNotFound is returned by a Source for unknown booking ids.
var ErrNotFound = errors.New("booking not found")

// Booking is the read-only view of a booking awaiting payment.
type Booking struct {
	ID                  string
	ContractAddress     common.Address
	TenantWalletAddress common.Address
	CreatedAt           time.Time
	// Amount is the rent in wei as quoted by the Booking service. The escrow
	// contract's rentAmount is authoritative for the payment itself.
	Amount   *big.Int
	Currency string
}

// ExpiresAt is the end of the payment window.
func (b Booking) ExpiresAt(timeout time.Duration) time.Time {
	return b.CreatedAt.Add(timeout)
}

// Expired reports whether now is past the payment window.
func (b Booking) Expired(now time.Time, timeout time.Duration) bool {
	return now.After(b.ExpiresAt(timeout))
}

// Source is the Booking service boundary.
type Source interface {
	Get(ctx context.Context, id, bearer string) (Booking, error)
	PaymentTimeout(ctx context.Context, bearer string) (time.Duration, error)
}
