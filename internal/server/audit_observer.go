package server

import (
	"context"

	"go.uber.org/zap"

	"rentescrow/internal/audit"
	"rentescrow/internal/auth"
	"rentescrow/internal/payment"
)

// AuditObserver writes wallet-mismatch decisions to the audit trail.
type AuditObserver struct {
	payment.NopObserver
	recorder audit.Recorder
	log      *zap.Logger
}

func NewAuditObserver(recorder audit.Recorder, log *zap.Logger) *AuditObserver {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditObserver{recorder: recorder, log: log}
}

func (a *AuditObserver) WalletMismatch(ctx context.Context, ev payment.MismatchEvent) {
	identity, _ := auth.IdentityFrom(ctx)
	err := a.recorder.Record(ctx, audit.Entry{
		BookingID:       ev.BookingID,
		AttemptID:       ev.AttemptID,
		Kind:            audit.KindWalletMismatch,
		Subject:         identity.Subject,
		BookingWallet:   ev.Mismatch.BookingWallet.Hex(),
		ConnectedWallet: ev.Mismatch.ConnectedWallet.Hex(),
		Accepted:        ev.Accepted,
	})
	if err != nil {
		a.log.Error("record wallet mismatch", zap.String("booking_id", ev.BookingID), zap.Error(err))
	}
}
