package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"rentescrow/internal/audit"
	"rentescrow/internal/auth"
	"rentescrow/internal/booking"
	"rentescrow/internal/escrow"
	"rentescrow/internal/idempotency"
	"rentescrow/internal/lock"
	"rentescrow/internal/payerr"
	"rentescrow/internal/payment"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	maxPaymentBody       = 4 << 10
)

type paymentRequest struct {
	// AcceptWalletMismatch is the caller's answer to the wallet-mismatch
	// prompt, given up front.
	AcceptWalletMismatch bool `json:"acceptWalletMismatch"`
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	log := s.log.With(
		zap.String("booking_id", bookingID),
		zap.String("request_id", middleware.GetReqID(r.Context())),
	)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPaymentBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "could not read request body")
		return
	}
	var req paymentRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
			return
		}
	}

	ctx := r.Context()
	idemKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	fingerprint := idempotency.Fingerprint(body)
	if idemKey != "" {
		existing, err := idempotency.Lookup(ctx, s.deps.Store, idempotency.Key(bookingID, idemKey), fingerprint)
		switch {
		case errors.Is(err, idempotency.ErrKeyReused):
			writeError(w, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED", err.Error())
			return
		case err != nil:
			log.Error("idempotency lookup failed", zap.Error(err))
		case existing != nil:
			s.metrics.incReplay()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}
	}

	release, err := s.deps.Locker.Acquire(ctx, bookingID, s.cfg.Service.LockTTL)
	if errors.Is(err, lock.ErrHeld) {
		writeJSON(w, http.StatusConflict, errorBody{
			Code:        "PAYMENT_IN_PROGRESS",
			Message:     "a payment for this booking is already in progress",
			UserMessage: "A payment for this booking is already being processed. Please wait for it to finish.",
			Retryable:   true,
		})
		return
	}
	if err != nil {
		log.Error("acquire booking lock", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "LOCK_UNAVAILABLE", "could not acquire booking lock")
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			log.Warn("release booking lock", zap.Error(err))
		}
	}()

	identity, _ := auth.IdentityFrom(ctx)
	bearer := identity.Token
	if bearer == "" {
		bearer = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	bk, ok := s.loadBooking(ctx, w, log, bookingID, bearer)
	if !ok {
		return
	}
	timeout, err := s.deps.Bookings.PaymentTimeout(ctx, bearer)
	if err != nil {
		log.Warn("booking payment timeout unavailable, using configured fallback", zap.Error(err))
		timeout = s.cfg.Booking.PaymentTimeout
	}

	decider := payment.DeclineMismatch
	if req.AcceptWalletMismatch {
		decider = payment.AcceptMismatch
	}

	// A submitted transaction cannot be recalled, so the attempt outlives a
	// client disconnect and is bounded by its own timeout instead.
	attemptCtx, cancel := context.WithTimeout(
		auth.WithIdentity(context.WithoutCancel(ctx), identity),
		s.cfg.Service.AttemptTimeout,
	)
	defer cancel()

	result, err := s.deps.Payments.ProcessCompletePayment(attemptCtx, payment.Request{
		Booking:         bk,
		PaymentTimeout:  timeout,
		BearerToken:     bearer,
		ConfirmMismatch: decider,
	})

	var (
		status  int
		payload any
		entry   = audit.Entry{BookingID: bookingID, Subject: identity.Subject}
	)
	if err != nil {
		var eb errorBody
		status, eb = paymentErrorResponse(err)
		payload = eb
		entry.Kind = audit.KindPaymentFailed
		entry.Code = eb.Code
		entry.TxHash = eb.TransactionHash
	} else {
		status, payload = http.StatusCreated, result
		entry.Kind = audit.KindPaymentSettled
		entry.AttemptID = result.AttemptID
		entry.TxHash = result.TransactionHash
		if result.WalletMismatch != nil {
			entry.BookingWallet = result.WalletMismatch.BookingWallet.Hex()
			entry.ConnectedWallet = result.WalletMismatch.ConnectedWallet.Hex()
			entry.Accepted = true
		}
	}

	if auditErr := s.deps.Audit.Record(attemptCtx, entry); auditErr != nil {
		log.Error("record payment audit", zap.Error(auditErr))
	}

	encoded, _ := json.Marshal(payload)
	if idemKey != "" && storeOutcome(err) {
		now := s.deps.Now()
		rec := idempotency.Record{
			BookingID:   bookingID,
			Fingerprint: fingerprint,
			StatusCode:  status,
			Response:    encoded,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.deps.Store.Save(attemptCtx, idempotency.Key(bookingID, idemKey), rec); err != nil {
			log.Error("save idempotency record", zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(encoded, '\n'))
}

// storeOutcome reports whether a response is final. Retryable failures are
// not stored so the same key can be retried.
func storeOutcome(err error) bool {
	if err == nil {
		return true
	}
	pe, ok := payerr.As(err)
	if !ok {
		return false
	}
	return !pe.Retryable || pe.TransactionHash != ""
}

func (s *Server) loadBooking(ctx context.Context, w http.ResponseWriter, log *zap.Logger, id, bearer string) (booking.Booking, bool) {
	bk, err := s.deps.Bookings.Get(ctx, id, bearer)
	if errors.Is(err, booking.ErrNotFound) {
		writeError(w, http.StatusNotFound, "BOOKING_NOT_FOUND", "booking not found")
		return booking.Booking{}, false
	}
	if err != nil {
		log.Error("load booking", zap.Error(err))
		writeError(w, http.StatusBadGateway, "BOOKING_UNAVAILABLE", "booking service unavailable")
		return booking.Booking{}, false
	}
	return bk, true
}

type escrowStatusResponse struct {
	BookingID       string              `json:"bookingId"`
	ContractAddress string              `json:"contractAddress"`
	State           string              `json:"state"`
	Description     string              `json:"description"`
	Terminal        bool                `json:"terminal"`
	Capabilities    escrow.Capabilities `json:"capabilities"`
	RentAmount      *big.Int            `json:"rentAmount"`
	ExpiresAt       *time.Time          `json:"expiresAt,omitempty"`
}

func (s *Server) handleEscrowStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bookingID := chi.URLParam(r, "bookingID")
	log := s.log.With(zap.String("booking_id", bookingID))

	identity, _ := auth.IdentityFrom(ctx)
	bearer := identity.Token
	if bearer == "" {
		bearer = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	bk, ok := s.loadBooking(ctx, w, log, bookingID, bearer)
	if !ok {
		return
	}
	contract, err := s.deps.Contracts.Bind(bk.ContractAddress)
	if err != nil {
		status, body := paymentErrorResponse(err)
		writeJSON(w, status, body)
		return
	}
	snap, err := contract.ReadState(ctx)
	if err != nil {
		status, body := paymentErrorResponse(err)
		writeJSON(w, status, body)
		return
	}

	resp := escrowStatusResponse{
		BookingID:       bk.ID,
		ContractAddress: contract.Address().Hex(),
		State:           snap.State.String(),
		Description:     snap.State.Describe(),
		Terminal:        snap.State.Terminal(),
		Capabilities:    snap.Capabilities,
		RentAmount:      snap.RentAmount,
	}
	if snap.State == escrow.StateEmpty {
		timeout, err := s.deps.Bookings.PaymentTimeout(ctx, bearer)
		if err != nil {
			timeout = s.cfg.Booking.PaymentTimeout
		}
		expires := bk.ExpiresAt(timeout)
		resp.ExpiresAt = &expires
	}
	writeJSON(w, http.StatusOK, resp)
}
