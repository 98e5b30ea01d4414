// Package audit records payment decisions that need a durable trail, such as
// paying from a wallet other than the booking's tenant.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindWalletMismatch Kind = "wallet_mismatch"
	KindPaymentSettled Kind = "payment_settled"
	KindPaymentFailed  Kind = "payment_failed"
)

type Entry struct {
	ID              string
	BookingID       string
	AttemptID       string
	Kind            Kind
	Subject         string
	BookingWallet   string
	ConnectedWallet string
	Accepted        bool
	Code            string
	TxHash          string
	At              time.Time
}

type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

func fill(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return e
}

// MemoryRecorder keeps entries in process.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, fill(e))
	return nil
}

// Entries returns a copy of the recorded entries for bookingID, or all when
// bookingID is empty.
func (m *MemoryRecorder) Entries(bookingID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if bookingID == "" || e.BookingID == bookingID {
			out = append(out, e)
		}
	}
	return out
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS payment_audit (
    id TEXT PRIMARY KEY,
    booking_id TEXT NOT NULL,
    attempt_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    booking_wallet TEXT NOT NULL DEFAULT '',
    connected_wallet TEXT NOT NULL DEFAULT '',
    accepted BOOLEAN NOT NULL DEFAULT FALSE,
    code TEXT NOT NULL DEFAULT '',
    tx_hash TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payment_audit_booking_idx ON payment_audit (booking_id, recorded_at);
`

// PostgresRecorder appends entries to payment_audit.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

func NewPostgresRecorder(ctx context.Context, pool *pgxpool.Pool) (*PostgresRecorder, error) {
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return nil, err
	}
	return &PostgresRecorder{pool: pool}, nil
}

func (p *PostgresRecorder) Record(ctx context.Context, e Entry) error {
	e = fill(e)
	_, err := p.pool.Exec(ctx, `
INSERT INTO payment_audit (id, booking_id, attempt_id, kind, subject, booking_wallet, connected_wallet, accepted, code, tx_hash, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, e.ID, e.BookingID, e.AttemptID, string(e.Kind), e.Subject, e.BookingWallet, e.ConnectedWallet, e.Accepted, e.Code, e.TxHash, e.At)
	return err
}

// ForBooking lists entries for bookingID, oldest first.
func (p *PostgresRecorder) ForBooking(ctx context.Context, bookingID string) ([]Entry, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, booking_id, attempt_id, kind, subject, booking_wallet, connected_wallet, accepted, code, tx_hash, recorded_at
FROM payment_audit
WHERE booking_id = $1
ORDER BY recorded_at
`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var kind string
		if err := rows.Scan(&e.ID, &e.BookingID, &e.AttemptID, &kind, &e.Subject, &e.BookingWallet, &e.ConnectedWallet, &e.Accepted, &e.Code, &e.TxHash, &e.At); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
