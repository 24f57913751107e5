// Package store reads notifications and records per-recipient delivery state
// in Postgres.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_notify/internal/metrics"
)

//go:embed schema.sql
var Schema string

var ErrNotFound = errors.New("not found")

// Notification statuses that stop further sends.
const (
	NotificationCanceled  = "Canceled"
	NotificationCanceling = "Canceling"
)

// DBTX is the subset of pgxpool.Pool the store needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BlobReader fetches card content kept outside the database.
type BlobReader interface {
	ReadCard(ctx context.Context, name string) ([]byte, error)
}

// StatusUpdate is one recipient status write.
type StatusUpdate struct {
	NotificationID string
	RecipientID    string
	StatusCode     int
	ThrottleCount  int
	StatusCodes    string // appended to the stored trace
	ErrorMessage   string
	Exception      string
}

type Store struct {
	db    DBTX
	blobs BlobReader
}

// New returns a store. blobs may be nil when every card is stored inline.
func New(db DBTX, blobs BlobReader) *Store {
	return &Store{db: db, blobs: blobs}
}

// EnsureSchema creates the notify schema if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// GetRichContent returns the card JSON of a notification, reading it from
// blob storage when it is not stored inline.
func (s *Store) GetRichContent(ctx context.Context, notificationID string) (json.RawMessage, error) {
	var (
		card     []byte
		blobName *string
	)
	err := s.db.QueryRow(ctx, `
		SELECT card, card_blob
		FROM notify.notifications
		WHERE id = $1`, notificationID).Scan(&card, &blobName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: notification %s: %w", notificationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read card %s: %w", notificationID, err)
	}
	if len(card) > 0 {
		return json.RawMessage(card), nil
	}
	if blobName == nil || *blobName == "" {
		return nil, fmt.Errorf("store: card for %s: %w", notificationID, ErrNotFound)
	}
	if s.blobs == nil {
		return nil, fmt.Errorf("store: card for %s is in blob %q but blob storage is disabled", notificationID, *blobName)
	}
	b, err := s.blobs.ReadCard(ctx, *blobName)
	if err != nil {
		return nil, fmt.Errorf("store: read blob card %s: %w", notificationID, err)
	}
	return json.RawMessage(b), nil
}

// IsCanceled reports whether the notification was canceled. A missing
// notification counts as canceled since there is nothing left to send.
func (s *Store) IsCanceled(ctx context.Context, notificationID string) (bool, error) {
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT status FROM notify.notifications WHERE id = $1`, notificationID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: read notification %s: %w", notificationID, err)
	}
	return status == NotificationCanceled || status == NotificationCanceling, nil
}

// IsPending reports whether the recipient still awaits an outcome: no status
// yet, retrying or throttled.
func (s *Store) IsPending(ctx context.Context, notificationID, recipientID string) (bool, error) {
	var deliveryStatus *string
	err := s.db.QueryRow(ctx, `
		SELECT delivery_status
		FROM notify.sent_notifications
		WHERE notification_id = $1 AND recipient_id = $2`, notificationID, recipientID).Scan(&deliveryStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: read recipient status %s/%s: %w", notificationID, recipientID, err)
	}
	return deliveryStatus == nil || !IsTerminal(*deliveryStatus), nil
}

// UpdateRecipientStatus records one processing attempt in a single statement.
// The throttle count accumulates, the status trace is appended to, and a row
// already in a terminal status is left alone. It reports whether a row was
// written.
func (s *Store) UpdateRecipientStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	deliveryStatus := DeliveryStatusFor(u.StatusCode)
	tag, err := s.db.Exec(ctx, `
		INSERT INTO notify.sent_notifications AS sn (
			notification_id, recipient_id, status_code, delivery_status,
			total_throttle_count, all_status_codes, error_message, exception,
			attempts, sent_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), 1,
			CASE WHEN $4 = 'Succeeded' THEN now() END, now())
		ON CONFLICT (notification_id, recipient_id) DO UPDATE
		SET status_code = EXCLUDED.status_code,
		    delivery_status = EXCLUDED.delivery_status,
		    total_throttle_count = sn.total_throttle_count + EXCLUDED.total_throttle_count,
		    all_status_codes = sn.all_status_codes || EXCLUDED.all_status_codes,
		    error_message = EXCLUDED.error_message,
		    exception = EXCLUDED.exception,
		    attempts = sn.attempts + 1,
		    sent_at = COALESCE(EXCLUDED.sent_at, sn.sent_at),
		    updated_at = now()
		WHERE sn.delivery_status IS NULL OR sn.delivery_status <> ALL($9)`,
		u.NotificationID, u.RecipientID, u.StatusCode, deliveryStatus,
		u.ThrottleCount, u.StatusCodes, u.ErrorMessage, u.Exception,
		terminalStatuses,
	)
	if err != nil {
		return false, fmt.Errorf("store: update recipient status %s/%s: %w", u.NotificationID, u.RecipientID, err)
	}
	updated := tag.RowsAffected() > 0
	if updated {
		metrics.RecordStatusWrite(deliveryStatus)
	}
	return updated, nil
}
