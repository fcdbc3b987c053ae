package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// InsertDelivery persists an inbound webhook request. Returns false when a
// signature-valid delivery with the same id was already recorded, which is
// how replayed deliveries are dropped. Rejected deliveries are kept for
// audit but never occupy the dedupe slot, so a provider redelivery after a
// secret rotation still builds.
func (s *Store) InsertDelivery(ctx context.Context, eventType, deliveryID string, signatureValid bool, payload []byte) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO webhook_event (event_type, delivery_id, signature_valid, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`,
		eventType, deliveryID, signatureValid, payload, toMillis(time.Now()),
	).Scan(&id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("insert delivery: %w", err)
	}
	return id, true, nil
}

// MarkDeliveryProcessed records the outcome of handling a delivery: the job
// it enqueued, or the reason it did not.
func (s *Store) MarkDeliveryProcessed(ctx context.Context, deliveryRowID int64, jobID *int64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_event SET processed = 1, job_id = ?, error_message = ?
		WHERE id = ?`,
		jobID, errorMessage, deliveryRowID)
	if err != nil {
		return fmt.Errorf("mark delivery processed: %w", err)
	}
	return nil
}

// MarkDeliveryError records a handling failure while leaving the delivery
// unprocessed, so the retained row can be replayed after a fix.
func (s *Store) MarkDeliveryError(ctx context.Context, deliveryRowID int64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_event SET error_message = ? WHERE id = ?`, errorMessage, deliveryRowID)
	if err != nil {
		return fmt.Errorf("mark delivery error: %w", err)
	}
	return nil
}

// GetDelivery loads a delivery record by its GitHub delivery id.
func (s *Store) GetDelivery(ctx context.Context, deliveryID string) (*WebhookDelivery, error) {
	var d WebhookDelivery
	var created int64
	var jobID *int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_type, delivery_id, signature_valid, payload, processed, job_id, error_message, created_at
		FROM webhook_event WHERE delivery_id = ?
		ORDER BY signature_valid DESC, id DESC LIMIT 1`, deliveryID,
	).Scan(&d.ID, &d.EventType, &d.DeliveryID, &d.SignatureValid, &d.Payload,
		&d.Processed, &jobID, &d.ErrorMessage, &created)
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	d.JobID = jobID
	d.CreatedAt = fromMillis(created)
	return &d, nil
}
