package mirror

import (
	"context"
	"time"
)

// SeenWebhook records a webhook delivery ID and reports whether it was
// already seen within its TTL. Provider retries of the same delivery land
// on the primary key and return true, so the caller can acknowledge
// without enqueueing a duplicate job.
func (s *Store) SeenWebhook(ctx context.Context, webhookID string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (webhook_id, received_at, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (webhook_id) DO UPDATE
			SET received_at = excluded.received_at,
			    expires_at  = excluded.expires_at
			WHERE expires_at <= excluded.received_at`,
		webhookID, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	// No row written means the conflict row is still within its TTL.
	return n == 0, nil
}

// PurgeExpiredDeliveries removes dedupe rows past their TTL.
func (s *Store) PurgeExpiredDeliveries(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE expires_at <= ?`,
		s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
