package postgres

import (
	"context"
	"fmt"

	"github.com/phrazzld/taskpipe/internal/consumer"
)

// DeliveryLog implements consumer.DeliveryLog on PostgreSQL.
type DeliveryLog struct {
	db DBTX
}

var _ consumer.DeliveryLog = (*DeliveryLog)(nil)

// NewDeliveryLog creates a DeliveryLog. db may be a *sql.DB or a *sql.Tx.
func NewDeliveryLog(db DBTX) *DeliveryLog {
	return &DeliveryLog{db: db}
}

// RecordAttempt implements consumer.DeliveryLog.
func (l *DeliveryLog) RecordAttempt(ctx context.Context, messageID string) (int, error) {
	const query = `
		INSERT INTO delivery_attempts (message_id, attempts)
		VALUES ($1, 1)
		ON CONFLICT (message_id) DO UPDATE
		SET attempts = delivery_attempts.attempts + 1,
			last_seen_at = NOW()
		RETURNING attempts`

	var attempts int
	if err := l.db.QueryRowContext(ctx, query, messageID).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to record delivery attempt: %w", MapError(err))
	}
	return attempts, nil
}

// Forget implements consumer.DeliveryLog. Forgetting an unknown message is
// not an error.
func (l *DeliveryLog) Forget(ctx context.Context, messageID string) error {
	const query = `DELETE FROM delivery_attempts WHERE message_id = $1`

	if _, err := l.db.ExecContext(ctx, query, messageID); err != nil {
		return fmt.Errorf("failed to clear delivery attempts: %w", MapError(err))
	}
	return nil
}

// RecordDeadLetter implements consumer.DeliveryLog. Recording the same
// message for the same queue twice keeps the latest attempt count.
func (l *DeliveryLog) RecordDeadLetter(ctx context.Context, dl consumer.DeadLetter) error {
	const query = `
		INSERT INTO dead_letters (message_id, queue, attempts, reason, body, dead_lettered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id, queue) DO UPDATE
		SET attempts = EXCLUDED.attempts,
			reason = EXCLUDED.reason,
			dead_lettered_at = EXCLUDED.dead_lettered_at`

	body := dl.Body
	if body == nil {
		body = []byte{}
	}

	_, err := l.db.ExecContext(ctx, query,
		dl.MessageID,
		dl.Queue,
		dl.Attempts,
		dl.Reason,
		body,
		dl.DeadLetteredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", MapError(err))
	}
	return nil
}

// DeadLetters returns the dead letters recorded for queue, newest first.
func (l *DeliveryLog) DeadLetters(ctx context.Context, queue string, limit int) ([]consumer.DeadLetter, error) {
	const query = `
		SELECT message_id, queue, attempts, reason, body, dead_lettered_at
		FROM dead_letters
		WHERE queue = $1
		ORDER BY dead_lettered_at DESC, id DESC
		LIMIT $2`

	rows, err := l.db.QueryContext(ctx, query, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []consumer.DeadLetter
	for rows.Next() {
		var dl consumer.DeadLetter
		if err := rows.Scan(&dl.MessageID, &dl.Queue, &dl.Attempts, &dl.Reason, &dl.Body, &dl.DeadLetteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", MapError(err))
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", MapError(err))
	}
	return out, nil
}
