package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/queue"
)

const (
	workStatusPending    = "pending"
	workStatusProcessing = "processing"
	workStatusDead       = "dead"
)

var _ queue.Queue = (*SQLiteStore)(nil)

// Enqueue inserts work items. A ScheduledDelay postpones visibility.
func (s *SQLiteStore) Enqueue(ctx context.Context, items ...domain.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	for _, item := range items {
		if item.ID == "" {
			return fmt.Errorf("work item id is required")
		}
		payload := item.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		createdAt := item.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO work_items (id, queue, run_id, tenant_id, correlation_id, work_type, payload, retry_count,
				scheduled_delay_ms, status, available_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, queue.For(item.Type), item.RunID, item.TenantID, nullString(item.CorrelationID),
			string(item.Type), string(payload), item.RetryCount, item.ScheduledDelay.Milliseconds(),
			workStatusPending, toMillis(now.Add(item.ScheduledDelay)), toMillis(createdAt), toMillis(now))
		if err != nil {
			return fmt.Errorf("enqueue work item %s: %w", item.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue tx: %w", err)
	}
	return nil
}

// Dequeue claims the oldest visible item. Items whose lease expired are claimable again.
func (s *SQLiteStore) Dequeue(ctx context.Context, queueName string, lease time.Duration) (*queue.Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := toMillis(s.now())
	var (
		item          domain.WorkItem
		workType      string
		payload       string
		correlationID sql.NullString
		delayMs       int64
		createdAt     int64
		attempts      int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, run_id, tenant_id, correlation_id, work_type, payload, retry_count, scheduled_delay_ms, created_at, attempt_count
		 FROM work_items
		 WHERE queue = ? AND (
			 (status = ? AND available_at <= ?)
			 OR (status = ? AND lease_expires_at <= ?)
		 )
		 ORDER BY available_at, created_at
		 LIMIT 1`,
		queueName, workStatusPending, now, workStatusProcessing, now,
	).Scan(&item.ID, &item.RunID, &item.TenantID, &correlationID, &workType, &payload, &item.RetryCount, &delayMs, &createdAt, &attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select due work item: %w", err)
	}

	token := uuid.NewString()
	result, err := tx.ExecContext(ctx,
		`UPDATE work_items
		 SET status = ?, lease_token = ?, lease_expires_at = ?, attempt_count = attempt_count + 1, updated_at = ?
		 WHERE id = ? AND (
			 (status = ? AND available_at <= ?)
			 OR (status = ? AND lease_expires_at <= ?)
		 )`,
		workStatusProcessing, token, now+lease.Milliseconds(), now,
		item.ID, workStatusPending, now, workStatusProcessing, now)
	if err != nil {
		return nil, fmt.Errorf("claim work item %s: %w", item.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim work item %s rows affected: %w", item.ID, err)
	}
	if affected != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}

	item.Type = domain.WorkType(workType)
	item.Payload = json.RawMessage(payload)
	item.CorrelationID = correlationID.String
	item.ScheduledDelay = time.Duration(delayMs) * time.Millisecond
	item.CreatedAt = fromMillis(createdAt)
	return &queue.Delivery{Item: item, Queue: queueName, LeaseToken: token, Attempt: attempts + 1}, nil
}

// Ack deletes a delivered item if the lease is still held.
func (s *SQLiteStore) Ack(ctx context.Context, d *queue.Delivery) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM work_items WHERE id = ? AND lease_token = ?`, d.Item.ID, d.LeaseToken)
	if err != nil {
		return fmt.Errorf("ack work item %s: %w", d.Item.ID, err)
	}
	return ensureSingleRow(result, d.Item.ID, "ack")
}

// DeadLetter parks a delivered item with a reason.
func (s *SQLiteStore) DeadLetter(ctx context.Context, d *queue.Delivery, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET status = ?, last_error = ?, lease_token = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND lease_token = ?`,
		workStatusDead, reason, toMillis(s.now()), d.Item.ID, d.LeaseToken)
	if err != nil {
		return fmt.Errorf("dead-letter work item %s: %w", d.Item.ID, err)
	}
	return ensureSingleRow(result, d.Item.ID, "dead-letter")
}

// Depth counts pending and leased items on a queue.
func (s *SQLiteStore) Depth(ctx context.Context, queueName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_items WHERE queue = ? AND status IN (?, ?)`,
		queueName, workStatusPending, workStatusProcessing).Scan(&n)
	return n, err
}

// DeadLetters lists dead-lettered items with their last error.
func (s *SQLiteStore) DeadLetters(ctx context.Context, queueName string, limit int) ([]queue.DeadItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, tenant_id, work_type, payload, retry_count, COALESCE(last_error, '')
		 FROM work_items WHERE queue = ? AND status = ? ORDER BY updated_at ASC LIMIT ?`,
		queueName, workStatusDead, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queue.DeadItem
	for rows.Next() {
		var (
			d                 queue.DeadItem
			workType, payload string
		)
		if err := rows.Scan(&d.Item.ID, &d.Item.RunID, &d.Item.TenantID, &workType, &payload, &d.Item.RetryCount, &d.Reason); err != nil {
			return nil, err
		}
		d.Item.Type = domain.WorkType(workType)
		d.Item.Payload = json.RawMessage(payload)
		out = append(out, d)
	}
	return out, rows.Err()
}

func ensureSingleRow(result sql.Result, id, operation string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s work item %s rows affected: %w", operation, id, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s work item %s: lease no longer held", operation, id)
	}
	return nil
}
