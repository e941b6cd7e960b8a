package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/eventstore"
)

const maxAppendAttempts = 5

var errSequenceTaken = errors.New("sequence already taken")

var _ eventstore.Store = (*SQLiteStore)(nil)

// Append writes a batch of events for one run in a single transaction.
func (s *SQLiteStore) Append(ctx context.Context, events []domain.Event, expectedSequence int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runID, events, err := eventstore.PrepareBatch(events)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	payloads := make([][]byte, len(events))
	for i, evt := range events {
		data, err := s.registry.Encode(evt.Payload)
		if err != nil {
			return nil, err
		}
		payloads[i] = data
	}

	var stored []domain.StoredEvent
	for attempt := 1; ; attempt++ {
		stored, err = s.appendOnce(ctx, runID, events, payloads, expectedSequence)
		if err == nil {
			break
		}
		retryable := isBusyError(err) || (errors.Is(err, errSequenceTaken) && expectedSequence == eventstore.AnySequence)
		if !retryable || attempt >= maxAppendAttempts {
			if errors.Is(err, domain.ErrConcurrencyConflict) || errors.Is(err, errSequenceTaken) {
				s.metrics.AppendConflict()
			}
			if errors.Is(err, errSequenceTaken) {
				current, _ := s.CurrentSequence(ctx, runID)
				return nil, &domain.ConcurrencyConflictError{RunID: runID, Expected: expectedSequence, Actual: current}
			}
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 5 * time.Millisecond):
		}
	}

	seqs := make([]int64, len(stored))
	for i, evt := range stored {
		seqs[i] = evt.Sequence
		s.metrics.EventAppended(string(evt.Type))
	}
	if !eventstore.PublishCommitted(ctx, s.publisher, s.logger, stored) {
		s.metrics.PublishFailed()
	}
	return seqs, nil
}

func (s *SQLiteStore) appendOnce(ctx context.Context, runID string, events []domain.Event, payloads [][]byte, expected int64) ([]domain.StoredEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE run_id = ?`, runID).Scan(&current); err != nil {
		return nil, fmt.Errorf("read current sequence: %w", err)
	}
	if expected != eventstore.AnySequence && current != expected {
		return nil, &domain.ConcurrencyConflictError{RunID: runID, Expected: expected, Actual: current}
	}

	storedAt := s.now().UTC().Truncate(time.Millisecond)
	stored := make([]domain.StoredEvent, len(events))
	for i, evt := range events {
		seq := current + int64(i) + 1
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (run_id, sequence, id, step_id, event_type, payload, correlation_id, causation_id, tenant_id, timestamp, stored_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, seq, evt.ID, nullString(evt.StepID), string(evt.Type), string(payloads[i]),
			nullString(evt.CorrelationID), nullString(evt.CausationID), evt.TenantID,
			toMillis(evt.Timestamp), toMillis(storedAt))
		if err != nil {
			if isConstraintError(err) {
				return nil, fmt.Errorf("append event %d: %w", seq, errSequenceTaken)
			}
			return nil, fmt.Errorf("append event %d: %w", seq, err)
		}
		stored[i] = domain.StoredEvent{Event: evt, Sequence: seq, StoredAt: storedAt}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

// LoadEvents streams a run's events page by page.
func (s *SQLiteStore) LoadEvents(ctx context.Context, runID string, fromSequence int64) iter.Seq2[domain.StoredEvent, error] {
	return eventstore.Paginate(ctx, fromSequence, eventstore.DefaultPageSize, func(ctx context.Context, from int64, limit int) ([]domain.StoredEvent, int64, error) {
		return s.loadPage(ctx, runID, from, limit)
	})
}

// LoadEventsBatch returns at most maxCount events after fromSequence.
func (s *SQLiteStore) LoadEventsBatch(ctx context.Context, runID string, fromSequence int64, maxCount int) ([]domain.StoredEvent, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	events, _, err := s.loadPage(ctx, runID, fromSequence, maxCount)
	return events, err
}

// loadPage reads up to limit rows. Rows whose payload cannot be decoded are logged and skipped,
// but still advance the returned last sequence.
func (s *SQLiteStore) loadPage(ctx context.Context, runID string, fromSequence int64, limit int) ([]domain.StoredEvent, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, id, step_id, event_type, payload, correlation_id, causation_id, tenant_id, timestamp, stored_at
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC LIMIT ?`,
		runID, fromSequence, limit)
	if err != nil {
		return nil, fromSequence, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	last := fromSequence
	var events []domain.StoredEvent
	for rows.Next() {
		var (
			evt                              domain.StoredEvent
			eventType, payload               string
			stepID, correlationID, causation sql.NullString
			ts, storedAt                     int64
		)
		if err := rows.Scan(&evt.Sequence, &evt.ID, &stepID, &eventType, &payload, &correlationID, &causation, &evt.TenantID, &ts, &storedAt); err != nil {
			return nil, last, err
		}
		last = evt.Sequence
		evt.RunID = runID
		evt.Type = domain.EventType(eventType)
		evt.StepID = stepID.String
		evt.CorrelationID = correlationID.String
		evt.CausationID = causation.String
		evt.Timestamp = fromMillis(ts)
		evt.StoredAt = fromMillis(storedAt)

		p, err := s.registry.Decode(evt.Type, []byte(payload))
		if err != nil {
			s.metrics.DecodeFailed()
			s.logger.Warn("skipping undecodable event",
				"run_id", runID, "sequence", evt.Sequence, "event_type", eventType, "error", err)
			continue
		}
		evt.Payload = p
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, last, err
	}
	return events, last, nil
}

// CurrentSequence returns the run's highest sequence, or 0.
func (s *SQLiteStore) CurrentSequence(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE run_id = ?`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("current sequence: %w", err)
	}
	return seq, nil
}

// RunExists reports whether any event was appended for the run.
func (s *SQLiteStore) RunExists(ctx context.Context, runID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE run_id = ? LIMIT 1`, runID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListRuns aggregates run summaries directly from the event log.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.RunSummary, error) {
	if filter.TenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	take := filter.Take
	if take <= 0 {
		take = -1
	}
	skip := max(filter.Skip, 0)

	query := fmt.Sprintf(`
		SELECT run_id, tenant_id, user_id, first_message, status_event, started_at, last_at, last_seq, event_count, message_count, step_count
		FROM (
			SELECT e.run_id, e.tenant_id,
				(SELECT json_extract(s.payload, '$.user_id') FROM events s
				 WHERE s.run_id = e.run_id AND s.event_type = '%s' ORDER BY s.sequence LIMIT 1) AS user_id,
				(SELECT json_extract(m.payload, '$.content') FROM events m
				 WHERE m.run_id = e.run_id AND m.event_type = '%s' ORDER BY m.sequence LIMIT 1) AS first_message,
				(SELECT st.event_type FROM events st
				 WHERE st.run_id = e.run_id AND st.event_type IN (%s) ORDER BY st.sequence DESC LIMIT 1) AS status_event,
				MIN(e.timestamp) AS started_at,
				MAX(e.timestamp) AS last_at,
				MAX(e.sequence) AS last_seq,
				COUNT(*) AS event_count,
				SUM(CASE WHEN e.event_type IN ('%s', '%s') THEN 1 ELSE 0 END) AS message_count,
				SUM(CASE WHEN e.event_type IN ('%s', '%s') THEN 1 ELSE 0 END) AS step_count
			FROM events e
			WHERE e.tenant_id = ?
			GROUP BY e.run_id, e.tenant_id
		)
		WHERE (? = '' OR user_id = ?)
		ORDER BY last_at DESC, run_id ASC
		LIMIT ? OFFSET ?`,
		domain.EventTypeRunStarted,
		domain.EventTypeUserMessageCreated,
		statusEventList(),
		domain.EventTypeUserMessageCreated, domain.EventTypeAssistantMessageCreated,
		domain.EventTypeLlmStarted, domain.EventTypeToolCallRequested,
	)

	rows, err := s.db.QueryContext(ctx, query, filter.TenantID, filter.UserID, filter.UserID, take, skip)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.RunSummary
	for rows.Next() {
		var (
			r                                domain.RunSummary
			userID, firstMessage, statusType sql.NullString
			startedAt, lastAt                int64
		)
		if err := rows.Scan(&r.RunID, &r.TenantID, &userID, &firstMessage, &statusType, &startedAt, &lastAt,
			&r.LastSequence, &r.EventCount, &r.MessageCount, &r.StepCount); err != nil {
			return nil, err
		}
		r.UserID = userID.String
		r.FirstUserMessage = firstMessage.String
		r.StartedAt = fromMillis(startedAt)
		r.LastEventAt = fromMillis(lastAt)
		r.Status = domain.RunStatusPending
		if status, ok := eventstore.StatusForEvent(domain.EventType(statusType.String)); ok {
			r.Status = status
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func statusEventList() string {
	types := []domain.EventType{
		domain.EventTypeRunStarted, domain.EventTypeRunWaitingInput, domain.EventTypeRunCompleted,
		domain.EventTypeRunFailed, domain.EventTypeApprovalRequested, domain.EventTypeApprovalResolved,
		domain.EventTypeUserMessageCreated,
	}
	quoted := make([]string, len(types))
	for i, t := range types {
		quoted[i] = "'" + string(t) + "'"
	}
	return strings.Join(quoted, ", ")
}
