package queue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/database"
)

const selectEntry = `
	SELECT request_id, instance_id, message_type, payload, is_subscription,
		state, result, error, remote_subscription_id, event_count,
		created_at, updated_at
	FROM remote_queue`

// stillWantedChunk bounds the IN list of one StillWanted query.
const stillWantedChunk = 200

// Store persists queue entries in SQLite. Every process opens its own Store
// over its own database handle; the file is the only shared state.
//
// Every write runs in its own transaction and is retried on lock contention
// under the store's RetryPolicy. Every read is a fresh statement, so it
// observes the latest committed write from any process.
type Store struct {
	db    *database.DB
	retry database.RetryPolicy
	now   func() time.Time
}

// NewStore creates a queue store over db.
func NewStore(db *database.DB) *Store {
	return &Store{
		db:    db,
		retry: database.DefaultRetryPolicy,
		now:   time.Now,
	}
}

// SetRetryPolicy replaces the conflict retry policy.
func (s *Store) SetRetryPolicy(p database.RetryPolicy) {
	s.retry = p
}

func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return database.Retry(ctx, s.retry, func() error {
		return s.db.WithTx(ctx, fn)
	})
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// normalisePayload returns the payload to store. Empty means an empty object;
// anything else must be a JSON object.
func normalisePayload(p json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidRequest)
	}
	return json.RawMessage(trimmed), nil
}

// Enqueue creates a pending entry and returns its request ID. The entry is
// committed and visible to other processes when Enqueue returns.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.InstanceID <= 0 {
		return "", fmt.Errorf("%w: instance id must be positive", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.MessageType) == "" {
		return "", fmt.Errorf("%w: message type is required", ErrInvalidRequest)
	}
	payload, err := normalisePayload(req.Payload)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := s.nowMillis()

	err = database.Retry(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO remote_queue (
				request_id, instance_id, message_type, payload, is_subscription,
				state, event_count, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?)`,
			id, req.InstanceID, req.MessageType, string(payload), boolToInt(req.IsSubscription), now, now,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueueing request: %w", err)
	}
	return id, nil
}

// Get reads an entry. Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, requestID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE request_id = ?`, requestID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: reading entry: %w", database.ErrStoreFailure, err)
	}
	return e, nil
}

// PollOnce returns the producer's view of an entry.
func (s *Store) PollOnce(ctx context.Context, requestID string) (Snapshot, error) {
	e, err := s.Get(ctx, requestID)
	if err != nil {
		return Snapshot{}, err
	}
	return e.snapshot(), nil
}

// Delete removes an entry and its event log. Returns ErrNotFound if it does
// not exist.
func (s *Store) Delete(ctx context.Context, requestID string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM remote_queue_events WHERE request_id = ?`, requestID); err != nil {
			return fmt.Errorf("deleting events: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM remote_queue WHERE request_id = ?`, requestID)
		if err != nil {
			return fmt.Errorf("deleting entry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // SQLite always reports rows affected
			return ErrNotFound
		}
		return nil
	})
}

// ClaimPending moves up to limit of the oldest pending entries for
// instanceID to processing and returns them. An entry claimed concurrently
// by another writer is skipped.
func (s *Store) ClaimPending(ctx context.Context, instanceID int64, limit int) ([]Entry, error) {
	if limit < 1 {
		limit = 1
	}

	var claimed []Entry
	err := s.tx(ctx, func(tx *sql.Tx) error {
		claimed = nil

		rows, err := tx.QueryContext(ctx, selectEntry+`
			WHERE instance_id = ? AND state = 'pending'
			ORDER BY created_at, rowid
			LIMIT ?`, instanceID, limit)
		if err != nil {
			return fmt.Errorf("selecting pending entries: %w", err)
		}
		entries, err := scanEntries(rows)
		if err != nil {
			return err
		}

		now := s.nowMillis()
		for i := range entries {
			res, err := tx.ExecContext(ctx, `
				UPDATE remote_queue SET state = 'processing', updated_at = ?
				WHERE request_id = ? AND state = 'pending'`, now, entries[i].RequestID)
			if err != nil {
				return fmt.Errorf("claiming entry: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 { //nolint:errcheck // SQLite always reports rows affected
				entries[i].State = StateProcessing
				entries[i].UpdatedAt = time.UnixMilli(now).UTC()
				claimed = append(claimed, entries[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// transitionTx moves an entry to state to if its current state allows it.
// set is an optional ", col = ?" clause whose values are in args.
func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, requestID string, to State, set string, args ...any) error {
	from := allowedFrom[to]
	if len(from) == 0 {
		return fmt.Errorf("%w: unknown target state %q", ErrInvalidTransition, to)
	}

	query := `UPDATE remote_queue SET state = ?, updated_at = ?` + set +
		` WHERE request_id = ? AND state IN (?` + strings.Repeat(", ?", len(from)-1) + `)`

	qargs := make([]any, 0, 3+len(args)+len(from))
	qargs = append(qargs, string(to), s.nowMillis())
	qargs = append(qargs, args...)
	qargs = append(qargs, requestID)
	for _, f := range from {
		qargs = append(qargs, string(f))
	}

	res, err := tx.ExecContext(ctx, query, qargs...)
	if err != nil {
		return fmt.Errorf("updating entry state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 { //nolint:errcheck // SQLite always reports rows affected
		return nil
	}

	var current string
	err = tx.QueryRowContext(ctx, `SELECT state FROM remote_queue WHERE request_id = ?`, requestID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading entry state: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

// MarkSubscribed records the controller's subscription ID after ack.
func (s *Store) MarkSubscribed(ctx context.Context, requestID string, remoteSubscriptionID int64) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		return s.transitionTx(ctx, tx, requestID, StateSubscribed, `, remote_subscription_id = ?`, remoteSubscriptionID)
	})
}

// AppendEvent adds one event to a subscription entry's log, moves it to
// collecting and returns the event's sequence number (1-based).
func (s *Store) AppendEvent(ctx context.Context, requestID string, data json.RawMessage) (int, error) {
	var seq int
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if err := s.transitionTx(ctx, tx, requestID, StateCollecting, `, event_count = event_count + 1`); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT event_count FROM remote_queue WHERE request_id = ?`, requestID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("reading event count: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO remote_queue_events (request_id, seq, data, received_at)
			VALUES (?, ?, ?, ?)`, requestID, seq, string(data), s.nowMillis()); err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Complete marks a one-shot entry done with its result.
func (s *Store) Complete(ctx context.Context, requestID string, result json.RawMessage) error {
	if len(bytes.TrimSpace(result)) == 0 {
		result = json.RawMessage("null")
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		return s.transitionTx(ctx, tx, requestID, StateDone, `, result = ?, error = NULL`, string(result))
	})
}

// Fail marks an entry failed with an error description.
func (s *Store) Fail(ctx context.Context, requestID, message string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		return s.transitionTx(ctx, tx, requestID, StateFailed, `, error = ?`, message)
	})
}

// MarkTimeout marks an entry timed out. Producers call it when their own
// deadline elapses.
func (s *Store) MarkTimeout(ctx context.Context, requestID, message string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		return s.transitionTx(ctx, tx, requestID, StateTimeout, `, error = ?`, message)
	})
}

// FinishSubscription moves a subscription entry to a terminal state with the
// JSON array of its collected events as the result.
func (s *Store) FinishSubscription(ctx context.Context, requestID string, to State, message string) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, to)
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		result, err := collectEvents(ctx, tx, requestID)
		if err != nil {
			return err
		}
		return s.transitionTx(ctx, tx, requestID, to, `, result = ?, error = ?`, string(result), nullString(message))
	})
}

func collectEvents(ctx context.Context, tx *sql.Tx, requestID string) (json.RawMessage, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT data FROM remote_queue_events WHERE request_id = ? ORDER BY seq`, requestID)
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	defer rows.Close()

	var buf bytes.Buffer
	buf.WriteByte('[')
	first := true
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if !first {
			buf.WriteByte(',')
		}
		buf.WriteString(data)
		first = false
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Events returns a subscription's events with seq greater than afterSeq.
func (s *Store) Events(ctx context.Context, requestID string, afterSeq int) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, data, received_at FROM remote_queue_events
		WHERE request_id = ? AND seq > ?
		ORDER BY seq`, requestID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: reading events: %w", database.ErrStoreFailure, err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var (
			ev         EventRecord
			data       string
			receivedAt int64
		)
		if err := rows.Scan(&ev.Seq, &data, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Data = json.RawMessage(data)
		ev.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// StillWanted reports which request IDs still have a live, non-terminal
// entry. Missing and terminal entries are not wanted.
func (s *Store) StillWanted(ctx context.Context, requestIDs []string) (map[string]bool, error) {
	wanted := make(map[string]bool, len(requestIDs))
	for start := 0; start < len(requestIDs); start += stillWantedChunk {
		end := start + stillWantedChunk
		if end > len(requestIDs) {
			end = len(requestIDs)
		}
		chunk := requestIDs[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := `SELECT request_id FROM remote_queue
			WHERE state IN ('processing', 'subscribed', 'collecting')
			AND request_id IN (?` + strings.Repeat(", ?", len(chunk)-1) + `)`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("%w: checking requestors: %w", database.ErrStoreFailure, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close() //nolint:errcheck // Returning the scan error
				return nil, fmt.Errorf("scanning request id: %w", err)
			}
			wanted[id] = true
		}
		err = rows.Err()
		rows.Close() //nolint:errcheck // Read-only cursor
		if err != nil {
			return nil, fmt.Errorf("iterating request ids: %w", err)
		}
	}
	return wanted, nil
}

// FailInFlight fails every non-terminal, already claimed entry for an
// instance. The worker calls it on start to release entries orphaned by a
// previous worker process.
func (s *Store) FailInFlight(ctx context.Context, instanceID int64, reason string) (int64, error) {
	var n int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE remote_queue SET state = 'failed', error = ?, updated_at = ?
			WHERE instance_id = ? AND state IN ('processing', 'subscribed', 'collecting')`,
			reason, s.nowMillis(), instanceID)
		if err != nil {
			return fmt.Errorf("failing in-flight entries: %w", err)
		}
		n, _ = res.RowsAffected() //nolint:errcheck // SQLite always reports rows affected
		return nil
	})
	return n, err
}

// PurgeExpired deletes entries not updated since olderThan, whatever their
// state. It removes entries abandoned by producers that crashed before
// deleting them.
func (s *Store) PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UnixMilli()
	var n int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM remote_queue_events WHERE request_id IN (
				SELECT request_id FROM remote_queue WHERE updated_at < ?
			)`, cutoff); err != nil {
			return fmt.Errorf("purging events: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM remote_queue WHERE updated_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("purging entries: %w", err)
		}
		n, _ = res.RowsAffected() //nolint:errcheck // SQLite always reports rows affected
		return nil
	})
	return n, err
}

// CountByState returns the number of entries per state for an instance.
func (s *Store) CountByState(ctx context.Context, instanceID int64) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM remote_queue WHERE instance_id = ? GROUP BY state`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: counting entries: %w", database.ErrStoreFailure, err)
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e         Entry
		payload   string
		isSub     int
		state     string
		result    sql.NullString
		errText   sql.NullString
		remoteID  sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&e.RequestID, &e.InstanceID, &e.MessageType, &payload, &isSub,
		&state, &result, &errText, &remoteID, &e.EventCount,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	e.Payload = json.RawMessage(payload)
	e.IsSubscription = isSub != 0
	e.State = State(state)
	if result.Valid {
		e.Result = json.RawMessage(result.String)
	}
	e.Error = errText.String
	e.RemoteSubscriptionID = remoteID.Int64
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return entries, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
