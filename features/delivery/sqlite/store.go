// Package sqlite provides a SQLite-backed implementation of delivery.Store.
//
// The database runs in WAL mode so one writer and many readers in separate
// processes can share a single file. Writes retry on lock contention.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
)

// Store persists delivery records in SQLite. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

var _ delivery.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	request_id      TEXT PRIMARY KEY,
	source_agent_id TEXT NOT NULL DEFAULT '',
	target_agent_id TEXT NOT NULL DEFAULT '',
	message_type    TEXT NOT NULL DEFAULT '',
	payload         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	completion_ref  TEXT NOT NULL DEFAULT '',
	result          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	ts              INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL,
	correlation_id  TEXT NOT NULL DEFAULT '',
	causation_id    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_requests_status_ts ON requests(status, ts);
CREATE INDEX IF NOT EXISTS idx_requests_expires ON requests(expires_at);

CREATE TABLE IF NOT EXISTS messages (
	message_id      TEXT PRIMARY KEY,
	request_id      TEXT NOT NULL DEFAULT '',
	source_agent_id TEXT NOT NULL,
	target_agent_id TEXT NOT NULL,
	seq             INTEGER NOT NULL DEFAULT 0,
	envelope        TEXT NOT NULL,
	status          TEXT NOT NULL,
	completion_ref  TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	ts              INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_pair_seq ON messages(source_agent_id, target_agent_id, seq);
CREATE INDEX IF NOT EXISTS idx_messages_status_ts ON messages(status, ts);
CREATE INDEX IF NOT EXISTS idx_messages_expires ON messages(expires_at);

CREATE TABLE IF NOT EXISTS sequences (
	source TEXT NOT NULL,
	target TEXT NOT NULL,
	seq    INTEGER NOT NULL,
	PRIMARY KEY (source, target)
);
`

// Open opens (or creates) the SQLite database at path and initializes the
// schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Name identifies the store in health checks.
func (s *Store) Name() string { return "delivery-sqlite" }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// PutRequest implements delivery.Store.
func (s *Store) PutRequest(ctx context.Context, rec *delivery.RequestRecord) error {
	if rec == nil || rec.RequestID == "" {
		return errors.New("request id is required")
	}
	failure, err := encodeError(rec.Error)
	if err != nil {
		return err
	}
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO requests (request_id, source_agent_id, target_agent_id, message_type, payload,
				status, completion_ref, result, error, ts, expires_at, correlation_id, causation_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(request_id) DO UPDATE SET
				source_agent_id = excluded.source_agent_id,
				target_agent_id = excluded.target_agent_id,
				message_type = excluded.message_type,
				payload = excluded.payload,
				status = excluded.status,
				completion_ref = excluded.completion_ref,
				result = excluded.result,
				error = excluded.error,
				ts = excluded.ts,
				expires_at = excluded.expires_at,
				correlation_id = excluded.correlation_id,
				causation_id = excluded.causation_id`,
			rec.RequestID, rec.SourceAgentID, rec.TargetAgentID, string(rec.MessageType), string(rec.Payload),
			string(rec.Status), rec.CompletionRef, string(rec.Result), failure,
			rec.Timestamp.UnixNano(), rec.ExpiresAt.UnixNano(), rec.CorrelationID, rec.CausationID,
		)
		return err
	})
}

const requestColumns = `request_id, source_agent_id, target_agent_id, message_type, payload, status,
	completion_ref, result, error, ts, expires_at, correlation_id, causation_id`

// GetRequest implements delivery.Store.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*delivery.RequestRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE request_id = ?`, requestID)
	rec, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, delivery.ErrNotFound
	}
	return rec, err
}

// PutMessage implements delivery.Store.
func (s *Store) PutMessage(ctx context.Context, rec *delivery.MessageRecord) error {
	if rec == nil || rec.MessageID == "" {
		return errors.New("message id is required")
	}
	seq, err := storedSeq(rec.Envelope.Seq)
	if err != nil {
		return err
	}
	env, err := json.Marshal(&rec.Envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	failure, err := encodeError(rec.Error)
	if err != nil {
		return err
	}
	pair := rec.Envelope.Pair()
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (message_id, request_id, source_agent_id, target_agent_id, seq, envelope,
				status, completion_ref, error, ts, expires_at, retry_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(message_id) DO UPDATE SET
				request_id = excluded.request_id,
				source_agent_id = excluded.source_agent_id,
				target_agent_id = excluded.target_agent_id,
				seq = excluded.seq,
				envelope = excluded.envelope,
				status = excluded.status,
				completion_ref = excluded.completion_ref,
				error = excluded.error,
				ts = excluded.ts,
				expires_at = excluded.expires_at,
				retry_count = excluded.retry_count`,
			rec.MessageID, rec.RequestID, pair.Source, pair.Target, seq, string(env),
			string(rec.Status), rec.CompletionRef, failure,
			rec.Timestamp.UnixNano(), rec.ExpiresAt.UnixNano(), rec.RetryCount,
		)
		return err
	})
}

const messageColumns = `message_id, request_id, envelope, status, completion_ref, error, ts, expires_at, retry_count`

// GetMessage implements delivery.Store.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*delivery.MessageRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID)
	rec, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, delivery.ErrNotFound
	}
	return rec, err
}

// LastSequence implements delivery.Store.
func (s *Store) LastSequence(ctx context.Context, pair delivery.Pair) (uint64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM sequences WHERE source = ? AND target = ?`, pair.Source, pair.Target,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

// UpdateSequence implements delivery.Store.
func (s *Store) UpdateSequence(ctx context.Context, pair delivery.Pair, seq uint64) error {
	v, err := storedSeq(seq)
	if err != nil {
		return err
	}
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sequences (source, target, seq) VALUES (?, ?, ?)
			 ON CONFLICT(source, target) DO UPDATE SET seq = MAX(seq, excluded.seq)`,
			pair.Source, pair.Target, v,
		)
		return err
	})
}

// MarkRequestCompleted implements delivery.Store.
func (s *Store) MarkRequestCompleted(ctx context.Context, requestID string, result json.RawMessage, completionRef string, at time.Time) error {
	if result == nil {
		return s.transition(ctx, requestID,
			`UPDATE requests SET status = ?, completion_ref = ?, ts = ? WHERE request_id = ? AND status = ?`,
			string(delivery.StatusCompleted), completionRef, at.UnixNano(), requestID, string(delivery.StatusUnknown))
	}
	return s.transition(ctx, requestID,
		`UPDATE requests SET status = ?, completion_ref = ?, result = ?, ts = ? WHERE request_id = ? AND status = ?`,
		string(delivery.StatusCompleted), completionRef, string(result), at.UnixNano(), requestID, string(delivery.StatusUnknown))
}

// MarkRequestFailed implements delivery.Store.
func (s *Store) MarkRequestFailed(ctx context.Context, requestID string, failure *deliveryerrors.Error, at time.Time) error {
	encoded, err := encodeError(failure)
	if err != nil {
		return err
	}
	return s.transition(ctx, requestID,
		`UPDATE requests SET status = ?, error = ?, ts = ? WHERE request_id = ? AND status = ?`,
		string(delivery.StatusFailed), encoded, at.UnixNano(), requestID, string(delivery.StatusUnknown))
}

// transition runs a status-guarded update. When no row matches it tells a
// missing request from a terminal one.
func (s *Store) transition(ctx context.Context, requestID, query string, args ...any) error {
	var affected int64
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return err
	}
	return delivery.ErrInvalidTransition
}

// UnacknowledgedEnvelopes implements delivery.Store.
func (s *Store) UnacknowledgedEnvelopes(ctx context.Context, pair delivery.Pair) ([]*delivery.Envelope, error) {
	recs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE source_agent_id = ? AND target_agent_id = ? AND status != ?
		 ORDER BY seq, message_id`,
		pair.Source, pair.Target, string(delivery.StatusCompleted))
	if err != nil {
		return nil, err
	}
	out := make([]*delivery.Envelope, 0, len(recs))
	for _, rec := range recs {
		out = append(out, &rec.Envelope)
	}
	delivery.SortBySeq(out)
	return out, nil
}

// PendingRequests implements delivery.Store.
func (s *Store) PendingRequests(ctx context.Context, olderThan time.Time) ([]*delivery.RequestRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE status = ? AND ts < ? ORDER BY request_id`,
		string(delivery.StatusUnknown), cutoff(olderThan))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*delivery.RequestRecord
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MessagesByStatus implements delivery.Store.
func (s *Store) MessagesByStatus(ctx context.Context, status delivery.Status, olderThan time.Time) ([]*delivery.MessageRecord, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE status = ? AND ts < ? ORDER BY message_id`,
		string(status), cutoff(olderThan))
}

// PurgeExpired implements delivery.Store.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		reqs, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE expires_at <= ?`, now.UnixNano())
		if err != nil {
			return err
		}
		msgs, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE expires_at <= ?`, now.UnixNano())
		if err != nil {
			return err
		}
		r, err := reqs.RowsAffected()
		if err != nil {
			return err
		}
		m, err := msgs.RowsAffected()
		if err != nil {
			return err
		}
		n = r + m
		return tx.Commit()
	})
	return int(n), err
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*delivery.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*delivery.MessageRecord
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*delivery.RequestRecord, error) {
	var (
		rec                      delivery.RequestRecord
		msgType, payload, status string
		result, failure          string
		ts, expiresAt            int64
	)
	err := row.Scan(&rec.RequestID, &rec.SourceAgentID, &rec.TargetAgentID, &msgType, &payload, &status,
		&rec.CompletionRef, &result, &failure, &ts, &expiresAt, &rec.CorrelationID, &rec.CausationID)
	if err != nil {
		return nil, err
	}
	rec.MessageType = delivery.MessageType(msgType)
	rec.Payload = rawOrNil(payload)
	rec.Status = delivery.Status(status)
	rec.Result = rawOrNil(result)
	if rec.Error, err = decodeError(failure); err != nil {
		return nil, err
	}
	rec.Timestamp = fromNanos(ts)
	rec.ExpiresAt = fromNanos(expiresAt)
	return &rec, nil
}

func scanMessage(row scanner) (*delivery.MessageRecord, error) {
	var (
		rec                  delivery.MessageRecord
		env, status, failure string
		ts, expiresAt        int64
	)
	err := row.Scan(&rec.MessageID, &rec.RequestID, &env, &status, &rec.CompletionRef, &failure,
		&ts, &expiresAt, &rec.RetryCount)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(env), &rec.Envelope); err != nil {
		return nil, fmt.Errorf("decode envelope %q: %w", rec.MessageID, err)
	}
	rec.Status = delivery.Status(status)
	if rec.Error, err = decodeError(failure); err != nil {
		return nil, err
	}
	rec.Timestamp = fromNanos(ts)
	rec.ExpiresAt = fromNanos(expiresAt)
	return &rec, nil
}

// cutoff maps a zero olderThan to a bound every row passes.
func cutoff(olderThan time.Time) int64 {
	if olderThan.IsZero() {
		return math.MaxInt64
	}
	return olderThan.UnixNano()
}

func storedSeq(seq uint64) (int64, error) {
	if seq > math.MaxInt64 {
		return 0, fmt.Errorf("sequence %d exceeds storable range", seq)
	}
	return int64(seq), nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func encodeError(e *deliveryerrors.Error) (string, error) {
	if e == nil {
		return "", nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode error: %w", err)
	}
	return string(b), nil
}

func decodeError(s string) (*deliveryerrors.Error, error) {
	if s == "" {
		return nil, nil
	}
	var e deliveryerrors.Error
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	return &e, nil
}
