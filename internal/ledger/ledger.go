// Package ledger is the append-only, per-session sequenced evidence store.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/evidence"
)

// Query selects records whose video time overlaps [FromMS, ToMS].
type Query struct {
	FromMS int64
	ToMS   int64
	// MaxSeq bounds the result to records at or below this sequence. Zero means no bound.
	MaxSeq       int64
	CriticalOnly bool
}

// Store is the ledger contract shared by the SQLite ledger and the in-memory replay store.
type Store interface {
	Append(ctx context.Context, sessionID string, ev evidence.Evidence) (*evidence.Record, error)
	// ReadRange returns records with from <= sequence <= to in sequence order.
	// A non-positive to reads through the head.
	ReadRange(ctx context.Context, sessionID string, from, to int64) ([]*evidence.Record, error)
	Head(ctx context.Context, sessionID string) (int64, error)
	Window(ctx context.Context, sessionID string, q Query) ([]*evidence.Record, error)
}

// HashCheck reports whether a record's stored hash matches its contents.
func HashCheck(r *evidence.Record) bool {
	return evidence.Check(r)
}

// RetryPolicy bounds how hard Append retries transient failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Ledger is the SQLite-backed Store.
type Ledger struct {
	db     *sql.DB
	retry  RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetry overrides the default retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(l *Ledger) { l.retry = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New returns a Ledger over an initialized database (see db.Init).
func New(db *sql.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:     db,
		retry:  RetryPolicy{MaxAttempts: 3, InitialBackoff: 100 * time.Millisecond},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")
	return l
}

// Append assigns the next sequence for sessionID and writes the record in one
// transaction. Transient failures are retried with exponential backoff; when
// retries are exhausted the error is LEDGER_UNAVAILABLE.
func (l *Ledger) Append(ctx context.Context, sessionID string, ev evidence.Evidence) (*evidence.Record, error) {
	if sessionID == "" {
		return nil, errors.NewInvalidRequest("session_id is required")
	}
	if !ev.Type.Valid() {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("unknown evidence type %q", ev.Type))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retry.InitialBackoff
	attempts := max(l.retry.MaxAttempts, 1)

	attempt := 0
	rec, err := backoff.Retry(ctx, func() (*evidence.Record, error) {
		attempt++
		rec, err := l.appendOnce(ctx, sessionID, ev)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			l.logger.Warn("ledger append failed", "session_id", sessionID, "attempt", attempt, "error", err)
		}
		return rec, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
	if err != nil {
		return nil, errors.NewLedgerUnavailable(err)
	}
	return rec, nil
}

func (l *Ledger) appendOnce(ctx context.Context, sessionID string, ev evidence.Evidence) (*evidence.Record, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The head row is the per-session sequence counter; writing it first takes
	// the write lock before anything is read.
	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_heads (session_id, last_seq) VALUES (?, 1)
		ON CONFLICT(session_id) DO UPDATE SET last_seq = last_seq + 1
		RETURNING last_seq
	`, sessionID).Scan(&seq)
	if err != nil {
		return nil, err
	}

	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = l.now()
	}
	rec := &evidence.Record{
		SessionID:   sessionID,
		Sequence:    seq,
		Type:        ev.Type,
		Payload:     ev.Payload,
		Critical:    ev.Type.Critical(),
		OccurredAt:  occurred.UnixMilli(),
		VideoStart:  ev.VideoStart,
		VideoEnd:    ev.VideoEnd,
		BlobPointer: ev.BlobPointer,
	}
	rec.PayloadHash = evidence.Hash(rec)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence (
			session_id, sequence, evidence_type, payload, payload_hash, critical,
			occurred_at, video_start_ms, video_end_ms, blob_pointer
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.Sequence, string(rec.Type), string(rec.Payload), rec.PayloadHash, rec.Critical,
		rec.OccurredAt, toNullInt64(rec.VideoStart), toNullInt64(rec.VideoEnd), toNullString(rec.BlobPointer))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

const recordColumns = `session_id, sequence, evidence_type, payload, payload_hash, critical,
	occurred_at, video_start_ms, video_end_ms, blob_pointer`

// ReadRange returns records with from <= sequence <= to.
func (l *Ledger) ReadRange(ctx context.Context, sessionID string, from, to int64) ([]*evidence.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM evidence WHERE session_id = ? AND sequence >= ?`
	args := []any{sessionID, from}
	if to > 0 {
		query += " AND sequence <= ?"
		args = append(args, to)
	}
	query += " ORDER BY sequence ASC"
	return l.query(ctx, query, args...)
}

// Head returns the highest assigned sequence for sessionID, or 0 if none.
func (l *Ledger) Head(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := l.db.QueryRowContext(ctx, `SELECT last_seq FROM ledger_heads WHERE session_id = ?`, sessionID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return seq, nil
}

// Window returns records whose video time overlaps [q.FromMS, q.ToMS], in sequence order.
// Records without video time (decisions, context requests) are never included.
func (l *Ledger) Window(ctx context.Context, sessionID string, q Query) ([]*evidence.Record, error) {
	where := []string{
		"session_id = ?",
		"video_start_ms IS NOT NULL",
		"video_start_ms <= ?",
		"COALESCE(video_end_ms, video_start_ms) >= ?",
	}
	args := []any{sessionID, q.ToMS, q.FromMS}
	if q.MaxSeq > 0 {
		where = append(where, "sequence <= ?")
		args = append(args, q.MaxSeq)
	}
	if q.CriticalOnly {
		where = append(where, "critical = 1")
	}
	query := `SELECT ` + recordColumns + ` FROM evidence WHERE ` + strings.Join(where, " AND ") + ` ORDER BY sequence ASC`
	return l.query(ctx, query, args...)
}

// Sessions returns the IDs of every session with at least one record.
func (l *Ledger) Sessions(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT session_id FROM ledger_heads ORDER BY session_id`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewInternal(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (l *Ledger) query(ctx context.Context, query string, args ...any) ([]*evidence.Record, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*evidence.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (*evidence.Record, error) {
	var r evidence.Record
	var typ, payload string
	var start, end sql.NullInt64
	var blob sql.NullString

	err := rows.Scan(&r.SessionID, &r.Sequence, &typ, &payload, &r.PayloadHash, &r.Critical,
		&r.OccurredAt, &start, &end, &blob)
	if err != nil {
		return nil, err
	}
	r.Type = evidence.Type(typ)
	r.Payload = []byte(payload)
	if start.Valid {
		v := start.Int64
		r.VideoStart = &v
	}
	if end.Valid {
		v := end.Int64
		r.VideoEnd = &v
	}
	if blob.Valid {
		v := blob.String
		r.BlobPointer = &v
	}
	return &r, nil
}

func toNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
