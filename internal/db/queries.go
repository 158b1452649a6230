package db

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/note"
	"github.com/hpungsan/margin/internal/state"
)

// ErrUniqueConstraint is returned when an insert violates a UNIQUE constraint.
var ErrUniqueConstraint = &errors.MarginError{
	Code:    "UNIQUE_CONSTRAINT",
	Status:  409,
	Message: "unique constraint violation",
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

const sessionColumns = `id, video_id, status, ledger_cursor, note_ids_json, health_json,
	created_at, last_activity_at, checkpointed_at`

// InsertSession stores a new session snapshot.
func InsertSession(db *sql.DB, s *state.Snapshot) error {
	noteIDs, health, err := encodeSnapshot(s)
	if err != nil {
		return err
	}

	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.Exec(query,
		s.ID, s.VideoID, string(s.Status), s.LedgerCursor, noteIDs, health,
		s.CreatedAt, s.LastActivityAt, toNullInt64(s.CheckpointedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// SaveSnapshot upserts a session snapshot. The ledger cursor never moves
// backwards even if an older snapshot races a newer one.
func SaveSnapshot(db *sql.DB, s *state.Snapshot) error {
	noteIDs, health, err := encodeSnapshot(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			ledger_cursor = MAX(sessions.ledger_cursor, excluded.ledger_cursor),
			note_ids_json = excluded.note_ids_json,
			health_json = excluded.health_json,
			last_activity_at = excluded.last_activity_at,
			checkpointed_at = excluded.checkpointed_at
	`
	_, err = db.Exec(query,
		s.ID, s.VideoID, string(s.Status), s.LedgerCursor, noteIDs, health,
		s.CreatedAt, s.LastActivityAt, toNullInt64(s.CheckpointedAt),
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetSession retrieves a session snapshot by ID.
func GetSession(db *sql.DB, id string) (*state.Snapshot, error) {
	row := db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("session", id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return s, nil
}

// SessionFilters narrows ListSessions.
type SessionFilters struct {
	Status  state.Status
	VideoID string
}

// ListSessions returns snapshots ordered by last activity (newest first) and the total match count.
func ListSessions(db *sql.DB, filters SessionFilters, limit, offset int) ([]*state.Snapshot, int, error) {
	where := []string{"1=1"}
	var args []any
	if filters.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filters.Status))
	}
	if filters.VideoID != "" {
		where = append(where, "video_id = ?")
		args = append(args, filters.VideoID)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, errors.NewInternal(err)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + clause +
		` ORDER BY last_activity_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*state.Snapshot
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, errors.NewInternal(err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	return out, total, nil
}

// ListOpenSessions returns every session not in a terminal status, oldest activity first.
func ListOpenSessions(db *sql.DB) ([]*state.Snapshot, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status NOT IN (?, ?)
		ORDER BY last_activity_at ASC`
	rows, err := db.Query(query, string(state.StatusClosed), string(state.StatusAbandoned))
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*state.Snapshot
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

const noteColumns = `id, session_id, video_id, start_ms, end_ms, text, confidence, status,
	source_from, source_to, superseded_by, content_hash, created_at, updated_at`

// UpsertNotes writes notes in a single transaction, replacing rows with the same ID.
// Replaying a decision therefore converges on the same row.
func UpsertNotes(db *sql.DB, notes ...*note.Note) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback()

	for _, n := range notes {
		if err := upsertNote(tx, n); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

func upsertNote(ex execer, n *note.Note) error {
	query := `
		INSERT INTO notes (` + noteColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			start_ms = excluded.start_ms,
			end_ms = excluded.end_ms,
			text = excluded.text,
			confidence = excluded.confidence,
			status = excluded.status,
			source_from = excluded.source_from,
			source_to = excluded.source_to,
			superseded_by = excluded.superseded_by,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at
	`
	var superseded sql.NullString
	if n.SupersededBy != "" {
		superseded = sql.NullString{String: n.SupersededBy, Valid: true}
	}
	_, err := ex.Exec(query,
		n.ID, n.SessionID, n.VideoID, n.Span.StartMS, n.Span.EndMS, n.Text, n.Confidence, string(n.Status),
		n.Sources.From, n.Sources.To, superseded, n.ContentHash, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetNote retrieves a note by ID.
func GetNote(db *sql.DB, id string) (*note.Note, error) {
	row := db.QueryRow(`SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	n, err := scanNote(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("note", id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return n, nil
}

// ListNotes returns a session's notes ordered by video time.
// If includeArchived is false, only active notes are returned.
func ListNotes(db *sql.DB, sessionID string, includeArchived bool) ([]*note.Note, error) {
	query := `SELECT ` + noteColumns + ` FROM notes WHERE session_id = ?`
	args := []any{sessionID}
	if !includeArchived {
		query += " AND status = ?"
		args = append(args, string(note.StatusActive))
	}
	query += " ORDER BY start_ms ASC, created_at ASC, id ASC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*note.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*state.Snapshot, error) {
	var s state.Snapshot
	var status string
	var noteIDs, health sql.NullString
	var checkpointed sql.NullInt64

	err := row.Scan(
		&s.ID, &s.VideoID, &status, &s.LedgerCursor, &noteIDs, &health,
		&s.CreatedAt, &s.LastActivityAt, &checkpointed,
	)
	if err != nil {
		return nil, err
	}
	s.Status = state.Status(status)
	if noteIDs.Valid && noteIDs.String != "" {
		if err := json.Unmarshal([]byte(noteIDs.String), &s.NoteIDs); err != nil {
			return nil, err
		}
	}
	if health.Valid && health.String != "" {
		if err := json.Unmarshal([]byte(health.String), &s.Health); err != nil {
			return nil, err
		}
	}
	if checkpointed.Valid {
		at := checkpointed.Int64
		s.CheckpointedAt = &at
	}
	return &s, nil
}

func scanNote(row scanner) (*note.Note, error) {
	var n note.Note
	var status string
	var superseded sql.NullString

	err := row.Scan(
		&n.ID, &n.SessionID, &n.VideoID, &n.Span.StartMS, &n.Span.EndMS, &n.Text, &n.Confidence, &status,
		&n.Sources.From, &n.Sources.To, &superseded, &n.ContentHash, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Status = note.Status(status)
	if superseded.Valid {
		n.SupersededBy = superseded.String
	}
	return &n, nil
}

func encodeSnapshot(s *state.Snapshot) (sql.NullString, sql.NullString, error) {
	var noteIDs sql.NullString
	if len(s.NoteIDs) > 0 {
		data, err := json.Marshal(s.NoteIDs)
		if err != nil {
			return noteIDs, sql.NullString{}, errors.NewInternal(err)
		}
		noteIDs = sql.NullString{String: string(data), Valid: true}
	}
	data, err := json.Marshal(s.Health)
	if err != nil {
		return noteIDs, sql.NullString{}, errors.NewInternal(err)
	}
	return noteIDs, sql.NullString{String: string(data), Valid: true}, nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
