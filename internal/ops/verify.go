package ops

import (
	"context"
	"database/sql"

	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/ledger"
)

// VerifyOutput is a ledger audit plus the session's checkpoint cursor.
type VerifyOutput struct {
	*ledger.Audit
	Cursor int64 `json:"ledger_cursor"`
	OK     bool  `json:"ok"`
}

// VerifyLedger hash-checks every record of a session and reports corrupted
// records and sequence gaps.
func VerifyLedger(ctx context.Context, database *sql.DB, store ledger.Store, sessionID string) (*VerifyOutput, error) {
	id, err := requireID("session_id", sessionID)
	if err != nil {
		return nil, err
	}
	snap, err := db.GetSession(database, id)
	if err != nil {
		return nil, err
	}
	audit, err := ledger.Verify(ctx, store, id)
	if err != nil {
		return nil, err
	}
	return &VerifyOutput{Audit: audit, Cursor: snap.LedgerCursor, OK: audit.OK()}, nil
}

// VerifyAllOutput collects the audits of every session with ledger records.
type VerifyAllOutput struct {
	Sessions []*VerifyOutput `json:"sessions"`
	OK       bool            `json:"ok"`
}

// VerifyAll runs VerifyLedger for every session the ledger knows about.
func VerifyAll(ctx context.Context, database *sql.DB, l *ledger.Ledger) (*VerifyAllOutput, error) {
	ids, err := l.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	out := &VerifyAllOutput{Sessions: make([]*VerifyOutput, 0, len(ids)), OK: true}
	for _, id := range ids {
		v, err := VerifyLedger(ctx, database, l, id)
		if err != nil {
			return nil, err
		}
		out.OK = out.OK && v.OK
		out.Sessions = append(out.Sessions, v)
	}
	return out, nil
}
