package ledger

import (
	"context"

	"github.com/hpungsan/margin/internal/evidence"
)

// Audit is the result of walking a session's ledger.
type Audit struct {
	SessionID string  `json:"session_id"`
	Head      int64   `json:"head"`
	Records   int     `json:"records"`
	Critical  int     `json:"critical"`
	Corrupted []int64 `json:"corrupted,omitempty"`
	Missing   []int64 `json:"missing,omitempty"`
}

// OK reports whether the audit found no corruption and no gaps.
func (a *Audit) OK() bool {
	return len(a.Corrupted) == 0 && len(a.Missing) == 0
}

// Verify hash-checks every record of sessionID and reports sequence gaps
// between 1 and the head.
func Verify(ctx context.Context, s Store, sessionID string) (*Audit, error) {
	head, err := s.Head(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	records, err := s.ReadRange(ctx, sessionID, 1, 0)
	if err != nil {
		return nil, err
	}

	audit := &Audit{SessionID: sessionID, Head: head, Records: len(records)}
	next := int64(1)
	for _, r := range records {
		for ; next < r.Sequence; next++ {
			audit.Missing = append(audit.Missing, next)
		}
		next = r.Sequence + 1
		if r.Critical {
			audit.Critical++
		}
		if !evidence.Check(r) {
			audit.Corrupted = append(audit.Corrupted, r.Sequence)
		}
	}
	for ; next <= head; next++ {
		audit.Missing = append(audit.Missing, next)
	}
	return audit, nil
}
