package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/evidence"
)

// Memory is an in-process Store. Replay loads verified records into it so
// retrieval can run against exactly the evidence a decision saw.
type Memory struct {
	mu       sync.Mutex
	sessions map[string][]*evidence.Record
	heads    map[string]int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string][]*evidence.Record),
		heads:    make(map[string]int64),
	}
}

// Load inserts existing records, keeping their sequences. Records must be
// loaded in increasing sequence order per session.
func (m *Memory) Load(records ...*evidence.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if r.Sequence <= m.heads[r.SessionID] {
			return fmt.Errorf("record %d loaded out of order for session %s", r.Sequence, r.SessionID)
		}
		cp := *r
		m.sessions[r.SessionID] = append(m.sessions[r.SessionID], &cp)
		m.heads[r.SessionID] = r.Sequence
	}
	return nil
}

// Append implements Store.
func (m *Memory) Append(_ context.Context, sessionID string, ev evidence.Evidence) (*evidence.Record, error) {
	if !ev.Type.Valid() {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("unknown evidence type %q", ev.Type))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	seq := m.heads[sessionID] + 1
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
	m.sessions[sessionID] = append(m.sessions[sessionID], rec)
	m.heads[sessionID] = seq
	return rec, nil
}

// ReadRange implements Store.
func (m *Memory) ReadRange(_ context.Context, sessionID string, from, to int64) ([]*evidence.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*evidence.Record
	for _, r := range m.sessions[sessionID] {
		if r.Sequence < from || (to > 0 && r.Sequence > to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Head implements Store.
func (m *Memory) Head(_ context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heads[sessionID], nil
}

// Window implements Store.
func (m *Memory) Window(_ context.Context, sessionID string, q Query) ([]*evidence.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*evidence.Record
	for _, r := range m.sessions[sessionID] {
		if r.VideoStart == nil {
			continue
		}
		end := *r.VideoStart
		if r.VideoEnd != nil {
			end = *r.VideoEnd
		}
		if *r.VideoStart > q.ToMS || end < q.FromMS {
			continue
		}
		if q.MaxSeq > 0 && r.Sequence > q.MaxSeq {
			continue
		}
		if q.CriticalOnly && !r.Critical {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
