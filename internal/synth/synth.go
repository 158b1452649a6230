// Package synth turns an evidence window into note text. Synthesis is an
// external call with latency and failure modes; Pool isolates it from callers.
package synth

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/hpungsan/margin/internal/note"
	"github.com/hpungsan/margin/internal/retrieval"
)

// ErrEmptyWindow is returned when a window has no transcript evidence to synthesize from.
var ErrEmptyWindow = stderrors.New("evidence window has no transcripts")

// Request is the synthesis input: an evidence window plus recent note summaries.
type Request struct {
	SessionID string
	VideoID   string
	Evidence  *retrieval.EvidenceSet
}

// Summaries returns short summaries of the prior notes in the window.
func (r Request) Summaries() []string {
	if r.Evidence == nil {
		return nil
	}
	out := make([]string, 0, len(r.Evidence.PriorNotes))
	for _, n := range r.Evidence.PriorNotes {
		out = append(out, n.Summary(12))
	}
	return out
}

// Result is a proposed note.
type Result struct {
	Text       string
	Confidence float64
}

// Synthesizer produces note text for a window.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Synthesizer.
type Func func(ctx context.Context, req Request) (Result, error)

// Synthesize implements Synthesizer.
func (f Func) Synthesize(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Stub is a deterministic Synthesizer. Its output depends only on the
// window's transcripts and prior notes, so replaying the same ledger prefix
// reproduces the same text byte for byte.
type Stub struct{}

// Synthesize implements Synthesizer.
func (Stub) Synthesize(_ context.Context, req Request) (Result, error) {
	set := req.Evidence
	if set == nil || len(set.Transcripts) == 0 {
		return Result{}, ErrEmptyWindow
	}

	span := set.Span()
	var b strings.Builder
	fmt.Fprintf(&b, "[%s-%s] ", note.FormatTimestamp(span.StartMS), note.FormatTimestamp(span.EndMS))
	b.WriteString(sentence(set.Text()))
	if summaries := req.Summaries(); len(summaries) > 0 {
		b.WriteString(" Related: ")
		b.WriteString(strings.Join(summaries, "; "))
	}
	return Result{Text: b.String(), Confidence: set.Confidence}, nil
}

// sentence collapses whitespace, capitalizes the first letter and ends with a period.
func sentence(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return s
	}
	s = strings.ToUpper(s[:1]) + s[1:]
	if !strings.HasSuffix(s, ".") && !strings.HasSuffix(s, "!") && !strings.HasSuffix(s, "?") {
		s += "."
	}
	return s
}
