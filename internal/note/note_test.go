package note

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverlapRatio(t *testing.T) {
	tests := []struct {
		name string
		a, b Span
		want float64
	}{
		{"identical", Span{0, 1000}, Span{0, 1000}, 1},
		{"half of shorter", Span{0, 1000}, Span{500, 3000}, 0.5},
		{"contained", Span{0, 10000}, Span{2000, 3000}, 1},
		{"disjoint", Span{0, 1000}, Span{2000, 3000}, 0},
		{"touching", Span{0, 1000}, Span{1000, 2000}, 0},
		{"point inside", Span{0, 1000}, Span{500, 500}, 1},
		{"point outside", Span{0, 1000}, Span{1500, 1500}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, OverlapRatio(tt.a, tt.b), 1e-9)
			assert.InDelta(t, tt.want, OverlapRatio(tt.b, tt.a), 1e-9)
		})
	}
}

func TestSpanUnion(t *testing.T) {
	assert.Equal(t, Span{100, 900}, Span{100, 400}.Union(Span{300, 900}))
	assert.Equal(t, int64(500), Span{100, 900}.Midpoint())
	assert.Equal(t, int64(0), Span{900, 100}.Length())
}

func TestRangeUnion(t *testing.T) {
	assert.Equal(t, Range{3, 9}, Range{}.Union(Range{3, 9}))
	assert.Equal(t, Range{3, 9}, Range{3, 9}.Union(Range{}))
	assert.Equal(t, Range{1, 12}, Range{3, 9}.Union(Range{1, 12}))
}

func TestNoteHash(t *testing.T) {
	a := &Note{Span: Span{0, 1000}, Text: "pacing drags here"}
	b := &Note{Span: Span{0, 1000}, Text: "pacing drags here", ID: "different"}
	c := &Note{Span: Span{0, 1001}, Text: "pacing drags here"}

	assert.Equal(t, a.Hash(), b.Hash(), "hash covers content only")
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.Len(t, a.Hash(), 64)
}

func TestNoteSummary(t *testing.T) {
	n := &Note{Text: "the intro   runs long and the music is loud"}
	assert.Equal(t, "the intro runs…", n.Summary(3))
	assert.Equal(t, "the intro runs long and the music is loud", n.Summary(0))
}

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "0:05", FormatTimestamp(5000))
	assert.Equal(t, "2:03", FormatTimestamp(123000))
	assert.Equal(t, "1:00:01", FormatTimestamp(3601000))
}

func TestSortBySpan(t *testing.T) {
	notes := []*Note{
		{ID: "c", Span: Span{StartMS: 5000}},
		{ID: "b", Span: Span{StartMS: 1000}},
		{ID: "a", Span: Span{StartMS: 1000}},
	}
	SortBySpan(notes)
	assert.Equal(t, "a", notes[0].ID)
	assert.Equal(t, "b", notes[1].ID)
	assert.Equal(t, "c", notes[2].ID)
}
