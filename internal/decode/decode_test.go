package decode

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/labels"
)

const nameType labels.EntityType = "NAME"

func begin(t labels.EntityType) labels.Tag  { return labels.Tag{Boundary: labels.Begin, Type: t} }
func inside(t labels.EntityType) labels.Tag { return labels.Tag{Boundary: labels.Inside, Type: t} }

var outside = labels.Tag{}

func TestAlignSkipsSentinel(t *testing.T) {
	offsets := [][2]int{{0, 0}, {0, 3}, {4, 8}, {0, 0}}
	tagIDs := []int{0, 1, 2, 0}
	scores := [][]float32{{1, 0}, {0, 1}}

	got := Align(offsets, tagIDs, scores)
	require.Len(t, got, 2)
	assert.Equal(t, Token{Index: 1, Start: 0, End: 3, TagID: 1, Scores: []float32{0, 1}}, got[0])
	assert.Equal(t, 2, got[1].Index)
	assert.Nil(t, got[1].Scores, "scores past the vector list are missing")
}

func TestAlignEmpty(t *testing.T) {
	assert.Empty(t, Align(nil, nil, nil))
	assert.Empty(t, Align([][2]int{{0, 0}}, []int{3}, nil))
}

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float32{0.2, 0.4, 0.8})
	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, 2, Argmax([]float32{0.2, 0.4, 0.8}))

	for _, p := range Softmax([]float32{1000, 1001, 1002}) {
		assert.False(t, math.IsNaN(p) || math.IsInf(p, 0))
	}
	assert.Nil(t, Softmax(nil))
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 1.0, Confidence(nil, 3), "missing vector falls back to full confidence")
	assert.Equal(t, 0.0, Confidence([]float32{1, 2}, 5))
	assert.Equal(t, 0.0, Confidence([]float32{1, 2}, -1))
	assert.InDelta(t, 0.5, Confidence([]float32{3, 3}, 1), 1e-9)

	c := Confidence([]float32{0, 0, 10, 0}, 2)
	assert.Greater(t, c, 0.99)
	assert.LessOrEqual(t, c, 1.0)
}

func TestScoreResolvesTags(t *testing.T) {
	tbl, err := labels.NewTable([]string{"O", "B-NAME", "I-NAME"}, nil)
	require.NoError(t, err)
	steps := Score([]Token{
		{Start: 0, End: 3, TagID: 1},
		{Start: 4, End: 7, TagID: 42, Scores: []float32{1, 1, 1}},
	}, tbl)
	require.Len(t, steps, 2)
	assert.Equal(t, begin(nameType), steps[0].Tag)
	assert.Equal(t, 1.0, steps[0].Confidence)
	assert.True(t, steps[1].Tag.IsOutside(), "unknown id defaults to Outside")
	assert.Equal(t, 0.0, steps[1].Confidence)
}

func TestDecode(t *testing.T) {
	cases := []struct {
		name      string
		steps     []Step
		threshold float64
		want      []Span
	}{
		{
			name: "all outside",
			steps: []Step{
				{Start: 0, End: 2, Tag: outside, Confidence: 0.9},
				{Start: 3, End: 5, Tag: outside, Confidence: 0.9},
			},
			threshold: 0.5,
			want:      nil,
		},
		{
			name: "begin inside outside",
			steps: []Step{
				{Start: 0, End: 4, Tag: begin(nameType), Confidence: 0.9},
				{Start: 5, End: 10, Tag: inside(nameType), Confidence: 0.8},
				{Start: 11, End: 13, Tag: outside, Confidence: 0.99},
			},
			threshold: 0.5,
			want:      []Span{{Start: 0, End: 10, Type: nameType, Confidence: 0.85}},
		},
		{
			name: "below threshold is dropped",
			steps: []Step{
				{Start: 0, End: 4, Tag: begin(nameType), Confidence: 0.9},
				{Start: 5, End: 10, Tag: inside(nameType), Confidence: 0.8},
				{Start: 11, End: 13, Tag: outside, Confidence: 0.99},
			},
			threshold: 0.95,
			want:      nil,
		},
		{
			name: "dangling inside opens a span",
			steps: []Step{
				{Start: 0, End: 2, Tag: outside, Confidence: 0.99},
				{Start: 3, End: 7, Tag: inside(nameType), Confidence: 0.9},
				{Start: 8, End: 10, Tag: outside, Confidence: 0.99},
			},
			threshold: 0.5,
			want:      []Span{{Start: 3, End: 7, Type: nameType, Confidence: 0.9}},
		},
		{
			name: "open span flushed at end of stream",
			steps: []Step{
				{Start: 0, End: 4, Tag: outside, Confidence: 0.99},
				{Start: 5, End: 9, Tag: begin(labels.Phone), Confidence: 0.7},
				{Start: 9, End: 12, Tag: inside(labels.Phone), Confidence: 0.9},
			},
			threshold: 0.5,
			want:      []Span{{Start: 5, End: 12, Type: labels.Phone, Confidence: 0.8}},
		},
		{
			name: "inside with a different type closes and reopens",
			steps: []Step{
				{Start: 0, End: 4, Tag: begin(nameType), Confidence: 0.9},
				{Start: 5, End: 9, Tag: inside(labels.City), Confidence: 0.6},
			},
			threshold: 0.5,
			want: []Span{
				{Start: 0, End: 4, Type: nameType, Confidence: 0.9},
				{Start: 5, End: 9, Type: labels.City, Confidence: 0.6},
			},
		},
		{
			name: "begin closes the previous span",
			steps: []Step{
				{Start: 0, End: 4, Tag: begin(labels.Email), Confidence: 0.6},
				{Start: 5, End: 9, Tag: begin(labels.Email), Confidence: 0.7},
			},
			threshold: 0.5,
			want: []Span{
				{Start: 0, End: 4, Type: labels.Email, Confidence: 0.6},
				{Start: 5, End: 9, Type: labels.Email, Confidence: 0.7},
			},
		},
		{
			name: "threshold is inclusive",
			steps: []Step{
				{Start: 0, End: 4, Tag: begin(nameType), Confidence: 0.5},
			},
			threshold: 0.5,
			want:      []Span{{Start: 0, End: 4, Type: nameType, Confidence: 0.5}},
		},
		{
			name:      "empty stream",
			threshold: 0.5,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Decoder{Threshold: tc.threshold}.Decode(tc.steps)
			require.Len(t, got, len(tc.want))
			for i := range tc.want {
				assert.Equal(t, tc.want[i].Start, got[i].Start)
				assert.Equal(t, tc.want[i].End, got[i].End)
				assert.Equal(t, tc.want[i].Type, got[i].Type)
				assert.InDelta(t, tc.want[i].Confidence, got[i].Confidence, 1e-9)
			}
		})
	}
}

func TestDecodeZeroCountSpanIsDropped(t *testing.T) {
	out := openState{typ: nameType, start: 0, end: 3}.flush(0.1, nil)
	assert.Empty(t, out)
	out = openState{typ: nameType, start: 0, end: 3}.flush(0, nil)
	require.Len(t, out, 1)
	assert.Equal(t, 0.0, out[0].Confidence)
}

func TestDecodeSpansAreOrderedAndDisjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	types := []labels.EntityType{nameType, labels.Email, labels.Phone}

	for round := 0; round < 200; round++ {
		var steps []Step
		pos := 0
		n := rng.Intn(40)
		for i := 0; i < n; i++ {
			width := 1 + rng.Intn(5)
			var tag labels.Tag
			switch rng.Intn(3) {
			case 1:
				tag = begin(types[rng.Intn(len(types))])
			case 2:
				tag = inside(types[rng.Intn(len(types))])
			}
			steps = append(steps, Step{Start: pos, End: pos + width, Tag: tag, Confidence: rng.Float64()})
			pos += width + rng.Intn(2)
		}

		spans := Decoder{Threshold: rng.Float64()}.Decode(steps)
		for i, sp := range spans {
			assert.Greater(t, sp.End, sp.Start)
			assert.GreaterOrEqual(t, sp.Confidence, 0.0)
			assert.LessOrEqual(t, sp.Confidence, 1.0)
			if i > 0 {
				assert.LessOrEqual(t, spans[i-1].End, sp.Start, "spans overlap in round %d", round)
			}
		}
	}
}

func TestDecodeIsDeterministic(t *testing.T) {
	steps := []Step{
		{Start: 0, End: 3, Tag: begin(nameType), Confidence: 0.71},
		{Start: 4, End: 9, Tag: inside(nameType), Confidence: 0.64},
		{Start: 10, End: 12, Tag: inside(labels.Email), Confidence: 0.93},
	}
	d := Decoder{Threshold: 0.5}
	assert.Equal(t, d.Decode(steps), d.Decode(steps))
}

func TestValidateSpan(t *testing.T) {
	cases := []struct {
		name string
		text string
		typ  labels.EntityType
		want bool
	}{
		{name: "email with at sign", text: "bob@example.com", typ: labels.Email, want: true},
		{name: "spoken email", text: "bob AT example dot com", typ: labels.Email, want: true},
		{name: "email without at", text: "bo", typ: labels.Email, want: false},
		{name: "phone without digits", text: "call me", typ: labels.Phone, want: false},
		{name: "phone with digits", text: "call 555", typ: labels.Phone, want: true},
		{name: "card without digits", text: "four two", typ: labels.CreditCard, want: false},
		{name: "card with digits", text: "4242 4242", typ: labels.CreditCard, want: true},
		{name: "too short after trim", text: "  a ", typ: nameType, want: false},
		{name: "other types accepted", text: "chennai", typ: labels.City, want: true},
		{name: "two runes", text: "é1", typ: labels.Phone, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sp := Span{Start: 0, End: len(tc.text), Type: tc.typ}
			assert.Equal(t, tc.want, ValidateSpan(tc.text, sp))
		})
	}
}

func TestValidateSpanOutOfRange(t *testing.T) {
	assert.False(t, ValidateSpan("short", Span{Start: 2, End: 50, Type: nameType}))
	assert.False(t, ValidateSpan("short", Span{Start: -1, End: 3, Type: nameType}))
	assert.False(t, ValidateSpan("short", Span{Start: 3, End: 3, Type: nameType}))
}
