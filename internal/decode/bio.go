package decode

import "github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/labels"

// DefaultConfidenceThreshold is the minimum mean token probability for a span.
const DefaultConfidenceThreshold = 0.5

// Span is a decoded entity candidate over [Start, End).
type Span struct {
	Start      int
	End        int
	Type       labels.EntityType
	Confidence float64
}

// Decoder runs the BIO state machine.
type Decoder struct {
	Threshold float64
}

// decoderState is either idleState or openState.
type decoderState interface {
	// flush applies the emission gate and returns the (possibly grown) output.
	flush(threshold float64, out []Span) []Span
}

type idleState struct{}

func (idleState) flush(_ float64, out []Span) []Span { return out }

type openState struct {
	typ   labels.EntityType
	start int
	end   int
	sum   float64
	count int
}

func (s openState) flush(threshold float64, out []Span) []Span {
	mean := 0.0
	if s.count > 0 {
		mean = s.sum / float64(s.count)
	}
	if mean < threshold {
		return out
	}
	return append(out, Span{Start: s.start, End: s.end, Type: s.typ, Confidence: mean})
}

func openAt(step Step) openState {
	return openState{
		typ:   step.Tag.Type,
		start: step.Start,
		end:   step.End,
		sum:   step.Confidence,
		count: 1,
	}
}

// Decode consumes steps in order and returns spans ordered by start.
// An Inside tag that does not continue an open span of the same type starts
// a new span.
func (d Decoder) Decode(steps []Step) []Span {
	var out []Span
	var st decoderState = idleState{}

	for _, step := range steps {
		switch step.Tag.Boundary {
		case labels.Begin:
			out = st.flush(d.Threshold, out)
			st = openAt(step)
		case labels.Inside:
			if cur, ok := st.(openState); ok && cur.typ == step.Tag.Type {
				cur.end = step.End
				cur.sum += step.Confidence
				cur.count++
				st = cur
				continue
			}
			out = st.flush(d.Threshold, out)
			st = openAt(step)
		default:
			out = st.flush(d.Threshold, out)
			st = idleState{}
		}
	}
	return st.flush(d.Threshold, out)
}
