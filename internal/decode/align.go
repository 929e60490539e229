// Package decode turns per-token BIO predictions into validated character spans.
//
// The pipeline is Align -> Score -> Decoder.Decode -> ValidateSpan. Every stage
// is a total function over aligned input: malformed tag sequences, missing
// score vectors and unknown tag ids are recovered rather than reported.
package decode

import "github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/labels"

// Token is one classifier position that carries real text.
type Token struct {
	Index  int
	Start  int
	End    int
	TagID  int
	Scores []float32
}

// Align drops positions whose offset pair is the (0,0) non-text sentinel or
// otherwise covers no text. scores may be shorter than offsets; positions past
// its end get nil scores.
func Align(offsets [][2]int, tagIDs []int, scores [][]float32) []Token {
	n := len(offsets)
	if len(tagIDs) < n {
		n = len(tagIDs)
	}
	out := make([]Token, 0, n)
	for i := 0; i < n; i++ {
		off := offsets[i]
		if off[1] <= off[0] {
			continue
		}
		tok := Token{Index: i, Start: off[0], End: off[1], TagID: tagIDs[i]}
		if i < len(scores) {
			tok.Scores = scores[i]
		}
		out = append(out, tok)
	}
	return out
}

// Step is an aligned token with its parsed tag and confidence.
type Step struct {
	Start      int
	End        int
	Tag        labels.Tag
	Confidence float64
}

// Score resolves tag ids through the table and runs the confidence scorer.
func Score(tokens []Token, table *labels.Table) []Step {
	steps := make([]Step, len(tokens))
	for i, tok := range tokens {
		steps[i] = Step{
			Start:      tok.Start,
			End:        tok.End,
			Tag:        table.Tag(tok.TagID),
			Confidence: Confidence(tok.Scores, tok.TagID),
		}
	}
	return steps
}
