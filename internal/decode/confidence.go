package decode

import "math"

// Softmax returns normalized probabilities; the max is subtracted first so
// large logits do not overflow.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		e := math.Exp(float64(v - maxVal))
		out[i] = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Confidence is the softmax probability of tagID within scores. A missing
// vector yields full confidence; an id outside the vector yields zero.
func Confidence(scores []float32, tagID int) float64 {
	if len(scores) == 0 {
		return 1.0
	}
	if tagID < 0 || tagID >= len(scores) {
		return 0
	}
	p := Softmax(scores)[tagID]
	if math.IsNaN(p) {
		return 0
	}
	return math.Min(1, math.Max(0, p))
}

// Argmax returns the index of the largest score, or 0 for an empty vector.
func Argmax(scores []float32) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}
