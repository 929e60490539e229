package decode

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/labels"
)

// ValidateSpan applies the per-type plausibility checks to text[sp.Start:sp.End].
// Spans with offsets outside the text are rejected.
func ValidateSpan(text string, sp Span) bool {
	if sp.Start < 0 || sp.End > len(text) || sp.End <= sp.Start {
		return false
	}
	s := strings.TrimSpace(text[sp.Start:sp.End])
	if utf8.RuneCountInString(s) < 2 {
		return false
	}

	switch sp.Type {
	case labels.Email:
		// spoken transcripts render "@" as "at"
		return strings.Contains(s, "@") || strings.Contains(strings.ToLower(s), "at")
	case labels.Phone, labels.CreditCard:
		return strings.IndexFunc(s, unicode.IsDigit) >= 0
	default:
		return true
	}
}
