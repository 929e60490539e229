package ner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const maxWordRunes = 100

// WordPieceTokenizer implements a BERT/DistilBERT-compatible tokenizer that
// keeps byte offsets into the original text.
type WordPieceTokenizer struct {
	vocab        map[string]int64
	lowerCase    bool
	stripAccents bool
	clsID        int64
	sepID        int64
	padID        int64
	unkID        int64
	continuation string
}

// Encoding is the unpadded token sequence for one text. Offsets are byte
// offsets; [CLS] and [SEP] carry the (0,0) sentinel.
type Encoding struct {
	InputIDs      []int64
	AttentionMask []int64
	Offsets       [][2]int
	Truncated     bool
}

// Len is the number of positions including special tokens.
func (e *Encoding) Len() int { return len(e.InputIDs) }

// LoadWordPieceTokenizer builds the tokenizer from vocab.txt.
func LoadWordPieceTokenizer(path string) (*WordPieceTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var idx int64
	for sc.Scan() {
		token := strings.TrimRight(sc.Text(), "\r")
		if token != "" {
			vocab[token] = idx
		}
		idx++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan vocab: %w", err)
	}
	return newTokenizerFromVocab(vocab, true)
}

// LoadTokenizerFromDir loads a tokenizer from vocab.txt or tokenizer.json.
func LoadTokenizerFromDir(dir string) (*WordPieceTokenizer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("tokenizer dir is empty")
	}
	jsonCandidates := []string{
		filepath.Join(dir, "tokenizer.json"),
		filepath.Join(dir, "tokenizer", "tokenizer.json"),
	}
	for _, path := range jsonCandidates {
		if _, err := os.Stat(path); err == nil {
			return loadTokenizerFromJSON(path)
		}
	}
	candidates := []string{
		filepath.Join(dir, "vocab.txt"),
		filepath.Join(dir, "tokenizer", "vocab.txt"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return LoadWordPieceTokenizer(path)
		}
	}
	return nil, fmt.Errorf("tokenizer assets not found in %s (tokenizer.json or vocab.txt)", dir)
}

func loadTokenizerFromJSON(path string) (*WordPieceTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer.json: %w", err)
	}
	var raw struct {
		Model struct {
			Type                    string           `json:"type"`
			Vocab                   map[string]int64 `json:"vocab"`
			ContinuingSubwordPrefix string           `json:"continuing_subword_prefix"`
		} `json:"model"`
		Normalizer struct {
			Lowercase    *bool `json:"lowercase"`
			StripAccents *bool `json:"strip_accents"`
		} `json:"normalizer"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode tokenizer.json: %w", err)
	}
	if t := strings.ToLower(raw.Model.Type); t != "" && t != "wordpiece" {
		return nil, fmt.Errorf("tokenizer.json model type %q is not supported", raw.Model.Type)
	}
	lower := true
	if raw.Normalizer.Lowercase != nil {
		lower = *raw.Normalizer.Lowercase
	}
	tok, err := newTokenizerFromVocab(raw.Model.Vocab, lower)
	if err != nil {
		return nil, err
	}
	if raw.Normalizer.StripAccents != nil {
		tok.stripAccents = *raw.Normalizer.StripAccents
	}
	if raw.Model.ContinuingSubwordPrefix != "" {
		tok.continuation = raw.Model.ContinuingSubwordPrefix
	}
	return tok, nil
}

func newTokenizerFromVocab(vocab map[string]int64, lowerCase bool) (*WordPieceTokenizer, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer vocab is empty")
	}
	t := &WordPieceTokenizer{
		vocab:        vocab,
		lowerCase:    lowerCase,
		stripAccents: lowerCase,
		continuation: "##",
	}
	for _, special := range []struct {
		token string
		dst   *int64
	}{
		{"[CLS]", &t.clsID},
		{"[SEP]", &t.sepID},
		{"[UNK]", &t.unkID},
	} {
		id, ok := vocab[special.token]
		if !ok {
			return nil, fmt.Errorf("tokenizer vocab is missing %s", special.token)
		}
		*special.dst = id
	}
	t.padID = vocab["[PAD]"]
	return t, nil
}

// PadID is the id used for padding positions.
func (t *WordPieceTokenizer) PadID() int64 { return t.padID }

// Encode tokenizes text into at most maxLength positions, [CLS] and [SEP]
// included. Word pieces past the budget are dropped and Truncated is set.
func (t *WordPieceTokenizer) Encode(text string, maxLength int) *Encoding {
	enc := &Encoding{
		InputIDs:      []int64{t.clsID},
		AttentionMask: []int64{1},
		Offsets:       [][2]int{{0, 0}},
	}
	budget := maxLength - 2
	if budget < 0 {
		budget = 0
	}

words:
	for _, w := range splitWords(text) {
		for _, p := range t.wordPieceOffsets(w) {
			if len(enc.InputIDs)-1 >= budget {
				enc.Truncated = true
				break words
			}
			enc.InputIDs = append(enc.InputIDs, p.id)
			enc.AttentionMask = append(enc.AttentionMask, 1)
			enc.Offsets = append(enc.Offsets, [2]int{p.start, p.end})
		}
	}

	enc.InputIDs = append(enc.InputIDs, t.sepID)
	enc.AttentionMask = append(enc.AttentionMask, 1)
	enc.Offsets = append(enc.Offsets, [2]int{0, 0})
	return enc
}

type wordSpan struct {
	Text  string
	Start int
	End   int
}

// splitWords splits on whitespace and isolates punctuation, like BERT's
// basic tokenizer. Control characters are dropped.
func splitWords(text string) []wordSpan {
	var spans []wordSpan
	start := -1
	flush := func(end int) {
		if start >= 0 {
			spans = append(spans, wordSpan{Text: text[start:end], Start: start, End: end})
			start = -1
		}
	}
	for idx, r := range text {
		switch {
		case unicode.IsSpace(r) || r == utf8.RuneError || isControl(r):
			flush(idx)
		case isPunctuation(r):
			flush(idx)
			end := idx + utf8.RuneLen(r)
			spans = append(spans, wordSpan{Text: text[idx:end], Start: idx, End: end})
		default:
			if start < 0 {
				start = idx
			}
		}
	}
	flush(len(text))
	return spans
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r) || unicode.Is(unicode.Cf, r)
}

// ASCII symbols count as punctuation even where Unicode disagrees ("$", "^").
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

// normalizedWord is a word after lowercasing/accent stripping, with a map from
// each normalized byte back to the source rune's byte range.
type normalizedWord struct {
	text     string
	srcStart []int
	srcEnd   []int
}

func (t *WordPieceTokenizer) normalize(w wordSpan) normalizedWord {
	var b strings.Builder
	nw := normalizedWord{}
	for i, r := range w.Text {
		piece := string(r)
		if t.lowerCase {
			piece = strings.ToLower(piece)
		}
		if t.stripAccents {
			piece = stripMarks(piece)
		}
		srcStart := w.Start + i
		srcEnd := srcStart + utf8.RuneLen(r)
		for j := 0; j < len(piece); j++ {
			nw.srcStart = append(nw.srcStart, srcStart)
			nw.srcEnd = append(nw.srcEnd, srcEnd)
		}
		b.WriteString(piece)
	}
	nw.text = b.String()
	return nw
}

func stripMarks(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type wordPieceOffset struct {
	id    int64
	start int
	end   int
}

// wordPieceOffsets runs greedy longest-match-first over the normalized word
// and maps each piece back to source byte offsets.
func (t *WordPieceTokenizer) wordPieceOffsets(w wordSpan) []wordPieceOffset {
	nw := t.normalize(w)
	if nw.text == "" {
		return nil
	}
	whole := []wordPieceOffset{{id: t.unkID, start: w.Start, end: w.End}}
	if utf8.RuneCountInString(nw.text) > maxWordRunes {
		return whole
	}
	if id, ok := t.vocab[nw.text]; ok {
		return []wordPieceOffset{{id: id, start: w.Start, end: w.End}}
	}

	token := nw.text
	var pieces []wordPieceOffset
	start := 0
	for start < len(token) {
		end := len(token)
		found := false
		for end > start {
			sub := token[start:end]
			if start > 0 {
				sub = t.continuation + sub
			}
			if id, ok := t.vocab[sub]; ok {
				p := wordPieceOffset{id: id, start: nw.srcStart[start], end: nw.srcEnd[end-1]}
				// a source rune that normalized to several bytes can be split
				// across pieces; keep offsets disjoint
				if n := len(pieces); n > 0 && p.start < pieces[n-1].end {
					p.start = min(pieces[n-1].end, p.end)
				}
				pieces = append(pieces, p)
				found = true
				break
			}
			end--
		}
		if !found {
			return whole
		}
		start = end
	}
	return pieces
}
