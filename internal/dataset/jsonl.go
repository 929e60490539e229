// Package dataset reads utterance JSONL files and writes prediction files.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/pipeline"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 4 << 20

// ReadUtterances parses one {"id","text"} object per line. Blank lines are
// skipped; any other malformed line is an error naming its line number.
func ReadUtterances(r io.Reader) ([]pipeline.Utterance, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var out []pipeline.Utterance
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var u pipeline.Utterance
		if err := json.Unmarshal(line, &u); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if strings.TrimSpace(u.ID) == "" {
			return nil, fmt.Errorf("line %d: %w", lineNo, pipeline.ErrEmptyID)
		}
		out = append(out, u)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return out, nil
}

// ReadUtterancesFile opens path and calls ReadUtterances.
func ReadUtterancesFile(path string) ([]pipeline.Utterance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	utts, err := ReadUtterances(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return utts, nil
}

// WritePredictions writes {id: [entities...]} indented by two spaces with
// non-ASCII text left unescaped. Keys keep the order in which ids first appear;
// a repeated id takes the entities of its last result.
func WritePredictions(w io.Writer, results []pipeline.Result) error {
	var order []string
	byID := make(map[string][]pipeline.Entity, len(results))
	for _, r := range results {
		if _, seen := byID[r.ID]; !seen {
			order = append(order, r.ID)
		}
		ents := r.Entities
		if ents == nil {
			ents = []pipeline.Entity{}
		}
		byID[r.ID] = ents
	}

	bw := bufio.NewWriter(w)
	if len(order) == 0 {
		if _, err := bw.WriteString("{}\n"); err != nil {
			return err
		}
		return bw.Flush()
	}
	if _, err := bw.WriteString("{\n"); err != nil {
		return err
	}
	for i, id := range order {
		key, err := encode(id, "")
		if err != nil {
			return fmt.Errorf("encode id %q: %w", id, err)
		}
		val, err := encode(byID[id], "  ")
		if err != nil {
			return fmt.Errorf("encode entities for %q: %w", id, err)
		}
		sep := ",\n"
		if i == len(order)-1 {
			sep = "\n"
		}
		if _, err := fmt.Fprintf(bw, "  %s: %s%s", key, val, sep); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("}\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// WritePredictionsFile creates parent directories and writes the file.
func WritePredictionsFile(path string, results []pipeline.Result) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dirs: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WritePredictions(f, results); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encode(v any, prefix string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if prefix != "" {
		enc.SetIndent(prefix, "  ")
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
