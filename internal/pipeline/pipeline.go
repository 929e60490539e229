// Package pipeline runs one utterance through the classifier and the decode
// stages, and fans batches out over a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/config"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/decode"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/labels"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/ner"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/redact"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/telemetry"
)

// ErrEmptyID is returned for utterances without an id.
var ErrEmptyID = errors.New("utterance id is empty")

// Classifier produces per-position tags for one text.
type Classifier interface {
	Classify(ctx context.Context, text string) (*ner.Prediction, error)
}

// Utterance is one input line.
type Utterance struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Entity is one validated span in output units.
type Entity struct {
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Label      string   `json:"label"`
	PII        bool     `json:"pii"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Result is the outcome for one utterance. Entities is never nil.
type Result struct {
	ID        string
	Entities  []Entity
	Truncated bool
}

// Options configures a Pipeline.
type Options struct {
	// Table resolves tag ids; nil uses labels.Default().
	Table *labels.Table
	// Threshold is the minimum mean span confidence. Zero keeps every span.
	Threshold         float64
	IncludeConfidence bool
	// OffsetUnit is config.OffsetUnitChar (default) or config.OffsetUnitByte.
	OffsetUnit string
	// Workers bounds ProcessBatch concurrency; values below 1 mean 1.
	Workers   int
	Telemetry *telemetry.Provider
}

// OptionsFromConfig maps the decode/output sections of cfg onto Options.
func OptionsFromConfig(cfg *config.Config, table *labels.Table, tel *telemetry.Provider) Options {
	return Options{
		Table:             table,
		Threshold:         cfg.Decode.ConfidenceThreshold,
		IncludeConfidence: cfg.Output.IncludeConfidence,
		OffsetUnit:        cfg.Output.OffsetUnit,
		Workers:           cfg.Model.Workers,
		Telemetry:         tel,
	}
}

// Pipeline is safe for concurrent use if its Classifier is.
type Pipeline struct {
	classifier Classifier
	table      *labels.Table
	decoder    decode.Decoder
	opts       Options
}

// New builds a pipeline around classifier.
func New(classifier Classifier, opts Options) *Pipeline {
	if opts.Table == nil {
		opts.Table = labels.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.OffsetUnit == "" {
		opts.OffsetUnit = config.OffsetUnitChar
	}
	return &Pipeline{
		classifier: classifier,
		table:      opts.Table,
		decoder:    decode.Decoder{Threshold: opts.Threshold},
		opts:       opts,
	}
}

// Labels returns the table used to resolve tag ids.
func (p *Pipeline) Labels() *labels.Table { return p.table }

// Process classifies u.Text and returns its validated entities ordered by start.
func (p *Pipeline) Process(ctx context.Context, u Utterance) (Result, error) {
	if strings.TrimSpace(u.ID) == "" {
		return Result{}, ErrEmptyID
	}

	ctx, span := p.opts.Telemetry.StartUtterance(ctx, map[string]interface{}{
		"utterance.id":    u.ID,
		"utterance.bytes": len(u.Text),
	})
	defer span.End()
	stats := telemetry.UtteranceStats{Outcome: "ok"}
	defer func() { p.opts.Telemetry.RecordUtterance(ctx, stats) }()

	start := time.Now()
	pred, err := p.classifier.Classify(ctx, u.Text)
	stats.ClassifyMs = millis(time.Since(start))
	if err != nil {
		stats.Outcome = "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			stats.Outcome = "canceled"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "classify failed")
		return Result{}, fmt.Errorf("classify %s: %w", u.ID, err)
	}

	decodeStart := time.Now()
	entities, candidates := p.extract(u.Text, pred)
	stats.DecodeMs = millis(time.Since(decodeStart))
	stats.Tokens = len(pred.Offsets)
	stats.Candidates = candidates
	stats.Accepted = len(entities)

	span.SetAttributes(
		attribute.Int("piiner.positions", len(pred.Offsets)),
		attribute.Int("piiner.candidates", candidates),
		attribute.Int("piiner.entities", len(entities)),
		attribute.Bool("piiner.truncated", pred.Truncated),
	)
	if pred.Truncated {
		redact.Logf("pipeline: utterance %s truncated at %d positions", u.ID, len(pred.Offsets))
	}
	return Result{ID: u.ID, Entities: entities, Truncated: pred.Truncated}, nil
}

// Extract runs the decode stages over an existing prediction. It never fails.
func (p *Pipeline) Extract(text string, pred *ner.Prediction) []Entity {
	entities, _ := p.extract(text, pred)
	return entities
}

func (p *Pipeline) extract(text string, pred *ner.Prediction) ([]Entity, int) {
	entities := make([]Entity, 0)
	if pred == nil {
		return entities, 0
	}
	tokens := decode.Align(pred.Offsets, pred.TagIDs, pred.Scores)
	spans := p.decoder.Decode(decode.Score(tokens, p.table))

	for _, sp := range spans {
		if !decode.ValidateSpan(text, sp) {
			continue
		}
		ent := Entity{
			Start: sp.Start,
			End:   sp.End,
			Label: string(sp.Type),
			PII:   p.table.IsPII(sp.Type),
		}
		if p.opts.OffsetUnit != config.OffsetUnitByte {
			ent.Start = utf8.RuneCountInString(text[:sp.Start])
			ent.End = ent.Start + utf8.RuneCountInString(text[sp.Start:sp.End])
		}
		if p.opts.IncludeConfidence {
			c := sp.Confidence
			ent.Confidence = &c
		}
		entities = append(entities, ent)
	}
	return entities, len(spans)
}

// ProcessAll runs utterances concurrently, at most Options.Workers at a time,
// and returns results in input order. The first error cancels the rest.
func (p *Pipeline) ProcessAll(ctx context.Context, utts []Utterance) ([]Result, error) {
	results := make([]Result, len(utts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, u := range utts {
		i, u := i, u
		g.Go(func() error {
			r, err := p.Process(gctx, u)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ProcessBatch is ProcessAll keyed by utterance id. A repeated id keeps the
// entities of its last occurrence.
func (p *Pipeline) ProcessBatch(ctx context.Context, utts []Utterance) (map[string][]Entity, error) {
	results, err := p.ProcessAll(ctx, utts)
	if err != nil {
		return nil, err
	}
	return ByID(results), nil
}

// ByID indexes results by utterance id.
func ByID(results []Result) map[string][]Entity {
	out := make(map[string][]Entity, len(results))
	for _, r := range results {
		out[r.ID] = r.Entities
	}
	return out
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
