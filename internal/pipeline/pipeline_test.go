package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/config"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/labels"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/ner"
)

// fakeClassifier serves canned predictions keyed by text.
type fakeClassifier struct {
	mu    sync.Mutex
	preds map[string]*ner.Prediction
	err   error
}

func (f *fakeClassifier) Classify(ctx context.Context, text string) (*ner.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pred, ok := f.preds[text]
	if !ok {
		return &ner.Prediction{Offsets: [][2]int{{0, 0}, {0, 0}}, TagIDs: []int{0, 0}}, nil
	}
	return pred, nil
}

var table = labels.NewDefaultTable()

func tagID(t *testing.T, name string) int {
	t.Helper()
	for i, n := range table.Names() {
		if n == name {
			return i
		}
	}
	t.Fatalf("tag %s not in table", name)
	return -1
}

// tok is one text position: offsets plus its tag name.
type tok struct {
	start, end int
	tag        string
}

// predict builds a prediction with [CLS]/[SEP] sentinels and no scores.
func predict(t *testing.T, toks ...tok) *ner.Prediction {
	t.Helper()
	pred := &ner.Prediction{
		Offsets: [][2]int{{0, 0}},
		TagIDs:  []int{tagID(t, "O")},
	}
	for _, tk := range toks {
		pred.Offsets = append(pred.Offsets, [2]int{tk.start, tk.end})
		pred.TagIDs = append(pred.TagIDs, tagID(t, tk.tag))
	}
	pred.Offsets = append(pred.Offsets, [2]int{0, 0})
	pred.TagIDs = append(pred.TagIDs, tagID(t, "O"))
	return pred
}

// peaked returns a logits row whose softmax puts roughly p on id.
func peaked(id int, p float64) []float32 {
	row := make([]float32, table.Len())
	// with n-1 zeros and one logit x: p = e^x / (e^x + n-1)
	n := float64(table.Len())
	x := math.Log(p * (n - 1) / (1 - p))
	row[id] = float32(x)
	return row
}

func newPipeline(c Classifier, mut func(*Options)) *Pipeline {
	opts := Options{Table: table, Threshold: 0.5}
	if mut != nil {
		mut(&opts)
	}
	return New(c, opts)
}

func TestProcessEmail(t *testing.T) {
	text := "email bob@mail.com now"
	fc := &fakeClassifier{preds: map[string]*ner.Prediction{
		text: predict(t, tok{0, 5, "O"}, tok{6, 18, "B-EMAIL"}, tok{19, 22, "O"}),
	}}
	res, err := newPipeline(fc, nil).Process(context.Background(), Utterance{ID: "u1", Text: text})
	require.NoError(t, err)
	assert.Equal(t, "u1", res.ID)
	assert.Equal(t, []Entity{{Start: 6, End: 18, Label: "EMAIL", PII: true}}, res.Entities)
}

func TestProcessOffsetUnits(t *testing.T) {
	text := "José bob@mail.com"
	fc := &fakeClassifier{preds: map[string]*ner.Prediction{
		text: predict(t, tok{0, 5, "B-PERSON_NAME"}, tok{6, 18, "B-EMAIL"}),
	}}
	u := Utterance{ID: "u1", Text: text}

	res, err := newPipeline(fc, nil).Process(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, []Entity{
		{Start: 0, End: 4, Label: "PERSON_NAME", PII: true},
		{Start: 5, End: 17, Label: "EMAIL", PII: true},
	}, res.Entities)

	res, err = newPipeline(fc, func(o *Options) { o.OffsetUnit = config.OffsetUnitByte }).Process(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, []Entity{
		{Start: 0, End: 5, Label: "PERSON_NAME", PII: true},
		{Start: 6, End: 18, Label: "EMAIL", PII: true},
	}, res.Entities)
}

func TestProcessValidatorAndPIIFlag(t *testing.T) {
	text := "call nine from paris"
	fc := &fakeClassifier{preds: map[string]*ner.Prediction{
		text: predict(t,
			tok{0, 4, "O"},
			tok{5, 9, "B-PHONE"},
			tok{10, 14, "O"},
			tok{15, 20, "B-CITY"},
		),
	}}
	res, err := newPipeline(fc, nil).Process(context.Background(), Utterance{ID: "u1", Text: text})
	require.NoError(t, err)
	assert.Equal(t, []Entity{{Start: 15, End: 20, Label: "CITY", PII: false}}, res.Entities,
		"phone without digits is rejected; city is not pii")
}

func TestProcessConfidence(t *testing.T) {
	text := "john smith called"
	pred := predict(t, tok{0, 4, "B-PERSON_NAME"}, tok{5, 10, "I-PERSON_NAME"}, tok{11, 17, "O"})
	pred.Scores = make([][]float32, len(pred.Offsets))
	pred.Scores[1] = peaked(tagID(t, "B-PERSON_NAME"), 0.9)
	pred.Scores[2] = peaked(tagID(t, "I-PERSON_NAME"), 0.8)
	fc := &fakeClassifier{preds: map[string]*ner.Prediction{text: pred}}

	res, err := newPipeline(fc, func(o *Options) { o.IncludeConfidence = true }).
		Process(context.Background(), Utterance{ID: "u1", Text: text})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	require.NotNil(t, res.Entities[0].Confidence)
	assert.InDelta(t, 0.85, *res.Entities[0].Confidence, 1e-4)

	res, err = newPipeline(fc, func(o *Options) { o.Threshold = 0.9 }).
		Process(context.Background(), Utterance{ID: "u1", Text: text})
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
	assert.NotNil(t, res.Entities)
}

func TestProcessMissingScoresCountAsCertain(t *testing.T) {
	text := "john smith"
	pred := predict(t, tok{0, 4, "B-PERSON_NAME"}, tok{5, 10, "I-PERSON_NAME"})
	pred.Scores = [][]float32{make([]float32, table.Len())}
	fc := &fakeClassifier{preds: map[string]*ner.Prediction{text: pred}}

	res, err := newPipeline(fc, func(o *Options) {
		o.Threshold = 0.99
		o.IncludeConfidence = true
	}).Process(context.Background(), Utterance{ID: "u1", Text: text})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, 0, res.Entities[0].Start)
	assert.Equal(t, 10, res.Entities[0].End)
	assert.InDelta(t, 1.0, *res.Entities[0].Confidence, 1e-9)
}

func TestProcessTruncatedStreamFlushesOpenSpan(t *testing.T) {
	text := "my card is 4242 4242 4242 4242"
	pred := &ner.Prediction{
		Offsets: [][2]int{{0, 0}, {0, 2}, {3, 7}, {8, 10}, {11, 15}, {16, 20}},
		TagIDs: []int{
			tagID(t, "O"), tagID(t, "O"), tagID(t, "O"), tagID(t, "O"),
			tagID(t, "B-CREDIT_CARD"), tagID(t, "I-CREDIT_CARD"),
		},
		Truncated: true,
	}
	fc := &fakeClassifier{preds: map[string]*ner.Prediction{text: pred}}

	res, err := newPipeline(fc, nil).Process(context.Background(), Utterance{ID: "u1", Text: text})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, []Entity{{Start: 11, End: 20, Label: "CREDIT_CARD", PII: true}}, res.Entities)
}

func TestProcessUnknownTagIDIsOutside(t *testing.T) {
	text := "john smith"
	pred := predict(t, tok{0, 4, "B-PERSON_NAME"}, tok{5, 10, "I-PERSON_NAME"})
	pred.TagIDs[2] = 99
	fc := &fakeClassifier{preds: map[string]*ner.Prediction{text: pred}}

	res, err := newPipeline(fc, nil).Process(context.Background(), Utterance{ID: "u1", Text: text})
	require.NoError(t, err)
	assert.Equal(t, []Entity{{Start: 0, End: 4, Label: "PERSON_NAME", PII: true}}, res.Entities)
}

func TestProcessErrors(t *testing.T) {
	p := newPipeline(&fakeClassifier{}, nil)
	_, err := p.Process(context.Background(), Utterance{ID: "  ", Text: "hi"})
	assert.ErrorIs(t, err, ErrEmptyID)

	boom := errors.New("boom")
	p = newPipeline(&fakeClassifier{err: boom}, nil)
	_, err = p.Process(context.Background(), Utterance{ID: "u9", Text: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "u9")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newPipeline(&fakeClassifier{}, nil).Process(ctx, Utterance{ID: "u1", Text: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessIsDeterministic(t *testing.T) {
	text := "john smith at bob at mail dot com"
	pred := predict(t,
		tok{0, 4, "B-PERSON_NAME"}, tok{5, 10, "I-PERSON_NAME"}, tok{11, 13, "O"},
		tok{14, 17, "B-EMAIL"}, tok{18, 20, "I-EMAIL"}, tok{21, 25, "I-EMAIL"},
		tok{26, 29, "I-EMAIL"}, tok{30, 33, "I-EMAIL"},
	)
	fc := &fakeClassifier{preds: map[string]*ner.Prediction{text: pred}}
	p := newPipeline(fc, nil)
	u := Utterance{ID: "u1", Text: text}

	first, err := p.Process(context.Background(), u)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := p.Process(context.Background(), u)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Len(t, first.Entities, 2)
}

func TestExtractNilPrediction(t *testing.T) {
	p := newPipeline(&fakeClassifier{}, nil)
	ents := p.Extract("anything", nil)
	assert.NotNil(t, ents)
	assert.Empty(t, ents)
}

func TestProcessBatch(t *testing.T) {
	fc := &fakeClassifier{preds: map[string]*ner.Prediction{}}
	var utts []Utterance
	for i := 0; i < 20; i++ {
		text := fmt.Sprintf("call 555 01%02d", i)
		fc.preds[text] = predict(t, tok{0, 4, "O"}, tok{5, 8, "B-PHONE"}, tok{9, 13, "I-PHONE"})
		utts = append(utts, Utterance{ID: fmt.Sprintf("utt_%02d", i), Text: text})
	}
	utts = append(utts, Utterance{ID: "quiet", Text: "nothing here"})

	p := newPipeline(fc, func(o *Options) { o.Workers = 4 })
	got, err := p.ProcessBatch(context.Background(), utts)
	require.NoError(t, err)
	require.Len(t, got, 21)
	for _, u := range utts[:20] {
		assert.Equal(t, []Entity{{Start: 5, End: 13, Label: "PHONE", PII: true}}, got[u.ID], u.ID)
	}
	assert.NotNil(t, got["quiet"])
	assert.Empty(t, got["quiet"])

	results, err := p.ProcessAll(context.Background(), utts)
	require.NoError(t, err)
	for i, r := range results {
		assert.Equal(t, utts[i].ID, r.ID)
	}
}

func TestProcessBatchStopsOnError(t *testing.T) {
	p := newPipeline(&fakeClassifier{}, func(o *Options) { o.Workers = 2 })
	_, err := p.ProcessBatch(context.Background(), []Utterance{
		{ID: "a", Text: "x"},
		{ID: "", Text: "y"},
	})
	assert.ErrorIs(t, err, ErrEmptyID)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Decode.ConfidenceThreshold = 0.7
	cfg.Output.IncludeConfidence = true
	cfg.Model.Workers = 3

	opts := OptionsFromConfig(cfg, table, nil)
	assert.Equal(t, 0.7, opts.Threshold)
	assert.True(t, opts.IncludeConfidence)
	assert.Equal(t, config.OffsetUnitChar, opts.OffsetUnit)
	assert.Equal(t, 3, opts.Workers)
	assert.Same(t, table, opts.Table)
}
