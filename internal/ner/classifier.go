package ner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/decode"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/labels"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/redact"
)

// ErrModelUnavailable is returned when the model directory cannot be loaded.
var ErrModelUnavailable = errors.New("token classification model unavailable")

const (
	defaultMaxLength    = 256
	defaultIntraThreads = 1
	defaultInterThreads = 1
)

// Prediction is the per-position classifier output for one text. The three
// slices are index-aligned; Scores may be shorter than Offsets.
type Prediction struct {
	Offsets   [][2]int
	TagIDs    []int
	Scores    [][]float32
	Truncated bool
}

// Options configures LoadClassifier.
type Options struct {
	ModelDir     string
	MaxLength    int
	Sessions     int
	IntraThreads int
	InterThreads int
	// Table overrides the labels read from the model directory.
	Table *labels.Table
}

// Classifier runs an exported token classification model through onnxruntime.
// It is safe for concurrent use; calls share a fixed pool of sessions.
type Classifier struct {
	tokenizer *WordPieceTokenizer
	table     *labels.Table
	seqLen    int
	numLabels int
	sessions  chan *session
}

type session struct {
	session       *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	output        *ort.Tensor[float32]
}

// LoadClassifier initializes onnxruntime and builds the session pool.
func LoadClassifier(opts Options) (*Classifier, error) {
	if strings.TrimSpace(opts.ModelDir) == "" {
		return nil, fmt.Errorf("%w: model dir is empty", ErrModelUnavailable)
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = defaultMaxLength
	}
	if opts.Sessions <= 0 {
		opts.Sessions = 1
	}
	if opts.IntraThreads <= 0 {
		opts.IntraThreads = defaultIntraThreads
	}
	if opts.InterThreads <= 0 {
		opts.InterThreads = defaultInterThreads
	}

	modelPath := resolveModelPath(opts.ModelDir)
	if modelPath == "" {
		return nil, fmt.Errorf("%w: no model.onnx under %s", ErrModelUnavailable, opts.ModelDir)
	}
	if _, err := VerifyModelDir(opts.ModelDir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	tokenizer, err := LoadTokenizerFromDir(opts.ModelDir)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	table := opts.Table
	if table == nil {
		table, err = labels.LoadFromModelDir(opts.ModelDir, labels.DefaultPIITypes)
		if err != nil {
			return nil, fmt.Errorf("load labels: %w", err)
		}
	}

	libPath := resolveSharedLibraryPath(opts.ModelDir)
	if libPath == "" {
		return nil, fmt.Errorf("%w: onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime", ErrModelUnavailable)
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model: %w", err)
	}
	outputName, err := selectOutputName(outputs)
	if err != nil {
		return nil, err
	}
	needsTokenType := false
	for _, in := range inputs {
		if in.Name == "token_type_ids" {
			needsTokenType = true
		}
	}

	c := &Classifier{
		tokenizer: tokenizer,
		table:     table,
		seqLen:    opts.MaxLength,
		numLabels: table.Len(),
		sessions:  make(chan *session, opts.Sessions),
	}
	for i := 0; i < opts.Sessions; i++ {
		ss, err := newSession(modelPath, c.seqLen, c.numLabels, opts.IntraThreads, opts.InterThreads, needsTokenType, outputName)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("create onnx session %d/%d: %w", i+1, opts.Sessions, err)
		}
		c.sessions <- ss
	}
	redact.Logf("ner: loaded %s labels=%d max_length=%d sessions=%d", filepath.Base(modelPath), c.numLabels, c.seqLen, opts.Sessions)
	return c, nil
}

// Labels returns the tag table the model was exported with.
func (c *Classifier) Labels() *labels.Table { return c.table }

// Classify tokenizes text, runs the model and returns per-position tag ids
// and raw logits. Text beyond MaxLength tokens is truncated.
func (c *Classifier) Classify(ctx context.Context, text string) (*Prediction, error) {
	if c == nil || c.sessions == nil {
		return nil, errors.New("classifier not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	enc := c.tokenizer.Encode(text, c.seqLen)

	var ss *session
	select {
	case ss = <-c.sessions:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { c.sessions <- ss }()

	fillPadded(ss.inputIDs.GetData(), enc.InputIDs, c.tokenizer.PadID())
	fillPadded(ss.attentionMask.GetData(), enc.AttentionMask, 0)
	if ss.tokenTypeIDs != nil {
		fillPadded(ss.tokenTypeIDs.GetData(), nil, 0)
	}
	if err := ss.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	pred := predictionFromLogits(ss.output.GetData(), c.numLabels, enc.Offsets)
	pred.Truncated = enc.Truncated
	return pred, nil
}

// Close releases all sessions. The classifier is unusable afterwards.
func (c *Classifier) Close() {
	if c == nil || c.sessions == nil {
		return
	}
	for {
		select {
		case ss := <-c.sessions:
			ss.destroy()
		default:
			c.sessions = nil
			return
		}
	}
}

func fillPadded(dst, src []int64, pad int64) {
	n := copy(dst, src)
	for i := n; i < len(dst); i++ {
		dst[i] = pad
	}
}

// predictionFromLogits slices the flat [seq, labels] logits into one row per
// encoded position and takes the argmax tag.
func predictionFromLogits(logits []float32, numLabels int, offsets [][2]int) *Prediction {
	pred := &Prediction{
		Offsets: offsets,
		TagIDs:  make([]int, len(offsets)),
	}
	if numLabels <= 0 {
		return pred
	}
	for i := range offsets {
		base := i * numLabels
		if base+numLabels > len(logits) {
			break
		}
		row := make([]float32, numLabels)
		copy(row, logits[base:base+numLabels])
		pred.Scores = append(pred.Scores, row)
		pred.TagIDs[i] = decode.Argmax(row)
	}
	return pred
}

func newSession(modelPath string, seqLen, numLabels, intraThr, interThr int, includeTokenType bool, outputName string) (*session, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(intraThr); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(interThr); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	ss := &session{}
	inputShape := ort.NewShape(1, int64(seqLen))
	if ss.inputIDs, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
		return nil, fmt.Errorf("allocate input_ids tensor: %w", err)
	}
	if ss.attentionMask, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
		ss.destroy()
		return nil, fmt.Errorf("allocate attention_mask tensor: %w", err)
	}
	inputNames := []string{"input_ids", "attention_mask"}
	inputValues := []ort.Value{ss.inputIDs, ss.attentionMask}
	if includeTokenType {
		if ss.tokenTypeIDs, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
			ss.destroy()
			return nil, fmt.Errorf("allocate token_type_ids tensor: %w", err)
		}
		inputNames = append(inputNames, "token_type_ids")
		inputValues = append(inputValues, ss.tokenTypeIDs)
	}
	if ss.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(seqLen), int64(numLabels))); err != nil {
		ss.destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	ss.session, err = ort.NewAdvancedSession(
		modelPath,
		inputNames,
		[]string{outputName},
		inputValues,
		[]ort.Value{ss.output},
		opts,
	)
	if err != nil {
		ss.destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return ss, nil
}

func (ss *session) destroy() {
	if ss.session != nil {
		_ = ss.session.Destroy()
	}
	for _, t := range []*ort.Tensor[int64]{ss.inputIDs, ss.attentionMask, ss.tokenTypeIDs} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	if ss.output != nil {
		_ = ss.output.Destroy()
	}
}

func selectOutputName(outputs []ort.InputOutputInfo) (string, error) {
	if len(outputs) == 0 {
		return "", fmt.Errorf("model has no outputs")
	}
	for _, out := range outputs {
		if strings.EqualFold(out.Name, "logits") {
			return out.Name, nil
		}
	}
	if len(outputs) == 1 {
		return outputs[0].Name, nil
	}
	names := make([]string, 0, len(outputs))
	for _, out := range outputs {
		names = append(names, out.Name)
	}
	return "", fmt.Errorf("multiple outputs found without logits: %v", names)
}

// resolveModelPath prefers a quantized export when one is present.
func resolveModelPath(dir string) string {
	for _, name := range []string{"model.int8.onnx", "model.onnx", filepath.Join("onnx", "model.onnx")} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func resolveSharedLibraryPath(modelDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"libonnxruntime.so",
		"onnxruntime.so",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelDir,
		filepath.Join(modelDir, "lib"),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}

	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
