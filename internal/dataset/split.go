package dataset

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// Split defaults.
const (
	DefaultSplitSeed = 42
	DefaultTrainSize = 700
)

// SplitOptions locates the source files and the output directory.
type SplitOptions struct {
	TrainPath string
	DevPath   string
	OutDir    string
	Seed      int64
	TrainSize int
}

// SplitStats reports line counts before and after a split.
type SplitStats struct {
	TrainIn    int
	DevIn      int
	TrainOut   int
	DevOut     int
	TrainPath  string
	DevOutPath string
}

// Split shuffles train with seed and keeps the first trainSize lines; the rest
// are appended after dev. Inputs are not modified.
func Split(train, dev []string, seed int64, trainSize int) (newTrain, newDev []string) {
	shuffled := append([]string(nil), train...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	if trainSize < 0 {
		trainSize = 0
	}
	if trainSize > len(shuffled) {
		trainSize = len(shuffled)
	}
	newTrain = shuffled[:trainSize]
	newDev = append(append([]string(nil), dev...), shuffled[trainSize:]...)
	return newTrain, newDev
}

// SplitFiles reads TrainPath and DevPath, splits them and writes
// train_new.jsonl and dev_new.jsonl under OutDir.
func SplitFiles(opts SplitOptions) (SplitStats, error) {
	if opts.TrainSize == 0 {
		opts.TrainSize = DefaultTrainSize
	}
	if opts.OutDir == "" {
		opts.OutDir = filepath.Dir(opts.TrainPath)
	}
	train, err := ReadLines(opts.TrainPath)
	if err != nil {
		return SplitStats{}, fmt.Errorf("read train: %w", err)
	}
	dev, err := ReadLines(opts.DevPath)
	if err != nil {
		return SplitStats{}, fmt.Errorf("read dev: %w", err)
	}

	newTrain, newDev := Split(train, dev, opts.Seed, opts.TrainSize)
	st := SplitStats{
		TrainIn:    len(train),
		DevIn:      len(dev),
		TrainOut:   len(newTrain),
		DevOut:     len(newDev),
		TrainPath:  filepath.Join(opts.OutDir, "train_new.jsonl"),
		DevOutPath: filepath.Join(opts.OutDir, "dev_new.jsonl"),
	}
	if err := WriteLines(st.TrainPath, newTrain); err != nil {
		return st, err
	}
	if err := WriteLines(st.DevOutPath, newDev); err != nil {
		return st, err
	}
	return st, nil
}

// ReadLines returns the trimmed non-blank lines of path.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

// WriteLines writes each line followed by a newline.
func WriteLines(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := bw.WriteString(line + "\n"); err != nil {
			f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
