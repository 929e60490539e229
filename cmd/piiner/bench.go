package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/pipeline"
)

func newBenchCmd() *cobra.Command {
	var (
		mf     modelFlags
		n      int
		warmup int
		text   string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure per-utterance latency of the full pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if err := mf.apply(cmd, cfg); err != nil {
				return err
			}

			ctx := context.Background()
			p, cleanup, err := buildPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			u := pipeline.Utterance{ID: "bench", Text: text}
			for i := 0; i < warmup; i++ {
				if _, err := p.Process(ctx, u); err != nil {
					return fmt.Errorf("warmup: %w", err)
				}
			}

			if n <= 0 {
				n = 1
			}
			durations := make([]time.Duration, 0, n)
			for i := 0; i < n; i++ {
				start := time.Now()
				if _, err := p.Process(ctx, u); err != nil {
					return fmt.Errorf("process: %w", err)
				}
				durations = append(durations, time.Since(start))
			}

			st := summarize(durations)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "bench: n=%d avg_ms=%.2f p50_ms=%.2f p95_ms=%.2f max_length=%d model_dir=%s\n",
				len(durations), st.avg, st.p50, st.p95, cfg.Model.MaxLength, cfg.Model.Dir)
			return err
		},
	}

	mf.register(cmd)
	cmd.Flags().IntVar(&n, "n", 200, "Number of timed iterations")
	cmd.Flags().IntVar(&warmup, "warmup", 5, "Untimed iterations before measuring")
	cmd.Flags().StringVar(&text, "text", "my email is john dot smith at gmail dot com and my number is nine eight seven six five four three two one zero",
		"Utterance text to process")

	return cmd
}

type latencyStats struct {
	avg, p50, p95 float64
}

// summarize sorts durations in place and reports milliseconds.
func summarize(durations []time.Duration) latencyStats {
	if len(durations) == 0 {
		return latencyStats{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000.0 }
	return latencyStats{
		avg: ms(total) / float64(len(durations)),
		p50: ms(durations[len(durations)/2]),
		p95: ms(durations[int(float64(len(durations))*0.95)]),
	}
}
