package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/dataset"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/pipeline"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/sink"
)

func newPredictCmd() *cobra.Command {
	var (
		mf       modelFlags
		input    string
		output   string
		jsonlOut string
	)

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Extract entities from a JSONL file of utterances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if err := mf.apply(cmd, cfg); err != nil {
				return err
			}

			utts, err := dataset.ReadUtterancesFile(input)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, cleanup, err := buildPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := p.ProcessAll(ctx, utts)
			if err != nil {
				return err
			}
			if err := dataset.WritePredictionsFile(output, results); err != nil {
				return fmt.Errorf("write predictions: %w", err)
			}
			if jsonlOut != "" {
				if err := writeJSONL(ctx, jsonlOut, results); err != nil {
					return err
				}
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote predictions for %d utterances to %s\n", len(pipeline.ByID(results)), output)
			return err
		},
	}

	mf.register(cmd)
	cmd.Flags().StringVar(&input, "input", "data/dev_new.jsonl", "Input JSONL with id and text per line")
	cmd.Flags().StringVar(&output, "output", "out/dev_pred.json", "Output JSON mapping id to entities")
	cmd.Flags().StringVar(&jsonlOut, "jsonl-out", "", "Also write one result per line to this JSONL file")

	return cmd
}

func writeJSONL(ctx context.Context, path string, results []pipeline.Result) error {
	fs, err := sink.NewFileSink(path, true)
	if err != nil {
		return fmt.Errorf("jsonl output: %w", err)
	}
	for _, r := range results {
		if err := fs.Deliver(ctx, sink.NewEvent(r, sink.SourcePredict)); err != nil {
			_ = fs.Close(ctx)
			return fmt.Errorf("jsonl output: %w", err)
		}
	}
	return fs.Close(ctx)
}
