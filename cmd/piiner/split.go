package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/dataset"
)

func newSplitCmd() *cobra.Command {
	var opts dataset.SplitOptions

	cmd := &cobra.Command{
		Use:   "split",
		Short: "Reshuffle train.jsonl into train_new.jsonl and dev_new.jsonl",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := dataset.SplitFiles(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Original train: %d examples\n", st.TrainIn)
			fmt.Fprintf(out, "Original dev: %d examples\n", st.DevIn)
			fmt.Fprintf(out, "New train: %d examples\n", st.TrainOut)
			fmt.Fprintf(out, "New dev: %d examples\n", st.DevOut)
			_, err = fmt.Fprintf(out, "Created: %s and %s\n", st.TrainPath, st.DevOutPath)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.TrainPath, "train", "data/train.jsonl", "Source training JSONL")
	cmd.Flags().StringVar(&opts.DevPath, "dev", "data/dev.jsonl", "Existing dev JSONL")
	cmd.Flags().StringVar(&opts.OutDir, "out-dir", "data", "Directory for train_new.jsonl and dev_new.jsonl")
	cmd.Flags().Int64Var(&opts.Seed, "seed", dataset.DefaultSplitSeed, "Shuffle seed")
	cmd.Flags().IntVar(&opts.TrainSize, "train-size", dataset.DefaultTrainSize, "Lines kept for training")

	return cmd
}
