package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/config"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/labels"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/ner"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/pipeline"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/redact"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/telemetry"
)

var version = "dev"

var (
	cfgFile   string
	activeCfg *config.Config
)

// NewRootCmd builds the piiner command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "piiner",
		Short:         "PII entity recognition for noisy speech transcripts",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			activeCfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "piiner.yaml", "Path to config file (missing file means defaults)")

	cmd.AddCommand(newPredictCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSplitCmd())
	cmd.AddCommand(newLabelsCmd())
	cmd.AddCommand(newBenchCmd())
	cmd.AddCommand(newReceiveCmd())

	return cmd
}

func requireConfig() (*config.Config, error) {
	if activeCfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return activeCfg, nil
}

// modelFlags are shared by every command that runs the model.
type modelFlags struct {
	modelDir          string
	maxLength         int
	workers           int
	threshold         float64
	includeConfidence bool
	offsetUnit        string
}

func (f *modelFlags) register(cmd *cobra.Command) {
	def := config.Default()
	cmd.Flags().StringVar(&f.modelDir, "model-dir", def.Model.Dir, "Exported model directory")
	cmd.Flags().IntVar(&f.maxLength, "max-length", def.Model.MaxLength, "Token budget per utterance incl. special tokens")
	cmd.Flags().IntVar(&f.workers, "workers", def.Model.Workers, "Concurrent utterances and model sessions")
	cmd.Flags().Float64Var(&f.threshold, "confidence-threshold", def.Decode.ConfidenceThreshold, "Minimum mean span confidence")
	cmd.Flags().BoolVar(&f.includeConfidence, "include-confidence", false, "Add span confidence to output records")
	cmd.Flags().StringVar(&f.offsetUnit, "offset-unit", def.Output.OffsetUnit, "Output offset unit: char or byte")
}

// apply overlays flags the user actually set, then validates.
func (f *modelFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("model-dir") {
		cfg.Model.Dir = f.modelDir
	}
	if cmd.Flags().Changed("max-length") {
		cfg.Model.MaxLength = f.maxLength
	}
	if cmd.Flags().Changed("workers") {
		cfg.Model.Workers = f.workers
	}
	if cmd.Flags().Changed("confidence-threshold") {
		cfg.Decode.ConfidenceThreshold = f.threshold
	}
	if cmd.Flags().Changed("include-confidence") {
		cfg.Output.IncludeConfidence = f.includeConfidence
	}
	if cmd.Flags().Changed("offset-unit") {
		cfg.Output.OffsetUnit = f.offsetUnit
	}
	return config.Validate(cfg)
}

// loadTable reads the label table from the model directory and installs it
// process-wide. A directory without label metadata gets the stock table.
func loadTable(cfg *config.Config) *labels.Table {
	table, err := labels.LoadFromModelDir(cfg.Model.Dir, cfg.PIITypes())
	if err != nil {
		redact.Logf("labels: %v; using default label set", err)
		table, err = labels.NewTable(labels.DefaultTagNames(labels.DefaultEntityTypes), cfg.PIITypes())
		if err != nil {
			table = labels.NewDefaultTable()
		}
	}
	labels.Init(table)
	return labels.Default()
}

// buildPipeline wires telemetry, labels and the ONNX classifier. The returned
// cleanup must be called once the pipeline is no longer used.
func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline.Pipeline, func(), error) {
	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  "piiner",
		Version:  version,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: %w", err)
	}

	table := loadTable(cfg)
	classifier, err := ner.LoadClassifier(ner.Options{
		ModelDir:     cfg.Model.Dir,
		MaxLength:    cfg.Model.MaxLength,
		Sessions:     cfg.Model.Workers,
		IntraThreads: cfg.Model.IntraThreads,
		InterThreads: cfg.Model.InterThreads,
		Table:        table,
	})
	if err != nil {
		tel.Shutdown(ctx)
		return nil, nil, err
	}

	p := pipeline.New(classifier, pipeline.OptionsFromConfig(cfg, table, tel))
	cleanup := func() {
		classifier.Close()
		tel.Shutdown(context.Background())
	}
	return p, cleanup, nil
}
