package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/config"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/server"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/sink"
)

func newServeCmd() *cobra.Command {
	var (
		mf   modelFlags
		addr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the entity extraction HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if err := mf.apply(cmd, cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, cleanup, err := buildPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			emitter, err := sink.NewEmitterFromConfig(cfg.Sinks)
			if err != nil {
				return err
			}
			defer emitter.Close(context.Background())

			return server.New(cfg.Server, p, emitter).Start(ctx, cfg.Server.Addr)
		},
	}

	mf.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", config.Default().Server.Addr, "HTTP listen address")

	return cmd
}
