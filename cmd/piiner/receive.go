package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/redact"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/sink"
)

const maxReceiveBytes = 1 << 20

func newReceiveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Run a local webhook receiver that logs forwarded results",
		RunE: func(_ *cobra.Command, _ []string) error {
			mux := http.NewServeMux()
			mux.HandleFunc("/", handleReceive)

			srv := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			redact.Logf("receiver listening on %s (POST result events to any path)", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8099", "Listen address")
	return cmd
}

func handleReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReceiveBytes))
	_ = r.Body.Close()
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var ev sink.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}
	labels := make([]string, 0, len(ev.Entities))
	for _, e := range ev.Entities {
		labels = append(labels, fmt.Sprintf("%s[%d:%d]", e.Label, e.Start, e.End))
	}
	redact.Logf("received %s event id=%s entities=%d %v", ev.Source, ev.ID, len(ev.Entities), labels)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, `{"status":"ok"}`)
}
