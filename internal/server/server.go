// Package server exposes the entity pipeline over HTTP.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/config"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/ner"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/pipeline"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/redact"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/sink"
)

const requestIDHeader = "X-Request-ID"

// Server wraps the HTTP routes around a pipeline.
type Server struct {
	mux      *http.ServeMux
	cfg      config.ServerConfig
	pipeline *pipeline.Pipeline
	emitter  *sink.Emitter
	results  *cache.Cache // nil when server.cache_ttl_seconds is 0
	started  time.Time
}

type cachedResult struct {
	entities  []pipeline.Entity
	truncated bool
}

// New registers the routes. emitter may be nil.
func New(cfg config.ServerConfig, p *pipeline.Pipeline, emitter *sink.Emitter) *Server {
	mux := http.NewServeMux()
	s := &Server{
		mux:      mux,
		cfg:      cfg,
		pipeline: p,
		emitter:  emitter,
		started:  time.Now(),
	}
	if cfg.CacheTTLSeconds > 0 {
		ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
		s.results = cache.New(ttl, 2*ttl)
	}

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/entities", s.handleEntities)
	mux.HandleFunc("/v1/entities/batch", s.handleBatch)
	return s
}

// Handler returns the root handler, instrumented with the global otel providers.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.mux, "piiner.http")
}

// Start serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		redact.Logf("piiner listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// --- Handlers ---

type healthResponse struct {
	Status        string  `json:"status"`
	Labels        int     `json:"labels"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Labels:        s.pipeline.Labels().Len(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	})
}

type entitiesRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type entitiesResponse struct {
	ID        string            `json:"id"`
	Entities  []pipeline.Entity `json:"entities"`
	Truncated bool              `json:"truncated,omitempty"`
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reqID := requestID(w, r)

	var body entitiesRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.ID) == "" {
		body.ID = reqID
	}

	res, err := s.process(r.Context(), pipeline.Utterance{ID: body.ID, Text: body.Text})
	if err != nil {
		s.writeProcessError(w, reqID, err)
		return
	}
	s.emitter.Emit(sink.NewEvent(res, sink.SourceServe))
	writeJSON(w, http.StatusOK, entitiesResponse{ID: res.ID, Entities: res.Entities, Truncated: res.Truncated})
}

// process consults the result cache before running the pipeline. Keys are
// text digests so no transcript text is held as a key.
func (s *Server) process(ctx context.Context, u pipeline.Utterance) (pipeline.Result, error) {
	if s.results == nil {
		return s.pipeline.Process(ctx, u)
	}
	sum := sha256.Sum256([]byte(u.Text))
	key := hex.EncodeToString(sum[:])
	if v, ok := s.results.Get(key); ok {
		hit := v.(cachedResult)
		return pipeline.Result{ID: u.ID, Entities: hit.entities, Truncated: hit.truncated}, nil
	}
	res, err := s.pipeline.Process(ctx, u)
	if err != nil {
		return res, err
	}
	s.results.Set(key, cachedResult{entities: res.Entities, truncated: res.Truncated}, cache.DefaultExpiration)
	return res, nil
}

type batchRequest struct {
	Utterances []entitiesRequest `json:"utterances"`
}

type batchResponse struct {
	Results []entitiesResponse `json:"results"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reqID := requestID(w, r)

	var body batchRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if len(body.Utterances) == 0 {
		writeError(w, http.StatusBadRequest, "utterances must not be empty", "invalid_request_error")
		return
	}
	if s.cfg.MaxBatch > 0 && len(body.Utterances) > s.cfg.MaxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, "too many utterances in batch", "invalid_request_error")
		return
	}

	utts := make([]pipeline.Utterance, len(body.Utterances))
	for i, u := range body.Utterances {
		if strings.TrimSpace(u.ID) == "" {
			u.ID = uuid.NewString()
		}
		utts[i] = pipeline.Utterance{ID: u.ID, Text: u.Text}
	}

	results, err := s.pipeline.ProcessAll(r.Context(), utts)
	if err != nil {
		s.writeProcessError(w, reqID, err)
		return
	}
	resp := batchResponse{Results: make([]entitiesResponse, len(results))}
	for i, res := range results {
		s.emitter.Emit(sink.NewEvent(res, sink.SourceServe))
		resp.Results[i] = entitiesResponse{ID: res.ID, Entities: res.Entities, Truncated: res.Truncated}
	}
	redact.Logf("server: request %s processed %d utterances", reqID, len(results))
	writeJSON(w, http.StatusOK, resp)
}

// decodeBody enforces the body limit and writes the error response itself.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if s.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request_error")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
		return false
	}
	return true
}

func (s *Server) writeProcessError(w http.ResponseWriter, reqID string, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request canceled", "timeout_error")
	case errors.Is(err, ner.ErrModelUnavailable):
		writeError(w, http.StatusServiceUnavailable, "model unavailable", "model_error")
	default:
		redact.Logf("server: request %s failed: %v", reqID, err)
		writeError(w, http.StatusInternalServerError, "entity extraction failed", "inference_error")
	}
}

// requestID reuses the caller's X-Request-ID or assigns one, and echoes it.
func requestID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, id)
	return id
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(w http.ResponseWriter, status int, message, typ string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: typ}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		redact.Logf("server: write response: %v", err)
	}
}
