package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/config"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/redact"
)

// Stats is a point-in-time copy of emitter counters.
type Stats struct {
	Enqueued  uint64
	Dropped   uint64
	Delivered map[string]uint64
	Failed    map[string]uint64
}

// EmitterConfig controls worker and queue sizing.
type EmitterConfig struct {
	QueueSize       int
	Workers         int
	ShutdownTimeout time.Duration
}

// Emitter delivers events to sinks from background workers so request
// handlers never wait on a slow sink. Events are dropped when the queue is full.
type Emitter struct {
	queue           chan *Event
	sinks           []Sink
	shutdownTimeout time.Duration

	enqueued atomic.Uint64
	dropped  atomic.Uint64

	statsMu   sync.Mutex
	delivered map[string]uint64
	failed    map[string]uint64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewEmitter starts the workers.
func NewEmitter(cfg EmitterConfig, sinks []Sink) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}

	em := &Emitter{
		queue:           make(chan *Event, cfg.QueueSize),
		sinks:           sinks,
		shutdownTimeout: cfg.ShutdownTimeout,
		delivered:       make(map[string]uint64, len(sinks)),
		failed:          make(map[string]uint64, len(sinks)),
	}
	for i := 0; i < cfg.Workers; i++ {
		em.wg.Add(1)
		go em.worker()
	}
	return em
}

// Emit enqueues ev without blocking. A nil emitter discards events.
func (e *Emitter) Emit(ev *Event) {
	if e == nil || ev == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.dropped.Add(1)
		return
	}
	select {
	case e.queue <- ev:
		e.enqueued.Add(1)
	default:
		e.dropped.Add(1)
	}
}

// Close stops accepting events, waits up to the shutdown timeout for the
// queue to drain and closes every sink.
func (e *Emitter) Close(ctx context.Context) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(ctx, e.shutdownTimeout)
	defer cancel()

	select {
	case <-done:
	case <-waitCtx.Done():
		redact.Logf("sink: shutdown timeout, %d events still queued", len(e.queue))
	}

	for _, s := range e.sinks {
		if err := s.Close(waitCtx); err != nil {
			redact.Logf("sink: %s close error: %v", s.Name(), err)
		}
	}
}

// Stats copies the current counters.
func (e *Emitter) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	st := Stats{
		Enqueued: e.enqueued.Load(),
		Dropped:  e.dropped.Load(),
	}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	st.Delivered = make(map[string]uint64, len(e.delivered))
	for k, v := range e.delivered {
		st.Delivered[k] = v
	}
	st.Failed = make(map[string]uint64, len(e.failed))
	for k, v := range e.failed {
		st.Failed[k] = v
	}
	return st
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for ev := range e.queue {
		for _, s := range e.sinks {
			err := s.Deliver(context.Background(), ev)
			e.statsMu.Lock()
			if err != nil {
				e.failed[s.Name()]++
			} else {
				e.delivered[s.Name()]++
			}
			e.statsMu.Unlock()
			if err != nil {
				redact.Logf("sink: %s failed for %s: %v", s.Name(), ev.ID, err)
			}
		}
	}
}

// NewEmitterFromConfig builds the configured sinks and starts an emitter over
// them. It returns nil when no sink is configured.
func NewEmitterFromConfig(cfg config.SinksConfig) (*Emitter, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	var sinks []Sink
	if path := strings.TrimSpace(cfg.JSONLPath); path != "" {
		fs, err := NewFileSink(path, false)
		if err != nil {
			return nil, fmt.Errorf("jsonl sink: %w", err)
		}
		sinks = append(sinks, fs)
	}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		ws, err := NewWebhookSink(url, cfg.WebhookHeaders, time.Duration(cfg.WebhookTimeoutMs)*time.Millisecond)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close(context.Background())
			}
			return nil, fmt.Errorf("webhook sink: %w", err)
		}
		sinks = append(sinks, ws)
	}
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	redact.Logf("sink: forwarding results to %s", strings.Join(names, ", "))
	return NewEmitter(EmitterConfig{QueueSize: cfg.QueueSize, Workers: cfg.Workers}, sinks), nil
}
