package sink

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/config"
	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/pipeline"
)

func result(id string, ents ...pipeline.Entity) pipeline.Result {
	return pipeline.Result{ID: id, Entities: ents}
}

func TestFileSinkWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "preds.jsonl")
	sink, err := NewFileSink(path, true)
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(context.Background(), NewEvent(result("utt_1",
		pipeline.Entity{Start: 3, End: 9, Label: "PHONE", PII: true}), SourcePredict)))
	require.NoError(t, sink.Deliver(context.Background(), NewEvent(result("utt_2"), SourcePredict)))
	require.NoError(t, sink.Close(context.Background()))
	require.NoError(t, sink.Close(context.Background()), "close is idempotent")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "utt_1", first.ID)
	assert.Equal(t, SourcePredict, first.Source)
	assert.Equal(t, []pipeline.Entity{{Start: 3, End: 9, Label: "PHONE", PII: true}}, first.Entities)
	assert.Contains(t, lines[1], `"entities":[]`)
}

func TestFileSinkTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preds.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("stale\n"), 0o644))

	sink, err := NewFileSink(path, true)
	require.NoError(t, err)
	require.NoError(t, sink.Deliver(context.Background(), NewEvent(result("a"), SourcePredict)))
	require.NoError(t, sink.Close(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "stale")

	_, err = NewFileSink("", false)
	assert.Error(t, err)
}

func TestWebhookSinkHandlesNon2xx(t *testing.T) {
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("fail"))
	}))

	sink, err := NewWebhookSink(srv.URL, map[string]string{"X-Test": "1"}, 200*time.Millisecond)
	require.NoError(t, err)
	sink.backoffs = nil

	err = sink.Deliver(context.Background(), NewEvent(result("r1"), SourceServe))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 418")
}

func TestEmitterDropsWhenQueueFull(t *testing.T) {
	wait := make(chan struct{})
	bs := &blockingSink{wait: wait}
	em := NewEmitter(EmitterConfig{QueueSize: 1, Workers: 1, ShutdownTimeout: time.Second}, []Sink{bs})

	ev := NewEvent(result("r1"), SourceServe)
	em.Emit(ev)
	em.Emit(ev)
	em.Emit(ev)

	assert.NotZero(t, em.Stats().Dropped)

	close(wait)
	em.Close(context.Background())
	em.Emit(ev)
	assert.NotZero(t, em.Stats().Dropped)
}

func TestEmitterWebhookIntegration(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
	)
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			mu.Lock()
			received = append(received, ev)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))

	sink, err := NewWebhookSink(srv.URL, nil, time.Second)
	require.NoError(t, err)
	em := NewEmitter(EmitterConfig{QueueSize: 8, Workers: 1, ShutdownTimeout: time.Second}, []Sink{sink})

	for i := 0; i < 5; i++ {
		em.Emit(NewEvent(result("integration"), SourceServe))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 5
	}, 2*time.Second, 20*time.Millisecond)

	em.Close(context.Background())
	st := em.Stats()
	assert.Equal(t, uint64(5), st.Delivered[sink.Name()])
	assert.Zero(t, st.Dropped)
}

func TestNilEmitter(t *testing.T) {
	var em *Emitter
	em.Emit(NewEvent(result("x"), SourceServe))
	em.Close(context.Background())
	assert.Equal(t, Stats{}, em.Stats())
}

type blockingSink struct {
	wait chan struct{}
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Deliver(context.Context, *Event) error {
	<-s.wait
	return nil
}

func (s *blockingSink) Close(context.Context) error { return nil }

func newTestServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot open listener: %v", err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func TestNewEmitterFromConfig(t *testing.T) {
	em, err := NewEmitterFromConfig(config.SinksConfig{})
	require.NoError(t, err)
	assert.Nil(t, em)

	path := filepath.Join(t.TempDir(), "served.jsonl")
	em, err = NewEmitterFromConfig(config.SinksConfig{JSONLPath: path, QueueSize: 4, Workers: 1})
	require.NoError(t, err)
	require.NotNil(t, em)
	em.Emit(NewEvent(result("s1"), SourceServe))
	em.Close(context.Background())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"s1"`)
}
