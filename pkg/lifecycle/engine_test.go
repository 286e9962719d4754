package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kubernetes-sigs/inference-perf/pkg/httpsession"
	"github.com/kubernetes-sigs/inference-perf/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, srv *httptest.Server) *httpsession.Session {
	t.Helper()
	s, err := httpsession.New(httpsession.Config{BaseURL: srv.URL})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestEngineExecuteNonStreamingSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"text":"hello world"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`))
	}))
	defer srv.Close()

	e := NewEngine(Config{
		Session:  newTestSession(t, srv),
		Registry: NewSessionRegistry(nil),
		Logger:   zerolog.Nop(),
	})

	rec := e.Execute(context.Background(), types.Dispatch{
		Descriptor:    types.Concrete{API: types.APITypeCompletion, Prompt: "hi"},
		StageID:       1,
		ScheduledTime: time.Now(),
	})

	assert.Equal(t, types.OutcomeSuccess, rec.Outcome)
	require.NotNil(t, rec.OutputTokens)
	assert.Equal(t, uint32(2), *rec.OutputTokens)
	assert.False(t, rec.CompletionTime.Before(rec.DispatchTime))
}

func TestEngineExecuteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	e := NewEngine(Config{
		Session:  newTestSession(t, srv),
		Registry: NewSessionRegistry(nil),
		Logger:   zerolog.Nop(),
	})

	rec := e.Execute(context.Background(), types.Dispatch{
		Descriptor: types.Concrete{API: types.APITypeCompletion, Prompt: "hi"},
		StageID:    1,
	})

	assert.Equal(t, types.OutcomeServerError, rec.Outcome)
	assert.Contains(t, rec.ErrorDetail, "500")
}

func TestEngineExecuteClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e := NewEngine(Config{
		Session:  newTestSession(t, srv),
		Registry: NewSessionRegistry(nil),
		Logger:   zerolog.Nop(),
	})

	rec := e.Execute(context.Background(), types.Dispatch{
		Descriptor: types.Concrete{API: types.APITypeCompletion, Prompt: "hi"},
		StageID:    1,
	})

	assert.Equal(t, types.OutcomeClientError, rec.Outcome)
}

func TestEngineExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEngine(Config{
		Session:  newTestSession(t, srv),
		Registry: NewSessionRegistry(nil),
		Logger:   zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	rec := e.Execute(ctx, types.Dispatch{
		Descriptor: types.Concrete{API: types.APITypeCompletion, Prompt: "hi"},
		StageID:    1,
	})

	assert.Equal(t, types.OutcomeTimeout, rec.Outcome)
}

func TestEngineExecuteSendsIgnoreEOSFlag(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"choices":[{"text":"ok"}]}`))
	}))
	defer srv.Close()

	e := NewEngine(Config{
		Session:  newTestSession(t, srv),
		Registry: NewSessionRegistry(nil),
		Logger:   zerolog.Nop(),
	})

	e.Execute(context.Background(), types.Dispatch{
		Descriptor: types.Concrete{API: types.APITypeCompletion, Prompt: "hi", IgnoreEOS: true},
		StageID:    1,
	})

	require.Contains(t, body, "ignore_eos")
	assert.Equal(t, true, body["ignore_eos"])
}

func TestEngineExecuteSessionRequestTimeoutBoundsUnboundedContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := httpsession.New(httpsession.Config{BaseURL: srv.URL, RequestTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	e := NewEngine(Config{
		Session:  s,
		Registry: NewSessionRegistry(nil),
		Logger:   zerolog.Nop(),
	})

	rec := e.Execute(context.Background(), types.Dispatch{
		Descriptor: types.Concrete{API: types.APITypeCompletion, Prompt: "hi"},
		StageID:    1,
	})

	assert.Equal(t, types.OutcomeTimeout, rec.Outcome)
}

func TestEngineExecuteStreamingStampsTokenTimes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n"))
		flusher.Flush()
		time.Sleep(5 * time.Millisecond)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	e := NewEngine(Config{
		Session:   newTestSession(t, srv),
		Registry:  NewSessionRegistry(nil),
		Logger:    zerolog.Nop(),
		Streaming: true,
	})

	rec := e.Execute(context.Background(), types.Dispatch{
		Descriptor: types.Concrete{API: types.APITypeCompletion, Prompt: "hi"},
		StageID:    1,
	})

	require.Equal(t, types.OutcomeSuccess, rec.Outcome)
	require.NotNil(t, rec.FirstTokenTime)
	require.NotNil(t, rec.LastTokenTime)
	assert.False(t, rec.LastTokenTime.Before(*rec.FirstTokenTime))
}

func TestEngineExecuteUnresolvedDescriptorDrops(t *testing.T) {
	e := NewEngine(Config{Registry: NewSessionRegistry(nil), Logger: zerolog.Nop()})

	rec := e.Execute(context.Background(), types.Dispatch{
		Descriptor: types.LazyDescriptor{Index: 1},
		StageID:    1,
	})

	assert.Equal(t, types.OutcomeDispatchDropped, rec.Outcome)
}

func TestEngineExecuteSessionOrdering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"text":"ok"}]}`))
	}))
	defer srv.Close()

	registry := NewSessionRegistry(nil)
	e := NewEngine(Config{Session: newTestSession(t, srv), Registry: registry, Logger: zerolog.Nop()})

	session := &types.SessionHandle{ID: "s1", Round: 2}
	// pre-acquire round 1 to force round 2 to wait, then release shortly after.
	release, err := registry.Acquire(context.Background(), "s1", 1)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()

	start := time.Now()
	rec := e.Execute(context.Background(), types.Dispatch{
		Descriptor: types.Concrete{API: types.APITypeCompletion, Prompt: "hi", Session: session},
		StageID:    1,
	})

	assert.Equal(t, types.OutcomeSuccess, rec.Outcome)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
