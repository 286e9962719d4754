package promscrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfHostedTargetQueryParsesScalar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query", r.URL.Path)
		assert.Equal(t, "up", r.URL.Query().Get("query"))
		w.Write([]byte(`{"status":"success","data":{"result":[{"metric":{},"value":[1700000000,"0.125000"]}]}}`))
	}))
	defer srv.Close()

	target := NewSelfHostedTarget(srv.URL, nil)
	v, err := target.Query(context.Background(), "up", time.Now())
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.InDelta(t, 0.125, *v, 1e-9)
}

func TestSelfHostedTargetQueryEmptyResultReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"result":[]}}`))
	}))
	defer srv.Close()

	target := NewSelfHostedTarget(srv.URL, nil)
	v, err := target.Query(context.Background(), "up", time.Now())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSelfHostedTargetQueryErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	target := NewSelfHostedTarget(srv.URL, nil)
	_, err := target.Query(context.Background(), "up", time.Now())
	assert.Error(t, err)
}

func TestSelfHostedTargetFederateGroupsLinesByMetric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/federate", r.URL.Path)
		w.Write([]byte("# HELP vllm_requests_total total\n" +
			"# TYPE vllm_requests_total counter\n" +
			"vllm_requests_total{model=\"a\"} 5\n" +
			"vllm_requests_total{model=\"b\"} 7\n"))
	}))
	defer srv.Close()

	target := NewSelfHostedTarget(srv.URL, nil)
	out, err := target.Federate(context.Background(), []string{`job="vllm"`})
	require.NoError(t, err)
	require.Contains(t, out, "vllm_requests_total")
	assert.Contains(t, out["vllm_requests_total"], `vllm_requests_total{model="a"} 5`)
	assert.Contains(t, out["vllm_requests_total"], `vllm_requests_total{model="b"} 7`)
}
