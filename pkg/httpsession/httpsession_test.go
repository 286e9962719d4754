package httpsession

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionPlainHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := New(Config{BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, srv.URL, s.BaseURL())

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := s.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionDoAddsBearerAPIKeyWhenAbsent(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := New(Config{BaseURL: srv.URL, APIKey: "secret-token"})
	require.NoError(t, err)
	defer s.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := s.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestSessionDoKeepsExistingAuthorizationHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := New(Config{BaseURL: srv.URL, APIKey: "secret-token"})
	require.NoError(t, err)
	defer s.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer already-set")

	resp, err := s.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer already-set", gotAuth)
}

func TestNewSessionRequiresMatchingTLSFiles(t *testing.T) {
	_, err := New(Config{
		BaseURL: "https://example.invalid",
		TLS:     &TLSConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem", CAFile: "/nonexistent/ca.pem"},
	})
	assert.Error(t, err)
}

func TestScanSSEStreamsEventsIncrementally(t *testing.T) {
	body := "data: {\"token\":\"a\"}\n\ndata: {\"token\":\"b\"}\n\ndata: [DONE]\n\n"

	var events []SSEEvent
	err := ScanSSE(strings.NewReader(body), func(e SSEEvent) {
		events = append(events, e)
	})
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, `{"token":"a"}`, events[0].Data)
	assert.Equal(t, `{"token":"b"}`, events[1].Data)
	assert.False(t, events[0].At.After(events[1].At))
}

func TestScanSSEIgnoresNonDataLines(t *testing.T) {
	body := ": comment\nevent: message\ndata: {\"x\":1}\n\n"

	var events []SSEEvent
	err := ScanSSE(strings.NewReader(body), func(e SSEEvent) {
		events = append(events, e)
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, `{"x":1}`, events[0].Data)
}
