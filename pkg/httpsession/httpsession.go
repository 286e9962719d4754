// Package httpsession owns one HTTP connection pool per worker and the
// low-level mechanics of sending requests to an OpenAI-compatible server
// and reading its response, including incremental server-sent-event
// streaming. No connection pool is ever shared between workers.
package httpsession

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// TLSConfig optionally configures mTLS against the target server. All
// three fields are required together, or all left empty for plain HTTP.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Config controls Session construction.
type Config struct {
	BaseURL             string
	TLS                 *TLSConfig
	MaxIdleConnsPerHost int
	DialTimeout         time.Duration
	RequestTimeout      time.Duration
	// APIKey, if set, is sent as a Bearer Authorization header on every
	// request that doesn't already carry one.
	APIKey string
}

// Session wraps one *http.Client dedicated to a single worker. Workers
// never share a Session; each worker goroutine builds its own so that a
// slow or broken connection in one worker's pool cannot starve another's.
type Session struct {
	client         *http.Client
	baseURL        string
	requestTimeout time.Duration
	apiKey         string
}

// New builds a Session from cfg.
func New(cfg Config) (*Session, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	maxIdle := cfg.MaxIdleConnsPerHost
	if maxIdle <= 0 {
		maxIdle = 64
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: maxIdle,
		DialContext: (&net.Dialer{
			Timeout: dialTimeout,
		}).DialContext,
	}

	if cfg.TLS != nil {
		tlsConfig, err := loadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("httpsession: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Session{
		client:         &http.Client{Transport: transport},
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		requestTimeout: cfg.RequestTimeout,
		apiKey:         cfg.APIKey,
	}, nil
}

func loadTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	caBytes, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("parse CA certificate %s", cfg.CAFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// BaseURL returns the configured target base URL.
func (s *Session) BaseURL() string {
	return s.baseURL
}

// RequestTimeout returns the per-request deadline configured for this
// session, or zero if none was set.
func (s *Session) RequestTimeout() time.Duration {
	return s.requestTimeout
}

// Do sends req using this session's connection pool, adding the
// configured API key as a bearer token if req carries no Authorization
// header of its own.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	if s.apiKey != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	return s.client.Do(req)
}

// Close idles out pooled connections. Call once the worker owning this
// session has no more descriptors to send.
func (s *Session) Close() {
	s.client.CloseIdleConnections()
}

// SSEEvent is one decoded "data: ..." line from a streamed response,
// stamped the instant its bytes were read off the wire.
type SSEEvent struct {
	Data string
	At   time.Time
}

// ScanSSE reads body incrementally, invoking onEvent for each "data: "
// line as soon as it arrives — never buffering the full stream first.
// This is what lets the lifecycle engine stamp first_token_time and
// last_token_time against real arrival times rather than a post-hoc
// parse. A "data:" line whose payload is exactly "[DONE]" ends the scan
// without error.
func ScanSSE(body io.Reader, onEvent func(SSEEvent)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		onEvent(SSEEvent{Data: data, At: time.Now()})
	}
	return scanner.Err()
}
