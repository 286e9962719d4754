package promscrape

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Target executes a single instant PromQL query against a Prometheus
// surface and returns its scalar result, or nil if the query returned no
// series.
type Target interface {
	Query(ctx context.Context, query string, evalTime time.Time) (*float64, error)
}

// FederateTarget additionally supports the bulk /federate raw export,
// used as a cheaper alternative to one query per metric. Self-hosted
// Prometheus supports it; Google Managed Prometheus does not.
type FederateTarget interface {
	Federate(ctx context.Context, filters []string) (map[string]string, error)
}

type promResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Value []any `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

func parseInstantResult(body []byte) (*float64, error) {
	var parsed promResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("promscrape: decoding response: %w", err)
	}
	if parsed.Status != "success" {
		return nil, fmt.Errorf("promscrape: query status %q", parsed.Status)
	}
	if len(parsed.Data.Result) == 0 || len(parsed.Data.Result[0].Value) < 2 {
		return nil, nil
	}
	s, ok := parsed.Data.Result[0].Value[1].(string)
	if !ok {
		return nil, fmt.Errorf("promscrape: unexpected value shape %v", parsed.Data.Result[0].Value[1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("promscrape: parsing value %q: %w", s, err)
	}
	v = roundTo(v, 6)
	return &v, nil
}

func roundTo(v float64, places int) float64 {
	mul := 1.0
	for i := 0; i < places; i++ {
		mul *= 10
	}
	return float64(int64(v*mul+0.5)) / mul
}

// SelfHostedTarget queries a plain Prometheus (or Prometheus-compatible)
// server's HTTP API directly, with no credential signing.
type SelfHostedTarget struct {
	BaseURL string
	Client  *http.Client
}

// NewSelfHostedTarget builds a SelfHostedTarget against baseURL,
// defaulting to http.DefaultClient when client is nil.
func NewSelfHostedTarget(baseURL string, client *http.Client) *SelfHostedTarget {
	if client == nil {
		client = http.DefaultClient
	}
	return &SelfHostedTarget{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

// Query runs query against /api/v1/query evaluated at evalTime.
func (t *SelfHostedTarget) Query(ctx context.Context, query string, evalTime time.Time) (*float64, error) {
	values := url.Values{
		"query": {query},
		"time":  {strconv.FormatFloat(float64(evalTime.UnixNano())/1e9, 'f', -1, 64)},
	}
	body, err := t.get(ctx, t.BaseURL+"/api/v1/query", values)
	if err != nil {
		return nil, err
	}
	return parseInstantResult(body)
}

// Federate fetches the raw text exposition of the metrics matching
// filters from /federate, grouping lines by metric name the way the
// original's collect_raw_metrics does.
func (t *SelfHostedTarget) Federate(ctx context.Context, filters []string) (map[string]string, error) {
	match := "{" + strings.Join(filters, ",") + "}"
	body, err := t.get(ctx, t.BaseURL+"/federate", url.Values{"match[]": {match}})
	if err != nil {
		return nil, err
	}

	lines := map[string][]string{}
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var name string
		if strings.HasPrefix(line, "#") {
			parts := strings.SplitN(line, " ", 4)
			if len(parts) < 3 {
				continue
			}
			name = parts[2]
		} else {
			name = strings.SplitN(strings.SplitN(line, "{", 2)[0], " ", 2)[0]
		}
		lines[name] = append(lines[name], line)
	}

	out := make(map[string]string, len(lines))
	for k, v := range lines {
		out[k] = strings.Join(v, "\n") + "\n"
	}
	return out, nil
}

func (t *SelfHostedTarget) get(ctx context.Context, rawURL string, values url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("promscrape: %s returned status %d", rawURL, resp.StatusCode)
	}
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	return buf, nil
}

// GoogleManagedTarget queries a Google Managed Prometheus workspace,
// signing every request with an ambient GCE/ADC-derived token rather
// than a static bearer token. /federate is not exposed by GMP, so this
// target implements only Target, not FederateTarget — callers must fall
// back to one instant query per catalog entry.
// Grounded on google_managed_prometheus_client.py's credential-refresh
// loop and the GoogleCloudPlatform/prometheus-engine example's
// ComputeTokenSource-backed signing in pkg/export/gce_token_source.go.
type GoogleManagedTarget struct {
	baseURL     string
	client      *http.Client
	tokenSource oauth2.TokenSource
}

// NewGoogleManagedTarget builds a GoogleManagedTarget for the given GCP
// project, using Application Default Credentials for signing. It
// returns an error if no ambient credentials are discoverable, matching
// the original's fail-fast behavior in google.auth.default().
func NewGoogleManagedTarget(ctx context.Context, projectID string, client *http.Client) (*GoogleManagedTarget, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if projectID == "" {
		if !metadata.OnGCE() {
			return nil, fmt.Errorf("promscrape: projectID required when not running on GCE")
		}
		discovered, err := metadata.ProjectIDWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("promscrape: discovering project ID from metadata server: %w", err)
		}
		projectID = discovered
	}

	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/monitoring.read")
	if err != nil {
		return nil, fmt.Errorf("promscrape: finding default credentials: %w", err)
	}

	return &GoogleManagedTarget{
		baseURL:     fmt.Sprintf("https://monitoring.googleapis.com/v1/projects/%s/location/global/prometheus", projectID),
		client:      client,
		tokenSource: creds.TokenSource,
	}, nil
}

// Query runs query against GMP's PromQL-compatible instant query
// endpoint, signing the request with a freshly refreshed token.
func (t *GoogleManagedTarget) Query(ctx context.Context, query string, evalTime time.Time) (*float64, error) {
	token, err := t.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("promscrape: refreshing token: %w", err)
	}

	values := url.Values{
		"query": {query},
		"time":  {strconv.FormatFloat(float64(evalTime.UnixNano())/1e9, 'f', -1, 64)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/api/v1/query?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("promscrape: GMP query returned status %d", resp.StatusCode)
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	return parseInstantResult(buf)
}
