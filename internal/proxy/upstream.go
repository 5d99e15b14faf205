// AngelaMos | 2026
// upstream.go

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/erisrwa/portal/internal/metrics"
)

const maxUpstreamBody = 4 << 20

// Upstream is one HTTP collaborator the portal forwards to.
type Upstream struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewUpstream(name, baseURL string, timeout time.Duration) *Upstream {
	return &Upstream{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Configured reports whether a base URL was set for this upstream.
func (u *Upstream) Configured() bool {
	return u != nil && u.baseURL != ""
}

type Reply struct {
	Status int
	Body   []byte
}

func (r *Reply) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Decode unmarshals the body into v. An empty body leaves v untouched.
func (r *Reply) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Do sends body as JSON and returns whatever the upstream answered. Only
// transport failures are errors; any HTTP status is a Reply.
func (u *Upstream) Do(
	ctx context.Context,
	method, path string,
	header http.Header,
	body any,
) (*Reply, error) {
	if !u.Configured() {
		return nil, fmt.Errorf("%s upstream: no base url configured", u.name)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s upstream: encode body: %w", u.name, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s upstream: build request: %w", u.name, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := u.client.Do(req)
	metrics.UpstreamDuration.WithLabelValues(u.name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(u.name, metrics.StatusClass(0)).Inc()
		return nil, fmt.Errorf("%s upstream: %w", u.name, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	metrics.UpstreamRequests.WithLabelValues(u.name, metrics.StatusClass(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, fmt.Errorf("%s upstream: read body: %w", u.name, err)
	}

	return &Reply{Status: resp.StatusCode, Body: data}, nil
}

func bearer(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
