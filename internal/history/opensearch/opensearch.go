// Package opensearch indexes history events into OpenSearch (or
// Elasticsearch) over its REST API and reads them back for `deployr history`.
package opensearch

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/deployr/internal/history"
)

// DefaultIndex is used when the DSN names none.
const DefaultIndex = "deploy-history"

type Options struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	// Monthly writes to {Index}-YYYY.MM by event time and searches {Index}-*.
	Monthly bool
	Timeout time.Duration
}

// Sink writes one document per event. Document ids are derived from the
// event, so a retried Send is answered with 409 and treated as success.
type Sink struct {
	client *http.Client
	opts   Options
}

func New(o Options) *Sink {
	if o.Index == "" {
		o.Index = DefaultIndex
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: o.Timeout}, opts: o}
}

func (s *Sink) indexFor(t time.Time) string {
	if !s.opts.Monthly {
		return s.opts.Index
	}
	return s.opts.Index + "-" + t.UTC().Format("2006.01")
}

func (s *Sink) searchIndex() string {
	if !s.opts.Monthly {
		return s.opts.Index
	}
	return s.opts.Index + "-*"
}

func docID(e history.Event) string {
	h := sha1.New() // #nosec G401 identifier, not a security boundary
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%d", e.Application, e.Environment, e.Host, e.Event, e.Step, e.OccurredAt.UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_create/%s", s.opts.BaseURL, s.indexFor(e.OccurredAt), docID(e))
	resp, err := s.do(ctx, http.MethodPut, u, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	return statusError("index", resp)
}

// Recent implements history.Lister. A missing index reads as no events.
func (s *Sink) Recent(ctx context.Context, application, environment string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	filters := []any{}
	if application != "" {
		filters = append(filters, map[string]any{"match_phrase": map[string]any{"application": application}})
	}
	if environment != "" {
		filters = append(filters, map[string]any{"match_phrase": map[string]any{"environment": environment}})
	}
	q := map[string]any{
		"size": limit,
		"sort": []any{map[string]any{"occurred_at": map[string]any{"order": "desc"}}},
		"query": map[string]any{
			"bool": map[string]any{"filter": filters},
		},
	}
	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/%s/_search?ignore_unavailable=true", s.opts.BaseURL, s.searchIndex())
	resp, err := s.do(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := statusError("search", resp); err != nil {
		return nil, err
	}

	var out struct {
		Hits struct {
			Hits []struct {
				Source history.Event `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("opensearch search: decode: %w", err)
	}
	events := make([]history.Event, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		events = append(events, h.Source)
	}
	return events, nil
}

func (s *Sink) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	return s.client.Do(req)
}

// statusError reports a non-2xx response with the start of its body, which
// is where OpenSearch puts the reason.
func statusError(op string, resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("opensearch %s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
