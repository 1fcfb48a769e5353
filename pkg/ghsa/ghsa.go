// Package ghsa pages through GitHub Security Advisories over the GraphQL API.
// Cursor pagination is server-driven, so the iterator is strictly sequential;
// it still routes every call through the shared rate-limited pool so token
// budgets are honored.
package ghsa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vulnmirror/pkg/nvd"
	"vulnmirror/pkg/ratemeter"
	"vulnmirror/pkg/requester"
)

// DefaultEndpoint is the GitHub GraphQL API URL.
const DefaultEndpoint = "https://api.github.com/graphql"

const defaultPageSize = 100

// ErrExhausted is returned by Next once the advisory stream is drained.
var ErrExhausted = errors.New("ghsa: iterator exhausted")

// StatusError reports a non-200 response that terminated the iterator.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// AdvisoryRecord is one advisory node. Raw preserves the full node verbatim.
type AdvisoryRecord struct {
	GhsaID    string
	Published time.Time
	Updated   time.Time
	Raw       json.RawMessage
}

// PageBatch is one decoded advisory page.
type PageBatch struct {
	Records         []*AdvisoryRecord
	TotalAvailable  int
	ServerTimestamp time.Time
}

const advisoriesQuery = `query($first: Int!, $after: String, $updatedSince: DateTime, $publishedSince: DateTime, $classifications: [SecurityAdvisoryClassification!]) {
  securityAdvisories(first: $first, after: $after, updatedSince: $updatedSince, publishedSince: $publishedSince, classifications: $classifications, orderBy: {field: UPDATED_AT, direction: ASC}) {
    totalCount
    pageInfo { hasNextPage endCursor }
    nodes {
      ghsaId
      summary
      description
      severity
      classification
      origin
      permalink
      publishedAt
      updatedAt
      withdrawnAt
      identifiers { type value }
      references { url }
      cvss { score vectorString }
      cwes(first: 10) { nodes { cweId name } }
    }
  }
}`

// Config describes one advisory fetch.
type Config struct {
	Token    string
	Endpoint string
	// Delay between consecutive requests. Defaults to 1s.
	Delay      time.Duration
	MaxRetries int
	// PageSize defaults to 100 (the GraphQL maximum).
	PageSize int

	UpdatedSince   time.Time
	PublishedSince time.Time
	// Classifications is a comma-separated list, e.g. "GENERAL,MALWARE".
	Classifications string

	Observe func(status int, err error)
	Meter   *ratemeter.Meter
}

type iterState int

const (
	stateFresh iterState = iota
	stateStreaming
	stateDrained
	stateTerminated
	stateClosed
)

// Iterator walks the advisory stream. Same consumer contract as the NVD
// iterator: HasNext/Next/Close, single consumer.
type Iterator struct {
	cfg  Config
	pool *requester.Pool

	state      iterState
	cursor     string
	totalCount int
	lastStatus int
	lastSeen   time.Time
}

// NewIterator builds a sequential advisory iterator.
func NewIterator(cfg Config) *Iterator {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 1 * time.Second
	}
	if cfg.PageSize <= 0 || cfg.PageSize > defaultPageSize {
		cfg.PageSize = defaultPageSize
	}
	meter := cfg.Meter
	if meter == nil {
		// GitHub allows far more than NVD; the meter mostly guards bursts.
		meter, _ = ratemeter.New(100, time.Minute)
	}
	pool := requester.NewPool(meter, requester.Config{
		Workers:    1,
		Delay:      cfg.Delay,
		MaxRetries: cfg.MaxRetries,
		Observe:    cfg.Observe,
	})
	return &Iterator{cfg: cfg, pool: pool}
}

// TotalResults is the server-reported advisory count, known after the first
// page.
func (it *Iterator) TotalResults() int { return it.totalCount }

// LastUpdated is the updatedAt of the newest advisory seen.
func (it *Iterator) LastUpdated() time.Time { return it.lastSeen }

// LastStatusCode is the most recent non-200 status, or 0.
func (it *Iterator) LastStatusCode() int { return it.lastStatus }

// HasNext reports whether another page is available.
func (it *Iterator) HasNext() bool {
	return it.state == stateFresh || it.state == stateStreaming
}

// Next fetches and decodes the next advisory page.
func (it *Iterator) Next(ctx context.Context) (*PageBatch, error) {
	if !it.HasNext() {
		return nil, ErrExhausted
	}

	req, err := it.buildRequest(ctx)
	if err != nil {
		it.state = stateTerminated
		return nil, err
	}
	f := it.pool.Submit(ctx, req, nil)
	select {
	case <-f.Done():
	case <-ctx.Done():
		f.Cancel()
		it.state = stateTerminated
		return nil, ctx.Err()
	}

	res := f.Result()
	if res.Err != nil {
		it.state = stateTerminated
		return nil, res.Err
	}
	if res.StatusCode != http.StatusOK {
		it.lastStatus = res.StatusCode
		it.state = stateTerminated
		return nil, &StatusError{Code: res.StatusCode}
	}

	batch, hasNext, cursor, err := it.decode(res.Body)
	if err != nil {
		it.state = stateTerminated
		return nil, err
	}
	it.cursor = cursor
	if hasNext {
		it.state = stateStreaming
	} else {
		it.state = stateDrained
	}
	return batch, nil
}

// Close releases the pool. Idempotent.
func (it *Iterator) Close() {
	if it.state == stateClosed {
		return
	}
	it.pool.Close()
	it.state = stateClosed
}

func (it *Iterator) buildRequest(ctx context.Context) (*http.Request, error) {
	vars := map[string]any{
		"first": it.cfg.PageSize,
	}
	if it.cursor != "" {
		vars["after"] = it.cursor
	}
	if !it.cfg.UpdatedSince.IsZero() {
		vars["updatedSince"] = it.cfg.UpdatedSince.UTC().Format(time.RFC3339)
	}
	if !it.cfg.PublishedSince.IsZero() {
		vars["publishedSince"] = it.cfg.PublishedSince.UTC().Format(time.RFC3339)
	}
	if it.cfg.Classifications != "" {
		var cls []string
		for _, c := range strings.Split(it.cfg.Classifications, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cls = append(cls, strings.ToUpper(c))
			}
		}
		vars["classifications"] = cls
	}

	payload, err := json.Marshal(map[string]any{
		"query":     advisoriesQuery,
		"variables": vars,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+it.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

type gqlResponse struct {
	Data struct {
		SecurityAdvisories struct {
			TotalCount int `json:"totalCount"`
			PageInfo   struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
			Nodes []json.RawMessage `json:"nodes"`
		} `json:"securityAdvisories"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type nodeProbe struct {
	GhsaID      string `json:"ghsaId"`
	PublishedAt string `json:"publishedAt"`
	UpdatedAt   string `json:"updatedAt"`
}

func (it *Iterator) decode(body []byte) (*PageBatch, bool, string, error) {
	var resp gqlResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, "", fmt.Errorf("failed to parse GHSA response: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, false, "", fmt.Errorf("GHSA query failed: %s", resp.Errors[0].Message)
	}

	sa := resp.Data.SecurityAdvisories
	it.totalCount = sa.TotalCount

	recs := make([]*AdvisoryRecord, 0, len(sa.Nodes))
	for _, raw := range sa.Nodes {
		var p nodeProbe
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, false, "", fmt.Errorf("failed to parse advisory node: %w", err)
		}
		rec := &AdvisoryRecord{GhsaID: p.GhsaID, Raw: raw}
		if p.PublishedAt != "" {
			if t, err := nvd.ParseTimestamp(p.PublishedAt); err == nil {
				rec.Published = t
			}
		}
		if p.UpdatedAt != "" {
			if t, err := nvd.ParseTimestamp(p.UpdatedAt); err == nil {
				rec.Updated = t
			}
		}
		if rec.Updated.After(it.lastSeen) {
			it.lastSeen = rec.Updated
		}
		recs = append(recs, rec)
	}

	batch := &PageBatch{
		Records:         recs,
		TotalAvailable:  sa.TotalCount,
		ServerTimestamp: it.lastSeen,
	}
	return batch, sa.PageInfo.HasNextPage, sa.PageInfo.EndCursor, nil
}
