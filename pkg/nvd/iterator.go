package nvd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"vulnmirror/pkg/ratemeter"
	"vulnmirror/pkg/requester"
)

// DefaultEndpoint is the NVD CVE API 2.0 base URL.
const DefaultEndpoint = "https://services.nvd.nist.gov/rest/json/cves/2.0"

const (
	maxResultsPerPage = 2000
	userAgent         = "vulnmirror/1.0"
)

// ErrExhausted is returned by Next once the iterator has nothing left to
// deliver.
var ErrExhausted = errors.New("nvd: iterator exhausted")

// StatusError reports a non-200 response that terminated the iterator.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// Config describes one paged fetch. Zero values take the documented defaults.
type Config struct {
	APIKey   string
	Endpoint string
	// Delay is the per-worker gap between sends. Defaults to 600ms with an
	// API key, 6500ms without.
	Delay time.Duration
	// Threads is the fan-out width. Without an API key it is forced to 1.
	Threads int
	// MaxPages truncates the fan-out; 0 means unlimited.
	MaxPages int
	// ResultsPerPage defaults to 2000 and is clamped to [1, 2000].
	ResultsPerPage int
	// MaxRetries is the 429/503 retry budget per request.
	MaxRetries int
	Filters    []Filter
	// Observe, when set, receives every completed exchange (for metrics).
	Observe func(status int, err error)
	// Meter overrides the shared rate meter; nil uses the NVD defaults.
	Meter *ratemeter.Meter
}

func (c *Config) normalize() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Delay <= 0 {
		if c.APIKey != "" {
			c.Delay = 600 * time.Millisecond
		} else {
			c.Delay = 6500 * time.Millisecond
		}
	}
	if c.Threads < 1 {
		c.Threads = 1
	}
	if c.APIKey == "" && c.Threads > 1 {
		slog.Warn("No NVD API key; forcing a single worker", "requested", c.Threads)
		c.Threads = 1
	}
	if c.ResultsPerPage <= 0 {
		c.ResultsPerPage = maxResultsPerPage
	}
	if c.ResultsPerPage > maxResultsPerPage {
		c.ResultsPerPage = maxResultsPerPage
	}
}

type iterState int

const (
	stateFresh iterState = iota
	statePriming
	stateStreaming
	stateDrained
	stateTerminated
	stateClosed
)

// Iterator walks the CVE corpus page by page. The first Next primes the total
// result count, fans the remaining page requests out across the pool, and
// yields pages in completion order. Not safe for concurrent use by multiple
// consumers.
type Iterator struct {
	cfg  Config
	pool *requester.Pool

	state     iterState
	inFlight  []*requester.Future
	completed chan *requester.Future

	totalResults int
	lastUpdated  time.Time
	lastStatus   int
}

// NewIterator builds an iterator and its worker pool. Close must be called on
// every exit path.
func NewIterator(cfg Config) *Iterator {
	cfg.normalize()
	meter := cfg.Meter
	if meter == nil {
		meter = ratemeter.Default(cfg.APIKey != "")
	}
	pool := requester.NewPool(meter, requester.Config{
		Workers:    cfg.Threads,
		Delay:      cfg.Delay,
		MaxRetries: cfg.MaxRetries,
		Observe:    cfg.Observe,
	})
	return &Iterator{cfg: cfg, pool: pool}
}

// TotalResults is the server-reported corpus size, known after priming.
func (it *Iterator) TotalResults() int { return it.totalResults }

// LastUpdated is the latest server-reported snapshot time seen so far.
func (it *Iterator) LastUpdated() time.Time { return it.lastUpdated }

// LastStatusCode is the most recent non-200 status, or 0.
func (it *Iterator) LastStatusCode() int { return it.lastStatus }

// HasNext reports whether Next can deliver another page.
func (it *Iterator) HasNext() bool {
	switch it.state {
	case stateFresh, statePriming:
		return true
	case stateStreaming:
		return len(it.inFlight) > 0
	default:
		return false
	}
}

// Next delivers the next completed page. The first call blocks on the priming
// request; later calls block until any in-flight page completes.
func (it *Iterator) Next(ctx context.Context) (*PageBatch, error) {
	switch it.state {
	case stateFresh:
		return it.prime(ctx)
	case stateStreaming:
		return it.drainOne(ctx)
	default:
		return nil, ErrExhausted
	}
}

// Close cancels all in-flight requests and releases the pool. Idempotent.
func (it *Iterator) Close() {
	if it.state == stateClosed {
		return
	}
	for _, f := range it.inFlight {
		f.Cancel()
	}
	it.inFlight = nil
	it.pool.Close()
	it.state = stateClosed
}

func (it *Iterator) prime(ctx context.Context) (*PageBatch, error) {
	it.state = statePriming

	req, err := it.buildRequest(ctx, 0)
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

	env, batch, err := it.decode(f.Result())
	if err != nil {
		it.state = stateTerminated
		return nil, err
	}
	it.totalResults = env.TotalResults

	it.fanOut(ctx)
	if len(it.inFlight) > 0 {
		it.state = stateStreaming
	} else {
		it.state = stateDrained
	}
	return batch, nil
}

// fanOut submits every remaining page start strictly below totalResults,
// optionally truncated by MaxPages (which counts the priming page).
func (it *Iterator) fanOut(ctx context.Context) {
	pages := 1
	it.completed = make(chan *requester.Future, it.totalResults/it.cfg.ResultsPerPage+1)
	for start := it.cfg.ResultsPerPage; start < it.totalResults; start += it.cfg.ResultsPerPage {
		if it.cfg.MaxPages > 0 && pages >= it.cfg.MaxPages {
			break
		}
		req, err := it.buildRequest(ctx, start)
		if err != nil {
			slog.Error("Failed to build page request", "start_index", start, "error", err)
			continue
		}
		it.inFlight = append(it.inFlight, it.pool.Submit(ctx, req, it.completed))
		pages++
	}
}

func (it *Iterator) drainOne(ctx context.Context) (*PageBatch, error) {
	var f *requester.Future
	select {
	case f = <-it.completed:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	it.removeInFlight(f)

	_, batch, err := it.decode(f.Result())
	if err != nil {
		it.state = stateTerminated
		return nil, err
	}
	if len(it.inFlight) == 0 {
		it.state = stateDrained
	}
	return batch, nil
}

func (it *Iterator) removeInFlight(f *requester.Future) {
	for i, cur := range it.inFlight {
		if cur == f {
			it.inFlight = append(it.inFlight[:i], it.inFlight[i+1:]...)
			return
		}
	}
}

// decode turns one pool result into a batch, folding the server timestamp
// into lastUpdated.
func (it *Iterator) decode(res requester.Result) (*Envelope, *PageBatch, error) {
	if res.Err != nil {
		return nil, nil, res.Err
	}
	if res.StatusCode != http.StatusOK {
		it.lastStatus = res.StatusCode
		return nil, nil, &StatusError{Code: res.StatusCode}
	}
	env, err := DecodeEnvelope(res.Body)
	if err != nil {
		return nil, nil, err
	}
	recs, err := env.Records()
	if err != nil {
		return nil, nil, err
	}
	ts := env.ServerTime()
	if ts.After(it.lastUpdated) {
		it.lastUpdated = ts
	}
	return env, &PageBatch{
		Records:         recs,
		TotalAvailable:  env.TotalResults,
		ServerTimestamp: ts,
	}, nil
}

func (it *Iterator) buildRequest(ctx context.Context, startIndex int) (*http.Request, error) {
	u, err := url.Parse(it.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid NVD endpoint: %w", err)
	}
	q := u.Query()
	for _, filter := range it.cfg.Filters {
		filter(q)
	}
	q.Set("resultsPerPage", strconv.Itoa(it.cfg.ResultsPerPage))
	q.Set("startIndex", strconv.Itoa(startIndex))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if it.cfg.APIKey != "" {
		req.Header.Set("apiKey", it.cfg.APIKey)
	}
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}
