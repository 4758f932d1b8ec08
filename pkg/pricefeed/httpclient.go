package pricefeed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/shopspring/decimal"

	"github.com/fairbatch/settler/pkg/utils"
)

// StatusError is a non-2xx response from a price endpoint.
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("price endpoint %s: http %d", e.Endpoint, e.Code)
}

// HTTPProvider fetches quotes from one or more HTTP endpoints with a
// token-bucket and a per-endpoint circuit-breaker.
type HTTPProvider struct {
	endpoints []string
	path      string
	client    *http.Client

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// HTTPOpts is the set of options for a new HTTPProvider.
type HTTPOpts struct {
	Endpoints []string
	// Path is appended to each endpoint; "{symbol}" is replaced by the
	// query-escaped market symbol. Default "/price?symbol={symbol}".
	Path            string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// NewHTTPProvider creates a new HTTPProvider with the given options.
func NewHTTPProvider(o HTTPOpts) *HTTPProvider {
	if o.Path == "" {
		o.Path = "/price?symbol={symbol}"
	}
	if o.RPS <= 0 {
		o.RPS = 5
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	p := &HTTPProvider{
		endpoints:        utils.Dedup(o.Endpoints),
		path:             o.Path,
		client:           client,
		maxTokens:        int64(o.Burst),
		refillEvery:      time.Second / time.Duration(o.RPS),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
	p.tokens = p.maxTokens
	p.lastRefill.Store(time.Now())
	return p
}

// refill refills the token-bucket with new tokens if necessary.
func (p *HTTPProvider) refill() {
	last := p.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= p.refillEvery {
		if atomic.LoadInt64(&p.tokens) < p.maxTokens {
			atomic.AddInt64(&p.tokens, 1)
		}
		p.lastRefill.Store(now)
	}
}

// acquire takes a token from the bucket, waiting until one is available or
// ctx is done.
func (p *HTTPProvider) acquire(ctx context.Context) error {
	for {
		p.refill()
		if atomic.LoadInt64(&p.tokens) > 0 {
			atomic.AddInt64(&p.tokens, -1)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.refillEvery / 2):
		}
	}
}

// isOpen reports whether the endpoint's breaker is OPEN.
func (p *HTTPProvider) isOpen(ep string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(p.opened, ep)
		p.failures[ep] = 0
		return false
	}
	return true
}

// noteFailure counts a failure and opens the breaker at the threshold.
func (p *HTTPProvider) noteFailure(ep string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[ep]++
	if p.failures[ep] >= p.breakerThreshold {
		p.opened[ep] = time.Now().Add(p.breakerCooldown)
	}
}

func (p *HTTPProvider) noteSuccess(ep string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[ep] = 0
}

type quoteResponse struct {
	Symbol    string          `json:"symbol"`
	Price     json.RawMessage `json:"price"`
	Source    string          `json:"source"`
	Timestamp int64           `json:"timestamp"`
}

// Fetch tries each endpoint whose breaker is closed and returns the first quote.
func (p *HTTPProvider) Fetch(ctx context.Context, symbol string) (Quote, error) {
	if len(p.endpoints) == 0 {
		return Quote{}, fmt.Errorf("no price endpoints configured")
	}

	lastErr := fmt.Errorf("all price endpoints open")
	for _, ep := range p.endpoints {
		if p.isOpen(ep) {
			continue
		}
		if err := p.acquire(ctx); err != nil {
			return Quote{}, err
		}

		q, err := p.fetchOne(ctx, ep, symbol)
		if err != nil {
			lastErr = err
			continue
		}
		p.noteSuccess(ep)
		return q, nil
	}
	return Quote{}, lastErr
}

func (p *HTTPProvider) fetchOne(ctx context.Context, ep, symbol string) (Quote, error) {
	target := ep + replaceSymbol(p.path, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.noteFailure(ep)
		return Quote{}, err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode >= 500 {
		p.noteFailure(ep)
		return Quote{}, &StatusError{Endpoint: ep, Code: resp.StatusCode}
	}
	if resp.StatusCode >= 300 {
		return Quote{}, &StatusError{Endpoint: ep, Code: resp.StatusCode}
	}

	var body quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("decode quote from %s: %w", ep, err)
	}
	price, err := parsePrice(body.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("quote from %s: %w", ep, err)
	}

	q := Quote{Symbol: symbol, Price: price, Source: body.Source, Timestamp: time.Now()}
	if q.Source == "" {
		q.Source = ep
	}
	if body.Timestamp > 0 {
		q.Timestamp = time.Unix(body.Timestamp, 0)
	}
	return q, nil
}

func replaceSymbol(path, symbol string) string {
	return strings.Replace(path, "{symbol}", symbol, 1)
}

// parsePrice accepts the price as a JSON string or number.
func parsePrice(raw json.RawMessage) (decimal.Decimal, error) {
	if len(raw) == 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: missing price", ErrNoQuote)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return decimal.NewFromString(s)
	}
	return decimal.NewFromString(string(raw))
}
