package market

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/observability"
	"token-price-tracker/internal/storage"
)

// Default configuration values.
const (
	DefaultBaseURL     = "https://api.dexscreener.com"
	DefaultTimeout     = 15 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0

	// MaxBatchSize is the upstream limit on addresses per request.
	MaxBatchSize = 30
)

// Outcome classifies a terminal fetch result.
type Outcome int

const (
	// OutcomeOk means the snapshot was fetched and durably buffered.
	OutcomeOk Outcome = iota
	// OutcomeRetryable means all attempts failed with transient errors.
	// The caller records one failure for the whole run.
	OutcomeRetryable
	// OutcomeFatal means the request can never succeed as issued.
	OutcomeFatal
	// OutcomeStorageError means the data was fetched but could not be
	// durably buffered. The caller must not record a token failure and
	// must surface the error so the trigger is retried.
	OutcomeStorageError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	case OutcomeStorageError:
		return "storage_error"
	default:
		return "unknown"
	}
}

// FetchResult is the terminal outcome of one Fetch run.
type FetchResult struct {
	Outcome  Outcome
	Snapshot *domain.RawMarketSnapshot
	Err      error
}

// Ok wraps a buffered snapshot.
func Ok(snap *domain.RawMarketSnapshot) FetchResult {
	return FetchResult{Outcome: OutcomeOk, Snapshot: snap}
}

// Retryable wraps a transient error after retries were exhausted.
func Retryable(err error) FetchResult {
	return FetchResult{Outcome: OutcomeRetryable, Err: err}
}

// Fatal wraps a permanent error.
func Fatal(err error) FetchResult {
	return FetchResult{Outcome: OutcomeFatal, Err: err}
}

// StorageError wraps a failure to persist fetched data.
func StorageError(err error) FetchResult {
	return FetchResult{Outcome: OutcomeStorageError, Err: err}
}

// Client fetches market data for token batches and buffers the raw
// responses before returning them.
type Client struct {
	baseURL     string
	client      *http.Client
	limiter     RateLimiter
	registry    *ChainRegistry
	snapshots   storage.SnapshotStore
	logger      *log.Logger
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithBaseURL overrides the upstream API base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithRateLimiter sets the admission limiter.
func WithRateLimiter(l RateLimiter) ClientOption {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithLogger sets the client logger.
func WithLogger(l *log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a market-data client writing raw responses into
// snapshots.
func NewClient(registry *ChainRegistry, snapshots storage.SnapshotStore, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		client:      &http.Client{Timeout: DefaultTimeout},
		limiter:     NewTokenBucket(5, 5),
		registry:    registry,
		snapshots:   snapshots,
		logger:      log.New(io.Discard, "", 0),
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch requests pair data for up to MaxBatchSize addresses on one
// chain. On success the raw body is already in the snapshot buffer
// when Fetch returns. Transient errors (timeouts, 429, 5xx) are
// retried with exponential backoff and jitter; everything else fails
// fast.
func (c *Client) Fetch(ctx context.Context, chain string, addresses []string) FetchResult {
	start := time.Now()
	res := c.fetch(ctx, chain, addresses)
	observability.RecordFetchOutcome(c.registry.Normalize(chain), res.Outcome.String(), time.Since(start).Seconds())
	return res
}

func (c *Client) fetch(ctx context.Context, chain string, addresses []string) FetchResult {
	if len(addresses) == 0 {
		return Fatal(fmt.Errorf("empty address batch"))
	}
	if len(addresses) > MaxBatchSize {
		return Fatal(fmt.Errorf("batch of %d exceeds limit %d", len(addresses), MaxBatchSize))
	}

	ch, err := c.registry.Lookup(chain)
	if err != nil {
		return Fatal(err)
	}

	reqURL := fmt.Sprintf("%s/latest/dex/tokens/%s", c.baseURL, url.PathEscape(strings.Join(addresses, ",")))

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff with jitter
			sleep := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
			select {
			case <-ctx.Done():
				return Retryable(ctx.Err())
			case <-time.After(sleep):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return Retryable(err)
		}
		observability.RecordRateLimitWait()
		observability.RecordFetchAttempt(ch.Name())

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return Fatal(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			c.logger.Printf("[market] %s attempt %d: %v", ch.Name(), attempt+1, err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited (429)")
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return Fatal(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)))
		}

		snap := &domain.RawMarketSnapshot{
			SnapshotID:     uuid.NewString(),
			Chain:          ch.Name(),
			TokenAddresses: append([]string(nil), addresses...),
			Payload:        body,
			FetchedAt:      time.Now().UnixMilli(),
		}
		if err := c.snapshots.Insert(ctx, snap); err != nil {
			return StorageError(fmt.Errorf("buffer snapshot: %w", err))
		}
		observability.RecordSnapshotStored()

		return Ok(snap)
	}

	return Retryable(fmt.Errorf("max retries exceeded: %w", lastErr))
}

// FilterPairs narrows pairs to the given chain using its registry
// entry. Used by the transformer after parsing a snapshot payload.
func (c *Client) FilterPairs(chain string, pairs []Pair) []Pair {
	ch, err := c.registry.Lookup(chain)
	if err != nil {
		return pairs
	}
	return ch.FilterPairs(pairs)
}
