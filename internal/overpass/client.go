package overpass

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/street-directory/internal/resilience"
)

// ClientOptions configures the HTTP client.
type ClientOptions struct {
	// BaseURL is the API root, e.g. "https://overpass-api.de/api".
	BaseURL   string
	UserAgent string

	// RatePerSecond and Burst limit how often queries are sent.
	RatePerSecond float64
	Burst         int

	// ClientGrace is added to a query's server timeout to form the hard
	// client-side deadline for the whole round trip.
	ClientGrace time.Duration

	Retry   resilience.RetryConfig
	Breaker *resilience.CircuitBreaker

	HTTPClient *http.Client
}

// Client sends queries to the interpreter endpoint of the geodata service.
type Client struct {
	opts    ClientOptions
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// NewClient creates a Client, filling in defaults for unset options.
func NewClient(opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://overpass-api.de/api"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.UserAgent == "" {
		opts.UserAgent = "street-directory/1.0"
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.ClientGrace <= 0 {
		opts.ClientGrace = 30 * time.Second
	}

	breaker := opts.Breaker
	if breaker == nil {
		cbCfg := resilience.DefaultCircuitBreakerConfig()
		cbCfg.ShouldTrip = resilience.IsTransient
		breaker = resilience.NewCircuitBreaker(cbCfg)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No client-wide timeout: each query gets its own deadline.
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Client{
		opts:    opts,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		breaker: breaker,
	}
}

// QueryTable sends query and passes every row of the result table to handle.
// The whole round trip is bounded by serverTimeout plus the client grace.
// Transient failures are retried before any row has been delivered; once
// streaming has started an error ends the query.
func (c *Client) QueryTable(ctx context.Context, query string, serverTimeout time.Duration, handle func(row []string) error) error {
	ctx, cancel := context.WithTimeout(ctx, serverTimeout+c.opts.ClientGrace)
	defer cancel()

	retryCfg := c.opts.Retry
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = resilience.RetryLogger("overpass", "query")
	}

	body, err := resilience.Do(ctx, retryCfg, func(ctx context.Context) (io.ReadCloser, error) {
		return resilience.Guard(ctx, c.breaker, func(ctx context.Context) (io.ReadCloser, error) {
			return c.open(ctx, query)
		})
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return eris.Wrapf(err, "overpass: no response within client deadline of %s", serverTimeout+c.opts.ClientGrace)
		}
		return eris.Wrap(err, "overpass: query")
	}
	defer body.Close() //nolint:errcheck

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

	rowCh, errCh := StreamRows(streamCtx, body)
	for row := range rowCh {
		if err := handle(row); err != nil {
			// Closing the body unblocks a reader waiting for the next row.
			stopStream()
			_ = body.Close()
			for range rowCh {
			}
			return err
		}
	}
	if err := <-errCh; err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return eris.Wrapf(err, "overpass: result stream exceeded client deadline of %s", serverTimeout+c.opts.ClientGrace)
		}
		return err
	}
	return nil
}

func (c *Client) open(ctx context.Context, query string) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "overpass: rate limiter wait")
	}

	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/interpreter", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "overpass: create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "overpass: send request")
	}

	if resp.StatusCode != http.StatusOK {
		snippet := readSnippet(resp.Body)
		_ = resp.Body.Close()
		statusErr := eris.Errorf("overpass: http %d: %s", resp.StatusCode, snippet)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			retryAfter := resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			zap.L().Warn("overpass: transient status",
				zap.Int("status", resp.StatusCode),
				zap.Duration("retry_after", retryAfter),
				zap.String("body", snippet),
			)
			return nil, &resilience.TransientError{Err: statusErr, StatusCode: resp.StatusCode, RetryAfter: retryAfter}
		}
		return nil, statusErr
	}

	// Runtime errors come back as an HTML page with status 200.
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "text/html" {
		snippet := readSnippet(resp.Body)
		_ = resp.Body.Close()
		return nil, eris.Errorf("overpass: runtime error: %s", snippet)
	}

	return resp.Body, nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.Join(strings.Fields(string(b)), " ")
}
