package exchange

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/johnayoung/upstox-harvester/internal/config"
	errs "github.com/johnayoung/upstox-harvester/internal/errors"
	"github.com/johnayoung/upstox-harvester/internal/models"
)

const (
	component = "exchange"

	// Rate limiting configuration
	rateLimitBurst = 1

	// Response handling
	bodyPreviewChars = 200
	maxBodyBytes     = 256 << 20
)

// ClientConfig carries the plain values the candle client needs
type ClientConfig struct {
	BaseURL           string
	Token             string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxInFlight       int
	RetryCount        int
	RetryBackoff      time.Duration
}

// DefaultClientConfig returns the production pacing and retry settings
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:           config.DefaultAPIBaseURL,
		UserAgent:         config.DefaultUserAgent,
		Timeout:           600 * time.Second,
		RequestsPerSecond: config.DefaultRequestsPerSec,
		MaxInFlight:       config.DefaultMaxConcurrency,
		RetryCount:        config.DefaultRetryCount,
		RetryBackoff:      time.Second,
	}
}

// ClientConfigFrom extracts the client settings from the application config
func ClientConfigFrom(cfg *config.AppConfig) ClientConfig {
	return ClientConfig{
		BaseURL:           cfg.API.BaseURL,
		Token:             cfg.API.Token,
		UserAgent:         cfg.API.UserAgent,
		Timeout:           cfg.RequestTimeout(),
		RequestsPerSecond: cfg.Harvest.RequestsPerSecond,
		MaxInFlight:       cfg.Harvest.MaxConcurrency,
		RetryCount:        cfg.Harvest.RetryCount,
		RetryBackoff:      cfg.RetryBackoff(),
	}
}

// ClientStats counts request outcomes since the client was created
type ClientStats struct {
	Requests  int64
	Succeeded int64
	Rejected  int64
	Retried   int64
	Exhausted int64
}

// UpstoxClient fetches historical candles from the Upstox V3 API.
//
// A single client is shared by every instrument task; its limiter and in-flight
// semaphore are therefore process-wide.
type UpstoxClient struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	inFlight    *semaphore.Weighted
	classifier  *errs.ErrorClassifier
	cfg         ClientConfig
	logger      *slog.Logger

	requests  atomic.Int64
	succeeded atomic.Int64
	rejected  atomic.Int64
	retried   atomic.Int64
	exhausted atomic.Int64
}

// candleResponse is the body returned by the historical candle endpoint
type candleResponse struct {
	Status string `json:"status"`
	Data   *struct {
		Candles []models.Candle `json:"candles"`
	} `json:"data"`
}

// NewUpstoxClient creates a candle client with the given settings
func NewUpstoxClient(cfg ClientConfig, logger *slog.Logger) *UpstoxClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 1
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &UpstoxClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        cfg.MaxInFlight * 2,
				MaxIdleConnsPerHost: cfg.MaxInFlight * 2,
				MaxConnsPerHost:     cfg.MaxInFlight * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(limit, rateLimitBurst),
		inFlight:    semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		classifier:  errs.NewErrorClassifier(logger),
		cfg:         cfg,
		logger:      logger.With("component", component),
	}
}

// FetchCandles implements CandleFetcher.
//
// 200 responses return data.candles. 4xx responses are logged and returned as an
// empty result. 5xx responses, network errors and undecodable bodies are retried
// and, once retries run out, reported as an error.
func (c *UpstoxClient) FetchCandles(ctx context.Context, req FetchRequest) ([]models.Candle, error) {
	if err := req.Validate(); err != nil {
		return nil, errs.New(errs.ErrorTypeValidation, component, "fetch_candles", err)
	}

	endpoint := c.candleURL(req)
	c.logger.DebugContext(ctx, "fetching candles", "url", endpoint)

	var candles []models.Candle
	attempt := 0
	err := c.classifier.Retry(ctx, component, "fetch_candles",
		errs.NewFetchBackOff(c.cfg.RetryBackoff, c.cfg.RetryCount),
		func() error {
			attempt++
			if attempt > 1 {
				c.retried.Add(1)
			}
			result, err := c.doRequest(ctx, endpoint, attempt)
			if err != nil {
				return err
			}
			candles = result
			return nil
		})

	switch {
	case err == nil:
		c.succeeded.Add(1)
		if candles == nil {
			candles = []models.Candle{}
		}
		return candles, nil
	case errs.IsType(err, errs.ErrorTypeClientRejected):
		c.rejected.Add(1)
		return []models.Candle{}, nil
	case errs.IsType(err, errs.ErrorTypeCanceled):
		return nil, err
	default:
		c.exhausted.Add(1)
		c.logger.ErrorContext(ctx, "Exceeded retries", "url", endpoint, "attempts", attempt, "error", err)
		return nil, err
	}
}

// doRequest performs a single attempt
func (c *UpstoxClient) doRequest(ctx context.Context, endpoint string, attempt int) ([]models.Candle, error) {
	if err := c.waitForLimit(ctx); err != nil {
		return nil, errs.New(errs.ErrorTypeCanceled, component, "rate_limit", err)
	}

	if err := c.inFlight.Acquire(ctx, 1); err != nil {
		return nil, errs.New(errs.ErrorTypeCanceled, component, "acquire", err)
	}
	defer c.inFlight.Release(1)

	reqCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeValidation, component, "build_request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", c.cfg.Token)
	}

	c.requests.Add(1)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, endpoint, attempt, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.transportError(ctx, endpoint, attempt, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var payload candleResponse
		if err := json.Unmarshal(body, &payload); err != nil {
			c.logger.WarnContext(ctx, "JSON parse error", "url", endpoint, "attempt", attempt, "error", err)
			return nil, errs.New(errs.ErrorTypeMalformedResponse, component, "decode", err).
				WithContext("url", endpoint)
		}
		if payload.Data == nil {
			return []models.Candle{}, nil
		}
		return payload.Data.Candles, nil

	case errs.ClassifyStatus(resp.StatusCode) == errs.ErrorTypeClientRejected:
		c.logger.WarnContext(ctx, "Client error",
			"status", resp.StatusCode,
			"url", endpoint,
			"body", preview(body))
		return nil, errs.Newf(errs.ErrorTypeClientRejected, component, "fetch_candles",
			"status %d", resp.StatusCode).WithContext("url", endpoint)

	default:
		c.logger.WarnContext(ctx, "Server error",
			"status", resp.StatusCode,
			"url", endpoint,
			"attempt", attempt,
			"body", preview(body))
		return nil, errs.Newf(errs.ErrorTypeTransientNetwork, component, "fetch_candles",
			"status %d", resp.StatusCode).WithContext("url", endpoint)
	}
}

// transportError classifies a failed round trip. Only cancellation of the caller's
// context is terminal.
func (c *UpstoxClient) transportError(ctx context.Context, endpoint string, attempt int, err error) error {
	if ctx.Err() != nil {
		return errs.New(errs.ErrorTypeCanceled, component, "fetch_candles", ctx.Err())
	}
	errType := errs.ClassifyTransport(err)
	c.logger.WarnContext(ctx, "Network error", "url", endpoint, "attempt", attempt, "error", err)
	return errs.New(errType, component, "fetch_candles", err).
		WithContext("url", endpoint)
}

// candleURL builds {base}/{key}/{unit}/{interval}/{to}/{from} with every segment escaped
func (c *UpstoxClient) candleURL(req FetchRequest) string {
	segments := []string{
		req.InstrumentKey,
		string(req.Timeframe.Unit),
		req.Timeframe.Interval,
		req.To.String(),
		req.From.String(),
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(c.cfg.BaseURL, "/"))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(models.Escape(s, ""))
	}
	return b.String()
}

// waitForLimit blocks until the shared limiter admits the next request or ctx ends
func (c *UpstoxClient) waitForLimit(ctx context.Context) error {
	return c.rateLimiter.Wait(ctx)
}

// Stats returns a snapshot of the request counters
func (c *UpstoxClient) Stats() ClientStats {
	return ClientStats{
		Requests:  c.requests.Load(),
		Succeeded: c.succeeded.Load(),
		Rejected:  c.rejected.Load(),
		Retried:   c.retried.Load(),
		Exhausted: c.exhausted.Load(),
	}
}

// String implements fmt.Stringer
func (s ClientStats) String() string {
	return fmt.Sprintf("requests=%d succeeded=%d rejected=%d retried=%d exhausted=%d",
		s.Requests, s.Succeeded, s.Rejected, s.Retried, s.Exhausted)
}

// preview returns at most the first bodyPreviewChars characters of body
func preview(body []byte) string {
	s := string(body)
	if utf8.RuneCountInString(s) <= bodyPreviewChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:bodyPreviewChars])
}
