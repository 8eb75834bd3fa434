// Package verification is the HTTP client for the subscription backend: purchase
// verification, status, trial start and cancellation.
package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	suberrors "github.com/rcourtman/lotto-entitlements/internal/errors"
	"github.com/rcourtman/lotto-entitlements/internal/logging"
	"github.com/rcourtman/lotto-entitlements/internal/metrics"
	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

const (
	pathStartTrial = "/subscription/start-trial"
	pathStatus     = "/subscription/status"
	pathVerify     = "/subscription/verify-purchase"
	pathCancel     = "/subscription/cancel"

	maxResponseBytes = 1 << 20
)

type backoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Jitter     float64
	Max        time.Duration
}

func (cfg backoffConfig) nextDelay(attempt int, rng float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(cfg.Initial)
	if base <= 0 {
		base = float64(time.Second)
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := base * math.Pow(multiplier, float64(attempt))
	if cfg.Jitter > 0 {
		j := min(cfg.Jitter, 1)
		delay = delay * (1 + (rng*2-1)*j)
	}
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	return time.Duration(delay)
}

// Client calls the backend REST surface.
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	attempts int
	backoff  backoffConfig
	verifies singleflight.Group
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	tokenSource oauth2.TokenSource
	httpClient  *http.Client
	attempts    int
	backoff     time.Duration
	timeout     time.Duration
	dnsCache    bool
}

// WithTokenSource authenticates requests with bearer tokens from ts.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(o *clientOptions) { o.tokenSource = ts }
}

// WithBearerToken authenticates requests with a fixed bearer token.
func WithBearerToken(token string) Option {
	return func(o *clientOptions) {
		if strings.TrimSpace(token) != "" {
			o.tokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Token sources still wrap
// its transport.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithAttempts bounds the number of attempts for transient failures.
func WithAttempts(n int) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// WithBackoff sets the initial retry delay; it doubles per attempt.
func WithBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.backoff = d
		}
	}
}

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithDNSCache toggles the cached resolver dialer (on by default).
func WithDNSCache(enabled bool) Option {
	return func(o *clientOptions) { o.dnsCache = enabled }
}

// New builds a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url must use http or https, got %q", baseURL)
	}

	o := clientOptions{attempts: 3, backoff: time.Second, timeout: 15 * time.Second, dnsCache: true}
	for _, opt := range opts {
		opt(&o)
	}

	hc := o.httpClient
	if hc == nil {
		var base http.RoundTripper = http.DefaultTransport
		if o.dnsCache {
			base = newTransport()
		}
		hc = &http.Client{Transport: base}
	} else {
		copied := *hc
		hc = &copied
	}
	if hc.Timeout == 0 {
		hc.Timeout = o.timeout
	}
	if o.tokenSource != nil {
		base := hc.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		hc.Transport = &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, o.tokenSource), Base: base}
	}

	return &Client{
		baseURL:  u,
		http:     hc,
		attempts: o.attempts,
		backoff:  backoffConfig{Initial: o.backoff, Multiplier: 2, Jitter: 0.2, Max: 30 * time.Second},
	}, nil
}

// Verify asks the backend whether rec is genuine. A definitive rejection is
// returned as Result{Verified: false} with a nil error; errors mean no verdict
// was reached. Concurrent calls for one token share a single request.
func (c *Client) Verify(ctx context.Context, rec entitlement.PurchaseRecord) (Result, error) {
	if strings.TrimSpace(rec.Token) == "" {
		return Result{}, suberrors.Invalid("verify_purchase", "purchase token is empty")
	}

	v, err, shared := c.verifies.Do(rec.Token, func() (any, error) {
		return c.verify(ctx, rec)
	})
	if shared {
		log.Debug().Str("token_suffix", rec.TokenSuffix()).Msg("Joined in-flight verification")
	}
	if err != nil {
		metrics.VerificationOutcomes.WithLabelValues("error").Inc()
		return Result{}, err
	}
	res := v.(Result)
	if res.Verified {
		metrics.VerificationOutcomes.WithLabelValues("verified").Inc()
	} else {
		metrics.VerificationOutcomes.WithLabelValues("rejected").Inc()
	}
	return res, nil
}

func (c *Client) verify(ctx context.Context, rec entitlement.PurchaseRecord) (Result, error) {
	body := verifyRequest{PurchaseToken: rec.Token, OrderID: rec.OrderID, ProductID: rec.ProductID}
	var resp verifyResponse
	err := c.do(ctx, "verify_purchase", http.MethodPost, pathVerify, body, &resp)
	if err != nil {
		var subErr *suberrors.SubscriptionError
		if errors.As(err, &subErr) && isDefinitiveRejection(subErr.StatusCode) {
			log.Warn().
				Str("token_suffix", rec.TokenSuffix()).
				Int("status", subErr.StatusCode).
				Err(subErr.Err).
				Msg("Backend rejected purchase")
			return Result{Verified: false, Message: subErr.Err.Error()}, nil
		}
		return Result{}, err
	}
	if !resp.Verified {
		log.Warn().Str("token_suffix", rec.TokenSuffix()).Str("message", resp.Message).Msg("Backend rejected purchase")
	}
	return Result{
		Verified:            resp.Verified,
		IsPro:               resp.Verified && resp.IsPro,
		SubscriptionEndDate: resp.SubscriptionEndDate.Ptr(),
		Message:             resp.Message,
	}, nil
}

// isDefinitiveRejection covers the statuses the backend uses to refuse a
// token. 401 is an auth problem with the caller, not a verdict on the token.
func isDefinitiveRejection(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

// Status fetches the authoritative subscription record.
func (c *Client) Status(ctx context.Context) (SubscriptionStatus, error) {
	var st SubscriptionStatus
	if err := c.do(ctx, "status", http.MethodGet, pathStatus, nil, &st); err != nil {
		return SubscriptionStatus{}, err
	}
	return st, nil
}

// StartTrial records the trial start server-side. A trial that was already
// used (or a Pro user) comes back as an ErrConflict error.
func (c *Client) StartTrial(ctx context.Context) (SubscriptionStatus, error) {
	var st SubscriptionStatus
	err := c.do(ctx, "start_trial", http.MethodPost, pathStartTrial, nil, &st)
	if err != nil {
		var subErr *suberrors.SubscriptionError
		if errors.As(err, &subErr) && subErr.StatusCode == http.StatusBadRequest {
			return SubscriptionStatus{}, suberrors.New(suberrors.ErrorTypeConflict, "start_trial", subErr.Err).WithStatusCode(subErr.StatusCode)
		}
		return SubscriptionStatus{}, err
	}
	return st, nil
}

// Cancel turns off auto-renewal. Access continues until the end date.
func (c *Client) Cancel(ctx context.Context) (CancelResult, error) {
	var res CancelResult
	if err := c.do(ctx, "cancel", http.MethodPost, pathCancel, nil, &res); err != nil {
		return CancelResult{}, err
	}
	return res, nil
}

// do runs one logical call with bounded retries for transient failures.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
	}

	requestID := logging.RequestIDFromContext(ctx)
	if requestID == "" {
		ctx, requestID = logging.WithRequestID(ctx, "")
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff.nextDelay(attempt-1, rand.Float64())
			log.Warn().
				Str("op", op).
				Str("request_id", requestID).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Err(lastErr).
				Msg("Retrying backend request after transient error")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				return suberrors.WrapNetworkError(op, ctx.Err())
			case <-timer.C:
			}
		}

		start := time.Now()
		err := c.once(ctx, op, method, path, requestID, payload, out)
		metrics.ObserveBackend(op, start, err)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !suberrors.IsRetryableError(err) {
			return err
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, op, method, path, requestID string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(logging.RequestIDHeader, requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return suberrors.WrapNetworkError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return suberrors.WrapNetworkError(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return suberrors.WrapAPIError(op, errors.New(errorMessage(data)), resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return suberrors.New(suberrors.ErrorTypeAPI, op, fmt.Errorf("decode response: %w", err)).WithStatusCode(resp.StatusCode)
	}
	return nil
}
