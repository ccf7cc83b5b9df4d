// Package httpretry wraps outbound provider calls (Mailgun, Gmail, Graph,
// OAuth token endpoints) with bounded retries and jittered backoff.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// HTTPDoer is satisfied by *http.Client and *RetryClient.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient retries transient failures: network errors and the status
// codes in retryableStatus unless options narrow them. Everything else is
// returned to the caller on the first attempt.
type RetryClient struct {
	client       HTTPDoer
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	statuses     map[int]bool
	networkRetry bool
}

// Option customizes a RetryClient.
type Option func(*RetryClient)

// WithBackoff overrides the base and maximum backoff delays.
func WithBackoff(base, max time.Duration) Option {
	return func(rc *RetryClient) {
		rc.baseDelay = base
		rc.maxDelay = max
	}
}

// WithStatuses replaces the set of status codes that are retried.
func WithStatuses(codes ...int) Option {
	return func(rc *RetryClient) {
		rc.statuses = make(map[int]bool, len(codes))
		for _, c := range codes {
			rc.statuses[c] = true
		}
	}
}

// WithoutNetworkRetry returns transport errors to the caller at once.
func WithoutNetworkRetry() Option {
	return func(rc *RetryClient) { rc.networkRetry = false }
}

// NewSendClient wraps client for calls that hand a message to a provider.
// A timeout, a dropped connection or a 5xx may come after the provider
// already accepted the message, so only 429 and 503 are retried here. Other
// failures go back to the delivery worker, which reschedules the message.
func NewSendClient(client HTTPDoer, maxRetries int) *RetryClient {
	return NewRetryClient(client, maxRetries,
		WithStatuses(http.StatusTooManyRequests, http.StatusServiceUnavailable),
		WithoutNetworkRetry())
}

// NewRetryClient wraps client. A nil client gets a 30s timeout default and
// maxRetries <= 0 means 3 retries after the first attempt.
func NewRetryClient(client HTTPDoer, maxRetries int, opts ...Option) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	rc := &RetryClient{
		client:       client,
		maxRetries:   maxRetries,
		baseDelay:    time.Second,
		maxDelay:     30 * time.Second,
		statuses:     retryableStatus,
		networkRetry: true,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// attempt is the outcome of one round trip.
type attempt struct {
	err        error
	retryAfter time.Duration
}

// Do sends req, replaying its body through GetBody between attempts. When
// retries run out on a retryable status the last response is returned
// unread so the caller can report the provider's error body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var last attempt

	for n := 0; n <= rc.maxRetries; n++ {
		if n > 0 {
			if err := rewind(req); err != nil {
				return nil, err
			}
			delay := rc.delayFor(n, last.retryAfter)
			log.Printf("[httpretry] %s %s%s attempt %d/%d in %s",
				req.Method, req.URL.Host, req.URL.Path, n, rc.maxRetries, delay)
			if err := sleep(req, delay); err != nil {
				return nil, firstErr(last.err, err)
			}
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, err := rc.client.Do(req)
		switch {
		case err != nil && (ctx.Err() != nil || !rc.networkRetry):
			return nil, err
		case err != nil:
			last = attempt{err: err}
			continue
		case !rc.statuses[resp.StatusCode] || n == rc.maxRetries:
			return resp, nil
		}

		last = attempt{
			err:        fmt.Errorf("httpretry: retryable status %d", resp.StatusCode),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return nil, last.err
}

func rewind(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("httpretry: reset request body: %w", err)
	}
	req.Body = body
	return nil
}

func sleep(req *http.Request, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-req.Context().Done():
		return req.Context().Err()
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// delayFor is full jitter over min(maxDelay, base*2^(n-1)), floored at
// min(100ms, base). A server Retry-After wins when it fits under maxDelay.
func (rc *RetryClient) delayFor(n int, retryAfter time.Duration) time.Duration {
	ceiling := math.Min(float64(rc.baseDelay)*math.Pow(2, float64(n-1)), float64(rc.maxDelay))
	d := time.Duration(rand.Float64() * ceiling)

	floor := min(100*time.Millisecond, rc.baseDelay)
	if d < floor {
		d = floor
	}
	if retryAfter > d && retryAfter <= rc.maxDelay {
		d = retryAfter
	}
	return d
}

// parseRetryAfter reads a Retry-After header given in seconds. HTTP-date
// values are ignored.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
