package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// RetryPolicy controls retries of idempotent vendor lookups. Order
// creation is never retried: a lost response could otherwise open two
// orders for one charge.
type RetryPolicy struct {
	MaxAttempts      uint32
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Jitter           time.Duration
	RetryStatusCodes []int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      3,
		BaseDelay:        200 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		Jitter:           50 * time.Millisecond,
		RetryStatusCodes: []int{429, 500, 502, 503, 504},
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts == 0 {
		return errors.New("retry policy: MaxAttempts must be > 0")
	}
	if p.BaseDelay <= 0 || p.MaxDelay < p.BaseDelay {
		return errors.New("retry policy: need 0 < BaseDelay <= MaxDelay")
	}
	if p.Jitter < 0 {
		return errors.New("retry policy: negative jitter")
	}
	for _, code := range p.RetryStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("retry policy: invalid status code %d", code)
		}
	}
	return nil
}

// HTTPError is a non-2xx vendor response. It stays inside the package;
// adapters translate it before returning.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("vendor responded %d", e.StatusCode)
}

const maxResponseBytes = 1 << 20

type httpClient struct {
	http        *http.Client
	retry       RetryPolicy
	retryStatus map[int]struct{}
	rngMu       sync.Mutex
	rng         *rand.Rand
}

func newHTTPClient(hc *http.Client, retry RetryPolicy) (*httpClient, error) {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if err := retry.Validate(); err != nil {
		return nil, err
	}
	retryStatus := make(map[int]struct{}, len(retry.RetryStatusCodes))
	for _, code := range retry.RetryStatusCodes {
		retryStatus[code] = struct{}{}
	}
	return &httpClient{
		http:        hc,
		retry:       retry,
		retryStatus: retryStatus,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

type requestSpec struct {
	method  string
	url     string
	headers map[string]string
	body    []byte
	// idempotent requests are retried under the policy.
	idempotent bool
}

// do sends the request and returns the response body of a 2xx reply.
func (c *httpClient) do(ctx context.Context, spec requestSpec) ([]byte, error) {
	attempt := uint32(0)
	for {
		attempt++
		body, err := c.once(ctx, spec)
		if err == nil {
			return body, nil
		}
		if !spec.idempotent || attempt >= c.retry.MaxAttempts || !c.shouldRetry(err) {
			return nil, err
		}
		if err := sleepWithContext(ctx, c.nextDelay(attempt)); err != nil {
			return nil, err
		}
	}
}

func (c *httpClient) once(ctx context.Context, spec requestSpec) ([]byte, error) {
	var body io.Reader
	if spec.body != nil {
		body = bytes.NewReader(spec.body)
	}
	req, err := http.NewRequestWithContext(ctx, spec.method, spec.url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if spec.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range spec.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *httpClient) shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		_, ok := c.retryStatus[httpErr.StatusCode]
		return ok
	}
	return true
}

func (c *httpClient) nextDelay(attempt uint32) time.Duration {
	delay := c.retry.BaseDelay * (1 << (attempt - 1))
	if delay > c.retry.MaxDelay {
		delay = c.retry.MaxDelay
	}
	if c.retry.Jitter > 0 {
		c.rngMu.Lock()
		jitter := time.Duration(c.rng.Int63n(int64(c.retry.Jitter))) - c.retry.Jitter/2
		c.rngMu.Unlock()
		delay += jitter
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// translate maps a transport or vendor error into the package taxonomy.
// A 4xx on a lookup means the vendor does not know the payment.
func translate(vendor, op string, err error, lookup bool) error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if lookup && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s %s: HTTP %d", ErrVerificationFailed, vendor, op, httpErr.StatusCode)
		}
		return fmt.Errorf("%w: %s %s: HTTP %d", ErrGatewayUnavailable, vendor, op, httpErr.StatusCode)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %v", ErrGatewayUnavailable, vendor, op, err)
}
