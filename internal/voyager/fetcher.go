// Package voyager talks to the professional-networking site's private
// GraphQL endpoints: fetching with retry and block detection, paging through
// "my items" listings, and parsing listing and job detail payloads.
package voyager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/justsurfingit/applytrail/internal/capture"
)

const (
	DefaultTimeout     = 15 * time.Second
	DefaultMaxAttempts = 3
	DefaultJitterMax   = 500 * time.Millisecond
	maxBodyBytes       = 16 << 20
)

var (
	// ErrBlocked means the session lost its authorization. Callers must not
	// retry and should abort the current batch.
	ErrBlocked = errors.New("upstream blocked the session")
	// ErrTransient marks failures that exhausted their retries.
	ErrTransient = errors.New("upstream transient failure")
)

// BlockedError carries what the upstream answered when it blocked us.
type BlockedError struct {
	Status   int
	Location string
}

func (e *BlockedError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("upstream blocked the session: http %d redirect to %s", e.Status, e.Location)
	}
	return fmt.Sprintf("upstream blocked the session: http %d", e.Status)
}

func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }

// StatusError is a non-retryable upstream answer.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("upstream returned http %d: %s", e.Status, body)
}

// Response is a usable upstream answer.
type Response struct {
	Status int
	Body   []byte
}

// Outcome classifies one attempt.
type Outcome int

const (
	Usable Outcome = iota
	Transient
	Blocked
	Unexpected
)

// loginMarkers identify the login surfaces a blocked session is sent to.
var loginMarkers = []string{"/login", "/authwall", "/checkpoint", "/uas/login", "/signup"}

// Classify maps an HTTP status (and redirect target) to an Outcome.
func Classify(status int, location string) Outcome {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Blocked
	case status >= 300 && status < 400:
		loc := strings.ToLower(location)
		for _, m := range loginMarkers {
			if strings.Contains(loc, m) {
				return Blocked
			}
		}
		return Unexpected
	case status == http.StatusTooManyRequests, status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return Transient
	case status >= 200 && status < 300:
		return Usable
	}
	return Unexpected
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Uniform returns a duration drawn uniformly from [min, max].
func Uniform(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}

// FetcherOptions configures a Fetcher. Zero values pick the defaults.
type FetcherOptions struct {
	Client      *http.Client
	MaxAttempts int
	BaseBackoff time.Duration
	JitterMin   time.Duration
	JitterMax   time.Duration
	Sleep       Sleeper
	Logger      zerolog.Logger
}

// Fetcher executes one prepared request at a time with bounded retries.
type Fetcher struct {
	client      *http.Client
	maxAttempts int
	baseBackoff time.Duration
	jitterMin   time.Duration
	jitterMax   time.Duration
	sleep       Sleeper
	log         zerolog.Logger

	mu sync.Mutex
}

// NewFetcher constructs a Fetcher. Redirects are never followed so that a
// bounce to the login page can be recognized.
func NewFetcher(opts FetcherOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	f := &Fetcher{
		client:      &c,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		jitterMin:   opts.JitterMin,
		jitterMax:   opts.JitterMax,
		sleep:       opts.Sleep,
		log:         opts.Logger.With().Str("component", "fetcher").Logger(),
	}
	if f.maxAttempts <= 0 {
		f.maxAttempts = DefaultMaxAttempts
	}
	if f.baseBackoff < 0 {
		f.baseBackoff = 0
	}
	if f.jitterMin == 0 && f.jitterMax == 0 {
		f.jitterMax = DefaultJitterMax
	}
	if f.jitterMax < f.jitterMin {
		f.jitterMax = f.jitterMin
	}
	if f.sleep == nil {
		f.sleep = SleepContext
	}
	return f
}

// Execute sends req, retrying transient failures. A Blocked outcome is
// returned immediately as an error matching ErrBlocked.
func (f *Fetcher) Execute(ctx context.Context, req capture.Prepared, timeout time.Duration) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var (
		lastErr    error
		unexpected int
	)
	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := f.baseBackoff*time.Duration(1<<uint(attempt-1)) + Uniform(f.jitterMin, f.jitterMax)
			f.log.Warn().Int("attempt", attempt+1).Dur("backoff", wait).Err(lastErr).Msg("retrying upstream call")
			if err := f.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		resp, outcome, err := f.attempt(ctx, req, timeout)
		switch outcome {
		case Usable:
			return resp, nil
		case Blocked:
			return nil, err
		case Transient:
			lastErr = err
		case Unexpected:
			lastErr = err
			unexpected++
			if unexpected > 1 {
				return nil, err
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrTransient, f.maxAttempts, lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, p capture.Prepared, timeout time.Duration) (*Response, Outcome, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if p.Body != nil {
		body = strings.NewReader(*p.Body)
	}
	method := p.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(actx, method, p.URL, body)
	if err != nil {
		return nil, Unexpected, fmt.Errorf("build request: %w", err)
	}
	for _, h := range p.Headers {
		// content-length and the like are computed by net/http.
		if strings.EqualFold(h.Name, "content-length") || strings.EqualFold(h.Name, "host") {
			continue
		}
		req.Header.Add(h.Name, h.Value)
	}
	// A captured accept-encoding would leave us with a compressed body that
	// net/http no longer decodes for us.
	req.Header.Del("Accept-Encoding")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Unexpected, ctx.Err()
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, Transient, fmt.Errorf("http %s timed out: %w", method, err)
		}
		// Connection resets and refused dials are worth another try.
		return nil, Transient, fmt.Errorf("http %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, Transient, fmt.Errorf("read body: %w", err)
	}

	location := resp.Header.Get("Location")
	outcome := Classify(resp.StatusCode, location)
	f.log.Debug().Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("upstream call")

	switch outcome {
	case Blocked:
		return nil, Blocked, &BlockedError{Status: resp.StatusCode, Location: location}
	case Transient:
		return nil, Transient, fmt.Errorf("upstream returned http %d", resp.StatusCode)
	case Unexpected:
		return nil, Unexpected, &StatusError{Status: resp.StatusCode, Body: string(data)}
	}
	if !json.Valid(data) {
		return nil, Unexpected, &StatusError{Status: resp.StatusCode, Body: "undecodable json: " + string(data)}
	}
	return &Response{Status: resp.StatusCode, Body: data}, Usable, nil
}
