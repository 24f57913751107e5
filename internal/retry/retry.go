// Package retry runs channel operations with bounded, jittered retries.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
)

// DefaultMedianFirstDelay anchors the decorrelated jitter curve.
const DefaultMedianFirstDelay = time.Second

// Constants of the decorrelated jitter "V2" formula.
const (
	pFactor         = 4.0
	rpScalingFactor = 1 / 1.4
	maxDelay        = float64(24 * time.Hour)
)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// Operation is one attempt. attempt is 1-based.
type Operation func(ctx context.Context, attempt int) error

// Policy computes backoff delays and executes operations with retries.
type Policy struct {
	medianFirstDelay time.Duration
	scale            float64
	logger           *logging.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

type Option func(*Policy)

// WithMedianFirstDelay overrides the 1s anchor of the delay curve.
func WithMedianFirstDelay(d time.Duration) Option {
	return func(p *Policy) { p.medianFirstDelay = d }
}

// WithRand makes delays reproducible.
func WithRand(r *rand.Rand) Option {
	return func(p *Policy) { p.rnd = r }
}

// WithScale multiplies every computed delay; 0 disables sleeping.
func WithScale(scale float64) Option {
	return func(p *Policy) { p.scale = scale }
}

func WithLogger(l *logging.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

func New(opts ...Option) *Policy {
	p := &Policy{
		medianFirstDelay: DefaultMedianFirstDelay,
		scale:            1,
		logger:           logging.New("harbornotify-retry"),
		rnd:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Delays returns maxAttempts decorrelated-jitter delays. Consecutive values
// grow on average while staying randomized, and the first one sits around the
// median first delay.
func (p *Policy) Delays(maxAttempts int) []time.Duration {
	if maxAttempts < 1 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	target := float64(p.medianFirstDelay)
	delays := make([]time.Duration, 0, maxAttempts)
	var prev float64
	for i := 0; i < maxAttempts; i++ {
		t := float64(i) + p.rnd.Float64()
		next := math.Pow(2, t) * math.Tanh(math.Sqrt(pFactor*t))
		d := (next - prev) * rpScalingFactor * target * p.scale
		if d > maxDelay {
			d = maxDelay
		}
		delays = append(delays, time.Duration(d))
		prev = next
	}
	return delays
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// ShouldRetry is true for rate limiting (429) and server errors (5xx).
// Everything else, including network and encoding failures, is final.
func ShouldRetry(err error) bool {
	status := StatusOf(err)
	return status == http.StatusTooManyRequests || (status >= 500 && status < 600)
}

// Execute runs op at most maxAttempts times, sleeping the computed delay
// between attempts. Every failed attempt is logged before the retry decision
// is made. The error of the last attempt is returned, or the context error if
// ctx ends while waiting.
func (p *Policy) Execute(ctx context.Context, maxAttempts int, op Operation) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sched := &schedule{delays: p.Delays(maxAttempts)}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return struct{}{}, nil
		}
		retryable := ShouldRetry(err)
		p.logFailure(ctx, attempt, maxAttempts, err, retryable && attempt < maxAttempts)
		metrics.RecordAttemptFailure(StatusOf(err), retryable && attempt < maxAttempts)
		if !retryable {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(sched),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func (p *Policy) logFailure(ctx context.Context, attempt, maxAttempts int, err error, willRetry bool) {
	if p.logger == nil {
		return
	}
	p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"attempt":      attempt,
		"max_attempts": maxAttempts,
		"status_code":  StatusOf(err),
		"will_retry":   willRetry,
	}).Warn("send attempt failed")
}

// schedule replays a precomputed delay list as a backoff.BackOff.
type schedule struct {
	delays []time.Duration
	next   int
}

func (s *schedule) NextBackOff() time.Duration {
	if s.next >= len(s.delays) {
		return backoff.Stop
	}
	d := s.delays[s.next]
	s.next++
	return d
}

func (s *schedule) Reset() {
	s.next = 0
}
