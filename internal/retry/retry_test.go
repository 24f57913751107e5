package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/austindbirch/harbor_notify/internal/logging"
)

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) HTTPStatus() int { return e.code }

func quietPolicy(opts ...Option) *Policy {
	base := []Option{
		WithLogger(logging.NewWithWriter("test", io.Discard)),
		WithRand(rand.New(rand.NewSource(42))),
		WithScale(0),
	}
	return New(append(base, opts...)...)
}

func TestDelaysLength(t *testing.T) {
	p := quietPolicy(WithScale(1))
	tests := []struct {
		maxAttempts int
		want        int
	}{
		{maxAttempts: 0, want: 0},
		{maxAttempts: 1, want: 1},
		{maxAttempts: 3, want: 3},
		{maxAttempts: 10, want: 10},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("max_attempts_%d", tt.maxAttempts), func(t *testing.T) {
			if got := len(p.Delays(tt.maxAttempts)); got != tt.want {
				t.Errorf("len(Delays(%d)) = %d, want %d", tt.maxAttempts, got, tt.want)
			}
		})
	}
}

func TestDelaysAnchoredNearOneSecond(t *testing.T) {
	p := quietPolicy(WithScale(1))
	const samples = 2000

	var sum time.Duration
	for i := 0; i < samples; i++ {
		d := p.Delays(1)[0]
		if d < 0 || d > 1400*time.Millisecond {
			t.Fatalf("first delay %v outside [0, 1.4s]", d)
		}
		sum += d
	}
	mean := sum / samples
	if mean < 400*time.Millisecond || mean > 1200*time.Millisecond {
		t.Errorf("mean first delay = %v, want roughly 1s", mean)
	}
}

func TestDelaysIncreaseOnAverage(t *testing.T) {
	p := quietPolicy(WithScale(1))
	const (
		samples  = 1000
		attempts = 5
	)

	sums := make([]time.Duration, attempts)
	for i := 0; i < samples; i++ {
		for j, d := range p.Delays(attempts) {
			if d < 0 {
				t.Fatalf("negative delay %v", d)
			}
			sums[j] += d
		}
	}
	for j := 1; j < attempts; j++ {
		if sums[j] <= sums[j-1] {
			t.Errorf("mean delay %d (%v) not greater than mean delay %d (%v)", j, sums[j]/samples, j-1, sums[j-1]/samples)
		}
	}
}

// halfSource makes rand.Float64 return exactly 0.5.
type halfSource struct{}

func (halfSource) Int63() int64 { return 1 << 62 }
func (halfSource) Seed(int64)   {}

func TestDelaysFollowJitterCurve(t *testing.T) {
	p := quietPolicy(WithScale(1), WithRand(rand.New(halfSource{})))
	want := []time.Duration{
		897404935,
		1093003547,
		2035747962,
		4045979422,
		8083631609,
	}
	got := p.Delays(len(want))
	for i := range want {
		diff := got[i] - want[i]
		if diff < -time.Microsecond || diff > time.Microsecond {
			t.Errorf("delay %d = %v, want %v", i, got[i], want[i])
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Errorf("delay %d (%v) not greater than delay %d (%v)", i, got[i], i-1, got[i-1])
		}
	}
}

func TestDelaysAreJittered(t *testing.T) {
	p := quietPolicy(WithScale(1))
	a := p.Delays(3)
	b := p.Delays(3)
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
		}
	}
	if same {
		t.Errorf("two delay sequences are identical: %v", a)
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "429", err: &statusErr{429}, want: true},
		{name: "500", err: &statusErr{500}, want: true},
		{name: "503 wrapped", err: fmt.Errorf("send: %w", &statusErr{503}), want: true},
		{name: "599", err: &statusErr{599}, want: true},
		{name: "400", err: &statusErr{400}, want: false},
		{name: "403", err: &statusErr{403}, want: false},
		{name: "404", err: &statusErr{404}, want: false},
		{name: "network error", err: errors.New("connection reset by peer"), want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRetry(tt.err); got != tt.want {
				t.Errorf("ShouldRetry(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		results     []error // result per attempt, last one repeats
		wantCalls   int
		wantStatus  int // 0 means success expected
	}{
		{
			name:        "succeeds first try",
			maxAttempts: 3,
			results:     []error{nil},
			wantCalls:   1,
		},
		{
			name:        "throttled on every attempt",
			maxAttempts: 3,
			results:     []error{&statusErr{429}},
			wantCalls:   3,
			wantStatus:  429,
		},
		{
			name:        "server error then success",
			maxAttempts: 3,
			results:     []error{&statusErr{503}, nil},
			wantCalls:   2,
		},
		{
			name:        "not found is not retried",
			maxAttempts: 5,
			results:     []error{&statusErr{404}},
			wantCalls:   1,
			wantStatus:  404,
		},
		{
			name:        "retryable then terminal",
			maxAttempts: 5,
			results:     []error{&statusErr{500}, &statusErr{403}},
			wantCalls:   2,
			wantStatus:  403,
		},
		{
			name:        "zero max attempts runs once",
			maxAttempts: 0,
			results:     []error{&statusErr{429}},
			wantCalls:   1,
			wantStatus:  429,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := quietPolicy()
			calls := 0
			err := p.Execute(context.Background(), tt.maxAttempts, func(_ context.Context, attempt int) error {
				calls++
				if attempt != calls {
					t.Errorf("attempt = %d, want %d", attempt, calls)
				}
				idx := calls - 1
				if idx >= len(tt.results) {
					idx = len(tt.results) - 1
				}
				return tt.results[idx]
			})

			if calls != tt.wantCalls {
				t.Errorf("Execute() calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantStatus == 0 {
				if err != nil {
					t.Errorf("Execute() error = %v, want nil", err)
				}
				return
			}
			var se *statusErr
			if !errors.As(err, &se) || se.code != tt.wantStatus {
				t.Errorf("Execute() error = %v, want status %d", err, tt.wantStatus)
			}
		})
	}
}

func TestExecuteNonStatusErrorIsFinal(t *testing.T) {
	p := quietPolicy()
	boom := errors.New("tls handshake failure")
	calls := 0
	err := p.Execute(context.Background(), 3, func(context.Context, int) error {
		calls++
		return boom
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Execute() error = %v, want %v", err, boom)
	}
}

func TestExecuteStopsWhenContextEndsDuringWait(t *testing.T) {
	p := quietPolicy(WithScale(1), WithMedianFirstDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	start := time.Now()
	err := p.Execute(ctx, 3, func(context.Context, int) error {
		calls++
		cancel()
		return &statusErr{429}
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Execute() slept instead of honoring cancellation")
	}
}

func TestScheduleBackOff(t *testing.T) {
	s := &schedule{delays: []time.Duration{time.Second, 2 * time.Second}}
	if got := s.NextBackOff(); got != time.Second {
		t.Errorf("NextBackOff() = %v, want 1s", got)
	}
	if got := s.NextBackOff(); got != 2*time.Second {
		t.Errorf("NextBackOff() = %v, want 2s", got)
	}
	if got := s.NextBackOff(); got >= 0 {
		t.Errorf("NextBackOff() past end = %v, want Stop", got)
	}
	s.Reset()
	if got := s.NextBackOff(); got != time.Second {
		t.Errorf("NextBackOff() after Reset = %v, want 1s", got)
	}
}
