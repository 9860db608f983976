package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func fail(context.Context) error { return errTest }
func ok(context.Context) error { return nil }

func newBreaker(t *testing.T, cfg Config, opts ...Option) (*Breaker, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(cfg, append([]Option{WithClock(clk.Now)}, opts...)...), clk
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Name: "api"})
	if b.maxFailures != 5 || b.resetTimeout != 30*time.Second || b.halfOpenMax != 2 {
		t.Errorf("defaults = %d %v %d", b.maxFailures, b.resetTimeout, b.halfOpenMax)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newBreaker(t, Config{MaxFailures: 3})
	ctx := t.Context()

	b.Do(ctx, fail)
	b.Do(ctx, fail)
	b.Do(ctx, ok)
	b.Do(ctx, fail)
	b.Do(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %v, success should reset the count", b.State())
	}
	b.Do(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("open breaker: err = %v, called = %v", err, called)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	tests := []struct {
		name   string
		trials []func(context.Context) error
		want   State
	}{
		{"successful trials close", []func(context.Context) error{ok, ok}, StateClosed},
		{"failed trial re-opens", []func(context.Context) error{ok, fail}, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clk := newBreaker(t, Config{MaxFailures: 1, ResetTimeout: 10 * time.Second})
			b.Do(t.Context(), fail)
			clk.Advance(10 * time.Second)
			if b.State() != StateHalfOpen {
				t.Fatalf("state = %v, want half-open", b.State())
			}
			for _, p := range tt.trials {
				b.Do(t.Context(), p)
			}
			if b.State() != tt.want {
				t.Errorf("state = %v, want %v", b.State(), tt.want)
			}
		})
	}
}

func TestBreaker_HalfOpenTrialBudget(t *testing.T) {
	b, clk := newBreaker(t, Config{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1})
	b.Do(t.Context(), fail)
	clk.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(t.Context(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	if err := b.Do(t.Context(), ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second trial err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_CancellationNotCounted(t *testing.T) {
	b, _ := newBreaker(t, Config{MaxFailures: 1})
	b.Do(t.Context(), func(context.Context) error { return context.Canceled })
	if b.State() != StateClosed {
		t.Errorf("state = %v, cancellation tripped the breaker", b.State())
	}
}

func TestBreaker_FailurePredicate(t *testing.T) {
	clientErr := errors.New("400")
	b, _ := newBreaker(t, Config{MaxFailures: 1},
		WithFailurePredicate(func(err error) bool { return !errors.Is(err, clientErr) }))
	b.Do(t.Context(), func(context.Context) error { return clientErr })
	if b.State() != StateClosed {
		t.Errorf("state = %v", b.State())
	}
}

func TestBreaker_StateHookAndReset(t *testing.T) {
	var seen []string
	b, clk := newBreaker(t, Config{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1},
		WithStateHook(func(from, to State) { seen = append(seen, from.String()+">"+to.String()) }))

	b.Do(t.Context(), fail)
	clk.Advance(time.Second)
	b.Do(t.Context(), ok)
	b.Reset()

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}

	b.Do(t.Context(), fail)
	b.Reset()
	if b.State() != StateClosed || seen[len(seen)-1] != "open>closed" {
		t.Errorf("after reset: state = %v, transitions = %v", b.State(), seen)
	}
}
