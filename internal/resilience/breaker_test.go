package resilience

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is advanced by hand.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestBreaker(max int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	return NewBreaker(BreakerConfig{
		Name:        "ws://primary",
		MaxFailures: max,
		Cooldown:    cooldown,
		Logger:      discard(),
		Now:         clk.now,
	}), clk
}

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{})
	if b.maxFailures != DefaultMaxFailures {
		t.Errorf("maxFailures = %d, want %d", b.maxFailures, DefaultMaxFailures)
	}
	if b.cooldown != DefaultCooldown {
		t.Errorf("cooldown = %v, want %v", b.cooldown, DefaultCooldown)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	for range 2 {
		_ = b.Do(func() error { return errTest })
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v after 2 failures, want closed", b.State())
	}
	_ = b.Do(func() error { return errTest })
	if b.State() != StateOpen {
		t.Fatalf("state = %v after 3 failures, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn ran while the breaker was open")
	}
}

func TestBreaker_SuccessResetsRun(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return nil })
	_ = b.Do(func() error { return errTest })
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed (failures were not consecutive)", b.State())
	}
	if b.Failures() != 1 {
		t.Errorf("Failures = %d, want 1", b.Failures())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe error
		want  State
	}{
		{"success closes", nil, StateClosed},
		{"failure reopens", errTest, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clk := newTestBreaker(1, time.Minute)
			_ = b.Do(func() error { return errTest })

			clk.advance(time.Minute)
			if b.State() != StateHalfOpen {
				t.Fatalf("state = %v after cooldown, want half-open", b.State())
			}
			if err := b.Allow(); err != nil {
				t.Fatalf("probe rejected: %v", err)
			}
			if err := b.Allow(); !errors.Is(err, ErrOpen) {
				t.Fatalf("second concurrent probe: err = %v, want ErrOpen", err)
			}
			b.Record(tt.probe)
			if b.State() != tt.want {
				t.Errorf("state = %v, want %v", b.State(), tt.want)
			}
		})
	}
}

func TestBreaker_ReopenRestartsCooldown(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	_ = b.Do(func() error { return errTest })
	clk.advance(time.Minute)
	_ = b.Do(func() error { return errTest })

	clk.advance(30 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen within the new cooldown", err)
	}
}

func TestBreaker_AbandonReleasesProbe(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	_ = b.Do(func() error { return errTest })
	clk.advance(time.Minute)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.Abandon()
	if err := b.Allow(); err != nil {
		t.Errorf("probe after Abandon rejected: %v", err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)
	_ = b.Do(func() error { return errTest })
	b.Reset()
	if b.State() != StateClosed || b.Failures() != 0 {
		t.Errorf("after Reset: state=%v failures=%d", b.State(), b.Failures())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow after Reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
