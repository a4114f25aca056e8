package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/pkg/transport"
	transportmock "github.com/MrWong99/voxlink/pkg/transport/mock"
)

// countingDialer fails with err (when set) and counts attempts.
type countingDialer struct {
	calls int
	err   error
	ch    *transportmock.Channel
}

func (d *countingDialer) dial(context.Context) (transport.Channel, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.ch, nil
}

func newTestFailover(t *testing.T, clk *fakeClock, dialers ...*countingDialer) *Failover {
	t.Helper()
	names := []string{"ws://primary", "ws://backup", "ws://spare"}
	eps := make([]Endpoint, len(dialers))
	for i, d := range dialers {
		eps[i] = Endpoint{Name: names[i], Dial: d.dial}
	}
	f, err := NewFailover(FailoverConfig{
		Breaker: BreakerConfig{MaxFailures: 1, Cooldown: time.Minute, Now: clk.now},
		Logger:  discard(),
	}, eps...)
	if err != nil {
		t.Fatalf("NewFailover: %v", err)
	}
	return f
}

func TestNewFailover_Invalid(t *testing.T) {
	if _, err := NewFailover(FailoverConfig{}); err == nil {
		t.Error("expected error with no endpoints")
	}
	if _, err := NewFailover(FailoverConfig{}, Endpoint{Name: "x"}); err == nil {
		t.Error("expected error for endpoint without dialer")
	}
}

func TestFailover_PrimarySucceeds(t *testing.T) {
	primary := &countingDialer{ch: transportmock.NewChannel()}
	backup := &countingDialer{ch: transportmock.NewChannel()}
	f := newTestFailover(t, &fakeClock{t: time.Unix(0, 0)}, primary, backup)

	ch, err := f.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if ch != transport.Channel(primary.ch) {
		t.Error("expected the primary channel")
	}
	if backup.calls != 0 {
		t.Errorf("backup dialed %d times, want 0", backup.calls)
	}
}

func TestFailover_FallsBack(t *testing.T) {
	primary := &countingDialer{err: errTest}
	backup := &countingDialer{ch: transportmock.NewChannel()}
	clk := &fakeClock{t: time.Unix(0, 0)}
	f := newTestFailover(t, clk, primary, backup)

	ch, err := f.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if ch != transport.Channel(backup.ch) {
		t.Error("expected the backup channel")
	}

	// The primary's breaker is now open and is skipped without dialing.
	if _, err := f.Dial(context.Background()); err != nil {
		t.Fatalf("second Dial: %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("primary dialed %d times, want 1", primary.calls)
	}

	// After the cooldown the primary gets a probe again.
	clk.advance(time.Minute)
	primary.err = nil
	primary.ch = transportmock.NewChannel()
	ch, err = f.Dial(context.Background())
	if err != nil {
		t.Fatalf("third Dial: %v", err)
	}
	if ch != transport.Channel(primary.ch) {
		t.Error("expected the recovered primary")
	}
}

func TestFailover_AllFail(t *testing.T) {
	primary := &countingDialer{err: errTest}
	backup := &countingDialer{err: errors.New("refused")}
	f := newTestFailover(t, &fakeClock{t: time.Unix(0, 0)}, primary, backup)

	_, err := f.Dial(context.Background())
	if !errors.Is(err, ErrAllEndpointsFailed) {
		t.Fatalf("err = %v, want ErrAllEndpointsFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, should wrap the primary's error", err)
	}
	if f.Check(context.Background()) == nil {
		t.Error("Check should fail with every breaker open")
	}

	_, err = f.Dial(context.Background())
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen from skipped endpoints", err)
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.calls, backup.calls)
	}
}

func TestFailover_CancelledNotCounted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &countingDialer{}
	backup := &countingDialer{ch: transportmock.NewChannel()}
	f := newTestFailover(t, &fakeClock{t: time.Unix(0, 0)}, primary, backup)
	f.entries[0].Dial = func(context.Context) (transport.Channel, error) {
		primary.calls++
		cancel()
		return nil, context.Canceled
	}

	_, err := f.Dial(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if backup.calls != 0 {
		t.Error("cancellation should stop the sequence")
	}
	st := f.Endpoints()
	if st[0].State != "closed" || st[0].Failures != 0 {
		t.Errorf("primary status = %+v, want closed with no failures", st[0])
	}
}

func TestFailover_DeadlineCounted(t *testing.T) {
	f := newTestFailover(t, &fakeClock{t: time.Unix(0, 0)}, &countingDialer{})
	f.entries[0].Dial = func(ctx context.Context) (transport.Channel, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Dial(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	st := f.Endpoints()[0]
	if st.State != "open" || st.Failures != 1 {
		t.Errorf("status = %+v, want open with one failure", st)
	}
	if f.Check(context.Background()) == nil {
		t.Error("Check should fail once the only endpoint is open")
	}
}

func TestFailover_AttemptTimeout(t *testing.T) {
	slow := func(ctx context.Context) (transport.Channel, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	backup := &countingDialer{ch: transportmock.NewChannel()}
	f, err := NewFailover(FailoverConfig{AttemptTimeout: 10 * time.Millisecond, Logger: discard()},
		Endpoint{Name: "ws://slow", Dial: slow},
		Endpoint{Name: "ws://backup", Dial: backup.dial},
	)
	if err != nil {
		t.Fatalf("NewFailover: %v", err)
	}

	ch, err := f.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if ch != transport.Channel(backup.ch) {
		t.Error("expected the backup after the slow endpoint timed out")
	}
	if f.Endpoints()[0].Failures != 1 {
		t.Errorf("slow endpoint failures = %d, want 1", f.Endpoints()[0].Failures)
	}
}

func TestFailover_Endpoints(t *testing.T) {
	f := newTestFailover(t, &fakeClock{t: time.Unix(0, 0)},
		&countingDialer{err: errTest}, &countingDialer{ch: transportmock.NewChannel()})
	if _, err := f.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	got := f.Endpoints()
	want := []EndpointStatus{
		{Name: "ws://primary", State: "open", Failures: 1},
		{Name: "ws://backup", State: "closed", Failures: 0},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Endpoints()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if err := f.Check(context.Background()); err != nil {
		t.Errorf("Check: %v", err)
	}
}
