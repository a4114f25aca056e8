package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxlink/pkg/transport"
)

// ErrAllEndpointsFailed is returned by [Failover.Dial] when no endpoint could
// be reached. The per-endpoint errors are joined behind it.
var ErrAllEndpointsFailed = errors.New("resilience: all endpoints failed")

// Endpoint is one dial target.
type Endpoint struct {
	Name string
	Dial transport.Dialer
}

// EndpointStatus is a snapshot of one endpoint's breaker.
type EndpointStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// FailoverConfig configures a [Failover].
type FailoverConfig struct {
	// Breaker is the template for every endpoint's breaker; Name is replaced
	// by the endpoint name.
	Breaker BreakerConfig

	// AttemptTimeout bounds each dial attempt. Zero leaves attempts bounded
	// only by the caller's context.
	AttemptTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type entry struct {
	Endpoint
	breaker *Breaker
}

// Failover dials a primary endpoint and falls back to the others in order.
type Failover struct {
	entries []entry
	timeout time.Duration
	log     *slog.Logger
}

// NewFailover returns a Failover over endpoints, the first being the primary.
func NewFailover(cfg FailoverConfig, endpoints ...Endpoint) (*Failover, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("resilience: no endpoints")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &Failover{timeout: cfg.AttemptTimeout, log: cfg.Logger}
	for _, ep := range endpoints {
		if ep.Dial == nil {
			return nil, fmt.Errorf("resilience: endpoint %q has no dialer", ep.Name)
		}
		bc := cfg.Breaker
		bc.Name = ep.Name
		if bc.Logger == nil {
			bc.Logger = cfg.Logger
		}
		f.entries = append(f.entries, entry{Endpoint: ep, breaker: NewBreaker(bc)})
	}
	return f, nil
}

// Dial implements [transport.Dialer]. Endpoints with an open breaker are
// skipped. Cancellation of ctx stops the sequence and is not held against the
// endpoint being dialed; an expired ctx deadline stops it too but counts as
// that endpoint's failure.
func (f *Failover) Dial(ctx context.Context) (transport.Channel, error) {
	var errs []error
	for i := range f.entries {
		e := &f.entries[i]
		if err := e.breaker.Allow(); err != nil {
			f.log.Debug("skipping endpoint", "endpoint", e.Name, "reason", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
			continue
		}

		ch, err := f.attempt(ctx, e)
		if err == nil {
			e.breaker.Record(nil)
			if i > 0 {
				f.log.Info("connected to fallback endpoint", "endpoint", e.Name)
			}
			return ch, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			if !errors.Is(cerr, context.DeadlineExceeded) {
				e.breaker.Abandon()
				return nil, err
			}
			e.breaker.Record(err)
			f.log.Warn("endpoint dial timed out", "endpoint", e.Name, "err", err)
			return nil, err
		}
		e.breaker.Record(err)
		f.log.Warn("endpoint dial failed", "endpoint", e.Name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllEndpointsFailed, errors.Join(errs...))
}

func (f *Failover) attempt(ctx context.Context, e *entry) (transport.Channel, error) {
	if f.timeout <= 0 {
		return e.Dial(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return e.Dial(actx)
}

// Endpoints reports every endpoint's breaker in dial order.
func (f *Failover) Endpoints() []EndpointStatus {
	out := make([]EndpointStatus, len(f.entries))
	for i, e := range f.entries {
		out[i] = EndpointStatus{
			Name:     e.Name,
			State:    e.breaker.State().String(),
			Failures: e.breaker.Failures(),
		}
	}
	return out
}

// Check fails when every endpoint's breaker is open. It has the signature of
// a readiness check.
func (f *Failover) Check(context.Context) error {
	for _, e := range f.entries {
		if e.breaker.State() != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("%w: every breaker is open", ErrAllEndpointsFailed)
}
