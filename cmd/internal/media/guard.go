package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// GuardConfig tunes the circuit breaker around a Store.
type GuardConfig struct {
	Name        string
	MaxFailures uint32
	Interval    time.Duration
	Timeout     time.Duration
	CallTimeout time.Duration
}

// DefaultGuardConfig returns conservative breaker settings.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Name:        "media",
		MaxFailures: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// Guard wraps a Store with a circuit breaker, a per-call timeout and an upload
// latency histogram. Failures surface as ErrUnavailable.
type Guard struct {
	next        Store
	cb          *gobreaker.CircuitBreaker
	callTimeout time.Duration
	latency     *prometheus.HistogramVec
}

// NewGuard wraps next. reg may be nil to skip metric registration.
func NewGuard(next Store, cfg GuardConfig, log *slog.Logger, reg prometheus.Registerer) (*Guard, error) {
	if next == nil {
		return nil, errors.New("media: nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	d := DefaultGuardConfig()
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = d.MaxFailures
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = d.CallTimeout
	}

	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("media.breaker.state", "name", name, "from", from.String(), "to", to.String())
		},
	}

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "duet_media_upload_seconds",
		Help:    "Attachment upload latency by outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	if reg != nil {
		if err := reg.Register(latency); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			latency = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return &Guard{
		next:        next,
		cb:          gobreaker.NewCircuitBreaker(st),
		callTimeout: cfg.CallTimeout,
		latency:     latency,
	}, nil
}

// Upload implements Store.
func (g *Guard) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	start := time.Now()

	out, err := g.cb.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
		return g.next.Upload(cctx, key, contentType, data)
	})

	outcome := "ok"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "rejected"
	case err != nil:
		outcome = "error"
	}
	g.latency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out.(string), nil
}

// State returns the breaker state name.
func (g *Guard) State() string { return g.cb.State().String() }
