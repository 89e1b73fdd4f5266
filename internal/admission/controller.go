package admission

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/streamgate/streamgate/internal/loadmetrics"
)

// ErrBackpressureExceeded is returned when admission is denied. The caller
// owns retry policy; the core never retries a rejected request itself.
var ErrBackpressureExceeded = errors.New("backpressure exceeded")

// ControllerConfig holds backpressure decision parameters.
type ControllerConfig struct {
	// MaxConcurrent is the hard ceiling on concurrently admitted operations.
	MaxConcurrent int
	// DegradeLatency is the p95 latency at which probabilistic load
	// shedding begins.
	DegradeLatency time.Duration
	// CeilingLatency is the p95 latency at which the shed probability
	// reaches 1.0.
	CeilingLatency time.Duration
}

// Controller combines the rate limiter and load metrics into accept,
// shed, or reject decisions for new load-generating work.
type Controller struct {
	config    ControllerConfig
	limiter   *Limiter
	collector *loadmetrics.Collector
	gauge     InFlightGauge
	logger    *slog.Logger

	shedRand func() float64
	now      func() time.Time
}

// NewController creates a backpressure controller.
func NewController(config ControllerConfig, limiter *Limiter, collector *loadmetrics.Collector) *Controller {
	return &Controller{
		config:    config,
		limiter:   limiter,
		collector: collector,
		logger:    slog.Default(),
		shedRand:  rand.Float64,
		now:       time.Now,
	}
}

// WithLogger sets a custom logger.
func (c *Controller) WithLogger(logger *slog.Logger) *Controller {
	c.logger = logger
	return c
}

// WithShedRandFunc overrides the load-shedding random source. Used in tests.
func (c *Controller) WithShedRandFunc(fn func() float64) *Controller {
	c.shedRand = fn
	return c
}

// WithNowFunc overrides the clock. Used in tests.
func (c *Controller) WithNowFunc(now func() time.Time) *Controller {
	c.now = now
	return c
}

// InFlight returns the current number of admitted operations.
func (c *Controller) InFlight() int {
	return c.gauge.Current()
}

// Execute runs op under admission control. A denied request returns
// ErrBackpressureExceeded without invoking op. On admission the in-flight
// count is held for the duration of op and released on every exit path,
// including panics.
func (c *Controller) Execute(ctx context.Context, clientID string, op func(context.Context) error) error {
	release, err := c.AcquireSlot(clientID)
	if err != nil {
		return err
	}
	defer release()

	start := c.now()
	opErr := op(ctx)
	c.collector.Record(loadmetrics.Sample{
		Timestamp: c.now(),
		InFlight:  c.gauge.Current(),
		Latency:   c.now().Sub(start),
		Err:       opErr != nil,
	})
	return opErr
}

// AcquireSlot admits a long-lived operation (a streaming session holds its
// slot for its whole lifetime). The returned release function is
// idempotent and must be called on every exit path.
func (c *Controller) AcquireSlot(clientID string) (func(), error) {
	if !c.limiter.Allow(clientID) {
		c.reject(clientID, "rate_limited")
		return nil, ErrBackpressureExceeded
	}

	if !c.gauge.TryAcquire(c.config.MaxConcurrent) {
		c.reject(clientID, "max_concurrent")
		return nil, ErrBackpressureExceeded
	}

	if c.shouldShed() {
		c.gauge.Release()
		c.reject(clientID, "load_shed")
		return nil, ErrBackpressureExceeded
	}

	var once sync.Once
	return func() {
		once.Do(c.gauge.Release)
	}, nil
}

// CheckActuation gates load-adding actuation (a bitrate increase restarts
// the encode process) for an operation that already holds a slot. It
// consults the rate limiter and shedding policy but does not take a second
// slot. Bitrate decreases never pass through here; degrading is always
// allowed to proceed.
func (c *Controller) CheckActuation(clientID string) error {
	if !c.limiter.Allow(clientID) {
		c.reject(clientID, "rate_limited")
		return ErrBackpressureExceeded
	}
	if c.shouldShed() {
		c.reject(clientID, "load_shed")
		return ErrBackpressureExceeded
	}
	return nil
}

// shouldShed applies the probabilistic load-shedding policy: between the
// degrade threshold and the hard ceiling the rejection probability scales
// linearly from 0 to 1.
func (c *Controller) shouldShed() bool {
	p95 := c.collector.Snapshot().P95Latency
	if p95 <= c.config.DegradeLatency {
		return false
	}
	if p95 >= c.config.CeilingLatency {
		return true
	}

	span := c.config.CeilingLatency - c.config.DegradeLatency
	probability := float64(p95-c.config.DegradeLatency) / float64(span)
	return c.shedRand() < probability
}

// reject records the rejection as an error sample so sustained rejection
// pressure feeds back into future shedding decisions.
func (c *Controller) reject(clientID, reason string) {
	c.collector.Record(loadmetrics.Sample{
		Timestamp: c.now(),
		InFlight:  c.gauge.Current(),
		Err:       true,
	})
	c.logger.Debug("admission rejected",
		slog.String("client_id", clientID),
		slog.String("reason", reason),
		slog.Int("in_flight", c.gauge.Current()),
	)
}
