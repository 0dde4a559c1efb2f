// Package coalescer debounces refresh requests per audience into single fetches.
package coalescer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nkkko/stocksync/internal/metrics"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RefreshFunc re-reads the authoritative list for an audience
type RefreshFunc func(ctx context.Context, audience proto.Audience) error

// Config contains coalescer configuration
type Config struct {
	// Quiet window that must follow the last Schedule call before a refresh fires
	Window time.Duration

	// Upper bound on a single refresh
	RefreshTimeout time.Duration
}

// DefaultConfig returns a default coalescer configuration
func DefaultConfig() Config {
	return Config{
		Window:         300 * time.Millisecond,
		RefreshTimeout: 15 * time.Second,
	}
}

// audienceState tracks the debounce timer and in-flight refresh of one audience
type audienceState struct {
	timer *time.Timer
	// gen invalidates timers that fired after being replaced or stopped
	gen     uint64
	running bool
	dirty   bool
}

// Coalescer is a trailing-edge debouncer with one timer per audience.
// Refreshes for the same audience never overlap: a refresh due while
// another is in flight runs once, after it completes.
type Coalescer struct {
	config  Config
	refresh RefreshFunc
	states  map[proto.Audience]*audienceState
	stopped bool
	mu      sync.Mutex
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a new coalescer calling refresh when a debounce window elapses
func New(config Config, refresh RefreshFunc) *Coalescer {
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = DefaultConfig().RefreshTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coalescer{
		config:  config,
		refresh: refresh,
		states:  make(map[proto.Audience]*audienceState),
		ctx:     ctx,
		cancel:  cancel,
		metrics: metrics.GetMetrics(),
		logger:  log.With().Str("component", "coalescer").Logger(),
	}
}

func (c *Coalescer) state(audience proto.Audience) *audienceState {
	st, ok := c.states[audience]
	if !ok {
		st = &audienceState{}
		c.states[audience] = st
	}
	return st
}

// Schedule requests a refresh for audience, restarting its debounce window
func (c *Coalescer) Schedule(audience proto.Audience) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	st := c.state(audience)
	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(c.config.Window, func() {
		c.fire(audience, gen)
	})

	c.metrics.RefreshScheduledTotal.WithLabelValues(string(audience)).Inc()
}

// Pending reports whether a debounce timer is armed for audience
func (c *Coalescer) Pending(audience proto.Audience) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[audience]
	return ok && st.timer != nil
}

// fire runs when a debounce window elapses
func (c *Coalescer) fire(audience proto.Audience, gen uint64) {
	c.mu.Lock()
	st := c.state(audience)
	if c.stopped || st.gen != gen {
		c.mu.Unlock()
		return
	}
	st.timer = nil

	if st.running {
		st.dirty = true
		c.mu.Unlock()
		c.metrics.RefreshTotal.WithLabelValues(string(audience), "deferred").Inc()
		return
	}
	st.running = true
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()
	c.run(audience)
}

// Flush discards any pending timer for audience and refreshes now.
// If a refresh is already in flight, exactly one more runs after it.
func (c *Coalescer) Flush(audience proto.Audience) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	st := c.state(audience)
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++

	c.metrics.RefreshTotal.WithLabelValues(string(audience), "forced").Inc()

	if st.running {
		st.dirty = true
		c.mu.Unlock()
		return
	}
	st.running = true
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()
	c.run(audience)
}

// run refreshes until no follow-up is owed
func (c *Coalescer) run(audience proto.Audience) {
	for {
		c.refreshOnce(audience)

		c.mu.Lock()
		st := c.state(audience)
		if st.dirty && !c.stopped {
			st.dirty = false
			c.mu.Unlock()
			continue
		}
		st.running = false
		st.dirty = false
		c.mu.Unlock()
		return
	}
}

// refreshOnce calls the refresh function, logging and swallowing failures
func (c *Coalescer) refreshOnce(audience proto.Audience) {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.RefreshTimeout)
	defer cancel()

	ctx, span := otel.Tracer("stocksync/coalescer").Start(ctx, "coalescer.refresh")
	span.SetAttributes(attribute.String("audience", string(audience)))
	defer span.End()

	start := time.Now()
	err := c.safeRefresh(ctx, audience)
	c.metrics.RefreshDuration.WithLabelValues(string(audience)).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RefreshTotal.WithLabelValues(string(audience), "error").Inc()
		c.logger.Warn().Err(err).Str("audience", string(audience)).Msg("Refresh failed")
		return
	}

	c.metrics.RefreshTotal.WithLabelValues(string(audience), "success").Inc()
	c.logger.Debug().
		Str("audience", string(audience)).
		Dur("duration", time.Since(start)).
		Msg("Refresh completed")
}

func (c *Coalescer) safeRefresh(ctx context.Context, audience proto.Audience) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh panicked: %v", r)
		}
	}()
	return c.refresh(ctx, audience)
}

// Stop cancels every pending timer. Later Schedule and Flush calls are no-ops.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true

	for _, st := range c.states {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.gen++
		st.dirty = false
	}
	c.mu.Unlock()

	c.cancel()
	c.logger.Debug().Msg("Coalescer stopped")
}

// Wait blocks until in-flight refreshes return
func (c *Coalescer) Wait() {
	c.wg.Wait()
}
