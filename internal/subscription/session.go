package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkkko/stocksync/internal/coalescer"
	"github.com/nkkko/stocksync/internal/realtime"
	"github.com/nkkko/stocksync/internal/transition"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/rs/zerolog"
)

// session is the owned state of one started viewer. All events are handled
// on a single goroutine, so a given order's events are processed in arrival order.
type session struct {
	manager  *Manager
	viewerID string
	role     proto.Role
	audience proto.Audience
	name     string

	detector  *transition.Detector
	coalescer *coalescer.Coalescer

	channel realtime.Channel
	chMu    sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	connected   atomic.Bool
	received    atomic.Int64
	routed      atomic.Int64
	transitions atomic.Int64
	notified    atomic.Int64
	reconnects  atomic.Int64
	lastRefresh atomic.Value

	logger zerolog.Logger
}

func newSession(ctx context.Context, m *Manager, viewerID string, role proto.Role) (*session, error) {
	detector, err := transition.NewDetector(m.config.Detector)
	if err != nil {
		return nil, fmt.Errorf("failed to create transition detector: %w", err)
	}

	s := &session{
		manager:  m,
		viewerID: viewerID,
		role:     role,
		audience: proto.AudienceFor(role),
		name:     realtime.ChannelName(viewerID),
		detector: detector,
		done:     make(chan struct{}),
		logger: m.logger.With().
			Str("viewer_id", viewerID).
			Str("role", string(role)).
			Logger(),
	}

	s.coalescer = coalescer.New(m.config.Coalescer, func(ctx context.Context, audience proto.Audience) error {
		if err := m.refresh(ctx, audience, viewerID); err != nil {
			return err
		}
		s.lastRefresh.Store(time.Now())
		return nil
	})

	// The session outlives the request that started it
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	channel, err := m.deps.Source.Open(ctx, s.name, realtime.WatchedTables)
	if err != nil {
		s.cancel()
		s.coalescer.Stop()
		return nil, fmt.Errorf("failed to open channel %s: %w", s.name, err)
	}
	s.channel = channel
	s.connected.Store(true)

	return s, nil
}

func (s *session) start() {
	go s.run()
}

// stop cancels timers, closes the channel and waits for the consumer and any
// in-flight refresh to exit
func (s *session) stop() {
	s.once.Do(func() {
		s.cancel()
		s.coalescer.Stop()
		s.coalescer.Wait()

		s.chMu.Lock()
		channel := s.channel
		s.chMu.Unlock()
		if channel != nil {
			if err := channel.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to close channel")
			}
		}

		<-s.done
		s.connected.Store(false)
		s.detector.Reset()
	})
}

// discard releases a session that was opened but never started
func (s *session) discard() {
	s.once.Do(func() {
		s.cancel()
		s.coalescer.Stop()
		if err := s.channel.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close channel")
		}
		s.connected.Store(false)
	})
}

func (s *session) run() {
	defer close(s.done)

	s.chMu.Lock()
	channel := s.channel
	s.chMu.Unlock()

	for {
		s.consume(channel)
		if s.ctx.Err() != nil {
			return
		}

		s.connected.Store(false)
		s.logger.Warn().Str("channel", s.name).Msg("Channel closed unexpectedly, reopening")

		channel = s.reopen()
		if channel == nil {
			return
		}
	}
}

func (s *session) consume(channel realtime.Channel) {
	events := channel.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.handle(event)
		}
	}
}

// reopen retries Open with exponential backoff until it succeeds, the session
// stops, or the source is closed for good
func (s *session) reopen() realtime.Channel {
	config := s.manager.config
	delay := config.ReconnectInitial

	for {
		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		s.reconnects.Add(1)
		s.manager.metrics.ChannelReconnects.Inc()

		channel, err := s.manager.deps.Source.Open(s.ctx, s.name, realtime.WatchedTables)
		if err == nil {
			s.chMu.Lock()
			if s.ctx.Err() != nil {
				s.chMu.Unlock()
				_ = channel.Close()
				return nil
			}
			s.channel = channel
			s.chMu.Unlock()

			s.connected.Store(true)
			s.logger.Info().Str("channel", s.name).Msg("Channel reopened")

			// Events may have been missed while disconnected
			s.coalescer.Schedule(s.audience)
			return channel
		}

		if errors.Is(err, realtime.ErrClosed) {
			s.logger.Error().Err(err).Msg("Change-event source closed, giving up")
			return nil
		}

		s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Failed to reopen channel")

		delay *= 2
		if delay > config.ReconnectMax {
			delay = config.ReconnectMax
		}
	}
}

// handle routes one event, feeds the detector, schedules a refresh and
// dispatches any transition, in that order
func (s *session) handle(event *proto.ChangeEvent) {
	s.received.Add(1)

	start := time.Now()
	defer func() {
		s.manager.metrics.RouterEventDuration.Observe(time.Since(start).Seconds())
	}()

	routed := s.manager.router.Route(event, s.viewerID, s.role)
	if routed == nil {
		return
	}
	s.routed.Add(1)

	t := s.detector.Observe(routed)
	if t == nil {
		t = s.detector.NewOrder(routed)
	}

	s.coalescer.Schedule(s.audience)

	if t == nil {
		return
	}
	s.transitions.Add(1)
	s.dispatch(t)
}

func (s *session) dispatch(t *proto.Transition) {
	ctx, cancel := context.WithTimeout(s.ctx, s.manager.config.PreferencesTimeout)
	prefs, err := s.manager.deps.Preferences.Get(ctx, s.viewerID)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).
			Str("entity_id", t.EntityId).
			Msg("Failed to load preferences, skipping notification")
		return
	}

	n, err := s.manager.deps.Dispatcher.MaybeNotify(s.ctx, t, s.audience, s.role, prefs)
	if err != nil {
		return
	}
	if n != nil {
		s.notified.Add(1)
	}
}
