package notifier

import (
	"sync"
	"time"

	"github.com/nkkko/stocksync/internal/metrics"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/rs/zerolog/log"
)

// BroadcastBuffer batches notifications and fans them out to every subscriber
type BroadcastBuffer struct {
	bufferSize    int
	flushInterval time.Duration

	subscribers     map[string]chan *proto.Notification
	subscribersLock sync.RWMutex

	currentBuffer     []*proto.Notification
	currentBufferLock sync.Mutex

	forceFlush chan struct{}
	close      chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	metrics *metrics.Metrics
}

// NewBroadcastBuffer creates a broadcast buffer and starts its flush loop
func NewBroadcastBuffer(bufferSize int, flushInterval time.Duration) *BroadcastBuffer {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}

	b := &BroadcastBuffer{
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		subscribers:   make(map[string]chan *proto.Notification),
		currentBuffer: make([]*proto.Notification, 0, bufferSize),
		forceFlush:    make(chan struct{}, 1),
		close:         make(chan struct{}),
		done:          make(chan struct{}),
		metrics:       metrics.GetMetrics(),
	}

	go b.bufferFlushLoop()

	return b
}

// Subscribe adds a subscriber. Subscribing an existing id replaces its channel.
func (b *BroadcastBuffer) Subscribe(id string, buffer int) <-chan *proto.Notification {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old)
	} else {
		b.metrics.NotifierConnectionsActive.Inc()
	}

	channel := make(chan *proto.Notification, buffer)
	b.subscribers[id] = channel

	return channel
}

// Unsubscribe removes a subscriber and closes its channel
func (b *BroadcastBuffer) Unsubscribe(id string) {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		b.metrics.NotifierConnectionsActive.Dec()
	}
}

// Len returns the number of subscribers
func (b *BroadcastBuffer) Len() int {
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()
	return len(b.subscribers)
}

// Publish appends a notification to the pending batch
func (b *BroadcastBuffer) Publish(n *proto.Notification) {
	b.currentBufferLock.Lock()
	defer b.currentBufferLock.Unlock()

	b.currentBuffer = append(b.currentBuffer, n)

	if len(b.currentBuffer) >= b.bufferSize {
		select {
		case b.forceFlush <- struct{}{}:
		default:
		}
	}
}

func (b *BroadcastBuffer) bufferFlushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.forceFlush:
			b.flush()
		case <-b.close:
			b.flush()
			return
		}
	}
}

// flush sends the pending batch to all subscribers without blocking
func (b *BroadcastBuffer) flush() {
	b.currentBufferLock.Lock()
	buffer := b.currentBuffer
	if len(buffer) == 0 {
		b.currentBufferLock.Unlock()
		return
	}
	b.currentBuffer = make([]*proto.Notification, 0, b.bufferSize)
	b.currentBufferLock.Unlock()

	// Held for the whole send so Unsubscribe cannot close a channel mid-send
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()

	if len(b.subscribers) == 0 {
		return
	}

	start := time.Now()
	delivered := 0
	skipped := 0

	for id, ch := range b.subscribers {
		sent := 0
		for _, n := range buffer {
			select {
			case ch <- n:
				sent++
			default:
				skipped++
				log.Warn().
					Str("subscriber_id", id).
					Str("notification_id", n.Id).
					Msg("Subscriber channel is full, dropping notification")
			}
		}
		delivered += sent

		b.metrics.NotifierEventsPublished.WithLabelValues("broadcast").Add(float64(sent))
	}

	delay := time.Since(start).Seconds()
	b.metrics.NotifierEventDelay.Observe(delay)

	if delay > 0.1 {
		log.Warn().
			Float64("delay_seconds", delay).
			Int("notifications", len(buffer)).
			Int("subscribers", len(b.subscribers)).
			Int("delivered", delivered).
			Int("skipped", skipped).
			Msg("High latency in broadcast buffer flush")
	}
}

// Close flushes pending notifications and closes every subscriber channel
func (b *BroadcastBuffer) Close() error {
	b.closeOnce.Do(func() {
		close(b.close)
		<-b.done

		b.subscribersLock.Lock()
		defer b.subscribersLock.Unlock()

		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
			b.metrics.NotifierConnectionsActive.Dec()
		}
	})

	return nil
}
