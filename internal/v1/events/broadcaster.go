// Package events implements fan-out of typed game events to per-room
// subscribers. Delivery is at-most-once per subscriber and in-order per
// (interaction, subscriber): each subscription owns a FIFO queue drained by
// a single dispatch goroutine, which coalesces events into batches without
// ever reordering them.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/logging"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/metrics"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

const (
	// DefaultBatchSize is the max events coalesced into one delivery.
	DefaultBatchSize = 10
	// DefaultBatchTimeout flushes a partial batch after this long.
	DefaultBatchTimeout = 100 * time.Millisecond

	subscriberQueueSize = 256
)

// Subscriber receives ordered event batches for one user's connection.
type Subscriber interface {
	UserID() types.UserID
	IsDM() bool
	// Deliver is called from the subscription's dispatch goroutine with a
	// batch preserving emission order. It must not block indefinitely.
	Deliver(batch []types.GameEvent)
}

type subscription struct {
	sub   Subscriber
	queue chan types.GameEvent
	done  chan struct{}
}

// Broadcaster fans typed events out to room subscribers.
type Broadcaster struct {
	mu    sync.RWMutex
	rooms map[types.InteractionID]map[*subscription]struct{}

	batchSize    int
	batchTimeout time.Duration

	wg     sync.WaitGroup
	closed bool
}

// NewBroadcaster creates a Broadcaster. Zero values select the defaults.
func NewBroadcaster(batchSize int, batchTimeout time.Duration) *Broadcaster {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}
	return &Broadcaster{
		rooms:        make(map[types.InteractionID]map[*subscription]struct{}),
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
	}
}

// Subscribe registers sub for a room's event stream and returns an
// unsubscribe function. The caller is responsible for sending the full-sync
// delta before relying on subsequent partial deltas.
func (b *Broadcaster) Subscribe(interactionID types.InteractionID, sub Subscriber) func() {
	s := &subscription{
		sub:   sub,
		queue: make(chan types.GameEvent, subscriberQueueSize),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		return func() {}
	}
	subs, ok := b.rooms[interactionID]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.rooms[interactionID] = subs
	}
	subs[s] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.rooms[interactionID]; ok {
				delete(subs, s)
				if len(subs) == 0 {
					delete(b.rooms, interactionID)
				}
			}
			b.mu.Unlock()
			close(s.done)
		})
	}
}

// Broadcast delivers an event to every subscriber of the room that its
// visibility rules admit.
func (b *Broadcaster) Broadcast(interactionID types.InteractionID, ev types.GameEvent) {
	ev.InteractionID = interactionID
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.rooms[interactionID] {
		if !visibleTo(ev, s.sub) {
			continue
		}
		select {
		case s.queue <- ev:
			metrics.GameEvents.WithLabelValues(string(ev.Type), "enqueued").Inc()
		default:
			// A slow subscriber never blocks the room writer.
			metrics.GameEvents.WithLabelValues(string(ev.Type), "dropped").Inc()
			logging.Warn(context.Background(), "Dropping event - subscriber queue full",
				zap.String("interactionId", string(interactionID)),
				zap.String("userId", string(s.sub.UserID())),
				zap.String("event", string(ev.Type)))
		}
	}
}

// BroadcastToUser addresses a single user within the room.
func (b *Broadcaster) BroadcastToUser(interactionID types.InteractionID, userID types.UserID, ev types.GameEvent) {
	ev.TargetUserID = userID
	b.Broadcast(interactionID, ev)
}

// SubscriberCount reports the current number of subscribers for a room.
func (b *Broadcaster) SubscriberCount(interactionID types.InteractionID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[interactionID])
}

// Close stops all dispatch goroutines and waits for them to flush.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.rooms {
		for s := range subs {
			close(s.done)
		}
	}
	b.rooms = make(map[types.InteractionID]map[*subscription]struct{})
	b.mu.Unlock()

	b.wg.Wait()
}

// dispatch drains one subscription's queue, coalescing up to batchSize
// events or whatever arrives within batchTimeout of the first buffered
// event. Batch boundaries never reorder events.
func (b *Broadcaster) dispatch(s *subscription) {
	defer b.wg.Done()

	var batch []types.GameEvent
	var timer *time.Timer
	var timeout <-chan time.Time

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.sub.Deliver(batch)
		batch = nil
		if timer != nil {
			timer.Stop()
			timer = nil
			timeout = nil
		}
	}

	for {
		select {
		case <-s.done:
			flush()
			return
		case ev := <-s.queue:
			batch = append(batch, ev)
			if len(batch) >= b.batchSize {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(b.batchTimeout)
				timeout = timer.C
			}
		case <-timeout:
			timer = nil
			timeout = nil
			flush()
		}
	}
}

// visibleTo applies the per-event visibility rules: direct addressing,
// private chat recipients, and DM-only channels.
func visibleTo(ev types.GameEvent, sub Subscriber) bool {
	if ev.TargetUserID != "" {
		return ev.TargetUserID == sub.UserID()
	}

	if ev.Type == types.EventChatMessage && ev.Message != nil {
		switch ev.Message.Type {
		case types.ChatTypePrivate:
			allowed := set.New[types.UserID](ev.Message.Recipients...)
			allowed.Insert(ev.Message.UserID)
			return allowed.Has(sub.UserID())
		case types.ChatTypeDM:
			return sub.IsDM() || ev.Message.UserID == sub.UserID()
		}
	}

	return true
}
