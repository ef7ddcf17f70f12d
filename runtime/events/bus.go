// Package events implements the live progress feed: every published event is
// persisted first, then fanned out to per-project subscribers over bounded
// queues, and optionally mirrored to an external sink transport. Slow
// subscribers lose their oldest events rather than stalling publishers.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"waveline.dev/waveline/runtime/store"
	"waveline.dev/waveline/runtime/task"
	"waveline.dev/waveline/telemetry"
)

type (
	// Sink mirrors published events to an external transport (e.g. a Pulse
	// stream over Redis). Sink failures are logged and never block local
	// delivery.
	Sink interface {
		// Send publishes one event to the transport.
		Send(ctx context.Context, e *task.Event) error
		// Close releases transport resources.
		Close(ctx context.Context) error
	}

	// Options configures the bus.
	Options struct {
		// Store persists events before fan-out. Required.
		Store *store.Store
		// Sink optionally mirrors events to an external transport.
		Sink Sink
		// QueueSize bounds each subscriber's queue. Defaults to 256.
		QueueSize int
		// MaxSubscribersPerProject caps concurrent subscriptions per
		// project. Defaults to 10.
		MaxSubscribersPerProject int
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to the no-op recorder.
		Metrics telemetry.Metrics
	}

	// Bus is the in-process event hub.
	Bus struct {
		store     *store.Store
		sink      Sink
		queueSize int
		maxSubs   int
		log       telemetry.Logger
		metrics   telemetry.Metrics

		mu     sync.RWMutex
		subs   map[string]map[*Subscription]struct{}
		closed bool
	}

	// Subscription is one subscriber's bounded event queue. Events arrive in
	// publish order; when the queue overflows the oldest event is dropped
	// and Lagging flips to true.
	Subscription struct {
		bus       *Bus
		projectID string
		ch        chan *task.Event

		mu      sync.Mutex
		closed  bool
		lagging bool
	}
)

// ErrTooManySubscribers is returned by Subscribe when the per-project cap is
// reached.
var ErrTooManySubscribers = errors.New("events: too many subscribers for project")

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed = errors.New("events: bus closed")

// NewBus constructs a Bus from the provided options.
func NewBus(opts Options) (*Bus, error) {
	if opts.Store == nil {
		return nil, errors.New("events: store is required")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxSubscribersPerProject <= 0 {
		opts.MaxSubscribersPerProject = 10
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Bus{
		store:     opts.Store,
		sink:      opts.Sink,
		queueSize: opts.QueueSize,
		maxSubs:   opts.MaxSubscribersPerProject,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		subs:      make(map[string]map[*Subscription]struct{}),
	}, nil
}

// Publish persists the event, fans it out to the project's subscribers, and
// mirrors it to the sink. The returned error reflects persistence only:
// subscriber overflow and sink failures are absorbed here.
func (b *Bus) Publish(ctx context.Context, e *task.Event) error {
	if err := b.store.InsertEvent(ctx, e); err != nil {
		return fmt.Errorf("events: persist: %w", err)
	}

	b.mu.RLock()
	snapshot := make([]*Subscription, 0, len(b.subs[e.ProjectID]))
	for sub := range b.subs[e.ProjectID] {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if dropped := sub.push(e); dropped {
			b.metrics.IncCounter(telemetry.MetricEventsDropped, 1, "project_id", e.ProjectID)
			b.log.Debug(ctx, "subscriber lagging, dropped oldest event",
				"project_id", e.ProjectID, "type", string(e.Type))
		}
	}

	if b.sink != nil {
		if err := b.sink.Send(ctx, e); err != nil {
			b.log.Warn(ctx, "event sink send failed", "err", err, "type", string(e.Type))
		}
	}
	return nil
}

// Subscribe registers a new subscriber for one project's events. The caller
// must Close the subscription when done; the last Close tears down the
// project's bucket.
func (b *Bus) Subscribe(projectID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	bucket := b.subs[projectID]
	if len(bucket) >= b.maxSubs {
		return nil, fmt.Errorf("%w: %s", ErrTooManySubscribers, projectID)
	}
	sub := &Subscription{
		bus:       b,
		projectID: projectID,
		ch:        make(chan *task.Event, b.queueSize),
	}
	if bucket == nil {
		bucket = make(map[*Subscription]struct{})
		b.subs[projectID] = bucket
	}
	bucket[sub] = struct{}{}
	return sub, nil
}

// History returns up to limit persisted events for a project, oldest first.
func (b *Bus) History(ctx context.Context, projectID, taskID string, limit int) ([]*task.Event, error) {
	return b.store.RecentEvents(ctx, projectID, taskID, limit)
}

// Close tears down every subscription and the sink. Publish after Close still
// persists but delivers to no one.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	subs := make([]*Subscription, 0)
	for _, bucket := range b.subs {
		for sub := range bucket {
			subs = append(subs, sub)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
	if b.sink != nil {
		return b.sink.Close(ctx)
	}
	return nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket := b.subs[sub.projectID]
	delete(bucket, sub)
	if len(bucket) == 0 {
		delete(b.subs, sub.projectID)
	}
}

// Events returns the subscriber's queue. The channel closes when the
// subscription (or the bus) is closed.
func (s *Subscription) Events() <-chan *task.Event { return s.ch }

// Lagging reports whether events were dropped because this subscriber fell
// behind. Sticky once set.
func (s *Subscription) Lagging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagging
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// push enqueues the event, evicting the oldest entry when the queue is full.
// Reports whether an event was dropped.
func (s *Subscription) push(e *task.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- e:
		return false
	default:
	}
	// Queue full: evict the oldest, then enqueue. Both operations are
	// non-blocking so a concurrent reader cannot wedge the publisher.
	dropped := false
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	s.lagging = true
	select {
	case s.ch <- e:
	default:
	}
	return dropped
}
