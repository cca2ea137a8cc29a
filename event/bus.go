package event

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/racewire/racecontrol/store"
)

// Handler receives a dispatched event. A non-nil return (or a panic) is
// logged and counted in the handler-errors metric, and otherwise ignored —
// it never reaches the publisher and never stops dispatch to other
// subscribers.
type Handler func(ctx context.Context, d Descriptor, payload any) error

// Handle identifies a subscription, returned by Subscribe and consumed by
// Unsubscribe.
type Handle struct {
	id uint64
}

type subscriber struct {
	id         uint64
	handler    Handler
	authorized map[store.Permission]struct{}
}

func (s *subscriber) allowed(p store.Permission) bool {
	_, ok := s.authorized[p]
	return ok
}

type queueEntry struct {
	priority Priority
	seq      uint64
	d        Descriptor
	payload  any
	ctx      context.Context
	index    int
}

type entryHeap []*queueEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority == h[j].priority {
		return h[i].seq < h[j].seq
	}
	return h[i].priority < h[j].priority
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*queueEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Bus is the prioritized, permission-filtered publish/subscribe hub.
// Non-INSTANT events are enqueued (O(log N)) and drained by one
// dedicated dispatcher goroutine in priority order, ties broken by
// publish (FIFO) order. INSTANT events skip the queue: Publish launches
// every currently-authorized handler's goroutine and waits only for each
// to begin running, not to finish, before returning — preserving the
// causal RACE_STAGE → RACE_START → RACE_FINISH → RACE_STOP ordering the
// race manager depends on.
type Bus struct {
	log *zap.Logger

	subMu   sync.RWMutex
	subs    map[uint64]*subscriber
	nextSub uint64

	qMu    sync.Mutex
	q      entryHeap
	seq    uint64
	wake   chan struct{}
	done   chan struct{}
	closed chan struct{}
	once   sync.Once

	metrics busMetrics
}

type busMetrics struct {
	published *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	queueLen  prometheus.GaugeFunc
	handlers  prometheus.Gauge
}

// NewBus starts the dispatcher goroutine. reg may be nil to skip metrics
// registration (tests typically pass nil or a fresh prometheus.Registry).
func NewBus(log *zap.Logger, reg prometheus.Registerer) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{
		log:    log,
		subs:   make(map[uint64]*subscriber),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	b.metrics.published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "racecontrol_event_bus_published_total",
		Help: "Events published, by priority.",
	}, []string{"priority"})
	b.metrics.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "racecontrol_event_bus_handler_errors_total",
		Help: "Subscriber handler errors, by event id.",
	}, []string{"event"})
	b.metrics.handlers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "racecontrol_event_bus_subscribers",
		Help: "Currently registered subscribers.",
	})
	b.metrics.queueLen = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "racecontrol_event_bus_queue_depth",
		Help: "Pending (non-INSTANT) events awaiting dispatch.",
	}, b.queueDepth)
	if reg != nil {
		reg.MustRegister(b.metrics.published, b.metrics.dropped, b.metrics.handlers, b.metrics.queueLen)
	}

	go b.dispatchLoop()
	return b
}

func (b *Bus) queueDepth() float64 {
	b.qMu.Lock()
	defer b.qMu.Unlock()
	return float64(len(b.q))
}

// Subscribe registers handler, invoked for every future Publish whose
// descriptor's RequiredPermission is in authorized. Safe from any
// goroutine at any time.
func (b *Bus) Subscribe(handler Handler, authorized map[store.Permission]struct{}) Handle {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.subs[id] = &subscriber{id: id, handler: handler, authorized: authorized}
	b.metrics.handlers.Set(float64(len(b.subs)))
	return Handle{id: id}
}

// Unsubscribe removes a subscription. After it returns, handler is
// guaranteed never to be invoked again.
func (b *Bus) Unsubscribe(h Handle) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subs, h.id)
	b.metrics.handlers.Set(float64(len(b.subs)))
}

func (b *Bus) matching(p store.Permission) []*subscriber {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	out := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.allowed(p) {
			out = append(out, s)
		}
	}
	return out
}

// Publish dispatches payload for descriptor d. For Instant events, every
// currently-authorized handler has begun executing by the time Publish
// returns. For all other priorities, Publish only enqueues — it never
// suspends the caller.
func (b *Bus) Publish(ctx context.Context, d Descriptor, payload any) {
	b.metrics.published.WithLabelValues(priorityLabel(d.Priority)).Inc()

	if d.Priority == Instant {
		b.publishInstant(ctx, d, payload)
		return
	}

	b.qMu.Lock()
	b.seq++
	heap.Push(&b.q, &queueEntry{priority: d.Priority, seq: b.seq, d: d, payload: payload, ctx: ctx})
	b.qMu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// publishInstant launches a goroutine per authorized subscriber and
// blocks until each has signalled that it has started running.
func (b *Bus) publishInstant(ctx context.Context, d Descriptor, payload any) {
	subs := b.matching(d.RequiredPermission)
	if len(subs) == 0 {
		return
	}
	started := make(chan struct{}, len(subs))
	for _, s := range subs {
		s := s
		go func() {
			started <- struct{}{}
			b.invoke(ctx, s, d, payload)
		}()
	}
	for range subs {
		<-started
	}
}

func (b *Bus) invoke(ctx context.Context, s *subscriber, d Descriptor, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.dropped.WithLabelValues(string(d.ID)).Inc()
			b.log.Error("event bus handler panicked",
				zap.String("event", string(d.ID)), zap.Any("panic", r))
		}
	}()
	if err := s.handler(ctx, d, payload); err != nil {
		b.metrics.dropped.WithLabelValues(string(d.ID)).Inc()
		b.log.Warn("event bus handler error",
			zap.String("event", string(d.ID)), zap.Error(err))
	}
}

// dispatchLoop drains the priority queue, one event at a time, launching
// (but not waiting for) each authorized subscriber's handler before
// moving to the next queued event.
func (b *Bus) dispatchLoop() {
	defer close(b.closed)
	for {
		b.qMu.Lock()
		var next *queueEntry
		if len(b.q) > 0 {
			next = heap.Pop(&b.q).(*queueEntry)
		}
		b.qMu.Unlock()

		if next == nil {
			select {
			case <-b.done:
				return
			case <-b.wake:
				continue
			}
		}

		for _, s := range b.matching(next.d.RequiredPermission) {
			s := s
			entry := next
			go b.invoke(entry.ctx, s, entry.d, entry.payload)
		}
	}
}

// Close stops accepting the dispatcher's wake signal once the queue has
// drained and returns. In-flight handler goroutines are not waited on —
// matching spec.md's "does not wait for completion" dispatch contract —
// but every already-queued event has at least begun dispatch.
func (b *Bus) Close() {
	b.once.Do(func() {
		for {
			b.qMu.Lock()
			empty := len(b.q) == 0
			b.qMu.Unlock()
			if empty {
				break
			}
		}
		close(b.done)
		<-b.closed
	})
}

func priorityLabel(p Priority) string {
	switch p {
	case Instant:
		return "instant"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}
