package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"marketsignal/observability"
)

// PushNotification is one fire-and-forget push message for a party who could
// not be reached in real time.
type PushNotification struct {
	Identity  string
	Title     string
	Body      string
	CreatedAt time.Time
}

type queuedPush struct {
	notification PushNotification
	enqueuedAt   time.Time
}

// QueueOption adjusts the behaviour of the push queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 15 * time.Minute
)

// WithQueueCapacity bounds the number of pending push notifications.
func WithQueueCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithQueueTTL configures how long queued items remain eligible for delivery.
func WithQueueTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withQueueClock overrides the clock used for TTL evaluation (test only).
func withQueueClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue is a bounded push-notification buffer. Overflow overwrites the oldest
// entry: a stale push about a missed call is worth less than a fresh one.
type Queue struct {
	mu      sync.Mutex
	items   pushRing
	ttl     time.Duration
	now     func() time.Time
	metrics *queueMetrics
}

// NewQueue constructs a bounded queue with optional customisation.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{
		capacity: defaultQueueCapacity,
		ttl:      defaultQueueTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		items:   newPushRing(cfg.capacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: sharedQueueMetrics(),
	}
}

// Enqueue adds a notification, evicting expired entries first.
func (q *Queue) Enqueue(n PushNotification) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if _, overflowed := q.items.push(queuedPush{notification: n, enqueuedAt: now}); overflowed {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Dequeue waits for the next deliverable notification. Returns false when the
// context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (PushNotification, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		item, ok := q.items.pop()
		q.mu.Unlock()
		if ok {
			return item.notification, true
		}
		select {
		case <-ctx.Done():
			return PushNotification{}, false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Len reports the number of pending notifications. Primarily used in tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	return q.items.len()
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		item, ok := q.items.peek()
		if !ok || now.Sub(item.enqueuedAt) <= q.ttl {
			break
		}
		q.items.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}
}

// PushSender delivers one push notification to the gateway that owns device
// tokens.
type PushSender interface {
	SendPush(ctx context.Context, n PushNotification) error
}

// Worker drains the queue. Push delivery is never retried: failure is logged
// and the notification dropped, because a reconnect repairs the signal far
// sooner than a redelivery would.
type Worker struct {
	queue   *Queue
	sender  PushSender
	log     *slog.Logger
	metrics *observability.SignalMetrics
}

// NewWorker wires a queue drainer.
func NewWorker(queue *Queue, sender PushSender, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:   queue,
		sender:  sender,
		log:     logger,
		metrics: observability.Metrics(),
	}
}

// Run processes notifications until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		n, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if err := w.sender.SendPush(ctx, n); err != nil {
			w.metrics.RecordNotification("push", "error")
			w.log.Warn("push delivery failed", "identity", n.Identity, "error", err)
			continue
		}
		w.metrics.RecordNotification("push", "ok")
	}
}

// pushRing is a fixed-size ring buffer that overwrites the oldest element on
// overflow.
type pushRing struct {
	buf  []queuedPush
	head int
	size int
}

func newPushRing(capacity int) pushRing {
	if capacity <= 0 {
		return pushRing{}
	}
	return pushRing{buf: make([]queuedPush, capacity)}
}

func (r *pushRing) push(v queuedPush) (queuedPush, bool) {
	if len(r.buf) == 0 {
		return queuedPush{}, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	return queuedPush{}, false
}

func (r *pushRing) pop() (queuedPush, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		return queuedPush{}, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = queuedPush{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *pushRing) peek() (queuedPush, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		return queuedPush{}, false
	}
	return r.buf[r.head], true
}

func (r *pushRing) len() int { return r.size }

var (
	metricsOnce       sync.Once
	sharedPushMetrics *queueMetrics
)

type queueMetrics struct {
	dropped metric.Int64Counter
}

func sharedQueueMetrics() *queueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("marketsignal/notify")
		counter, err := meter.Int64Counter("marketsignal.notify.push.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("marketsignal/notify")
			counter, _ = fallback.Int64Counter("marketsignal.notify.push.dropped")
		}
		sharedPushMetrics = &queueMetrics{dropped: counter}
	})
	return sharedPushMetrics
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
