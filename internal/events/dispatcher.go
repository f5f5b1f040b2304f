package events

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Handler processes one delivery.
type Handler func(ctx context.Context, e Event) error

// DeadLetterFunc observes deliveries that will never be retried again.
type DeadLetterFunc func(ctx context.Context, e Event, subscriber string, err error)

// Config tunes the dispatcher. Zero values fall back to the defaults below.
type Config struct {
	Workers        int           // concurrent handler goroutines (default 4)
	QueueSize      int           // buffered deliveries before overflow (default 256)
	MaxAttempts    int           // total tries per delivery (default 5)
	BaseBackoff    time.Duration // first retry delay (default 200ms)
	MaxBackoff     time.Duration // retry delay cap (default 30s)
	HandlerTimeout time.Duration // per-attempt deadline, 0 = none
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

type subscription struct {
	name    string
	handler Handler
}

type delivery struct {
	event Event
	sub   subscription
}

// Dispatcher routes published events to subscribers on a worker pool.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	subs       map[string][]subscription
	deadLetter DeadLetterFunc
	closed     bool

	queue chan delivery
	done  chan struct{}
	wg    sync.WaitGroup

	// in-flight accounting: a delivery counts from Publish until its final
	// attempt finishes, including time spent waiting for a retry.
	flightMu sync.Mutex
	inflight int
	idle     chan struct{}

	// baseCtx is cancelled when the workers stop; handlers and retry timers
	// derive from it.
	baseCtx context.Context
	cancel  context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a dispatcher. Call Start to launch the workers.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	idle := make(chan struct{})
	close(idle)

	return &Dispatcher{
		cfg:     cfg,
		logger:  logger,
		subs:    make(map[string][]subscription),
		queue:   make(chan delivery, cfg.QueueSize),
		done:    make(chan struct{}),
		idle:    idle,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Subscribe registers handler under name for topic. The name identifies the
// subscriber in logs and dead letters.
func (d *Dispatcher) Subscribe(topic, name string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[topic] = append(d.subs[topic], subscription{name: name, handler: handler})
}

// OnDeadLetter installs the hook called for deliveries that exhausted their
// attempts or failed permanently.
func (d *Dispatcher) OnDeadLetter(fn DeadLetterFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deadLetter = fn
}

// Start launches the worker goroutines. Calling it more than once is a no-op.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.logger.Info("starting event dispatcher",
			slog.Int("workers", d.cfg.Workers),
			slog.Int("maxAttempts", d.cfg.MaxAttempts),
		)
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

// Publish encodes payload as JSON and schedules one delivery per subscriber
// of topic. It never blocks on a full queue. A topic with no subscribers is
// logged and dropped.
func (d *Dispatcher) Publish(ctx context.Context, topic string, payload any) error {
	e, err := newEvent(topic, payload)
	if err != nil {
		return err
	}

	d.mu.RLock()
	closed := d.closed
	subs := append([]subscription(nil), d.subs[topic]...)
	d.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if len(subs) == 0 {
		d.logger.WarnContext(ctx, "event has no subscribers", slog.String("topic", topic), slog.String("eventId", e.ID))
		return nil
	}

	d.addInflight(len(subs))
	for _, s := range subs {
		ev := e
		ev.Attempt = 1
		d.enqueue(delivery{event: ev, sub: s})
	}

	d.logger.DebugContext(ctx, "event published",
		slog.String("topic", topic),
		slog.String("eventId", e.ID),
		slog.Int("subscribers", len(subs)),
	)
	return nil
}

// Wait blocks until every published delivery, including retries and events
// published by handlers along the way, has finished, or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.flightMu.Lock()
	idle := d.idle
	d.flightMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains in-flight deliveries (bounded by ctx), then stops the workers.
// Deliveries still pending when ctx expires are abandoned and counted in the
// returned error.
func (d *Dispatcher) Close(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Info("shutting down event dispatcher")

		drainErr := d.Wait(ctx)

		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		close(d.done)
		d.cancel()
		d.wg.Wait()

		if drainErr != nil {
			d.flightMu.Lock()
			left := d.inflight
			d.flightMu.Unlock()
			err = fmt.Errorf("events: %d deliveries abandoned: %w", left, drainErr)
		}
	})
	return err
}

// enqueue hands a delivery to the workers without blocking the caller.
// Handlers publish follow-up events from inside a worker; a blocking send on
// a full queue would let every worker wait on itself.
func (d *Dispatcher) enqueue(dl delivery) {
	select {
	case d.queue <- dl:
		return
	default:
	}

	go func() {
		select {
		case d.queue <- dl:
		case <-d.done:
			d.doneInflight()
		}
	}()
}

// worker pulls deliveries until the dispatcher stops.
func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.done:
			return
		case dl := <-d.queue:
			d.deliver(dl)
		}
	}
}

func (d *Dispatcher) deliver(dl delivery) {
	err := d.invoke(dl)
	if err == nil {
		d.doneInflight()
		return
	}

	log := d.logger.With(
		slog.String("topic", dl.event.Topic),
		slog.String("eventId", dl.event.ID),
		slog.String("subscriber", dl.sub.name),
		slog.Int("attempt", dl.event.Attempt),
		slog.String("error", err.Error()),
	)

	if IsPermanent(err) || dl.event.Attempt >= d.cfg.MaxAttempts {
		log.Error("delivery dead-lettered", slog.Bool("permanent", IsPermanent(err)))
		d.mu.RLock()
		dead := d.deadLetter
		d.mu.RUnlock()
		if dead != nil {
			dead(d.baseCtx, dl.event, dl.sub.name, err)
		}
		d.doneInflight()
		return
	}

	wait := d.backoff(dl.event.Attempt)
	log.Warn("delivery failed, retrying", slog.Duration("backoff", wait))

	dl.event.Attempt++
	timer := time.NewTimer(wait)
	go func() {
		select {
		case <-timer.C:
			d.enqueue(dl)
		case <-d.done:
			timer.Stop()
			d.doneInflight()
		}
	}()
}

// invoke runs the handler, converting a panic into a permanent error so one
// bad event cannot kill a worker.
func (d *Dispatcher) invoke(dl delivery) (err error) {
	ctx := d.baseCtx
	if d.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = Permanent(fmt.Errorf("events: handler panic: %v", p))
		}
	}()

	return dl.sub.handler(ctx, dl.event)
}

// backoff returns base * 2^(attempt-1), capped, plus up to 20% jitter.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.cfg.BaseBackoff
	for i := 1; i < attempt && b < d.cfg.MaxBackoff; i++ {
		b *= 2
	}
	if b > d.cfg.MaxBackoff {
		b = d.cfg.MaxBackoff
	}
	if jitter := int64(b) / 5; jitter > 0 {
		b += time.Duration(rand.Int64N(jitter))
	}
	return b
}

func (d *Dispatcher) addInflight(n int) {
	d.flightMu.Lock()
	defer d.flightMu.Unlock()
	if d.inflight == 0 {
		d.idle = make(chan struct{})
	}
	d.inflight += n
}

func (d *Dispatcher) doneInflight() {
	d.flightMu.Lock()
	defer d.flightMu.Unlock()
	d.inflight--
	if d.inflight == 0 {
		close(d.idle)
	}
}
