package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/luckyim/delivery/delivery"
	"github.com/luckyim/delivery/interfaces"
	"github.com/luckyim/delivery/metrics"
	"github.com/luckyim/delivery/outbox"
)

// markTimeout bounds store updates issued during shutdown, when the run
// context is already cancelled.
const markTimeout = 5 * time.Second

// Backoff computes the retry delay for the n-th failed attempt:
// min(base * 2^(n-1), cap). n below 1 is treated as 1.
func Backoff(base, cap time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	// Beyond 32 doublings the cap has long since won.
	shift := uint(n - 1)
	if shift > 32 {
		shift = 32
	}
	d := base << shift
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

// Dispatcher claims due outbox messages, resolves their routing, publishes
// them through the broker gateway and drives the retry/dead-letter state
// machine. Any number of instances may run against one store; the lease
// fencing in the store guarantees no message is resolved twice.
type Dispatcher struct {
	store    interfaces.OutboxStore
	gateway  interfaces.BrokerGateway
	resolver interfaces.RoutingResolver
	cfg      interfaces.OutboxConfig
	log      *zap.Logger

	instanceID string
	alert      interfaces.AlertFunc
	metrics    *metrics.Collector
	limiter    *rate.Limiter
	now        func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAlert wires the monitoring hook invoked on every transition to DEAD.
func WithAlert(alert interfaces.AlertFunc) Option {
	return func(d *Dispatcher) { d.alert = alert }
}

// WithMetrics wires the prometheus collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the dispatcher's clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher. instanceID must be unique among concurrently
// running instances; it prefixes the lease owner stamped on claimed rows.
func New(instanceID string, store interfaces.OutboxStore, gateway interfaces.BrokerGateway,
	resolver interfaces.RoutingResolver, cfg interfaces.OutboxConfig, log *zap.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		store:      store,
		gateway:    gateway,
		resolver:   resolver,
		cfg:        cfg,
		log:        log,
		instanceID: instanceID,
		now:        time.Now,
	}
	if cfg.ClaimRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.ClaimRate), 1)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts the worker pool and blocks until ctx is cancelled. On
// shutdown, leases on claimed-but-unresolved messages are released
// immediately so another instance can pick them up without waiting for
// expiry.
func (d *Dispatcher) Run(ctx context.Context) error {
	workers := d.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	d.log.Info("dispatcher starting",
		zap.String("instance_id", d.instanceID),
		zap.Int("workers", workers),
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Duration("lease_duration", d.cfg.LeaseDuration))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		owner := fmt.Sprintf("%s/%d", d.instanceID, i)
		g.Go(func() error {
			return d.workerLoop(ctx, owner)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) workerLoop(ctx context.Context, owner string) error {
	interval := d.cfg.ClaimInterval
	if interval <= 0 {
		interval = time.Second
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		batch, err := d.store.ClaimDue(ctx, owner, d.cfg.BatchSize, d.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Error("claim failed", zap.String("owner", owner), zap.Error(err))
			if !sleepCtx(ctx, interval) {
				return ctx.Err()
			}
			continue
		}
		if d.metrics != nil && len(batch) > 0 {
			d.metrics.OutboxClaimed.Add(float64(len(batch)))
		}

		for i, msg := range batch {
			if ctx.Err() != nil {
				d.releaseBatch(owner, batch[i:])
				return ctx.Err()
			}
			d.process(ctx, owner, msg)
		}

		if len(batch) == 0 {
			if !sleepCtx(ctx, interval) {
				return ctx.Err()
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// releaseBatch drops this worker's leases on unprocessed claims so another
// instance can reclaim them immediately.
func (d *Dispatcher) releaseBatch(owner string, msgs []*outbox.Message) {
	mctx, cancel := context.WithTimeout(context.Background(), markTimeout)
	defer cancel()
	for _, msg := range msgs {
		if err := d.store.ReleaseLease(mctx, msg.MessageID, owner); err != nil {
			d.log.Warn("lease release failed",
				zap.String("message_id", msg.MessageID),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, owner string, msg *outbox.Message) {
	exchange, routingKey := msg.Exchange, msg.RoutingKey
	if exchange == "" || routingKey == "" {
		route, err := d.resolver.Resolve(ctx, msg.TargetUserID, msg.TargetClass)
		if err != nil {
			// Resolution failure is transient: the target may simply be
			// offline-migrating between nodes right now.
			d.failTransient(owner, msg, "unroutable-transient: "+err.Error())
			return
		}
		exchange, routingKey = route.Exchange, route.RoutingKey
	}

	body, err := delivery.EncodeEnvelope(msg.MessageID, msg.TargetUserID, msg.TargetClass, msg.Payload)
	if err != nil {
		d.failTransient(owner, msg, "encode: "+err.Error())
		return
	}

	result, err := d.gateway.Publish(ctx, exchange, routingKey, body, msg.MessageID)
	if ctx.Err() != nil {
		// Shutdown raced the publish; hand the row back untouched.
		d.releaseBatch(owner, []*outbox.Message{msg})
		return
	}
	if err != nil {
		result = interfaces.PublishResult{Outcome: interfaces.OutcomeNack, Reason: err.Error()}
	}
	if d.metrics != nil {
		d.metrics.PublishesByOutcome.WithLabelValues(result.Outcome.String()).Inc()
	}

	switch result.Outcome {
	case interfaces.OutcomeAck:
		d.confirm(owner, msg)
	case interfaces.OutcomeReturned:
		d.failReturned(owner, msg, result.Reason)
	default:
		d.failTransient(owner, msg, result.Reason)
	}
}

func (d *Dispatcher) confirm(owner string, msg *outbox.Message) {
	mctx, cancel := context.WithTimeout(context.Background(), markTimeout)
	defer cancel()

	err := d.store.MarkConfirmed(mctx, msg.MessageID, owner)
	switch {
	case err == nil:
		d.log.Debug("message confirmed",
			zap.String("message_id", msg.MessageID),
			zap.Int("retry_count", msg.RetryCount))
	case errors.Is(err, interfaces.ErrLeaseLost), errors.Is(err, interfaces.ErrAlreadyTerminal):
		d.leaseRaceLost(msg, err)
	default:
		d.log.Error("confirm mark failed",
			zap.String("message_id", msg.MessageID), zap.Error(err))
	}
}

// failTransient drives the nack path: exponential backoff up to MaxRetry,
// then DEAD.
func (d *Dispatcher) failTransient(owner string, msg *outbox.Message, reason string) {
	d.fail(owner, msg, reason, d.cfg.MaxRetry, d.store.MarkRetry)
}

// failReturned drives the unroutable path: an addressing problem rarely
// self-heals, so the budget is the smaller MaxReturnedRetry.
func (d *Dispatcher) failReturned(owner string, msg *outbox.Message, reason string) {
	d.fail(owner, msg, reason, d.cfg.MaxReturnedRetry, d.store.MarkReturned)
}

type markFailureFunc func(ctx context.Context, messageID, owner string, retryCount int, nextAttemptAt time.Time, errorMessage string) error

func (d *Dispatcher) fail(owner string, msg *outbox.Message, reason string, budget int, mark markFailureFunc) {
	mctx, cancel := context.WithTimeout(context.Background(), markTimeout)
	defer cancel()

	retryCount := msg.RetryCount + 1
	if retryCount > budget {
		err := d.store.MarkDead(mctx, msg.MessageID, owner, reason)
		switch {
		case err == nil:
			d.log.Error("message dead-lettered",
				zap.String("message_id", msg.MessageID),
				zap.Int("retry_count", msg.RetryCount),
				zap.String("error_message", reason))
			if d.metrics != nil {
				d.metrics.DeadLettered.Inc()
			}
			if d.alert != nil {
				d.alert(msg.MessageID, reason)
			}
		case errors.Is(err, interfaces.ErrLeaseLost), errors.Is(err, interfaces.ErrAlreadyTerminal):
			d.leaseRaceLost(msg, err)
		default:
			d.log.Error("dead mark failed",
				zap.String("message_id", msg.MessageID), zap.Error(err))
		}
		return
	}

	backoff := Backoff(d.cfg.RetryBackoffBase, d.cfg.RetryBackoffCap, retryCount)
	next := d.now().Add(backoff)
	err := mark(mctx, msg.MessageID, owner, retryCount, next, reason)
	switch {
	case err == nil:
		d.log.Info("message scheduled for retry",
			zap.String("message_id", msg.MessageID),
			zap.Int("retry_count", retryCount),
			zap.Duration("backoff", backoff),
			zap.String("error_message", reason))
		if d.metrics != nil {
			d.metrics.PublishRetries.Inc()
		}
	case errors.Is(err, interfaces.ErrLeaseLost), errors.Is(err, interfaces.ErrAlreadyTerminal):
		d.leaseRaceLost(msg, err)
	default:
		d.log.Error("retry mark failed",
			zap.String("message_id", msg.MessageID), zap.Error(err))
	}
}

// leaseRaceLost handles a mark rejected because another worker reclaimed
// the row. Not an error: the other worker owns the resolution now.
func (d *Dispatcher) leaseRaceLost(msg *outbox.Message, err error) {
	d.log.Debug("lease race lost",
		zap.String("message_id", msg.MessageID),
		zap.Error(err))
	if d.metrics != nil {
		d.metrics.LeaseRacesLost.Inc()
	}
}
