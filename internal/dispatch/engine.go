// Package dispatch implements the delivery state machine. One engine runs
// per process; it pulls batches from the durable store by policy tier, hands
// them to the network sender and turns response codes into delete, retry or
// backoff decisions. Multiple processes may race over the shared store; the
// id-bounded delete after each query keeps overlapping deliveries idempotent.
package dispatch

import (
	"bytes"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/growingio/tracker-go/internal/metrics"
	"github.com/growingio/tracker-go/internal/model"
	"github.com/growingio/tracker-go/internal/transport"
	"github.com/growingio/tracker-go/internal/util/workerpool"
)

// EventStore is the slice of the durable store the engine consumes.
type EventStore interface {
	QueryBatch(policy model.SendPolicy, limit int) ([]model.StoredEvent, int64, error)
	DeleteUpTo(lastID int64, policy model.SendPolicy, tag string) (int64, error)
	PurgeOlderThan(cutoff time.Time) (int64, error)
	CountByPolicy(policy model.SendPolicy) (int64, error)
}

// QuotaGate gates cellular sends against the daily byte budget.
type QuotaGate interface {
	AddAndGet(delta int64) int64
	Exceeded() bool
}

// NetworkDetector reports current connectivity. The host application
// registers one; without it the engine runs in connectivity-unaware mode and
// delivers only instant events.
type NetworkDetector interface {
	NetworkType() model.NetworkType
}

// StaticNetwork is a NetworkDetector pinned to one network type.
type StaticNetwork model.NetworkType

// NetworkType implements NetworkDetector.
func (s StaticNetwork) NetworkType() model.NetworkType { return model.NetworkType(s) }

// Config holds the engine's scheduling parameters.
type Config struct {
	Interval      time.Duration
	BulkThreshold int
	BatchSize     int
	BackoffFloor  time.Duration
	MaxBackoff    time.Duration
	Retention     time.Duration
	PurgeInterval time.Duration
	MediaType     string
}

// Engine drives delivery for one process. Producers call EventCached after
// every insert and never block; a single pool worker serializes the actual
// passes.
type Engine struct {
	cfg     Config
	store   EventStore
	sender  transport.Sender
	quota   QuotaGate
	network NetworkDetector
	logger  *zap.Logger
	metrics *metrics.Metrics
	pool    *workerpool.Pool

	mu      sync.Mutex
	backoff time.Duration // zero at steady state
	pending int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine. sender may be nil (no transport registered);
// passes then abort silently. network may be nil for connectivity-unaware
// mode. m may be nil for unexported metrics.
func NewEngine(cfg Config, store EventStore, sender transport.Sender, quota QuotaGate, network NetworkDetector, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		sender:  sender,
		quota:   quota,
		network: network,
		logger:  logger,
		metrics: m,
		pool: workerpool.New(workerpool.Config{
			Name:       "dispatch",
			MaxWorkers: 1,
			QueueSize:  1,
			Logger:     logger,
		}),
	}
}

// Start launches the upload timer and the independent age-purge timer.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(2)
	go e.timerLoop(ctx)
	go e.purgeLoop(ctx)
	e.logger.Debug("dispatch engine started",
		zap.Duration("interval", e.cfg.Interval),
		zap.Int("bulk_threshold", e.cfg.BulkThreshold))
}

// Stop shuts the engine down, waiting briefly for an in-flight pass.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.pool.Stop(5 * time.Second)
	e.wg.Wait()
	e.logger.Debug("dispatch engine stopped")
}

// EventCached signals that one event was persisted. Instant events schedule
// an immediate pass; batched events count toward the bulk threshold. While
// backed off, nothing schedules ahead of the retry timer.
func (e *Engine) EventCached(policy model.SendPolicy) {
	if policy == model.PolicyInstant {
		if !e.backedOff() {
			e.trigger("instant")
		}
		return
	}
	e.mu.Lock()
	e.pending++
	hit := e.pending >= e.cfg.BulkThreshold && e.backoff == 0
	if hit {
		e.pending = 0
	}
	e.mu.Unlock()
	if hit {
		e.trigger("bulk")
	}
}

// Flush forces an immediate full pass, ignoring backoff.
func (e *Engine) Flush() {
	e.trigger("flush")
}

// trigger schedules one pass. A pass already queued absorbs the trigger.
func (e *Engine) trigger(reason string) {
	submitted := e.pool.TrySubmit(workerpool.Task{
		ID: reason,
		Fn: func(ctx context.Context) error {
			e.runPass(ctx)
			return nil
		},
	})
	if !submitted {
		e.logger.Debug("pass already scheduled", zap.String("reason", reason))
	}
}

func (e *Engine) backedOff() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backoff > 0
}

// currentInterval is the time until the next timer-driven pass.
func (e *Engine) currentInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backoff > 0 {
		return e.backoff
	}
	return e.cfg.Interval
}

func (e *Engine) timerLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.currentInterval()):
			e.trigger("timer")
		}
	}
}

// purgeLoop runs the age purge on its own schedule, outside the delivery
// state machine.
func (e *Engine) purgeLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.purgeOverdue()
		}
	}
}

func (e *Engine) purgeOverdue() {
	purged, err := e.store.PurgeOlderThan(time.Now().Add(-e.cfg.Retention))
	if err != nil {
		e.logger.Error("age purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		e.metrics.RecordPurged(purged)
	}
}

// tiersFor returns the policy tiers eligible under the given connectivity,
// in delivery order. A nil result skips the pass entirely.
func tiersFor(net model.NetworkType) []model.SendPolicy {
	switch net {
	case model.NetworkWiFi:
		return []model.SendPolicy{model.PolicyInstant, model.PolicyMobileData, model.PolicyWiFi}
	case model.NetworkCellular:
		return []model.SendPolicy{model.PolicyInstant, model.PolicyMobileData}
	case model.NetworkUnknown:
		return []model.SendPolicy{model.PolicyInstant}
	default:
		return nil
	}
}

// runPass executes one delivery pass over all eligible tiers.
func (e *Engine) runPass(ctx context.Context) {
	if e.sender == nil {
		e.logger.Debug("no transport registered, skipping pass")
		return
	}
	net := model.NetworkUnknown
	if e.network != nil {
		net = e.network.NetworkType()
	}
	tiers := tiersFor(net)
	if tiers == nil {
		// No connectivity is not a failure; wait for the next timer tick.
		e.logger.Debug("no connectivity, deferring pass")
		return
	}

	e.mu.Lock()
	e.pending = 0
	e.mu.Unlock()

	for _, tier := range tiers {
		if !e.drainTier(ctx, tier, net) {
			return
		}
	}
	e.updatePendingGauges()
}

// drainTier delivers batches of one tier until it is empty, gated or
// rejected. It returns false when the whole pass must abort (backoff).
func (e *Engine) drainTier(ctx context.Context, tier model.SendPolicy, net model.NetworkType) bool {
	for {
		if tier != model.PolicyInstant && net == model.NetworkCellular && e.quota != nil && e.quota.Exceeded() {
			e.logger.Debug("daily cellular quota exceeded, skipping tier",
				zap.String("policy", tier.String()))
			return true
		}

		batch, lastID, err := e.store.QueryBatch(tier, e.cfg.BatchSize)
		if err != nil {
			e.logger.Error("failed to query batch", zap.String("policy", tier.String()), zap.Error(err))
			return true
		}
		if lastID == 0 {
			return true
		}
		if len(batch) == 0 {
			// Every scanned row was corrupt and has been removed; look again.
			continue
		}

		tag := batch[0].Type
		start := time.Now()
		resp, err := e.sender.Send(ctx, wirePayload(batch), e.cfg.MediaType)
		if err != nil {
			e.metrics.RecordSendFailure("transport")
			e.enterBackoff()
			e.logger.Warn("upload failed, backing off",
				zap.String("policy", tier.String()),
				zap.Duration("backoff", e.currentInterval()),
				zap.Error(err))
			return false
		}

		switch {
		case resp.Code >= 200 && resp.Code < 300:
			if _, err := e.store.DeleteUpTo(lastID, tier, tag); err != nil {
				e.logger.Error("failed to delete delivered range", zap.Error(err))
				return true
			}
			e.recordUsage(net, resp.BytesUsed)
			e.resetBackoff()
			e.metrics.RecordBatchSent(tier.String(), len(batch), net.String(), resp.BytesUsed, time.Since(start).Seconds())
			// More events of this tier may remain.

		case resp.Code == 451:
			// Legal restriction: same retry treatment as a server failure,
			// logged distinctly for operational visibility.
			e.metrics.RecordSendFailure("legal")
			e.enterBackoff()
			e.logger.Warn("collector reports legal restriction, backing off",
				zap.String("policy", tier.String()),
				zap.String("event_type", tag))
			return false

		case resp.Code >= 400 && resp.Code < 500:
			// Permanent rejection. Retrying would never succeed and a
			// poison batch must not starve later tag-groups, so the rows
			// are dropped.
			if _, err := e.store.DeleteUpTo(lastID, tier, tag); err != nil {
				e.logger.Error("failed to delete rejected range", zap.Error(err))
				return true
			}
			e.recordUsage(net, resp.BytesUsed)
			e.metrics.RecordBatchRejected(tier.String())
			e.logger.Warn("collector rejected batch, dropping",
				zap.String("policy", tier.String()),
				zap.String("event_type", tag),
				zap.Int("code", resp.Code),
				zap.Int("events", len(batch)))
			return true

		default:
			e.metrics.RecordSendFailure("server")
			e.enterBackoff()
			e.logger.Warn("collector unavailable, backing off",
				zap.String("policy", tier.String()),
				zap.Int("code", resp.Code),
				zap.Duration("backoff", e.currentInterval()))
			return false
		}
	}
}

// recordUsage charges delivered bytes against the daily quota on cellular.
func (e *Engine) recordUsage(net model.NetworkType, bytesUsed int64) {
	if net != model.NetworkCellular || e.quota == nil {
		return
	}
	e.metrics.UpdateQuotaUsed(e.quota.AddAndGet(bytesUsed))
}

// enterBackoff doubles the retry interval, starting from the floor and
// capped at the maximum.
func (e *Engine) enterBackoff() {
	e.mu.Lock()
	if e.backoff == 0 {
		e.backoff = e.cfg.BackoffFloor
	} else {
		e.backoff *= 2
		if e.backoff > e.cfg.MaxBackoff {
			e.backoff = e.cfg.MaxBackoff
		}
	}
	backoff := e.backoff
	e.mu.Unlock()
	e.metrics.UpdateBackoff(backoff.Seconds())
}

// resetBackoff returns to the steady interval after an unambiguous success.
func (e *Engine) resetBackoff() {
	e.mu.Lock()
	changed := e.backoff != 0
	e.backoff = 0
	e.mu.Unlock()
	if changed {
		e.metrics.UpdateBackoff(0)
	}
}

func (e *Engine) updatePendingGauges() {
	for _, p := range []model.SendPolicy{model.PolicyInstant, model.PolicyMobileData, model.PolicyWiFi} {
		if n, err := e.store.CountByPolicy(p); err == nil {
			e.metrics.UpdatePending(p.String(), n)
		}
	}
}

// wirePayload serializes a batch as a JSON array of the stored bodies.
func wirePayload(batch []model.StoredEvent) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, rec := range batch {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rec.Data)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
