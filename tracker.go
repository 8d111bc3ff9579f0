// Package tracker is the event persistence and delivery pipeline behind the
// GrowingIO autotracking SDKs. Producers enqueue serialized behavioral
// events; the pipeline persists them durably across process restarts,
// batches them by send policy and network type, uploads them to the
// collection server and retries with bounded backoff on failure. The durable
// store and the scalar state store are shared by every process of the host
// application; delivery from concurrent processes stays safe because batch
// deletes are bounded by row id, tag and policy.
package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/growingio/tracker-go/internal/dispatch"
	"github.com/growingio/tracker-go/internal/metrics"
	"github.com/growingio/tracker-go/internal/model"
	"github.com/growingio/tracker-go/internal/proclock"
	"github.com/growingio/tracker-go/internal/quota"
	"github.com/growingio/tracker-go/internal/state"
	"github.com/growingio/tracker-go/internal/store"
	"github.com/growingio/tracker-go/internal/transport"
	"github.com/growingio/tracker-go/internal/validation"
)

// Shared state keys.
const (
	deviceIDKey      = "device_id"
	sessionSeqKey    = "session_seq"
	activityCountKey = "activity_count"
)

// Option customizes a Tracker.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	sender     Sender
	senderSet  bool
	network    NetworkDetector
	registerer prometheus.Registerer
}

// WithLogger installs a custom logger. Without it, a production logger at
// the configured level is built.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTransport replaces the default HTTP sender. Passing nil leaves the
// pipeline without a transport; events accumulate until one is registered
// on a future run or the age purge removes them.
func WithTransport(s Sender) Option {
	return func(o *options) {
		o.sender = s
		o.senderSet = true
	}
}

// WithNetworkDetector registers the host's connectivity source.
func WithNetworkDetector(d NetworkDetector) Option {
	return func(o *options) { o.network = d }
}

// WithRegisterer exposes the pipeline's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Tracker is one process's handle on the pipeline. Construct exactly one per
// process at library init and close it at shutdown.
type Tracker struct {
	cfg       *Config
	logger    *zap.Logger
	ownLogger bool

	store     *store.Store
	state     *state.Store
	engine    *dispatch.Engine
	quota     *quota.Tracker
	metrics   *metrics.Metrics
	validator *validation.Validator

	deviceID     string
	firstProcess bool
}

// New builds and starts the pipeline. The data directory is created if
// missing; first-process election, device id assignment and the dispatch
// timers all happen here.
func New(cfg *Config, opts ...Option) (*Tracker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		setDefaults(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	ownLogger := false
	if logger == nil {
		var err error
		if logger, err = buildLogger(cfg.Logging.Level); err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		ownLogger = true
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	eventStore, err := store.Open(filepath.Join(cfg.Storage.DataDir, "events.db"), logger)
	if err != nil {
		return nil, err
	}

	stateStore := state.Open(filepath.Join(cfg.Storage.DataDir, "tracker.state"), cfg.Storage.StateSlots, logger)

	processLock := proclock.New(filepath.Join(cfg.Storage.DataDir, "process.lock"))
	firstProcess, err := proclock.ElectFirstProcess(processLock, stateStore, os.Getpid())
	if err != nil {
		logger.Warn("first-process election failed", zap.Error(err))
	}

	deviceID := stateStore.GetString(deviceIDKey, "")
	if deviceID == "" {
		deviceID = uuid.NewString()
		if err := stateStore.PutString(deviceIDKey, deviceID); err != nil {
			logger.Warn("failed to persist device id", zap.Error(err))
		}
	}

	m := metrics.NewMetrics(o.registerer)
	quotaTracker := quota.New(stateStore, cfg.Upload.CellularDailyLimitMB, logger)

	var sender transport.Sender
	switch {
	case o.sender != nil:
		sender = senderAdapter{s: o.sender}
	case o.senderSet:
		// Explicit WithTransport(nil): no transport registered.
	case cfg.Collector.URL != "":
		sender = transport.NewHTTPSender(cfg.Collector.URL, cfg.Collector.RequestTimeout, logger)
	}

	var network dispatch.NetworkDetector
	if o.network != nil {
		network = networkAdapter{d: o.network}
	}

	engine := dispatch.NewEngine(dispatch.Config{
		Interval:      cfg.Upload.Interval,
		BulkThreshold: cfg.Upload.BulkThreshold,
		BatchSize:     cfg.Upload.BatchSize,
		BackoffFloor:  cfg.Upload.BackoffFloor,
		MaxBackoff:    cfg.Upload.MaxBackoff,
		Retention:     time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour,
		PurgeInterval: cfg.Storage.PurgeInterval,
		MediaType:     cfg.Collector.MediaType,
	}, eventStore, sender, quotaTracker, network, m, logger)
	engine.Start()

	t := &Tracker{
		cfg:          cfg,
		logger:       logger,
		ownLogger:    ownLogger,
		store:        eventStore,
		state:        stateStore,
		engine:       engine,
		quota:        quotaTracker,
		metrics:      m,
		validator:    validation.NewValidator(),
		deviceID:     deviceID,
		firstProcess: firstProcess,
	}
	logger.Info("tracker pipeline started",
		zap.String("device_id", deviceID),
		zap.Bool("first_process", firstProcess),
		zap.String("data_dir", cfg.Storage.DataDir))
	return t, nil
}

// Enqueue persists one event and signals the dispatch engine. It never
// returns an error: producers are fire-and-forget, and a rejected or
// unpersistable event is logged and dropped.
func (t *Tracker) Enqueue(evt Event) {
	me := &model.Event{
		Type:      evt.Type,
		Policy:    model.SendPolicy(evt.Policy),
		Payload:   evt.Payload,
		Timestamp: evt.Timestamp,
	}
	if err := t.validator.ValidateEvent(me); err != nil {
		t.metrics.RecordDropped("invalid")
		t.logger.Warn("dropping invalid event", zap.String("event_type", evt.Type), zap.Error(err))
		return
	}
	start := time.Now()
	if err := t.store.Insert(me); err != nil {
		t.metrics.RecordDropped("serialization")
		return
	}
	t.metrics.RecordEnqueued(me.Policy.String(), time.Since(start).Seconds())
	t.engine.EventCached(me.Policy)
}

// Flush forces an immediate delivery pass.
func (t *Tracker) Flush() {
	t.engine.Flush()
}

// Close stops the dispatch timers and releases local storage.
func (t *Tracker) Close() error {
	t.engine.Stop()
	stateErr := t.state.Close()
	storeErr := t.store.Close()
	if t.ownLogger {
		t.logger.Sync()
	}
	if storeErr != nil {
		return storeErr
	}
	return stateErr
}

// DeviceID returns the stable per-install device identifier.
func (t *Tracker) DeviceID() string { return t.deviceID }

// FirstProcess reports whether this process won the first-process election
// and therefore owns session lifecycle duties.
func (t *Tracker) FirstProcess() bool { return t.firstProcess }

// SessionID returns the current session sequence number shared by all
// processes. Zero means no session has started yet.
func (t *Tracker) SessionID() int64 {
	return t.state.GetInt64(sessionSeqKey, 0)
}

// EnterForeground increments the shared foreground reference count and
// starts a new session when the application comes from the background.
// It returns the current session id.
func (t *Tracker) EnterForeground() int64 {
	prev := t.state.GetAndAdd(activityCountKey, 1, 0)
	if prev == 0 {
		return t.state.GetAndAdd(sessionSeqKey, 1, 0) + 1
	}
	return t.SessionID()
}

// ExitForeground decrements the shared foreground reference count.
func (t *Tracker) ExitForeground() {
	t.state.GetAndAdd(activityCountKey, -1, 0)
}

// Pending returns the number of stored events per policy, for debugging.
func (t *Tracker) Pending() (map[string]int64, error) {
	out := make(map[string]int64, 3)
	for _, p := range []model.SendPolicy{model.PolicyInstant, model.PolicyMobileData, model.PolicyWiFi} {
		n, err := t.store.CountByPolicy(p)
		if err != nil {
			return nil, err
		}
		out[p.String()] = n
	}
	return out, nil
}

// buildLogger constructs the default production logger.
func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
