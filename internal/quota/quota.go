// Package quota tracks cumulative bytes sent over cellular per calendar day.
// The counter lives in the shared state store, so every process of the app
// draws down the same budget. Accuracy is best-effort: the date check and
// the add are two state-store operations, and a narrow race between true
// concurrent writers may miscount one delta, which is tolerable for a soft
// quota.
package quota

import (
	"time"

	"go.uber.org/zap"

	"github.com/growingio/tracker-go/internal/state"
)

const (
	dateKey  = "data_usage_date"
	bytesKey = "data_usage_bytes"

	dateFormat = "20060102"
)

// Tracker gates non-instant cellular sends against a daily byte budget.
type Tracker struct {
	state      *state.Store
	limitBytes int64
	logger     *zap.Logger

	now func() time.Time
}

// New creates a Tracker. limitMB caps cellular bytes per local calendar day;
// a negative limit disables gating entirely.
func New(st *state.Store, limitMB int, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	limitBytes := int64(limitMB) * 1024 * 1024
	if limitMB < 0 {
		limitBytes = -1
	}
	return &Tracker{
		state:      st,
		limitBytes: limitBytes,
		logger:     logger,
		now:        time.Now,
	}
}

// AddAndGet adds delta bytes to today's bucket and returns the cumulative
// total. On a date rollover the bucket resets to zero before the add. A zero
// delta is a pure read: a stale bucket reports zero without writing.
func (t *Tracker) AddAndGet(delta int64) int64 {
	today := t.now().Format(dateFormat)
	stored := t.state.GetString(dateKey, "")
	if stored != today {
		if delta == 0 {
			return 0
		}
		if err := t.state.PutString(dateKey, today); err != nil {
			t.logger.Debug("failed to roll quota bucket", zap.Error(err))
			return delta
		}
		t.state.PutInt64(bytesKey, delta)
		return delta
	}
	if delta == 0 {
		return t.state.GetInt64(bytesKey, 0)
	}
	return t.state.GetAndAdd(bytesKey, delta, 0) + delta
}

// Exceeded reports whether today's bucket reached the daily limit. A
// disabled limit never gates.
func (t *Tracker) Exceeded() bool {
	if t.limitBytes < 0 {
		return false
	}
	return t.AddAndGet(0) >= t.limitBytes
}

// LimitBytes returns the configured daily limit in bytes, or -1 when
// disabled.
func (t *Tracker) LimitBytes() int64 { return t.limitBytes }
