package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/growingio/tracker-go/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertN(t *testing.T, s *Store, n int, eventType string, policy model.SendPolicy) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := s.Insert(&model.Event{
			Type:    eventType,
			Policy:  policy,
			Payload: []byte(fmt.Sprintf(`{"n":%d}`, i)),
		})
		require.NoError(t, err)
	}
}

func TestInsertAndQueryBatch(t *testing.T) {
	s := openTestStore(t)
	insertN(t, s, 5, "CUSTOM", model.PolicyMobileData)

	batch, lastID, err := s.QueryBatch(model.PolicyMobileData, 10)
	require.NoError(t, err)
	require.Len(t, batch, 5)
	require.Equal(t, batch[4].ID, lastID)

	// Insertion order is preserved.
	for i := 1; i < len(batch); i++ {
		require.Greater(t, batch[i].ID, batch[i-1].ID)
	}

	// Other policies see nothing.
	batch, lastID, err = s.QueryBatch(model.PolicyWiFi, 10)
	require.NoError(t, err)
	require.Empty(t, batch)
	require.Zero(t, lastID)
}

func TestInsertRejectsMalformedPayload(t *testing.T) {
	s := openTestStore(t)
	err := s.Insert(&model.Event{Type: "CUSTOM", Policy: model.PolicyInstant, Payload: []byte("{not json")})
	require.Error(t, err)

	n, err := s.CountByPolicy(model.PolicyInstant)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestQueryBatchSingleTagGroup(t *testing.T) {
	s := openTestStore(t)
	insertN(t, s, 2, "PAGE", model.PolicyMobileData)
	insertN(t, s, 3, "VIEW_CLICK", model.PolicyMobileData)

	// The batch is constrained to the tag of the oldest row.
	batch, lastID, err := s.QueryBatch(model.PolicyMobileData, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	for _, rec := range batch {
		require.Equal(t, "PAGE", rec.Type)
	}

	deleted, err := s.DeleteUpTo(lastID, model.PolicyMobileData, "PAGE")
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)

	// Next query returns the following tag-group.
	batch, _, err = s.QueryBatch(model.PolicyMobileData, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for _, rec := range batch {
		require.Equal(t, "VIEW_CLICK", rec.Type)
	}
}

func TestDeleteUpToIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	insertN(t, s, 4, "CUSTOM", model.PolicyWiFi)

	seen := make(map[int64]bool)
	for {
		batch, lastID, err := s.QueryBatch(model.PolicyWiFi, 2)
		require.NoError(t, err)
		if lastID == 0 {
			break
		}
		for _, rec := range batch {
			require.False(t, seen[rec.ID], "event %d returned in two batches", rec.ID)
			seen[rec.ID] = true
		}
		_, err = s.DeleteUpTo(lastID, model.PolicyWiFi, "CUSTOM")
		require.NoError(t, err)

		// A duplicate delete of the same range removes nothing.
		deleted, err := s.DeleteUpTo(lastID, model.PolicyWiFi, "CUSTOM")
		require.NoError(t, err)
		require.Zero(t, deleted)
	}
	require.Len(t, seen, 4)
}

func TestDeleteUpToFiltersPolicyAndTag(t *testing.T) {
	s := openTestStore(t)
	insertN(t, s, 2, "PAGE", model.PolicyMobileData)
	insertN(t, s, 2, "PAGE", model.PolicyWiFi)
	insertN(t, s, 2, "CUSTOM", model.PolicyMobileData)

	// Delete everything up to the very last id, but only PAGE/MOBILE_DATA.
	deleted, err := s.DeleteUpTo(1<<40, model.PolicyMobileData, "PAGE")
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)

	n, err := s.CountByPolicy(model.PolicyWiFi)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	n, err = s.CountByPolicy(model.PolicyMobileData)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestCorruptRecordRemovedWithoutBlockingBatch(t *testing.T) {
	s := openTestStore(t)
	insertN(t, s, 1, "CUSTOM", model.PolicyMobileData)
	// Bypass Insert's validity check to simulate on-disk corruption.
	_, err := s.db.Exec(
		`INSERT INTO events (created, modified, data, event_type, policy) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UnixMilli(), time.Now().UnixMilli(), []byte("\x00corrupt"), "CUSTOM", int(model.PolicyMobileData),
	)
	require.NoError(t, err)
	insertN(t, s, 1, "CUSTOM", model.PolicyMobileData)

	batch, lastID, err := s.QueryBatch(model.PolicyMobileData, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, batch[1].ID, lastID)

	// The corrupt row is gone from the table entirely.
	n, err := s.CountByPolicy(model.PolicyMobileData)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestPurgeOlderThan(t *testing.T) {
	s := openTestStore(t)
	old := time.Now().Add(-8 * 24 * time.Hour)
	err := s.Insert(&model.Event{
		Type:      "CUSTOM",
		Policy:    model.PolicyWiFi,
		Payload:   []byte(`{"old":true}`),
		Timestamp: old.UnixMilli(),
	})
	require.NoError(t, err)
	insertN(t, s, 1, "CUSTOM", model.PolicyWiFi)

	purged, err := s.PurgeOlderThan(time.Now().Add(-7 * 24 * time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)

	n, err := s.CountByPolicy(model.PolicyWiFi)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestConcurrentBatchDeliveryAcrossStores(t *testing.T) {
	// Two stores on the same file stand in for two processes racing over
	// the shared table.
	dir := t.TempDir()
	path := filepath.Join(dir, "events.db")
	s1, err := Open(path, nil)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	insertN(t, s1, 100, "X", model.PolicyMobileData)

	b1, last1, err := s1.QueryBatch(model.PolicyMobileData, 50)
	require.NoError(t, err)
	b2, last2, err := s2.QueryBatch(model.PolicyMobileData, 50)
	require.NoError(t, err)

	d1, err := s1.DeleteUpTo(last1, model.PolicyMobileData, "X")
	require.NoError(t, err)
	d2, err := s2.DeleteUpTo(last2, model.PolicyMobileData, "X")
	require.NoError(t, err)

	// Both saw the same window, so the union of deletes covers exactly the
	// queried rows; the overlap is deleted once.
	require.EqualValues(t, 50, d1+d2)
	require.Len(t, b1, 50)
	require.Len(t, b2, 50)

	n, err := s1.CountByPolicy(model.PolicyMobileData)
	require.NoError(t, err)
	require.EqualValues(t, 50, n)
}
