package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTransientSQLiteErr(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"busy", errors.New("SQLITE_BUSY: database is busy (5)"), true},
		{"locked", errors.New("database is locked"), true},
		{"short read", errors.New("IOERR_SHORT_READ (522)"), true},
		{"constraint", errors.New("UNIQUE constraint failed"), false},
		{"plain", errors.New("disk I/O error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.transient, isTransientSQLiteErr(tt.err))
		})
	}
}

func TestRetryOnContention(t *testing.T) {
	t.Run("retries transient errors", func(t *testing.T) {
		attempts := 0
		err := retryOnContention(func() error {
			attempts++
			if attempts < 3 {
				return errors.New("database is locked")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("gives up on persistent contention", func(t *testing.T) {
		attempts := 0
		err := retryOnContention(func() error {
			attempts++
			return errors.New("SQLITE_BUSY")
		})
		require.Error(t, err)
		require.Equal(t, defaultRetryConfig.maxRetries+1, attempts)
	})

	t.Run("does not retry foreign errors", func(t *testing.T) {
		attempts := 0
		err := retryOnContention(func() error {
			attempts++
			return errors.New("syntax error")
		})
		require.Error(t, err)
		require.Equal(t, 1, attempts)
	})
}
