package idempotency

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "idem.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBeginCompleteReplay(t *testing.T) {
	s := newTestStore(t)

	rec, started, err := s.Begin("user-1:abc", "fp1")
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, StateInFlight, rec.State)

	again, started, err := s.Begin("user-1:abc", "fp1")
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, StateInFlight, again.State)

	require.NoError(t, s.Complete("user-1:abc", 201, []byte(`{"order_id":1}`)))

	done, started, err := s.Begin("user-1:abc", "fp1")
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, 201, done.StatusCode)
	assert.JSONEq(t, `{"order_id":1}`, string(done.Body))
	assert.True(t, done.CreatedAt.Equal(rec.CreatedAt))
}

func TestBeginRejectsDifferentBody(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.Begin("k", "fp1")
	require.NoError(t, err)
	_, _, err = s.Begin("k", "fp2")
	assert.ErrorIs(t, err, ErrKeyReused)
}

func TestReleaseAllowsRetry(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.Begin("k", "fp1")
	require.NoError(t, err)
	require.NoError(t, s.Release("k"))
	require.NoError(t, s.Release("k"), "releasing twice is harmless")

	_, started, err := s.Begin("k", "fp2")
	require.NoError(t, err)
	assert.True(t, started)

	assert.ErrorIs(t, s.Complete("missing", 200, nil), ErrNotFound)
}

func TestExpiry(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, _, err := s.Begin("stuck", "fp")
	require.NoError(t, err)
	_, _, err = s.Begin("done", "fp")
	require.NoError(t, err)
	require.NoError(t, s.Complete("done", 201, []byte("{}")))

	now = now.Add(2 * time.Minute)
	_, started, err := s.Begin("stuck", "other")
	require.NoError(t, err)
	assert.True(t, started, "abandoned in-flight keys are reclaimed after the lease")

	rec, started, err := s.Begin("done", "fp")
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, StateCompleted, rec.State)

	now = now.Add(2 * time.Hour)
	n, err := s.Purge()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, started, err = s.Begin("done", "new")
	require.NoError(t, err)
	assert.True(t, started)
}
