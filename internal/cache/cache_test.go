package cache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutGet(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	_, ok, err := s.Get("redirect", "https://t.co/x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put("redirect", "https://t.co/x", "https://example.com/", false, 1200))

	e, ok, err := s.Get("redirect", "https://t.co/x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/", e.Value)
	assert.False(t, e.IsError)
	assert.EqualValues(t, 1200, e.DurationMicros)
}

func TestStore_WithSingleFlight_ProducesOnce(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	var calls int64
	producer := func() (string, bool) {
		atomic.AddInt64(&calls, 1)
		return "https://example.com/", false
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]Entry, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, _, err := s.WithSingleFlight("redirect", "https://t.co/shared", true, producer)
			require.NoError(t, err)
			results[i] = e
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
	for _, e := range results {
		assert.Equal(t, "https://example.com/", e.Value)
	}
}

func TestStore_WithSingleFlight_CachesErrors(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	e, produced, err := s.WithSingleFlight("redirect", "https://dead.example/", true, func() (string, bool) {
		return "too many redirects", true
	})
	require.NoError(t, err)
	assert.True(t, produced)
	assert.True(t, e.IsError)

	cached, ok, err := s.Get("redirect", "https://dead.example/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cached.IsError)
}

func TestStore_WithSingleFlight_RetriesCachedErrorsByDefault(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	require.NoError(t, s.Put("redirect", "https://flaky.example/", "timed out", true, 100))

	e, _, err := s.WithSingleFlight("redirect", "https://flaky.example/", true, func() (string, bool) {
		return "https://resolved.example/", false
	})
	require.NoError(t, err)
	assert.False(t, e.IsError)
	assert.Equal(t, "https://resolved.example/", e.Value)
}

func TestStore_WithSingleFlight_KeepsCachedErrorWhenRetryDisabled(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	require.NoError(t, s.Put("redirect", "https://flaky.example/", "timed out", true, 100))

	e, produced, err := s.WithSingleFlight("redirect", "https://flaky.example/", false, func() (string, bool) {
		t.Fatal("producer should not be invoked when the cached error is kept")
		return "", true
	})
	require.NoError(t, err)
	assert.False(t, produced)
	assert.True(t, e.IsError)
	assert.Equal(t, "timed out", e.Value)
}
