package stop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		values: map[string]string{},
		ttls:   map[string]time.Duration{},
	}
}

func (s *fakeStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.values[key] = value
	s.ttls[key] = ttl
	return nil
}

func (s *fakeStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.values[key], nil
}

func (s *fakeStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.values, key)
	return nil
}

func TestRequestAndClearStop(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, 600*time.Second)
	ctx := context.Background()

	assert.False(t, reg.ShouldStop(ctx, "run-1"))

	require.NoError(t, reg.RequestStop(ctx, "run-1"))
	assert.True(t, reg.ShouldStop(ctx, "run-1"))

	// Key shape and TTL
	assert.Equal(t, "1", store.values["agent:stop:run-1"])
	assert.Equal(t, 600*time.Second, store.ttls["agent:stop:run-1"])

	require.NoError(t, reg.ClearStop(ctx, "run-1"))
	assert.False(t, reg.ShouldStop(ctx, "run-1"))
}

func TestShouldStopFailsOpen(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.RequestStop(ctx, "run-2"))

	store.err = errors.New("connection refused")
	assert.False(t, reg.ShouldStop(ctx, "run-2"))
}

func TestDefaultTTL(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, 0)

	require.NoError(t, reg.RequestStop(context.Background(), "run-3"))
	assert.Equal(t, 600*time.Second, store.ttls["agent:stop:run-3"])
}
