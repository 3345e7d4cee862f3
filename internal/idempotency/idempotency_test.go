package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	values map[string][]byte
	locks  map[string]bool
	ttls   map[string]time.Duration
}

func newMemStore() *memStore {
	return &memStore{values: map[string][]byte{}, locks: map[string]bool{}, ttls: map[string]time.Duration{}}
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memStore) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return false, nil
	}
	m.locks[key] = true
	return true, nil
}

func (m *memStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

func TestStoredResponseIsScopedBySubject(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	idemp := NewIdempotency(store, 24*time.Hour)

	resp, err := idemp.Get(ctx, "guest-1", "key-0000000000001")
	require.NoError(t, err)
	assert.Nil(t, resp)

	want := Response{Request: "POST /reservations", Status: 201, ContentType: "application/json", Result: []byte(`{"id":"x"}`)}
	require.NoError(t, idemp.Set(ctx, "guest-1", "key-0000000000001", want))
	assert.Equal(t, 24*time.Hour, store.ttls["guest-1:key-0000000000001"])

	got, err := idemp.Get(ctx, "guest-1", "key-0000000000001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	other, err := idemp.Get(ctx, "guest-2", "key-0000000000001")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestBeginRejectsConcurrentUse(t *testing.T) {
	ctx := context.Background()
	idemp := NewIdempotency(newMemStore(), time.Hour)

	require.NoError(t, idemp.Begin(ctx, "guest-1", "key-0000000000001"))
	assert.ErrorIs(t, idemp.Begin(ctx, "guest-1", "key-0000000000001"), ErrInFlight)
	require.NoError(t, idemp.Begin(ctx, "guest-2", "key-0000000000001"))

	require.NoError(t, idemp.End(ctx, "guest-1", "key-0000000000001"))
	assert.NoError(t, idemp.Begin(ctx, "guest-1", "key-0000000000001"))
}
