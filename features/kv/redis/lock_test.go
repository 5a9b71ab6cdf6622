package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/kv"
)

func TestMutexAcquireRelease(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	m, ok, err := kv.AcquireMutex(ctx, s, "lock:account:acct-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, m)
	assert.True(t, mr.Exists("test:lock:account:acct-1"))

	// A second caller cannot take the held lock.
	other, ok, err := kv.AcquireMutex(ctx, s, "lock:account:acct-1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, other)

	require.NoError(t, m.Release(ctx))
	assert.False(t, mr.Exists("test:lock:account:acct-1"))

	// Released lock is free again.
	_, ok, err = kv.AcquireMutex(ctx, s, "lock:account:acct-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMutexReleaseIgnoresStolenLock(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	m, ok, err := kv.AcquireMutex(ctx, s, "lock:cache:fill", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate expiry plus reacquisition by another holder.
	mr.Set("test:lock:cache:fill", "someone-else")

	require.NoError(t, m.Release(ctx))
	val, err := mr.Get("test:lock:cache:fill")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val, "release only deletes the caller's own token")
}

func TestMutexExpiresWithTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, ok, err := kv.AcquireMutex(ctx, s, "lock:short", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(200 * time.Millisecond)

	_, ok, err = kv.AcquireMutex(ctx, s, "lock:short", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is acquirable")
}
