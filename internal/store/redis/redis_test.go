package redis

import (
	"context"
	"errors"
	"log"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/freshcart/otpgate/internal/store"
	"github.com/freshcart/otpgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rStore *Redis
	rdis   *miniredis.Miniredis
	ctx    = context.Background()

	now      = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	mockCred = models.Credential{
		Identity:      "shopper@freshcart.test",
		Purpose:       models.PurposeSignup,
		CodeHash:      "hash-1",
		IssuedAt:      now,
		ExpiresAt:     now.Add(10 * time.Minute),
		LastAttemptAt: now,
	}
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	rStore = New(Conf{
		Host:             rd.Host(),
		Port:             port,
		ExpiredRetention: 10 * time.Minute,
	})
}

func setup(t *testing.T) *Redis {
	rdis.FlushDB()
	err := rStore.Put(ctx, mockCred, nil)
	require.NoError(t, err, "Failed to set up test credential")

	t.Cleanup(func() {
		rdis.FlushDB()
	})

	return rStore
}

func TestStorePutGet(t *testing.T) {
	rStore := setup(t)

	c, err := rStore.Get(ctx, mockCred.Purpose, mockCred.Identity)
	assert.NoError(t, err, "Error getting credential")
	assert.Equal(t, mockCred.Identity, c.Identity)
	assert.Equal(t, mockCred.Purpose, c.Purpose)
	assert.Equal(t, mockCred.CodeHash, c.CodeHash)
	assert.Equal(t, 0, c.Attempts)
	assert.True(t, mockCred.ExpiresAt.Equal(c.ExpiresAt), "expiry doesn't match")
	assert.True(t, mockCred.LastAttemptAt.Equal(c.LastAttemptAt), "last attempt doesn't match")

	_, err = rStore.Get(ctx, models.PurposeUserReset, mockCred.Identity)
	assert.Equal(t, store.ErrNotExist, err, "credential should be scoped by purpose")
}

func TestStoreTTL(t *testing.T) {
	setup(t)

	ttl := rdis.TTL("OTP:signup:" + mockCred.Identity)
	assert.Equal(t, 20*time.Minute, ttl, "key TTL should cover validity and retention")
}

func TestStorePutGuard(t *testing.T) {
	rStore := setup(t)

	next := mockCred
	next.CodeHash = "hash-2"

	t.Run("guard sees previous", func(t *testing.T) {
		var seen *models.Credential
		err := rStore.Put(ctx, next, func(prev, n *models.Credential) error {
			seen = prev
			n.SupersededHash = prev.CodeHash
			return nil
		})
		require.NoError(t, err)
		require.NotNil(t, seen)
		assert.Equal(t, "hash-1", seen.CodeHash)

		c, err := rStore.Get(ctx, next.Purpose, next.Identity)
		require.NoError(t, err)
		assert.Equal(t, "hash-2", c.CodeHash)
		assert.Equal(t, "hash-1", c.SupersededHash)
	})

	t.Run("guard aborts", func(t *testing.T) {
		errAbort := errors.New("abort")
		blocked := mockCred
		blocked.CodeHash = "hash-3"

		err := rStore.Put(ctx, blocked, func(prev, n *models.Credential) error {
			return errAbort
		})
		assert.Equal(t, errAbort, err)

		c, err := rStore.Get(ctx, next.Purpose, next.Identity)
		require.NoError(t, err)
		assert.Equal(t, "hash-2", c.CodeHash, "aborted put shouldn't write")
	})

	t.Run("guard on absent key", func(t *testing.T) {
		other := mockCred
		other.Identity = "new@freshcart.test"

		called := false
		err := rStore.Put(ctx, other, func(prev, n *models.Credential) error {
			called = true
			assert.Nil(t, prev)
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, called)
	})
}

func TestStoreFail(t *testing.T) {
	rStore := setup(t)
	at := now.Add(time.Minute)

	c, err := rStore.Fail(ctx, mockCred.Purpose, mockCred.Identity, "hash-1", at, 3)
	assert.NoError(t, err)
	assert.Equal(t, 1, c.Attempts)
	assert.True(t, at.Equal(c.LastAttemptAt))

	c, err = rStore.Fail(ctx, mockCred.Purpose, mockCred.Identity, "hash-1", at, 3)
	assert.NoError(t, err)
	assert.Equal(t, 2, c.Attempts)
	assert.False(t, c.Locked())

	_, err = rStore.Fail(ctx, mockCred.Purpose, mockCred.Identity, "other-hash", at, 3)
	assert.Equal(t, store.ErrNotExist, err, "fail against a different hash should not count")

	c, err = rStore.Fail(ctx, mockCred.Purpose, mockCred.Identity, "hash-1", at, 3)
	assert.NoError(t, err)
	assert.Equal(t, 3, c.Attempts)
	assert.True(t, c.Locked(), "credential should be locked at max attempts")

	c, err = rStore.Get(ctx, mockCred.Purpose, mockCred.Identity)
	assert.NoError(t, err, "lock marker should remain")
	assert.True(t, c.Locked())
	assert.Equal(t, 3, c.Attempts)

	_, err = rStore.Fail(ctx, mockCred.Purpose, mockCred.Identity, "hash-1", at, 3)
	assert.Equal(t, store.ErrNotExist, err, "locked credential can't fail again")
}

func TestStoreConsume(t *testing.T) {
	rStore := setup(t)

	err := rStore.Consume(ctx, mockCred.Purpose, mockCred.Identity, "other-hash")
	assert.Equal(t, store.ErrNotExist, err, "consume with wrong hash should fail")

	err = rStore.Consume(ctx, mockCred.Purpose, mockCred.Identity, "hash-1")
	assert.NoError(t, err)

	_, err = rStore.Get(ctx, mockCred.Purpose, mockCred.Identity)
	assert.Equal(t, store.ErrNotExist, err, "consumed credential should be gone")

	err = rStore.Consume(ctx, mockCred.Purpose, mockCred.Identity, "hash-1")
	assert.Equal(t, store.ErrNotExist, err)
}

func TestStoreDelete(t *testing.T) {
	rStore := setup(t)

	// A credential issued at another time is left alone.
	err := rStore.Delete(ctx, mockCred.Purpose, mockCred.Identity, now.Add(-time.Minute))
	assert.Equal(t, store.ErrNotExist, err)
	_, err = rStore.Get(ctx, mockCred.Purpose, mockCred.Identity)
	require.NoError(t, err, "credential issued at another time was deleted")

	err = rStore.Delete(ctx, mockCred.Purpose, mockCred.Identity, mockCred.IssuedAt)
	assert.NoError(t, err, "Error deleting credential")

	_, err = rStore.Get(ctx, mockCred.Purpose, mockCred.Identity)
	assert.Equal(t, store.ErrNotExist, err, "credential should not exist but it does")
}

func TestStorePing(t *testing.T) {
	assert.NoError(t, rStore.Ping(ctx))
}
