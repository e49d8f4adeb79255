package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/freshcart/otpgate/internal/store"
	"github.com/freshcart/otpgate/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

const (
	evIssue   = "issue"
	evFail    = "fail"
	evLock    = "lock"
	evConsume = "consume"
)

// Redis implements a Redis Store. Each credential is a hash under
// <prefix>:<purpose>:<identity>.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`

	// How long an expired credential is kept around (so that verify can
	// tell "expired" apart from "not found") before Redis evicts it.
	ExpiredRetention time.Duration `json:"expired_retention"`

	// Maximum retries of a WATCH transaction that lost a race.
	MaxRetries int `json:"max_retries"`

	// If this is set, credential lifecycle events are PUBLISHed
	// to this Redis key (Redis PubSub).
	PublishKey string `json:"publish_key"`
}

type event struct {
	Type     string          `json:"type"`
	Purpose  models.Purpose  `json:"purpose"`
	Identity string          `json:"identity"`
	Data     json.RawMessage `json:"data"`
}

// record is the hash representation of a credential.
type record struct {
	Identity       string `redis:"identity"`
	Purpose        string `redis:"purpose"`
	CodeHash       string `redis:"code_hash"`
	SupersededHash string `redis:"superseded_hash"`
	IssuedAt       int64  `redis:"issued_at"`
	ExpiresAt      int64  `redis:"expires_at"`
	Attempts       int    `redis:"attempts"`
	LastAttemptAt  int64  `redis:"last_attempt_at"`
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "OTP"
	}
	if c.ExpiredRetention < 0 {
		c.ExpiredRetention = 0
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 5
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if Redis server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Get returns the credential stored against a purpose and identity.
func (r *Redis) Get(ctx context.Context, purpose models.Purpose, identity string) (models.Credential, error) {
	return r.get(ctx, r.client, r.makeKey(purpose, identity))
}

// Put replaces the credential stored against c's key if the guard allows it.
func (r *Redis) Put(ctx context.Context, c models.Credential, guard store.Guard) error {
	key := r.makeKey(c.Purpose, c.Identity)

	// The key lives until the credential expires plus the retention window.
	ttl := c.ExpiresAt.Sub(c.IssuedAt) + r.conf.ExpiredRetention

	txf := func(tx *redis.Tx) error {
		next := c

		if guard != nil {
			prev, err := r.get(ctx, tx, key)
			if err != nil && err != store.ErrNotExist {
				return err
			}

			var p *models.Credential
			if err == nil {
				p = &prev
			}
			if err := guard(p, &next); err != nil {
				return err
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HMSet(ctx, key, toFields(next)...)
			pipe.PExpire(ctx, key, ttl)
			r.publish(ctx, pipe, evIssue, next)
			return nil
		})
		return err
	}

	// Watch the key for changes. If the key is modified externally between
	// the time of watch and the transaction execution, the transaction is
	// aborted and retried.
	return r.watch(ctx, txf, key)
}

// Fail records a failed attempt against the credential holding codeHash.
func (r *Redis) Fail(ctx context.Context, purpose models.Purpose, identity, codeHash string, at time.Time, maxAttempts int) (models.Credential, error) {
	var (
		key = r.makeKey(purpose, identity)
		out models.Credential
	)

	txf := func(tx *redis.Tx) error {
		c, err := r.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if c.Locked() || c.CodeHash != codeHash {
			return store.ErrNotExist
		}

		c.Attempts++
		c.LastAttemptAt = at

		ev := evFail
		if c.Attempts >= maxAttempts {
			// Wipe the secrets. The record stays as a lock marker until it's
			// read again or evicted.
			c.CodeHash = ""
			c.SupersededHash = ""
			ev = evLock
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HMSet(ctx, key,
				"attempts", c.Attempts,
				"last_attempt_at", c.LastAttemptAt.UnixMilli(),
				"code_hash", c.CodeHash,
				"superseded_hash", c.SupersededHash)
			r.publish(ctx, pipe, ev, c)
			return nil
		})
		if err != nil {
			return err
		}

		out = c
		return nil
	}

	if err := r.watch(ctx, txf, key); err != nil {
		return out, err
	}
	return out, nil
}

// Consume deletes the credential if it still holds codeHash.
func (r *Redis) Consume(ctx context.Context, purpose models.Purpose, identity, codeHash string) error {
	key := r.makeKey(purpose, identity)

	txf := func(tx *redis.Tx) error {
		c, err := r.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if c.Locked() || c.CodeHash != codeHash {
			return store.ErrNotExist
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			r.publish(ctx, pipe, evConsume, c)
			return nil
		})
		return err
	}

	return r.watch(ctx, txf, key)
}

// Delete deletes the credential saved against a given key if it was
// issued at issuedAt.
func (r *Redis) Delete(ctx context.Context, purpose models.Purpose, identity string, issuedAt time.Time) error {
	key := r.makeKey(purpose, identity)

	txf := func(tx *redis.Tx) error {
		c, err := r.get(ctx, tx, key)
		if err != nil {
			return err
		}

		// Issue times are stored with millisecond precision.
		if c.IssuedAt.UnixMilli() != issuedAt.UnixMilli() {
			return store.ErrNotExist
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	return r.watch(ctx, txf, key)
}

// watch runs an optimistic WATCH transaction, retrying it with a backoff
// when the watched key changed underneath it.
func (r *Redis) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	b := retry.WithMaxRetries(uint64(r.conf.MaxRetries), retry.NewExponential(5*time.Millisecond))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// publish queues an event on the pipeline if there's a configured PublishKey.
func (r *Redis) publish(ctx context.Context, pipe redis.Pipeliner, typ string, c models.Credential) {
	if r.conf.PublishKey == "" {
		return
	}

	b, _ := json.Marshal(c)
	e, _ := json.Marshal(event{
		Type:     typ,
		Purpose:  c.Purpose,
		Identity: c.Identity,
		Data:     json.RawMessage(b),
	})
	pipe.Publish(ctx, r.conf.PublishKey, e)
}

// makeKey makes the Redis key for the credential.
func (r *Redis) makeKey(purpose models.Purpose, identity string) string {
	return fmt.Sprintf("%s:%s:%s", r.conf.KeyPrefix, purpose, identity)
}

// get retrieves a credential from Redis.
func (r *Redis) get(ctx context.Context, h hashGetter, key string) (models.Credential, error) {
	cmd := h.HGetAll(ctx, key)
	fields, err := cmd.Result()
	if err != nil {
		return models.Credential{}, err
	}

	// Doesn't exist?
	if len(fields) == 0 {
		return models.Credential{}, store.ErrNotExist
	}

	var rec record
	if err := cmd.Scan(&rec); err != nil {
		return models.Credential{}, err
	}

	return models.Credential{
		Identity:       rec.Identity,
		Purpose:        models.Purpose(rec.Purpose),
		CodeHash:       rec.CodeHash,
		SupersededHash: rec.SupersededHash,
		IssuedAt:       time.UnixMilli(rec.IssuedAt),
		ExpiresAt:      time.UnixMilli(rec.ExpiresAt),
		Attempts:       rec.Attempts,
		LastAttemptAt:  time.UnixMilli(rec.LastAttemptAt),
	}, nil
}

func toFields(c models.Credential) []interface{} {
	return []interface{}{
		"identity", c.Identity,
		"purpose", string(c.Purpose),
		"code_hash", c.CodeHash,
		"superseded_hash", c.SupersededHash,
		"issued_at", c.IssuedAt.UnixMilli(),
		"expires_at", c.ExpiresAt.UnixMilli(),
		"attempts", c.Attempts,
		"last_attempt_at", c.LastAttemptAt.UnixMilli(),
	}
}
