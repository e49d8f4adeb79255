// Package postgres implements a Postgres credential Store. Unlike Redis,
// Postgres doesn't evict rows on its own, so the store runs a sweeper that
// periodically deletes expired credentials.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freshcart/otpgate/internal/store"
	"github.com/freshcart/otpgate/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zerodha/logf"
)

const schema = `
CREATE TABLE IF NOT EXISTS otp_credentials (
	purpose         TEXT        NOT NULL,
	identity        TEXT        NOT NULL,
	code_hash       TEXT        NOT NULL,
	superseded_hash TEXT        NOT NULL DEFAULT '',
	issued_at       TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	attempts        INT         NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (purpose, identity)
);
CREATE INDEX IF NOT EXISTS idx_otp_credentials_expires_at ON otp_credentials (expires_at);
`

const (
	qGet = `SELECT identity, purpose, code_hash, superseded_hash, issued_at, expires_at, attempts, last_attempt_at
		FROM otp_credentials WHERE purpose = $1 AND identity = $2`

	qLock = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

	qUpsert = `INSERT INTO otp_credentials
		(purpose, identity, code_hash, superseded_hash, issued_at, expires_at, attempts, last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (purpose, identity) DO UPDATE SET
			code_hash = EXCLUDED.code_hash,
			superseded_hash = EXCLUDED.superseded_hash,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			attempts = EXCLUDED.attempts,
			last_attempt_at = EXCLUDED.last_attempt_at`

	// Increment attempts on the credential still holding the given hash and
	// wipe the secrets when the attempt budget is spent, in one statement.
	qFail = `UPDATE otp_credentials SET
			attempts = attempts + 1,
			last_attempt_at = $4,
			code_hash = CASE WHEN attempts + 1 >= $5 THEN '' ELSE code_hash END,
			superseded_hash = CASE WHEN attempts + 1 >= $5 THEN '' ELSE superseded_hash END
		WHERE purpose = $1 AND identity = $2 AND code_hash = $3 AND code_hash <> ''
		RETURNING identity, purpose, code_hash, superseded_hash, issued_at, expires_at, attempts, last_attempt_at`

	qConsume = `DELETE FROM otp_credentials
		WHERE purpose = $1 AND identity = $2 AND code_hash = $3 AND code_hash <> ''`

	qDelete = `DELETE FROM otp_credentials WHERE purpose = $1 AND identity = $2 AND issued_at = $3`

	qSweep = `DELETE FROM otp_credentials WHERE expires_at < $1`
)

// Conf contains Postgres configuration fields.
type Conf struct {
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"max_conns"`

	// How long an expired credential is kept before the sweeper deletes it.
	ExpiredRetention time.Duration `json:"expired_retention"`

	// How often the sweeper runs.
	SweepInterval time.Duration `json:"sweep_interval"`
}

// Postgres implements a Postgres Store.
type Postgres struct {
	db   *pgxpool.Pool
	conf Conf
	lo   logf.Logger
}

// New connects to Postgres and creates the credentials table if needed.
func New(ctx context.Context, c Conf, lo logf.Logger) (*Postgres, error) {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ExpiredRetention < 0 {
		c.ExpiredRetention = 0
	}

	cfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("error parsing postgres dsn: %w", err)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("error connecting to postgres: %w", err)
	}

	if _, err := db.Exec(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating schema: %w", err)
	}

	return &Postgres{db: db, conf: c, lo: lo}, nil
}

// Ping checks if the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.db.Close()
}

// Get returns the credential stored against a purpose and identity.
func (p *Postgres) Get(ctx context.Context, purpose models.Purpose, identity string) (models.Credential, error) {
	return scanOne(p.db.QueryRow(ctx, qGet, string(purpose), identity))
}

// Put replaces the credential stored against c's key if the guard allows
// it. Concurrent Puts on the same key are serialised by a transaction
// scoped advisory lock.
func (p *Postgres) Put(ctx context.Context, c models.Credential, guard store.Guard) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, qLock, string(c.Purpose)+":"+c.Identity); err != nil {
			return err
		}

		next := c
		if guard != nil {
			prev, err := scanOne(tx.QueryRow(ctx, qGet, string(c.Purpose), c.Identity))
			if err != nil && err != store.ErrNotExist {
				return err
			}

			var pc *models.Credential
			if err == nil {
				pc = &prev
			}
			if err := guard(pc, &next); err != nil {
				return err
			}
		}

		_, err := tx.Exec(ctx, qUpsert, string(next.Purpose), next.Identity, next.CodeHash, next.SupersededHash,
			next.IssuedAt, next.ExpiresAt, next.Attempts, next.LastAttemptAt)
		return err
	})
}

// Fail records a failed attempt against the credential holding codeHash.
func (p *Postgres) Fail(ctx context.Context, purpose models.Purpose, identity, codeHash string, at time.Time, maxAttempts int) (models.Credential, error) {
	return scanOne(p.db.QueryRow(ctx, qFail, string(purpose), identity, codeHash, at, maxAttempts))
}

// Consume deletes the credential if it still holds codeHash.
func (p *Postgres) Consume(ctx context.Context, purpose models.Purpose, identity, codeHash string) error {
	res, err := p.db.Exec(ctx, qConsume, string(purpose), identity, codeHash)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotExist
	}
	return nil
}

// Delete deletes the credential saved against a given key if it was
// issued at issuedAt.
func (p *Postgres) Delete(ctx context.Context, purpose models.Purpose, identity string, issuedAt time.Time) error {
	res, err := p.db.Exec(ctx, qDelete, string(purpose), identity, issuedAt)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotExist
	}
	return nil
}

// Sweep deletes credentials that expired before now minus the retention
// window and returns the number of rows removed.
func (p *Postgres) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.Exec(ctx, qSweep, now.Add(-p.conf.ExpiredRetention))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// RunSweeper sweeps expired credentials every SweepInterval until ctx
// is cancelled.
func (p *Postgres) RunSweeper(ctx context.Context) {
	t := time.NewTicker(p.conf.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := p.Sweep(ctx, time.Now())
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.lo.Error("error sweeping expired credentials", "error", err)
				}
				continue
			}
			if n > 0 {
				p.lo.Debug("swept expired credentials", "count", n)
			}
		}
	}
}

func scanOne(row pgx.Row) (models.Credential, error) {
	var (
		c       models.Credential
		purpose string
	)
	err := row.Scan(&c.Identity, &purpose, &c.CodeHash, &c.SupersededHash,
		&c.IssuedAt, &c.ExpiresAt, &c.Attempts, &c.LastAttemptAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, store.ErrNotExist
		}
		return c, err
	}

	c.Purpose = models.Purpose(purpose)
	return c, nil
}
