// Package otp manages the lifecycle of one-time verification codes: issuing
// them with a cooldown, verifying them against a bounded attempt budget and
// expiring them. There is at most one live code per (identity, purpose).
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/freshcart/otpgate/internal/store"
	"github.com/freshcart/otpgate/pkg/models"
	"github.com/zerodha/logf"
)

const (
	codeLen = 6

	defaultTTL         = 10 * time.Minute
	defaultMaxAttempts = 3
	defaultCooldown    = 60 * time.Second
)

var (
	ErrRateLimited        = errors.New("a code was sent recently, please wait before requesting another")
	ErrConflict           = errors.New("a code has already been sent, use it or wait for it to expire")
	ErrNotFound           = errors.New("code not found")
	ErrSuperseded         = fmt.Errorf("%w: it was replaced by a newer code", ErrNotFound)
	ErrExpired            = errors.New("code expired, please request a new one")
	ErrLocked             = errors.New("too many attempts, please request a new code")
	ErrNotificationFailed = errors.New("error sending code")
	ErrInvalidIdentity    = errors.New("invalid identity")
	ErrInvalidPurpose     = models.ErrInvalidPurpose

	codeSpace = big.NewInt(1_000_000)
)

// Notifier delivers a plaintext code to the identity.
type Notifier interface {
	Notify(ctx context.Context, identity string, purpose models.Purpose, code string) error
}

// Hasher hashes codes and compares candidates against digests.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Compare(digest, plaintext string) (bool, error)
}

// Opt contains the Manager's policy options.
type Opt struct {
	// Validity window of a code.
	TTL time.Duration

	// Number of wrong attempts after which a code is locked.
	MaxAttempts int

	// Minimum time between issuances for the same key.
	Cooldown time.Duration

	// RejectLive fails Issue with ErrConflict while a live code exists
	// instead of superseding it. Resend always supersedes.
	RejectLive bool

	// RevokeOnSendFailure removes a freshly issued code when its
	// notification fails so that the caller can retry right away.
	RevokeOnSendFailure bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Manager issues and verifies one-time codes.
type Manager struct {
	store  store.Store
	hash   Hasher
	notify Notifier
	opt    Opt
	lo     logf.Logger
}

// New returns a new Manager. Zero values in o are replaced with defaults.
func New(s store.Store, h Hasher, n Notifier, o Opt, lo logf.Logger) *Manager {
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Cooldown < 0 {
		o.Cooldown = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	return &Manager{
		store:  s,
		hash:   h,
		notify: n,
		opt:    o,
		lo:     lo,
	}
}

// MaxAttempts returns the configured attempt budget.
func (m *Manager) MaxAttempts() int {
	return m.opt.MaxAttempts
}

// TTL returns the configured validity window.
func (m *Manager) TTL() time.Duration {
	return m.opt.TTL
}

// Generate returns a uniformly random, zero padded 6 digit code.
func (m *Manager) Generate() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeLen, n.Int64()), nil
}

// Issue creates a code for the identity and purpose, stores its hash and
// sends the plaintext out through the Notifier. Depending on the policy,
// a live code is either superseded or fails the call with ErrConflict.
func (m *Manager) Issue(ctx context.Context, identity string, purpose models.Purpose) error {
	return m.issue(ctx, identity, purpose, !m.opt.RejectLive)
}

// Resend is Issue that always supersedes a live code.
func (m *Manager) Resend(ctx context.Context, identity string, purpose models.Purpose) error {
	return m.issue(ctx, identity, purpose, true)
}

func (m *Manager) issue(ctx context.Context, identity string, purpose models.Purpose, supersede bool) error {
	identity, err := m.key(identity, purpose)
	if err != nil {
		return err
	}

	code, err := m.Generate()
	if err != nil {
		return fmt.Errorf("error generating code: %w", err)
	}
	digest, err := m.hash.Hash(code)
	if err != nil {
		return fmt.Errorf("error hashing code: %w", err)
	}

	now := m.opt.Now()
	c := models.Credential{
		Identity:      identity,
		Purpose:       purpose,
		CodeHash:      digest,
		IssuedAt:      now,
		ExpiresAt:     now.Add(m.opt.TTL),
		LastAttemptAt: now,
	}

	err = m.store.Put(ctx, c, func(prev, next *models.Credential) error {
		// Nothing live to check against.
		if prev == nil || prev.Expired(now) {
			return nil
		}

		if !supersede && !prev.Locked() {
			return ErrConflict
		}
		if now.Sub(prev.LastAttemptAt) < m.opt.Cooldown {
			return ErrRateLimited
		}

		next.SupersededHash = prev.CodeHash
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrRateLimited) {
			return err
		}
		return fmt.Errorf("error storing credential: %w", err)
	}

	if err := m.notify.Notify(ctx, identity, purpose, code); err != nil {
		m.lo.Error("error sending code", "error", err, "identity", identity, "purpose", purpose)

		if m.opt.RevokeOnSendFailure {
			if err := m.store.Consume(ctx, purpose, identity, digest); err != nil && err != store.ErrNotExist {
				m.lo.Error("error revoking unsent code", "error", err, "identity", identity, "purpose", purpose)
			}
		}
		return fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}

	m.lo.Debug("code issued", "identity", identity, "purpose", purpose, "expires_at", c.ExpiresAt)
	return nil
}

// Verify checks a candidate code. A wrong code returns a Result with
// Valid=false and the attempts left. Missing, expired and locked codes
// return ErrNotFound, ErrExpired and ErrLocked respectively.
func (m *Manager) Verify(ctx context.Context, identity string, purpose models.Purpose, code string) (models.Result, error) {
	identity, err := m.key(identity, purpose)
	if err != nil {
		return models.Result{}, err
	}

	c, err := m.store.Get(ctx, purpose, identity)
	if err != nil {
		if err == store.ErrNotExist {
			return models.Result{}, ErrNotFound
		}
		return models.Result{}, fmt.Errorf("error fetching credential: %w", err)
	}

	now := m.opt.Now()
	if c.Expired(now) {
		m.delete(ctx, c)
		return models.Result{}, ErrExpired
	}
	if c.Locked() || c.Attempts >= m.opt.MaxAttempts {
		m.delete(ctx, c)
		return models.Result{}, ErrLocked
	}

	ok, err := m.hash.Compare(c.CodeHash, code)
	if err != nil {
		return models.Result{}, fmt.Errorf("error comparing code: %w", err)
	}

	// Match. The code is single use.
	if ok {
		if err := m.store.Consume(ctx, purpose, identity, c.CodeHash); err != nil {
			if err == store.ErrNotExist {
				// Consumed, superseded or locked by a concurrent request.
				return models.Result{}, m.lostRace(ctx, c)
			}
			return models.Result{}, fmt.Errorf("error consuming credential: %w", err)
		}

		m.lo.Debug("code verified", "identity", identity, "purpose", purpose)
		return models.Result{Valid: true}, nil
	}

	// A code that was replaced by a resend doesn't count as an attempt.
	if c.SupersededHash != "" {
		if old, err := m.hash.Compare(c.SupersededHash, code); err == nil && old {
			return models.Result{AttemptsLeft: m.attemptsLeft(c.Attempts)}, ErrSuperseded
		}
	}

	failed, err := m.store.Fail(ctx, purpose, identity, c.CodeHash, now, m.opt.MaxAttempts)
	if err != nil {
		if err == store.ErrNotExist {
			return models.Result{}, m.lostRace(ctx, c)
		}
		return models.Result{}, fmt.Errorf("error recording attempt: %w", err)
	}

	if failed.Attempts >= m.opt.MaxAttempts {
		m.lo.Info("code locked after failed attempts", "identity", identity, "purpose", purpose)
		return models.Result{}, ErrLocked
	}

	return models.Result{AttemptsLeft: m.attemptsLeft(failed.Attempts)}, nil
}

// AttemptsRemaining returns the verification attempts left for the key.
// An absent or expired credential has the full budget.
func (m *Manager) AttemptsRemaining(ctx context.Context, identity string, purpose models.Purpose) (int, error) {
	identity, err := m.key(identity, purpose)
	if err != nil {
		return 0, err
	}

	c, err := m.store.Get(ctx, purpose, identity)
	if err != nil {
		if err == store.ErrNotExist {
			return m.opt.MaxAttempts, nil
		}
		return 0, fmt.Errorf("error fetching credential: %w", err)
	}

	if c.Expired(m.opt.Now()) {
		return m.opt.MaxAttempts, nil
	}
	if c.Locked() {
		return 0, nil
	}
	return m.attemptsLeft(c.Attempts), nil
}

func (m *Manager) attemptsLeft(attempts int) int {
	if n := m.opt.MaxAttempts - attempts; n > 0 {
		return n
	}
	return 0
}

// key validates and normalises the (identity, purpose) pair.
func (m *Manager) key(identity string, purpose models.Purpose) (string, error) {
	if !purpose.Valid() {
		return "", ErrInvalidPurpose
	}

	identity = models.NormalizeIdentity(identity)
	if identity == "" {
		return "", ErrInvalidIdentity
	}
	return identity, nil
}

// delete removes a dead credential if it's still the one that was read.
// A credential issued in the meantime is left alone. Failures are only
// logged as the credential is unusable either way.
func (m *Manager) delete(ctx context.Context, c models.Credential) {
	err := m.store.Delete(ctx, c.Purpose, c.Identity, c.IssuedAt)
	if err != nil && err != store.ErrNotExist {
		m.lo.Error("error deleting credential", "error", err, "identity", c.Identity, "purpose", c.Purpose)
	}
}

// lostRace returns the outcome of a verification whose conditional write
// found the credential read earlier changed underneath it. If a concurrent
// attempt locked that same credential the result is ErrLocked, otherwise
// the code is gone.
func (m *Manager) lostRace(ctx context.Context, read models.Credential) error {
	c, err := m.store.Get(ctx, read.Purpose, read.Identity)
	if err != nil {
		if err == store.ErrNotExist {
			return ErrNotFound
		}
		return fmt.Errorf("error fetching credential: %w", err)
	}

	if c.Locked() && c.IssuedAt.Equal(read.IssuedAt) {
		return ErrLocked
	}
	return ErrNotFound
}
