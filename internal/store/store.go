package store

import (
	"context"
	"errors"
	"time"

	"github.com/freshcart/otpgate/pkg/models"
)

// ErrNotExist is thrown when a credential (requested by purpose / identity)
// does not exist, or no longer matches the hash the caller holds.
var ErrNotExist = errors.New("the credential does not exist")

// Guard is called by Put atomically with the currently stored credential
// for the key (nil if there is none) and the credential about to be
// written. It may adjust next. Returning an error aborts the write and
// the error is returned by Put as is.
type Guard func(prev *models.Credential, next *models.Credential) error

// Store represents a storage backend where credentials are kept. There is
// at most one credential per (purpose, identity) key.
type Store interface {
	// Get returns the credential stored against a key. Expired credentials
	// that haven't been physically removed yet are returned as is.
	Get(ctx context.Context, purpose models.Purpose, identity string) (models.Credential, error)

	// Put replaces whatever is stored against the credential's key, after
	// the guard (if any) approves it.
	Put(ctx context.Context, c models.Credential, guard Guard) error

	// Fail records a failed verification attempt on the credential whose
	// hash is codeHash: attempts is incremented and the last attempt time is
	// set to at. When attempts reach maxAttempts, the credential's hash is
	// wiped (locked). It returns the updated credential or ErrNotExist if the
	// key is absent or holds a different hash.
	Fail(ctx context.Context, purpose models.Purpose, identity, codeHash string, at time.Time, maxAttempts int) (models.Credential, error)

	// Consume deletes the credential if its hash is still codeHash.
	// It returns ErrNotExist otherwise.
	Consume(ctx context.Context, purpose models.Purpose, identity, codeHash string) error

	// Delete deletes the credential saved against a given key if it is
	// still the one issued at issuedAt. It returns ErrNotExist otherwise,
	// leaving a credential issued in the meantime untouched.
	Delete(ctx context.Context, purpose models.Purpose, identity string, issuedAt time.Time) error

	// Ping checks if store is reachable.
	Ping(ctx context.Context) error
}
