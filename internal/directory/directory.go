// Package directory answers identity level preconditions before a code is
// issued: a signup needs an unregistered e-mail, a user reset a registered
// one and an admin reset one of the configured admin addresses.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/freshcart/otpgate/pkg/models"
)

var (
	ErrRegistered = errors.New("an account with this e-mail already exists")
	ErrUnknown    = errors.New("no account found with this e-mail")
)

// Users looks up registered users.
type Users interface {
	Exists(ctx context.Context, identity string) (bool, error)
}

// Directory checks purpose preconditions for identities.
type Directory struct {
	users  Users
	admins map[string]struct{}
}

// New returns a Directory. users may be nil, in which case user
// registration checks are skipped and the caller is trusted.
func New(users Users, admins []string) *Directory {
	d := &Directory{
		users:  users,
		admins: make(map[string]struct{}, len(admins)),
	}
	for _, a := range admins {
		if a = models.NormalizeIdentity(a); a != "" {
			d.admins[a] = struct{}{}
		}
	}
	return d
}

// Check returns nil if a code for purpose may be issued to identity.
func (d *Directory) Check(ctx context.Context, purpose models.Purpose, identity string) error {
	identity = models.NormalizeIdentity(identity)

	switch purpose {
	case models.PurposeAdminReset:
		if _, ok := d.admins[identity]; !ok {
			return ErrUnknown
		}
		return nil

	case models.PurposeSignup, models.PurposeUserReset:
		if d.users == nil {
			return nil
		}

		ok, err := d.users.Exists(ctx, identity)
		if err != nil {
			return fmt.Errorf("error looking up user: %w", err)
		}

		if purpose == models.PurposeSignup && ok {
			return ErrRegistered
		}
		if purpose == models.PurposeUserReset && !ok {
			return ErrUnknown
		}
		return nil
	}

	return models.ErrInvalidPurpose
}
