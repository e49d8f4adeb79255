// Package hash hashes and compares one-time codes with bcrypt.
package hash

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Bcrypt hashes secrets with bcrypt. The optional pepper is appended to the
// plaintext before hashing and comparing and is kept in configuration,
// never in the store.
type Bcrypt struct {
	cost   int
	pepper string
}

// MaxPepperLen is the longest pepper accepted. bcrypt only takes 72 bytes
// of input and the pepper shares them with the code.
const MaxPepperLen = 64

// ErrPepperTooLong is returned for a pepper longer than MaxPepperLen.
var ErrPepperTooLong = errors.New("pepper is too long")

// NewBcrypt returns a bcrypt hasher. An out of range cost falls back to
// bcrypt.DefaultCost.
func NewBcrypt(cost int, pepper string) (*Bcrypt, error) {
	if len(pepper) > MaxPepperLen {
		return nil, ErrPepperTooLong
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost, pepper: pepper}, nil
}

// Hash returns the bcrypt digest of plaintext.
func (b *Bcrypt) Hash(plaintext string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext+b.pepper), b.cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Compare tells if plaintext matches the digest. A mismatch is not an
// error; a malformed digest is.
func (b *Bcrypt) Compare(digest, plaintext string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext+b.pepper))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}
