package models

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Purpose is the action a one-time code authorises. Codes are scoped by
// purpose so that a signup code can't be replayed to reset a password.
type Purpose string

const (
	PurposeSignup     Purpose = "signup"
	PurposeUserReset  Purpose = "user_reset"
	PurposeAdminReset Purpose = "admin_reset"
)

// Purposes lists every known purpose.
var Purposes = []Purpose{PurposeSignup, PurposeUserReset, PurposeAdminReset}

// ErrInvalidPurpose is returned when a purpose string isn't recognised.
var ErrInvalidPurpose = errors.New("invalid purpose")

// purposeAliases maps the names used by the grocery backend's older
// endpoints to purposes.
var purposeAliases = map[string]Purpose{
	"usersignup":      PurposeSignup,
	"userforgotpass":  PurposeUserReset,
	"adminforgotpass": PurposeAdminReset,
}

// ParsePurpose parses a purpose name or one of its legacy aliases.
func ParsePurpose(s string) (Purpose, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if p, ok := purposeAliases[s]; ok {
		return p, nil
	}

	p := Purpose(s)
	if !p.Valid() {
		return "", ErrInvalidPurpose
	}
	return p, nil
}

// Valid tells if p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeSignup, PurposeUserReset, PurposeAdminReset:
		return true
	}
	return false
}

// NormalizeIdentity trims and lower-cases an identity (e-mail) so that
// case variants map to the same credential.
func NormalizeIdentity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Credential is one outstanding verification challenge for an
// (identity, purpose) pair.
type Credential struct {
	Identity string  `json:"identity"`
	Purpose  Purpose `json:"purpose"`

	// CodeHash is the salted digest of the code. An empty hash marks a
	// credential that has been locked after too many failed attempts.
	CodeHash string `json:"-"`

	// SupersededHash is the digest of the code this credential replaced.
	SupersededHash string `json:"-"`

	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// Expired tells if the credential's validity window has elapsed at t.
func (c Credential) Expired(t time.Time) bool {
	return t.After(c.ExpiresAt)
}

// Locked tells if the credential was invalidated by failed attempts.
func (c Credential) Locked() bool {
	return c.CodeHash == ""
}

// Result is the outcome of a verification attempt.
type Result struct {
	Valid        bool `json:"valid"`
	AttemptsLeft int  `json:"attempts_left"`
}

// Message is a rendered one-time code notification handed to a Provider.
type Message struct {
	To      string  `json:"to"`
	Purpose Purpose `json:"purpose"`
	Code    string  `json:"code"`
	Subject string  `json:"subject"`
	Body    []byte  `json:"body"`
}

// Provider is an interface for a generic messaging backend,
// for instance, e-mail over SMTP or an HTTP webhook.
type Provider interface {
	// ID returns the name of the Provider.
	ID() string

	// ChannelName returns the name of the channel the provider delivers
	// on, for example "E-mail".
	ChannelName() string

	// ValidateAddress validates the 'to' address the Provider
	// is supposed to send the code to.
	ValidateAddress(to string) error

	// Push delivers a message.
	Push(ctx context.Context, m Message) error

	// MaxAddressLen returns the maximum allowed length of the 'to' address.
	MaxAddressLen() int

	// MaxBodyLen returns the maximum permitted length of the text
	// that can be sent by the Provider.
	MaxBodyLen() int
}
