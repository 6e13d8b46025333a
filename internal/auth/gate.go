package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingCredential   = errors.New("missing credential")
	ErrUnauthorizedRequest = errors.New("unauthorized request")
)

// Mode sets how much of the presented credential is checked.
type Mode int

const (
	// ModeStrict requires a configured credential and a matching token.
	ModeStrict Mode = iota
	// ModePresenceOnly only requires that the project has a credential; the
	// presented token, empty or not, is not checked.
	ModePresenceOnly
)

func (m Mode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModePresenceOnly:
		return "presence"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "strict", "presence" or an empty string (strict).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return ModeStrict, nil
	case "presence":
		return ModePresenceOnly, nil
	}
	return ModeStrict, fmt.Errorf("unknown auth mode %q", s)
}

// Gate authorizes inbound requests against a CredentialStore.
type Gate struct {
	store *CredentialStore
	mode  Mode
}

func NewGate(store *CredentialStore, mode Mode) *Gate {
	return &Gate{store: store, mode: mode}
}

// Authorize returns nil when the caller may proceed, ErrMissingCredential
// when the project has no credential, and ErrUnauthorizedRequest when the
// token does not match. It has no side effects.
func (g *Gate) Authorize(projectKey, token string) error {
	cred, ok := g.store.Get(projectKey)
	if !ok {
		return ErrMissingCredential
	}
	if g.mode == ModePresenceOnly {
		return nil
	}
	// the header is compared as sent first, then without a "Bearer " scheme
	exact := g.store.Matches(cred, token)
	bare := g.store.Matches(cred, stripScheme(token))
	if !exact && !bare {
		return ErrUnauthorizedRequest
	}
	return nil
}

// stripScheme drops an optional "Bearer " prefix.
func stripScheme(token string) string {
	const bearer = "bearer "
	if len(token) > len(bearer) && strings.EqualFold(token[:len(bearer)], bearer) {
		return token[len(bearer):]
	}
	return token
}
