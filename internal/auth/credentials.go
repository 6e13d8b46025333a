// Package auth decides whether a caller may act on behalf of a project.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// Credential is the digest of a project's shared secret. The secret itself
// is not kept after the store is built.
type Credential struct {
	digest []byte
}

// CredentialStore holds at most one credential per project key. It is built
// once and never mutated, so concurrent reads need no locking.
type CredentialStore struct {
	key         []byte
	credentials map[string]Credential
}

// NewCredentialStore builds a store from project key -> secret. Empty
// secrets are treated as not configured.
func NewCredentialStore(secrets map[string]string) (*CredentialStore, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating digest key: %w", err)
	}
	s := &CredentialStore{
		key:         key,
		credentials: make(map[string]Credential, len(secrets)),
	}
	for project, secret := range secrets {
		if secret == "" {
			continue
		}
		s.credentials[project] = Credential{digest: s.digest(secret)}
	}
	return s, nil
}

// Get returns the credential configured for the project, if any.
func (s *CredentialStore) Get(projectKey string) (Credential, bool) {
	c, ok := s.credentials[projectKey]
	return c, ok
}

// Matches compares token with the credential in constant time. Both sides
// are reduced to fixed-size digests first, so the comparison does not
// depend on the token's length.
func (s *CredentialStore) Matches(c Credential, token string) bool {
	return hmac.Equal(c.digest, s.digest(token))
}

func (s *CredentialStore) digest(secret string) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(secret))
	return h.Sum(nil)
}
