// Package platform describes the commerce back-office payment store the
// extension writes to, and keeps one client per configured project.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/alovak/payment-extension/extension/models"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	ErrNotFound = errors.New("payment not found")

	// ErrVersionConflict is returned when an update targets a version other
	// than the one currently stored. Nothing of the batch is applied.
	ErrVersionConflict = errors.New("payment version conflict")

	ErrInvalidAction = models.ErrInvalidAction

	ErrUnknownProject = errors.New("unknown project")
)

// Client is the subset of the platform API the extension needs.
type Client interface {
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	// UpdatePayment applies actions as one batch only if the stored version
	// equals version.
	UpdatePayment(ctx context.Context, id string, version int64, actions []models.UpdateAction) (*models.Payment, error)
	CreatePayment(ctx context.Context, draft models.PaymentDraft) (*models.Payment, error)
}

// Pinger is implemented by backends that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Registry maps project keys to clients. It is filled once at startup and
// only read afterwards.
type Registry struct {
	clients map[string]Client
}

func NewRegistry(clients map[string]Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for k, c := range clients {
		r.clients[k] = c
	}
	return r
}

func (r *Registry) Get(projectKey string) (Client, error) {
	c, ok := r.clients[projectKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, projectKey)
	}
	return c, nil
}

// ProjectKeys returns the configured project keys in sorted order.
func (r *Registry) ProjectKeys() []string {
	keys := maps.Keys(r.clients)
	slices.Sort(keys)
	return keys
}

// Ping checks every client that supports it.
func (r *Registry) Ping(ctx context.Context) error {
	for _, key := range r.ProjectKeys() {
		p, ok := r.clients[key].(Pinger)
		if !ok {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("project %s: %w", key, err)
		}
	}
	return nil
}
