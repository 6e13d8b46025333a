// Package gateway defines the payment gateway contract used by the payment
// update cycle. A gateway turns a payment record into the update actions that
// should be written back to it.
package gateway

import (
	"context"
	"errors"

	"github.com/alovak/payment-extension/extension/models"
)

var ErrUnsupported = errors.New("operation not supported by gateway")

type Result struct {
	Actions []models.UpdateAction `json:"actions"`
}

type Client interface {
	// HandlePayment reacts to whatever request field is staged on the
	// payment and returns the actions to write back.
	HandlePayment(ctx context.Context, payment *models.Payment) (*Result, error)
	MakePayment(ctx context.Context, payment *models.Payment) (*Result, error)
	SubmitAdditionalDetails(ctx context.Context, payment *models.Payment) (*Result, error)
}

// Interaction is recorded on the payment for every gateway exchange.
type Interaction struct {
	Type      string `json:"type"`
	Request   string `json:"request"`
	Response  string `json:"response"`
	CreatedAt string `json:"createdAt"`
}

// InteractionAction returns an addInterfaceInteraction action for i.
func InteractionAction(i Interaction) models.UpdateAction {
	return models.NewAction(models.ActionAddInterfaceInteraction, map[string]any{
		"type":      i.Type,
		"request":   i.Request,
		"response":  i.Response,
		"createdAt": i.CreatedAt,
	})
}
