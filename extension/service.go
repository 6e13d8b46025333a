package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"github.com/alovak/payment-extension/extension/models"
	"github.com/alovak/payment-extension/internal/gateway"
	"github.com/alovak/payment-extension/internal/platform"
	"github.com/alovak/payment-extension/internal/throttle"
)

const (
	VariantDirect            = "direct"
	VariantMakePayment       = "makePayment"
	VariantAdditionalDetails = "additionalDetails"

	StageFetch   = "fetch"
	StageStage   = "stage"
	StageGateway = "gateway"
	StageApply   = "apply"
)

var (
	// ErrInvalidPayload is returned for inbound bodies that can't be used.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrCallTimeout marks a platform or gateway call that exceeded the
	// per-call timeout. The caller may retry.
	ErrCallTimeout = errors.New("external call timed out")
)

// CycleError reports the step a payment update cycle failed at. When Stage
// is gateway or apply, the staged request may already be on the record.
type CycleError struct {
	Variant string
	Stage   string
	Err     error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s cycle failed at %s: %v", e.Variant, e.Stage, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

type Service struct {
	platforms   *platform.Registry
	gateway     gateway.Client
	throttle    *throttle.Gate
	callTimeout time.Duration
	logger      *slog.Logger
}

func NewService(logger *slog.Logger, platforms *platform.Registry, gw gateway.Client, gate *throttle.Gate, callTimeout time.Duration) *Service {
	return &Service{
		platforms:   platforms,
		gateway:     gw,
		throttle:    gate,
		callTimeout: callTimeout,
		logger:      logger.With(slog.String("component", "cycle")),
	}
}

// HandlePayment runs the direct cycle: the body carries the payment id and
// the version the gateway actions are conditioned on.
func (s *Service) HandlePayment(ctx context.Context, projectKey string, body []byte) (*models.Payment, error) {
	var payment models.Payment
	if err := json.Unmarshal(body, &payment); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payment.ID == "" {
		return nil, fmt.Errorf("%w: missing payment id", ErrInvalidPayload)
	}

	fail := s.failer(VariantDirect, projectKey, payment.ID)

	client, err := s.platforms.Get(projectKey)
	if err != nil {
		return nil, fail(StageFetch, err)
	}

	var result *gateway.Result
	err = s.call(ctx, func(ctx context.Context) error {
		result, err = s.gateway.HandlePayment(ctx, &payment)
		return err
	})
	if err != nil {
		return nil, fail(StageGateway, err)
	}

	s.throttle.MaybeDelay(ctx, body)

	return s.apply(ctx, client, fail, payment.ID, payment.Version, actionsOf(result))
}

// MakePayment stages body as makePaymentRequest on the current version of
// the payment, authorizes it with the gateway and applies the outcome.
func (s *Service) MakePayment(ctx context.Context, projectKey, paymentID string, body []byte) (*models.Payment, error) {
	return s.stagedCycle(ctx, VariantMakePayment, models.FieldMakePaymentRequest, s.gateway.MakePayment, projectKey, paymentID, body)
}

// SubmitAdditionalDetails is MakePayment for submitAdditionalPaymentDetailsRequest.
func (s *Service) SubmitAdditionalDetails(ctx context.Context, projectKey, paymentID string, body []byte) (*models.Payment, error) {
	return s.stagedCycle(ctx, VariantAdditionalDetails, models.FieldSubmitAdditionalPaymentDetailsRequest, s.gateway.SubmitAdditionalDetails, projectKey, paymentID, body)
}

type gatewayCall func(ctx context.Context, payment *models.Payment) (*gateway.Result, error)

func (s *Service) stagedCycle(ctx context.Context, variant, field string, callGateway gatewayCall, projectKey, paymentID string, body []byte) (*models.Payment, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("%w: missing payment id", ErrInvalidPayload)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: body is not JSON", ErrInvalidPayload)
	}

	fail := s.failer(variant, projectKey, paymentID)

	client, err := s.platforms.Get(projectKey)
	if err != nil {
		return nil, fail(StageFetch, err)
	}

	// always re-read, the record may have moved since the event was sent
	var current *models.Payment
	err = s.call(ctx, func(ctx context.Context) error {
		current, err = client.GetPayment(ctx, paymentID)
		return err
	})
	if err != nil {
		return nil, fail(StageFetch, err)
	}
	s.logger.Debug("payment fetched", slog.String("project", projectKey), slog.String("payment", paymentID), slog.Int64("version", current.Version))

	var staged *models.Payment
	err = s.call(ctx, func(ctx context.Context) error {
		staged, err = client.UpdatePayment(ctx, paymentID, current.Version, []models.UpdateAction{
			models.SetCustomField(field, string(body)),
		})
		return err
	})
	if err != nil {
		return nil, fail(StageStage, err)
	}
	s.logger.Debug("request staged", slog.String("project", projectKey), slog.String("payment", paymentID), slog.String("field", field), slog.Int64("version", staged.Version))

	var result *gateway.Result
	err = s.call(ctx, func(ctx context.Context) error {
		result, err = callGateway(ctx, staged)
		return err
	})
	if err != nil {
		return nil, fail(StageGateway, err)
	}

	return s.apply(ctx, client, fail, paymentID, staged.Version, actionsOf(result))
}

func (s *Service) apply(ctx context.Context, client platform.Client, fail func(string, error) error, paymentID string, version int64, actions []models.UpdateAction) (*models.Payment, error) {
	if actions == nil {
		actions = []models.UpdateAction{}
	}
	var updated *models.Payment
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		updated, err = client.UpdatePayment(ctx, paymentID, version, actions)
		return err
	})
	if err != nil {
		return nil, fail(StageApply, err)
	}
	s.logger.Debug("gateway actions applied", slog.String("payment", paymentID), slog.Int("actions", len(actions)), slog.Int64("version", updated.Version))
	return updated, nil
}

func actionsOf(r *gateway.Result) []models.UpdateAction {
	if r == nil {
		return nil
	}
	return r.Actions
}

// CreatePayment creates a payment on the project's platform.
func (s *Service) CreatePayment(ctx context.Context, projectKey string, draft models.PaymentDraft) (*models.Payment, error) {
	client, err := s.platforms.Get(projectKey)
	if err != nil {
		return nil, err
	}

	var created *models.Payment
	err = s.call(ctx, func(ctx context.Context) error {
		created, err = client.CreatePayment(ctx, draft)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating payment: %w", err)
	}
	return created, nil
}

// Ready reports whether every platform backend is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.call(ctx, s.platforms.Ping)
}

// call runs fn with the per-call timeout and marks an expired deadline with
// ErrCallTimeout unless the caller's own context ended first.
func (s *Service) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrCallTimeout, s.callTimeout, err)
	}
	return err
}

func (s *Service) failer(variant, projectKey, paymentID string) func(stage string, err error) error {
	return func(stage string, err error) error {
		s.logger.Error("payment update cycle failed",
			slog.String("variant", variant),
			slog.String("stage", stage),
			slog.String("project", projectKey),
			slog.String("payment", paymentID),
			slog.String("err", err.Error()),
		)
		return &CycleError{Variant: variant, Stage: stage, Err: err}
	}
}
