package extension

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/alovak/payment-extension/extension/models"
	"github.com/alovak/payment-extension/internal/gateway"
	"github.com/alovak/payment-extension/internal/platform"
	"github.com/alovak/payment-extension/internal/platform/memory"
	"github.com/alovak/payment-extension/internal/throttle"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeGateway answers with fixed actions and records what it was given.
type fakeGateway struct {
	mu      sync.Mutex
	actions []models.UpdateAction
	err     error
	calls   []string
	seen    []*models.Payment

	// before runs ahead of the answer, e.g. to simulate a concurrent writer
	before func(ctx context.Context, p *models.Payment) error
}

func (g *fakeGateway) answer(ctx context.Context, op string, p *models.Payment) (*gateway.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, op)
	g.seen = append(g.seen, p.Clone())
	g.mu.Unlock()

	if g.before != nil {
		if err := g.before(ctx, p); err != nil {
			return nil, err
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	return &gateway.Result{Actions: g.actions}, nil
}

func (g *fakeGateway) HandlePayment(ctx context.Context, p *models.Payment) (*gateway.Result, error) {
	return g.answer(ctx, "handlePayment", p)
}

func (g *fakeGateway) MakePayment(ctx context.Context, p *models.Payment) (*gateway.Result, error) {
	return g.answer(ctx, "makePayment", p)
}

func (g *fakeGateway) SubmitAdditionalDetails(ctx context.Context, p *models.Payment) (*gateway.Result, error) {
	return g.answer(ctx, "submitAdditionalDetails", p)
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func decodeActions(t *testing.T, s string) []models.UpdateAction {
	t.Helper()
	var actions []models.UpdateAction
	require.NoError(t, json.Unmarshal([]byte(s), &actions))
	return actions
}

type fixture struct {
	store   *memory.Store
	gateway *fakeGateway
	list    *throttle.Denylist
	slept   []time.Duration
	service *Service

	// onSleep runs inside the throttle delay
	onSleep func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:   memory.New(),
		gateway: &fakeGateway{},
		list:    throttle.NewDenylist(),
	}
	gate := throttle.NewGate(testLogger, f.list, 0, throttle.WithSleep(func(_ context.Context, d time.Duration) {
		f.slept = append(f.slept, d)
		if f.onSleep != nil {
			f.onSleep()
		}
	}))
	registry := platform.NewRegistry(map[string]platform.Client{"acme": f.store})
	f.service = NewService(testLogger, registry, f.gateway, gate, time.Second)
	return f
}

func TestHandlePayment_AppliesGatewayActionsOnGivenVersion(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 3, PaymentStatus: models.PaymentStatus{InterfaceText: "prev"}})
	f.gateway.actions = decodeActions(t, `[{"action":"setStatusInterfaceText","value":"ok"}]`)

	payment, err := f.service.HandlePayment(context.Background(), "acme", []byte(`{"id":"p1","version":3,"shopperReference":"s1"}`))
	require.NoError(t, err)
	require.Equal(t, int64(4), payment.Version)
	require.Equal(t, []string{"handlePayment"}, f.gateway.Calls())
	require.Equal(t, "ok", payment.PaymentStatus.InterfaceText)
	require.Empty(t, f.slept)
}

func TestHandlePayment_AcceptsNonStringCustomFields(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 3})

	payment, err := f.service.HandlePayment(context.Background(), "acme",
		[]byte(`{"id":"p1","version":3,"custom":{"type":{"key":"t"},"fields":{"attempt":2,"captured":false}}}`))
	require.NoError(t, err)
	require.Equal(t, int64(4), payment.Version)
	require.Equal(t, []string{"handlePayment"}, f.gateway.Calls())
}

func TestHandlePayment_ReplayIncrementsAgain(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 3})
	f.gateway.actions = decodeActions(t, `[{"action":"setStatusInterfaceCode","interfaceCode":"Authorised"}]`)

	first, err := f.service.HandlePayment(context.Background(), "acme", []byte(`{"id":"p1","version":3}`))
	require.NoError(t, err)
	require.Equal(t, int64(4), first.Version)

	second, err := f.service.HandlePayment(context.Background(), "acme", []byte(`{"id":"p1","version":4}`))
	require.NoError(t, err)
	require.Equal(t, int64(5), second.Version)
}

func TestHandlePayment_StaleVersionFails(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 5})

	_, err := f.service.HandlePayment(context.Background(), "acme", []byte(`{"id":"p1","version":3}`))
	require.ErrorIs(t, err, platform.ErrVersionConflict)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.Equal(t, VariantDirect, cycleErr.Variant)
	require.Equal(t, StageApply, cycleErr.Stage)

	current, err := f.store.GetPayment(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, int64(5), current.Version)
}

func TestHandlePayment_DelaysListedShopper(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 1})
	_, err := f.list.Add("s1")
	require.NoError(t, err)

	var versionDuringDelay int64
	f.onSleep = func() {
		current, err := f.store.GetPayment(context.Background(), "p1")
		require.NoError(t, err)
		versionDuringDelay = current.Version
		require.Equal(t, []string{"handlePayment"}, f.gateway.Calls())
	}

	payment, err := f.service.HandlePayment(context.Background(), "acme", []byte(`{"id":"p1","version":1,"shopperReference":"s1"}`))
	require.NoError(t, err)
	require.Equal(t, int64(2), payment.Version)
	require.Equal(t, []time.Duration{15 * time.Second}, f.slept)
	// the write happens after the delay
	require.Equal(t, int64(1), versionDuringDelay)

	// other shoppers pass straight through
	_, err = f.service.HandlePayment(context.Background(), "acme", []byte(`{"id":"p1","version":2,"shopperReference":"s2"}`))
	require.NoError(t, err)
	require.Len(t, f.slept, 1)
}

func TestHandlePayment_InvalidPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.HandlePayment(context.Background(), "acme", []byte(`not json`))
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = f.service.HandlePayment(context.Background(), "acme", []byte(`{"version":1}`))
	require.ErrorIs(t, err, ErrInvalidPayload)

	require.Empty(t, f.gateway.Calls())
}

func TestHandlePayment_GatewayError(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 1})
	f.gateway.err = errors.New("gateway down")

	_, err := f.service.HandlePayment(context.Background(), "acme", []byte(`{"id":"p1","version":1}`))
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.Equal(t, StageGateway, cycleErr.Stage)
	require.ErrorContains(t, err, "gateway down")
}

func TestHandlePayment_UnknownProject(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.HandlePayment(context.Background(), "other", []byte(`{"id":"p1","version":1}`))
	require.ErrorIs(t, err, platform.ErrUnknownProject)
	require.Empty(t, f.gateway.Calls())
}

func TestMakePayment_StagesThenAppliesOnStagedVersion(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 7})
	f.gateway.actions = decodeActions(t, `[
		{"action":"setCustomField","name":"makePaymentResponse","value":"{\"resultCode\":\"Authorised\"}"},
		{"action":"setStatusInterfaceCode","interfaceCode":"Authorised"}
	]`)
	body := `{"amount":{"currency":"EUR","value":1000},"reference":"r1"}`

	payment, err := f.service.MakePayment(context.Background(), "acme", "p1", []byte(body))
	require.NoError(t, err)

	// 7 -> 8 staging, 8 -> 9 gateway outcome
	require.Equal(t, int64(9), payment.Version)
	require.Equal(t, "Authorised", payment.PaymentStatus.InterfaceCode)

	staged, ok := payment.CustomField(models.FieldMakePaymentRequest)
	require.True(t, ok)
	require.Equal(t, body, staged)

	require.Equal(t, []string{"makePayment"}, f.gateway.Calls())
	seen := f.gateway.seen[0]
	require.Equal(t, int64(8), seen.Version)
	got, ok := seen.CustomField(models.FieldMakePaymentRequest)
	require.True(t, ok)
	require.Equal(t, body, got)

	// the direct variant is the only one that consults the denylist
	require.Empty(t, f.slept)
}

func TestMakePayment_ConcurrentWriterWinsAndCycleFails(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 1})
	f.gateway.actions = decodeActions(t, `[{"action":"setStatusInterfaceCode","interfaceCode":"Authorised"}]`)
	f.gateway.before = func(ctx context.Context, p *models.Payment) error {
		_, err := f.store.UpdatePayment(ctx, p.ID, p.Version, []models.UpdateAction{
			models.SetCustomField("note", "concurrent"),
		})
		return err
	}

	_, err := f.service.MakePayment(context.Background(), "acme", "p1", []byte(`{}`))
	require.ErrorIs(t, err, platform.ErrVersionConflict)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.Equal(t, StageApply, cycleErr.Stage)

	// staged request stays visible for reconciliation
	current, err := f.store.GetPayment(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, int64(3), current.Version)
	_, ok := current.CustomField(models.FieldMakePaymentRequest)
	require.True(t, ok)
	require.Empty(t, current.PaymentStatus.InterfaceCode)
}

func TestMakePayment_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.MakePayment(context.Background(), "acme", "missing", []byte(`{}`))
	require.ErrorIs(t, err, platform.ErrNotFound)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.Equal(t, StageFetch, cycleErr.Stage)
	require.Empty(t, f.gateway.Calls())
}

func TestMakePayment_RejectsNonJSONBody(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 1})

	_, err := f.service.MakePayment(context.Background(), "acme", "p1", []byte(`{`))
	require.ErrorIs(t, err, ErrInvalidPayload)

	current, err := f.store.GetPayment(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, int64(1), current.Version)
}

func TestSubmitAdditionalDetails_StagesOwnField(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 2})
	f.gateway.actions = []models.UpdateAction{}

	payment, err := f.service.SubmitAdditionalDetails(context.Background(), "acme", "p1", []byte(`{"details":{}}`))
	require.NoError(t, err)
	require.Equal(t, int64(4), payment.Version)

	_, ok := payment.CustomField(models.FieldSubmitAdditionalPaymentDetailsRequest)
	require.True(t, ok)
	require.Equal(t, []string{"submitAdditionalDetails"}, f.gateway.Calls())
}

func TestCallTimeout(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 1})
	f.service.callTimeout = 20 * time.Millisecond
	f.gateway.before = func(ctx context.Context, _ *models.Payment) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := f.service.HandlePayment(context.Background(), "acme", []byte(`{"id":"p1","version":1}`))
	require.ErrorIs(t, err, ErrCallTimeout)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.Equal(t, StageGateway, cycleErr.Stage)
}

func TestCallTimeout_CallerCancellationIsNotATimeout(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 1})

	ctx, cancel := context.WithCancel(context.Background())
	f.gateway.before = func(ctx context.Context, _ *models.Payment) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := f.service.HandlePayment(ctx, "acme", []byte(`{"id":"p1","version":1}`))
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrCallTimeout)
}

func TestCreatePayment(t *testing.T) {
	f := newFixture(t)

	payment, err := f.service.CreatePayment(context.Background(), "acme", models.PaymentDraft{
		AmountPlanned: models.Money{CurrencyCode: "EUR", CentAmount: 1000},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), payment.Version)
	require.NotEmpty(t, payment.ID)

	require.NoError(t, f.service.Ready(context.Background()))
}
