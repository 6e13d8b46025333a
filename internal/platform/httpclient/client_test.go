package httpclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/alovak/payment-extension/extension/models"
	"github.com/alovak/payment-extension/internal/platform"
	"github.com/alovak/payment-extension/internal/platform/httpclient"
)

func newClient(t *testing.T, r chi.Router) *httpclient.Client {
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c := httpclient.New(srv.URL, "acme", "token-1", srv.Client())
	c.ReadBackoff = time.Millisecond
	return c
}

func TestClient_UpdatePayment(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/acme/payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		var body models.UpdateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Version != 3 {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"statusCode":409,"message":"ConcurrentModification"}`))
			return
		}
		require.Len(t, body.Actions, 1)
		require.Equal(t, models.ActionSetStatusInterfaceText, body.Actions[0].Action)
		json.NewEncoder(w).Encode(models.Payment{ID: chi.URLParam(r, "id"), Version: 4})
	})
	c := newClient(t, r)

	actions := []models.UpdateAction{models.NewAction(models.ActionSetStatusInterfaceText, map[string]any{"interfaceText": "ok"})}
	p, err := c.UpdatePayment(context.Background(), "p1", 3, actions)
	require.NoError(t, err)
	require.Equal(t, "p1", p.ID)
	require.Equal(t, int64(4), p.Version)

	_, err = c.UpdatePayment(context.Background(), "p1", 2, actions)
	require.ErrorIs(t, err, platform.ErrVersionConflict)
}

func TestClient_GetPaymentRetriesServerErrors(t *testing.T) {
	var calls int32
	r := chi.NewRouter()
	r.Get("/acme/payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(models.Payment{ID: "p1", Version: 7})
	})
	c := newClient(t, r)

	p, err := c.GetPayment(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, int64(7), p.Version)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_GetPaymentNotFoundIsNotRetried(t *testing.T) {
	var calls int32
	r := chi.NewRouter()
	r.Get("/acme/payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "not found", http.StatusNotFound)
	})
	c := newClient(t, r)

	_, err := c.GetPayment(context.Background(), "missing")
	require.ErrorIs(t, err, platform.ErrNotFound)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_GetPaymentStopsOnCancelledContext(t *testing.T) {
	var calls int32
	r := chi.NewRouter()
	r.Get("/acme/payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	c := newClient(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetPayment(ctx, "p1")
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, atomic.LoadInt32(&calls))
}

func TestClient_CreatePayment(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/acme/payments", func(w http.ResponseWriter, r *http.Request) {
		var draft models.PaymentDraft
		require.NoError(t, json.NewDecoder(r.Body).Decode(&draft))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.Payment{ID: "new", Version: 1, AmountPlanned: draft.AmountPlanned})
	})
	c := newClient(t, r)

	p, err := c.CreatePayment(context.Background(), models.PaymentDraft{AmountPlanned: models.Money{CurrencyCode: "EUR", CentAmount: 500}})
	require.NoError(t, err)
	require.Equal(t, "new", p.ID)
	require.Equal(t, int64(500), p.AmountPlanned.CentAmount)
}
