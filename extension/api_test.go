package extension

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/alovak/payment-extension/extension/models"
	"github.com/alovak/payment-extension/internal/auth"
	"github.com/alovak/payment-extension/internal/ratelimit"
)

func newTestRouter(t *testing.T, f *fixture, mode auth.Mode, opts ...APIOption) *chi.Mux {
	t.Helper()

	credentials, err := auth.NewCredentialStore(map[string]string{"acme": "secret1"})
	require.NoError(t, err)

	router := chi.NewRouter()
	NewAPI(testLogger, f.service, auth.NewGate(credentials, mode), f.list, opts...).AppendRoutes(router)
	return router
}

func doRequest(router http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func acmeHeaders(token string) map[string]string {
	return map[string]string{
		auth.ProjectKeyHeader:    "acme",
		auth.AuthorizationHeader: token,
	}
}

func TestAPI_Health(t *testing.T) {
	router := newTestRouter(t, newFixture(t), auth.ModeStrict)

	w := doRequest(router, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Body.String())

	w = doRequest(router, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_HandlePayment(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 3, PaymentStatus: models.PaymentStatus{InterfaceText: "prev"}})
	f.gateway.actions = decodeActions(t, `[{"action":"setStatusInterfaceText","value":"ok"}]`)
	router := newTestRouter(t, f, auth.ModeStrict)

	w := doRequest(router, http.MethodPost, "/payments", `{"id":"p1","version":3,"shopperReference":"s1"}`, acmeHeaders("secret1"))
	require.Equal(t, http.StatusCreated, w.Code)

	var payment models.Payment
	require.NoError(t, json.NewDecoder(w.Body).Decode(&payment))
	require.Equal(t, "p1", payment.ID)
	require.Equal(t, int64(4), payment.Version)
	require.Equal(t, "ok", payment.PaymentStatus.InterfaceText)
}

func TestAPI_RejectsBeforeAnyCall(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		message string
	}{
		{"wrong credential", acmeHeaders("wrong"), auth.ErrUnauthorizedRequest.Error()},
		{"missing token", acmeHeaders(""), auth.ErrUnauthorizedRequest.Error()},
		{"unconfigured project", map[string]string{auth.ProjectKeyHeader: "other", auth.AuthorizationHeader: "secret1"}, auth.ErrMissingCredential.Error()},
		{"no headers", nil, auth.ErrMissingCredential.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.Put(&models.Payment{ID: "p1", Version: 3})
			router := newTestRouter(t, f, auth.ModeStrict)

			for _, path := range []string{"/payments", "/payments/p1/makePayment", "/payments/p1/additional"} {
				w := doRequest(router, http.MethodPost, path, `{"id":"p1","version":3}`, tt.headers)
				require.Equal(t, http.StatusUnauthorized, w.Code)

				var body map[string]string
				require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
				require.Equal(t, "Unauthorized", body["error"])
				require.Equal(t, tt.message, body["message"])
			}

			require.Empty(t, f.gateway.Calls())
			current, err := f.store.GetPayment(context.Background(), "p1")
			require.NoError(t, err)
			require.Equal(t, int64(3), current.Version)
		})
	}
}

func TestAPI_PresenceModeAcceptsAnyToken(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 1})
	router := newTestRouter(t, f, auth.ModePresenceOnly)

	w := doRequest(router, http.MethodPost, "/payments", `{"id":"p1","version":1}`, acmeHeaders("wrong"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(router, http.MethodPost, "/payments", `{"id":"p1","version":2}`, map[string]string{auth.ProjectKeyHeader: "other"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_MakePaymentAndAdditional(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 1})
	router := newTestRouter(t, f, auth.ModeStrict)

	w := doRequest(router, http.MethodPost, "/payments/p1/makePayment", `{"reference":"r1"}`, acmeHeaders("secret1"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(router, http.MethodPost, "/payments/p1/additional", `{"details":{}}`, acmeHeaders("secret1"))
	require.Equal(t, http.StatusCreated, w.Code)

	var payment models.Payment
	require.NoError(t, json.NewDecoder(w.Body).Decode(&payment))
	require.Equal(t, int64(5), payment.Version)
	require.Equal(t, []string{"makePayment", "submitAdditionalDetails"}, f.gateway.Calls())
}

func TestAPI_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 5})
	router := newTestRouter(t, f, auth.ModeStrict)

	// version conflict is a plain 500
	w := doRequest(router, http.MethodPost, "/payments", `{"id":"p1","version":3}`, acmeHeaders("secret1"))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, "Internal Server Error", body["error"])
	require.Equal(t, StageApply, body["stage"])
	require.Contains(t, body["message"], "version conflict")

	w = doRequest(router, http.MethodPost, "/payments", `nope`, acmeHeaders("secret1"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/payments/missing/makePayment", `{}`, acmeHeaders("secret1"))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	f.service.callTimeout = 10 * time.Millisecond
	f.gateway.before = func(ctx context.Context, _ *models.Payment) error {
		<-ctx.Done()
		return ctx.Err()
	}
	w = doRequest(router, http.MethodPost, "/payments", `{"id":"p1","version":5}`, acmeHeaders("secret1"))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestAPI_RateLimit(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&models.Payment{ID: "p1", Version: 1})
	router := newTestRouter(t, f, auth.ModeStrict, WithRateLimiter(ratelimit.New(1)))

	w := doRequest(router, http.MethodPost, "/payments", `{"id":"p1","version":1}`, acmeHeaders("secret1"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(router, http.MethodPost, "/payments", `{"id":"p1","version":2}`, acmeHeaders("secret1"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAPI_DevPayments(t *testing.T) {
	f := newFixture(t)

	router := newTestRouter(t, f, auth.ModeStrict)
	w := doRequest(router, http.MethodPost, "/dev/payments", `{}`, acmeHeaders("secret1"))
	require.Equal(t, http.StatusNotFound, w.Code)

	router = newTestRouter(t, f, auth.ModeStrict, WithDevRoutes())
	w = doRequest(router, http.MethodPost, "/dev/payments", `{"amountPlanned":{"currencyCode":"EUR","centAmount":500}}`, acmeHeaders("secret1"))
	require.Equal(t, http.StatusCreated, w.Code)

	var payment models.Payment
	require.NoError(t, json.NewDecoder(w.Body).Decode(&payment))
	require.Equal(t, int64(1), payment.Version)
	require.Equal(t, int64(500), payment.AmountPlanned.CentAmount)
}

func TestAPI_SlowedUsers(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f, auth.ModeStrict)

	w := doRequest(router, http.MethodPost, "/slowed-users", `{"shopperReference":"s1"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"added":true}`, w.Body.String())

	w = doRequest(router, http.MethodPost, "/slowed-users", `"s1"`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"added":false}`, w.Body.String())

	w = doRequest(router, http.MethodPost, "/slowed-users", `"s2"`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/slowed-users", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `["s1","s2"]`, w.Body.String())

	w = doRequest(router, http.MethodDelete, "/slowed-users", `{"shopperReference":"s1"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"removed":true}`, w.Body.String())

	w = doRequest(router, http.MethodDelete, "/slowed-users", `{"shopperReference":"s1"}`, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodGet, "/slowed-users", "", nil)
	require.JSONEq(t, `["s2"]`, w.Body.String())

	w = doRequest(router, http.MethodPost, "/slowed-users", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
