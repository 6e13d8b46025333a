package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"

	"github.com/alovak/payment-extension/extension/models"
	"github.com/alovak/payment-extension/internal/auth"
	"github.com/alovak/payment-extension/internal/ratelimit"
	"github.com/alovak/payment-extension/internal/throttle"
)

const maxBodySize = 1 << 20

type API struct {
	service   *Service
	gate      *auth.Gate
	denylist  *throttle.Denylist
	limiter   ratelimit.Limiter
	devRoutes bool
	logger    *slog.Logger
}

type APIOption func(*API)

// WithRateLimiter limits authenticated routes per project key.
func WithRateLimiter(l ratelimit.Limiter) APIOption {
	return func(a *API) {
		a.limiter = l
	}
}

// WithDevRoutes mounts POST /dev/payments.
func WithDevRoutes() APIOption {
	return func(a *API) {
		a.devRoutes = true
	}
}

func NewAPI(logger *slog.Logger, service *Service, gate *auth.Gate, denylist *throttle.Denylist, opts ...APIOption) *API {
	a := &API{
		service:  service,
		gate:     gate,
		denylist: denylist,
		limiter:  ratelimit.NoLimiter{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/ready", a.ready)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(a.gate))
		r.Use(ratelimit.Middleware(a.limiter, func(r *http.Request) string {
			return auth.ProjectKey(r.Context())
		}))

		r.Post("/payments", a.handlePayment)
		r.Post("/payments/{id}/makePayment", a.makePayment)
		r.Post("/payments/{id}/additional", a.submitAdditionalDetails)

		if a.devRoutes {
			r.Post("/dev/payments", a.createPayment)
		}
	})

	r.Post("/slowed-users", a.addSlowedUser)
	r.Get("/slowed-users", a.listSlowedUsers)
	r.Delete("/slowed-users", a.removeSlowedUser)
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.service.Ready(ctx); err != nil {
		a.logger.Error("readiness check failed", slog.String("err", err.Error()))
		http.Error(w, "platform not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handlePayment(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	payment, err := a.service.HandlePayment(r.Context(), auth.ProjectKey(r.Context()), body)
	if err != nil {
		writeCycleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, payment)
}

func (a *API) makePayment(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	payment, err := a.service.MakePayment(r.Context(), auth.ProjectKey(r.Context()), chi.URLParam(r, "id"), body)
	if err != nil {
		writeCycleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, payment)
}

func (a *API) submitAdditionalDetails(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	payment, err := a.service.SubmitAdditionalDetails(r.Context(), auth.ProjectKey(r.Context()), chi.URLParam(r, "id"), body)
	if err != nil {
		writeCycleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, payment)
}

func (a *API) createPayment(w http.ResponseWriter, r *http.Request) {
	var draft models.PaymentDraft
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", fmt.Sprintf("decoding payment draft: %v", err))
		return
	}

	payment, err := a.service.CreatePayment(r.Context(), auth.ProjectKey(r.Context()), draft)
	if err != nil {
		writeCycleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, payment)
}

func (a *API) addSlowedUser(w http.ResponseWriter, r *http.Request) {
	subject, err := decodeSubject(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	added, err := a.denylist.Add(subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}

	a.logger.Info("slowed user added", slog.String("shopper_reference", subject), slog.Bool("added", added))
	writeJSON(w, http.StatusOK, map[string]bool{"added": added})
}

func (a *API) listSlowedUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.denylist.List())
}

func (a *API) removeSlowedUser(w http.ResponseWriter, r *http.Request) {
	subject, err := decodeSubject(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	removed, err := a.denylist.Remove(subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "Not Found", fmt.Sprintf("%s is not a slowed user", subject))
		return
	}

	a.logger.Info("slowed user removed", slog.String("shopper_reference", subject))
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

// decodeSubject accepts {"shopperReference":"..."} or a bare JSON string.
func decodeSubject(r io.Reader) (string, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return "", fmt.Errorf("decoding subject: %w", err)
	}

	var subject string
	if err := json.Unmarshal(raw, &subject); err != nil {
		var body struct {
			ShopperReference string `json:"shopperReference"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return "", fmt.Errorf("decoding subject: %w", err)
		}
		subject = body.ShopperReference
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("shopperReference is required")
	}
	return subject, nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", fmt.Sprintf("reading body: %v", err))
		return nil, false
	}
	return body, true
}

func writeCycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	case errors.Is(err, ErrCallTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Service Unavailable", err.Error())
		return
	}

	body := map[string]string{
		"error":   "Internal Server Error",
		"message": err.Error(),
	}
	var cycleErr *CycleError
	if errors.As(err, &cycleErr) {
		body["stage"] = cycleErr.Stage
	}
	writeJSON(w, http.StatusInternalServerError, body)
}

func writeError(w http.ResponseWriter, status int, title, message string) {
	writeJSON(w, status, map[string]string{
		"error":   title,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
