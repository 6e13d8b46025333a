package throttle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alovak/payment-extension/extension/models"
	"golang.org/x/exp/slog"
)

const DefaultDelay = 15 * time.Second

// Gate holds back cycles whose shopper is on the denylist. It never fails a
// request; it only delays it.
type Gate struct {
	list   *Denylist
	delay  time.Duration
	logger *slog.Logger

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration)
}

type Option func(*Gate)

// WithSleep replaces the function used to wait out the delay.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(g *Gate) {
		g.sleep = sleep
	}
}

func NewGate(logger *slog.Logger, list *Denylist, delay time.Duration, opts ...Option) *Gate {
	if delay <= 0 {
		delay = DefaultDelay
	}
	g := &Gate{
		list:   list,
		delay:  delay,
		logger: logger.With(slog.String("component", "throttle")),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) Delay() time.Duration {
	return g.delay
}

// MaybeDelay suspends the caller for the configured delay when the payload's
// shopper reference is listed. It returns whether a delay was applied.
func (g *Gate) MaybeDelay(ctx context.Context, payload []byte) bool {
	subject := SubjectFromPayload(payload)
	if subject == "" || !g.list.Contains(subject) {
		return false
	}
	g.logger.Info("delaying listed shopper", slog.String("shopper_reference", subject), slog.Duration("delay", g.delay))
	g.sleep(ctx, g.delay)
	return true
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// SubjectFromPayload extracts the shopper reference from a payment payload.
// Staged gateway requests in custom fields take precedence over a top-level
// shopperReference. Anything unparsable yields "".
func SubjectFromPayload(payload []byte) string {
	var body struct {
		ShopperReference string `json:"shopperReference"`
		Custom           *struct {
			Fields map[string]json.RawMessage `json:"fields"`
		} `json:"custom"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	if body.Custom != nil {
		for _, name := range []string{models.FieldGetPaymentMethodsRequest, models.FieldMakePaymentRequest} {
			if ref := shopperReference(body.Custom.Fields[name]); ref != "" {
				return ref
			}
		}
	}
	return body.ShopperReference
}

// shopperReference reads shopperReference from a request that is either a
// JSON object or a JSON string holding one.
func shopperReference(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}
	var req struct {
		ShopperReference string `json:"shopperReference"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return ""
	}
	return req.ShopperReference
}
