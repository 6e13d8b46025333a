package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alovak/payment-extension/extension/models"
	"github.com/alovak/payment-extension/internal/platform"
	"github.com/alovak/payment-extension/internal/retry"
)

// Client talks to the platform's REST API on behalf of one project.
type Client struct {
	Base        string
	ProjectKey  string
	AccessToken string
	HTTP        *http.Client

	// ReadAttempts bounds retries of GET requests. Writes are sent once.
	ReadAttempts uint
	ReadBackoff  time.Duration
}

func New(base, projectKey, accessToken string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		Base:         strings.TrimRight(base, "/"),
		ProjectKey:   projectKey,
		AccessToken:  accessToken,
		HTTP:         hc,
		ReadAttempts: 3,
		ReadBackoff:  100 * time.Millisecond,
	}
}

// statusError is returned for non-2xx responses.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("platform status=%d body=%s", e.Code, e.Body)
}

func (e *statusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return platform.ErrNotFound
	case http.StatusConflict:
		return platform.ErrVersionConflict
	case http.StatusBadRequest:
		return platform.ErrInvalidAction
	}
	return nil
}

func (c *Client) paymentsURL(id string) string {
	u := fmt.Sprintf("%s/%s/payments", c.Base, url.PathEscape(c.ProjectKey))
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

func (c *Client) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var p *models.Payment
	_, err := retry.Retry(func() error {
		var err error
		p, err = c.getPayment(ctx, id)
		return err
	},
		retry.NonRetriableErrors(platform.ErrNotFound, context.Canceled, context.DeadlineExceeded),
		retriable,
		retry.Limit(c.ReadAttempts),
		retry.Backoff(ctx, c.ReadBackoff, 2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) getPayment(ctx context.Context, id string) (*models.Payment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.paymentsURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	p := &models.Payment{}
	if err := c.do(req, p); err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (c *Client) UpdatePayment(ctx context.Context, id string, version int64, actions []models.UpdateAction) (*models.Payment, error) {
	if actions == nil {
		actions = []models.UpdateAction{}
	}
	body, err := json.Marshal(models.UpdateRequest{Version: version, Actions: actions})
	if err != nil {
		return nil, fmt.Errorf("encoding update: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.paymentsURL(id), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	p := &models.Payment{}
	if err := c.do(req, p); err != nil {
		return nil, fmt.Errorf("update payment: %w", err)
	}
	return p, nil
}

func (c *Client) CreatePayment(ctx context.Context, draft models.PaymentDraft) (*models.Payment, error) {
	body, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("encoding draft: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.paymentsURL(""), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	p := &models.Payment{}
	if err := c.do(req, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	return p, nil
}

func (c *Client) do(req *http.Request, out any) error {
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// retriable allows another read after transport failures and 5xx responses.
func retriable(_ uint, err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}
