// Package httpgateway is a gateway.Client for a JSON checkout API.
package httpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alovak/payment-extension/extension/models"
	"github.com/alovak/payment-extension/internal/gateway"
)

const (
	pathPaymentMethods = "/paymentMethods"
	pathPayments       = "/payments"
	pathPaymentDetails = "/payments/details"
)

var errMissingRequest = errors.New("request field is not staged on payment")

type Client struct {
	Base            string
	APIKey          string
	MerchantAccount string
	HTTP            *http.Client

	now func() time.Time
}

func New(base, apiKey, merchantAccount string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		Base:            strings.TrimRight(base, "/"),
		APIKey:          apiKey,
		MerchantAccount: merchantAccount,
		HTTP:            hc,
		now:             time.Now,
	}
}

// exchange describes one request field and the endpoint that serves it.
type exchange struct {
	request  string
	response string
	path     string
	payment  bool
}

var exchanges = []exchange{
	{models.FieldGetPaymentMethodsRequest, models.FieldGetPaymentMethodsResponse, pathPaymentMethods, false},
	{models.FieldMakePaymentRequest, models.FieldMakePaymentResponse, pathPayments, true},
	{models.FieldSubmitAdditionalPaymentDetailsRequest, models.FieldSubmitAdditionalPaymentDetailsResponse, pathPaymentDetails, true},
}

// HandlePayment serves every staged request field that has no response yet.
// A payment without pending requests yields no actions.
func (c *Client) HandlePayment(ctx context.Context, payment *models.Payment) (*gateway.Result, error) {
	result := &gateway.Result{Actions: []models.UpdateAction{}}
	for _, ex := range exchanges {
		req, ok := payment.CustomField(ex.request)
		if !ok || req == "" {
			continue
		}
		if _, answered := payment.CustomField(ex.response); answered {
			continue
		}
		actions, err := c.call(ctx, ex, req)
		if err != nil {
			return nil, err
		}
		result.Actions = append(result.Actions, actions...)
	}
	return result, nil
}

func (c *Client) MakePayment(ctx context.Context, payment *models.Payment) (*gateway.Result, error) {
	return c.single(ctx, exchanges[1], payment)
}

func (c *Client) SubmitAdditionalDetails(ctx context.Context, payment *models.Payment) (*gateway.Result, error) {
	return c.single(ctx, exchanges[2], payment)
}

func (c *Client) single(ctx context.Context, ex exchange, payment *models.Payment) (*gateway.Result, error) {
	req, ok := payment.CustomField(ex.request)
	if !ok || req == "" {
		return nil, fmt.Errorf("%s: %w", ex.request, errMissingRequest)
	}
	actions, err := c.call(ctx, ex, req)
	if err != nil {
		return nil, err
	}
	return &gateway.Result{Actions: actions}, nil
}

func (c *Client) call(ctx context.Context, ex exchange, staged string) ([]models.UpdateAction, error) {
	body, err := c.requestBody(staged)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ex.request, err)
	}

	respBody, err := c.post(ctx, ex.path, body)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", ex.path, err)
	}

	actions := []models.UpdateAction{
		models.SetCustomField(ex.response, string(respBody)),
		gateway.InteractionAction(gateway.Interaction{
			Type:      ex.request,
			Request:   string(body),
			Response:  string(respBody),
			CreatedAt: c.now().UTC().Format(time.RFC3339),
		}),
	}

	if ex.payment {
		var res struct {
			ResultCode   string `json:"resultCode"`
			PSPReference string `json:"pspReference"`
		}
		// responses that don't decode still get recorded above
		if err := json.Unmarshal(respBody, &res); err == nil {
			if res.ResultCode != "" {
				actions = append(actions, models.NewAction(models.ActionSetStatusInterfaceCode, map[string]any{"interfaceCode": res.ResultCode}))
			}
			if res.PSPReference != "" {
				actions = append(actions, models.NewAction(models.ActionSetInterfaceID, map[string]any{"interfaceId": res.PSPReference}))
			}
		}
	}

	return actions, nil
}

// requestBody returns the staged payload with the merchant account filled in.
func (c *Client) requestBody(staged string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(staged), &fields); err != nil {
		return nil, fmt.Errorf("decoding staged request: %w", err)
	}
	if _, ok := fields["merchantAccount"]; !ok && c.MerchantAccount != "" {
		b, err := json.Marshal(c.MerchantAccount)
		if err != nil {
			return nil, err
		}
		fields["merchantAccount"] = b
	}
	return json.Marshal(fields)
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.APIKey)

	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	// 4xx answers are refusals and are recorded on the payment
	if res.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("gateway status=%d body=%s", res.StatusCode, respBody)
	}

	return respBody, nil
}
