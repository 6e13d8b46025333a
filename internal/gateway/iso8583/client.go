// Package iso8583 is a gateway.Client that authorizes card payments with an
// acquirer over an ISO 8583 TCP link.
package iso8583

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/moov-io/iso8583"
	connection "github.com/moov-io/iso8583-connection"
	"golang.org/x/exp/slog"

	"github.com/alovak/payment-extension/extension/models"
	"github.com/alovak/payment-extension/internal/expiry"
	"github.com/alovak/payment-extension/internal/gateway"
)

const (
	mtiAuthorizationRequest = "0100"
	processingCodePurchase  = "000000"
	responseCodeApproved    = "00"
	responseCodeExpiredCard = "54"

	resultAuthorised = "Authorised"
	resultRefused    = "Refused"
)

// paymentMethods is served for getPaymentMethodsRequest; the link only
// carries card authorizations.
const paymentMethods = `{"paymentMethods":[{"name":"Cards","type":"scheme","brands":["visa","mc"]}]}`

var currencyCodes = map[string]string{
	"EUR": "978",
	"USD": "840",
	"GBP": "826",
	"CHF": "756",
	"PLN": "985",
}

// sender is the part of the connection used by the client.
type sender interface {
	Send(message *iso8583.Message) (*iso8583.Message, error)
	Close() error
}

type Client struct {
	conn   sender
	logger *slog.Logger
	stan   atomic.Uint32
	now    func() time.Time
}

// Dial connects to the acquirer at addr. Every message waits at most
// sendTimeout for its response.
func Dial(logger *slog.Logger, addr string, sendTimeout time.Duration) (*Client, error) {
	conn, err := connection.New(addr, Spec, ReadMessageLength, WriteMessageLength,
		connection.SendTimeout(sendTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("creating connection: %w", err)
	}

	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to acquirer %s: %w", addr, err)
	}

	return newClient(logger, conn), nil
}

func newClient(logger *slog.Logger, conn sender) *Client {
	return &Client{
		conn:   conn,
		logger: logger.With(slog.String("gateway", "iso8583")),
		now:    time.Now,
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) HandlePayment(ctx context.Context, payment *models.Payment) (*gateway.Result, error) {
	result := &gateway.Result{Actions: []models.UpdateAction{}}

	if pending(payment, models.FieldGetPaymentMethodsRequest, models.FieldGetPaymentMethodsResponse) {
		req, _ := payment.CustomField(models.FieldGetPaymentMethodsRequest)
		result.Actions = append(result.Actions,
			models.SetCustomField(models.FieldGetPaymentMethodsResponse, paymentMethods),
			c.interaction(models.FieldGetPaymentMethodsRequest, req, paymentMethods),
		)
	}

	if pending(payment, models.FieldMakePaymentRequest, models.FieldMakePaymentResponse) {
		res, err := c.MakePayment(ctx, payment)
		if err != nil {
			return nil, err
		}
		result.Actions = append(result.Actions, res.Actions...)
	}

	if pending(payment, models.FieldSubmitAdditionalPaymentDetailsRequest, models.FieldSubmitAdditionalPaymentDetailsResponse) {
		return nil, fmt.Errorf("%s: %w", models.FieldSubmitAdditionalPaymentDetailsRequest, gateway.ErrUnsupported)
	}

	return result, nil
}

func (c *Client) MakePayment(ctx context.Context, payment *models.Payment) (*gateway.Result, error) {
	staged, ok := payment.CustomField(models.FieldMakePaymentRequest)
	if !ok || staged == "" {
		return nil, fmt.Errorf("%s is not staged on payment %s", models.FieldMakePaymentRequest, payment.ID)
	}

	var req makePaymentRequest
	if err := json.Unmarshal([]byte(staged), &req); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", models.FieldMakePaymentRequest, err)
	}

	message, yymm, err := c.authorizationRequest(req)
	if err != nil {
		return nil, fmt.Errorf("building authorization request: %w", err)
	}

	var auth *authorizationResponse
	if expired, _ := expiry.IsExpired(yymm, c.now(), time.UTC); expired {
		// the acquirer would answer 54, don't spend a round trip on it
		auth = &authorizationResponse{ResultCode: resultRefused, ResponseCode: responseCodeExpiredCard}
	} else {
		response, err := c.send(ctx, message)
		if err != nil {
			return nil, fmt.Errorf("sending authorization request: %w", err)
		}

		auth, err = parseAuthorizationResponse(response)
		if err != nil {
			return nil, fmt.Errorf("parsing authorization response: %w", err)
		}
	}

	c.logger.Info("authorization completed",
		slog.String("payment", payment.ID),
		slog.String("response_code", auth.ResponseCode),
	)

	body, err := json.Marshal(auth)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", models.FieldMakePaymentResponse, err)
	}

	actions := []models.UpdateAction{
		models.SetCustomField(models.FieldMakePaymentResponse, string(body)),
		c.interaction(models.FieldMakePaymentRequest, req.masked(), string(body)),
		models.NewAction(models.ActionSetStatusInterfaceCode, map[string]any{"interfaceCode": auth.ResultCode}),
	}
	if auth.PSPReference != "" {
		actions = append(actions, models.NewAction(models.ActionSetInterfaceID, map[string]any{"interfaceId": auth.PSPReference}))
	}
	return &gateway.Result{Actions: actions}, nil
}

func (c *Client) SubmitAdditionalDetails(ctx context.Context, payment *models.Payment) (*gateway.Result, error) {
	return nil, fmt.Errorf("submit additional details: %w", gateway.ErrUnsupported)
}

// send runs the exchange in a goroutine so ctx can abandon it; the connection
// still enforces its own send timeout.
func (c *Client) send(ctx context.Context, message *iso8583.Message) (*iso8583.Message, error) {
	type reply struct {
		msg *iso8583.Message
		err error
	}
	done := make(chan reply, 1)
	go func() {
		msg, err := c.conn.Send(message)
		done <- reply{msg, err}
	}()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) nextSTAN() string {
	return fmt.Sprintf("%06d", c.stan.Add(1)%1000000)
}

// authorizationRequest returns the 0100 message and the card expiry as YYMM.
func (c *Client) authorizationRequest(req makePaymentRequest) (*iso8583.Message, string, error) {
	pan := strings.ReplaceAll(req.PaymentMethod.Number, " ", "")
	if pan == "" {
		return nil, "", fmt.Errorf("missing card number")
	}
	yymm, err := expiry.FromCard(req.PaymentMethod.ExpiryMonth, req.PaymentMethod.ExpiryYear)
	if err != nil {
		return nil, "", err
	}
	currency, ok := currencyCodes[strings.ToUpper(req.Amount.Currency)]
	if !ok {
		return nil, "", fmt.Errorf("unsupported currency %q", req.Amount.Currency)
	}
	if req.Amount.Value <= 0 {
		return nil, "", fmt.Errorf("amount must be positive")
	}

	stan := c.nextSTAN()
	rrn := c.now().UTC().Format("060102") + stan

	message := iso8583.NewMessage(Spec)
	message.MTI(mtiAuthorizationRequest)
	fields := map[int]string{
		2:  pan,
		3:  processingCodePurchase,
		4:  strconv.FormatInt(req.Amount.Value, 10),
		11: stan,
		14: yymm,
		37: rrn,
		49: currency,
	}
	for id, value := range fields {
		if err := message.Field(id, value); err != nil {
			return nil, "", fmt.Errorf("setting field %d: %w", id, err)
		}
	}

	return message, yymm, nil
}

type authorizationResponse struct {
	ResultCode        string `json:"resultCode"`
	PSPReference      string `json:"pspReference"`
	AuthorizationCode string `json:"authCode,omitempty"`
	ResponseCode      string `json:"responseCode"`
}

func parseAuthorizationResponse(message *iso8583.Message) (*authorizationResponse, error) {
	code, err := fieldString(message, 39)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, fmt.Errorf("missing response code")
	}
	rrn, err := fieldString(message, 37)
	if err != nil {
		return nil, err
	}
	approval, err := fieldString(message, 38)
	if err != nil {
		return nil, err
	}

	res := &authorizationResponse{
		ResultCode:        resultRefused,
		PSPReference:      rrn,
		AuthorizationCode: approval,
		ResponseCode:      code,
	}
	if code == responseCodeApproved {
		res.ResultCode = resultAuthorised
	}
	return res, nil
}

func fieldString(message *iso8583.Message, id int) (string, error) {
	f := message.GetField(id)
	if f == nil {
		return "", nil
	}
	s, err := f.String()
	if err != nil {
		return "", fmt.Errorf("reading field %d: %w", id, err)
	}
	return s, nil
}

func (c *Client) interaction(kind, request, response string) models.UpdateAction {
	return gateway.InteractionAction(gateway.Interaction{
		Type:      kind,
		Request:   request,
		Response:  response,
		CreatedAt: c.now().UTC().Format(time.RFC3339),
	})
}

func pending(p *models.Payment, request, response string) bool {
	if v, ok := p.CustomField(request); !ok || v == "" {
		return false
	}
	_, answered := p.CustomField(response)
	return !answered
}

type makePaymentRequest struct {
	Reference string `json:"reference"`
	Amount    struct {
		Currency string `json:"currency"`
		Value    int64  `json:"value"`
	} `json:"amount"`
	PaymentMethod cardMethod `json:"paymentMethod"`
}

type cardMethod struct {
	Type        string `json:"type"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
}

// masked returns the request as JSON with the card number reduced to its
// last four digits, for the interaction log.
func (r makePaymentRequest) masked() string {
	number := strings.ReplaceAll(r.PaymentMethod.Number, " ", "")
	if len(number) > 4 {
		number = strings.Repeat("*", len(number)-4) + number[len(number)-4:]
	}
	r.PaymentMethod.Number = number
	b, _ := json.Marshal(r)
	return string(b)
}
