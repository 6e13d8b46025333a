package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Custom field names are read by the platform UI and must not change.
const (
	FieldGetPaymentMethodsRequest               = "getPaymentMethodsRequest"
	FieldGetPaymentMethodsResponse              = "getPaymentMethodsResponse"
	FieldMakePaymentRequest                     = "makePaymentRequest"
	FieldMakePaymentResponse                    = "makePaymentResponse"
	FieldSubmitAdditionalPaymentDetailsRequest  = "submitAdditionalPaymentDetailsRequest"
	FieldSubmitAdditionalPaymentDetailsResponse = "submitAdditionalPaymentDetailsResponse"
)

type Money struct {
	CurrencyCode   string `json:"currencyCode"`
	CentAmount     int64  `json:"centAmount"`
	FractionDigits int    `json:"fractionDigits,omitempty"`
}

type TypeReference struct {
	TypeID string `json:"typeId,omitempty"`
	Key    string `json:"key,omitempty"`
	ID     string `json:"id,omitempty"`
}

// CustomFields holds serialized payloads keyed by field name. Fields that
// are not JSON strings on the wire (numbers, booleans, objects) are kept in
// their serialized form.
type CustomFields struct {
	Type   TypeReference     `json:"type"`
	Fields map[string]string `json:"fields"`
}

func (c *CustomFields) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type   TypeReference              `json:"type"`
		Fields map[string]json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	c.Type = raw.Type
	c.Fields = FieldValues(raw.Fields)
	return nil
}

// FieldValues converts raw custom field values to their stored form. Nulls
// are dropped.
func FieldValues(raw map[string]json.RawMessage) map[string]string {
	fields := make(map[string]string, len(raw))
	for name, v := range raw {
		if len(v) == 0 || bytes.Equal(v, []byte("null")) {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			s = string(v)
		}
		fields[name] = s
	}
	return fields
}

type PaymentStatus struct {
	InterfaceCode string `json:"interfaceCode,omitempty"`
	InterfaceText string `json:"interfaceText,omitempty"`
}

type Payment struct {
	ID                    string            `json:"id"`
	Key                   string            `json:"key,omitempty"`
	Version               int64             `json:"version"`
	AmountPlanned         Money             `json:"amountPlanned"`
	InterfaceID           string            `json:"interfaceId,omitempty"`
	PaymentStatus         PaymentStatus     `json:"paymentStatus"`
	Custom                *CustomFields     `json:"custom,omitempty"`
	InterfaceInteractions []json.RawMessage `json:"interfaceInteractions,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
	LastModifiedAt        time.Time         `json:"lastModifiedAt"`
}

// CustomField returns the serialized payload stored under name.
func (p *Payment) CustomField(name string) (string, bool) {
	if p.Custom == nil || p.Custom.Fields == nil {
		return "", false
	}
	v, ok := p.Custom.Fields[name]
	return v, ok
}

// Clone returns a deep copy of the payment.
func (p *Payment) Clone() *Payment {
	c := *p
	if p.Custom != nil {
		custom := CustomFields{Type: p.Custom.Type, Fields: make(map[string]string, len(p.Custom.Fields))}
		for k, v := range p.Custom.Fields {
			custom.Fields[k] = v
		}
		c.Custom = &custom
	}
	if p.InterfaceInteractions != nil {
		c.InterfaceInteractions = make([]json.RawMessage, len(p.InterfaceInteractions))
		for i, ii := range p.InterfaceInteractions {
			c.InterfaceInteractions[i] = append(json.RawMessage(nil), ii...)
		}
	}
	return &c
}

// PaymentDraft is the body accepted by createPayment.
type PaymentDraft struct {
	Key           string        `json:"key,omitempty"`
	AmountPlanned Money         `json:"amountPlanned"`
	Custom        *CustomFields `json:"custom,omitempty"`
}

// UpdateRequest is the conditioned write body sent to the platform.
type UpdateRequest struct {
	Version int64          `json:"version"`
	Actions []UpdateAction `json:"actions"`
}
