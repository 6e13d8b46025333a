package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidAction = errors.New("invalid update action")

const (
	ActionSetCustomField          = "setCustomField"
	ActionSetCustomType           = "setCustomType"
	ActionSetKey                  = "setKey"
	ActionSetInterfaceID          = "setInterfaceId"
	ActionSetStatusInterfaceCode  = "setStatusInterfaceCode"
	ActionSetStatusInterfaceText  = "setStatusInterfaceText"
	ActionAddInterfaceInteraction = "addInterfaceInteraction"
)

// UpdateAction is one instruction of a conditioned write batch. Params carry
// every key except "action" untouched, so gateway-produced actions round-trip
// without being interpreted.
type UpdateAction struct {
	Action string
	Params map[string]json.RawMessage
}

func (a UpdateAction) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(a.Params)+1)
	for k, v := range a.Params {
		out[k] = v
	}
	name, err := json.Marshal(a.Action)
	if err != nil {
		return nil, err
	}
	out["action"] = name
	return json.Marshal(out)
}

func (a *UpdateAction) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	name, ok := raw["action"]
	if !ok {
		return fmt.Errorf("%w: missing action name", ErrInvalidAction)
	}
	if err := json.Unmarshal(name, &a.Action); err != nil {
		return fmt.Errorf("%w: action name: %v", ErrInvalidAction, err)
	}
	delete(raw, "action")
	a.Params = raw
	return nil
}

// NewAction builds an action from plain values.
func NewAction(action string, params map[string]any) UpdateAction {
	a := UpdateAction{Action: action, Params: make(map[string]json.RawMessage, len(params))}
	for k, v := range params {
		b, err := json.Marshal(v)
		if err != nil {
			// values passed here are strings, numbers and raw JSON
			panic(fmt.Sprintf("marshal action param %s: %v", k, err))
		}
		a.Params[k] = b
	}
	return a
}

// SetCustomField stores value as a serialized string payload under name.
func SetCustomField(name, value string) UpdateAction {
	return NewAction(ActionSetCustomField, map[string]any{"name": name, "value": value})
}

func (a UpdateAction) stringParam(key string) (string, bool, error) {
	raw, ok := a.Params[key]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, fmt.Errorf("%w: %s.%s must be a string", ErrInvalidAction, a.Action, key)
	}
	return s, true, nil
}

// interfaceParam reads a status or interface value from key, or from "value"
// when key is absent. A missing value is rejected so the stored one is never
// cleared by accident.
func (a UpdateAction) interfaceParam(key string) (string, error) {
	for _, k := range []string{key, "value"} {
		s, ok, err := a.stringParam(k)
		if err != nil {
			return "", err
		}
		if ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %s requires %s", ErrInvalidAction, a.Action, key)
}

// Apply applies the batch to a copy of the payment and returns it with the
// version advanced by one. On any invalid action the input payment is untouched
// and an error wrapping ErrInvalidAction is returned.
func (p *Payment) Apply(actions []UpdateAction, now time.Time) (*Payment, error) {
	next := p.Clone()
	for i, a := range actions {
		if err := next.apply(a); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
	}
	next.Version = p.Version + 1
	next.LastModifiedAt = now
	return next, nil
}

func (p *Payment) apply(a UpdateAction) error {
	switch a.Action {
	case ActionSetCustomField:
		name, ok, err := a.stringParam("name")
		if err != nil {
			return err
		}
		if !ok || name == "" {
			return fmt.Errorf("%w: setCustomField requires name", ErrInvalidAction)
		}
		if p.Custom == nil {
			p.Custom = &CustomFields{}
		}
		if p.Custom.Fields == nil {
			p.Custom.Fields = map[string]string{}
		}
		raw, present := a.Params["value"]
		if !present || bytes.Equal(raw, []byte("null")) {
			delete(p.Custom.Fields, name)
			return nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			// non-string values are kept in their serialized form
			s = string(raw)
		}
		p.Custom.Fields[name] = s
	case ActionSetCustomType:
		raw, ok := a.Params["type"]
		if !ok || bytes.Equal(raw, []byte("null")) {
			p.Custom = nil
			return nil
		}
		var ref TypeReference
		if err := json.Unmarshal(raw, &ref); err != nil {
			return fmt.Errorf("%w: setCustomType.type: %v", ErrInvalidAction, err)
		}
		var fields map[string]json.RawMessage
		if rawFields, ok := a.Params["fields"]; ok && !bytes.Equal(rawFields, []byte("null")) {
			if err := json.Unmarshal(rawFields, &fields); err != nil {
				return fmt.Errorf("%w: setCustomType.fields: %v", ErrInvalidAction, err)
			}
		}
		p.Custom = &CustomFields{Type: ref, Fields: FieldValues(fields)}
	case ActionSetKey:
		key, _, err := a.stringParam("key")
		if err != nil {
			return err
		}
		p.Key = key
	case ActionSetInterfaceID:
		v, err := a.interfaceParam("interfaceId")
		if err != nil {
			return err
		}
		p.InterfaceID = v
	case ActionSetStatusInterfaceCode:
		v, err := a.interfaceParam("interfaceCode")
		if err != nil {
			return err
		}
		p.PaymentStatus.InterfaceCode = v
	case ActionSetStatusInterfaceText:
		v, err := a.interfaceParam("interfaceText")
		if err != nil {
			return err
		}
		p.PaymentStatus.InterfaceText = v
	case ActionAddInterfaceInteraction:
		b, err := json.Marshal(a.Params)
		if err != nil {
			return fmt.Errorf("%w: addInterfaceInteraction: %v", ErrInvalidAction, err)
		}
		p.InterfaceInteractions = append(p.InterfaceInteractions, b)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidAction, a.Action)
	}
	return nil
}
