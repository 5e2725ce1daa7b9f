package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/joelkehle/simfleet/internal/bus"
)

// ErrViolation marks an unexpected performative or a body missing a
// required key. Receivers log it and drop the message.
var ErrViolation = errors.New("protocol violation")

type validator interface {
	Validate() error
}

// Decode parses msg's body into T and runs its Validate method when it
// has one. Unknown keys are ignored.
func Decode[T any](msg bus.Message) (T, error) {
	var out T
	body := msg.Body
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte(`{}`)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("%w: %s from %s: %v", ErrViolation, msg.Key(), msg.From, err)
	}
	if v, ok := any(&out).(validator); ok {
		if err := v.Validate(); err != nil {
			return out, fmt.Errorf("%w: %s from %s: %v", ErrViolation, msg.Key(), msg.From, err)
		}
	}
	return out, nil
}

// Expect checks the dispatch key of msg.
func Expect(msg bus.Message, protocol bus.Protocol, performatives ...bus.Performative) error {
	if msg.Protocol != protocol {
		return fmt.Errorf("%w: unexpected protocol %s from %s", ErrViolation, msg.Key(), msg.From)
	}
	if len(performatives) == 0 {
		return nil
	}
	for _, p := range performatives {
		if msg.Performative == p {
			return nil
		}
	}
	return fmt.Errorf("%w: unexpected performative %s from %s", ErrViolation, msg.Key(), msg.From)
}

// WithStatus encodes data and sets its "status" key. data must encode to a
// JSON object; nil is treated as {}.
func WithStatus(data any, status Status) (json.RawMessage, error) {
	raw, err := bus.Encode(data)
	if err != nil {
		return nil, err
	}
	if t := bytes.TrimSpace(raw); len(t) == 0 || t[0] != '{' {
		return nil, fmt.Errorf("%w: inform data must be a json object", ErrViolation)
	}
	out, err := sjson.SetBytes(raw, "status", int(status))
	if err != nil {
		return nil, err
	}
	return out, nil
}
