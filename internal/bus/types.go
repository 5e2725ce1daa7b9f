package bus

import (
	"encoding/json"
	"time"
)

// Protocol is the coarse routing label that scopes a performative.
type Protocol string

const (
	ProtocolRegister     Protocol = "REGISTER"
	ProtocolRequest      Protocol = "REQUEST"
	ProtocolTravel       Protocol = "TRAVEL"
	ProtocolQuery        Protocol = "QUERY"
	ProtocolCoordination Protocol = "COORDINATION"
	ProtocolRoute        Protocol = "ROUTE"
)

func (p Protocol) Valid() bool {
	switch p {
	case ProtocolRegister, ProtocolRequest, ProtocolTravel, ProtocolQuery, ProtocolCoordination, ProtocolRoute:
		return true
	default:
		return false
	}
}

// Performative is the semantic verb of a message.
type Performative string

const (
	PerformativeRequest Performative = "REQUEST"
	PerformativePropose Performative = "PROPOSE"
	PerformativeAccept  Performative = "ACCEPT"
	PerformativeRefuse  Performative = "REFUSE"
	PerformativeCancel  Performative = "CANCEL"
	PerformativeInform  Performative = "INFORM"
)

func (p Performative) Valid() bool {
	switch p {
	case PerformativeRequest, PerformativePropose, PerformativeAccept, PerformativeRefuse, PerformativeCancel, PerformativeInform:
		return true
	default:
		return false
	}
}

// Message is the envelope exchanged between agents. The pair
// (Protocol, Performative) is the dispatch key; Body is a JSON object.
type Message struct {
	ID           string          `json:"id"`
	To           string          `json:"to"`
	From         string          `json:"from"`
	Protocol     Protocol        `json:"protocol"`
	Performative Performative    `json:"performative"`
	Thread       string          `json:"thread,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewMessage encodes body as JSON. A nil body is sent as {}.
func NewMessage(to string, protocol Protocol, performative Performative, body any) (Message, error) {
	raw, err := Encode(body)
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:           to,
		Protocol:     protocol,
		Performative: performative,
		Body:         raw,
	}, nil
}

// Reply addresses a message back to the sender of m on the same protocol
// and thread.
func (m Message) Reply(performative Performative, body any) (Message, error) {
	raw, err := Encode(body)
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:           m.From,
		From:         m.To,
		Protocol:     m.Protocol,
		Performative: performative,
		Thread:       m.Thread,
		Body:         raw,
	}, nil
}

// Key is the dispatch key used in logs.
func (m Message) Key() string {
	return string(m.Protocol) + "/" + string(m.Performative)
}

func (m Message) Validate() error {
	if m.To == "" {
		return newError(CodeValidation, "to is required", false, 0)
	}
	if !m.Protocol.Valid() {
		return newError(CodeValidation, "unknown protocol "+string(m.Protocol), false, 0)
	}
	if !m.Performative.Valid() {
		return newError(CodeValidation, "unknown performative "+string(m.Performative), false, 0)
	}
	if len(m.Body) > 0 && !json.Valid(m.Body) {
		return newError(CodeValidation, "body is not valid json", false, 0)
	}
	return nil
}

// Encode marshals v for a message body. Raw messages pass through.
func Encode(v any) (json.RawMessage, error) {
	switch b := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(b) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return b, nil
	case []byte:
		if len(b) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return json.RawMessage(b), nil
	}
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, NewValidationJSONError(err)
	}
	return blob, nil
}
