package devtools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	TracingDomain        = "Tracing"
	TracingStartMethod   = "Tracing.start"
	TracingEndMethod     = "Tracing.end"
	TracingDataMethod    = "Tracing.dataCollected"
	TracingCompleteEvent = "Tracing.tracingComplete"

	IOReadMethod  = "IO.read"
	IOCloseMethod = "IO.close"
)

// Request is an outbound command frame.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Message is an inbound frame: a response when ID is set, an event when
// Method is set.
type Message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

func (m Message) IsResponse() bool { return m.ID != nil && m.Method == "" }

func (m Message) IsEvent() bool { return m.Method != "" }

// Domain returns the part of Method before the first dot, or all of it.
func (m Message) Domain() string { return DomainOf(m.Method) }

func (m Message) DecodeParams(v any) error {
	if len(m.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return fmt.Errorf("%w: %s params: %v", ErrMalformedMessage, m.Method, err)
	}
	return nil
}

func (m Message) DecodeResult(v any) error {
	if len(m.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Result, v); err != nil {
		return fmt.Errorf("%w: result: %v", ErrMalformedMessage, err)
	}
	return nil
}

// HasResult reports whether the response carries a non-empty result.
func (m Message) HasResult() bool {
	r := bytes.TrimSpace(m.Result)
	if len(r) == 0 || bytes.Equal(r, []byte("null")) {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(r, &obj); err == nil {
		return len(obj) > 0
	}
	return true
}

func (m Message) String() string {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%+v", m.Method)
	}
	return string(raw)
}

// ParseMessage decodes one inbound frame. Frames with neither an id nor a
// method are malformed.
func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.ID == nil && msg.Method == "" {
		return Message{}, fmt.Errorf("%w: frame has neither id nor method", ErrMalformedMessage)
	}
	return msg, nil
}

func DomainOf(method string) string {
	if i := strings.IndexByte(method, '.'); i >= 0 {
		return method[:i]
	}
	return method
}

// Event builds an event Message, mostly for re-dispatching synthesized
// events.
func Event(method string, params any) (Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s params: %w", method, err)
	}
	return Message{Method: method, Params: raw}, nil
}

type tracingCompleteParams struct {
	Stream string `json:"stream,omitempty"`
}

type ioReadResult struct {
	Data          string `json:"data"`
	EOF           bool   `json:"eof"`
	Base64Encoded bool   `json:"base64Encoded"`
}
