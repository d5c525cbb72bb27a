package core

import "encoding/json"

// Envelope is the single wire shape of every WebSocket message in both
// directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeEvent marshals data once and wraps it. A json.RawMessage is
// embedded as is.
func EncodeEvent(event string, data any) (Frame, error) {
	env := Envelope{Event: event}
	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		env.Data = d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		env.Data = b
	}
	return json.Marshal(env)
}
