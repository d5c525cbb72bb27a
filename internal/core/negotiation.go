package core

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dkeye/teleconsult/internal/domain"
)

// SignalKind is one of the three WebRTC negotiation messages relayed
// between the two members of a room.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "iceCandidate"
)

func (k SignalKind) Event() string { return "webrtc:" + string(k) }

func ParseSignalKind(event string) (SignalKind, bool) {
	switch SignalKind(event) {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return SignalKind(event), true
	}
	return "", false
}

// ValidateNegotiation only confirms a payload is there. Its content is
// whatever the client's WebRTC stack produced and is relayed untouched.
func ValidateNegotiation(kind SignalKind, raw json.RawMessage) error {
	if _, ok := ParseSignalKind(string(kind)); !ok {
		return fmt.Errorf("unknown negotiation kind %q: %w", kind, domain.ErrProtocol)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("%s without payload: %w", kind, domain.ErrProtocol)
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%s payload is not JSON: %w", kind, domain.ErrProtocol)
	}
	return nil
}
