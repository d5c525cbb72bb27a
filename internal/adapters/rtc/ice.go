// Package rtc hands WebRTC configuration to clients. Media never flows
// through this service; peers connect directly.
package rtc

import (
	"fmt"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/teleconsult/internal/config"
)

// DefaultICEServers is used when nothing is configured.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// ICEServers converts configured entries, rejecting URLs that are not
// stun:, stuns:, turn: or turns: URIs and TURN entries without credentials.
func ICEServers(entries []config.ICEServer) ([]webrtc.ICEServer, error) {
	if len(entries) == 0 {
		return DefaultICEServers(), nil
	}
	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		if len(e.URLs) == 0 {
			return nil, fmt.Errorf("ice server %d: no urls", i)
		}
		for _, raw := range e.URLs {
			u, err := stun.ParseURI(raw)
			if err != nil {
				return nil, fmt.Errorf("ice server %d: %q: %w", i, raw, err)
			}
			if (u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS) && (e.Username == "" || e.Credential == "") {
				return nil, fmt.Errorf("ice server %d: %q needs username and credential", i, raw)
			}
		}
		s := webrtc.ICEServer{URLs: e.URLs, Username: e.Username}
		if e.Credential != "" {
			s.Credential = e.Credential
		}
		out = append(out, s)
	}
	return out, nil
}
