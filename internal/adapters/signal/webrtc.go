package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teleconsult/internal/core"
	"github.com/dkeye/teleconsult/internal/domain"
)

// negotiationIn accepts both room and roomId for the target room.
type negotiationIn struct {
	Room    domain.RoomID   `json:"room"`
	RoomID  domain.RoomID   `json:"roomId"`
	Payload json.RawMessage `json:"payload"`
}

func (ctl *SignalWSController) handleNegotiation(ctx context.Context, sess core.MemberSession, kind core.SignalKind, data json.RawMessage) {
	var in negotiationIn
	if err := json.Unmarshal(data, &in); err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Str("kind", string(kind)).Str("conn", string(sess.ID())).Msg("bad negotiation envelope")
		return
	}
	room := in.Room
	if room == "" {
		room = in.RoomID
	}
	if err := ctl.Orch.Relay(ctx, sess.Identity(), kind, room, in.Payload); err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Str("kind", string(kind)).Str("room", string(room)).Str("user", string(sess.Identity().ID)).Msg("relay dropped")
	}
}
