package orch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teleconsult/internal/core"
	"github.com/dkeye/teleconsult/internal/domain"
)

// Relay forwards one negotiation payload to the other member of room,
// verbatim. A malformed payload is a ProtocolError for the sender; a sender
// that is not a member of the room is dropped silently, since late messages
// after teardown are normal.
func (o *Orchestrator) Relay(ctx context.Context, from domain.Identity, kind core.SignalKind, roomID domain.RoomID, payload json.RawMessage) error {
	if err := core.ValidateNegotiation(kind, payload); err != nil {
		return err
	}
	room, ok := o.room(ctx, roomID)
	if !ok {
		log.Warn().Str("module", "app.orch").Str("room", string(roomID)).Str("user", string(from.ID)).Str("kind", string(kind)).Msg("relay to unknown room dropped")
		return nil
	}
	peer, ok := room.Peer(from.ID)
	if !ok {
		log.Warn().Str("module", "app.orch").Str("room", string(roomID)).Str("user", string(from.ID)).Str("kind", string(kind)).Msg("relay from non-member dropped")
		return nil
	}

	o.emit(ctx, peer, kind.Event(), Negotiation{Room: roomID, From: from.ID, Payload: payload})

	if kind == core.SignalAnswer {
		o.markInCall(ctx, room.ConsultationID)
	}
	return nil
}

// room finds the room locally or rebuilds it from the consultation it
// belongs to, for rooms opened by another instance. A cached room is
// checked against the store again once it is older than RoomRecheck, so a
// missed destroy from another instance cannot keep it alive.
func (o *Orchestrator) room(ctx context.Context, id domain.RoomID) (domain.Room, bool) {
	cachedRoom, cached := o.Rooms.MembersOf(id)
	if cached && o.fresh(id) {
		return cachedRoom, true
	}
	cid, ok := id.ConsultationOf()
	if !ok {
		return domain.Room{}, false
	}

	unlock := o.locks.Lock(consultationKey(cid))
	defer unlock()

	c, owned, err := o.roomOwner(ctx, id, cid)
	if err != nil {
		// Keep serving what we have until the store answers again.
		return cachedRoom, cached
	}
	if !owned {
		o.dropStale(id)
		return domain.Room{}, false
	}
	r, err := o.Rooms.Rehydrate(c)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("room", string(id)).Msg("rehydrate room")
		return domain.Room{}, false
	}
	// Another instance may have ended the consultation while it loaded.
	if _, owned, err := o.roomOwner(ctx, id, cid); err == nil && !owned {
		o.dropStale(id)
		return domain.Room{}, false
	}
	if !cached {
		log.Debug().Str("module", "app.orch").Str("room", string(id)).Msg("room rehydrated")
	}
	o.verified.Store(id, o.now())
	return r, true
}

// roomOwner loads the consultation behind a room and reports whether it
// still owns that room. NotFound counts as not owned.
func (o *Orchestrator) roomOwner(ctx context.Context, id domain.RoomID, cid domain.ConsultationID) (*domain.Consultation, bool, error) {
	c, err := o.load(ctx, cid)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("room", string(id)).Msg("load room owner")
		return nil, false, err
	}
	return c, c.Status.HasRoom() && c.SignalingRoomID == id, nil
}

func (o *Orchestrator) fresh(id domain.RoomID) bool {
	v, ok := o.verified.Load(id)
	if !ok {
		return false
	}
	recheck := o.RoomRecheck
	if recheck <= 0 {
		recheck = defaultRoomRecheck
	}
	return o.now().Sub(v.(time.Time)) < recheck
}

func (o *Orchestrator) dropStale(id domain.RoomID) {
	o.verified.Delete(id)
	if o.Rooms.Forget(id) {
		log.Info().Str("module", "app.orch").Str("room", string(id)).Msg("stale room dropped")
	}
}

// markInCall moves an accepted consultation to in_call once an answer has
// been relayed, i.e. negotiation completed.
func (o *Orchestrator) markInCall(ctx context.Context, id domain.ConsultationID) {
	c, changed, err := o.mutate(ctx, id, func(c *domain.Consultation) (bool, error) {
		if c.Status != domain.StatusAccepted {
			return false, nil
		}
		return true, c.Transition(domain.StatusInCall, o.now())
	}, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("consultation", string(id)).Msg("mark in call")
		return
	}
	if !changed {
		return
	}
	log.Info().Str("module", "app.orch").Str("consultation", string(id)).Msg("consultation in call")
	o.emitBoth(ctx, c, EventCallInCall, CallInCall{ConsultationID: c.ID, SignalingRoom: c.SignalingRoomID})
}
