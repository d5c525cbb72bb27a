package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teleconsult/internal/core"
	"github.com/dkeye/teleconsult/internal/domain"
)

type routedEvent struct {
	Origin string          `json:"origin"`
	Target domain.UserID   `json:"target"`
	Event  string          `json:"event"`
	Frame  json.RawMessage `json:"frame"`
}

// EventRouter delivers events addressed to an identity to every live
// connection of it on every instance. The emitting instance delivers to its
// own connections directly; the others deliver what they receive from the
// bus to their local connections only. Every instance sees an event at most
// once.
type EventRouter struct {
	instance string
	reg      *Registry
	bus      core.MessageBus
	topic    string
	policy   Policy
	unsub    func()
}

func NewEventRouter(instance string, reg *Registry, bus core.MessageBus, prefix string, policy Policy) *EventRouter {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &EventRouter{
		instance: instance,
		reg:      reg,
		bus:      bus,
		topic:    prefix + "events",
		policy:   policy,
	}
}

func (r *EventRouter) Start() error {
	if r.bus == nil {
		return nil
	}
	unsub, err := r.bus.Subscribe(r.topic, r.onMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.topic, err)
	}
	r.unsub = unsub
	return nil
}

func (r *EventRouter) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
}

// EmitTo fans event out to all connections of user. Events to one identity
// keep the order in which one caller emitted them. The bus is tried once:
// a failed publish may still have reached peers, so it is not repeated, and
// the publish error is returned.
func (r *EventRouter) EmitTo(ctx context.Context, user domain.UserID, event string, data any) error {
	frame, err := core.EncodeEvent(event, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	r.deliverLocal(user, event, frame)
	if r.bus == nil {
		return nil
	}

	b, err := json.Marshal(routedEvent{Origin: r.instance, Target: user, Event: event, Frame: json.RawMessage(frame)})
	if err != nil {
		return fmt.Errorf("encode routed %s: %w", event, err)
	}
	if err := r.bus.Publish(ctx, r.topic, b); err != nil {
		log.Error().Err(err).Str("module", "app.router").Str("user", string(user)).Str("event", event).Msg("publish failed, other instances may miss it")
		return fmt.Errorf("publish %s: %v: %w", event, err, domain.ErrInternal)
	}
	return nil
}

// SendTo answers one local connection directly, bypassing the bus. Used for
// replies and errors that belong to the originating connection only.
func (r *EventRouter) SendTo(conn core.ConnID, event string, data any) {
	sess, ok := r.reg.GetSession(conn)
	if !ok {
		log.Debug().Str("module", "app.router").Str("conn", string(conn)).Str("event", event).Msg("reply to gone connection")
		return
	}
	frame, err := core.EncodeEvent(event, data)
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Str("event", event).Msg("encode reply")
		return
	}
	r.send(sess, event, frame)
}

func (r *EventRouter) onMessage(data []byte) {
	var msg routedEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "app.router").Msg("bad routed event")
		return
	}
	if msg.Origin == r.instance {
		return
	}
	r.deliverLocal(msg.Target, msg.Event, core.Frame(msg.Frame))
}

func (r *EventRouter) deliverLocal(user domain.UserID, event string, frame core.Frame) {
	for _, sess := range r.reg.ConnectionsFor(user) {
		r.send(sess, event, frame)
	}
}

func (r *EventRouter) send(sess core.MemberSession, event string, frame core.Frame) {
	err := sess.Signal().TrySend(frame)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrBackpressure):
		log.Warn().Str("module", "app.router").Str("conn", string(sess.ID())).Str("user", string(sess.Identity().ID)).Str("event", event).Msg("backpressure")
		switch r.policy.OnBackPressure(event, sess) {
		case KickMember:
			r.reg.Cancel(sess.ID())
		case DropFrame, NoAction:
		}
	default:
		log.Debug().Err(err).Str("module", "app.router").Str("conn", string(sess.ID())).Str("event", event).Msg("send to closed connection")
	}
}
