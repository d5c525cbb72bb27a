package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/teleconsult/internal/app"
	"github.com/dkeye/teleconsult/internal/core"
	"github.com/dkeye/teleconsult/internal/domain"
)

const (
	readAttempts       = 3
	readBackoff        = 25 * time.Millisecond
	staleRounds        = 3
	defaultRoomRecheck = 10 * time.Second
)

// Emitter is the slice of the event router the state machine needs.
type Emitter interface {
	EmitTo(ctx context.Context, user domain.UserID, event string, data any) error
}

// Orchestrator is the consultation state machine and signaling relay. Both
// the WebSocket and the REST adapters call into it; nothing else mutates a
// consultation. Operations on one consultation id are serialized, distinct
// ids run in parallel.
type Orchestrator struct {
	Store    core.ConsultationStore
	Rooms    core.RoomManager
	Events   Emitter
	Presence *app.Tracker

	RequestTimeout  time.Duration
	AcceptTimeout   time.Duration
	DisconnectGrace time.Duration
	// RoomRecheck bounds how long a cached room is trusted before the relay
	// checks it against the stored consultation again. Default 10s.
	RoomRecheck time.Duration

	// Now and NewID default to the wall clock and random uuids.
	Now   func() time.Time
	NewID func() domain.ConsultationID

	locks    app.KeyedMutex
	verified sync.Map // domain.RoomID -> time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) newID() domain.ConsultationID {
	if o.NewID != nil {
		return o.NewID()
	}
	return domain.ConsultationID(uuid.NewString())
}

func consultationKey(id domain.ConsultationID) string { return "consultation:" + string(id) }

func pairKey(patient, doctor domain.UserID) string {
	return "pair:" + string(patient) + "|" + string(doctor)
}

func (o *Orchestrator) load(ctx context.Context, id domain.ConsultationID) (*domain.Consultation, error) {
	var c *domain.Consultation
	err := app.Retry(ctx, readAttempts, readBackoff, func(ctx context.Context) error {
		var err error
		c, err = o.Store.Load(ctx, id)
		return err
	})
	return c, err
}

// decideFunc inspects a freshly loaded consultation and mutates it in
// place. Returning false means there is nothing to save.
type decideFunc func(c *domain.Consultation) (bool, error)

// mutate runs decide against the stored consultation under its lock and
// saves the result. A save that lost a race with another process reloads
// and decides again. commit runs under the lock after a successful save.
func (o *Orchestrator) mutate(ctx context.Context, id domain.ConsultationID, decide decideFunc, commit func(c *domain.Consultation)) (*domain.Consultation, bool, error) {
	unlock := o.locks.Lock(consultationKey(id))
	defer unlock()

	for round := 0; round < staleRounds; round++ {
		c, err := o.load(ctx, id)
		if err != nil {
			return nil, false, err
		}
		changed, err := decide(c)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return c, false, nil
		}
		err = o.Store.Save(ctx, c)
		if errors.Is(err, domain.ErrStale) {
			log.Debug().Str("module", "app.orch").Str("consultation", string(id)).Int("round", round).Msg("stale save, re-evaluating")
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("save consultation %s: %w", id, err)
		}
		if commit != nil {
			commit(c)
		}
		return c, true, nil
	}
	return nil, false, fmt.Errorf("consultation %s kept changing: %w", id, domain.ErrInternal)
}

func (o *Orchestrator) emit(ctx context.Context, to domain.UserID, event string, data any) {
	if o.Events == nil {
		return
	}
	// A committed transition is announced even if the caller went away.
	if err := o.Events.EmitTo(context.WithoutCancel(ctx), to, event, data); err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("user", string(to)).Str("event", event).Msg("emit")
	}
}

func (o *Orchestrator) emitBoth(ctx context.Context, c *domain.Consultation, event string, data any) {
	o.emit(ctx, c.PatientID, event, data)
	o.emit(ctx, c.DoctorID, event, data)
}

func doctorOf(c *domain.Consultation) domain.Identity {
	return domain.Identity{ID: c.DoctorID, Role: domain.RoleDoctor}
}

func (o *Orchestrator) setEngaged(c *domain.Consultation, engaged bool) {
	if o.Presence != nil {
		o.Presence.SetEngaged(doctorOf(c), c.ID, engaged)
	}
}
