package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teleconsult/internal/app"
	"github.com/dkeye/teleconsult/internal/domain"
)

// openRoom runs under the consultation lock right after accept is saved.
func (o *Orchestrator) openRoom(c *domain.Consultation) {
	if r, err := o.Rooms.Create(c); err != nil {
		// The stored record is authoritative; the relay rehydrates on a miss.
		log.Error().Err(err).Str("module", "app.orch").Str("consultation", string(c.ID)).Msg("create room")
	} else {
		o.verified.Store(r.ID, o.now())
	}
	o.setEngaged(c, true)
}

// closeRoom runs under the consultation lock right after a terminal save.
// Destroy is idempotent, so racing end and disconnect paths are harmless.
func (o *Orchestrator) closeRoom(c *domain.Consultation) {
	o.verified.Delete(domain.RoomIDFor(c.ID))
	o.Rooms.Destroy(domain.RoomIDFor(c.ID))
	o.setEngaged(c, false)
}

// OnDisconnect is the cancellation signal for an identity whose last local
// connection closed. After the grace period, if the identity has no live
// connection anywhere, its active consultations are abandoned: requested and
// accepted ones are cancelled, in-call ones finished.
func (o *Orchestrator) OnDisconnect(ctx context.Context, who domain.Identity) {
	if o.DisconnectGrace > 0 {
		t := time.NewTimer(o.DisconnectGrace)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	if o.online(who.ID) {
		return
	}

	var active []domain.Consultation
	err := app.Retry(ctx, readAttempts, readBackoff, func(ctx context.Context) error {
		var err error
		active, err = o.Store.ListActiveFor(ctx, who.ID)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("user", string(who.ID)).Msg("list active on disconnect")
		return
	}
	for _, c := range active {
		if err := o.abandon(ctx, c.ID, who); err != nil {
			log.Error().Err(err).Str("module", "app.orch").Str("consultation", string(c.ID)).Str("user", string(who.ID)).Msg("disconnect cleanup")
		}
	}
}

func (o *Orchestrator) online(user domain.UserID) bool {
	return o.Presence != nil && o.Presence.Online(user)
}

func (o *Orchestrator) abandon(ctx context.Context, id domain.ConsultationID, who domain.Identity) error {
	c, changed, err := o.mutate(ctx, id, func(c *domain.Consultation) (bool, error) {
		// A concurrent end, or a reconnect since the listing, wins.
		if c.Status.Terminal() || o.online(who.ID) {
			return false, nil
		}
		next := domain.StatusCancelled
		if c.Status == domain.StatusInCall {
			next = domain.StatusFinished
		}
		return true, c.Transition(next, o.now())
	}, o.closeRoom)
	if err != nil || !changed {
		return err
	}

	log.Info().Str("module", "app.orch").Str("consultation", string(id)).Str("user", string(who.ID)).Str("status", string(c.Status)).Msg("consultation abandoned on disconnect")
	if c.Status == domain.StatusFinished {
		o.emitBoth(ctx, c, EventCallEnded, CallEnded{
			ConsultationID: c.ID,
			Status:         c.Status,
			EndedBy:        string(who.Role),
			Reason:         ReasonDisconnected,
			Notes:          c.Notes,
		})
		return nil
	}
	o.emitBoth(ctx, c, EventCallCancelled, CallCancelled{ConsultationID: c.ID, CancelledBy: string(who.Role), Reason: ReasonDisconnected})
	return nil
}

// ExpireStale cancels requests nobody accepted within RequestTimeout and
// accepted consultations that never connected within AcceptTimeout. It
// returns how many were cancelled.
func (o *Orchestrator) ExpireStale(ctx context.Context) (int, error) {
	now := o.now()
	expired := 0
	for _, rule := range []struct {
		status  domain.Status
		timeout time.Duration
	}{
		{domain.StatusRequested, o.RequestTimeout},
		{domain.StatusAccepted, o.AcceptTimeout},
	} {
		if rule.timeout <= 0 {
			continue
		}
		var stale []domain.Consultation
		err := app.Retry(ctx, readAttempts, readBackoff, func(ctx context.Context) error {
			var err error
			stale, err = o.Store.ListStale(ctx, rule.status, now.Add(-rule.timeout))
			return err
		})
		if err != nil {
			return expired, fmt.Errorf("list stale %s: %w", rule.status, err)
		}
		for _, c := range stale {
			ok, err := o.expire(ctx, c.ID, rule.status)
			if err != nil {
				log.Error().Err(err).Str("module", "app.orch").Str("consultation", string(c.ID)).Msg("expire")
				continue
			}
			if ok {
				expired++
			}
		}
	}
	return expired, nil
}

func (o *Orchestrator) expire(ctx context.Context, id domain.ConsultationID, expected domain.Status) (bool, error) {
	c, changed, err := o.mutate(ctx, id, func(c *domain.Consultation) (bool, error) {
		if c.Status != expected {
			return false, nil
		}
		return true, c.Transition(domain.StatusCancelled, o.now())
	}, o.closeRoom)
	if err != nil || !changed {
		return false, err
	}
	log.Info().Str("module", "app.orch").Str("consultation", string(id)).Str("from", string(expected)).Msg("consultation expired")
	o.emitBoth(ctx, c, EventCallCancelled, CallCancelled{ConsultationID: c.ID, CancelledBy: CancelledBySystem, Reason: ReasonTimeout})
	return true, nil
}

// ReconcileRooms drops the rooms this instance holds whose consultation no
// longer owns them, which happens when a destroy from another instance was
// lost. It returns how many were dropped.
func (o *Orchestrator) ReconcileRooms(ctx context.Context) (int, error) {
	dropped := 0
	for _, info := range o.Rooms.List() {
		if err := ctx.Err(); err != nil {
			return dropped, err
		}
		unlock := o.locks.Lock(consultationKey(info.ConsultationID))
		_, owned, err := o.roomOwner(ctx, info.ID, info.ConsultationID)
		if err == nil && !owned {
			o.dropStale(info.ID)
			dropped++
		}
		unlock()
	}
	return dropped, nil
}
