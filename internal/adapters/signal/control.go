package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teleconsult/internal/app/orch"
	"github.com/dkeye/teleconsult/internal/core"
	"github.com/dkeye/teleconsult/internal/domain"
)

// Inbound events.
const (
	EventPing           = "ping"
	EventPong           = "pong"
	EventCallRequestIn  = "call:request"
	EventCallAcceptIn   = "call:accept"
	EventCallEndIn      = "call:end"
	EventCallCancelIn   = "call:cancel"
	EventCallHistoryIn  = "call:history"
	EventPresenceUpdate = "presence:update"
)

var errMalformed = fmt.Errorf("malformed message: %w", domain.ErrProtocol)

func errUnknownEvent(event string) error {
	return fmt.Errorf("unknown event %q: %w", event, domain.ErrProtocol)
}

type consultationRef struct {
	ConsultationID domain.ConsultationID `json:"consultationId"`
	Notes          string                `json:"notes,omitempty"`
	Reason         string                `json:"reason,omitempty"`
}

func decodeRef(data json.RawMessage) (consultationRef, error) {
	var ref consultationRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.ConsultationID == "" {
		return ref, fmt.Errorf("consultationId required: %w", domain.ErrProtocol)
	}
	return ref, nil
}

// sendError answers the originating connection only.
func (ctl *SignalWSController) sendError(sess core.MemberSession, err error, id domain.ConsultationID) {
	ctl.Router.SendTo(sess.ID(), orch.EventCallError, orch.ErrorFor(err, id))
}

func (ctl *SignalWSController) handlePing(sess core.MemberSession) {
	ctl.Router.SendTo(sess.ID(), EventPong, nil)
}

func (ctl *SignalWSController) handleRequest(ctx context.Context, sess core.MemberSession, data json.RawMessage) {
	identity := sess.Identity()
	var in orch.RequestInput
	err := json.Unmarshal(data, &in)
	if err != nil {
		err = errMalformed
	} else if ctl.Limiter != nil && !ctl.Limiter.Allow(identity.ID) {
		err = fmt.Errorf("too many requests: %w", domain.ErrConflict)
	} else {
		_, err = ctl.Orch.RequestConsultation(ctx, identity, in)
	}
	if err != nil {
		log.Debug().Err(err).Str("module", "adapters.signal").Str("user", string(identity.ID)).Msg("call request rejected")
		ctl.Router.SendTo(sess.ID(), orch.EventCallRequestError, orch.ErrorFor(err, ""))
	}
}

func (ctl *SignalWSController) handleAccept(ctx context.Context, sess core.MemberSession, data json.RawMessage) {
	ref, err := decodeRef(data)
	if err == nil {
		_, err = ctl.Orch.AcceptConsultation(ctx, sess.Identity(), ref.ConsultationID)
	}
	ctl.reply(sess, "accept", err, ref.ConsultationID)
}

func (ctl *SignalWSController) handleEnd(ctx context.Context, sess core.MemberSession, data json.RawMessage) {
	ref, err := decodeRef(data)
	if err == nil {
		_, err = ctl.Orch.EndConsultation(ctx, sess.Identity(), ref.ConsultationID, ref.Notes)
	}
	ctl.reply(sess, "end", err, ref.ConsultationID)
}

func (ctl *SignalWSController) handleCancel(ctx context.Context, sess core.MemberSession, data json.RawMessage) {
	ref, err := decodeRef(data)
	if err == nil {
		_, err = ctl.Orch.CancelConsultation(ctx, sess.Identity(), ref.ConsultationID, ref.Reason)
	}
	ctl.reply(sess, "cancel", err, ref.ConsultationID)
}

func (ctl *SignalWSController) handleHistory(ctx context.Context, sess core.MemberSession) {
	list, err := ctl.Orch.History(ctx, sess.Identity())
	if err != nil {
		ctl.reply(sess, "history", err, "")
		return
	}
	if list == nil {
		list = []domain.Consultation{}
	}
	ctl.Router.SendTo(sess.ID(), orch.EventCallHistory, struct {
		Consultations []domain.Consultation `json:"consultations"`
	}{list})
}

func (ctl *SignalWSController) handleStatus(ctx context.Context, sess core.MemberSession, data json.RawMessage) {
	var p struct {
		Status string `json:"status"`
	}
	err := json.Unmarshal(data, &p)
	if err != nil {
		err = errMalformed
	} else {
		_, err = ctl.Orch.SetDoctorStatus(ctx, sess.Identity(), p.Status)
	}
	ctl.reply(sess, "status", err, "")
}

func (ctl *SignalWSController) reply(sess core.MemberSession, op string, err error, id domain.ConsultationID) {
	if err == nil {
		return
	}
	ev := log.Debug()
	if domain.Code(err) == domain.CodeServer {
		ev = log.Error()
	}
	ev.Err(err).Str("module", "adapters.signal").Str("op", op).Str("user", string(sess.Identity().ID)).Str("consultation", string(id)).Msg("call command failed")
	ctl.sendError(sess, err, id)
}
