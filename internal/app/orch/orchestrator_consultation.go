package orch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teleconsult/internal/app"
	"github.com/dkeye/teleconsult/internal/domain"
)

const maxReasonLen = 2000

// RequestConsultation creates a requested consultation unless the pair
// already has an active one.
func (o *Orchestrator) RequestConsultation(ctx context.Context, patient domain.Identity, in RequestInput) (*domain.Consultation, error) {
	if !patient.IsPatient() {
		return nil, fmt.Errorf("only patients request consultations: %w", domain.ErrAuthorization)
	}
	doctor := domain.UserID(strings.TrimSpace(string(in.DoctorID)))
	if doctor == "" {
		return nil, fmt.Errorf("doctorId required: %w", domain.ErrProtocol)
	}
	if len(in.Reason) > maxReasonLen {
		return nil, fmt.Errorf("reason too long: %w", domain.ErrProtocol)
	}
	mode, err := domain.ParseMode(in.PreferredMode)
	if err != nil {
		return nil, err
	}
	c, err := domain.NewConsultation(o.newID(), patient.ID, doctor, mode, in.Reason, o.now())
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(pairKey(patient.ID, doctor))
	err = app.Retry(ctx, readAttempts, readBackoff, func(ctx context.Context) error {
		_, err := o.Store.FindActive(ctx, patient.ID, doctor)
		return err
	})
	switch {
	case err == nil:
		err = fmt.Errorf("active consultation with %s exists: %w", doctor, domain.ErrConflict)
	case errors.Is(err, domain.ErrNotFound):
		// The store's own uniqueness rule settles races with other processes.
		err = o.Store.Create(ctx, c)
	}
	unlock()
	if err != nil {
		if domain.Code(err) == domain.CodeServer {
			log.Error().Err(err).Str("module", "app.orch").Str("user", string(patient.ID)).Msg("request consultation")
		}
		return nil, err
	}

	log.Info().Str("module", "app.orch").Str("consultation", string(c.ID)).Str("user", string(patient.ID)).Str("doctor", string(doctor)).Msg("consultation requested")
	o.emit(ctx, doctor, EventCallRequest, CallRequest{
		ConsultationID: c.ID,
		PatientID:      patient.ID,
		PatientName:    patient.Name,
		Reason:         c.Notes,
		PreferredMode:  c.PreferredMode,
		RequestedAt:    c.RequestedAt,
	})
	o.emit(ctx, patient.ID, EventCallRequestAck, CallRequestAck{ConsultationID: c.ID, DoctorID: doctor, Status: c.Status})
	return c, nil
}

// AcceptConsultation moves a requested consultation to accepted and opens
// its signaling room.
func (o *Orchestrator) AcceptConsultation(ctx context.Context, doctor domain.Identity, id domain.ConsultationID) (*domain.Consultation, error) {
	c, _, err := o.mutate(ctx, id, func(c *domain.Consultation) (bool, error) {
		if !doctor.IsDoctor() || c.DoctorID != doctor.ID {
			return false, fmt.Errorf("consultation %s belongs to another doctor: %w", id, domain.ErrAuthorization)
		}
		if c.Status != domain.StatusRequested {
			return false, fmt.Errorf("accept consultation %s in status %s: %w", id, c.Status, domain.ErrInvalidState)
		}
		return true, c.Transition(domain.StatusAccepted, o.now())
	}, o.openRoom)
	if err != nil {
		return nil, err
	}

	log.Info().Str("module", "app.orch").Str("consultation", string(id)).Str("room", string(c.SignalingRoomID)).Msg("consultation accepted")
	o.emitBoth(ctx, c, EventCallAccepted, CallAccepted{
		ConsultationID: c.ID,
		SignalingRoom:  c.SignalingRoomID,
		PatientID:      c.PatientID,
		DoctorID:       c.DoctorID,
		PreferredMode:  c.PreferredMode,
	})
	return c, nil
}

// EndConsultation finishes an accepted or in-call consultation. Ending one
// that is already terminal succeeds without any change.
func (o *Orchestrator) EndConsultation(ctx context.Context, caller domain.Identity, id domain.ConsultationID, notes string) (*domain.Consultation, error) {
	c, changed, err := o.mutate(ctx, id, func(c *domain.Consultation) (bool, error) {
		if !c.IsParticipant(caller.ID) {
			return false, fmt.Errorf("not a participant of %s: %w", id, domain.ErrAuthorization)
		}
		if c.Status.Terminal() {
			return false, nil
		}
		if c.Status == domain.StatusRequested {
			return false, fmt.Errorf("end consultation %s before accept: %w", id, domain.ErrInvalidState)
		}
		if notes = strings.TrimSpace(notes); notes != "" {
			c.Notes = notes
		}
		return true, c.Transition(domain.StatusFinished, o.now())
	}, o.closeRoom)
	if err != nil {
		return nil, err
	}
	if !changed {
		log.Debug().Str("module", "app.orch").Str("consultation", string(id)).Str("user", string(caller.ID)).Msg("end on terminal consultation")
		return c, nil
	}

	log.Info().Str("module", "app.orch").Str("consultation", string(id)).Str("user", string(caller.ID)).Msg("consultation finished")
	o.emitBoth(ctx, c, EventCallEnded, CallEnded{
		ConsultationID: c.ID,
		Status:         c.Status,
		EndedBy:        string(caller.Role),
		Notes:          c.Notes,
	})
	return c, nil
}

// CancelConsultation aborts a consultation before it reached in_call. A
// doctor declining a request is a cancel.
func (o *Orchestrator) CancelConsultation(ctx context.Context, caller domain.Identity, id domain.ConsultationID, reason string) (*domain.Consultation, error) {
	c, changed, err := o.mutate(ctx, id, func(c *domain.Consultation) (bool, error) {
		if !c.IsParticipant(caller.ID) {
			return false, fmt.Errorf("not a participant of %s: %w", id, domain.ErrAuthorization)
		}
		if c.Status.Terminal() {
			return false, nil
		}
		if c.Status == domain.StatusInCall {
			return false, fmt.Errorf("cancel consultation %s in call: %w", id, domain.ErrInvalidState)
		}
		return true, c.Transition(domain.StatusCancelled, o.now())
	}, o.closeRoom)
	if err != nil {
		return nil, err
	}
	if !changed {
		return c, nil
	}

	log.Info().Str("module", "app.orch").Str("consultation", string(id)).Str("user", string(caller.ID)).Str("reason", reason).Msg("consultation cancelled")
	o.emitBoth(ctx, c, EventCallCancelled, CallCancelled{ConsultationID: c.ID, CancelledBy: string(caller.Role), Reason: reason})
	return c, nil
}

// AttachPrescription records the prescription a doctor issued during a live
// consultation and tells the patient.
func (o *Orchestrator) AttachPrescription(ctx context.Context, doctor domain.Identity, id domain.ConsultationID, prescriptionID string) (*domain.Consultation, error) {
	prescriptionID = strings.TrimSpace(prescriptionID)
	if prescriptionID == "" {
		return nil, fmt.Errorf("prescriptionId required: %w", domain.ErrProtocol)
	}
	c, changed, err := o.mutate(ctx, id, func(c *domain.Consultation) (bool, error) {
		if !doctor.IsDoctor() || c.DoctorID != doctor.ID {
			return false, fmt.Errorf("consultation %s belongs to another doctor: %w", id, domain.ErrAuthorization)
		}
		if !c.Status.HasRoom() {
			return false, fmt.Errorf("prescription on consultation %s in status %s: %w", id, c.Status, domain.ErrInvalidState)
		}
		if c.PrescriptionID == prescriptionID {
			return false, nil
		}
		c.PrescriptionID = prescriptionID
		return true, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	if changed {
		log.Info().Str("module", "app.orch").Str("consultation", string(id)).Str("prescription", prescriptionID).Msg("prescription attached")
		o.emit(ctx, c.PatientID, EventPrescriptionCreated, PrescriptionCreated{PrescriptionID: prescriptionID, ConsultationID: c.ID})
	}
	return c, nil
}

// History lists every consultation of user, newest first.
func (o *Orchestrator) History(ctx context.Context, user domain.Identity) ([]domain.Consultation, error) {
	var out []domain.Consultation
	err := app.Retry(ctx, readAttempts, readBackoff, func(ctx context.Context) error {
		var err error
		out, err = o.Store.ListByParticipant(ctx, user.ID)
		return err
	})
	return out, err
}

// Get returns one consultation to one of its participants.
func (o *Orchestrator) Get(ctx context.Context, user domain.Identity, id domain.ConsultationID) (*domain.Consultation, error) {
	c, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsParticipant(user.ID) {
		return nil, fmt.Errorf("not a participant of %s: %w", id, domain.ErrAuthorization)
	}
	return c, nil
}
