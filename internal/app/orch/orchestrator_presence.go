package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/teleconsult/internal/domain"
)

// SetDoctorStatus applies a doctor's declared status and returns the
// effective one, which stays busy while a consultation holds the doctor.
func (o *Orchestrator) SetDoctorStatus(ctx context.Context, doctor domain.Identity, status string) (domain.PresenceStatus, error) {
	if !doctor.IsDoctor() {
		return "", fmt.Errorf("only doctors set a status: %w", domain.ErrAuthorization)
	}
	st, err := domain.ParseDoctorStatus(status)
	if err != nil {
		return "", err
	}
	if o.Presence == nil {
		return st, nil
	}
	eff, err := o.Presence.Declare(doctor, st)
	if err != nil {
		return "", err
	}
	o.emit(ctx, doctor.ID, EventPresenceStatus, domain.Presence{UserID: doctor.ID, Role: doctor.Role, Status: eff})
	return eff, nil
}

func (o *Orchestrator) PresenceOf(user domain.UserID) domain.Presence {
	if o.Presence == nil {
		return domain.Presence{UserID: user, Status: domain.PresenceOffline}
	}
	return o.Presence.Status(user)
}
