package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/teleconsult/internal/adapters/bus"
	"github.com/dkeye/teleconsult/internal/app"
	"github.com/dkeye/teleconsult/internal/domain"
)

var (
	doctor  = domain.Identity{ID: "D", Role: domain.RoleDoctor, Name: "Dr. D"}
	patient = domain.Identity{ID: "P", Role: domain.RolePatient, Name: "P"}
)

func TestTracker_DoctorLifecycle(t *testing.T) {
	tr := app.NewTracker("i1", nil, "", 0)
	var seen []domain.PresenceStatus
	tr.OnStatus(func(id domain.Identity, s domain.PresenceStatus) { seen = append(seen, s) })

	assert.Equal(t, domain.PresenceOffline, tr.Status("D").Status)

	tr.ConnectionsChanged(doctor, 1)
	assert.Equal(t, domain.PresenceOffline, tr.Status("D").Status, "available is declared, never implied")
	assert.True(t, tr.Online("D"))

	st, err := tr.Declare(doctor, domain.PresenceAvailable)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceAvailable, st)

	tr.SetEngaged(doctor, "C", true)
	assert.Equal(t, domain.PresenceBusy, tr.Status("D").Status)
	tr.SetEngaged(doctor, "C", false)
	assert.Equal(t, domain.PresenceAvailable, tr.Status("D").Status)

	tr.ConnectionsChanged(doctor, 2)
	tr.ConnectionsChanged(doctor, 1)
	assert.Equal(t, domain.PresenceAvailable, tr.Status("D").Status)

	tr.ConnectionsChanged(doctor, 0)
	assert.Equal(t, domain.PresenceOffline, tr.Status("D").Status)
	assert.False(t, tr.Online("D"))

	tr.ConnectionsChanged(doctor, 1)
	assert.Equal(t, domain.PresenceOffline, tr.Status("D").Status, "a reconnect does not restore the old declaration")

	assert.Equal(t, []domain.PresenceStatus{
		domain.PresenceAvailable, domain.PresenceBusy, domain.PresenceAvailable, domain.PresenceOffline,
	}, seen)
}

func TestTracker_PatientIsBinary(t *testing.T) {
	tr := app.NewTracker("i1", nil, "", 0)
	tr.ConnectionsChanged(patient, 1)
	assert.Equal(t, domain.PresenceOnline, tr.Status("P").Status)
	_, err := tr.Declare(patient, domain.PresenceAvailable)
	assert.ErrorIs(t, err, domain.ErrAuthorization)
	tr.ConnectionsChanged(patient, 0)
	assert.Equal(t, domain.PresenceOffline, tr.Status("P").Status)
}

func TestTracker_AggregatesInstances(t *testing.T) {
	b := bus.NewMemory()
	t1 := app.NewTracker("i1", b, "tc:", 0)
	t2 := app.NewTracker("i2", b, "tc:", 0)
	require.NoError(t, t1.Start())
	require.NoError(t, t2.Start())

	t1.ConnectionsChanged(doctor, 1)
	t2.ConnectionsChanged(doctor, 1)
	_, err := t2.Declare(doctor, domain.PresenceAvailable)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceAvailable, t1.Status("D").Status)

	// Last local connection on i1 closes but i2 still holds one.
	t1.ConnectionsChanged(doctor, 0)
	assert.True(t, t1.Online("D"))
	assert.Equal(t, domain.PresenceAvailable, t2.Status("D").Status)

	t2.ConnectionsChanged(doctor, 0)
	assert.False(t, t1.Online("D"))
	assert.Equal(t, domain.PresenceOffline, t1.Status("D").Status)
}

type recordingDirectory struct {
	writes []domain.PresenceStatus
}

func (r *recordingDirectory) SetStatus(_ context.Context, _ domain.UserID, s domain.PresenceStatus) error {
	r.writes = append(r.writes, s)
	return nil
}

func TestTracker_PersistsDoctorStatus(t *testing.T) {
	dir := &recordingDirectory{}
	tr := app.NewTracker("i1", nil, "", 0)
	tr.OnStatus(app.DirectoryWriter(dir, time.Second))

	tr.ConnectionsChanged(patient, 1)
	tr.ConnectionsChanged(doctor, 1)
	_, err := tr.Declare(doctor, domain.PresenceAvailable)
	require.NoError(t, err)
	tr.ConnectionsChanged(doctor, 0)

	assert.Equal(t, []domain.PresenceStatus{domain.PresenceAvailable, domain.PresenceOffline}, dir.writes)
}
