package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/teleconsult/internal/domain"
)

var allStatuses = []domain.Status{
	domain.StatusRequested,
	domain.StatusAccepted,
	domain.StatusInCall,
	domain.StatusFinished,
	domain.StatusCancelled,
}

func TestStatus_TransitionGraph(t *testing.T) {
	allowed := map[[2]domain.Status]bool{
		{domain.StatusRequested, domain.StatusAccepted}:  true,
		{domain.StatusRequested, domain.StatusCancelled}: true,
		{domain.StatusAccepted, domain.StatusInCall}:     true,
		{domain.StatusAccepted, domain.StatusFinished}:   true,
		{domain.StatusAccepted, domain.StatusCancelled}:  true,
		{domain.StatusInCall, domain.StatusFinished}:     true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			assert.Equal(t, allowed[[2]domain.Status{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestConsultation_TransitionKeepsRoomInvariant(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c, err := domain.NewConsultation("C", "P", "D", domain.ModeVideo, "fever", now)
	require.NoError(t, err)
	assert.Empty(t, c.SignalingRoomID)

	require.NoError(t, c.Transition(domain.StatusAccepted, now.Add(time.Minute)))
	assert.Equal(t, domain.RoomID("room-C"), c.SignalingRoomID)
	require.NotNil(t, c.StartedAt)
	assert.Equal(t, now.Add(time.Minute), *c.StartedAt)

	require.NoError(t, c.Transition(domain.StatusInCall, now.Add(2*time.Minute)))
	assert.Equal(t, domain.RoomID("room-C"), c.SignalingRoomID)

	require.NoError(t, c.Transition(domain.StatusFinished, now.Add(3*time.Minute)))
	assert.Empty(t, c.SignalingRoomID)
	require.NotNil(t, c.EndedAt)

	err = c.Transition(domain.StatusRequested, now)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, domain.StatusFinished, c.Status)
}

func TestConsultation_RejectsSelfConsultation(t *testing.T) {
	_, err := domain.NewConsultation("C", "X", "X", domain.ModeVideo, "", time.Now())
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestConsultation_CloneIsDeep(t *testing.T) {
	now := time.Now()
	c, err := domain.NewConsultation("C", "P", "D", domain.ModeAudio, "", now)
	require.NoError(t, err)
	require.NoError(t, c.Transition(domain.StatusAccepted, now))

	cp := c.Clone()
	*cp.StartedAt = now.Add(time.Hour)
	assert.Equal(t, now, *c.StartedAt)
}

func TestRoomID_RoundTrip(t *testing.T) {
	id, ok := domain.RoomIDFor("abc").ConsultationOf()
	require.True(t, ok)
	assert.Equal(t, domain.ConsultationID("abc"), id)

	_, ok = domain.RoomID("lobby").ConsultationOf()
	assert.False(t, ok)
	_, ok = domain.RoomID("room-").ConsultationOf()
	assert.False(t, ok)
}

func TestRoom_PeerNeverReturnsThirdParty(t *testing.T) {
	r := domain.Room{ID: "room-C", ConsultationID: "C", PatientID: "P", DoctorID: "D"}

	peer, ok := r.Peer("P")
	assert.True(t, ok)
	assert.Equal(t, domain.UserID("D"), peer)

	peer, ok = r.Peer("D")
	assert.True(t, ok)
	assert.Equal(t, domain.UserID("P"), peer)

	_, ok = r.Peer("E")
	assert.False(t, ok)
}

func TestParseMode(t *testing.T) {
	m, err := domain.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeVideo, m)

	m, err = domain.ParseMode("Audio")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeAudio, m)

	_, err = domain.ParseMode("hologram")
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestCode(t *testing.T) {
	assert.Equal(t, domain.CodeConflict, domain.Code(domain.ErrConflict))
	assert.Equal(t, domain.CodeServer, domain.Code(assert.AnError))
	assert.Equal(t, "server error, please retry", domain.PublicMessage(assert.AnError))
	assert.Equal(t, "", domain.Code(nil))
}
