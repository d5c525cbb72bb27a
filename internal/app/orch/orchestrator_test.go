package orch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/teleconsult/internal/adapters/bus"
	"github.com/dkeye/teleconsult/internal/adapters/store"
	"github.com/dkeye/teleconsult/internal/app"
	"github.com/dkeye/teleconsult/internal/app/orch"
	"github.com/dkeye/teleconsult/internal/core"
	"github.com/dkeye/teleconsult/internal/domain"
	"github.com/dkeye/teleconsult/internal/testhelpers"
)

var (
	patientP = domain.Identity{ID: "P", Role: domain.RolePatient, Name: "Pat"}
	doctorD  = domain.Identity{ID: "D", Role: domain.RoleDoctor, Name: "Dr. D"}
	doctorE  = domain.Identity{ID: "E", Role: domain.RoleDoctor, Name: "Dr. E"}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t       *testing.T
	o       *orch.Orchestrator
	reg     *app.Registry
	rooms   *app.RoomManagerImpl
	store   core.ConsultationStore
	tracker *app.Tracker
	clock   *clock
	conns   int
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStore(t, store.NewMemory())
}

func newHarnessWithStore(t *testing.T, st core.ConsultationStore) *harness {
	reg := app.NewRegistry()
	tracker := app.NewTracker("i1", nil, "", 0)
	reg.OnChange(tracker.ConnectionsChanged)
	rooms := app.NewRoomManager("i1", nil, "")
	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

	var seq int64
	o := &orch.Orchestrator{
		Store:          st,
		Rooms:          rooms,
		Events:         app.NewEventRouter("i1", reg, nil, "", nil),
		Presence:       tracker,
		RequestTimeout: 2 * time.Minute,
		AcceptTimeout:  5 * time.Minute,
		Now:            clk.Now,
		NewID: func() domain.ConsultationID {
			if n := atomic.AddInt64(&seq, 1); n > 1 {
				return domain.ConsultationID(fmt.Sprintf("C%d", n))
			}
			return "C"
		},
	}
	return &harness{t: t, o: o, reg: reg, rooms: rooms, store: st, tracker: tracker, clock: clk}
}

func (h *harness) connect(id domain.Identity) (core.ConnID, *testhelpers.FakeSignal) {
	h.conns++
	sig := testhelpers.NewFakeSignal()
	sess := core.NewMemberSession(core.ConnID(fmt.Sprintf("conn-%d", h.conns)), id, sig)
	cid, err := h.reg.Register(sess, nil)
	require.NoError(h.t, err)
	return cid, sig
}

func decode[T any](t *testing.T, sig *testhelpers.FakeSignal, event string) T {
	t.Helper()
	raw, ok := sig.Last(event)
	require.True(t, ok, "no %s event in %v", event, sig.Events())
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func (h *harness) accepted() {
	ctx := context.Background()
	_, err := h.o.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "D", Reason: "fever"})
	require.NoError(h.t, err)
	_, err = h.o.AcceptConsultation(ctx, doctorD, "C")
	require.NoError(h.t, err)
}

func TestRequestConsultation_NotifiesDoctorAndAcksPatient(t *testing.T) {
	h := newHarness(t)
	_, pSig := h.connect(patientP)
	_, dSig := h.connect(doctorD)

	c, err := h.o.RequestConsultation(context.Background(), patientP, orch.RequestInput{DoctorID: "D", Reason: "fever", PreferredMode: "audio"})
	require.NoError(t, err)
	assert.Equal(t, domain.ConsultationID("C"), c.ID)
	assert.Equal(t, domain.StatusRequested, c.Status)

	req := decode[orch.CallRequest](t, dSig, orch.EventCallRequest)
	assert.Equal(t, domain.ConsultationID("C"), req.ConsultationID)
	assert.Equal(t, domain.UserID("P"), req.PatientID)
	assert.Equal(t, "Pat", req.PatientName)
	assert.Equal(t, "fever", req.Reason)
	assert.Equal(t, domain.ModeAudio, req.PreferredMode)

	ack := decode[orch.CallRequestAck](t, pSig, orch.EventCallRequestAck)
	assert.Equal(t, domain.ConsultationID("C"), ack.ConsultationID)
	assert.Equal(t, domain.StatusRequested, ack.Status)
	assert.Equal(t, 0, pSig.Count(orch.EventCallRequest))
}

func TestRequestConsultation_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.RequestConsultation(ctx, doctorE, orch.RequestInput{DoctorID: "D"})
	assert.ErrorIs(t, err, domain.ErrAuthorization)
	_, err = h.o.RequestConsultation(ctx, patientP, orch.RequestInput{})
	assert.ErrorIs(t, err, domain.ErrProtocol)
	_, err = h.o.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "D", PreferredMode: "smoke"})
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestRequestConsultation_ConcurrentDuplicatesYieldOneConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.o.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "D", Reason: "fever"})
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, domain.ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	active, err := h.store.ListActiveFor(ctx, "P")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestAcceptConsultation_OpensRoomAndNotifiesBoth(t *testing.T) {
	h := newHarness(t)
	_, pSig := h.connect(patientP)
	_, dSig := h.connect(doctorD)
	_, err := h.o.SetDoctorStatus(context.Background(), doctorD, "available")
	require.NoError(t, err)

	h.accepted()

	for _, sig := range []*testhelpers.FakeSignal{pSig, dSig} {
		acc := decode[orch.CallAccepted](t, sig, orch.EventCallAccepted)
		assert.Equal(t, domain.ConsultationID("C"), acc.ConsultationID)
		assert.Equal(t, domain.RoomID("room-C"), acc.SignalingRoom)
	}
	room, ok := h.rooms.MembersOf("room-C")
	require.True(t, ok)
	assert.ElementsMatch(t, []domain.UserID{"P", "D"}, room.Members())

	c, err := h.store.Load(context.Background(), "C")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, c.Status)
	require.NotNil(t, c.StartedAt)
	assert.Equal(t, domain.PresenceBusy, h.o.PresenceOf("D").Status)
}

func TestAcceptConsultation_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.o.AcceptConsultation(ctx, doctorD, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.o.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "D"})
	require.NoError(t, err)

	_, err = h.o.AcceptConsultation(ctx, doctorE, "C")
	assert.ErrorIs(t, err, domain.ErrAuthorization)
	_, err = h.o.AcceptConsultation(ctx, domain.Identity{ID: "D", Role: domain.RolePatient}, "C")
	assert.ErrorIs(t, err, domain.ErrAuthorization)

	_, err = h.o.AcceptConsultation(ctx, doctorD, "C")
	require.NoError(t, err)
	_, err = h.o.AcceptConsultation(ctx, doctorD, "C")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRelay_DeliversOnlyToPeerVerbatim(t *testing.T) {
	h := newHarness(t)
	_, pSig := h.connect(patientP)
	_, dSig := h.connect(doctorD)
	_, eSig := h.connect(doctorE)
	h.accepted()
	pSig.Reset()
	dSig.Reset()

	x := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"}`)
	require.NoError(t, h.o.Relay(context.Background(), patientP, core.SignalOffer, "room-C", x))

	got := decode[orch.Negotiation](t, dSig, "webrtc:offer")
	assert.Equal(t, domain.RoomID("room-C"), got.Room)
	assert.Equal(t, string(x), string(got.Payload))
	assert.Empty(t, pSig.Events(), "never echoed to the sender")
	assert.Empty(t, eSig.Events(), "never delivered to a third party")

	// A third party relaying into the room is dropped silently.
	require.NoError(t, h.o.Relay(context.Background(), doctorE, core.SignalOffer, "room-C", x))
	assert.Empty(t, pSig.Events())
	assert.Equal(t, 1, dSig.Count("webrtc:offer"))

	err := h.o.Relay(context.Background(), patientP, core.SignalOffer, "room-C", json.RawMessage(`null`))
	assert.ErrorIs(t, err, domain.ErrProtocol)
	assert.Equal(t, 1, dSig.Count("webrtc:offer"))

	// Whatever shape the client's WebRTC stack uses goes through untouched.
	for _, raw := range []string{
		`{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`,
		`"opaque-blob"`,
		`{"sdp":"v=0"}`,
	} {
		require.NoError(t, h.o.Relay(context.Background(), patientP, core.SignalICECandidate, "room-C", json.RawMessage(raw)))
		got, ok := dSig.Last("webrtc:iceCandidate")
		require.True(t, ok)
		var n orch.Negotiation
		require.NoError(t, json.Unmarshal(got, &n))
		assert.Equal(t, raw, string(n.Payload))
	}
	assert.Equal(t, 3, dSig.Count("webrtc:iceCandidate"))
}

func TestRelay_AnswerMovesToInCall(t *testing.T) {
	h := newHarness(t)
	_, pSig := h.connect(patientP)
	_, dSig := h.connect(doctorD)
	h.accepted()
	ctx := context.Background()

	ice := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	require.NoError(t, h.o.Relay(ctx, doctorD, core.SignalICECandidate, "room-C", ice))
	assert.Equal(t, 1, pSig.Count("webrtc:iceCandidate"))

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0\r\n"}`)
	require.NoError(t, h.o.Relay(ctx, doctorD, core.SignalAnswer, "room-C", answer))
	require.NoError(t, h.o.Relay(ctx, doctorD, core.SignalAnswer, "room-C", answer))

	c, err := h.store.Load(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInCall, c.Status)
	assert.Equal(t, domain.RoomID("room-C"), c.SignalingRoomID)
	assert.Equal(t, 1, pSig.Count(orch.EventCallInCall))
	assert.Equal(t, 1, dSig.Count(orch.EventCallInCall))
}

func TestRelay_RehydratesRoomOpenedElsewhere(t *testing.T) {
	h := newHarness(t)
	_, dSig := h.connect(doctorD)
	h.accepted()
	// Simulate an instance that never saw the room being opened.
	h.rooms.Destroy("room-C")

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	require.NoError(t, h.o.Relay(context.Background(), patientP, core.SignalOffer, "room-C", offer))
	assert.Equal(t, 1, dSig.Count("webrtc:offer"))
	_, ok := h.rooms.MembersOf("room-C")
	assert.True(t, ok)

	require.NoError(t, h.o.Relay(context.Background(), patientP, core.SignalOffer, "room-ZZZ", offer))
	require.NoError(t, h.o.Relay(context.Background(), patientP, core.SignalOffer, "lobby", offer))
	assert.Equal(t, 1, dSig.Count("webrtc:offer"))
}

func TestEndConsultation_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	_, pSig := h.connect(patientP)
	_, dSig := h.connect(doctorD)
	h.accepted()
	ctx := context.Background()

	c, err := h.o.EndConsultation(ctx, patientP, "C", "resolved")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, c.Status)
	assert.Equal(t, "resolved", c.Notes)
	require.NotNil(t, c.EndedAt)
	assert.Empty(t, c.SignalingRoomID)

	c2, err := h.o.EndConsultation(ctx, doctorD, "C", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, c2.Status)
	assert.Equal(t, "resolved", c2.Notes)

	assert.Equal(t, 1, pSig.Count(orch.EventCallEnded))
	assert.Equal(t, 1, dSig.Count(orch.EventCallEnded))
	_, ok := h.rooms.MembersOf("room-C")
	assert.False(t, ok)
	assert.Equal(t, domain.PresenceOffline, h.o.PresenceOf("D").Status, "no declared status, not busy any more")

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	require.NoError(t, h.o.Relay(ctx, patientP, core.SignalOffer, "room-C", offer))
	assert.Equal(t, 0, dSig.Count("webrtc:offer"), "late relay after teardown is dropped")
}

func TestEndConsultation_ConcurrentHangUps(t *testing.T) {
	h := newHarness(t)
	_, pSig := h.connect(patientP)
	h.accepted()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, who := range []domain.Identity{patientP, doctorD} {
		wg.Add(1)
		go func(i int, who domain.Identity) {
			defer wg.Done()
			_, errs[i] = h.o.EndConsultation(context.Background(), who, "C", "")
		}(i, who)
	}
	wg.Wait()
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, pSig.Count(orch.EventCallEnded))
}

func TestEndConsultation_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.o.EndConsultation(ctx, patientP, "C", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.o.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "D"})
	require.NoError(t, err)
	_, err = h.o.EndConsultation(ctx, patientP, "C", "")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.o.AcceptConsultation(ctx, doctorD, "C")
	require.NoError(t, err)
	_, err = h.o.EndConsultation(ctx, doctorE, "C", "")
	assert.ErrorIs(t, err, domain.ErrAuthorization)
}

func TestCancelConsultation(t *testing.T) {
	h := newHarness(t)
	_, pSig := h.connect(patientP)
	ctx := context.Background()
	_, err := h.o.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "D"})
	require.NoError(t, err)

	c, err := h.o.CancelConsultation(ctx, doctorD, "C", "declined")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, c.Status)

	ev := decode[orch.CallCancelled](t, pSig, orch.EventCallCancelled)
	assert.Equal(t, "doctor", ev.CancelledBy)
	assert.Equal(t, "declined", ev.Reason)

	_, err = h.o.CancelConsultation(ctx, patientP, "C", "")
	assert.NoError(t, err)
	assert.Equal(t, 1, pSig.Count(orch.EventCallCancelled))

	// The pair is free again.
	_, err = h.o.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "D"})
	assert.NoError(t, err)
}

func TestCancelConsultation_NotOnceInCall(t *testing.T) {
	h := newHarness(t)
	h.accepted()
	ctx := context.Background()
	require.NoError(t, h.o.Relay(ctx, doctorD, core.SignalAnswer, "room-C", json.RawMessage(`{"type":"answer","sdp":"v=0"}`)))

	_, err := h.o.CancelConsultation(ctx, patientP, "C", "")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestOnDisconnect_DoctorInCallFinishes(t *testing.T) {
	h := newHarness(t)
	_, pSig := h.connect(patientP)
	dConn, _ := h.connect(doctorD)
	h.accepted()
	ctx := context.Background()
	require.NoError(t, h.o.Relay(ctx, doctorD, core.SignalAnswer, "room-C", json.RawMessage(`{"type":"answer","sdp":"v=0"}`)))

	h.reg.Unregister(dConn)
	h.o.OnDisconnect(ctx, doctorD)

	c, err := h.store.Load(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, c.Status)
	assert.Empty(t, c.SignalingRoomID)
	assert.Equal(t, domain.PresenceOffline, h.o.PresenceOf("D").Status)

	ev := decode[orch.CallEnded](t, pSig, orch.EventCallEnded)
	assert.Equal(t, orch.ReasonDisconnected, ev.Reason)
	_, ok := h.rooms.MembersOf("room-C")
	assert.False(t, ok)
}

func TestOnDisconnect_SparedWhileAnotherDeviceIsLive(t *testing.T) {
	h := newHarness(t)
	phone, _ := h.connect(patientP)
	h.connect(patientP)
	h.accepted()
	ctx := context.Background()

	h.reg.Unregister(phone)
	h.o.OnDisconnect(ctx, patientP)

	c, err := h.store.Load(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, c.Status)
}

func TestOnDisconnect_CancelsPendingRequest(t *testing.T) {
	h := newHarness(t)
	pConn, _ := h.connect(patientP)
	_, dSig := h.connect(doctorD)
	ctx := context.Background()
	_, err := h.o.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "D"})
	require.NoError(t, err)

	h.reg.Unregister(pConn)
	h.o.OnDisconnect(ctx, patientP)

	c, err := h.store.Load(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, c.Status)
	ev := decode[orch.CallCancelled](t, dSig, orch.EventCallCancelled)
	assert.Equal(t, "patient", ev.CancelledBy)
}

func TestExpireStale(t *testing.T) {
	h := newHarness(t)
	_, pSig := h.connect(patientP)
	ctx := context.Background()

	_, err := h.o.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "D"})
	require.NoError(t, err)
	_, err = h.o.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "E"})
	require.NoError(t, err)
	_, err = h.o.AcceptConsultation(ctx, doctorE, "C2")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	n, err := h.o.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(2 * time.Minute)
	n, err = h.o.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the unanswered request")

	ev := decode[orch.CallCancelled](t, pSig, orch.EventCallCancelled)
	assert.Equal(t, domain.ConsultationID("C"), ev.ConsultationID)
	assert.Equal(t, orch.CancelledBySystem, ev.CancelledBy)
	assert.Equal(t, orch.ReasonTimeout, ev.Reason)

	h.clock.Advance(3 * time.Minute)
	n, err = h.o.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	c, err := h.store.Load(ctx, "C2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, c.Status)
	_, ok := h.rooms.MembersOf("room-C2")
	assert.False(t, ok)
}

func TestAttachPrescription(t *testing.T) {
	h := newHarness(t)
	_, pSig := h.connect(patientP)
	ctx := context.Background()
	_, err := h.o.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "D"})
	require.NoError(t, err)

	_, err = h.o.AttachPrescription(ctx, doctorD, "C", "rx-1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.o.AcceptConsultation(ctx, doctorD, "C")
	require.NoError(t, err)
	_, err = h.o.AttachPrescription(ctx, patientP, "C", "rx-1")
	assert.ErrorIs(t, err, domain.ErrAuthorization)
	_, err = h.o.AttachPrescription(ctx, doctorD, "C", " ")
	assert.ErrorIs(t, err, domain.ErrProtocol)

	c, err := h.o.AttachPrescription(ctx, doctorD, "C", "rx-1")
	require.NoError(t, err)
	assert.Equal(t, "rx-1", c.PrescriptionID)
	ev := decode[orch.PrescriptionCreated](t, pSig, orch.EventPrescriptionCreated)
	assert.Equal(t, "rx-1", ev.PrescriptionID)
}

func TestHistoryAndGet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.o.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "D"})
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.o.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "E"})
	require.NoError(t, err)

	hist, err := h.o.History(ctx, patientP)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, domain.ConsultationID("C2"), hist[0].ID)

	hist, err = h.o.History(ctx, doctorD)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	_, err = h.o.Get(ctx, doctorE, "C")
	assert.ErrorIs(t, err, domain.ErrAuthorization)
	c, err := h.o.Get(ctx, doctorD, "C")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("P"), c.PatientID)
}

func TestSetDoctorStatus(t *testing.T) {
	h := newHarness(t)
	_, dSig := h.connect(doctorD)
	ctx := context.Background()

	st, err := h.o.SetDoctorStatus(ctx, doctorD, "available")
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceAvailable, st)
	assert.Equal(t, 1, dSig.Count(orch.EventPresenceStatus))

	_, err = h.o.SetDoctorStatus(ctx, patientP, "available")
	assert.ErrorIs(t, err, domain.ErrAuthorization)
	_, err = h.o.SetDoctorStatus(ctx, doctorD, "asleep")
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

// racingStore lets another writer win the first save, like a second
// instance would.
type racingStore struct {
	*store.Memory
	once  sync.Once
	rival func(ctx context.Context, s *store.Memory)
}

func (r *racingStore) Save(ctx context.Context, c *domain.Consultation) error {
	r.once.Do(func() { r.rival(ctx, r.Memory) })
	return r.Memory.Save(ctx, c)
}

func TestMutate_ReevaluatesAfterLostRace(t *testing.T) {
	rs := &racingStore{Memory: store.NewMemory()}
	rs.rival = func(ctx context.Context, s *store.Memory) {
		c, err := s.Load(ctx, "C")
		require.NoError(t, err)
		require.NoError(t, c.Transition(domain.StatusCancelled, time.Now()))
		require.NoError(t, s.Save(ctx, c))
	}
	h := newHarnessWithStore(t, rs)
	ctx := context.Background()
	_, err := h.o.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "D"})
	require.NoError(t, err)

	_, err = h.o.AcceptConsultation(ctx, doctorD, "C")
	assert.ErrorIs(t, err, domain.ErrInvalidState, "the reload sees the rival's cancel")
	_, ok := h.rooms.MembersOf("room-C")
	assert.False(t, ok)
}

// loadHookStore runs after once, right after the first Load it answers, to
// let another instance act between this instance's read and its next step.
type loadHookStore struct {
	*store.Memory
	once  sync.Once
	after func()
}

func (s *loadHookStore) Load(ctx context.Context, id domain.ConsultationID) (*domain.Consultation, error) {
	c, err := s.Memory.Load(ctx, id)
	s.once.Do(s.after)
	return c, err
}

func TestRelay_RehydrationRacingRemoteEnd(t *testing.T) {
	mem := store.NewMemory()
	b := bus.NewMemory()
	roomsA := app.NewRoomManager("A", b, "tc:")
	roomsB := app.NewRoomManager("B", b, "tc:")
	require.NoError(t, roomsA.Start())
	require.NoError(t, roomsB.Start())
	defer roomsA.Stop()
	defer roomsB.Stop()

	ctx := context.Background()
	a := &orch.Orchestrator{Store: mem, Rooms: roomsA, NewID: func() domain.ConsultationID { return "C" }}
	hooked := &loadHookStore{Memory: mem}
	other := &orch.Orchestrator{Store: hooked, Rooms: roomsB}

	_, err := a.RequestConsultation(ctx, patientP, orch.RequestInput{DoctorID: "D"})
	require.NoError(t, err)
	_, err = a.AcceptConsultation(ctx, doctorD, "C")
	require.NoError(t, err)
	// B never saw the room being opened.
	require.True(t, roomsB.Forget("room-C"))

	hooked.after = func() {
		_, err := a.EndConsultation(ctx, doctorD, "C", "")
		require.NoError(t, err)
	}
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	require.NoError(t, other.Relay(ctx, patientP, core.SignalOffer, "room-C", offer))

	c, err := mem.Load(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, c.Status)
	_, onA := roomsA.MembersOf("room-C")
	_, onB := roomsB.MembersOf("room-C")
	assert.False(t, onA, "the ending instance keeps its room closed")
	assert.False(t, onB, "the rebuilt room is dropped once the end is seen")
}

func TestRelay_RechecksCachedRoomAfterMissedDestroy(t *testing.T) {
	h := newHarness(t)
	_, dSig := h.connect(doctorD)
	h.accepted()
	h.o.RoomRecheck = time.Minute
	ctx := context.Background()

	// Another instance finished the call and its destroy never arrived.
	c, err := h.store.Load(ctx, "C")
	require.NoError(t, err)
	require.NoError(t, c.Transition(domain.StatusFinished, h.clock.Now()))
	require.NoError(t, h.store.Save(ctx, c))

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	require.NoError(t, h.o.Relay(ctx, patientP, core.SignalOffer, "room-C", offer))
	assert.Equal(t, 1, dSig.Count("webrtc:offer"), "trusted inside the recheck window")

	h.clock.Advance(2 * time.Minute)
	require.NoError(t, h.o.Relay(ctx, patientP, core.SignalOffer, "room-C", offer))
	assert.Equal(t, 1, dSig.Count("webrtc:offer"))
	_, ok := h.rooms.MembersOf("room-C")
	assert.False(t, ok)
}

func TestReconcileRooms(t *testing.T) {
	h := newHarness(t)
	h.accepted()
	ctx := context.Background()

	n, err := h.o.ReconcileRooms(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok := h.rooms.MembersOf("room-C")
	require.True(t, ok)

	c, err := h.store.Load(ctx, "C")
	require.NoError(t, err)
	require.NoError(t, c.Transition(domain.StatusCancelled, h.clock.Now()))
	require.NoError(t, h.store.Save(ctx, c))

	n, err = h.o.ReconcileRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok = h.rooms.MembersOf("room-C")
	assert.False(t, ok)
}

func TestEndConsultation_RacingDisconnectCleanup(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		_, pSig := h.connect(patientP)
		dConn, _ := h.connect(doctorD)
		h.accepted()
		ctx := context.Background()
		require.NoError(t, h.o.Relay(ctx, doctorD, core.SignalAnswer, "room-C", json.RawMessage(`{"type":"answer","sdp":"v=0"}`)))
		h.reg.Unregister(dConn)

		var wg sync.WaitGroup
		var endErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, endErr = h.o.EndConsultation(ctx, patientP, "C", "done")
		}()
		go func() {
			defer wg.Done()
			h.o.OnDisconnect(ctx, doctorD)
		}()
		wg.Wait()

		require.NoError(t, endErr)
		c, err := h.store.Load(ctx, "C")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFinished, c.Status)
		assert.Equal(t, 1, pSig.Count(orch.EventCallEnded), "exactly one end is announced")
		assert.Zero(t, pSig.Count(orch.EventCallCancelled))
		_, ok := h.rooms.MembersOf("room-C")
		assert.False(t, ok)
	}
}
