package domain

import (
	"fmt"
	"strings"
	"time"
)

type ConsultationID string

type Status string

const (
	StatusRequested Status = "requested"
	StatusAccepted  Status = "accepted"
	StatusInCall    Status = "in_call"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

// transitions is the whole lifecycle graph. Nothing leaves a terminal status.
var transitions = map[Status][]Status{
	StatusRequested: {StatusAccepted, StatusCancelled},
	StatusAccepted:  {StatusInCall, StatusFinished, StatusCancelled},
	StatusInCall:    {StatusFinished},
}

func (s Status) Active() bool {
	return s == StatusRequested || s == StatusAccepted || s == StatusInCall
}

func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// HasRoom reports whether a consultation in this status owns a signaling room.
func (s Status) HasRoom() bool {
	return s == StatusAccepted || s == StatusInCall
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Mode string

const (
	ModeVideo Mode = "video"
	ModeAudio Mode = "audio"
)

// ParseMode defaults an empty mode to video, like the client does.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeVideo:
		return ModeVideo, nil
	case ModeAudio:
		return ModeAudio, nil
	default:
		return "", fmt.Errorf("preferred mode %q: %w", s, ErrProtocol)
	}
}

// Consultation is the lifecycle entity. Version is bumped by the store on
// every save and used for optimistic concurrency between processes.
type Consultation struct {
	ID              ConsultationID `json:"id"`
	PatientID       UserID         `json:"patientId"`
	DoctorID        UserID         `json:"doctorId"`
	Status          Status         `json:"status"`
	PreferredMode   Mode           `json:"preferredMode,omitempty"`
	RequestedAt     time.Time      `json:"requestedAt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	EndedAt         *time.Time     `json:"endedAt,omitempty"`
	SignalingRoomID RoomID         `json:"signalingRoom,omitempty"`
	PrescriptionID  string         `json:"prescriptionId,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	Version         int64          `json:"-"`
}

func NewConsultation(id ConsultationID, patient, doctor UserID, mode Mode, notes string, now time.Time) (*Consultation, error) {
	if patient == "" || doctor == "" {
		return nil, fmt.Errorf("consultation participants: %w", ErrProtocol)
	}
	if patient == doctor {
		return nil, fmt.Errorf("patient and doctor must differ: %w", ErrProtocol)
	}
	return &Consultation{
		ID:            id,
		PatientID:     patient,
		DoctorID:      doctor,
		Status:        StatusRequested,
		PreferredMode: mode,
		RequestedAt:   now,
		Notes:         notes,
	}, nil
}

func (c *Consultation) Clone() *Consultation {
	cp := *c
	if c.StartedAt != nil {
		t := *c.StartedAt
		cp.StartedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func (c *Consultation) IsParticipant(u UserID) bool {
	return u == c.PatientID || u == c.DoctorID
}

// Transition moves the consultation along one edge of the lifecycle graph,
// stamping timestamps and keeping the room invariant: a room id is set
// exactly while the status is accepted or in_call.
func (c *Consultation) Transition(next Status, now time.Time) error {
	if !c.Status.CanTransitionTo(next) {
		return fmt.Errorf("consultation %s: %s -> %s: %w", c.ID, c.Status, next, ErrInvalidState)
	}
	switch next {
	case StatusAccepted:
		t := now
		c.StartedAt = &t
		c.SignalingRoomID = RoomIDFor(c.ID)
	case StatusFinished, StatusCancelled:
		t := now
		c.EndedAt = &t
		c.SignalingRoomID = ""
	}
	c.Status = next
	return nil
}
