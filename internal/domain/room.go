package domain

import "strings"

type RoomID string

const roomPrefix = "room-"

// RoomIDFor derives the signaling room of a consultation.
func RoomIDFor(id ConsultationID) RoomID {
	return RoomID(roomPrefix + string(id))
}

// ConsultationOf inverts RoomIDFor.
func (r RoomID) ConsultationOf() (ConsultationID, bool) {
	if !strings.HasPrefix(string(r), roomPrefix) || len(r) == len(roomPrefix) {
		return "", false
	}
	return ConsultationID(strings.TrimPrefix(string(r), roomPrefix)), true
}

// Room is the ephemeral two-party signaling channel of one consultation.
// Members are fixed at creation; there is no way to add a third.
type Room struct {
	ID             RoomID         `json:"id"`
	ConsultationID ConsultationID `json:"consultationId"`
	PatientID      UserID         `json:"patientId"`
	DoctorID       UserID         `json:"doctorId"`
}

func NewRoom(c *Consultation) Room {
	return Room{
		ID:             RoomIDFor(c.ID),
		ConsultationID: c.ID,
		PatientID:      c.PatientID,
		DoctorID:       c.DoctorID,
	}
}

// Peer returns the member on the other side of u.
func (r Room) Peer(u UserID) (UserID, bool) {
	switch u {
	case r.PatientID:
		return r.DoctorID, true
	case r.DoctorID:
		return r.PatientID, true
	}
	return "", false
}

func (r Room) Members() [2]UserID {
	return [2]UserID{r.PatientID, r.DoctorID}
}
