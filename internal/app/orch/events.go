package orch

import (
	"encoding/json"
	"time"

	"github.com/dkeye/teleconsult/internal/domain"
)

// Outbound event names.
const (
	EventCallRequest         = "call:request"
	EventCallRequestAck      = "call:request:ack"
	EventCallRequestError    = "call:request:error"
	EventCallAccepted        = "call:accepted"
	EventCallInCall          = "call:inCall"
	EventCallEnded           = "call:ended"
	EventCallCancelled       = "call:cancelled"
	EventCallError           = "call:error"
	EventCallHistory         = "call:history"
	EventPrescriptionCreated = "prescription:created"
	EventPresenceStatus      = "presence:status"
)

const (
	CancelledBySystem = "system"

	ReasonTimeout      = "timeout"
	ReasonDisconnected = "disconnected"
)

type RequestInput struct {
	DoctorID      domain.UserID `json:"doctorId"`
	Reason        string        `json:"reason"`
	PreferredMode string        `json:"preferredMode"`
}

type CallRequest struct {
	ConsultationID domain.ConsultationID `json:"consultationId"`
	PatientID      domain.UserID         `json:"patientId"`
	PatientName    string                `json:"patientName,omitempty"`
	Reason         string                `json:"reason,omitempty"`
	PreferredMode  domain.Mode           `json:"preferredMode"`
	RequestedAt    time.Time             `json:"requestedAt"`
}

type CallRequestAck struct {
	ConsultationID domain.ConsultationID `json:"consultationId"`
	DoctorID       domain.UserID         `json:"doctorId"`
	Status         domain.Status         `json:"status"`
}

type CallAccepted struct {
	ConsultationID domain.ConsultationID `json:"consultationId"`
	SignalingRoom  domain.RoomID         `json:"signalingRoom"`
	PatientID      domain.UserID         `json:"patientId"`
	DoctorID       domain.UserID         `json:"doctorId"`
	PreferredMode  domain.Mode           `json:"preferredMode"`
}

type CallInCall struct {
	ConsultationID domain.ConsultationID `json:"consultationId"`
	SignalingRoom  domain.RoomID         `json:"signalingRoom"`
}

type CallEnded struct {
	ConsultationID domain.ConsultationID `json:"consultationId"`
	Status         domain.Status         `json:"status"`
	EndedBy        string                `json:"endedBy"`
	Reason         string                `json:"reason,omitempty"`
	Notes          string                `json:"notes,omitempty"`
}

type CallCancelled struct {
	ConsultationID domain.ConsultationID `json:"consultationId"`
	CancelledBy    string                `json:"cancelledBy"`
	Reason         string                `json:"reason,omitempty"`
}

type CallError struct {
	Code           string                `json:"code"`
	Message        string                `json:"message"`
	ConsultationID domain.ConsultationID `json:"consultationId,omitempty"`
}

type PrescriptionCreated struct {
	PrescriptionID string                `json:"prescriptionId"`
	ConsultationID domain.ConsultationID `json:"consultationId"`
}

// Negotiation is the envelope of a relayed offer, answer or ICE candidate.
// Payload is forwarded byte for byte.
type Negotiation struct {
	Room    domain.RoomID   `json:"room"`
	From    domain.UserID   `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorFor builds the error event sent back to the originator only.
func ErrorFor(err error, id domain.ConsultationID) CallError {
	return CallError{Code: domain.Code(err), Message: domain.PublicMessage(err), ConsultationID: id}
}
