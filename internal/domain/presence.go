package domain

import "fmt"

// PresenceStatus is what other parties see of an identity. Doctors use
// available/busy/offline; patients only online/offline.
type PresenceStatus string

const (
	PresenceAvailable PresenceStatus = "available"
	PresenceBusy      PresenceStatus = "busy"
	PresenceOffline   PresenceStatus = "offline"
	PresenceOnline    PresenceStatus = "online"
)

// ParseDoctorStatus accepts only the statuses a doctor may declare.
func ParseDoctorStatus(s string) (PresenceStatus, error) {
	switch st := PresenceStatus(s); st {
	case PresenceAvailable, PresenceBusy, PresenceOffline:
		return st, nil
	default:
		return "", fmt.Errorf("doctor status %q: %w", s, ErrProtocol)
	}
}

// Presence is the derived view of one identity.
type Presence struct {
	UserID UserID         `json:"userId"`
	Role   Role           `json:"role"`
	Status PresenceStatus `json:"status"`
}
