package core

import (
	"github.com/dkeye/teleconsult/internal/domain"
)

type RoomInfo struct {
	ID             domain.RoomID         `json:"id"`
	ConsultationID domain.ConsultationID `json:"consultationId"`
	Members        [2]domain.UserID      `json:"members"`
}

// RoomManager owns signaling-room membership. Create and Destroy are
// idempotent because the explicit end path and disconnect cleanup race;
// both are announced to other instances. Rehydrate and Forget act on this
// instance only.
type RoomManager interface {
	Create(c *domain.Consultation) (domain.Room, error)
	Rehydrate(c *domain.Consultation) (domain.Room, error)
	MembersOf(id domain.RoomID) (domain.Room, bool)
	Destroy(id domain.RoomID) bool
	Forget(id domain.RoomID) bool
	List() []RoomInfo
}
