package core

import (
	"time"

	"github.com/dkeye/teleconsult/internal/domain"
)

type ConnID string

// MemberSession binds a verified identity and its transport endpoint.
// This is what the registry stores and the event router fans out to.
type MemberSession interface {
	ID() ConnID
	Identity() domain.Identity
	Signal() SignalConnection
	OpenedAt() time.Time
}
