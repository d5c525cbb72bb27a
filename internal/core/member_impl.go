package core

import (
	"time"

	"github.com/dkeye/teleconsult/internal/domain"
)

// memberSession implements MemberSession. It is created once, after the
// auth gateway verified the credential, and never changes.
type memberSession struct {
	id       ConnID
	identity domain.Identity
	signal   SignalConnection
	openedAt time.Time
}

func NewMemberSession(id ConnID, identity domain.Identity, signal SignalConnection) MemberSession {
	return &memberSession{id: id, identity: identity, signal: signal, openedAt: time.Now()}
}

func (m *memberSession) ID() ConnID                { return m.id }
func (m *memberSession) Identity() domain.Identity { return m.identity }
func (m *memberSession) Signal() SignalConnection  { return m.signal }
func (m *memberSession) OpenedAt() time.Time       { return m.openedAt }
