package core

import (
	"context"
	"time"

	"github.com/dkeye/teleconsult/internal/domain"
)

// MessageBus is the cluster-wide publish/subscribe fan-out. Handlers of one
// subscription are invoked sequentially in publish order.
type MessageBus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, handler func(data []byte)) (cancel func(), err error)
	Ping(ctx context.Context) error
	Close() error
}

// ConsultationStore is the persistence collaborator. Create must reject a
// second active consultation for the same pair with domain.ErrConflict; Save
// must reject a record whose Version is not the stored one with domain.ErrStale.
type ConsultationStore interface {
	Create(ctx context.Context, c *domain.Consultation) error
	Load(ctx context.Context, id domain.ConsultationID) (*domain.Consultation, error)
	Save(ctx context.Context, c *domain.Consultation) error
	FindActive(ctx context.Context, patient, doctor domain.UserID) (*domain.Consultation, error)
	ListActiveFor(ctx context.Context, user domain.UserID) ([]domain.Consultation, error)
	ListByParticipant(ctx context.Context, user domain.UserID) ([]domain.Consultation, error)
	ListStale(ctx context.Context, status domain.Status, before time.Time) ([]domain.Consultation, error)
	Ping(ctx context.Context) error
}

// DoctorDirectory receives effective doctor status changes so search-style
// readers outside this service see them.
type DoctorDirectory interface {
	SetStatus(ctx context.Context, doctor domain.UserID, status domain.PresenceStatus) error
}
