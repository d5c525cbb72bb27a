// Package store persists consultations and the doctor directory, in MongoDB
// or in process memory.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/teleconsult/internal/core"
	"github.com/dkeye/teleconsult/internal/domain"
)

// Memory keeps consultations in a map. It enforces the same uniqueness and
// versioning rules as the Mongo store.
type Memory struct {
	mu      sync.RWMutex
	byID    map[domain.ConsultationID]*domain.Consultation
	doctors map[domain.UserID]domain.PresenceStatus
}

func NewMemory() *Memory {
	return &Memory{
		byID:    make(map[domain.ConsultationID]*domain.Consultation),
		doctors: make(map[domain.UserID]domain.PresenceStatus),
	}
}

var (
	_ core.ConsultationStore = (*Memory)(nil)
	_ core.DoctorDirectory   = (*Memory)(nil)
)

func (m *Memory) Create(_ context.Context, c *domain.Consultation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[c.ID]; ok {
		return fmt.Errorf("consultation %s exists: %w", c.ID, domain.ErrConflict)
	}
	if c.Status.Active() {
		if other := m.activeLocked(c.PatientID, c.DoctorID); other != nil {
			return fmt.Errorf("active consultation %s for pair: %w", other.ID, domain.ErrConflict)
		}
	}
	c.Version = 1
	m.byID[c.ID] = c.Clone()
	return nil
}

func (m *Memory) Load(_ context.Context, id domain.ConsultationID) (*domain.Consultation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("consultation %s: %w", id, domain.ErrNotFound)
	}
	return c.Clone(), nil
}

func (m *Memory) Save(_ context.Context, c *domain.Consultation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[c.ID]
	if !ok {
		return fmt.Errorf("consultation %s: %w", c.ID, domain.ErrNotFound)
	}
	if cur.Version != c.Version {
		return fmt.Errorf("consultation %s at version %d, have %d: %w", c.ID, cur.Version, c.Version, domain.ErrStale)
	}
	c.Version++
	m.byID[c.ID] = c.Clone()
	return nil
}

func (m *Memory) FindActive(_ context.Context, patient, doctor domain.UserID) (*domain.Consultation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c := m.activeLocked(patient, doctor); c != nil {
		return c.Clone(), nil
	}
	return nil, fmt.Errorf("active consultation %s/%s: %w", patient, doctor, domain.ErrNotFound)
}

func (m *Memory) activeLocked(patient, doctor domain.UserID) *domain.Consultation {
	for _, c := range m.byID {
		if c.PatientID == patient && c.DoctorID == doctor && c.Status.Active() {
			return c
		}
	}
	return nil
}

func (m *Memory) ListActiveFor(_ context.Context, user domain.UserID) ([]domain.Consultation, error) {
	return m.filter(func(c *domain.Consultation) bool {
		return c.IsParticipant(user) && c.Status.Active()
	}), nil
}

func (m *Memory) ListByParticipant(_ context.Context, user domain.UserID) ([]domain.Consultation, error) {
	return m.filter(func(c *domain.Consultation) bool { return c.IsParticipant(user) }), nil
}

// ListStale returns consultations in status whose clock started before the
// cutoff: requestedAt for requested, startedAt otherwise.
func (m *Memory) ListStale(_ context.Context, status domain.Status, before time.Time) ([]domain.Consultation, error) {
	return m.filter(func(c *domain.Consultation) bool {
		return c.Status == status && staleClock(c).Before(before)
	}), nil
}

func staleClock(c *domain.Consultation) time.Time {
	if c.Status != domain.StatusRequested && c.StartedAt != nil {
		return *c.StartedAt
	}
	return c.RequestedAt
}

func (m *Memory) filter(keep func(*domain.Consultation) bool) []domain.Consultation {
	m.mu.RLock()
	out := make([]domain.Consultation, 0)
	for _, c := range m.byID {
		if keep(c) {
			out = append(out, *c.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) SetStatus(_ context.Context, doctor domain.UserID, status domain.PresenceStatus) error {
	m.mu.Lock()
	m.doctors[doctor] = status
	m.mu.Unlock()
	return nil
}

// DoctorStatus returns the last status written for doctor.
func (m *Memory) DoctorStatus(doctor domain.UserID) (domain.PresenceStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.doctors[doctor]
	return s, ok
}
