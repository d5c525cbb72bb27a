package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teleconsult/internal/core"
	"github.com/dkeye/teleconsult/internal/domain"
)

type roomSync struct {
	Origin string      `json:"origin"`
	Op     string      `json:"op"`
	Room   domain.Room `json:"room"`
}

const (
	roomOpCreate  = "create"
	roomOpDestroy = "destroy"
)

// RoomManagerImpl keeps two-member signaling rooms in memory and mirrors
// create/destroy to the other instances over the bus when one is set.
type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]domain.Room

	instance string
	bus      core.MessageBus
	topic    string
	unsub    func()
}

// NewRoomManager returns a process-local manager. Pass a bus to share rooms
// across instances; nil keeps it local.
func NewRoomManager(instance string, bus core.MessageBus, prefix string) *RoomManagerImpl {
	return &RoomManagerImpl{
		rooms:    make(map[domain.RoomID]domain.Room),
		instance: instance,
		bus:      bus,
		topic:    prefix + "rooms",
	}
}

var _ core.RoomManager = (*RoomManagerImpl)(nil)

func (m *RoomManagerImpl) Start() error {
	if m.bus == nil {
		return nil
	}
	unsub, err := m.bus.Subscribe(m.topic, m.onSync)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", m.topic, err)
	}
	m.unsub = unsub
	return nil
}

func (m *RoomManagerImpl) Stop() {
	if m.unsub != nil {
		m.unsub()
	}
}

// Create allocates the room of an accepted consultation. Creating it again
// with the same members returns the existing room.
func (m *RoomManagerImpl) Create(c *domain.Consultation) (domain.Room, error) {
	room, created, err := m.put(domain.NewRoom(c))
	if err != nil {
		return domain.Room{}, err
	}
	if created {
		log.Info().Str("module", "app.rooms").Str("room", string(room.ID)).Str("consultation", string(c.ID)).Msg("room created")
		m.publish(roomOpCreate, room)
	}
	return room, nil
}

// Rehydrate rebuilds a room this instance never saw opened. It stays local:
// the opening instance already announced it.
func (m *RoomManagerImpl) Rehydrate(c *domain.Consultation) (domain.Room, error) {
	room, _, err := m.put(domain.NewRoom(c))
	return room, err
}

func (m *RoomManagerImpl) put(room domain.Room) (domain.Room, bool, error) {
	m.mu.RLock()
	existing, ok := m.rooms[room.ID]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		existing, ok = m.rooms[room.ID]
		if !ok {
			m.rooms[room.ID] = room
		}
		m.mu.Unlock()
		if !ok {
			return room, true, nil
		}
	}
	if existing != room {
		return domain.Room{}, false, fmt.Errorf("room %s has other members: %w", room.ID, domain.ErrConflict)
	}
	return existing, false, nil
}

func (m *RoomManagerImpl) MembersOf(id domain.RoomID) (domain.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Destroy is idempotent; it reports whether this call removed the room.
func (m *RoomManagerImpl) Destroy(id domain.RoomID) bool {
	m.mu.Lock()
	room, ok := m.rooms[id]
	delete(m.rooms, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room destroyed")
	m.publish(roomOpDestroy, room)
	return true
}

// Forget drops a room from this instance only, for rooms found stale
// against the stored consultation.
func (m *RoomManagerImpl) Forget(id domain.RoomID) bool {
	m.mu.Lock()
	_, ok := m.rooms[id]
	delete(m.rooms, id)
	m.mu.Unlock()
	return ok
}

func (m *RoomManagerImpl) List() []core.RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(m.rooms))
	for id, r := range m.rooms {
		out = append(out, core.RoomInfo{ID: id, ConsultationID: r.ConsultationID, Members: r.Members()})
	}
	return out
}

func (m *RoomManagerImpl) publish(op string, room domain.Room) {
	if m.bus == nil {
		return
	}
	b, err := json.Marshal(roomSync{Origin: m.instance, Op: op, Room: room})
	if err != nil {
		log.Error().Err(err).Str("module", "app.rooms").Msg("marshal room sync")
		return
	}
	// Peers rehydrate from the store on a miss, so a lost create is recoverable.
	if err := m.bus.Publish(context.Background(), m.topic, b); err != nil {
		log.Error().Err(err).Str("module", "app.rooms").Str("room", string(room.ID)).Str("op", op).Msg("publish room sync")
	}
}

func (m *RoomManagerImpl) onSync(data []byte) {
	var msg roomSync
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "app.rooms").Msg("bad room sync")
		return
	}
	if msg.Origin == m.instance {
		return
	}
	switch msg.Op {
	case roomOpCreate:
		if _, _, err := m.put(msg.Room); err != nil {
			log.Warn().Err(err).Str("module", "app.rooms").Str("room", string(msg.Room.ID)).Msg("room sync create")
		}
	case roomOpDestroy:
		m.mu.Lock()
		delete(m.rooms, msg.Room.ID)
		m.mu.Unlock()
	}
}
