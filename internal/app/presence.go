package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teleconsult/internal/core"
	"github.com/dkeye/teleconsult/internal/domain"
)

// StatusFunc observes effective status changes originating on this instance.
type StatusFunc func(identity domain.Identity, status domain.PresenceStatus)

type presenceSync struct {
	Origin       string                `json:"origin"`
	User         domain.Identity       `json:"user"`
	Kind         string                `json:"kind"`
	Count        int                   `json:"count,omitempty"`
	Declared     domain.PresenceStatus `json:"declared,omitempty"`
	Consultation domain.ConsultationID `json:"consultation,omitempty"`
	Engaged      bool                  `json:"engaged,omitempty"`
}

const (
	syncConnections = "connections"
	syncDeclared    = "declared"
	syncEngaged     = "engaged"
)

type instanceCount struct {
	n    int
	seen time.Time
}

type presenceRecord struct {
	identity domain.Identity
	counts   map[string]instanceCount
	declared domain.PresenceStatus
	engaged  map[domain.ConsultationID]struct{}
	status   domain.PresenceStatus
}

// Tracker derives presence from connection counts of every instance, the
// status a doctor declared and the consultations that keep them engaged. It
// is a cache and tolerates short staleness.
type Tracker struct {
	mu      sync.Mutex
	records map[domain.UserID]*presenceRecord

	instance   string
	bus        core.MessageBus
	topic      string
	unsub      func()
	staleAfter time.Duration
	now        func() time.Time
	onStatus   []StatusFunc
}

// NewTracker builds a tracker; bus may be nil for a single instance.
// Remote counts not refreshed within staleAfter are ignored (0 disables).
func NewTracker(instance string, bus core.MessageBus, prefix string, staleAfter time.Duration) *Tracker {
	return &Tracker{
		records:    make(map[domain.UserID]*presenceRecord),
		instance:   instance,
		bus:        bus,
		topic:      prefix + "presence",
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// OnStatus subscribes fn to effective status changes caused on this instance.
func (t *Tracker) OnStatus(fn StatusFunc) {
	t.mu.Lock()
	t.onStatus = append(t.onStatus, fn)
	t.mu.Unlock()
}

func (t *Tracker) Start() error {
	if t.bus == nil {
		return nil
	}
	unsub, err := t.bus.Subscribe(t.topic, t.onSync)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", t.topic, err)
	}
	t.unsub = unsub
	return nil
}

func (t *Tracker) Stop() {
	if t.unsub != nil {
		t.unsub()
	}
}

// ConnectionsChanged is wired to Registry.OnChange.
func (t *Tracker) ConnectionsChanged(identity domain.Identity, live int) {
	t.apply(presenceSync{Origin: t.instance, User: identity, Kind: syncConnections, Count: live}, true)
}

// Declare records the status a doctor chose. It requires a live connection
// somewhere in the cluster, since offline is forced otherwise.
func (t *Tracker) Declare(identity domain.Identity, status domain.PresenceStatus) (domain.PresenceStatus, error) {
	if !identity.IsDoctor() {
		return "", fmt.Errorf("only doctors declare a status: %w", domain.ErrAuthorization)
	}
	return t.apply(presenceSync{Origin: t.instance, User: identity, Kind: syncDeclared, Declared: status}, true), nil
}

// SetEngaged marks a doctor busy (or not) on behalf of one consultation.
func (t *Tracker) SetEngaged(identity domain.Identity, consultation domain.ConsultationID, engaged bool) {
	t.apply(presenceSync{Origin: t.instance, User: identity, Kind: syncEngaged, Consultation: consultation, Engaged: engaged}, true)
}

// Status returns the effective status of user and the role it was last seen with.
func (t *Tracker) Status(user domain.UserID) domain.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[user]
	if !ok {
		return domain.Presence{UserID: user, Status: domain.PresenceOffline}
	}
	return domain.Presence{UserID: user, Role: rec.identity.Role, Status: t.effective(rec)}
}

// Online reports whether user has a live connection on any instance.
func (t *Tracker) Online(user domain.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[user]
	return ok && t.live(rec) > 0
}

// Resync republishes the local counts so peers refresh their view and
// newcomers learn it.
func (t *Tracker) Resync(identities []domain.Identity, count func(domain.UserID) int) {
	for _, id := range identities {
		t.publish(presenceSync{Origin: t.instance, User: id, Kind: syncConnections, Count: count(id.ID)})
	}
}

func (t *Tracker) live(rec *presenceRecord) int {
	total := 0
	now := t.now()
	for inst, c := range rec.counts {
		if inst != t.instance && t.staleAfter > 0 && now.Sub(c.seen) > t.staleAfter {
			continue
		}
		total += c.n
	}
	return total
}

func (t *Tracker) effective(rec *presenceRecord) domain.PresenceStatus {
	if t.live(rec) == 0 {
		return domain.PresenceOffline
	}
	if !rec.identity.IsDoctor() {
		return domain.PresenceOnline
	}
	if len(rec.engaged) > 0 {
		return domain.PresenceBusy
	}
	if rec.declared == "" {
		return domain.PresenceOffline
	}
	return rec.declared
}

// apply folds one update into the record and returns the new effective
// status. Local updates are published and reported to OnStatus observers.
func (t *Tracker) apply(msg presenceSync, local bool) domain.PresenceStatus {
	t.mu.Lock()
	rec, ok := t.records[msg.User.ID]
	if !ok {
		rec = &presenceRecord{
			identity: msg.User,
			counts:   make(map[string]instanceCount),
			engaged:  make(map[domain.ConsultationID]struct{}),
			status:   domain.PresenceOffline,
		}
		t.records[msg.User.ID] = rec
	}
	if msg.User.Role.Valid() {
		rec.identity = msg.User
	}

	switch msg.Kind {
	case syncConnections:
		if msg.Count > 0 {
			rec.counts[msg.Origin] = instanceCount{n: msg.Count, seen: t.now()}
		} else {
			delete(rec.counts, msg.Origin)
		}
		if t.live(rec) == 0 {
			rec.declared = domain.PresenceOffline
		}
	case syncDeclared:
		rec.declared = msg.Declared
	case syncEngaged:
		if msg.Engaged {
			rec.engaged[msg.Consultation] = struct{}{}
		} else {
			delete(rec.engaged, msg.Consultation)
		}
	}

	prev := rec.status
	rec.status = t.effective(rec)
	next := rec.status
	if t.live(rec) == 0 && len(rec.engaged) == 0 {
		delete(t.records, msg.User.ID)
	}
	hooks := t.onStatus
	t.mu.Unlock()

	if !local {
		return next
	}
	t.publish(msg)
	if prev != next {
		log.Info().Str("module", "app.presence").Str("user", string(msg.User.ID)).Str("from", string(prev)).Str("to", string(next)).Msg("presence changed")
		for _, fn := range hooks {
			fn(msg.User, next)
		}
	}
	return next
}

func (t *Tracker) publish(msg presenceSync) {
	if t.bus == nil {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Msg("marshal presence sync")
		return
	}
	if err := t.bus.Publish(context.Background(), t.topic, b); err != nil {
		log.Warn().Err(err).Str("module", "app.presence").Str("user", string(msg.User.ID)).Msg("publish presence sync")
	}
}

func (t *Tracker) onSync(data []byte) {
	var msg presenceSync
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "app.presence").Msg("bad presence sync")
		return
	}
	if msg.Origin == t.instance || msg.User.IsZero() {
		return
	}
	t.apply(msg, false)
}

// DirectoryWriter persists doctor status changes into dir.
func DirectoryWriter(dir core.DoctorDirectory, timeout time.Duration) StatusFunc {
	return func(identity domain.Identity, status domain.PresenceStatus) {
		if !identity.IsDoctor() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := dir.SetStatus(ctx, identity.ID, status); err != nil {
			log.Error().Err(err).Str("module", "app.presence").Str("user", string(identity.ID)).Msg("persist doctor status")
		}
	}
}
