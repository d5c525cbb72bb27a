package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teleconsult/internal/core"
	"github.com/dkeye/teleconsult/internal/domain"
)

type sessionEntry struct {
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// ChangeFunc observes the live connection count of one identity after every
// register or unregister. It runs outside the registry lock.
type ChangeFunc func(identity domain.Identity, live int)

// Registry is the process-local session registry: identity -> set of live
// connections. It never closes adapter-owned transports except on rejection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.ConnID]*sessionEntry
	byUser   map[domain.UserID]map[core.ConnID]struct{}
	onChange []ChangeFunc
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.ConnID]*sessionEntry),
		byUser:   make(map[domain.UserID]map[core.ConnID]struct{}),
	}
}

// OnChange subscribes fn to connection count changes. Call before serving.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

// Register binds a verified session. A session without an identity is
// rejected with ErrAuthentication and its connection is closed.
func (r *Registry) Register(sess core.MemberSession, cancel context.CancelFunc) (core.ConnID, error) {
	id := sess.Identity()
	if id.IsZero() || !id.Role.Valid() {
		if sig := sess.Signal(); sig != nil {
			sig.Close()
		}
		return "", fmt.Errorf("register unauthenticated connection %s: %w", sess.ID(), domain.ErrAuthentication)
	}

	r.mu.Lock()
	if _, dup := r.sessions[sess.ID()]; dup {
		r.mu.Unlock()
		return "", fmt.Errorf("connection %s already registered: %w", sess.ID(), domain.ErrConflict)
	}
	r.sessions[sess.ID()] = &sessionEntry{Session: sess, Cancel: cancel}
	set, ok := r.byUser[id.ID]
	if !ok {
		set = make(map[core.ConnID]struct{})
		r.byUser[id.ID] = set
	}
	set[sess.ID()] = struct{}{}
	live := len(set)
	hooks := r.onChange
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("conn", string(sess.ID())).Str("user", string(id.ID)).Int("live", live).Msg("registered connection")
	for _, fn := range hooks {
		fn(id, live)
	}
	return sess.ID(), nil
}

// Unregister drops a connection. It is idempotent: the second call for the
// same id reports false and fires no change.
func (r *Registry) Unregister(conn core.ConnID) bool {
	r.mu.Lock()
	e, ok := r.sessions[conn]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, conn)
	id := e.Session.Identity()
	set := r.byUser[id.ID]
	delete(set, conn)
	live := len(set)
	if live == 0 {
		delete(r.byUser, id.ID)
	}
	hooks := r.onChange
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("conn", string(conn)).Str("user", string(id.ID)).Int("live", live).Msg("unregistered connection")
	for _, fn := range hooks {
		fn(id, live)
	}
	return true
}

// ConnectionsFor returns a snapshot of the live sessions of user; empty if none.
func (r *Registry) ConnectionsFor(user domain.UserID) []core.MemberSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[user]
	out := make([]core.MemberSession, 0, len(set))
	for cid := range set {
		out = append(out, r.sessions[cid].Session)
	}
	return out
}

func (r *Registry) Count(user domain.UserID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[user])
}

func (r *Registry) GetSession(conn core.ConnID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[conn]; ok {
		return e.Session, true
	}
	return nil, false
}

// Identities lists every identity with at least one live connection here.
func (r *Registry) Identities() []domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Identity, 0, len(r.byUser))
	for _, set := range r.byUser {
		for cid := range set {
			out = append(out, r.sessions[cid].Session.Identity())
			break
		}
	}
	return out
}

// Cancel stops the pumps of one connection. The adapter unregisters it on
// its way out.
func (r *Registry) Cancel(conn core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.sessions[conn]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(conn)).Msg("canceled session")
	return true
}

func (r *Registry) CancelAll() {
	r.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.Cancel != nil {
			cancels = append(cancels, e.Cancel)
		}
	}
	r.mu.RUnlock()
	for _, c := range cancels {
		c()
	}
}
