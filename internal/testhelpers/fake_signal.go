// Package testhelpers holds fakes shared by the tests of several packages.
package testhelpers

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/teleconsult/internal/core"
	"github.com/dkeye/teleconsult/internal/domain"
)

// FakeSignal is an in-memory core.SignalConnection that records every frame.
type FakeSignal struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func NewFakeSignal() *FakeSignal { return &FakeSignal{} }

func (f *FakeSignal) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return core.ErrConnClosed
	}
	if f.full {
		return core.ErrBackpressure
	}
	f.frames = append(f.frames, append(core.Frame(nil), fr...))
	return nil
}

func (f *FakeSignal) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *FakeSignal) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// SetFull makes subsequent sends fail with backpressure.
func (f *FakeSignal) SetFull(full bool) {
	f.mu.Lock()
	f.full = full
	f.mu.Unlock()
}

func (f *FakeSignal) Reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

func (f *FakeSignal) Envelopes() []core.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Envelope, 0, len(f.frames))
	for _, fr := range f.frames {
		var env core.Envelope
		if err := json.Unmarshal(fr, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (f *FakeSignal) Events() []string {
	envs := f.Envelopes()
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Event
	}
	return out
}

// Last returns the data of the most recent frame carrying event.
func (f *FakeSignal) Last(event string) (json.RawMessage, bool) {
	envs := f.Envelopes()
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Event == event {
			return envs[i].Data, true
		}
	}
	return nil, false
}

// Count returns how many frames carried event.
func (f *FakeSignal) Count(event string) int {
	n := 0
	for _, e := range f.Envelopes() {
		if e.Event == event {
			n++
		}
	}
	return n
}

// Session builds a member session over a fresh FakeSignal.
func Session(conn string, id domain.UserID, role domain.Role) (core.MemberSession, *FakeSignal) {
	sig := NewFakeSignal()
	return core.NewMemberSession(core.ConnID(conn), domain.Identity{ID: id, Role: role, Name: string(id)}, sig), sig
}
