// Package domain contains entities without transport, just meta-data and the rules that keep it consistent
package domain

import (
	"errors"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 64
)

var (
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrUsernameTooLong = errors.New("username too long")
	ErrUnknownRole     = errors.New("unknown role")
)

type UserID string

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor
}

// Identity is the verified principal behind a connection or a REST call.
// It is created once by the auth gateway and never mutated afterwards.
type Identity struct {
	ID   UserID `json:"id"`
	Role Role   `json:"role"`
	Name string `json:"name,omitempty"`
}

// NewIdentity is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewIdentity(id string, role Role, name string) (Identity, error) {
	if len(id) == 0 {
		return Identity{}, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return Identity{}, ErrUserIDTooLong
	}
	if !role.Valid() {
		return Identity{}, ErrUnknownRole
	}
	if len(name) > MaxUsernameLen {
		return Identity{}, ErrUsernameTooLong
	}
	return Identity{ID: UserID(id), Role: role, Name: name}, nil
}

func (i Identity) IsZero() bool { return i.ID == "" }

func (i Identity) IsDoctor() bool  { return i.Role == RoleDoctor }
func (i Identity) IsPatient() bool { return i.Role == RolePatient }
