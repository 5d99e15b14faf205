// AngelaMos | 2026
// state.go

package session

import (
	"errors"

	"github.com/erisrwa/portal/internal/identity"
	"github.com/erisrwa/portal/internal/user"
)

type Phase string

const (
	PhaseUnresolved Phase = "unresolved"
	PhaseNeedsRole  Phase = "needs_role"
	PhaseResolved   Phase = "resolved"
)

// Confirmation tells consumers whether a resolved user came straight from
// the local cache or was confirmed against its source of record.
type Confirmation string

const (
	Optimistic Confirmation = "optimistic"
	Confirmed  Confirmation = "confirmed"
)

type Source string

const (
	SourceDemo     Source = "demo"
	SourceManual   Source = "manual"
	SourceExternal Source = "external"
)

var (
	ErrUnauthenticated = errors.New("no external identity is active")
	ErrRoleNotPending  = errors.New("session is not waiting for a role")
	ErrDisposed        = errors.New("session resolver disposed")
)

// State is one observable snapshot of a session. Unresolved with Loading
// false means "no user".
type State struct {
	Phase         Phase              `json:"phase"`
	Loading       bool               `json:"loading"`
	User          *user.Record       `json:"user,omitempty"`
	Confirmation  Confirmation       `json:"confirmation,omitempty"`
	Source        Source             `json:"source,omitempty"`
	Authenticated bool               `json:"authenticated"`
	Identity      *identity.Identity `json:"identity,omitempty"`
	Version       uint64             `json:"version"`
}

func (s State) NoUser() bool {
	return s.Phase == PhaseUnresolved && !s.Loading
}

func (s State) NeedsRole() bool {
	return s.Phase == PhaseNeedsRole
}

func (s State) IsResolved() bool {
	return s.Phase == PhaseResolved && s.User != nil
}

func (s State) clone() State {
	c := s
	c.User = s.User.Clone()
	if s.Identity != nil {
		id := *s.Identity
		c.Identity = &id
	}
	return c
}
