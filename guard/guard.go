// Package guard implements the protocol pause switch shared by the index
// calculator and the AMM.
package guard

import (
	"errors"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/parkeqpapa/avgx-backend-v3/auth"
)

// ErrPaused indicates the operation is blocked while the protocol is paused.
var ErrPaused = errors.New("guard: protocol paused")

// PauseView exposes read access to the pause flag.
type PauseView interface {
	IsPaused() bool
}

// Check returns ErrPaused when the view reports a paused protocol. A nil view
// never blocks.
func Check(view PauseView) error {
	if view == nil {
		return nil
	}
	if view.IsPaused() {
		return ErrPaused
	}
	return nil
}

// PauseStore persists pause flag transitions.
type PauseStore interface {
	SavePaused(paused bool) error
}

// Switch is the mutable pause flag. Transitions require the pauser role.
type Switch struct {
	mu     sync.RWMutex
	paused bool
	roles  auth.Registry
	store  PauseStore
}

// NewSwitch constructs a switch gated by the supplied registry.
func NewSwitch(roles auth.Registry) *Switch {
	return &Switch{roles: roles}
}

// WithStore wires pause flag persistence and restores the supplied state.
func (s *Switch) WithStore(store PauseStore, paused bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = store
	s.paused = paused
}

// Pause engages the switch.
func (s *Switch) Pause(caller ethcommon.Address) error {
	return s.set(caller, true)
}

// Unpause releases the switch.
func (s *Switch) Unpause(caller ethcommon.Address) error {
	return s.set(caller, false)
}

func (s *Switch) set(caller ethcommon.Address, paused bool) error {
	if s == nil {
		return errors.New("guard: switch not configured")
	}
	if err := auth.Require(s.roles, auth.RolePauser, caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.paused
	s.paused = paused
	if s.store != nil {
		if err := s.store.SavePaused(paused); err != nil {
			s.paused = prev
			return err
		}
	}
	return nil
}

// IsPaused implements PauseView.
func (s *Switch) IsPaused() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}
