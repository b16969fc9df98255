package state

import (
	"fmt"
	"log/slog"
	"math/rand"
)

// codeIntN is swapped out by tests that need a deterministic code.
var codeIntN = rand.Intn

// GenerateRoomCode returns a uniform 6-digit decimal code, leading zeros
// preserved.
func GenerateRoomCode() string {
	return fmt.Sprintf("%06d", codeIntN(1000000))
}

// ValidRoomCode reports whether code is exactly six ASCII digits.
func ValidRoomCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// RoomCode returns the current admission settings. The code may be empty
// when none was ever set.
func (s *Store) RoomCode() (enabled bool, code string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomCodeEnabled, s.roomCode
}

// SetRoomCode installs a new admission code without touching the enabled
// flag. Sockets already admitted stay connected.
func (s *Store) SetRoomCode(code string) {
	s.mu.Lock()
	s.roomCode = code
	s.mu.Unlock()

	slog.Info("room code updated")
}

// SetRoomCodeEnabled flips admission on or off. Enabling with no code set
// generates one so the door never locks without a key. Returns the code in
// effect afterwards.
func (s *Store) SetRoomCodeEnabled(enabled bool) string {
	s.mu.Lock()
	s.roomCodeEnabled = enabled
	if enabled && s.roomCode == "" {
		s.roomCode = GenerateRoomCode()
	}
	code := s.roomCode
	s.mu.Unlock()

	slog.Info("room code admission toggled", "enabled", enabled)
	return code
}

// Admit decides whether a connect payload carrying the given room code may
// enter. With admission disabled, or enabled but no code configured, every
// payload is accepted.
func (s *Store) Admit(provided string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.roomCodeEnabled || s.roomCode == "" {
		return true
	}
	return provided == s.roomCode
}
