// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"regexp"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// PlayerID identifies a student record in the remote ledger.
// Supabase rows use UUIDs, the offline ledger accepts short slugs as well.
type PlayerID string

var playerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]{0,63}$`)

// IsValid checks the identifier format.
func (p PlayerID) IsValid() bool {
	return playerIDRegex.MatchString(string(p))
}

// IsEmpty checks if the ID is empty.
func (p PlayerID) IsEmpty() bool {
	return p == ""
}

// String returns the string representation.
func (p PlayerID) String() string {
	return string(p)
}

// NewPlayerID creates a PlayerID with validation.
func NewPlayerID(id string) (PlayerID, error) {
	pid := PlayerID(strings.TrimSpace(id))
	if !pid.IsValid() {
		return "", ErrInvalidPlayerID
	}
	return pid, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Grant Source
// ═══════════════════════════════════════════════════════════════════════════

// GrantSource tags where an XP grant came from. It is stored with the audit trail.
type GrantSource string

const (
	SourceGameplay   GrantSource = "gameplay"
	SourcePuzzle     GrantSource = "puzzle"
	SourceQuiz       GrantSource = "quiz"
	SourceQuest      GrantSource = "quest"
	SourceDailyLogin GrantSource = "daily_login"
	SourceAdmin      GrantSource = "admin"
)

var knownSources = map[GrantSource]struct{}{
	SourceGameplay:   {},
	SourcePuzzle:     {},
	SourceQuiz:       {},
	SourceQuest:      {},
	SourceDailyLogin: {},
	SourceAdmin:      {},
}

// IsValid reports whether the source is one of the known tags.
func (s GrantSource) IsValid() bool {
	_, ok := knownSources[s]
	return ok
}

// String returns the string representation.
func (s GrantSource) String() string {
	return string(s)
}

// ParseGrantSource normalizes a raw tag. Empty input maps to SourceGameplay.
func ParseGrantSource(raw string) (GrantSource, error) {
	s := GrantSource(strings.ToLower(strings.TrimSpace(raw)))
	if s == "" {
		return SourceGameplay, nil
	}
	if !s.IsValid() {
		return "", ErrInvalidSource
	}
	return s, nil
}
