// internal/models/mode.go
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// GameMode selects how the content set is derived and how a match is won.
type GameMode string

const (
	// ModeFixed is the race-to-N mode: first to match N items wins.
	ModeFixed GameMode = "fixed"
	// ModeRegion restricts content to one region; the whole filtered subset must be matched.
	ModeRegion GameMode = "region"
	// ModeLives is the life-loss mode: wrong answers cost a life, last one standing wins.
	ModeLives GameMode = "lives"
)

const (
	DefaultFixedCount = 10
	DefaultLives      = 5
)

// Valid reports whether m is a known mode.
func (m GameMode) Valid() bool {
	switch m {
	case ModeFixed, ModeRegion, ModeLives:
		return true
	}
	return false
}

// ParseMode splits a compact mode string such as "fixed-10" or "region-europe" into
// its kind and parameter. A bare kind ("lives") yields an empty parameter.
func ParseMode(s string) (GameMode, string, error) {
	kind, param, _ := strings.Cut(strings.TrimSpace(strings.ToLower(s)), "-")
	m := GameMode(kind)
	if !m.Valid() {
		return "", "", fmt.Errorf("unknown game mode %q", s)
	}
	return m, param, nil
}

// IntParam parses a numeric mode parameter, returning def when empty.
func IntParam(param string, def int) (int, error) {
	if param == "" {
		return def, nil
	}
	n, err := strconv.Atoi(param)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("mode parameter must be a positive integer, got %q", param)
	}
	return n, nil
}
