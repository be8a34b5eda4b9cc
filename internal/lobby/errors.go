// internal/lobby/errors.go
package lobby

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so transports can map it without knowing every code.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindForbidden
	KindInvalidState
	KindConflict
	KindExhausted
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidState:
		return "invalid_state"
	case KindConflict:
		return "conflict"
	case KindExhausted:
		return "exhausted"
	case KindInvalidArgument:
		return "invalid_argument"
	default:
		return "internal"
	}
}

// Error is a typed lobby/match failure. Two Errors are the same error when their codes match.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrLobbyNotFound       = &Error{KindNotFound, "lobby_not_found", "lobby not found"}
	ErrParticipantNotFound = &Error{KindNotFound, "participant_not_found", "participant not found"}

	ErrForbidden     = &Error{KindForbidden, "forbidden", "only the lobby owner may do that"}
	ErrNotAuthorized = &Error{KindForbidden, "not_authorized", "user is not a participant of this lobby"}

	ErrNotEnoughPlayers   = &Error{KindInvalidState, "not_enough_players", "at least two active participants are required"}
	ErrAlreadyStarted     = &Error{KindInvalidState, "already_started", "lobby has already left the waiting state"}
	ErrNotActive          = &Error{KindInvalidState, "not_active", "lobby or participant is not active"}
	ErrIncompleteProgress = &Error{KindInvalidState, "incomplete_progress", "required progress has not been reached"}

	// ErrAlreadyFinished is what the loser of a win race sees. Transports should present it
	// as "opponent won", not as a fault.
	ErrAlreadyFinished = &Error{KindConflict, "already_finished", "match already finished"}
	ErrCodeTaken       = &Error{KindConflict, "code_taken", "room code already in use"}

	ErrCodeGenerationExhausted = &Error{KindExhausted, "code_generation_exhausted", "could not allocate a free room code"}

	ErrInvalidMode = &Error{KindInvalidArgument, "invalid_mode", "invalid game mode"}
)

// KindOf returns the Kind of err, or KindInternal for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of err, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// withDetail wraps a sentinel with extra context while keeping errors.Is/KindOf intact.
func withDetail(base *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", base, fmt.Sprintf(format, args...))
}
