package match

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/lobby"
)

// FinishedError is returned to the losing side of a win race. It carries the winner that was
// recorded first and unwraps to lobby.ErrAlreadyFinished.
type FinishedError struct {
	Winner uuid.UUID
}

func (e *FinishedError) Error() string {
	return fmt.Sprintf("match already finished, winner %s", e.Winner)
}

func (e *FinishedError) Unwrap() error { return lobby.ErrAlreadyFinished }
