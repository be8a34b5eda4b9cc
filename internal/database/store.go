package database

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/quizduel/internal/lobby"
	"github.com/jason-s-yu/quizduel/internal/models"
)

const activeCodeIndex = "lobbies_active_code_idx"

const lobbyColumns = `id, code, owner_user_id, status, mode, mode_param, required_count,
	started_at, winner_user_id, finished_at, revision, created_at, updated_at`

const participantColumns = `lobby_id, user_id, display_name, lives, progress, status, joined_at, updated_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore is the Postgres-backed lobby.Store. Status transitions are single conditional
// UPDATE statements; participant mutations lock the parent lobby row first so that
// revision bumps are applied in commit order.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func scanLobby(row pgx.Row) (*models.Lobby, error) {
	var l models.Lobby
	err := row.Scan(
		&l.ID, &l.Code, &l.OwnerUserID, &l.Status, &l.Mode, &l.ModeParam, &l.RequiredCount,
		&l.StartedAt, &l.WinnerUserID, &l.FinishedAt, &l.Revision, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lobby.ErrLobbyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	err := row.Scan(&p.LobbyID, &p.UserID, &p.DisplayName, &p.Lives, &p.Progress, &p.Status, &p.JoinedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lobby.ErrParticipantNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Progress == nil {
		p.Progress = []string{}
	}
	return &p, nil
}

func bumpRevision(ctx context.Context, q querier, lobbyID uuid.UUID) error {
	_, err := q.Exec(ctx, `UPDATE lobbies SET revision = revision + 1, updated_at = now() WHERE id = $1`, lobbyID)
	return err
}

// lockLobby takes the row lock on a lobby and returns its status.
func lockLobby(ctx context.Context, q querier, lobbyID uuid.UUID) (models.LobbyStatus, error) {
	var status models.LobbyStatus
	err := q.QueryRow(ctx, `SELECT status FROM lobbies WHERE id = $1 FOR UPDATE`, lobbyID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", lobby.ErrLobbyNotFound
	}
	return status, err
}

// lockActive locks the lobby and participant rows for a started-lobby mutation.
func lockActive(ctx context.Context, q querier, lobbyID, userID uuid.UUID) (*models.Participant, error) {
	status, err := lockLobby(ctx, q, lobbyID)
	if err != nil {
		return nil, err
	}
	p, err := scanParticipant(q.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM lobby_participants WHERE lobby_id = $1 AND user_id = $2 FOR UPDATE`,
		lobbyID, userID))
	if errors.Is(err, lobby.ErrParticipantNotFound) {
		return nil, lobby.ErrNotAuthorized
	}
	if err != nil {
		return nil, err
	}
	if status != models.StatusStarted || p.Status != models.ParticipantActive {
		return nil, lobby.ErrNotActive
	}
	return p, nil
}

func (s *PGStore) CreateLobby(ctx context.Context, l *models.Lobby, owner *models.Participant) error {
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO lobbies (id, code, owner_user_id, status, mode, mode_param, required_count, revision)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			RETURNING revision, created_at, updated_at`,
			l.ID, l.Code, l.OwnerUserID, l.Status, l.Mode, l.ModeParam, l.RequiredCount,
		).Scan(&l.Revision, &l.CreatedAt, &l.UpdatedAt)
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO lobby_participants (lobby_id, user_id, display_name, lives, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING joined_at, updated_at`,
			owner.LobbyID, owner.UserID, owner.DisplayName, owner.Lives, owner.Status,
		).Scan(&owner.JoinedAt, &owner.UpdatedAt)
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeCodeIndex {
		return lobby.ErrCodeTaken
	}
	if err != nil {
		return fmt.Errorf("insert lobby: %w", err)
	}
	if owner.Progress == nil {
		owner.Progress = []string{}
	}
	return nil
}

func (s *PGStore) GetLobby(ctx context.Context, id uuid.UUID) (*models.Lobby, error) {
	return scanLobby(s.db.QueryRow(ctx, `SELECT `+lobbyColumns+` FROM lobbies WHERE id = $1`, id))
}

func (s *PGStore) GetLobbyByCode(ctx context.Context, code string) (*models.Lobby, error) {
	return scanLobby(s.db.QueryRow(ctx,
		`SELECT `+lobbyColumns+` FROM lobbies WHERE code = $1 AND status <> 'finished'`, code))
}

func (s *PGStore) GetParticipant(ctx context.Context, lobbyID, userID uuid.UUID) (*models.Participant, error) {
	p, err := scanParticipant(s.db.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM lobby_participants WHERE lobby_id = $1 AND user_id = $2`,
		lobbyID, userID))
	if errors.Is(err, lobby.ErrParticipantNotFound) {
		if exists, eerr := s.lobbyExists(ctx, lobbyID); eerr != nil {
			return nil, eerr
		} else if !exists {
			return nil, lobby.ErrLobbyNotFound
		}
	}
	return p, err
}

func (s *PGStore) lobbyExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lobbies WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func listParticipants(ctx context.Context, q querier, lobbyID uuid.UUID) ([]models.Participant, error) {
	rows, err := q.Query(ctx,
		`SELECT `+participantColumns+` FROM lobby_participants WHERE lobby_id = $1 ORDER BY joined_at, user_id`,
		lobbyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PGStore) ListParticipants(ctx context.Context, lobbyID uuid.UUID) ([]models.Participant, error) {
	exists, err := s.lobbyExists(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, lobby.ErrLobbyNotFound
	}
	return listParticipants(ctx, s.db, lobbyID)
}

func (s *PGStore) AddParticipant(ctx context.Context, p *models.Participant) (bool, error) {
	added := false
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		status, err := lockLobby(ctx, tx, p.LobbyID)
		if err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM lobby_participants WHERE lobby_id = $1 AND user_id = $2)`,
			p.LobbyID, p.UserID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return nil
		}
		if status != models.StatusWaiting {
			return lobby.ErrAlreadyStarted
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO lobby_participants (lobby_id, user_id, display_name, lives, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING joined_at, updated_at`,
			p.LobbyID, p.UserID, p.DisplayName, p.Lives, p.Status,
		).Scan(&p.JoinedAt, &p.UpdatedAt); err != nil {
			return err
		}
		added = true
		return bumpRevision(ctx, tx, p.LobbyID)
	})
	if err != nil {
		return false, err
	}
	if p.Progress == nil {
		p.Progress = []string{}
	}
	return added, nil
}

func (s *PGStore) RemoveParticipant(ctx context.Context, lobbyID, userID uuid.UUID) (bool, error) {
	removed := false
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		status, err := lockLobby(ctx, tx, lobbyID)
		if err != nil {
			return err
		}
		if status == models.StatusFinished {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM lobby_participants WHERE lobby_id = $1 AND user_id = $2)`,
				lobbyID, userID).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return lobby.ErrAlreadyFinished
			}
			return nil
		}
		tag, err := tx.Exec(ctx, `DELETE FROM lobby_participants WHERE lobby_id = $1 AND user_id = $2`, lobbyID, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		removed = true
		// hand the lobby to the earliest remaining joiner if the owner left
		if _, err := tx.Exec(ctx, `
			UPDATE lobbies
			   SET owner_user_id = (SELECT user_id FROM lobby_participants
			                         WHERE lobby_id = $1 ORDER BY joined_at, user_id LIMIT 1)
			 WHERE id = $1
			   AND owner_user_id = $2
			   AND EXISTS (SELECT 1 FROM lobby_participants WHERE lobby_id = $1)`,
			lobbyID, userID); err != nil {
			return err
		}
		return bumpRevision(ctx, tx, lobbyID)
	})
	return removed, err
}

func (s *PGStore) MarkStarted(ctx context.Context, lobbyID uuid.UUID, at time.Time, minPlayers int) (*models.Lobby, error) {
	l, err := scanLobby(s.db.QueryRow(ctx, `
		UPDATE lobbies
		   SET status = 'started', started_at = $2, revision = revision + 1, updated_at = now()
		 WHERE id = $1
		   AND status = 'waiting'
		   AND (SELECT count(*) FROM lobby_participants WHERE lobby_id = $1 AND status = 'active') >= $3
		RETURNING `+lobbyColumns,
		lobbyID, at, minPlayers))
	if !errors.Is(err, lobby.ErrLobbyNotFound) {
		return l, err
	}

	// the guard failed; work out which condition did
	cur, err := s.GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusWaiting {
		return nil, lobby.ErrAlreadyStarted
	}
	return nil, lobby.ErrNotEnoughPlayers
}

func (s *PGStore) MarkFinished(ctx context.Context, lobbyID uuid.UUID, winner *uuid.UUID, at time.Time) (*models.Lobby, error) {
	l, err := scanLobby(s.db.QueryRow(ctx, `
		UPDATE lobbies
		   SET status = 'finished', winner_user_id = $2, finished_at = $3, revision = revision + 1, updated_at = now()
		 WHERE id = $1 AND status = 'started'
		   AND ($2::uuid IS NULL OR EXISTS (
		        SELECT 1 FROM lobby_participants
		         WHERE lobby_id = $1 AND user_id = $2 AND status = 'active'))
		RETURNING `+lobbyColumns,
		lobbyID, winner, at))
	if !errors.Is(err, lobby.ErrLobbyNotFound) {
		return l, err
	}

	// the guard failed; a finished lobby wins over an inactive winner
	cur, err := s.GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.StatusFinished {
		return nil, lobby.ErrAlreadyFinished
	}
	return nil, lobby.ErrNotActive
}

func (s *PGStore) AppendProgress(ctx context.Context, lobbyID, userID uuid.UUID, itemID string) (*models.Participant, bool, error) {
	var out *models.Participant
	appended := false
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		p, err := lockActive(ctx, tx, lobbyID, userID)
		if err != nil {
			return err
		}
		if slices.Contains(p.Progress, itemID) {
			out = p
			return nil
		}
		out, err = scanParticipant(tx.QueryRow(ctx, `
			UPDATE lobby_participants
			   SET progress = array_append(progress, $3), updated_at = now()
			 WHERE lobby_id = $1 AND user_id = $2
			RETURNING `+participantColumns,
			lobbyID, userID, itemID))
		if err != nil {
			return err
		}
		appended = true
		return bumpRevision(ctx, tx, lobbyID)
	})
	if err != nil {
		return nil, false, err
	}
	return out, appended, nil
}

func (s *PGStore) LoseLife(ctx context.Context, lobbyID, userID uuid.UUID, at time.Time) (lobby.LifeLoss, error) {
	var loss lobby.LifeLoss
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		p, err := lockActive(ctx, tx, lobbyID, userID)
		if err != nil {
			return err
		}
		if p.Lives == nil {
			return fmt.Errorf("%w: lobby %s does not track lives", lobby.ErrInvalidMode, lobbyID)
		}
		loss.Participant, err = scanParticipant(tx.QueryRow(ctx, `
			UPDATE lobby_participants
			   SET lives = GREATEST(lives - 1, 0),
			       status = CASE WHEN lives - 1 <= 0 THEN 'eliminated' ELSE status END,
			       updated_at = now()
			 WHERE lobby_id = $1 AND user_id = $2
			RETURNING `+participantColumns,
			lobbyID, userID))
		if err != nil {
			return err
		}
		if err := bumpRevision(ctx, tx, lobbyID); err != nil {
			return err
		}
		if loss.Participant.Status != models.ParticipantEliminated {
			return nil
		}

		// the lobby row lock is held, so the active set cannot change under us
		active, err := activeUsers(ctx, tx, lobbyID)
		if err != nil {
			return err
		}
		if len(active) >= lobby.MinPlayers {
			return nil
		}
		var winner *uuid.UUID
		if len(active) == 1 {
			winner = &active[0]
		}
		loss.Finished, err = scanLobby(tx.QueryRow(ctx, `
			UPDATE lobbies
			   SET status = 'finished', winner_user_id = $2, finished_at = $3, revision = revision + 1, updated_at = now()
			 WHERE id = $1 AND status = 'started'
			RETURNING `+lobbyColumns,
			lobbyID, winner, at))
		return err
	})
	if err != nil {
		return lobby.LifeLoss{}, err
	}
	return loss, nil
}

func activeUsers(ctx context.Context, q querier, lobbyID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.Query(ctx,
		`SELECT user_id FROM lobby_participants WHERE lobby_id = $1 AND status = 'active' ORDER BY joined_at, user_id`,
		lobbyID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// Snapshot reads the lobby and participants inside one repeatable-read transaction.
func (s *PGStore) Snapshot(ctx context.Context, lobbyID uuid.UUID) (models.Snapshot, error) {
	var snap models.Snapshot
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		l, err := scanLobby(tx.QueryRow(ctx, `SELECT `+lobbyColumns+` FROM lobbies WHERE id = $1`, lobbyID))
		if err != nil {
			return err
		}
		parts, err := listParticipants(ctx, tx, lobbyID)
		if err != nil {
			return err
		}
		snap = models.Snapshot{Lobby: *l, Participants: parts, Revision: l.Revision}
		return nil
	})
	return snap, err
}

var _ lobby.Store = (*PGStore)(nil)
