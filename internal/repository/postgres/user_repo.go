package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vedran77/courtside/internal/domain"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	query := `
		SELECT id, username, display_name, avatar_url, created_at
		FROM users WHERE id = $1`
	var u domain.User
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &u, nil
}

func (r *UserRepo) ListRecipientIDs(ctx context.Context, filter domain.RecipientFilter) ([]uuid.UUID, error) {
	var rows pgx.Rows
	var err error

	switch filter.Kind {
	case domain.RecipientsAll:
		rows, err = r.pool.Query(ctx, `SELECT id FROM users ORDER BY id`)
	case domain.RecipientsGroup:
		if filter.GroupID == nil {
			return nil, errors.New("group filter without group id")
		}
		rows, err = r.pool.Query(ctx, `
			SELECT user_id FROM group_members
			WHERE group_id = $1
			ORDER BY user_id`, *filter.GroupID)
	default:
		return nil, fmt.Errorf("unknown recipient filter %q", filter.Kind)
	}
	if err != nil {
		return nil, classify(err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, classify(err)
	}
	return ids, nil
}
