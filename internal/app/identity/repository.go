package identity

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username already exists")
)

type CrewAccount struct {
	ID           string
	Username     string
	PasswordHash string
}

type Repository interface {
	EnsureSchema(ctx context.Context) error
	CreateAccount(ctx context.Context, account CrewAccount) error
	FindAccountByUsername(ctx context.Context, username string) (CrewAccount, error)
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createCrewAccountsSQL = `
CREATE TABLE IF NOT EXISTS crew_accounts (
  id text PRIMARY KEY,
  username text NOT NULL UNIQUE,
  password_hash text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
)`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createCrewAccountsSQL)
	return err
}

func (r *PostgresRepository) CreateAccount(ctx context.Context, account CrewAccount) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO crew_accounts (id, username, password_hash) VALUES ($1, $2, $3)`,
		account.ID, account.Username, account.PasswordHash,
	)
	if isUniqueViolation(err) {
		return ErrUsernameTaken
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *PostgresRepository) FindAccountByUsername(ctx context.Context, username string) (CrewAccount, error) {
	var a CrewAccount
	err := r.Pool.QueryRow(ctx,
		`SELECT id, username, password_hash FROM crew_accounts WHERE username = $1`,
		username,
	).Scan(&a.ID, &a.Username, &a.PasswordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CrewAccount{}, ErrNotFound
		}
		return CrewAccount{}, err
	}
	return a, nil
}
