package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrNotFound is returned for unknown user ids.
var ErrNotFound = errors.New("user not found")

// PostgresDirectory resolves profiles from the shared user database.
type PostgresDirectory struct {
	db *sqlx.DB
}

// OpenPostgres connects to the user-profile database.
func OpenPostgres(dsn string) (*PostgresDirectory, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to user database: %w", err)
	}
	return &PostgresDirectory{db: db}, nil
}

func (d *PostgresDirectory) Lookup(ctx context.Context, userID int64) (*Profile, error) {
	var p Profile
	err := d.db.GetContext(ctx, &p,
		`SELECT id, first_name, last_name, avatar FROM users WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %d: %w", userID, err)
	}
	return &p, nil
}

func (d *PostgresDirectory) Close() error {
	return d.db.Close()
}
