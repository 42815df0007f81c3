package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const defaultUserEmailQuery = "SELECT email FROM users WHERE id = $1"

// UserDirectory reads account emails from the user database. It is read-only;
// accounts are owned by another service.
type UserDirectory struct {
	db    *sqlx.DB
	query string
}

// NewUserDirectory connects to databaseURL. An empty query uses "SELECT email FROM users WHERE id = $1".
func NewUserDirectory(databaseURL, query string) (*UserDirectory, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to user database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewUserDirectoryFromDB(db, query), nil
}

// NewUserDirectoryFromDB wraps an existing connection.
func NewUserDirectoryFromDB(db *sqlx.DB, query string) *UserDirectory {
	if query == "" {
		query = defaultUserEmailQuery
	}
	return &UserDirectory{db: db, query: query}
}

// Email returns the email on file for userID. Unknown users and empty emails report false.
func (d *UserDirectory) Email(ctx context.Context, userID string) (string, bool, error) {
	var email sql.NullString
	err := d.db.GetContext(ctx, &email, d.query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up user %s: %w", userID, err)
	}
	if !email.Valid || email.String == "" {
		return "", false, nil
	}
	return email.String, true, nil
}

func (d *UserDirectory) Close() error {
	return d.db.Close()
}
