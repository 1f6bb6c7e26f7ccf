package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// LoadToken returns the persisted session token, or nil when none is
// stored.
func (s *Store) LoadToken() (*oauth2.Token, error) {
	var (
		tok     oauth2.Token
		typ     sql.NullString
		refresh sql.NullString
		expiry  sql.NullInt64
	)
	err := s.db.QueryRowContext(context.Background(),
		"SELECT access_token, token_type, refresh_token, expiry FROM session WHERE id = 1",
	).Scan(&tok.AccessToken, &typ, &refresh, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	tok.TokenType = typ.String
	tok.RefreshToken = refresh.String
	if expiry.Valid && expiry.Int64 > 0 {
		tok.Expiry = time.Unix(expiry.Int64, 0)
	}
	return &tok, nil
}

// SaveToken replaces the persisted session token.
func (s *Store) SaveToken(tok *oauth2.Token) error {
	if tok == nil {
		return s.ClearToken()
	}
	var expiry int64
	if !tok.Expiry.IsZero() {
		expiry = tok.Expiry.Unix()
	}
	_, err := s.db.ExecContext(context.Background(), `
		INSERT OR REPLACE INTO session (id, access_token, token_type, refresh_token, expiry)
		VALUES (1, ?, ?, ?, ?)`,
		tok.AccessToken, tok.TokenType, tok.RefreshToken, expiry,
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// ClearToken forgets the persisted session.
func (s *Store) ClearToken() error {
	if _, err := s.db.ExecContext(context.Background(), "DELETE FROM session"); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return nil
}
