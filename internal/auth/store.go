package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// TokenPrefix starts every issued secret.
const TokenPrefix = "cdt_"

// idLength is the number of hash characters used as a token's public id.
const idLength = 12

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrInvalidToken  = errors.New("invalid token format")
)

// Store persists tokens in SQLite. Only a SHA-256 of each secret is kept;
// the first idLength hex characters of it double as the public id.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) dataDir/auth.db.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "auth.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tokens (
		hash TEXT PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		scope TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_used_at DATETIME,
		expires_at DATETIME
	);
	`)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// CreateToken issues a token. A zero ttl never expires; a negative one
// yields a token that is already expired. The returned secret
// is shown once and cannot be recovered.
func (s *Store) CreateToken(name, scope string, ttl time.Duration) (*Token, string, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}
	secret := TokenPrefix + hex.EncodeToString(raw)
	hash := hashSecret(secret)

	token := &Token{
		ID:        hash[:idLength],
		Name:      name,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
	}
	if ttl != 0 {
		expires := token.CreatedAt.Add(ttl)
		token.ExpiresAt = &expires
	}

	_, err := s.db.Exec(
		`INSERT INTO tokens (hash, id, name, scope, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		hash, token.ID, token.Name, token.Scope, token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert token: %w", err)
	}
	return token, secret, nil
}

// ValidateToken resolves a presented secret and records its use.
func (s *Store) ValidateToken(secret string) (*Token, error) {
	if !strings.HasPrefix(secret, TokenPrefix) || len(secret) == len(TokenPrefix) {
		return nil, ErrInvalidToken
	}
	hash := hashSecret(secret)

	token, err := s.scanOne(`SELECT id, name, scope, created_at, last_used_at, expires_at FROM tokens WHERE hash = ?`, hash)
	if err != nil {
		return nil, err
	}
	if token.ExpiresAt != nil && time.Now().After(*token.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	if _, err := s.db.Exec(`UPDATE tokens SET last_used_at = ? WHERE hash = ?`, time.Now().UTC(), hash); err != nil {
		return nil, fmt.Errorf("failed to record token use: %w", err)
	}
	return token, nil
}

// GetToken returns a token by public id, expired or not.
func (s *Store) GetToken(id string) (*Token, error) {
	return s.scanOne(`SELECT id, name, scope, created_at, last_used_at, expires_at FROM tokens WHERE id = ?`, id)
}

// ListTokens returns all tokens, newest first.
func (s *Store) ListTokens() ([]*Token, error) {
	rows, err := s.db.Query(
		`SELECT id, name, scope, created_at, last_used_at, expires_at FROM tokens ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// RevokeToken deletes a token by public id.
func (s *Store) RevokeToken(id string) error {
	result, err := s.db.Exec(`DELETE FROM tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (s *Store) scanOne(query string, arg any) (*Token, error) {
	token, err := scanToken(s.db.QueryRow(query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query token: %w", err)
	}
	return token, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (*Token, error) {
	var token Token
	var lastUsedAt, expiresAt sql.NullTime
	if err := row.Scan(&token.ID, &token.Name, &token.Scope, &token.CreatedAt, &lastUsedAt, &expiresAt); err != nil {
		return nil, err
	}
	if lastUsedAt.Valid {
		token.LastUsedAt = &lastUsedAt.Time
	}
	if expiresAt.Valid {
		token.ExpiresAt = &expiresAt.Time
	}
	return &token, nil
}
