package rpc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

var (
	// ErrUsernameTaken is returned when signing up with an existing username.
	ErrUsernameTaken = errors.New("rpc: username taken")
	// ErrBadCredentials is returned on any login failure. The caller never
	// learns whether the username, the password or the key was wrong.
	ErrBadCredentials = errors.New("rpc: bad credentials")
	// ErrUserNotFound is returned for unknown user ids.
	ErrUserNotFound = errors.New("rpc: user not found")
	// ErrAPIKeyNotFound is returned when revoking an unknown key.
	ErrAPIKeyNotFound = errors.New("rpc: api key not found")
)

const apiKeyPrefix = "gmk_"

// User is one API account. The wallet string keys the user's ledger account.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Wallet    string    `json:"wallet"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is the stored view of an issued key. The plaintext is shown exactly
// once, at mint time; only its digest persists.
type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// UserStore persists API users and their keys in SQLite. Passwords are bcrypt
// hashes; sessions are stateless tokens so no session table exists.
type UserStore struct {
	db *sql.DB
}

// NewUserStore opens (and initialises) the user database at path. ":memory:"
// is accepted for tests.
func NewUserStore(path string) (*UserStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("rpc: open user store: %w", err)
	}
	store := &UserStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *UserStore) init() error {
	const schema = `CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY,
        username TEXT NOT NULL UNIQUE,
        password_hash TEXT NOT NULL,
        wallet TEXT NOT NULL,
        created_at TIMESTAMP NOT NULL
    );
    CREATE TABLE IF NOT EXISTS api_keys (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL REFERENCES users(id),
        key_hash TEXT NOT NULL UNIQUE,
        created_at TIMESTAMP NOT NULL
    );`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("rpc: init user store: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *UserStore) Close() error {
	return s.db.Close()
}

// Create registers a new user. The wallet identifier is derived from the user
// id so the ledger account is stable across sessions.
func (s *UserStore) Create(ctx context.Context, username, password string) (*User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if len(username) < 3 {
		return nil, fmt.Errorf("rpc: username must be at least 3 characters")
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("rpc: password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("rpc: hash password: %w", err)
	}
	user := &User{
		ID:        uuid.NewString(),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
	user.Wallet = "user:" + user.ID

	const stmt = `INSERT INTO users(id, username, password_hash, wallet, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		user.ID, user.Username, string(hash), user.Wallet, user.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("rpc: insert user: %w", err)
	}
	return user, nil
}

// Authenticate verifies a username/password pair and returns the user.
func (s *UserStore) Authenticate(ctx context.Context, username, password string) (*User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	const query = `SELECT id, username, password_hash, wallet, created_at FROM users WHERE username = ?`
	row := s.db.QueryRowContext(ctx, query, username)
	var (
		user       User
		storedHash string
	)
	if err := row.Scan(&user.ID, &user.Username, &storedHash, &user.Wallet, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBadCredentials
		}
		return nil, fmt.Errorf("rpc: query user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}
	return &user, nil
}

// Get returns the user with the given id.
func (s *UserStore) Get(ctx context.Context, id string) (*User, error) {
	const query = `SELECT id, username, wallet, created_at FROM users WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.Wallet, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("rpc: query user: %w", err)
	}
	return &user, nil
}

// CreateAPIKey mints a key for the user and returns the plaintext alongside
// the stored record. Keys are random, so a single unsalted digest suffices.
func (s *UserStore) CreateAPIKey(ctx context.Context, userID string) (string, *APIKey, error) {
	if _, err := s.Get(ctx, userID); err != nil {
		return "", nil, err
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("rpc: generate api key: %w", err)
	}
	plaintext := apiKeyPrefix + hex.EncodeToString(raw)
	key := &APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	const stmt = `INSERT INTO api_keys(id, user_id, key_hash, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, key.ID, key.UserID, hashAPIKey(plaintext), key.CreatedAt); err != nil {
		return "", nil, fmt.Errorf("rpc: insert api key: %w", err)
	}
	return plaintext, key, nil
}

// AuthenticateKey resolves an API key to its user.
func (s *UserStore) AuthenticateKey(ctx context.Context, key string) (*User, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrBadCredentials
	}
	const query = `SELECT u.id, u.username, u.wallet, u.created_at
        FROM api_keys k JOIN users u ON u.id = k.user_id
        WHERE k.key_hash = ?`
	row := s.db.QueryRowContext(ctx, query, hashAPIKey(key))
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.Wallet, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBadCredentials
		}
		return nil, fmt.Errorf("rpc: query api key: %w", err)
	}
	return &user, nil
}

// ListAPIKeys returns the user's keys, oldest first.
func (s *UserStore) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	const query = `SELECT id, user_id, created_at FROM api_keys WHERE user_id = ? ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("rpc: query api keys: %w", err)
	}
	defer rows.Close()
	var keys []APIKey
	for rows.Next() {
		var key APIKey
		if err := rows.Scan(&key.ID, &key.UserID, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("rpc: scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey deletes a key by id. Logins with the key fail from the next
// request on; sessions it already minted run out on their own.
func (s *UserStore) RevokeAPIKey(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("rpc: delete api key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rpc: delete api key: %w", err)
	}
	if affected == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
