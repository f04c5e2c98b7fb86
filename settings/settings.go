// Package settings stores operator-managed configuration (API keys,
// provider selection, sender identities) in SQLite. Secret values are
// encrypted at rest with a key derived from the deployment's secret key,
// and are masked whenever settings are listed.
package settings

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned when a setting key does not exist.
var ErrNotFound = errors.New("setting not found")

// Setting is one operator-managed configuration entry.
type Setting struct {
	Key         string    `json:"key"`
	Category    string    `json:"category"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description"`
	Required    bool      `json:"is_required"`
	Secret      bool      `json:"is_secret"`
	Value       string    `json:"value"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Defaults is the settings schema seeded into an empty store.
func Defaults() []Setting {
	return []Setting{
		{Key: "llm_provider", Category: "llm", DisplayName: "LLM Provider",
			Description: "Language model backend (anthropic or mock)", Required: true, Value: "mock"},
		{Key: "anthropic_api_key", Category: "llm", DisplayName: "Anthropic API Key",
			Description: "API key for Anthropic Claude models", Secret: true},
		{Key: "congress_api_key", Category: "external_api", DisplayName: "Congress.gov API Key",
			Description: "API key for accessing Congress.gov data", Required: true, Secret: true},
		{Key: "newsapi_key", Category: "external_api", DisplayName: "NewsAPI Key",
			Description: "API key for NewsAPI.org", Secret: true},
		{Key: "twitter_bearer_token", Category: "external_api", DisplayName: "Twitter Bearer Token",
			Description: "Bearer token for Twitter/X API v2", Secret: true},
		{Key: "sendgrid_api_key", Category: "communication", DisplayName: "SendGrid API Key",
			Description: "API key for SendGrid email delivery", Secret: true},
		{Key: "sendgrid_from_email", Category: "communication", DisplayName: "SendGrid From Email",
			Description: "Verified sender address for campaign email"},
		{Key: "kafka_bootstrap_servers", Category: "messaging", DisplayName: "Kafka Bootstrap Servers",
			Description: "Comma-separated list of Kafka brokers"},
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key          TEXT PRIMARY KEY,
	category     TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	is_required  INTEGER NOT NULL DEFAULT 0,
	is_secret    INTEGER NOT NULL DEFAULT 0,
	value        TEXT NOT NULL DEFAULT '',
	updated_at   DATETIME NOT NULL
);
`

// Store is the SQLite-backed settings store.
type Store struct {
	db   *sql.DB
	aead cipher.AEAD
}

// NewStore opens (or creates) the store at dbPath and seeds any missing
// default settings. secretKey derives the encryption key for secret
// values; it must be stable across restarts or stored secrets become
// unreadable.
func NewStore(dbPath, secretKey string) (*Store, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("settings store requires a secret key")
	}
	key := sha256.Sum256([]byte(secretKey))
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{db: db, aead: aead}
	if err := s.seed(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) seed(ctx context.Context) error {
	for _, def := range Defaults() {
		value := def.Value
		if def.Secret && value != "" {
			var err error
			value, err = s.encrypt(value)
			if err != nil {
				return err
			}
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO settings (key, category, display_name, description, is_required, is_secret, value, updated_at)
			VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT(key) DO NOTHING`,
			def.Key, def.Category, def.DisplayName, def.Description,
			def.Required, def.Secret, value, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("seed setting %s: %w", def.Key, err)
		}
	}
	return nil
}

// Get returns a setting's decrypted value.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value, is_secret FROM settings WHERE key = ?`, key)
	var value string
	var secret bool
	err := row.Scan(&value, &secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", key, err)
	}
	if secret && value != "" {
		return s.decrypt(value)
	}
	return value, nil
}

// Set updates a setting's value, encrypting it when the setting is
// secret. Unknown keys are rejected so typos do not create orphans.
func (s *Store) Set(ctx context.Context, key, value string) error {
	row := s.db.QueryRowContext(ctx, `SELECT is_secret FROM settings WHERE key = ?`, key)
	var secret bool
	err := row.Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read setting %s: %w", key, err)
	}

	stored := value
	if secret && value != "" {
		stored, err = s.encrypt(value)
		if err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE settings SET value = ?, updated_at = ? WHERE key = ?`,
		stored, time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("update setting %s: %w", key, err)
	}
	return nil
}

// List returns every setting ordered by category then key. Secret values
// are masked; use Get for the real value.
func (s *Store) List(ctx context.Context) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, category, display_name, description, is_required, is_secret, value, updated_at
		FROM settings ORDER BY category, key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Category, &st.DisplayName, &st.Description,
			&st.Required, &st.Secret, &st.Value, &st.UpdatedAt); err != nil {
			return nil, err
		}
		if st.Secret && st.Value != "" {
			plain, err := s.decrypt(st.Value)
			if err != nil {
				return nil, err
			}
			st.Value = MaskSecret(plain)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) encrypt(plaintext string) (string, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("decode secret: ciphertext too short")
	}
	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}

// MaskSecret renders a secret for display: the first four characters
// followed by asterisks.
func MaskSecret(value string) string {
	const visible = 4
	if value == "" {
		return ""
	}
	if len(value) <= visible {
		return strings.Repeat("*", len(value))
	}
	pad := len(value) - visible
	if pad > 8 {
		pad = 8
	}
	return value[:visible] + strings.Repeat("*", pad)
}
