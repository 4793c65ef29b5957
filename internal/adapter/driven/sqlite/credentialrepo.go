package sqlite

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of the CredentialStore port interface.
// Each credential kind occupies one row; the JSON-encoded credential is encrypted
// with AES-256-GCM before write and decrypted after read.
type CredentialRepo struct {
	db  *DB
	key []byte // 32-byte AES-256 key; nil when encryption is disabled.
}

// NewCredentialRepo creates a new CredentialRepo. key must be 32 bytes for AES-256-GCM,
// or nil to disable credential storage (reads and writes return ErrEncryptionKeyNotSet).
func NewCredentialRepo(db *DB, key []byte) *CredentialRepo {
	return &CredentialRepo{db: db, key: key}
}

// Get returns the stored credential of the given kind, or (nil, nil) if absent.
func (r *CredentialRepo) Get(ctx context.Context, kind model.CredentialKind) (*model.Credential, error) {
	if r.key == nil {
		return nil, driven.ErrEncryptionKeyNotSet
	}

	const query = `SELECT value FROM credentials WHERE kind = ?`
	var encrypted string
	err := r.db.Reader.QueryRowContext(ctx, query, string(kind)).Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %q: %w", kind, err)
	}

	plaintext, err := r.decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential %q: %w", kind, err)
	}

	var cred model.Credential
	if err := json.Unmarshal([]byte(plaintext), &cred); err != nil {
		return nil, fmt.Errorf("decode credential %q: %w", kind, err)
	}
	cred.Kind = kind
	return &cred, nil
}

// Set stores or replaces the credential under cred.Kind.
func (r *CredentialRepo) Set(ctx context.Context, cred model.Credential) error {
	if !cred.Kind.Valid() {
		return fmt.Errorf("set credential: unknown kind %q", cred.Kind)
	}

	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential %q: %w", cred.Kind, err)
	}

	encrypted, err := r.encrypt(string(payload))
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO credentials (kind, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(kind) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := r.db.Writer.ExecContext(ctx, query, string(cred.Kind), encrypted); err != nil {
		return fmt.Errorf("set credential %q: %w", cred.Kind, err)
	}
	return nil
}

// Clear removes the credential of the given kind. Clearing does not need the
// encryption key, so logout works even after the key was rotated away.
func (r *CredentialRepo) Clear(ctx context.Context, kind model.CredentialKind) error {
	const query = `DELETE FROM credentials WHERE kind = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, string(kind)); err != nil {
		return fmt.Errorf("clear credential %q: %w", kind, err)
	}
	return nil
}

// ClearAll removes every stored credential.
func (r *CredentialRepo) ClearAll(ctx context.Context) error {
	if _, err := r.db.Writer.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// encrypt encrypts plaintext using AES-256-GCM and returns a base64-encoded string
// containing the nonce (12 bytes) prepended to the ciphertext.
func (r *CredentialRepo) encrypt(plaintext string) (string, error) {
	if r.key == nil {
		return "", driven.ErrEncryptionKeyNotSet
	}

	gcm, err := newGCM(r.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, producing: nonce || ciphertext || tag.
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a base64-encoded AES-256-GCM ciphertext.
func (r *CredentialRepo) decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	gcm, err := newGCM(r.key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w", err)
	}

	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}
