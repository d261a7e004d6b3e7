package sqlstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
	"github.com/ericfisherdev/xerosync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo stores one OAuth2 credential per tenant. Access and refresh
// tokens are encrypted with AES-256-GCM before write and decrypted after read.
type CredentialRepo struct {
	db  *DB
	key []byte // 32-byte AES-256 key; nil disables the store.
	now func() time.Time
}

// NewCredentialRepo creates a CredentialRepo. key must be 32 bytes, or nil,
// in which case every operation returns ErrEncryptionKeyNotSet.
func NewCredentialRepo(db *DB, key []byte) *CredentialRepo {
	return &CredentialRepo{db: db, key: key, now: time.Now}
}

type credentialRow struct {
	TenantID     string `db:"tenant_id"`
	AccessToken  string `db:"access_token"`
	RefreshToken string `db:"refresh_token"`
	TokenType    string `db:"token_type"`
	Scope        string `db:"scope"`
	ExpiresAt    dbTime `db:"expires_at"`
	CreatedAt    dbTime `db:"created_at"`
	UpdatedAt    dbTime `db:"updated_at"`
}

// Save upserts the credential for its tenant in a single statement.
func (r *CredentialRepo) Save(ctx context.Context, cred model.Credential) error {
	if cred.TenantID == "" {
		return errors.New("save credential: tenant id is required")
	}

	access, err := r.encrypt(cred.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := r.encrypt(cred.RefreshToken)
	if err != nil {
		return err
	}

	tokenType := cred.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	now := newDBTime(r.now())

	const query = `INSERT INTO oauth_tokens
		(tenant_id, access_token, refresh_token, token_type, scope, expires_at, created_at, updated_at)
		VALUES (:tenant_id, :access_token, :refresh_token, :token_type, :scope, :expires_at, :created_at, :updated_at)
		ON CONFLICT (tenant_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			scope = excluded.scope,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`

	row := credentialRow{
		TenantID:     cred.TenantID,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    tokenType,
		Scope:        cred.Scope,
		ExpiresAt:    newDBTime(cred.Expiry),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := r.db.Writer.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save credential for tenant %q: %w", cred.TenantID, err)
	}
	return nil
}

// Get returns the credential for tenantID, or (nil, nil) if none is stored.
func (r *CredentialRepo) Get(ctx context.Context, tenantID string) (*model.Credential, error) {
	if r.key == nil {
		return nil, driven.ErrEncryptionKeyNotSet
	}

	query := r.db.Reader.Rebind(`SELECT tenant_id, access_token, refresh_token, token_type, scope, expires_at, created_at, updated_at
		FROM oauth_tokens WHERE tenant_id = ?`)
	return r.queryOne(ctx, query, tenantID)
}

// Latest returns the most recently updated credential, or (nil, nil).
func (r *CredentialRepo) Latest(ctx context.Context) (*model.Credential, error) {
	if r.key == nil {
		return nil, driven.ErrEncryptionKeyNotSet
	}

	const query = `SELECT tenant_id, access_token, refresh_token, token_type, scope, expires_at, created_at, updated_at
		FROM oauth_tokens ORDER BY updated_at DESC LIMIT 1`
	return r.queryOne(ctx, query)
}

func (r *CredentialRepo) queryOne(ctx context.Context, query string, args ...any) (*model.Credential, error) {
	var row credentialRow
	err := r.db.Reader.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}

	access, err := r.decrypt(row.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token for tenant %q: %w", row.TenantID, err)
	}
	refresh, err := r.decrypt(row.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token for tenant %q: %w", row.TenantID, err)
	}

	return &model.Credential{
		TenantID:     row.TenantID,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    row.TokenType,
		Scope:        row.Scope,
		Expiry:       row.ExpiresAt.Time,
		UpdatedAt:    row.UpdatedAt.Time,
	}, nil
}

// encrypt returns base64(nonce || ciphertext || tag).
func (r *CredentialRepo) encrypt(plaintext string) (string, error) {
	if r.key == nil {
		return "", driven.ErrEncryptionKeyNotSet
	}

	gcm, err := r.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (r *CredentialRepo) decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	gcm, err := r.gcm()
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

func (r *CredentialRepo) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}
