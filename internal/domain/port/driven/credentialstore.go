package driven

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
)

// ErrEncryptionKeyNotSet is returned by CredentialStore operations when
// XEROSYNC_SECRET_KEY has not been configured.
var ErrEncryptionKeyNotSet = errors.New("encryption key not configured: set XEROSYNC_SECRET_KEY")

// CredentialStore defines the driven port for encrypted OAuth2 credential
// persistence. The adapter encrypts token values; this interface operates on
// plaintext at the domain boundary.
type CredentialStore interface {
	// Get returns the credential for tenantID, or (nil, nil) if none exists.
	Get(ctx context.Context, tenantID string) (*model.Credential, error)

	// Save upserts the credential keyed by its tenant and stamps updated_at.
	// The write is a single statement so a rotated refresh token is never
	// half-persisted.
	Save(ctx context.Context, cred model.Credential) error

	// Latest returns the most recently updated credential, or (nil, nil).
	Latest(ctx context.Context) (*model.Credential, error)
}
