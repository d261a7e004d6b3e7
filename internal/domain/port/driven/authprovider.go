package driven

import (
	"context"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
)

// AuthProvider is the OAuth2 authorization server. Returned credentials carry
// no tenant; the caller binds them.
type AuthProvider interface {
	// AuthCodeURL returns the consent URL for the authorization-code flow.
	AuthCodeURL(state string) string

	// Exchange trades an authorization code for a token pair.
	Exchange(ctx context.Context, code string) (model.Credential, error)

	// Refresh trades a refresh token for a new token pair. A rejected
	// refresh token is reported as ErrAuthExpired.
	Refresh(ctx context.Context, refreshToken string) (model.Credential, error)

	// Tenants lists the tenant ids the access token is connected to.
	Tenants(ctx context.Context, accessToken string) ([]string, error)
}
