// Package application contains use-case orchestration services.
package application

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
	"github.com/ericfisherdev/xerosync/internal/domain/port/driven"
)

// DefaultTokenMargin is how long a returned access token must stay valid.
const DefaultTokenMargin = 60 * time.Second

// refreshTimeout bounds one refresh round trip plus persistence.
const refreshTimeout = 30 * time.Second

// TokenService hands out access tokens that stay valid for at least the
// configured margin. Refreshes are single-flight per tenant: concurrent
// callers wait for the in-flight refresh instead of spending the refresh
// token twice.
type TokenService struct {
	store  driven.CredentialStore
	auth   driven.AuthProvider
	margin time.Duration
	now    func() time.Time
	group  singleflight.Group
}

// NewTokenService creates a TokenService. A non-positive margin selects
// DefaultTokenMargin.
func NewTokenService(store driven.CredentialStore, auth driven.AuthProvider, margin time.Duration) *TokenService {
	if margin <= 0 {
		margin = DefaultTokenMargin
	}
	return &TokenService{
		store:  store,
		auth:   auth,
		margin: margin,
		now:    time.Now,
	}
}

// GetValidToken returns the tenant's credential, refreshing it first when it
// would expire within the margin. A rejected refresh token surfaces as
// driven.ErrAuthExpired.
func (s *TokenService) GetValidToken(ctx context.Context, tenantID string) (model.Credential, error) {
	cred, err := s.load(ctx, tenantID)
	if err != nil {
		return model.Credential{}, err
	}
	if cred.ValidFor(s.margin, s.now()) {
		return cred, nil
	}
	return s.refresh(ctx, tenantID, cred.AccessToken)
}

// ForceRefresh rotates the tenant's token after the source rejected
// staleAccessToken. If another caller already rotated it, the stored
// credential is returned without a second refresh.
func (s *TokenService) ForceRefresh(ctx context.Context, tenantID, staleAccessToken string) (model.Credential, error) {
	return s.refresh(ctx, tenantID, staleAccessToken)
}

func (s *TokenService) refresh(ctx context.Context, tenantID, staleAccessToken string) (model.Credential, error) {
	ch := s.group.DoChan(tenantID, func() (any, error) {
		// Once the provider rotates the refresh token the old one is dead, so
		// persistence must finish even if the triggering caller goes away.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		current, err := s.load(rctx, tenantID)
		if err != nil {
			return nil, err
		}
		if current.AccessToken != staleAccessToken && current.ValidFor(s.margin, s.now()) {
			return current, nil
		}

		fresh, err := s.auth.Refresh(rctx, current.RefreshToken)
		if err != nil {
			return nil, errors.Wrapf(err, "refresh token for tenant %s", tenantID)
		}
		fresh.TenantID = tenantID
		if fresh.Scope == "" {
			fresh.Scope = current.Scope
		}

		if err := s.store.Save(rctx, fresh); err != nil {
			return nil, errors.Wrapf(err, "persist rotated credential for tenant %s", tenantID)
		}

		slog.Info("access token refreshed", "tenant", tenantID, "expires_at", fresh.Expiry.UTC().Format(time.RFC3339))
		return fresh, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return model.Credential{}, res.Err
		}
		return res.Val.(model.Credential), nil
	case <-ctx.Done():
		return model.Credential{}, ctx.Err()
	}
}

func (s *TokenService) load(ctx context.Context, tenantID string) (model.Credential, error) {
	cred, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return model.Credential{}, errors.Wrapf(err, "load credential for tenant %s", tenantID)
	}
	if cred == nil {
		return model.Credential{}, errors.Wrapf(driven.ErrNoCredential, "tenant %s", tenantID)
	}
	return *cred, nil
}

// ResolveTenant returns tenantID, or DefaultTenant when tenantID is empty.
func (s *TokenService) ResolveTenant(ctx context.Context, tenantID string) (string, error) {
	if tenantID != "" {
		return tenantID, nil
	}
	return s.DefaultTenant(ctx)
}

// DefaultTenant returns the tenant of the most recently updated credential.
func (s *TokenService) DefaultTenant(ctx context.Context) (string, error) {
	cred, err := s.store.Latest(ctx)
	if err != nil {
		return "", errors.Wrap(err, "load latest credential")
	}
	if cred == nil {
		return "", driven.ErrNoCredential
	}
	return cred.TenantID, nil
}

// AuthorizeURL returns the consent URL and the state value it carries.
func (s *TokenService) AuthorizeURL() (authURL, state string) {
	state = uuid.NewString()
	return s.auth.AuthCodeURL(state), state
}

// AuthorizationOptions tune CompleteAuthorization.
type AuthorizationOptions struct {
	// State must match the callback's state parameter unless
	// SkipStateCheck is set.
	State string
	// SkipStateCheck accepts a callback without verifying state. Only for
	// callbacks the operator pasted in by hand.
	SkipStateCheck bool
	// TenantID selects one of the connected tenants. Empty picks the first.
	TenantID string
}

// ErrAuthorizationState reports a callback whose state is missing or does
// not match the one issued with the consent URL.
var ErrAuthorizationState = errors.New("authorization state mismatch")

// CompleteAuthorization finishes the one-time handshake: it extracts the
// authorization code from callbackURL, exchanges it, binds the credential to
// a connected tenant and stores it.
func (s *TokenService) CompleteAuthorization(ctx context.Context, callbackURL string, opts AuthorizationOptions) (model.Credential, error) {
	code, state, err := ParseCallback(callbackURL)
	if err != nil {
		return model.Credential{}, err
	}
	if !opts.SkipStateCheck {
		if opts.State == "" || subtle.ConstantTimeCompare([]byte(state), []byte(opts.State)) != 1 {
			return model.Credential{}, ErrAuthorizationState
		}
	}

	cred, err := s.auth.Exchange(ctx, code)
	if err != nil {
		return model.Credential{}, err
	}

	tenants, err := s.auth.Tenants(ctx, cred.AccessToken)
	if err != nil {
		return model.Credential{}, errors.Wrap(err, "list connected tenants")
	}
	if len(tenants) == 0 {
		return model.Credential{}, errors.New("authorization granted but no tenants are connected")
	}

	switch {
	case opts.TenantID == "":
		cred.TenantID = tenants[0]
	case slices.Contains(tenants, opts.TenantID):
		cred.TenantID = opts.TenantID
	default:
		return model.Credential{}, errors.Newf("tenant %s is not connected to this authorization", opts.TenantID)
	}

	if err := s.store.Save(ctx, cred); err != nil {
		return model.Credential{}, errors.Wrap(err, "store credential")
	}

	slog.Info("authorization completed", "tenant", cred.TenantID, "connected_tenants", len(tenants))
	return cred, nil
}

// ParseCallback extracts the code and state from a redirect URL. A bare
// query string ("code=...&state=...") is accepted as well.
func ParseCallback(callbackURL string) (code, state string, err error) {
	raw := strings.TrimSpace(callbackURL)
	if raw == "" {
		return "", "", errors.New("callback URL is empty")
	}

	var query url.Values
	if u, perr := url.Parse(raw); perr == nil && u.RawQuery != "" {
		query = u.Query()
	} else {
		query, err = url.ParseQuery(strings.TrimPrefix(raw, "?"))
		if err != nil {
			return "", "", errors.Wrap(err, "parse callback query")
		}
	}

	if e := query.Get("error"); e != "" {
		return "", "", errors.Newf("authorization denied: %s", e)
	}

	code = query.Get("code")
	if code == "" {
		return "", "", errors.New("callback URL has no authorization code")
	}
	return code, query.Get("state"), nil
}
