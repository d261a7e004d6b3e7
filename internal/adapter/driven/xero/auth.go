package xero

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/oauth2"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
	"github.com/ericfisherdev/xerosync/internal/domain/port/driven"
)

const (
	// AuthURL is the Xero consent page.
	AuthURL = "https://login.xero.com/identity/connect/authorize"
	// TokenURL is the Xero token endpoint for code exchange and refresh.
	TokenURL = "https://identity.xero.com/connect/token"
	// ConnectionsURL lists the tenants an access token is connected to.
	ConnectionsURL = "https://api.xero.com/connections"
)

// DefaultScopes are the scopes requested during authorization.
// offline_access is required to receive a refresh token.
var DefaultScopes = []string{
	"offline_access",
	"accounting.transactions",
	"accounting.contacts",
	"accounting.settings",
}

// Compile-time interface satisfaction check.
var _ driven.AuthProvider = (*AuthProvider)(nil)

// AuthProvider implements driven.AuthProvider with golang.org/x/oauth2.
type AuthProvider struct {
	cfg            *oauth2.Config
	httpClient     *http.Client
	connectionsURL string
}

// NewAuthProvider creates an AuthProvider for the production Xero identity
// service.
func NewAuthProvider(clientID, clientSecret, redirectURL string, scopes []string) *AuthProvider {
	return NewAuthProviderWithEndpoints(
		&http.Client{Timeout: 30 * time.Second},
		clientID, clientSecret, redirectURL, scopes,
		oauth2.Endpoint{AuthURL: AuthURL, TokenURL: TokenURL},
		ConnectionsURL,
	)
}

// NewAuthProviderWithEndpoints creates an AuthProvider against custom
// endpoints. It is intended for tests against an httptest server.
func NewAuthProviderWithEndpoints(
	httpClient *http.Client,
	clientID, clientSecret, redirectURL string,
	scopes []string,
	endpoint oauth2.Endpoint,
	connectionsURL string,
) *AuthProvider {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	endpoint.AuthStyle = oauth2.AuthStyleInHeader

	return &AuthProvider{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
		httpClient:     httpClient,
		connectionsURL: connectionsURL,
	}
}

// AuthCodeURL returns the consent URL carrying state.
func (p *AuthProvider) AuthCodeURL(state string) string {
	return p.cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token pair.
func (p *AuthProvider) Exchange(ctx context.Context, code string) (model.Credential, error) {
	tok, err := p.cfg.Exchange(p.clientContext(ctx), code)
	if err != nil {
		return model.Credential{}, classifyTokenError(err, "exchange authorization code")
	}
	return toCredential(tok), nil
}

// Refresh runs the refresh-token grant. Xero rotates refresh tokens, so the
// returned credential must replace the stored one.
func (p *AuthProvider) Refresh(ctx context.Context, refreshToken string) (model.Credential, error) {
	if refreshToken == "" {
		return model.Credential{}, errors.Mark(errors.New("refresh token is empty"), driven.ErrAuthExpired)
	}

	src := p.cfg.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return model.Credential{}, classifyTokenError(err, "refresh access token")
	}

	cred := toCredential(tok)
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}

type connection struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	TenantType string `json:"tenantType"`
	TenantName string `json:"tenantName"`
}

// Tenants lists the organisations connected to accessToken.
func (p *AuthProvider) Tenants(ctx context.Context, accessToken string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.connectionsURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build connections request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch connections")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errors.Mark(errors.Newf("fetch connections: status %d", resp.StatusCode), driven.ErrUnauthorized)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Newf("fetch connections: unexpected status %d: %s", resp.StatusCode, body)
	}

	var conns []connection
	if err := json.NewDecoder(resp.Body).Decode(&conns); err != nil {
		return nil, errors.Wrap(err, "decode connections")
	}

	tenants := make([]string, 0, len(conns))
	for _, c := range conns {
		if c.TenantID != "" {
			tenants = append(tenants, c.TenantID)
		}
	}
	return tenants, nil
}

// clientContext makes oauth2 use the provider's http.Client.
func (p *AuthProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// classifyTokenError marks a rejected grant as ErrAuthExpired.
func classifyTokenError(err error, op string) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" ||
			(re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized) {
			return errors.Mark(errors.Wrap(err, op), driven.ErrAuthExpired)
		}
	}
	return errors.Wrap(err, op)
}

func toCredential(tok *oauth2.Token) model.Credential {
	cred := model.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		Expiry:       tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		cred.Scope = scope
	}
	return cred
}
