package application_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/xerosync/internal/application"
	"github.com/ericfisherdev/xerosync/internal/domain/model"
	"github.com/ericfisherdev/xerosync/internal/domain/port/driven"
)

var tokenNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTokenService(store *mockCredentialStore, auth *mockAuthProvider) *application.TokenService {
	svc := application.NewTokenService(store, auth, time.Minute)
	svc.SetClock(func() time.Time { return tokenNow })
	return svc
}

func TestGetValidToken_ReturnsStoredTokenOutsideMargin(t *testing.T) {
	store := newMockCredentialStore(model.Credential{
		TenantID: "t1", AccessToken: "a0", RefreshToken: "r0", Expiry: tokenNow.Add(10 * time.Minute),
	})
	auth := &mockAuthProvider{expiry: tokenNow.Add(30 * time.Minute)}
	svc := newTokenService(store, auth)

	cred, err := svc.GetValidToken(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "a0", cred.AccessToken)
	assert.Equal(t, 0, auth.calls())
}

func TestGetValidToken_RefreshesInsideMarginAndPersists(t *testing.T) {
	store := newMockCredentialStore(model.Credential{
		TenantID: "t1", AccessToken: "a0", RefreshToken: "r0", Scope: "accounting.transactions",
		Expiry: tokenNow.Add(30 * time.Second),
	})
	auth := &mockAuthProvider{expiry: tokenNow.Add(30 * time.Minute)}
	svc := newTokenService(store, auth)

	cred, err := svc.GetValidToken(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "access-1", cred.AccessToken)
	assert.Equal(t, "t1", cred.TenantID)
	assert.Equal(t, "accounting.transactions", cred.Scope)
	assert.Equal(t, 1, auth.calls())

	stored, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "r0-rotated-1", stored.RefreshToken)

	// The rotated token is valid, so a second call must not refresh again.
	again, err := svc.GetValidToken(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", again.AccessToken)
	assert.Equal(t, 1, auth.calls())
}

func TestGetValidToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	store := newMockCredentialStore(model.Credential{
		TenantID: "t1", AccessToken: "a0", RefreshToken: "r0", Expiry: tokenNow.Add(-time.Minute),
	})
	auth := &mockAuthProvider{expiry: tokenNow.Add(30 * time.Minute), refreshGate: make(chan struct{})}
	svc := newTokenService(store, auth)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]model.Credential, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.GetValidToken(context.Background(), "t1")
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(auth.refreshGate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", results[i].AccessToken)
	}
	assert.Equal(t, 1, auth.calls())
}

func TestGetValidToken_RejectedRefreshIsAuthExpired(t *testing.T) {
	store := newMockCredentialStore(model.Credential{
		TenantID: "t1", AccessToken: "a0", RefreshToken: "r0", Expiry: tokenNow.Add(-time.Minute),
	})
	auth := &mockAuthProvider{refreshErr: errors.Mark(errors.New("invalid_grant"), driven.ErrAuthExpired)}
	svc := newTokenService(store, auth)

	_, err := svc.GetValidToken(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, driven.ErrAuthExpired))

	stored, _ := store.Get(context.Background(), "t1")
	assert.Equal(t, "r0", stored.RefreshToken, "failed refresh must not overwrite the credential")
}

func TestGetValidToken_UnknownTenant(t *testing.T) {
	svc := newTokenService(newMockCredentialStore(), &mockAuthProvider{})

	_, err := svc.GetValidToken(context.Background(), "nope")
	assert.True(t, errors.Is(err, driven.ErrNoCredential))
}

func TestForceRefresh_SkipsWhenAlreadyRotated(t *testing.T) {
	store := newMockCredentialStore(model.Credential{
		TenantID: "t1", AccessToken: "a-new", RefreshToken: "r1", Expiry: tokenNow.Add(20 * time.Minute),
	})
	auth := &mockAuthProvider{expiry: tokenNow.Add(30 * time.Minute)}
	svc := newTokenService(store, auth)

	cred, err := svc.ForceRefresh(context.Background(), "t1", "a-old")
	require.NoError(t, err)

	assert.Equal(t, "a-new", cred.AccessToken)
	assert.Equal(t, 0, auth.calls())
}

func TestForceRefresh_RefreshesRejectedToken(t *testing.T) {
	store := newMockCredentialStore(model.Credential{
		TenantID: "t1", AccessToken: "a0", RefreshToken: "r0", Expiry: tokenNow.Add(20 * time.Minute),
	})
	auth := &mockAuthProvider{expiry: tokenNow.Add(30 * time.Minute)}
	svc := newTokenService(store, auth)

	cred, err := svc.ForceRefresh(context.Background(), "t1", "a0")
	require.NoError(t, err)

	assert.Equal(t, "access-1", cred.AccessToken)
	assert.Equal(t, 1, auth.calls())
}

func TestResolveTenant(t *testing.T) {
	store := newMockCredentialStore(
		model.Credential{TenantID: "old", UpdatedAt: tokenNow.Add(-time.Hour)},
		model.Credential{TenantID: "new", UpdatedAt: tokenNow},
	)
	svc := newTokenService(store, &mockAuthProvider{})

	got, err := svc.ResolveTenant(context.Background(), "explicit")
	require.NoError(t, err)
	assert.Equal(t, "explicit", got)

	got, err = svc.ResolveTenant(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "new", got)

	empty := newTokenService(newMockCredentialStore(), &mockAuthProvider{})
	_, err = empty.DefaultTenant(context.Background())
	assert.True(t, errors.Is(err, driven.ErrNoCredential))
}

func TestCompleteAuthorization(t *testing.T) {
	store := newMockCredentialStore()
	auth := &mockAuthProvider{expiry: tokenNow.Add(30 * time.Minute), tenants: []string{"tenant-a", "tenant-b"}}
	svc := newTokenService(store, auth)

	authURL, state := svc.AuthorizeURL()
	assert.Contains(t, authURL, state)

	cred, err := svc.CompleteAuthorization(context.Background(),
		"http://localhost:8080/auth/callback?code=abc&state="+state,
		application.AuthorizationOptions{State: state, TenantID: "tenant-b"})
	require.NoError(t, err)

	assert.Equal(t, "abc", auth.exchanged)
	assert.Equal(t, "tenant-b", cred.TenantID)

	stored, err := store.Get(context.Background(), "tenant-b")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "refresh-abc", stored.RefreshToken)
}

func TestCompleteAuthorization_Rejections(t *testing.T) {
	auth := &mockAuthProvider{tenants: []string{"tenant-a"}}
	svc := newTokenService(newMockCredentialStore(), auth)
	ctx := context.Background()

	_, err := svc.CompleteAuthorization(ctx, "code=abc&state=x", application.AuthorizationOptions{State: "y"})
	assert.ErrorContains(t, err, "state mismatch")

	_, err = svc.CompleteAuthorization(ctx, "code=abc", application.AuthorizationOptions{TenantID: "other", SkipStateCheck: true})
	assert.ErrorContains(t, err, "not connected")

	_, err = svc.CompleteAuthorization(ctx, "https://host/cb?error=access_denied", application.AuthorizationOptions{})
	assert.ErrorContains(t, err, "access_denied")
}

func TestCompleteAuthorization_RequiresState(t *testing.T) {
	tests := []struct {
		name     string
		callback string
		opts     application.AuthorizationOptions
	}{
		{name: "no expected state", callback: "?code=attacker&state=forged", opts: application.AuthorizationOptions{}},
		{name: "callback without state", callback: "?code=attacker", opts: application.AuthorizationOptions{State: "s-1"}},
		{name: "neither side has state", callback: "?code=attacker", opts: application.AuthorizationOptions{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockCredentialStore()
			auth := &mockAuthProvider{tenants: []string{"attacker-org"}}
			svc := newTokenService(store, auth)

			_, err := svc.CompleteAuthorization(context.Background(), tt.callback, tt.opts)

			assert.True(t, errors.Is(err, application.ErrAuthorizationState))
			assert.Empty(t, auth.exchanged, "the code must not be exchanged")
			stored, _ := store.Latest(context.Background())
			assert.Nil(t, stored)
		})
	}
}

func TestCompleteAuthorization_SkipStateCheck(t *testing.T) {
	auth := &mockAuthProvider{expiry: tokenNow.Add(30 * time.Minute), tenants: []string{"tenant-a"}}
	svc := newTokenService(newMockCredentialStore(), auth)

	cred, err := svc.CompleteAuthorization(context.Background(), "?code=pasted",
		application.AuthorizationOptions{SkipStateCheck: true})
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", cred.TenantID)
	assert.Equal(t, "pasted", auth.exchanged)
}

func TestParseCallback(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantCode  string
		wantState string
		wantErr   bool
	}{
		{name: "full URL", input: "https://app.test/callback?code=c1&state=s1", wantCode: "c1", wantState: "s1"},
		{name: "bare query", input: "code=c2&state=s2", wantCode: "c2", wantState: "s2"},
		{name: "leading question mark", input: "?code=c3", wantCode: "c3"},
		{name: "empty", input: "  ", wantErr: true},
		{name: "no code", input: "https://app.test/callback?state=s", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, state, err := application.ParseCallback(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantState, state)
		})
	}
}
