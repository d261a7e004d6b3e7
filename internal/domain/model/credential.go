package model

import "time"

// Credential is the OAuth2 grant held for one Xero tenant. A tenant has at
// most one live credential; every refresh overwrites it in place.
type Credential struct {
	TenantID     string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	Expiry       time.Time
	UpdatedAt    time.Time
}

// ValidFor reports whether the access token remains usable for at least
// margin after now. A zero expiry is treated as already expired.
func (c Credential) ValidFor(margin time.Duration, now time.Time) bool {
	if c.AccessToken == "" || c.Expiry.IsZero() {
		return false
	}
	return now.Add(margin).Before(c.Expiry)
}
