// Package model holds the wire-shaped types exchanged with the Kiro
// upstream and the credential records the pool manages.
package model

import "time"

// AuthMethod distinguishes the personal Builder ID ("social") OAuth flow
// from the enterprise AWS Identity Center ("idc") flow. The aliases
// builder-id/iam both normalize to idc per spec.
type AuthMethod string

const (
	AuthSocial AuthMethod = "social"
	AuthIDC    AuthMethod = "idc"
)

// NormalizeAuthMethod maps the builder-id/iam aliases onto idc and leaves
// social untouched. Unknown values pass through unchanged so validation can
// reject them explicitly.
func NormalizeAuthMethod(raw string) AuthMethod {
	switch raw {
	case "builder-id", "iam", string(AuthIDC):
		return AuthIDC
	case string(AuthSocial):
		return AuthSocial
	default:
		return AuthMethod(raw)
	}
}

// DisabledReason records why a credential entry is currently disabled.
type DisabledReason string

const (
	DisabledNone            DisabledReason = ""
	DisabledManual          DisabledReason = "Manual"
	DisabledTooManyFailures DisabledReason = "TooManyFailures"
	DisabledQuotaExceeded   DisabledReason = "QuotaExceeded"
)

// Credential is the identity of a single upstream account, as stored in the
// credentials file.
type Credential struct {
	ID                int64      `json:"id"`
	RefreshToken      string     `json:"refreshToken"`
	AccessToken       string     `json:"accessToken,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	ProfileARN        string     `json:"profileArn,omitempty"`
	AuthMethod        AuthMethod `json:"authMethod,omitempty"`
	ClientID          string     `json:"clientId,omitempty"`
	ClientSecret      string     `json:"clientSecret,omitempty"`
	Priority          int        `json:"priority"`
	Region            string     `json:"region,omitempty"`
	AuthRegion        string     `json:"authRegion,omitempty"`
	APIRegion         string     `json:"apiRegion,omitempty"`
	MachineID         string     `json:"machineId,omitempty"`
	Email             string     `json:"email,omitempty"`
	SubscriptionTitle string     `json:"subscriptionTitle,omitempty"`
}

// EffectiveAuthRegion resolves the auth-region fallback chain:
// credential.authRegion -> credential.region -> config default.
func (c Credential) EffectiveAuthRegion(configAuthRegion, configRegion string) string {
	switch {
	case c.AuthRegion != "":
		return c.AuthRegion
	case c.Region != "":
		return c.Region
	case configAuthRegion != "":
		return configAuthRegion
	default:
		return configRegion
	}
}

// EffectiveAPIRegion resolves the api-region fallback chain independently
// of the auth-region chain: credential.apiRegion -> config.apiRegion ->
// config.region.
func (c Credential) EffectiveAPIRegion(configAPIRegion, configRegion string) string {
	switch {
	case c.APIRegion != "":
		return c.APIRegion
	case configAPIRegion != "":
		return configAPIRegion
	default:
		return configRegion
	}
}

// Entry wraps a Credential with the mutable runtime bookkeeping the pool
// maintains: failure accounting, disabled state, and usage stats.
// FailureCount/Disabled/DisabledReason are held in memory only and are not
// written to the credentials file; SuccessCount/LastUsedAt persist
// separately in the stats file.
type Entry struct {
	Credential

	FailureCount   int            `json:"-"`
	Disabled       bool           `json:"-"`
	DisabledReason DisabledReason `json:"-"`
	SuccessCount   uint64         `json:"-"`
	LastUsedAt     *time.Time     `json:"-"`
}

// TokenFreshness classifies how close an access token is to expiry.
type TokenFreshness int

const (
	TokenFresh TokenFreshness = iota
	TokenExpiringSoon
	TokenExpired
)

const (
	expiryThreshold       = 5 * time.Minute
	expiringSoonThreshold = 10 * time.Minute
)

// Freshness classifies the entry's current access token relative to now.
// A token is Expired if expires_at <= now+5m, ExpiringSoon if <= now+10m,
// Fresh otherwise. A missing ExpiresAt (never fetched) counts as Expired.
func (e Entry) Freshness(now time.Time) TokenFreshness {
	if e.ExpiresAt == nil {
		return TokenExpired
	}
	switch {
	case !e.ExpiresAt.After(now.Add(expiryThreshold)):
		return TokenExpired
	case !e.ExpiresAt.After(now.Add(expiringSoonThreshold)):
		return TokenExpiringSoon
	default:
		return TokenFresh
	}
}

// NeedsRefresh reports whether the entry's token should be refreshed before
// use (expired or expiring soon).
func (e Entry) NeedsRefresh(now time.Time) bool {
	return e.Freshness(now) != TokenFresh
}

// CallContext is the immutable snapshot a pool hands to a caller at the
// moment of a call: which entry was chosen, and a token already confirmed
// valid. Callers report the outcome back to the pool by ID; concurrent
// calls never share a context.
type CallContext struct {
	ID          int64
	Credential  Credential
	AccessToken string
}
