package model

import (
	"fmt"
	"strings"
)

const minRefreshTokenLen = 100

// ValidateCredential checks the invariants spec.md §3 places on a
// Credential: a non-truncated refresh token of at least 100 characters, and
// a client id/secret pair present when auth_method is idc.
func ValidateCredential(c Credential) error {
	if c.RefreshToken == "" {
		return fmt.Errorf("model: refresh_token is required")
	}
	if len(c.RefreshToken) < minRefreshTokenLen {
		return fmt.Errorf("model: refresh_token too short (got %d chars, want >= %d)", len(c.RefreshToken), minRefreshTokenLen)
	}
	if strings.Contains(c.RefreshToken, "...") || strings.Contains(c.RefreshToken, "…") {
		return fmt.Errorf("model: refresh_token appears truncated (contains ellipsis)")
	}
	method := NormalizeAuthMethod(string(c.AuthMethod))
	if method == AuthIDC {
		if c.ClientID == "" || c.ClientSecret == "" {
			return fmt.Errorf("model: client_id and client_secret are required when auth_method=idc")
		}
	}
	return nil
}
