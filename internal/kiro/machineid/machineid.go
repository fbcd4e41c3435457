// Package machineid resolves and normalizes the machine_id embedded in
// every upstream request's identity headers.
package machineid

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var hex64 = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{12}$`)

// Resolve picks the machine id to use for a call, following the order:
// credential-level id if well-formed, else config-level id if well-formed,
// else a deterministic SHA-256-derived id from the refresh token.
func Resolve(credentialID, configID, refreshToken string) string {
	if n, ok := Normalize(credentialID); ok {
		return n
	}
	if n, ok := Normalize(configID); ok {
		return n
	}
	return Derive(refreshToken)
}

// Normalize reports whether raw is a well-formed machine id and, if so,
// returns its canonical 64-char lowercase hex form. A well-formed id is
// either 64 hex chars verbatim, or a UUID (with or without dashes), which
// is normalized by stripping dashes and concatenating itself twice.
func Normalize(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	if hex64.MatchString(raw) {
		return strings.ToLower(raw), true
	}
	if uuidPattern.MatchString(raw) {
		stripped := strings.ToLower(strings.ReplaceAll(raw, "-", ""))
		return stripped + stripped, true
	}
	return "", false
}

// Derive computes the fallback machine id: SHA-256 of
// "KotlinNativeAPI/<refresh_token>" as lowercase hex.
func Derive(refreshToken string) string {
	sum := sha256.Sum256([]byte("KotlinNativeAPI/" + refreshToken))
	return hex.EncodeToString(sum[:])
}
