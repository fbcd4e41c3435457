package credpool

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/model"
)

const refreshTimeout = 60 * time.Second

// refreshDoer is the interface Pool depends on, so tests can substitute a
// fake implementation without making real network calls.
type refreshDoer interface {
	Refresh(ctx context.Context, cred model.Credential, authRegion, machineIDValue string) (refreshResult, error)
}

// Refresher performs the auth_method-specific OAuth refresh POST described
// in spec.md §4.E "Refresh protocol". It owns its own *http.Client rather
// than sharing the upstream package's streaming transport, since refresh
// calls are short request/response round trips with their own timeout.
type Refresher struct {
	client      *http.Client
	kiroVersion string
}

// NewRefresher builds a Refresher with a tuned client matching the
// teacher's streamHTTPClient shape but sized for short-lived token calls.
func NewRefresher(kiroVersion string) *Refresher {
	return &Refresher{
		client: &http.Client{
			Timeout: refreshTimeout,
			Transport: &http.Transport{
				ForceAttemptHTTP2: true,
			},
		},
		kiroVersion: kiroVersion,
	}
}

type refreshResult struct {
	AccessToken  string
	RefreshToken string
	ProfileARN   string
	ExpiresIn    int
}

type socialRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
	ExpiresIn    int    `json:"expiresIn,omitempty"`
}

type idcRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn,omitempty"`
}

// Refresh performs the refresh call for cred, using authRegion (already
// resolved by the caller via Credential.EffectiveAuthRegion) and machineID
// (already resolved via machineid.Resolve).
func (r *Refresher) Refresh(ctx context.Context, cred model.Credential, authRegion, machineIDValue string) (refreshResult, error) {
	method := model.NormalizeAuthMethod(string(cred.AuthMethod))
	switch method {
	case model.AuthIDC:
		return r.refreshIDC(ctx, cred, authRegion)
	default:
		return r.refreshSocial(ctx, cred, authRegion, machineIDValue)
	}
}

func (r *Refresher) refreshSocial(ctx context.Context, cred model.Credential, authRegion, machineIDValue string) (refreshResult, error) {
	url := fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", authRegion)
	body, _ := json.Marshal(map[string]string{"refreshToken": cred.RefreshToken})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return refreshResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE-%s-%s", r.kiroVersion, machineIDValue))

	resp, err := r.client.Do(req)
	if err != nil {
		return refreshResult{}, fmt.Errorf("credpool: social refresh request: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return refreshResult{}, fmt.Errorf("credpool: social refresh failed: HTTP %d: %s", resp.StatusCode, string(data))
	}

	var out socialRefreshResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return refreshResult{}, fmt.Errorf("credpool: decode social refresh response: %w", err)
	}
	return refreshResult{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ProfileARN:   out.ProfileARN,
		ExpiresIn:    out.ExpiresIn,
	}, nil
}

func (r *Refresher) refreshIDC(ctx context.Context, cred model.Credential, authRegion string) (refreshResult, error) {
	url := fmt.Sprintf("https://oidc.%s.amazonaws.com/token", authRegion)
	body, _ := json.Marshal(map[string]string{
		"clientId":     cred.ClientID,
		"clientSecret": cred.ClientSecret,
		"refreshToken": cred.RefreshToken,
		"grantType":    "refresh_token",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return refreshResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-amz-user-agent", "aws-sdk-js/1.0.27")

	resp, err := r.client.Do(req)
	if err != nil {
		return refreshResult{}, fmt.Errorf("credpool: idc refresh request: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return refreshResult{}, fmt.Errorf("credpool: idc refresh failed: HTTP %d: %s", resp.StatusCode, string(data))
	}

	var out idcRefreshResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return refreshResult{}, fmt.Errorf("credpool: decode idc refresh response: %w", err)
	}
	return refreshResult{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken, ExpiresIn: out.ExpiresIn}, nil
}

// extractEmail reads the unverified JWT payload (middle base64url segment)
// of an access token and looks for email, then preferred_username/sub if
// either contains "@", per spec.md §4.E. This is read-only inspection of a
// claim already covered by TLS-authenticated transport, not a generalized
// authentication path, so it is hand-rolled rather than pulled in via an
// ecosystem JWT library (see DESIGN.md).
func extractEmail(accessToken string) string {
	parts := strings.Split(accessToken, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
		Sub               string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	if claims.Email != "" {
		return claims.Email
	}
	if strings.Contains(claims.PreferredUsername, "@") {
		return claims.PreferredUsername
	}
	if strings.Contains(claims.Sub, "@") {
		return claims.Sub
	}
	return ""
}
