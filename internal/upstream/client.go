// Package upstream builds requests against the Kiro
// generateAssistantResponse/mcp endpoints and drives the credential-aware
// retry loop described in spec.md §4.F.
package upstream

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http/httpproxy"

	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/model"
)

// streamHTTPClient is shared across all upstream calls. A single shared
// Transport reuses connections; DisableCompression avoids gzip-over-chunked
// surprises on a long-lived SSE-shaped body; ForceAttemptHTTP2 lets Go
// negotiate HTTP/2 when the upstream offers it.
var streamHTTPClient = &http.Client{
	Transport: &http.Transport{
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   4,
	},
}

// CloseIdleConnections drops all idle connections from the shared
// transport. Called before retrying after a stream-level connection error
// so the next attempt opens a fresh TCP/TLS connection instead of reusing
// a stale pooled one.
func CloseIdleConnections() {
	streamHTTPClient.CloseIdleConnections()
}

// ConfigureProxy rebuilds the shared transport's Proxy func from the
// config-level proxy settings using golang.org/x/net/http/httpproxy
// instead of hand-rolling proxy URL parsing.
func ConfigureProxy(proxyURL, username, password string) {
	if proxyURL == "" {
		return
	}
	if username != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			u.User = url.UserPassword(username, password)
			proxyURL = u.String()
		}
	}
	cfg := httpproxy.Config{HTTPProxy: proxyURL, HTTPSProxy: proxyURL}
	proxyFunc := cfg.ProxyFunc()
	if t, ok := streamHTTPClient.Transport.(*http.Transport); ok {
		t.Proxy = func(req *http.Request) (*url.URL, error) {
			return proxyFunc(req.URL)
		}
	}
}

// Identity carries the UA/header identity strings the caller resolves once
// at startup from config.
type Identity struct {
	KiroVersion   string
	SystemVersion string
	NodeVersion   string
}

const (
	generateAssistantResponsePath = "/generateAssistantResponse"
	mcpPath                       = "/mcp"
)

// TestBaseURL overrides the "https://q.<region>.amazonaws.com" base for
// tests, matching the provider package's TestAPIURL hook convention so the
// retry loop can be exercised against an httptest.Server.
var TestBaseURL string

// buildRequest constructs the HTTP request for a generateAssistantResponse
// or /mcp call, setting the exact header set spec.md §4.F requires.
func buildRequest(ctx model.CallContext, apiRegion, machineIDValue string, identity Identity, path string, body []byte, invocationID string) (*http.Request, error) {
	host := fmt.Sprintf("q.%s.amazonaws.com", apiRegion)
	reqURL := fmt.Sprintf("https://%s%s", host, path)
	if TestBaseURL != "" {
		reqURL = TestBaseURL + path
	}

	req, err := http.NewRequest(http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-amzn-codewhisperer-optout", "true")
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	req.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.27 KiroIDE-%s-%s", identity.KiroVersion, machineIDValue))
	req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE-%s-%s (%s; node %s)", identity.KiroVersion, machineIDValue, identity.SystemVersion, identity.NodeVersion))
	req.Header.Set("Host", host)
	req.Header.Set("amz-sdk-invocation-id", invocationID)
	req.Header.Set("amz-sdk-request", "attempt=1; max=3")
	req.Header.Set("Authorization", "Bearer "+ctx.AccessToken)
	req.Header.Set("Connection", "close")

	return req, nil
}
