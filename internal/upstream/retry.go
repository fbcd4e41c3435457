package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kilimcininkoroglu/kiroproxy/internal/credpool"
	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/machineid"
	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/model"
)

const (
	backoffBase = 200 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// RegionDefaults mirrors credpool.RegionDefaults; kept distinct so this
// package doesn't need credpool's internal region-resolution helpers, only
// the pool itself.
type RegionDefaults struct {
	Region    string
	APIRegion string
	MachineID string
}

// Client drives the credential-aware retry loop against the Kiro upstream,
// adapted from agent.callProviderWithRetry generalized to re-acquire a
// CallContext from the pool on every attempt instead of reusing one fixed
// API key.
type Client struct {
	pool                *credpool.Pool
	identity            Identity
	defaults            RegionDefaults
	maxRequestBodyBytes int64
}

// NewClient builds a Client bound to pool for credential acquisition and
// failure reporting.
func NewClient(pool *credpool.Pool, identity Identity, defaults RegionDefaults, maxRequestBodyBytes int64) *Client {
	return &Client{pool: pool, identity: identity, defaults: defaults, maxRequestBodyBytes: maxRequestBodyBytes}
}

// RequestTooLargeError is returned by Send's pre-check, per spec.md §4.F
// "Request size pre-check".
type RequestTooLargeError struct{}

func (RequestTooLargeError) Error() string {
	return "Input is too long for model context window."
}

func maxRetriesFor(total int) int {
	n := total * 3
	if n > 9 {
		n = 9
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Send posts conv to /generateAssistantResponse, retrying with failover
// per spec.md §4.F's outcome table, and returns the still-open response
// body on success. The caller owns closing it.
func (c *Client) Send(ctx context.Context, conv model.Conversation, modelHint string) (io.ReadCloser, error) {
	body, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal conversation: %w", err)
	}
	if c.maxRequestBodyBytes > 0 && int64(len(body)) > c.maxRequestBodyBytes {
		return nil, RequestTooLargeError{}
	}

	maxRetries := maxRetriesFor(c.pool.TotalCredentials())
	wait := backoffBase

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		cc, err := c.pool.Acquire(ctx, modelHint)
		if err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, cc, generateAssistantResponsePath, body)
		if err != nil {
			if isStreamError(err) {
				CloseIdleConnections()
				lastErr = err
				if !c.sleepBackoff(ctx, &wait) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			c.pool.ReportSuccess(cc.ID)
			return resp.Body, nil

		case resp.StatusCode == 400:
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			reason, msg := enhanceMessage(raw)
			return nil, &UpstreamError{StatusCode: 400, Reason: reason, Message: msg}

		case resp.StatusCode == 401 || resp.StatusCode == 403:
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			remaining, _ := c.pool.ReportFailure(cc.ID)
			reason, msg := enhanceMessage(raw)
			lastErr = &UpstreamError{StatusCode: resp.StatusCode, Reason: reason, Message: msg}
			if !remaining {
				return nil, lastErr
			}
			continue

		case resp.StatusCode == 402:
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			reason, msg := enhanceMessage(raw)
			if reason == "MONTHLY_REQUEST_COUNT" || reason == "MONTHLY_REQUEST_LIMIT_REACHED" {
				remaining, _ := c.pool.ReportQuotaExceeded(cc.ID)
				lastErr = &UpstreamError{StatusCode: 402, Reason: reason, Message: msg}
				if !remaining {
					return nil, lastErr
				}
				continue
			}
			return nil, &UpstreamError{StatusCode: 402, Reason: reason, Message: msg}

		case resp.StatusCode == 408 || resp.StatusCode == 429 || resp.StatusCode >= 500:
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			reason, msg := enhanceMessage(raw)
			lastErr = &UpstreamError{StatusCode: resp.StatusCode, Reason: reason, Message: msg}
			if !c.sleepBackoff(ctx, &wait) {
				return nil, ctx.Err()
			}
			continue

		default:
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			reason, msg := enhanceMessage(raw)
			return nil, &UpstreamError{StatusCode: resp.StatusCode, Reason: reason, Message: msg}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("upstream: max retries exceeded")
}

func (c *Client) doOnce(ctx context.Context, cc model.CallContext, path string, body []byte) (*http.Response, error) {
	apiRegion := cc.Credential.EffectiveAPIRegion(c.defaults.APIRegion, c.defaults.Region)
	machineIDValue := machineid.Resolve(cc.Credential.MachineID, c.defaults.MachineID, cc.Credential.RefreshToken)

	req, err := buildRequest(cc, apiRegion, machineIDValue, c.identity, path, body, uuid.NewString())
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)

	return streamHTTPClient.Do(req)
}

// sleepBackoff waits the current backoff duration (plus jitter in
// [0, backoff/4]), then doubles it for the next attempt, capped at
// backoffCap. Returns false if ctx was cancelled first.
func (c *Client) sleepBackoff(ctx context.Context, wait *time.Duration) bool {
	d := *wait
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d/4) + 1))
	timer := time.NewTimer(d + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	*wait *= 2
	if *wait > backoffCap {
		*wait = backoffCap
	}
	return true
}

// isStreamError matches the same network-error substrings the teacher's
// isStreamError recognizes, extended with the dual meaning of a network
// failure in this retry loop: connection lost before any status line was
// read at all.
func isStreamError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "malformed chunked encoding") ||
		strings.Contains(msg, "reading stream:") ||
		strings.Contains(msg, "EOF")
}

// McpCall posts a JSON-RPC request to /mcp using a fresh credential and
// returns the raw response body, for the web_search short-circuit handler.
func (c *Client) McpCall(ctx context.Context, modelHint string, body []byte) ([]byte, error) {
	cc, err := c.pool.Acquire(ctx, modelHint)
	if err != nil {
		return nil, err
	}
	raw, statusCode, err := c.mcpOnce(ctx, cc, body)
	if err != nil {
		return nil, err
	}
	if statusCode >= 200 && statusCode < 300 {
		c.pool.ReportSuccess(cc.ID)
		return raw, nil
	}
	reason, msg := enhanceMessage(raw)
	return nil, &UpstreamError{StatusCode: statusCode, Reason: reason, Message: msg}
}

// McpCallWithContext posts a JSON-RPC request to /mcp using a caller-chosen
// CallContext rather than acquiring one from the pool, for admin
// operations (e.g. usage-limits lookup) scoped to one specific credential.
func (c *Client) McpCallWithContext(ctx context.Context, cc model.CallContext, body []byte) ([]byte, error) {
	raw, statusCode, err := c.mcpOnce(ctx, cc, body)
	if err != nil {
		return nil, err
	}
	if statusCode >= 200 && statusCode < 300 {
		c.pool.ReportSuccess(cc.ID)
		return raw, nil
	}
	reason, msg := enhanceMessage(raw)
	return nil, &UpstreamError{StatusCode: statusCode, Reason: reason, Message: msg}
}

func (c *Client) mcpOnce(ctx context.Context, cc model.CallContext, body []byte) ([]byte, int, error) {
	resp, err := c.doOnce(ctx, cc, mcpPath, body)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return raw, resp.StatusCode, nil
}
