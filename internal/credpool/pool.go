// Package credpool implements the multi-credential OAuth pool with
// selection, refresh, and failover described in spec.md §4.E.
package credpool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/machineid"
	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/model"
)

// Mode is the load-balancing selection policy.
type Mode string

const (
	ModePriority Mode = "priority"
	ModeBalanced Mode = "balanced"
)

const failureThreshold = 3
const statsFlushInterval = 30 * time.Second

// RegionDefaults carries the config-level region fallbacks and identity
// strings the pool needs but does not own.
type RegionDefaults struct {
	Region      string
	AuthRegion  string
	APIRegion   string
	MachineID   string
	KiroVersion string
}

// Pool is the in-memory, mutex-guarded credential pool. Entry mutation
// (selection bookkeeping, counters) is protected by mu, a fast lock never
// held across I/O; refreshing a token is serialized process-wide by
// refreshMu, held only around the network round trip for the one entry
// being refreshed.
type Pool struct {
	mu      sync.Mutex
	entries []*model.Entry
	byID    map[int64]*model.Entry

	refreshMu sync.Mutex

	mode      Mode
	currentID int64

	credentialsPath string
	credFormat      credentialsFormat
	statsPath       string
	statsDirty      bool
	lastStatsWrite  time.Time

	defaults  RegionDefaults
	refresher refreshDoer

	modePersister func(Mode) error
}

// Open loads the credentials and stats files and constructs a ready pool.
func Open(credentialsPath, statsPath string, defaults RegionDefaults, mode Mode) (*Pool, error) {
	creds, format, err := loadCredentialsFile(credentialsPath)
	if err != nil {
		return nil, err
	}
	stats, err := loadStatsFile(statsPath)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		byID:            map[int64]*model.Entry{},
		credentialsPath: credentialsPath,
		credFormat:      format,
		statsPath:       statsPath,
		defaults:        defaults,
		mode:            mode,
		refresher:       NewRefresher(defaults.KiroVersion),
		lastStatsWrite:  time.Now(),
	}

	for _, c := range creds {
		e := &model.Entry{Credential: c}
		if s, ok := stats[c.ID]; ok {
			e.SuccessCount = s.SuccessCount
			e.LastUsedAt = s.LastUsedAt
		}
		p.entries = append(p.entries, e)
		p.byID[c.ID] = e
	}
	return p, nil
}

// SetModePersister installs the callback SetMode invokes after
// changing the in-memory mode, so the gateway layer can persist it to the
// config file without this package importing internal/config.
func (p *Pool) SetModePersister(fn func(Mode) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modePersister = fn
}

func (p *Pool) enabledEntries() []*model.Entry {
	var out []*model.Entry
	for _, e := range p.entries {
		if !e.Disabled {
			out = append(out, e)
		}
	}
	return out
}

// Acquire selects a credential, refreshing its token if needed, and returns
// an immutable CallContext. modelHint, when non-empty, is consulted by the
// balanced-mode opus/free filter.
func (p *Pool) Acquire(ctx context.Context, modelHint string) (model.CallContext, error) {
	p.mu.Lock()
	total := len(p.entries)
	p.mu.Unlock()
	if total == 0 {
		return model.CallContext{}, errExhausted("no credentials configured")
	}

	excluded := map[int64]bool{}
	healed := false

	for attempt := 0; attempt < total; attempt++ {
		p.mu.Lock()
		entry := p.pickLocked(modelHint, excluded)
		if entry == nil && !healed && p.selfHealLocked() {
			healed = true
			entry = p.pickLocked(modelHint, excluded)
		}
		if entry == nil {
			p.mu.Unlock()
			return model.CallContext{}, errExhausted("no enabled credential available")
		}
		id := entry.ID
		needsRefresh := entry.NeedsRefresh(time.Now())
		p.mu.Unlock()

		if needsRefresh {
			if err := p.refreshEntry(ctx, id); err != nil {
				// Refresh failure switches to the next entry without
				// counting as an API failure.
				excluded[id] = true
				continue
			}
		}

		p.mu.Lock()
		e, ok := p.byID[id]
		if !ok || e.Disabled {
			p.mu.Unlock()
			excluded[id] = true
			continue
		}
		cc := model.CallContext{ID: e.ID, Credential: e.Credential, AccessToken: e.AccessToken}
		p.mu.Unlock()
		return cc, nil
	}

	return model.CallContext{}, errExhausted("refresh failed for every credential")
}

// pickLocked implements the selection policy. Callers must hold p.mu.
func (p *Pool) pickLocked(modelHint string, excluded map[int64]bool) *model.Entry {
	if p.mode == ModePriority && p.currentID != 0 {
		if e, ok := p.byID[p.currentID]; ok && !e.Disabled && !excluded[e.ID] {
			return e
		}
	}
	return p.selectByPolicyLocked(modelHint, excluded)
}

func (p *Pool) selectByPolicyLocked(modelHint string, excluded map[int64]bool) *model.Entry {
	var candidates []*model.Entry
	filterFree := p.mode == ModeBalanced && strings.Contains(strings.ToLower(modelHint), "opus")
	for _, e := range p.entries {
		if e.Disabled || excluded[e.ID] {
			continue
		}
		if filterFree && strings.Contains(strings.ToUpper(e.SubscriptionTitle), "FREE") {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}

	if p.mode == ModePriority {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority < candidates[j].Priority
			}
			return candidates[i].ID < candidates[j].ID
		})
		p.currentID = candidates[0].ID
		return candidates[0]
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].SuccessCount != candidates[j].SuccessCount {
			return candidates[i].SuccessCount < candidates[j].SuccessCount
		}
		return candidates[i].Priority < candidates[j].Priority
	})
	return candidates[0]
}

// selfHealLocked clears every TooManyFailures disable and resets its
// failure count, returning true if it changed anything. Callers must hold
// p.mu.
func (p *Pool) selfHealLocked() bool {
	healed := false
	for _, e := range p.entries {
		if e.Disabled && e.DisabledReason == model.DisabledTooManyFailures {
			e.Disabled = false
			e.DisabledReason = model.DisabledNone
			e.FailureCount = 0
			healed = true
		}
	}
	return healed
}

// resolveMachineID applies the credential → config → derived fallback
// chain from spec.md §4.E.
func (p *Pool) resolveMachineID(cred model.Credential) string {
	return machineid.Resolve(cred.MachineID, p.defaults.MachineID, cred.RefreshToken)
}

func (p *Pool) refreshEntry(ctx context.Context, id int64) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	// Double-check: a peer may have refreshed this entry while we waited
	// for the lock.
	p.mu.Lock()
	e, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return errNotFound(id)
	}
	if !e.NeedsRefresh(time.Now()) {
		p.mu.Unlock()
		return nil
	}
	cred := e.Credential
	p.mu.Unlock()

	authRegion := cred.EffectiveAuthRegion(p.defaults.AuthRegion, p.defaults.Region)
	machineIDValue := p.resolveMachineID(cred)

	result, err := p.refresher.Refresh(ctx, cred, authRegion, machineIDValue)
	if err != nil {
		return fmt.Errorf("credpool: refresh entry %d: %w", id, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok = p.byID[id]
	if !ok {
		return errNotFound(id)
	}
	e.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		e.RefreshToken = result.RefreshToken
	}
	if result.ProfileARN != "" {
		e.ProfileARN = result.ProfileARN
	}
	expiresAt := time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	e.ExpiresAt = &expiresAt
	if email := extractEmail(result.AccessToken); email != "" {
		e.Email = email
	}

	p.persistCredentialsLocked()
	return nil
}

// persistCredentialsLocked writes the credentials file, preserving its
// original singleton/array shape. Callers must hold p.mu. The token
// refresh and usage-limit paths discard the returned error; the admin
// operations return it to their caller.
func (p *Pool) persistCredentialsLocked() error {
	creds := make([]model.Credential, len(p.entries))
	for i, e := range p.entries {
		creds[i] = e.Credential
	}
	return saveCredentialsFile(p.credentialsPath, creds, p.credFormat)
}

// ReportSuccess zeroes the failure counter, bumps success_count, and
// debounces a stats-file write.
func (p *Pool) ReportSuccess(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return
	}
	e.FailureCount = 0
	e.SuccessCount++
	now := time.Now()
	e.LastUsedAt = &now
	p.markStatsDirtyLocked()
}

// ReportFailure increments the failure counter, disabling the entry with
// TooManyFailures once it reaches the threshold. It returns whether any
// other entry is still enabled.
func (p *Pool) ReportFailure(id int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return false, errNotFound(id)
	}
	e.FailureCount++
	if e.FailureCount >= failureThreshold {
		e.Disabled = true
		e.DisabledReason = model.DisabledTooManyFailures
	}
	return p.anyEnabledExceptLocked(id), nil
}

// ReportQuotaExceeded disables the entry immediately, pinning its failure
// count to the threshold, and returns whether any other entry is enabled.
func (p *Pool) ReportQuotaExceeded(id int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return false, errNotFound(id)
	}
	e.Disabled = true
	e.DisabledReason = model.DisabledQuotaExceeded
	e.FailureCount = failureThreshold
	return p.anyEnabledExceptLocked(id), nil
}

func (p *Pool) anyEnabledExceptLocked(id int64) bool {
	for _, e := range p.entries {
		if e.ID != id && !e.Disabled {
			return true
		}
	}
	return false
}

func (p *Pool) markStatsDirtyLocked() {
	p.statsDirty = true
	if time.Since(p.lastStatsWrite) >= statsFlushInterval {
		p.flushStatsLocked()
	}
}

func (p *Pool) flushStatsLocked() {
	if !p.statsDirty {
		return
	}
	stats := make(map[int64]statEntry, len(p.entries))
	for _, e := range p.entries {
		stats[e.ID] = statEntry{SuccessCount: e.SuccessCount, LastUsedAt: e.LastUsedAt}
	}
	if err := saveStatsFile(p.statsPath, stats); err == nil {
		p.statsDirty = false
		p.lastStatsWrite = time.Now()
	}
}

// Flush forces a stats-file write regardless of the debounce window. Call
// on shutdown.
func (p *Pool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushStatsLocked()
}

// TotalCredentials returns the number of configured entries, used by the
// upstream retry loop to bound max_retries.
func (p *Pool) TotalCredentials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// redactToken returns a stable, non-reversible stand-in for a refresh
// token so admin snapshots never leak the real secret.
func redactToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
