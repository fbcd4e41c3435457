package credpool

import (
	"context"
	"time"

	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/model"
)

// AdminEntry is the redacted view of a credential returned to the admin
// collaborator: identifying, routing, state and usage fields of
// model.Entry, with the raw refresh token replaced by its SHA-256 hash.
// The access token, client id/secret, machine id, profile ARN and expiry
// are not included.
type AdminEntry struct {
	ID                int64                `json:"id"`
	RefreshTokenHash  string               `json:"refreshTokenHash"`
	AuthMethod        model.AuthMethod     `json:"authMethod"`
	Priority          int                  `json:"priority"`
	Region            string               `json:"region,omitempty"`
	AuthRegion        string               `json:"authRegion,omitempty"`
	APIRegion         string               `json:"apiRegion,omitempty"`
	Email             string               `json:"email,omitempty"`
	SubscriptionTitle string               `json:"subscriptionTitle,omitempty"`
	Disabled          bool                 `json:"disabled"`
	DisabledReason    model.DisabledReason `json:"disabledReason,omitempty"`
	FailureCount      int                  `json:"failureCount"`
	SuccessCount      uint64               `json:"successCount"`
	LastUsedAt        *time.Time           `json:"lastUsedAt,omitempty"`
}

// Snapshot returns a redacted view of every configured entry.
func (p *Pool) Snapshot() []AdminEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]AdminEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, AdminEntry{
			ID:                e.ID,
			RefreshTokenHash:  redactToken(e.RefreshToken),
			AuthMethod:        e.AuthMethod,
			Priority:          e.Priority,
			Region:            e.Region,
			AuthRegion:        e.AuthRegion,
			APIRegion:         e.APIRegion,
			Email:             e.Email,
			SubscriptionTitle: e.SubscriptionTitle,
			Disabled:          e.Disabled,
			DisabledReason:    e.DisabledReason,
			FailureCount:      e.FailureCount,
			SuccessCount:      e.SuccessCount,
			LastUsedAt:        e.LastUsedAt,
		})
	}
	return out
}

// SetDisabled manually enables/disables an entry.
func (p *Pool) SetDisabled(id int64, disabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return errNotFound(id)
	}
	e.Disabled = disabled
	if disabled {
		e.DisabledReason = model.DisabledManual
	} else {
		e.DisabledReason = model.DisabledNone
		e.FailureCount = 0
	}
	return p.persistCredentialsLocked()
}

// SetPriority updates an entry's priority and immediately re-picks the
// sticky selection in priority mode.
func (p *Pool) SetPriority(id int64, priority int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return errNotFound(id)
	}
	e.Priority = priority
	if p.mode == ModePriority {
		p.currentID = 0
		p.selectByPolicyLocked("", nil)
	}
	return p.persistCredentialsLocked()
}

// ResetAndEnable clears failure bookkeeping and re-enables the entry.
func (p *Pool) ResetAndEnable(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return errNotFound(id)
	}
	e.Disabled = false
	e.DisabledReason = model.DisabledNone
	e.FailureCount = 0
	return p.persistCredentialsLocked()
}

// UsageLimitsFetcher fetches the upstream usage-limits payload for an
// already-valid access token, returning the subscription title to persist
// if the upstream reports one. Implemented by the upstream package and
// injected here to avoid credpool depending on it.
type UsageLimitsFetcher func(ctx context.Context, cc model.CallContext) (subscriptionTitle string, raw []byte, err error)

// GetUsageLimitsFor refreshes id's token if needed, calls fetch, and
// persists any returned subscription title.
func (p *Pool) GetUsageLimitsFor(ctx context.Context, id int64, fetch UsageLimitsFetcher) ([]byte, error) {
	p.mu.Lock()
	e, ok := p.byID[id]
	needsRefresh := ok && e.NeedsRefresh(time.Now())
	p.mu.Unlock()
	if !ok {
		return nil, errNotFound(id)
	}
	if needsRefresh {
		if err := p.refreshEntry(ctx, id); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	e, ok = p.byID[id]
	if !ok {
		p.mu.Unlock()
		return nil, errNotFound(id)
	}
	cc := model.CallContext{ID: e.ID, Credential: e.Credential, AccessToken: e.AccessToken}
	p.mu.Unlock()

	title, raw, err := fetch(ctx, cc)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byID[id]; ok && title != "" {
		e.SubscriptionTitle = title
		p.persistCredentialsLocked()
	}
	return raw, nil
}

// AddCredential validates, refreshes, and persists a new credential,
// assigning it id = max(existing ids) + 1. Adding upgrades a singleton
// credentials file to an array.
func (p *Pool) AddCredential(ctx context.Context, cred model.Credential) (int64, error) {
	if err := model.ValidateCredential(cred); err != nil {
		return 0, errInvalidCredential(err.Error())
	}

	authRegion := cred.EffectiveAuthRegion(p.defaults.AuthRegion, p.defaults.Region)
	machineIDValue := p.resolveMachineID(cred)
	result, err := p.refresher.Refresh(ctx, cred, authRegion, machineIDValue)
	if err != nil {
		return 0, errInvalidCredential(err.Error())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var maxID int64
	for _, e := range p.entries {
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	cred.ID = maxID + 1
	cred.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		cred.RefreshToken = result.RefreshToken
	}
	expiresAt := time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	cred.ExpiresAt = &expiresAt

	e := &model.Entry{Credential: cred}
	if email := extractEmail(result.AccessToken); email != "" {
		e.Email = email
	}
	p.entries = append(p.entries, e)
	p.byID[cred.ID] = e
	p.credFormat = formatArray // adding upgrades a singleton file for good

	if err := p.persistCredentialsLocked(); err != nil {
		return 0, err
	}
	return cred.ID, nil
}

// DeleteCredential removes a disabled entry. Refuses to delete an entry
// that is still enabled.
func (p *Pool) DeleteCredential(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return errNotFound(id)
	}
	if !e.Disabled {
		return errInvalidCredential("refusing to delete an enabled credential")
	}

	for i, entry := range p.entries {
		if entry.ID == id {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	delete(p.byID, id)
	if p.currentID == id {
		p.currentID = 0
		p.selectByPolicyLocked("", nil)
	}
	return p.persistCredentialsLocked()
}

// Mode returns the current load-balancing mode.
func (p *Pool) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SetMode changes the load-balancing mode and, if a persister was
// installed via SetModePersister, asks it to save the change to the
// config file.
func (p *Pool) SetMode(mode Mode) error {
	p.mu.Lock()
	p.mode = mode
	p.currentID = 0
	persister := p.modePersister
	p.mu.Unlock()

	if persister != nil {
		return persister(mode)
	}
	return nil
}
