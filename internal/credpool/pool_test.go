package credpool

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/model"
)

func writeCredentials(t *testing.T, dir string, creds []model.Credential) string {
	t.Helper()
	path := filepath.Join(dir, "credentials.json")
	if err := saveCredentialsFile(path, creds, formatArray); err != nil {
		t.Fatalf("saveCredentialsFile: %v", err)
	}
	return path
}

func freshCred(id int64, priority int) model.Credential {
	future := time.Now().Add(time.Hour)
	return model.Credential{
		ID:           id,
		RefreshToken: "refresh-token-that-is-definitely-long-enough-1234567890123456789012345678901234",
		AccessToken:  "access",
		ExpiresAt:    &future,
		Priority:     priority,
	}
}

func newTestPool(t *testing.T, creds []model.Credential) *Pool {
	t.Helper()
	dir := t.TempDir()
	credPath := writeCredentials(t, dir, creds)
	statsPath := filepath.Join(dir, "stats.json")
	p, err := Open(credPath, statsPath, RegionDefaults{Region: "us-east-1"}, ModePriority)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return p
}

func TestAcquirePriorityPicksLowestPriority(t *testing.T) {
	p := newTestPool(t, []model.Credential{freshCred(1, 5), freshCred(2, 1), freshCred(3, 3)})
	cc, err := p.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if cc.ID != 2 {
		t.Fatalf("expected entry 2 (priority 1), got %d", cc.ID)
	}
}

func TestAcquirePrioritySticky(t *testing.T) {
	p := newTestPool(t, []model.Credential{freshCred(1, 1), freshCred(2, 1)})
	first, err := p.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := p.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected sticky selection, got %d then %d", first.ID, second.ID)
	}
}

func TestAcquireBalancedPrefersLeastUsed(t *testing.T) {
	p := newTestPool(t, []model.Credential{freshCred(1, 1), freshCred(2, 1)})
	p.mode = ModeBalanced
	p.byID[1].SuccessCount = 10

	cc, err := p.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if cc.ID != 2 {
		t.Fatalf("expected least-used entry 2, got %d", cc.ID)
	}
}

func TestAcquireBalancedFiltersFreeForOpus(t *testing.T) {
	p := newTestPool(t, []model.Credential{freshCred(1, 1), freshCred(2, 1)})
	p.mode = ModeBalanced
	p.byID[1].SubscriptionTitle = "FREE TIER"

	cc, err := p.Acquire(context.Background(), "claude-opus-4-6")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if cc.ID != 2 {
		t.Fatalf("expected non-free entry 2 for an opus request, got %d", cc.ID)
	}
}

func TestReportFailureDisablesAtThreshold(t *testing.T) {
	p := newTestPool(t, []model.Credential{freshCred(1, 1), freshCred(2, 2)})
	var remaining bool
	var err error
	for i := 0; i < failureThreshold; i++ {
		remaining, err = p.ReportFailure(1)
		if err != nil {
			t.Fatalf("ReportFailure: %v", err)
		}
	}
	if !p.byID[1].Disabled || p.byID[1].DisabledReason != model.DisabledTooManyFailures {
		t.Fatalf("expected entry 1 disabled with TooManyFailures")
	}
	if !remaining {
		t.Fatalf("expected another entry still enabled")
	}
}

func TestQuotaExceededDisablesImmediately(t *testing.T) {
	p := newTestPool(t, []model.Credential{freshCred(1, 1), freshCred(2, 2)})
	remaining, err := p.ReportQuotaExceeded(1)
	if err != nil {
		t.Fatalf("ReportQuotaExceeded: %v", err)
	}
	if !remaining {
		t.Fatalf("expected entry 2 still enabled")
	}
	if !p.byID[1].Disabled || p.byID[1].DisabledReason != model.DisabledQuotaExceeded {
		t.Fatalf("expected entry 1 disabled with QuotaExceeded")
	}
	if p.byID[1].FailureCount != failureThreshold {
		t.Fatalf("expected failure count pinned to threshold, got %d", p.byID[1].FailureCount)
	}

	cc, err := p.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("Acquire after quota exceeded: %v", err)
	}
	if cc.ID != 2 {
		t.Fatalf("expected acquire to route to entry 2, got %d", cc.ID)
	}
}

func TestSelfHealClearsTooManyFailures(t *testing.T) {
	p := newTestPool(t, []model.Credential{freshCred(1, 1), freshCred(2, 2)})
	for _, e := range p.entries {
		e.Disabled = true
		e.DisabledReason = model.DisabledTooManyFailures
		e.FailureCount = failureThreshold
	}

	cc, err := p.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("Acquire after self-heal: %v", err)
	}
	if cc.ID == 0 {
		t.Fatalf("expected a usable entry after self-heal")
	}
	for _, e := range p.entries {
		if e.Disabled {
			t.Fatalf("expected entry %d re-enabled by self-heal", e.ID)
		}
	}
}

func TestAcquireExhaustedWhenAllManuallyDisabled(t *testing.T) {
	p := newTestPool(t, []model.Credential{freshCred(1, 1)})
	if err := p.SetDisabled(1, true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	if _, err := p.Acquire(context.Background(), ""); err == nil {
		t.Fatalf("expected exhausted error")
	}
}

// fakeRefresher lets the refresh concurrency test observe overlap without
// making network calls.
type fakeRefresher struct {
	inFlight int32
	overlaps int32
}

func (f *fakeRefresher) Refresh(ctx context.Context, cred model.Credential, authRegion, machineIDValue string) (refreshResult, error) {
	if atomic.AddInt32(&f.inFlight, 1) > 1 {
		atomic.AddInt32(&f.overlaps, 1)
	}
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(&f.inFlight, -1)
	return refreshResult{AccessToken: "new-access", ExpiresIn: 3600}, nil
}

func TestRefreshIsSerializedAcrossConcurrentCallers(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	cred := freshCred(1, 1)
	cred.ExpiresAt = &past

	p := newTestPool(t, []model.Credential{cred})
	fake := &fakeRefresher{}
	p.refresher = fake

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Acquire(context.Background(), "")
		}()
	}
	wg.Wait()

	if fake.overlaps != 0 {
		t.Fatalf("expected no overlapping refreshes, got %d", fake.overlaps)
	}
}

func TestAddAndDeleteCredential(t *testing.T) {
	p := newTestPool(t, []model.Credential{freshCred(1, 1)})
	fake := &fakeRefresher{}
	p.refresher = fake

	newCred := model.Credential{
		RefreshToken: "another-refresh-token-that-is-long-enough-1234567890123456789012345678901234567890123456789012345678901234567890",
		Priority:     2,
	}
	id, err := p.AddCredential(context.Background(), newCred)
	if err != nil {
		t.Fatalf("AddCredential: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected assigned id 2, got %d", id)
	}

	if err := p.DeleteCredential(id); err == nil {
		t.Fatalf("expected delete of enabled credential to be refused")
	}
	if err := p.SetDisabled(id, true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	if err := p.DeleteCredential(id); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
	if _, ok := p.byID[id]; ok {
		t.Fatalf("expected entry removed from pool")
	}
}

func TestCredentialsFileFormatPreserved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	single := freshCred(1, 1)
	if err := saveCredentialsFile(path, []model.Credential{single}, formatSingleton); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != '{' {
		t.Fatalf("expected singleton file to start with '{', got %q", data[:1])
	}
}
