package llm

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/chorushq/chorus/internal/common/config"
	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/db"
	"github.com/chorushq/chorus/internal/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return log
}

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	pool, err := db.Connect(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	s, err := store.New(pool)
	if err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	return s
}

type fakeProvider struct {
	name  string
	delay time.Duration
	resp  *Response
	err   error

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	return &resp, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func readyTracker(t *testing.T, st *store.Store, provider string) *QuotaTracker {
	t.Helper()
	tracker := NewQuotaTracker(st, provider, config.ProviderConfig{
		MonthlyCapUSD:   50,
		InputCostPer1M:  3,
		OutputCostPer1M: 15,
	}, 80)
	if err := tracker.Refresh(context.Background()); err != nil {
		t.Fatalf("failed to refresh tracker: %v", err)
	}
	return tracker
}

func newTestGateway(t *testing.T, entries ...chainEntry) *Gateway {
	t.Helper()
	return &Gateway{
		chain:    entries,
		cache:    gocache.New(time.Hour, time.Hour),
		timeout:  2 * time.Second,
		cacheMax: 128,
		logger:   newTestLogger(t).WithComponent("llm-gateway"),
	}
}

func planRequest(text string) Request {
	return Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "You plan infrastructure changes."},
			{Role: RoleUser, Content: text},
		},
		MaxTokens: 512,
		JSONMode:  true,
	}
}

func TestGatewayFallsThroughOnRetryable(t *testing.T) {
	st := createTestStore(t)
	primary := &fakeProvider{name: "anthropic", err: &Error{
		Provider: "anthropic", Status: http.StatusServiceUnavailable, Message: "overloaded", Retryable: true,
	}}
	fallback := &fakeProvider{name: "openai", resp: &Response{Provider: "openai", Content: `{"tasks":[]}`}}

	g := newTestGateway(t,
		chainEntry{provider: primary, tracker: readyTracker(t, st, "anthropic")},
		chainEntry{provider: fallback, tracker: readyTracker(t, st, "openai")},
	)

	resp, err := g.Complete(context.Background(), planRequest("restart jellyfin"))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Provider != "openai" {
		t.Errorf("provider = %s, want openai", resp.Provider)
	}
	if primary.callCount() != 1 || fallback.callCount() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.callCount(), fallback.callCount())
	}
}

func TestGatewayStopsOnNonRetryable(t *testing.T) {
	st := createTestStore(t)
	primary := &fakeProvider{name: "anthropic", err: &Error{
		Provider: "anthropic", Status: http.StatusUnauthorized, Message: "invalid api key",
	}}
	fallback := &fakeProvider{name: "openai", resp: &Response{Provider: "openai", Content: "ok"}}

	g := newTestGateway(t,
		chainEntry{provider: primary, tracker: readyTracker(t, st, "anthropic")},
		chainEntry{provider: fallback, tracker: readyTracker(t, st, "openai")},
	)

	_, err := g.Complete(context.Background(), planRequest("restart jellyfin"))
	var perr *Error
	if !errors.As(err, &perr) || perr.Status != http.StatusUnauthorized {
		t.Fatalf("error = %v, want the auth failure", err)
	}
	if fallback.callCount() != 0 {
		t.Error("auth failure must not fall through to the next provider")
	}
}

func TestGatewaySkipsProviderAtQuotaThreshold(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	// Cap $50, threshold 80%: 4000 persisted cents is at the line.
	if _, err := st.AddQuotaSpend(ctx, "anthropic", monthKey(time.Now()), 4000); err != nil {
		t.Fatalf("failed to seed quota: %v", err)
	}

	primary := &fakeProvider{name: "anthropic", resp: &Response{Provider: "anthropic", Content: "x"}}
	fallback := &fakeProvider{name: "openai", resp: &Response{Provider: "openai", Content: "y"}}

	g := newTestGateway(t,
		chainEntry{provider: primary, tracker: readyTracker(t, st, "anthropic")},
		chainEntry{provider: fallback, tracker: readyTracker(t, st, "openai")},
	)

	resp, err := g.Complete(ctx, planRequest("restart jellyfin"))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Provider != "openai" {
		t.Errorf("provider = %s, want openai", resp.Provider)
	}
	if primary.callCount() != 0 {
		t.Error("provider at quota threshold was still called")
	}
}

func TestGatewayConservativeBeforeRefresh(t *testing.T) {
	st := createTestStore(t)
	primary := &fakeProvider{name: "anthropic", resp: &Response{Provider: "anthropic", Content: "x"}}

	// No Refresh: the tracker has never read the ledger.
	tracker := NewQuotaTracker(st, "anthropic", config.ProviderConfig{MonthlyCapUSD: 50}, 80)
	g := newTestGateway(t, chainEntry{provider: primary, tracker: tracker})

	_, err := g.Complete(context.Background(), planRequest("restart jellyfin"))
	if err == nil {
		t.Fatal("Complete succeeded before the quota ledger was read")
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("error = %v, want ErrQuotaExceeded in chain", err)
	}
	if primary.callCount() != 0 {
		t.Error("provider was called before its ledger refresh")
	}
}

func TestGatewayCache(t *testing.T) {
	st := createTestStore(t)
	provider := &fakeProvider{name: "anthropic", resp: &Response{Provider: "anthropic", Content: "cached answer"}}
	g := newTestGateway(t, chainEntry{provider: provider, tracker: readyTracker(t, st, "anthropic")})
	ctx := context.Background()

	first, err := g.Complete(ctx, planRequest("restart jellyfin"))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if first.Cached {
		t.Error("first response reported Cached")
	}

	second, err := g.Complete(ctx, planRequest("restart jellyfin"))
	if err != nil {
		t.Fatalf("second Complete failed: %v", err)
	}
	if !second.Cached {
		t.Error("identical request was not served from cache")
	}
	if second.Content != first.Content {
		t.Errorf("cached content = %q, want %q", second.Content, first.Content)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.callCount())
	}

	// A different request misses.
	if _, err := g.Complete(ctx, planRequest("update caddy")); err != nil {
		t.Fatalf("third Complete failed: %v", err)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
}

func TestGatewayCacheEntryBound(t *testing.T) {
	st := createTestStore(t)
	provider := &fakeProvider{name: "anthropic", resp: &Response{Provider: "anthropic", Content: "x"}}
	g := newTestGateway(t, chainEntry{provider: provider, tracker: readyTracker(t, st, "anthropic")})
	g.cacheMax = 1
	ctx := context.Background()

	if _, err := g.Complete(ctx, planRequest("restart jellyfin")); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	// Cache is full: this response is not stored, so a repeat goes upstream.
	if _, err := g.Complete(ctx, planRequest("update caddy")); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if _, err := g.Complete(ctx, planRequest("update caddy")); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if provider.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3 with a full cache", provider.callCount())
	}
}

func TestGatewaySingleflight(t *testing.T) {
	st := createTestStore(t)
	provider := &fakeProvider{
		name:  "anthropic",
		delay: 50 * time.Millisecond,
		resp:  &Response{Provider: "anthropic", Content: "shared"},
	}
	g := newTestGateway(t, chainEntry{provider: provider, tracker: readyTracker(t, st, "anthropic")})

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*Response, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Complete(context.Background(), planRequest("restart jellyfin"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].Content != "shared" {
			t.Errorf("caller %d content = %q", i, results[i].Content)
		}
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 for concurrent identical requests", provider.callCount())
	}
}

func TestGatewayPerProviderTimeout(t *testing.T) {
	st := createTestStore(t)
	slow := &fakeProvider{name: "anthropic", delay: time.Second, resp: &Response{Provider: "anthropic", Content: "late"}}
	fast := &fakeProvider{name: "openai", resp: &Response{Provider: "openai", Content: "fast"}}

	g := newTestGateway(t,
		chainEntry{provider: slow, tracker: readyTracker(t, st, "anthropic")},
		chainEntry{provider: fast, tracker: readyTracker(t, st, "openai")},
	)
	g.timeout = 30 * time.Millisecond

	resp, err := g.Complete(context.Background(), planRequest("restart jellyfin"))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Provider != "openai" {
		t.Errorf("provider = %s, want the fallback after a timeout", resp.Provider)
	}
}

func TestGatewayEmptyChain(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.Complete(context.Background(), planRequest("restart jellyfin"))
	if !errors.Is(err, ErrNoProviders) {
		t.Fatalf("error = %v, want ErrNoProviders", err)
	}
}

func TestQuotaTrackerFlushAndReload(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()
	cfg := config.ProviderConfig{MonthlyCapUSD: 1, InputCostPer1M: 3, OutputCostPer1M: 15}

	tracker := NewQuotaTracker(st, "anthropic", cfg, 80)
	if err := tracker.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !tracker.Allow() {
		t.Fatal("fresh tracker should allow")
	}

	// 10M input + 2M output tokens = $30 + $30 = 6000 cents, far past an
	// 80-cent threshold on the $1 cap.
	tracker.Record(Usage{InputTokens: 10_000_000, OutputTokens: 2_000_000})
	if tracker.Allow() {
		t.Error("tracker past cap still allows")
	}
	if err := tracker.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	spent, err := st.GetQuotaSpend(ctx, "anthropic", monthKey(time.Now()))
	if err != nil {
		t.Fatalf("GetQuotaSpend failed: %v", err)
	}
	if spent != 6000 {
		t.Errorf("persisted spend = %d cents, want 6000", spent)
	}

	// A second tracker (fresh boot) is conservative until refresh, then
	// sees the persisted spend.
	reborn := NewQuotaTracker(st, "anthropic", cfg, 80)
	if reborn.Allow() {
		t.Error("unrefreshed tracker should not allow")
	}
	if err := reborn.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if reborn.Allow() {
		t.Error("tracker still allows after reloading spend past the cap")
	}
}

func TestQuotaTrackerSubCentCarry(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()
	cfg := config.ProviderConfig{MonthlyCapUSD: 50, InputCostPer1M: 0.15, OutputCostPer1M: 0.60}

	tracker := NewQuotaTracker(st, "openai", cfg, 80)
	if err := tracker.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// 1000 input tokens at $0.15/1M is 0.015 cents: below a whole cent,
	// nothing to persist yet.
	tracker.Record(Usage{InputTokens: 1000})
	if err := tracker.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	spent, err := st.GetQuotaSpend(ctx, "openai", monthKey(time.Now()))
	if err != nil {
		t.Fatalf("GetQuotaSpend failed: %v", err)
	}
	if spent != 0 {
		t.Errorf("persisted spend = %d, want 0 for a sub-cent remainder", spent)
	}
	if tracker.SpentCents() <= 0 {
		t.Error("sub-cent remainder was dropped instead of carried")
	}
}
