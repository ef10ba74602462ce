package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chorushq/chorus/internal/common/config"
	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/store"
)

// Provider is one completion backend in the fallback chain.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// embeddingProvider is satisfied by backends that can also embed.
type embeddingProvider interface {
	embed(ctx context.Context, texts []string) ([][]float32, Usage, error)
}

type chainEntry struct {
	provider Provider
	tracker  *QuotaTracker
}

// Gateway walks the configured provider chain until one completion succeeds.
// Identical concurrent requests collapse into one upstream call, and
// responses are cached for the configured TTL.
type Gateway struct {
	chain          []chainEntry
	cache          *gocache.Cache
	group          singleflight.Group
	timeout        time.Duration
	cacheMax       int
	embedder       embeddingProvider
	embedTracker   *QuotaTracker
	embedCostPer1M float64
	logger         *logger.Logger
}

// NewGateway builds the provider chain from configuration. Providers without
// an API key are skipped with a warning; a chain that ends up empty still
// constructs, and every completion then fails with ErrNoProviders.
func NewGateway(cfg config.LLMConfig, st *store.Store, log *logger.Logger) (*Gateway, error) {
	g := &Gateway{
		cache:          gocache.New(cfg.CacheTTL(), 10*time.Minute),
		timeout:        cfg.RequestTimeout(),
		cacheMax:       cfg.CacheMaxEntries,
		embedCostPer1M: cfg.Embedding.CostPer1M,
		logger:         log.WithComponent("llm-gateway"),
	}

	for _, name := range cfg.ProviderChain {
		switch name {
		case "anthropic":
			if cfg.Anthropic.APIKey == "" {
				g.logger.Warn("Provider has no API key, skipping", zap.String("provider", name))
				continue
			}
			p, err := NewAnthropicProvider(cfg.Anthropic)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize anthropic provider: %w", err)
			}
			g.chain = append(g.chain, chainEntry{
				provider: p,
				tracker:  NewQuotaTracker(st, p.Name(), cfg.Anthropic, cfg.QuotaThresholdPercent),
			})
		case "openai":
			if cfg.OpenAI.APIKey == "" {
				g.logger.Warn("Provider has no API key, skipping", zap.String("provider", name))
				continue
			}
			p, err := NewOpenAIProvider(cfg.OpenAI, cfg.Embedding.Model)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize openai provider: %w", err)
			}
			tracker := NewQuotaTracker(st, p.Name(), cfg.OpenAI, cfg.QuotaThresholdPercent)
			g.chain = append(g.chain, chainEntry{provider: p, tracker: tracker})
			g.embedder = p
			g.embedTracker = tracker
		default:
			return nil, fmt.Errorf("unknown llm provider %q in provider_chain", name)
		}
	}
	if len(g.chain) == 0 {
		g.logger.Warn("LLM provider chain is empty, planning will be unavailable")
	}
	return g, nil
}

// Start primes the quota trackers from the store and begins the flush loop.
// Until a tracker's first successful refresh its provider is skipped.
func (g *Gateway) Start(ctx context.Context) {
	g.syncTrackers(ctx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				g.syncTrackers(fctx)
				cancel()
				return
			case <-ticker.C:
				g.syncTrackers(ctx)
			}
		}
	}()
}

// syncTrackers flushes loaded trackers and retries the initial refresh on
// ones that have not read the ledger yet.
func (g *Gateway) syncTrackers(ctx context.Context) {
	for _, entry := range g.chain {
		var err error
		if entry.tracker.Loaded() {
			err = entry.tracker.Flush(ctx)
		} else {
			err = entry.tracker.Refresh(ctx)
		}
		if err != nil {
			g.logger.WithError(err).Error("Quota ledger sync failed",
				zap.String("provider", entry.provider.Name()),
			)
		}
	}
}

// Complete serves the request from cache when possible, otherwise walks the
// provider chain. Concurrent identical requests share one upstream call.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("completion request has no messages")
	}

	key := cacheKey(req)
	if hit, ok := g.cache.Get(key); ok {
		resp := *(hit.(*Response))
		resp.Cached = true
		return &resp, nil
	}

	shared, err, _ := g.group.Do(key, func() (interface{}, error) {
		return g.completeUncached(ctx, key, req)
	})
	if err != nil {
		return nil, err
	}
	resp := *(shared.(*Response))
	return &resp, nil
}

func (g *Gateway) completeUncached(ctx context.Context, key string, req Request) (*Response, error) {
	if len(g.chain) == 0 {
		return nil, ErrNoProviders
	}

	var errs []error
	for _, entry := range g.chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.provider.Name()

		if !entry.tracker.Allow() {
			g.logger.Info("Provider skipped by quota threshold", zap.String("provider", name))
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrQuotaExceeded))
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := entry.provider.Complete(cctx, req)
		cancel()
		if err != nil {
			if !retryable(err) && ctx.Err() == nil {
				return nil, err
			}
			g.logger.WithError(err).Warn("Provider failed, falling through",
				zap.String("provider", name),
			)
			errs = append(errs, err)
			continue
		}

		entry.tracker.Record(resp.Usage)
		g.cacheSet(key, resp)
		return resp, nil
	}
	return nil, fmt.Errorf("provider chain exhausted: %w", errors.Join(errs...))
}

// Embed computes embedding vectors through the embedding-capable provider.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if g.embedder == nil {
		return nil, fmt.Errorf("embedding: %w", ErrNoProviders)
	}
	if len(texts) == 0 {
		return nil, nil
	}
	if !g.embedTracker.Allow() {
		return nil, fmt.Errorf("embedding: %w", ErrQuotaExceeded)
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	vectors, usage, err := g.embedder.embed(cctx, texts)
	if err != nil {
		return nil, err
	}
	g.embedTracker.RecordCents(float64(usage.InputTokens) * g.embedCostPer1M / 1e6 * 100)
	return vectors, nil
}

// cacheSet stores a response unless the cache is at its entry bound.
func (g *Gateway) cacheSet(key string, resp *Response) {
	if g.cacheMax > 0 && g.cache.ItemCount() >= g.cacheMax {
		return
	}
	g.cache.SetDefault(key, resp)
}

// cacheKey hashes the canonical request: model, parameters, and every
// message in order.
func cacheKey(req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x1f%d\x1f%.3f\x1f%t", req.Model, req.MaxTokens, req.Temperature, req.JSONMode)
	for _, m := range req.Messages {
		h.Write([]byte{0x1e})
		h.Write([]byte(m.Role))
		h.Write([]byte{0x1f})
		h.Write([]byte(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}
