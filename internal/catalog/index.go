package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/llm"
)

// Match is one semantic search hit.
type Match struct {
	Entry Entry
	Score float64
}

// Index holds one embedding vector per catalogue entry and serves cosine
// top-k queries. Vectors persist in a sidecar JSON cache keyed by the
// embedded text, so a boot with an unchanged catalogue needs no network.
type Index struct {
	embedder  llm.Embedder
	model     string
	cachePath string
	logger    *logger.Logger

	mu      sync.RWMutex
	entries []Entry
	vectors [][]float32
}

// NewIndex builds an unpopulated index; call Build before Search.
func NewIndex(embedder llm.Embedder, model, cachePath string, log *logger.Logger) *Index {
	return &Index{
		embedder:  embedder,
		model:     model,
		cachePath: cachePath,
		logger:    log.WithComponent("catalog"),
	}
}

// vectorCache is the sidecar file layout. Vectors from a different model are
// useless, so a model change discards the whole cache.
type vectorCache struct {
	Model   string               `json:"model"`
	Vectors map[string][]float32 `json:"vectors"`
}

// Build embeds every entry not covered by the cache and swaps the index to
// the new catalogue. With a warm cache it makes no network calls.
func (ix *Index) Build(ctx context.Context, entries []Entry) error {
	cached := ix.loadCache()

	keys := make([]string, len(entries))
	vectors := make([][]float32, len(entries))
	var missTexts []string
	var missAt []int
	for i, e := range entries {
		text := embedText(e)
		keys[i] = cacheKey(text)
		if v, ok := cached[keys[i]]; ok {
			vectors[i] = v
			continue
		}
		missTexts = append(missTexts, text)
		missAt = append(missAt, i)
	}

	if len(missTexts) > 0 {
		embedded, err := ix.embedder.Embed(ctx, missTexts)
		if err != nil {
			return fmt.Errorf("failed to embed %d catalog entries: %w", len(missTexts), err)
		}
		if len(embedded) != len(missTexts) {
			return fmt.Errorf("embedding returned %d vectors for %d entries", len(embedded), len(missTexts))
		}
		for j, i := range missAt {
			vectors[i] = embedded[j]
			cached[keys[i]] = embedded[j]
		}
		ix.saveCache(cached)
	}

	ix.mu.Lock()
	ix.entries = append([]Entry(nil), entries...)
	ix.vectors = vectors
	ix.mu.Unlock()

	ix.logger.Info("Catalog index built",
		zap.Int("entries", len(entries)),
		zap.Int("embedded", len(missTexts)),
		zap.Int("cached", len(entries)-len(missTexts)),
	)
	return nil
}

// Search embeds the query and returns the k nearest entries by cosine
// similarity, best first. An empty index returns no matches.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Match, error) {
	ix.mu.RLock()
	entries := ix.entries
	vectors := ix.vectors
	ix.mu.RUnlock()
	if len(entries) == 0 || k <= 0 {
		return nil, nil
	}

	embedded, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(embedded) != 1 {
		return nil, fmt.Errorf("embedding returned %d vectors for one query", len(embedded))
	}
	q := embedded[0]

	matches := make([]Match, 0, len(entries))
	for i, e := range entries {
		matches = append(matches, Match{Entry: e, Score: cosine(q, vectors[i])})
	}
	sort.SliceStable(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

// List returns the indexed entries.
func (ix *Index) List() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]Entry(nil), ix.entries...)
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

func (ix *Index) loadCache() map[string][]float32 {
	data, err := os.ReadFile(ix.cachePath)
	if err != nil {
		return make(map[string][]float32)
	}
	var c vectorCache
	if err := json.Unmarshal(data, &c); err != nil || c.Model != ix.model || c.Vectors == nil {
		return make(map[string][]float32)
	}
	return c.Vectors
}

func (ix *Index) saveCache(vectors map[string][]float32) {
	data, err := json.Marshal(vectorCache{Model: ix.model, Vectors: vectors})
	if err != nil {
		ix.logger.WithError(err).Warn("Failed to encode embedding cache")
		return
	}
	if err := os.MkdirAll(filepath.Dir(ix.cachePath), 0o755); err != nil {
		ix.logger.WithError(err).Warn("Failed to create embedding cache directory")
		return
	}
	if err := os.WriteFile(ix.cachePath, data, 0o644); err != nil {
		ix.logger.WithError(err).Warn("Failed to write embedding cache")
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// cosine returns the similarity of two vectors in [-1, 1]. Mismatched or
// zero-length vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
