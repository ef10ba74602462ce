package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chorushq/chorus/internal/common/logger"
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

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}
	return path
}

const testCatalogYAML = `playbooks:
  - name: deploy-jellyfin
    path: playbooks/jellyfin.yml
    description: Deploy the Jellyfin media server with hardware transcoding
    tags: [media, streaming]
    services: [jellyfin]
  - name: deploy-caddy
    path: playbooks/caddy.yml
    description: Deploy the Caddy reverse proxy with automatic TLS
    tags: [proxy, web]
    services: [caddy]
  - name: backup-volumes
    path: playbooks/backup.yml
    description: Snapshot and back up persistent volumes to the NAS
    tags: [backup]
    services: [restic]
`

func TestLoadFile(t *testing.T) {
	entries, err := LoadFile(writeCatalog(t, testCatalogYAML))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	e := entries[0]
	if e.Name != "deploy-jellyfin" || e.Path != "playbooks/jellyfin.yml" {
		t.Errorf("entry = %+v", e)
	}
	if len(e.Tags) != 2 || e.Tags[0] != "media" {
		t.Errorf("tags = %v", e.Tags)
	}
	if len(e.Services) != 1 || e.Services[0] != "jellyfin" {
		t.Errorf("services = %v", e.Services)
	}
}

func TestLoadFileValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			"missing name",
			"playbooks:\n  - path: a.yml\n    description: d\n",
			"no name",
		},
		{
			"missing path",
			"playbooks:\n  - name: a\n    description: d\n",
			"no path",
		},
		{
			"missing description",
			"playbooks:\n  - name: a\n    path: a.yml\n",
			"no description",
		},
		{
			"duplicate name",
			"playbooks:\n  - name: a\n    path: a.yml\n    description: d\n  - name: a\n    path: b.yml\n    description: d\n",
			"defined twice",
		},
		{
			"bad yaml",
			"playbooks: [",
			"failed to parse",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeCatalog(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadFile accepted a missing file")
	}
}

type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, ok := f.vectors[text]
		if !ok {
			v = []float32{0, 0, 0}
		}
		out[i] = v
	}
	return out, nil
}

func testEntries(t *testing.T) []Entry {
	t.Helper()
	entries, err := LoadFile(writeCatalog(t, testCatalogYAML))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	return entries
}

func testEmbedder(t *testing.T, entries []Entry) *fakeEmbedder {
	t.Helper()
	axes := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	vectors := make(map[string][]float32, len(entries)+1)
	for i, e := range entries {
		vectors[embedText(e)] = axes[i%len(axes)]
	}
	vectors["media server for movies"] = []float32{0.9, 0.1, 0}
	return &fakeEmbedder{vectors: vectors}
}

func TestIndexBuildAndSearch(t *testing.T) {
	entries := testEntries(t)
	emb := testEmbedder(t, entries)
	ix := NewIndex(emb, "text-embedding-3-small", filepath.Join(t.TempDir(), "emb.json"), newTestLogger(t))

	if err := ix.Build(context.Background(), entries); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if ix.Len() != 3 {
		t.Fatalf("Len = %d, want 3", ix.Len())
	}

	matches, err := ix.Search(context.Background(), "media server for movies", 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].Entry.Name != "deploy-jellyfin" {
		t.Errorf("top match = %s, want deploy-jellyfin", matches[0].Entry.Name)
	}
	if matches[0].Score <= matches[1].Score {
		t.Errorf("scores not descending: %f then %f", matches[0].Score, matches[1].Score)
	}
	if matches[0].Score < 0.9 {
		t.Errorf("top score = %f, want near 1", matches[0].Score)
	}
}

func TestIndexWarmCacheSkipsEmbedding(t *testing.T) {
	entries := testEntries(t)
	emb := testEmbedder(t, entries)
	cachePath := filepath.Join(t.TempDir(), "emb.json")
	log := newTestLogger(t)

	ix := NewIndex(emb, "text-embedding-3-small", cachePath, log)
	if err := ix.Build(context.Background(), entries); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if emb.calls != 1 {
		t.Fatalf("cold build made %d embed calls, want 1", emb.calls)
	}

	// A rebooted index with a dead network still builds from the cache.
	offline := &fakeEmbedder{err: errors.New("no route to host")}
	ix2 := NewIndex(offline, "text-embedding-3-small", cachePath, log)
	if err := ix2.Build(context.Background(), entries); err != nil {
		t.Fatalf("warm Build failed: %v", err)
	}
	if offline.calls != 0 {
		t.Errorf("warm build made %d embed calls, want 0", offline.calls)
	}
	if ix2.Len() != 3 {
		t.Errorf("warm index Len = %d, want 3", ix2.Len())
	}
}

func TestIndexCacheInvalidatedByModelChange(t *testing.T) {
	entries := testEntries(t)
	cachePath := filepath.Join(t.TempDir(), "emb.json")
	log := newTestLogger(t)

	first := testEmbedder(t, entries)
	if err := NewIndex(first, "text-embedding-3-small", cachePath, log).Build(context.Background(), entries); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	second := testEmbedder(t, entries)
	if err := NewIndex(second, "text-embedding-3-large", cachePath, log).Build(context.Background(), entries); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if second.calls != 1 {
		t.Errorf("model change made %d embed calls, want 1 re-embed", second.calls)
	}
}

func TestIndexColdBuildFailsOffline(t *testing.T) {
	entries := testEntries(t)
	offline := &fakeEmbedder{err: errors.New("no route to host")}
	ix := NewIndex(offline, "text-embedding-3-small", filepath.Join(t.TempDir(), "emb.json"), newTestLogger(t))
	if err := ix.Build(context.Background(), entries); err == nil {
		t.Fatal("cold Build succeeded without an embedder")
	}
}

func TestIndexSearchBeforeBuild(t *testing.T) {
	emb := &fakeEmbedder{}
	ix := NewIndex(emb, "text-embedding-3-small", filepath.Join(t.TempDir(), "emb.json"), newTestLogger(t))
	matches, err := ix.Search(context.Background(), "anything", 5)
	if err != nil || matches != nil {
		t.Fatalf("empty index Search = %v, %v; want nil, nil", matches, err)
	}
	if emb.calls != 0 {
		t.Error("empty index still embedded the query")
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosine(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("cosine = %f, want %f", got, tt.want)
			}
		})
	}
}
