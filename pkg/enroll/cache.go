package enroll

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/teslashibe/go-friendwatch/pkg/faces"
)

const cacheVersion = 1

// cacheData is the JSON structure of the embedding cache file
type cacheData struct {
	Version    int         `json:"version"`
	Model      string      `json:"model,omitempty"`
	Dim        int         `json:"dim"`
	UpdatedAt  string      `json:"updated_at"`
	Embeddings [][]float64 `json:"embeddings"`
}

// readCache loads and validates the cache at path.
// minCount is the smallest reference set accepted. A non-empty model must
// match the backend recorded in the file.
func readCache(path, model string, minCount int) (faces.ReferenceSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var stored cacheData
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if stored.Version != cacheVersion {
		return nil, fmt.Errorf("%w: %d", ErrCacheVersion, stored.Version)
	}
	if model != "" && stored.Model != "" && stored.Model != model {
		return nil, fmt.Errorf("%w: built by %q, want %q", ErrCacheInvalid, stored.Model, model)
	}
	if len(stored.Embeddings) < minCount {
		return nil, fmt.Errorf("%w: %d embeddings, need %d", ErrCacheInvalid, len(stored.Embeddings), minCount)
	}

	refs := make(faces.ReferenceSet, 0, len(stored.Embeddings))
	for i, e := range stored.Embeddings {
		if len(e) == 0 || len(e) != stored.Dim {
			return nil, fmt.Errorf("%w: embedding %d has dim %d, header says %d", ErrCacheInvalid, i, len(e), stored.Dim)
		}
		refs = append(refs, faces.Embedding(e))
	}
	return refs, nil
}

// writeCache persists refs to path atomically (temp file, then rename)
func writeCache(path, model string, refs faces.ReferenceSet) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	embeddings := make([][]float64, len(refs))
	for i, r := range refs {
		embeddings[i] = []float64(r)
	}
	stored := cacheData{
		Version:    cacheVersion,
		Model:      model,
		Dim:        refs.Dim(),
		UpdatedAt:  time.Now().Format(time.RFC3339),
		Embeddings: embeddings,
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
