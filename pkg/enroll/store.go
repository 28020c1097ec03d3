// Package enroll builds and caches the reference embeddings of the enrolled subject.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/teslashibe/go-friendwatch/internal/log"
	"github.com/teslashibe/go-friendwatch/pkg/faces"
)

// MinEnrollmentImages is the minimum number of usable images for a valid reference set
const MinEnrollmentImages = 3

// Config holds enrollment settings
type Config struct {
	CachePath    string  // Embedding cache file
	MinImages    int     // Minimum usable images (default 3)
	Brightness   float64 // Brightness factor applied before detection (1.0 = unchanged)
	Contrast     float64 // Contrast factor applied after brightness (1.0 = unchanged)
	MaxDimension int     // Downscale larger images to this size before detection (0 = off)
	Model        string  // Backend name recorded in the cache header
}

// DefaultConfig returns the production enrollment settings
func DefaultConfig() Config {
	return Config{
		CachePath:  "friend_encodings.json",
		MinImages:  MinEnrollmentImages,
		Brightness: 1.2,
		Contrast:   1.1,
	}
}

// Backend is the face capability used during enrollment
type Backend interface {
	faces.Detector
	faces.Embedder
}

// Progress receives one Add(1) per processed image.
// *progressbar.ProgressBar satisfies it.
type Progress interface {
	Add(num int) error
}

// Summary describes one enrollment build
type Summary struct {
	Total    int
	Valid    int
	Failed   []string // Paths that produced no embedding, in input order
	Duration time.Duration
}

// SuccessRate returns Valid/Total as a percentage
func (s Summary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Valid) / float64(s.Total) * 100
}

// Store loads the reference set from cache or builds it from enrollment images
type Store struct {
	config   Config
	backend  Backend
	progress Progress
	logger   *slog.Logger

	lastSummary Summary
}

// NewStore creates an enrollment store
func NewStore(cfg Config, backend Backend) *Store {
	if cfg.MinImages <= 0 {
		cfg.MinImages = MinEnrollmentImages
	}
	if cfg.Brightness <= 0 {
		cfg.Brightness = 1
	}
	if cfg.Contrast <= 0 {
		cfg.Contrast = 1
	}
	return &Store{
		config:  cfg,
		backend: backend,
		logger:  log.With("component", "enroll"),
	}
}

// SetProgress sets a progress reporter for the next build
func (s *Store) SetProgress(p Progress) {
	s.progress = p
}

// LastSummary returns the summary of the most recent build
func (s *Store) LastSummary() Summary {
	return s.lastSummary
}

// LoadOrBuild returns the cached reference set when the cache is usable, otherwise
// builds it from paths. A build with fewer than MinImages usable images returns an
// empty set and an *InsufficientError, and writes nothing.
func (s *Store) LoadOrBuild(ctx context.Context, paths []string) (faces.ReferenceSet, error) {
	refs, err := s.Load()
	if err == nil {
		s.logger.Info("loaded cached embeddings", "path", s.config.CachePath, "count", len(refs))
		return refs, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("embedding cache unusable, rebuilding", "path", s.config.CachePath, "error", err)
	}

	return s.Build(ctx, paths)
}

// Load reads the cache without touching enrollment images
func (s *Store) Load() (faces.ReferenceSet, error) {
	if s.config.CachePath == "" {
		return nil, os.ErrNotExist
	}
	return readCache(s.config.CachePath, s.config.Model, s.config.MinImages)
}

// Build processes paths in order and persists the result when it is valid
func (s *Store) Build(ctx context.Context, paths []string) (faces.ReferenceSet, error) {
	start := time.Now()
	summary := Summary{Total: len(paths)}
	var refs faces.ReferenceSet

	s.logger.Info("building reference embeddings", "images", len(paths))

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return faces.ReferenceSet{}, err
		}

		emb, err := s.embedFile(path)
		if s.progress != nil {
			_ = s.progress.Add(1)
		}
		if err != nil {
			s.logger.Debug("enrollment image skipped", "path", path, "error", err)
			summary.Failed = append(summary.Failed, path)
			continue
		}
		refs = append(refs, emb)
	}

	summary.Valid = len(refs)
	summary.Duration = time.Since(start)
	s.lastSummary = summary

	s.logger.Info("enrollment summary",
		"total", summary.Total,
		"valid", summary.Valid,
		"failed", len(summary.Failed),
		"success_rate", fmt.Sprintf("%.1f%%", summary.SuccessRate()),
		"duration", summary.Duration.Round(time.Millisecond))

	if summary.Valid < s.config.MinImages {
		return faces.ReferenceSet{}, &InsufficientError{
			Valid:    summary.Valid,
			Required: s.config.MinImages,
			Total:    summary.Total,
		}
	}

	if s.config.CachePath != "" {
		if err := writeCache(s.config.CachePath, s.config.Model, refs); err != nil {
			s.logger.Error("failed to save embedding cache", "path", s.config.CachePath, "error", err)
		} else {
			s.logger.Info("saved embedding cache", "path", s.config.CachePath, "count", len(refs))
		}
	}

	return refs, nil
}

// Clear removes the cache file. A missing cache is not an error.
func (s *Store) Clear() error {
	if s.config.CachePath == "" {
		return nil
	}
	if err := os.Remove(s.config.CachePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache: %w", err)
	}
	return nil
}

// embedFile turns one enrollment image into an embedding of its largest face
func (s *Store) embedFile(path string) (faces.Embedding, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}

	frame := Preprocess(img, s.config)

	dets, err := s.backend.DetectFaces(frame)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	best := faces.Largest(dets)
	if best == nil {
		return nil, ErrNoFace
	}

	emb, err := s.backend.Embed(frame, *best)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(emb) == 0 {
		return nil, faces.ErrNoEmbedding
	}
	return emb, nil
}
