package enroll

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-friendwatch/internal/log"
	"github.com/teslashibe/go-friendwatch/pkg/faces"
)

const (
	noFaceWidth    = 13 // images this wide contain no face
	twoFacesWidth  = 40 // images this wide contain two faces, the second larger
	embedDimension = 4
)

// fakeBackend derives detections from the image width so tests control the outcome
type fakeBackend struct {
	mu     sync.Mutex
	detect int
	embed  int
}

func (f *fakeBackend) DetectFaces(img image.Image) ([]faces.Detection, error) {
	f.mu.Lock()
	f.detect++
	f.mu.Unlock()

	b := img.Bounds()
	switch b.Dx() {
	case noFaceWidth:
		return nil, nil
	case twoFacesWidth:
		return []faces.Detection{
			{Box: image.Rect(0, 0, 5, 5), Confidence: 0.99},
			{Box: image.Rect(10, 10, 30, 30), Confidence: 0.80},
		}, nil
	}
	return []faces.Detection{{Box: b, Confidence: 0.9}}, nil
}

func (f *fakeBackend) Embed(img image.Image, det faces.Detection) (faces.Embedding, error) {
	f.mu.Lock()
	f.embed++
	f.mu.Unlock()

	w := float64(img.Bounds().Dx())
	emb := make(faces.Embedding, embedDimension)
	emb[0] = w * math.Pi / 7
	emb[1] = float64(det.Box.Dx()) / 3
	emb[2] = float64(img.Bounds().Dy()) * 1e-7
	emb[3] = 1 / (w + 0.1)
	return emb, nil
}

func (f *fakeBackend) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detect, f.embed
}

type countingProgress struct{ n int }

func (p *countingProgress) Add(num int) error {
	p.n += num
	return nil
}

func writePNG(t *testing.T, dir string, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 4), 90, 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func writeGarbage(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0644))
	return path
}

func newTestStore(t *testing.T, backend Backend) (*Store, string) {
	t.Helper()
	log.Discard()
	cfg := DefaultConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "cache", "encodings.json")
	return NewStore(cfg, backend), cfg.CachePath
}

func TestLoadOrBuild_Insufficient(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writePNG(t, dir, "a.png", 20, 20),
		writePNG(t, dir, "b.png", noFaceWidth, 20),
		writeGarbage(t, dir, "c.jpg"),
		filepath.Join(dir, "missing.jpg"),
		writePNG(t, dir, "e.png", 24, 20),
	}

	store, cachePath := newTestStore(t, &fakeBackend{})
	refs, err := store.LoadOrBuild(context.Background(), paths)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEnrollmentInsufficient))
	var insufficient *InsufficientError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 2, insufficient.Valid)
	assert.Equal(t, 3, insufficient.Required)
	assert.Equal(t, 5, insufficient.Total)
	assert.Empty(t, refs)

	_, statErr := os.Stat(cachePath)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "cache must not be written")

	summary := store.LastSummary()
	assert.Equal(t, []string{paths[1], paths[2], paths[3]}, summary.Failed)
	assert.InDelta(t, 40.0, summary.SuccessRate(), 1e-9)
}

func TestLoadOrBuild_ExactlyMinimum(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writePNG(t, dir, "a.png", 20, 20),
		writePNG(t, dir, "b.png", 24, 20),
		writePNG(t, dir, "c.png", 28, 20),
	}

	store, cachePath := newTestStore(t, &fakeBackend{})
	refs, err := store.LoadOrBuild(context.Background(), paths)
	require.NoError(t, err)
	assert.Len(t, refs, 3)

	_, err = os.Stat(cachePath)
	require.NoError(t, err, "cache should be written")
	_, err = os.Stat(cachePath + ".tmp")
	assert.True(t, errors.Is(err, os.ErrNotExist), "temp file should be renamed away")
}

func TestLoadOrBuild_UsesCache(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 4; i++ {
		paths = append(paths, writePNG(t, dir, fmt.Sprintf("%d.png", i), 20+i, 20))
	}

	backend := &fakeBackend{}
	store, _ := newTestStore(t, backend)
	built, err := store.LoadOrBuild(context.Background(), paths)
	require.NoError(t, err)
	detects, embeds := backend.calls()

	loaded, err := store.LoadOrBuild(context.Background(), paths)
	require.NoError(t, err)

	d2, e2 := backend.calls()
	assert.Equal(t, detects, d2, "cache hit must not run detection")
	assert.Equal(t, embeds, e2, "cache hit must not run embedding")
	if diff := cmp.Diff(built, loaded); diff != "" {
		t.Errorf("cached set differs from built set (-built +loaded):\n%s", diff)
	}
}

func TestLoadOrBuild_CorruptCacheRebuilds(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writePNG(t, dir, "a.png", 20, 20),
		writePNG(t, dir, "b.png", 24, 20),
		writePNG(t, dir, "c.png", 28, 20),
	}

	store, cachePath := newTestStore(t, &fakeBackend{})
	first, err := store.LoadOrBuild(context.Background(), paths)
	require.NoError(t, err)

	corruptions := map[string]string{
		"truncated":     `{"version":1,"dim":4,"embeddings":[[1,2`,
		"wrong version": `{"version":99,"dim":4,"embeddings":[[1,2,3,4],[1,2,3,4],[1,2,3,4]]}`,
		"mixed dims":    `{"version":1,"dim":4,"embeddings":[[1,2,3,4],[1,2],[1,2,3,4]]}`,
		"too few":       `{"version":1,"dim":4,"embeddings":[[1,2,3,4]]}`,
	}
	for name, contents := range corruptions {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(cachePath, []byte(contents), 0644))

			rebuilt, err := store.LoadOrBuild(context.Background(), paths)
			require.NoError(t, err)
			if diff := cmp.Diff(first, rebuilt); diff != "" {
				t.Errorf("rebuilt set differs (-first +rebuilt):\n%s", diff)
			}

			reloaded, err := store.Load()
			require.NoError(t, err, "rebuild should rewrite a valid cache")
			assert.Len(t, reloaded, 3)
		})
	}
}

func TestLoadOrBuild_EndToEndCounts(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 66; i++ {
		name := fmt.Sprintf("friend_%02d.png", i)
		switch {
		case i%11 == 3: // six images without a face
			paths = append(paths, writePNG(t, dir, name, noFaceWidth, 16))
		default:
			paths = append(paths, writePNG(t, dir, name, 16+i%7, 16))
		}
	}

	store, _ := newTestStore(t, &fakeBackend{})
	progress := &countingProgress{}
	store.SetProgress(progress)

	refs, err := store.LoadOrBuild(context.Background(), paths)
	require.NoError(t, err)
	assert.Len(t, refs, 60)
	assert.Equal(t, 66, progress.n)

	summary := store.LastSummary()
	assert.Equal(t, 66, summary.Total)
	assert.Equal(t, 60, summary.Valid)
	assert.Len(t, summary.Failed, 6)
}

func TestBuild_LargestFaceWins(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writePNG(t, dir, "group1.png", twoFacesWidth, 40),
		writePNG(t, dir, "group2.png", twoFacesWidth, 40),
		writePNG(t, dir, "group3.png", twoFacesWidth, 40),
	}

	store, _ := newTestStore(t, &fakeBackend{})
	refs, err := store.Build(context.Background(), paths)
	require.NoError(t, err)
	for _, r := range refs {
		// the larger box is 20px wide
		assert.InDelta(t, 20.0/3, r[1], 1e-12)
	}
}

func TestCacheRoundTripLossless(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enc.json")
	refs := faces.ReferenceSet{
		{math.Pi, -math.E, 1e-300, math.MaxFloat64},
		{0.1, 0.2, 0.30000000000000004, math.SmallestNonzeroFloat64},
		{1.0 / 3, 2.0 / 3, -0.0, 12345.678901234567},
	}

	require.NoError(t, writeCache(path, "test", refs))
	got, err := readCache(path, "test", 3)
	require.NoError(t, err)
	if diff := cmp.Diff(refs, got); diff != "" {
		t.Errorf("round trip changed values (-want +got):\n%s", diff)
	}
}

func TestLoad_OtherBackendRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enc.json")
	refs := faces.ReferenceSet{{1, 2}, {3, 4}, {5, 6}}
	require.NoError(t, writeCache(path, "opencv", refs))

	_, err := readCache(path, "remote", 3)
	assert.ErrorIs(t, err, ErrCacheInvalid)

	got, err := readCache(path, "", 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestBuild_ContextCancelled(t *testing.T) {
	dir := t.TempDir()
	paths := []string{writePNG(t, dir, "a.png", 20, 20)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store, _ := newTestStore(t, &fakeBackend{})
	_, err := store.LoadOrBuild(ctx, paths)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writePNG(t, dir, "a.png", 20, 20),
		writePNG(t, dir, "b.png", 24, 20),
		writePNG(t, dir, "c.png", 28, 20),
	}
	store, cachePath := newTestStore(t, &fakeBackend{})
	_, err := store.LoadOrBuild(context.Background(), paths)
	require.NoError(t, err)

	require.NoError(t, store.Clear())
	_, err = os.Stat(cachePath)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.NoError(t, store.Clear(), "clearing twice is fine")
}
