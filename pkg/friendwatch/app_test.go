package friendwatch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-friendwatch/internal/log"
	"github.com/teslashibe/go-friendwatch/pkg/capture"
	"github.com/teslashibe/go-friendwatch/pkg/enroll"
	"github.com/teslashibe/go-friendwatch/pkg/faces"
	"github.com/teslashibe/go-friendwatch/pkg/playback"
	"github.com/teslashibe/go-friendwatch/pkg/presence"
)

const (
	enrollSize  = 100 // enrollment images with one face
	noFaceSize  = 13  // enrollment images without a face
	frameWidth  = 640
	frameHeight = 480
)

var (
	subject  = faces.Embedding{1, 0, 0, 0}
	stranger = faces.Embedding{0, 1, 0, 0}
)

// fakeRecognizer treats enrollment images by size and live frames by the scene set by the test
type fakeRecognizer struct {
	mu        sync.Mutex
	scene     map[image.Rectangle]faces.Embedding
	detectErr error
	closed    bool
}

func (f *fakeRecognizer) setScene(scene map[image.Rectangle]faces.Embedding) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scene = scene
}

func (f *fakeRecognizer) DetectFaces(img image.Image) ([]faces.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch img.Bounds().Dx() {
	case noFaceSize:
		return nil, nil
	case enrollSize:
		return []faces.Detection{{Box: image.Rect(10, 10, 90, 90), Confidence: 0.9}}, nil
	}
	if f.detectErr != nil {
		return nil, f.detectErr
	}
	var dets []faces.Detection
	for box := range f.scene {
		dets = append(dets, faces.Detection{Box: box, Confidence: 0.9})
	}
	return dets, nil
}

func (f *fakeRecognizer) Embed(img image.Image, det faces.Detection) (faces.Embedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if img.Bounds().Dx() == enrollSize {
		return append(faces.Embedding(nil), subject...), nil
	}
	emb, ok := f.scene[det.Box]
	if !ok {
		return nil, faces.ErrNoEmbedding
	}
	return emb, nil
}

func (f *fakeRecognizer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// loopRenderer plays until the trigger stops it
type loopRenderer struct{}

func (loopRenderer) Step() (bool, error) {
	time.Sleep(time.Millisecond)
	return true, nil
}

func (loopRenderer) Close() error { return nil }

type countingOpener struct {
	opens atomic.Int64
}

func (o *countingOpener) Open(ctx context.Context) (playback.Renderer, error) {
	o.opens.Add(1)
	return loopRenderer{}, nil
}

// faceAt returns a 40x40 box whose center is dx pixels right of the frame center
func faceAt(dx int) image.Rectangle {
	cx, cy := frameWidth/2+dx, frameHeight/2
	return image.Rect(cx-20, cy-20, cx+20, cy+20)
}

func writeEnrollment(t *testing.T, dir string, withFace, withoutFace int) {
	t.Helper()
	write := func(name string, size int) {
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		defer f.Close()
		require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, size, size))))
	}
	for i := 0; i < withFace; i++ {
		write(fmt.Sprintf("face_%02d.png", i), enrollSize)
	}
	for i := 0; i < withoutFace; i++ {
		write(fmt.Sprintf("blank_%02d.png", i), noFaceSize)
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.EnrollDir = filepath.Join(dir, "enroll")
	cfg.CachePath = filepath.Join(dir, "cache", "encodings.json")
	cfg.WebAddr = "127.0.0.1:0"
	require.NoError(t, os.MkdirAll(cfg.EnrollDir, 0o755))
	return cfg
}

type harness struct {
	app        *App
	recognizer *fakeRecognizer
	opener     *countingOpener
}

func newHarness(t *testing.T, cfg Config, src capture.Source) *harness {
	t.Helper()
	log.Discard()
	h := &harness{recognizer: &fakeRecognizer{}, opener: &countingOpener{}}
	if src == nil {
		src = &scriptedSource{}
	}
	app, err := New(cfg, WithRecognizer(h.recognizer), WithOpener(h.opener), WithSource(src))
	require.NoError(t, err)
	h.app = app
	t.Cleanup(app.Shutdown)
	return h
}

func frame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, frameWidth, frameHeight))
}

func TestApp_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	writeEnrollment(t, cfg.EnrollDir, 60, 6)

	h := newHarness(t, cfg, nil)
	require.NoError(t, h.app.Init(context.Background()))

	summary := h.app.Summary()
	assert.Equal(t, 66, summary.Total)
	assert.Equal(t, 60, summary.Valid)
	assert.Len(t, summary.Failed, 6)
	assert.Equal(t, 60, h.app.matcher.Size())

	// Subject 50px from center: frames 1 and 2 are skipped while Absent, frame 3 arrives
	h.recognizer.setScene(map[image.Rectangle]faces.Embedding{faceAt(50): subject})
	for i := 1; i <= 2; i++ {
		res := h.app.ProcessFrame(frame())
		assert.False(t, res.Sampled, "frame %d should not be sampled while absent", i)
	}
	res := h.app.ProcessFrame(frame())
	require.True(t, res.Sampled)
	assert.Equal(t, presence.EventArrive, res.Event)
	assert.True(t, res.Started)
	assert.InDelta(t, 50, res.Nearest, 1e-9)
	assert.NotEmpty(t, res.Episode)
	assert.True(t, h.app.trigger.IsRunning())

	// Subject leaves: departure after exactly 15 sampled misses, playback keeps running
	h.recognizer.setScene(nil)
	misses := 0
	var depart FrameResult
	for i := 0; i < 100; i++ {
		r := h.app.ProcessFrame(frame())
		if !r.Sampled {
			continue
		}
		misses++
		if r.Event == presence.EventDepart {
			depart = r
			break
		}
	}
	assert.Equal(t, 15, misses)
	assert.Equal(t, presence.Absent, depart.State)
	assert.False(t, depart.Stopped)
	assert.True(t, h.app.trigger.IsRunning(), "continue policy leaves playback running")
	assert.Equal(t, int64(1), h.opener.opens.Load())

	var types []string
	for _, ev := range h.app.webServer.Events(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"arrive", "playback_start", "depart"}, types)

	st := h.app.webServer.Status()
	assert.Equal(t, "absent", st.State)
	assert.Equal(t, "monitoring", st.Mode)
	assert.Equal(t, "playing", st.Playback)
	assert.Equal(t, 60, st.References)
}

func TestApp_DistantSubjectNeverStarts(t *testing.T) {
	cfg := testConfig(t)
	writeEnrollment(t, cfg.EnrollDir, 3, 0)
	h := newHarness(t, cfg, nil)
	require.NoError(t, h.app.Init(context.Background()))

	h.recognizer.setScene(map[image.Rectangle]faces.Embedding{
		faceAt(250): subject,
		faceAt(0):   stranger,
	})
	for i := 0; i < 30; i++ {
		res := h.app.ProcessFrame(frame())
		assert.Equal(t, presence.Absent, res.State)
	}
	assert.Zero(t, h.opener.opens.Load())
	assert.False(t, h.app.trigger.IsRunning())
}

func TestApp_DepartStopPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Presence.DepartPolicy = presence.DepartStop
	writeEnrollment(t, cfg.EnrollDir, 3, 0)
	h := newHarness(t, cfg, nil)
	require.NoError(t, h.app.Init(context.Background()))

	h.recognizer.setScene(map[image.Rectangle]faces.Embedding{faceAt(10): subject})
	for i := 0; i < 3; i++ {
		h.app.ProcessFrame(frame())
	}
	require.True(t, h.app.trigger.IsRunning())

	h.recognizer.setScene(nil)
	stopped := false
	for i := 0; i < 100 && !stopped; i++ {
		stopped = h.app.ProcessFrame(frame()).Stopped
	}
	assert.True(t, stopped)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.app.trigger.Wait(ctx))
	assert.False(t, h.app.trigger.IsRunning())
}

func TestApp_DetectorFailureCountsAsMiss(t *testing.T) {
	cfg := testConfig(t)
	cfg.Presence.DepartPolicy = presence.DepartStop
	writeEnrollment(t, cfg.EnrollDir, 3, 0)
	h := newHarness(t, cfg, nil)
	require.NoError(t, h.app.Init(context.Background()))

	h.recognizer.setScene(map[image.Rectangle]faces.Embedding{faceAt(0): subject})
	for i := 0; i < 3; i++ {
		h.app.ProcessFrame(frame())
	}
	require.Equal(t, presence.Present, h.app.tracker.State())
	require.True(t, h.app.trigger.IsRunning())

	h.recognizer.mu.Lock()
	h.recognizer.detectErr = errors.New("inference failed")
	h.recognizer.mu.Unlock()

	failed := 0
	var depart FrameResult
	for i := 0; i < 100; i++ {
		r := h.app.ProcessFrame(frame())
		assert.False(t, r.Started, "frame %d reported a start", r.Index)
		if !r.Sampled {
			assert.False(t, r.Failed)
			continue
		}
		assert.True(t, r.Failed)
		assert.Zero(t, r.Faces)
		failed++
		if r.Event == presence.EventDepart {
			depart = r
			break
		}
	}
	assert.Equal(t, cfg.Presence.AbsenceConfirmFrames, failed)
	assert.Equal(t, presence.Absent, depart.State)
	assert.True(t, depart.Stopped, "stop policy ends playback even while the detector is down")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.app.trigger.Wait(ctx))
	assert.False(t, h.app.trigger.IsRunning())
}

func TestApp_InsufficientEnrollment(t *testing.T) {
	cfg := testConfig(t)
	writeEnrollment(t, cfg.EnrollDir, 2, 4)
	h := newHarness(t, cfg, nil)

	err := h.app.Init(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, enroll.ErrEnrollmentInsufficient)

	var insufficient *enroll.InsufficientError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 2, insufficient.Valid)
	assert.Equal(t, 6, insufficient.Total)

	_, statErr := os.Stat(cfg.CachePath)
	assert.True(t, os.IsNotExist(statErr), "no cache is written for an insufficient set")

	assert.ErrorIs(t, h.app.Run(context.Background()), ErrNotInitialized)
}

// scriptedSource returns n frames, then fails with err
type scriptedSource struct {
	mu     sync.Mutex
	n      int
	err    error
	reads  int
	closed bool
}

func (s *scriptedSource) Read(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reads >= s.n {
		if s.err == nil {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, s.err
	}
	s.reads++
	return frame(), nil
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestApp_RunStopsOnClosedSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.WebAddr = ""
	writeEnrollment(t, cfg.EnrollDir, 3, 0)
	src := &scriptedSource{n: 10, err: capture.ErrClosed}
	h := newHarness(t, cfg, src)
	require.NoError(t, h.app.Init(context.Background()))

	err := h.app.Run(context.Background())
	assert.ErrorIs(t, err, capture.ErrClosed)
	assert.Equal(t, int64(10), h.app.frameIndex)
}

func TestApp_RunReturnsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.WebAddr = ""
	writeEnrollment(t, cfg.EnrollDir, 3, 0)
	src := &scriptedSource{n: 5}
	h := newHarness(t, cfg, src)
	require.NoError(t, h.app.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	h.app.Shutdown()
	assert.True(t, src.closed)
	assert.True(t, h.recognizer.closed)
}

func TestApp_ManualPlayback(t *testing.T) {
	cfg := testConfig(t)
	writeEnrollment(t, cfg.EnrollDir, 3, 0)
	h := newHarness(t, cfg, nil)

	assert.ErrorIs(t, h.app.StartPlayback(), ErrNotInitialized)
	require.NoError(t, h.app.Init(context.Background()))

	assert.ErrorIs(t, h.app.StopPlayback(), ErrPlaybackIdle)
	require.NoError(t, h.app.StartPlayback())
	assert.ErrorIs(t, h.app.StartPlayback(), ErrPlaybackRunning)
	require.NoError(t, h.app.StopPlayback())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.app.trigger.Wait(ctx))
	assert.Equal(t, presence.Absent, h.app.tracker.State(), "manual control leaves presence alone")
	assert.Equal(t, string(playback.ExitStopped), h.app.Status().LastExit)

	cfgOut, ok := h.app.Settings().(Config)
	require.True(t, ok)
	assert.Equal(t, cfg.CachePath, cfgOut.CachePath)
}

func TestApp_CacheReusedAcrossRuns(t *testing.T) {
	cfg := testConfig(t)
	writeEnrollment(t, cfg.EnrollDir, 4, 0)

	first := newHarness(t, cfg, nil)
	require.NoError(t, first.app.Init(context.Background()))
	assert.Equal(t, 4, first.app.Summary().Valid)

	second := newHarness(t, cfg, nil)
	require.NoError(t, second.app.Init(context.Background()))
	assert.Equal(t, enroll.Summary{}, second.app.Summary(), "a cache hit does not rebuild")
	assert.Equal(t, 4, second.app.matcher.Size())
}
