package friendwatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"math"
	"time"

	"github.com/teslashibe/go-friendwatch/internal/log"
	"github.com/teslashibe/go-friendwatch/pkg/capture"
	"github.com/teslashibe/go-friendwatch/pkg/debug"
	"github.com/teslashibe/go-friendwatch/pkg/enroll"
	"github.com/teslashibe/go-friendwatch/pkg/faces"
	"github.com/teslashibe/go-friendwatch/pkg/matcher"
	"github.com/teslashibe/go-friendwatch/pkg/playback"
	"github.com/teslashibe/go-friendwatch/pkg/presence"
	"github.com/teslashibe/go-friendwatch/pkg/web"
)

const (
	fpsWindow       = 30 // Frames per FPS measurement
	previewQuality  = 70
	stopTimeout     = 2 * time.Second
	detectWarnEvery = 5 * time.Second // Rate limit for detector failure warnings
)

// App is the friendwatch orchestrator.
// It owns every component and runs the frame loop.
type App struct {
	config Config
	logger *slog.Logger

	// Injected or built in Init
	recognizer faces.Recognizer
	source     capture.Source
	opener     playback.Opener
	progress   enroll.Progress

	store     *enroll.Store
	matcher   *matcher.Matcher
	sampler   *presence.Sampler
	tracker   *presence.Tracker
	trigger   *playback.Trigger
	webServer *web.Server

	// Frame loop state, only touched by the loop goroutine
	frameIndex int64
	sampled    int64
	fps        float64
	fpsStart   time.Time
	lastUpdate presence.Update

	detectFailures int64 // Failed detections since the last warning
	detectWarnedAt time.Time
}

// Option overrides a component App would otherwise build from Config
type Option func(*App)

// WithRecognizer uses r instead of the configured face backend
func WithRecognizer(r faces.Recognizer) Option {
	return func(a *App) { a.recognizer = r }
}

// WithSource uses src instead of opening the configured camera
func WithSource(src capture.Source) Option {
	return func(a *App) { a.source = src }
}

// WithOpener uses o instead of the full-screen window
func WithOpener(o playback.Opener) Option {
	return func(a *App) { a.opener = o }
}

// WithEnrollProgress reports enrollment progress to p
func WithEnrollProgress(p enroll.Progress) Option {
	return func(a *App) { a.progress = p }
}

// FrameResult describes what ProcessFrame did with one frame
type FrameResult struct {
	Index   int64
	Sampled bool
	Faces   int  // Faces with a usable embedding
	Failed  bool // Detection failed; the frame was scored with no faces
	presence.Update
}

// New creates an application with the given configuration.
func New(cfg Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	debug.Enabled = cfg.Debug
	debug.Frames = cfg.DebugFrames

	a := &App{
		config:     cfg,
		logger:     log.With("component", "friendwatch"),
		lastUpdate: presence.Update{Nearest: math.Inf(1)},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Init builds the reference set, the matcher, playback and the camera, in
// that order. An insufficient enrollment returns an error wrapping
// enroll.ErrEnrollmentInsufficient.
func (a *App) Init(ctx context.Context) error {
	if a.recognizer == nil {
		r, err := NewRecognizer(a.config)
		if err != nil {
			return fmt.Errorf("face backend: %w", err)
		}
		a.recognizer = r
	}

	paths, err := a.config.EnrollPaths()
	if err != nil {
		return err
	}
	a.store = enroll.NewStore(a.config.EnrollConfig(), a.recognizer)
	if a.progress != nil {
		a.store.SetProgress(a.progress)
	}
	refs, err := a.store.LoadOrBuild(ctx, paths)
	if err != nil {
		return fmt.Errorf("enrollment: %w", err)
	}
	a.matcher = matcher.New(refs, a.config.Threshold())
	a.logger.Info("reference set ready", "embeddings", a.matcher.Size(), "dim", refs.Dim(), "threshold", a.matcher.Threshold())

	if a.opener == nil {
		op, err := playback.NewWindowOpener(a.config.WindowConfig())
		if err != nil {
			return fmt.Errorf("playback: %w", err)
		}
		a.opener = op
	}
	a.trigger = playback.NewTrigger(a.opener)
	a.sampler = presence.NewSampler(a.config.Presence)
	a.tracker = presence.NewTracker(a.config.Presence, a.trigger)

	if a.source == nil {
		src, err := capture.Open(ctx, a.config.Capture)
		if err != nil {
			return fmt.Errorf("camera: %w", err)
		}
		a.source = capture.Retry(src, capture.DefaultRetryConfig())
	}

	if a.config.WebAddr != "" {
		a.webServer = web.NewServer(web.Config{Addr: a.config.WebAddr, StaticDir: a.config.StaticDir}, a)
	}
	return nil
}

// Run reads frames until ctx is cancelled or the source fails permanently.
func (a *App) Run(ctx context.Context) error {
	if a.tracker == nil || a.source == nil {
		return ErrNotInitialized
	}
	if a.webServer != nil {
		a.webServer.StartAsync(ctx)
	}

	a.logger.Info("watching",
		"trigger_distance", a.config.Presence.TriggerDistance,
		"absence_frames", a.config.Presence.AbsenceConfirmFrames,
		"depart_policy", a.config.Presence.DepartPolicy)
	a.fpsStart = time.Now()

	for {
		frame, err := a.source.Read(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, capture.ErrNoFrame) {
				continue
			}
			return fmt.Errorf("capture: %w", err)
		}
		a.ProcessFrame(frame)
	}
}

// ProcessFrame runs one frame through sampling, detection, matching and the
// tracker. It must be called from a single goroutine.
func (a *App) ProcessFrame(frame image.Image) FrameResult {
	a.frameIndex++
	res := FrameResult{Index: a.frameIndex}
	a.measureFPS()

	state := a.tracker.State()
	if !a.sampler.ShouldSample(a.frameIndex, state) {
		res.Update = a.lastUpdate
		res.Update.Event = presence.EventNone
		res.Update.Started, res.Update.Stopped = false, false
		if a.frameIndex%fpsWindow == 0 {
			a.publishStatus()
		}
		a.sendPreview(frame)
		return res
	}
	a.sampled++
	res.Sampled = true

	results, err := a.match(frame)
	if err != nil {
		// No match results: the tracker counts the frame as a miss
		res.Failed = true
		a.warnDetectFailure(err)
	}
	res.Faces = len(results)

	u := a.tracker.Update(presence.Observation{Frame: frame.Bounds(), Results: results})
	res.Update = u
	a.lastUpdate = u

	debug.FrameLog("frame %d: faces=%d found=%v nearest=%.1f state=%s misses=%d\n",
		a.frameIndex, len(results), u.Found, u.Nearest, u.State, u.Misses)
	a.publishEvents(u)
	a.publishStatus()
	a.sendPreview(frame)
	return res
}

// match detects and scores every face. Faces whose embedding fails are dropped.
func (a *App) match(frame image.Image) ([]matcher.Result, error) {
	dets, err := a.recognizer.DetectFaces(frame)
	if err != nil {
		return nil, err
	}
	results := make([]matcher.Result, 0, len(dets))
	for _, det := range dets {
		emb, err := a.recognizer.Embed(frame, det)
		if err != nil {
			a.logger.Debug("embedding failed, skipping face", "frame", a.frameIndex, "error", err)
			continue
		}
		results = append(results, a.matcher.MatchFace(emb, det.Box))
	}
	return results, nil
}

// warnDetectFailure logs detector errors at most once per detectWarnEvery
func (a *App) warnDetectFailure(err error) {
	a.detectFailures++
	now := time.Now()
	if !a.detectWarnedAt.IsZero() && now.Sub(a.detectWarnedAt) < detectWarnEvery {
		a.logger.Debug("detection failed", "frame", a.frameIndex, "error", err)
		return
	}
	a.logger.Warn("detection failed, counting frames as misses",
		"frame", a.frameIndex, "failures", a.detectFailures, "error", err)
	a.detectWarnedAt = now
	a.detectFailures = 0
}

func (a *App) measureFPS() {
	if a.fpsStart.IsZero() {
		a.fpsStart = time.Now()
		return
	}
	if a.frameIndex%fpsWindow != 0 {
		return
	}
	now := time.Now()
	if elapsed := now.Sub(a.fpsStart).Seconds(); elapsed > 0 {
		a.fps = fpsWindow / elapsed
	}
	a.fpsStart = now
	debug.Log("fps: %.1f\n", a.fps)
}

func (a *App) publishEvents(u presence.Update) {
	if a.webServer == nil {
		return
	}
	var dist *float64
	if !math.IsInf(u.Nearest, 1) {
		d := u.Nearest
		dist = &d
	}
	if u.Event != presence.EventNone {
		a.webServer.PublishEvent(web.Event{Type: u.Event.String(), Episode: u.Episode, Distance: dist})
	}
	if u.Started {
		a.webServer.PublishEvent(web.Event{Type: "playback_start", Episode: u.Episode, Distance: dist})
	}
	if u.Stopped {
		a.webServer.PublishEvent(web.Event{Type: "playback_stop", Message: "subject departed"})
	}
}

// Status builds the dashboard snapshot. Call from the loop goroutine.
func (a *App) Status() web.Status {
	st := web.Status{
		State:      a.tracker.State().String(),
		Mode:       "monitoring",
		Playback:   "idle",
		Misses:     a.tracker.Misses(),
		Threshold:  a.matcher.Threshold(),
		References: a.matcher.Size(),
		Frames:     a.frameIndex,
		Sampled:    a.sampled,
		FPS:        math.Round(a.fps*10) / 10,
		Episodes:   a.trigger.Episodes(),
		Episode:    a.lastUpdate.Episode,
		LastExit:   string(a.trigger.LastExit()),
	}
	if a.tracker.State() == presence.Present {
		st.Mode = "detecting"
	}
	if a.trigger.IsRunning() {
		st.Playback = "playing"
	}
	if !math.IsInf(a.lastUpdate.Nearest, 1) {
		d := a.lastUpdate.Nearest
		st.Nearest = &d
	}
	return st
}

func (a *App) publishStatus() {
	if a.webServer == nil {
		return
	}
	a.webServer.PublishStatus(a.Status())
}

// sendPreview pushes every PreviewEvery-th frame to dashboard camera clients
func (a *App) sendPreview(frame image.Image) {
	if a.webServer == nil || a.config.PreviewEvery <= 0 || a.frameIndex%int64(a.config.PreviewEvery) != 0 {
		return
	}
	if a.webServer.CameraClients() == 0 {
		return
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: previewQuality}); err != nil {
		a.logger.Debug("preview encode failed", "error", err)
		return
	}
	a.webServer.SendCameraFrame(buf.Bytes())
}

// StartPlayback starts an episode from the dashboard
func (a *App) StartPlayback() error {
	if a.trigger == nil {
		return ErrNotInitialized
	}
	if a.trigger.IsRunning() {
		return ErrPlaybackRunning
	}
	a.trigger.Start()
	if a.webServer != nil {
		a.webServer.PublishEvent(web.Event{Type: "playback_start", Message: "manual"})
	}
	return nil
}

// StopPlayback ends the running episode. It is the external stop signal;
// the presence state is left alone.
func (a *App) StopPlayback() error {
	if a.trigger == nil {
		return ErrNotInitialized
	}
	if !a.trigger.IsRunning() {
		return ErrPlaybackIdle
	}
	a.trigger.Stop()
	if a.webServer != nil {
		a.webServer.PublishEvent(web.Event{Type: "playback_stop", Message: "manual"})
	}
	return nil
}

// Settings returns the effective configuration
func (a *App) Settings() any {
	return a.config
}

// Summary returns the enrollment summary of the last build (zero after a cache hit)
func (a *App) Summary() enroll.Summary {
	if a.store == nil {
		return enroll.Summary{}
	}
	return a.store.LastSummary()
}

// Shutdown stops playback and releases every component.
func (a *App) Shutdown() {
	if a.trigger != nil {
		a.trigger.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := a.trigger.Wait(ctx); err != nil {
			a.logger.Warn("playback did not stop in time", "error", err)
		}
		cancel()
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			a.logger.Debug("close capture", "error", err)
		}
	}
	if a.recognizer != nil {
		if err := a.recognizer.Close(); err != nil {
			a.logger.Debug("close face backend", "error", err)
		}
	}
	if a.webServer != nil {
		if err := a.webServer.Shutdown(); err != nil {
			a.logger.Debug("shutdown dashboard", "error", err)
		}
	}
	a.logger.Info("stopped", "frames", a.frameIndex, "episodes", a.episodes())
}

func (a *App) episodes() int64 {
	if a.trigger == nil {
		return 0
	}
	return a.trigger.Episodes()
}

var _ web.Controller = (*App)(nil)
