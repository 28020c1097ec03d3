package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-friendwatch/pkg/capture"
	"github.com/teslashibe/go-friendwatch/pkg/enroll"
	"github.com/teslashibe/go-friendwatch/pkg/faces"
	"github.com/teslashibe/go-friendwatch/pkg/friendwatch"
	"github.com/teslashibe/go-friendwatch/pkg/playback"
	"github.com/teslashibe/go-friendwatch/pkg/presence"
)

// newRunCommand builds the run command with its flags
func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the camera and play the video when the subject is close",
		Long: `Loads (or builds) the subject's reference embeddings, opens the camera and
starts watching. The dashboard is served on --web-addr unless --no-web is set.`,
		RunE: runWatch,
	}

	f := cmd.Flags()
	f.String("video", "", "Video played while the subject is close")
	f.String("enroll-dir", "", "Directory of subject photos")
	f.String("cache", "", "Embedding cache file")
	f.String("face-backend", "", "Face backend: opencv or remote")
	f.String("remote-url", "", "Embedding service URL for the remote backend")
	f.Float64("threshold", 0, "Match distance threshold (0 = backend default)")
	f.String("preset", "", "Presence preset: default, strict, relaxed")
	f.Float64("trigger-distance", 0, "Max distance in pixels from the frame center")
	f.Int("absence-frames", 0, "Sampled frames without the subject before departure")
	f.String("depart-policy", "", "What departure does to playback: continue or stop")
	f.String("camera-backend", "", "Capture backend: device, file or webrtc")
	f.Int("camera", -1, "Camera device index")
	f.String("camera-url", "", "Video file or stream URL for the file backend")
	f.String("camera-host", "", "Signalling host for the webrtc backend")
	f.String("capture-preset", "", "Capture resolution: "+strings.Join(capture.PresetNames(), ", "))
	f.String("web-addr", "", "Dashboard listen address")
	f.Bool("no-web", false, "Disable the dashboard")
	f.Bool("windowed", false, "Play in a window instead of full screen")
	return cmd
}

func init() {
	rootCmd.AddCommand(newRunCommand())
}

// applyRunFlags overrides cfg with the flags the user set
func applyRunFlags(cmd *cobra.Command, cfg *friendwatch.Config) error {
	f := cmd.Flags()
	set := f.Changed

	if set("preset") {
		switch name := mustGetString(cmd, "preset"); name {
		case "default":
			cfg.Presence = presence.DefaultConfig()
		case "strict":
			cfg.Presence = presence.StrictConfig()
		case "relaxed":
			cfg.Presence = presence.RelaxedConfig()
		default:
			return fmt.Errorf("unknown preset %q (want default, strict or relaxed)", name)
		}
	}
	if set("capture-preset") {
		name := mustGetString(cmd, "capture-preset")
		p := capture.GetPreset(name)
		if p == nil {
			return fmt.Errorf("unknown capture preset %q", name)
		}
		cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.Framerate = p.Width, p.Height, p.Framerate
	}

	if set("video") {
		cfg.VideoPath = mustGetString(cmd, "video")
	}
	if set("enroll-dir") {
		cfg.EnrollDir = mustGetString(cmd, "enroll-dir")
	}
	if set("cache") {
		cfg.CachePath = mustGetString(cmd, "cache")
	}
	if set("face-backend") {
		cfg.FaceBackend = mustGetString(cmd, "face-backend")
	}
	if set("remote-url") {
		cfg.RemoteURL = mustGetString(cmd, "remote-url")
	}
	if set("threshold") {
		cfg.MatchThreshold = mustGetFloat64(cmd, "threshold")
	}
	if set("trigger-distance") {
		cfg.Presence.TriggerDistance = mustGetFloat64(cmd, "trigger-distance")
	}
	if set("absence-frames") {
		cfg.Presence.AbsenceConfirmFrames = mustGetInt(cmd, "absence-frames")
	}
	if set("depart-policy") {
		policy, err := presence.ParseDepartPolicy(mustGetString(cmd, "depart-policy"))
		if err != nil {
			return err
		}
		cfg.Presence.DepartPolicy = policy
	}
	if set("camera-backend") {
		cfg.Capture.Backend = mustGetString(cmd, "camera-backend")
	}
	if set("camera") {
		cfg.Capture.DeviceID = mustGetInt(cmd, "camera")
	}
	if set("camera-url") {
		cfg.Capture.URL = mustGetString(cmd, "camera-url")
	}
	if set("camera-host") {
		cfg.Capture.Host = mustGetString(cmd, "camera-host")
	}
	if set("web-addr") {
		cfg.WebAddr = mustGetString(cmd, "web-addr")
	}
	if mustGetBool(cmd, "no-web") {
		cfg.WebAddr = ""
	}
	if mustGetBool(cmd, "windowed") {
		cfg.Fullscreen = false
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, &cfg); err != nil {
		return err
	}

	paths, err := cfg.EnrollPaths()
	if err != nil {
		return err
	}
	bar := newEnrollBar(len(paths))

	app, err := friendwatch.New(cfg, friendwatch.WithEnrollProgress(bar))
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Init(ctx); err != nil {
		app.Shutdown()
		return explain(err, cfg)
	}
	defer app.Shutdown()

	fmt.Println("👀 Watching. Ctrl+C to exit, ESC closes the video.")
	if cfg.WebAddr != "" {
		fmt.Printf("🌐 Dashboard: http://localhost%s\n", cfg.WebAddr)
	}
	return app.Run(ctx)
}

func newEnrollBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Enrolling"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)
}

// explain turns startup errors into messages that say what to fix
func explain(err error, cfg friendwatch.Config) error {
	var insufficient *enroll.InsufficientError
	switch {
	case errors.As(err, &insufficient):
		return fmt.Errorf(`not enough usable enrollment photos: %d of %d contained a face, need at least %d

  - check that the photos exist under %q (or FRIENDWATCH_ENROLL_DIR)
  - use clear, front-facing photos with one face, well lit
  - supported formats: jpg, png, bmp, webp
  - run "friendwatch enroll --force" after adding photos`,
			insufficient.Valid, insufficient.Total, insufficient.Required, cfg.EnrollDir)
	case errors.Is(err, capture.ErrOpen):
		return fmt.Errorf(`%w

  - check that the camera is connected and not used by another program
  - try another index with --camera, or --camera-backend file --camera-url <video>
  - on macOS, grant camera access to the terminal`, err)
	case errors.Is(err, playback.ErrMediaOpen):
		return fmt.Errorf("%w\n\n  - set the video with --video or FRIENDWATCH_VIDEO", err)
	case errors.Is(err, faces.ErrModelNotFound):
		return fmt.Errorf("%w\n\n  - download the YuNet and SFace ONNX models into models/, or use --face-backend remote", err)
	}
	return err
}
