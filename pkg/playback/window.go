package playback

import (
	"context"
	"fmt"
	"image"
	"os"

	"gocv.io/x/gocv"
)

// KeyEscape is the key code that ends an episode
const KeyEscape = 27

// WindowConfig holds settings for the OpenCV full-screen renderer
type WindowConfig struct {
	VideoPath  string // Media file, looped until the episode ends
	Title      string // Window name
	Width      int    // Display width (frames are resized to it)
	Height     int    // Display height
	Fullscreen bool
	KeyWaitMs  int // Exit key poll per frame, also paces playback
	ExitKey    int
}

// DefaultWindowConfig returns defaults for a 1280x720 display
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		VideoPath:  "video.mp4",
		Title:      "friendwatch",
		Width:      1280,
		Height:     720,
		Fullscreen: true,
		KeyWaitMs:  30,
		ExitKey:    KeyEscape,
	}
}

// WindowOpener opens a gocv window renderer per episode
type WindowOpener struct {
	config WindowConfig
}

// NewWindowOpener creates an opener. The media file must exist.
func NewWindowOpener(cfg WindowConfig) (*WindowOpener, error) {
	if _, err := os.Stat(cfg.VideoPath); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMediaOpen, cfg.VideoPath, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1280, 720
	}
	if cfg.KeyWaitMs <= 0 {
		cfg.KeyWaitMs = 30
	}
	if cfg.ExitKey == 0 {
		cfg.ExitKey = KeyEscape
	}
	return &WindowOpener{config: cfg}, nil
}

// Open opens the media and the display window
func (o *WindowOpener) Open(ctx context.Context) (Renderer, error) {
	capture, err := gocv.VideoCaptureFile(o.config.VideoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaOpen, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: %s", ErrMediaOpen, o.config.VideoPath)
	}

	window := gocv.NewWindow(o.config.Title)
	if o.config.Fullscreen {
		window.SetWindowProperty(gocv.WindowPropertyFullscreen, gocv.WindowFullscreen)
	}

	return &windowRenderer{
		config:  o.config,
		capture: capture,
		window:  window,
		frame:   gocv.NewMat(),
		scaled:  gocv.NewMat(),
	}, nil
}

// windowRenderer loops a video file in an OpenCV window
type windowRenderer struct {
	config  WindowConfig
	capture *gocv.VideoCapture
	window  *gocv.Window
	frame   gocv.Mat
	scaled  gocv.Mat
}

func (r *windowRenderer) Step() (bool, error) {
	if ok := r.capture.Read(&r.frame); !ok || r.frame.Empty() {
		// End of media: rewind and try again
		r.capture.Set(gocv.VideoCapturePosFrames, 0)
		if ok := r.capture.Read(&r.frame); !ok || r.frame.Empty() {
			return false, ErrMediaEmpty
		}
	}

	gocv.Resize(r.frame, &r.scaled, image.Pt(r.config.Width, r.config.Height), 0, 0, gocv.InterpolationLinear)
	r.window.IMShow(r.scaled)

	key := r.window.WaitKey(r.config.KeyWaitMs)
	if key&0xff == r.config.ExitKey {
		return false, nil
	}
	return true, nil
}

func (r *windowRenderer) Close() error {
	r.scaled.Close()
	r.frame.Close()
	r.window.Close()
	return r.capture.Close()
}
