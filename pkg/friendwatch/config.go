// Package friendwatch wires enrollment, face matching, presence tracking and
// playback into the frame loop.
package friendwatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/teslashibe/go-friendwatch/internal/config"
	"github.com/teslashibe/go-friendwatch/pkg/capture"
	"github.com/teslashibe/go-friendwatch/pkg/enroll"
	"github.com/teslashibe/go-friendwatch/pkg/faces"
	"github.com/teslashibe/go-friendwatch/pkg/faces/opencv"
	"github.com/teslashibe/go-friendwatch/pkg/matcher"
	"github.com/teslashibe/go-friendwatch/pkg/playback"
	"github.com/teslashibe/go-friendwatch/pkg/presence"
	"github.com/teslashibe/go-friendwatch/pkg/web"
)

// Face backends
const (
	FaceBackendOpenCV = "opencv" // YuNet + SFace in-process
	FaceBackendRemote = "remote" // HTTP embedding service
)

// Config holds all configuration for the friendwatch application.
// Flag parsing is done in cmd/friendwatch; this struct is data only.
type Config struct {
	Debug       bool   `json:"debug" yaml:"debug"`
	DebugFrames bool   `json:"debug_frames" yaml:"debug_frames"`
	LogLevel    string `json:"log_level" yaml:"log_level"`

	// Enrollment
	EnrollDir    string   `json:"enroll_dir" yaml:"enroll_dir"`       // Directory scanned for subject images
	EnrollImages []string `json:"enroll_images" yaml:"enroll_images"` // Extra image paths
	CachePath    string   `json:"cache_path" yaml:"cache_path"`
	Brightness   float64  `json:"brightness" yaml:"brightness"`
	Contrast     float64  `json:"contrast" yaml:"contrast"`
	MaxDimension int      `json:"max_dimension" yaml:"max_dimension"`

	// Face backend
	FaceBackend     string  `json:"face_backend" yaml:"face_backend"`
	DetectorModel   string  `json:"detector_model" yaml:"detector_model"`
	RecognizerModel string  `json:"recognizer_model" yaml:"recognizer_model"`
	DetectScale     float64 `json:"detect_scale" yaml:"detect_scale"`
	RemoteURL       string  `json:"remote_url" yaml:"remote_url"`
	MatchThreshold  float64 `json:"match_threshold" yaml:"match_threshold"` // 0 = backend default

	Presence presence.Config `json:"presence" yaml:"presence"`
	Capture  capture.Config  `json:"capture" yaml:"capture"`

	// Playback
	VideoPath     string `json:"video_path" yaml:"video_path"`
	DisplayWidth  int    `json:"display_width" yaml:"display_width"`
	DisplayHeight int    `json:"display_height" yaml:"display_height"`
	Fullscreen    bool   `json:"fullscreen" yaml:"fullscreen"`

	// Dashboard (empty WebAddr disables it)
	WebAddr      string `json:"web_addr" yaml:"web_addr"`
	StaticDir    string `json:"static_dir" yaml:"static_dir"`
	PreviewEvery int    `json:"preview_every" yaml:"preview_every"` // Push every Nth frame to /ws/camera
}

// DefaultConfig returns the standard configuration
func DefaultConfig() Config {
	enrollCfg := enroll.DefaultConfig()
	ocv := opencv.DefaultConfig()
	win := playback.DefaultWindowConfig()
	return Config{
		LogLevel: "info",

		EnrollDir:  "enroll",
		CachePath:  enrollCfg.CachePath,
		Brightness: enrollCfg.Brightness,
		Contrast:   enrollCfg.Contrast,

		FaceBackend:     FaceBackendOpenCV,
		DetectorModel:   ocv.DetectorModelPath,
		RecognizerModel: ocv.RecognizerModelPath,
		DetectScale:     ocv.DetectScale,
		RemoteURL:       faces.DefaultRemoteConfig().URL,

		Presence: presence.DefaultConfig(),
		Capture:  capture.DefaultConfig(),

		VideoPath:     win.VideoPath,
		DisplayWidth:  win.Width,
		DisplayHeight: win.Height,
		Fullscreen:    win.Fullscreen,

		WebAddr:      web.DefaultConfig().Addr,
		PreviewEvery: 3,
	}
}

// LoadFile overlays a YAML config file on c
func (c *Config) LoadFile(path string) error {
	return config.LoadYAML(path, c)
}

// LoadEnvConfig applies FRIENDWATCH_* environment overrides.
// Call this after flag parsing.
func (c *Config) LoadEnvConfig() {
	k := config.Key
	c.Debug = config.Bool(k("DEBUG"), c.Debug)
	c.LogLevel = config.String(k("LOG_LEVEL"), c.LogLevel)

	c.EnrollDir = config.String(k("ENROLL_DIR"), c.EnrollDir)
	c.EnrollImages = config.List(k("ENROLL_IMAGES"), c.EnrollImages)
	c.CachePath = config.String(k("CACHE_PATH"), c.CachePath)

	c.FaceBackend = config.String(k("FACE_BACKEND"), c.FaceBackend)
	c.DetectorModel = config.String(k("DETECTOR_MODEL"), c.DetectorModel)
	c.RecognizerModel = config.String(k("RECOGNIZER_MODEL"), c.RecognizerModel)
	c.RemoteURL = config.String(k("REMOTE_URL"), c.RemoteURL)
	c.MatchThreshold = config.Float(k("MATCH_THRESHOLD"), c.MatchThreshold)

	c.Presence.TriggerDistance = config.Float(k("TRIGGER_DISTANCE"), c.Presence.TriggerDistance)
	c.Presence.AbsenceConfirmFrames = config.Int(k("ABSENCE_FRAMES"), c.Presence.AbsenceConfirmFrames)
	c.Presence.IdleInterval = config.Int(k("IDLE_INTERVAL"), c.Presence.IdleInterval)
	c.Presence.DepartPolicy = presence.DepartPolicy(config.String(k("DEPART_POLICY"), string(c.Presence.DepartPolicy)))

	c.Capture.Backend = config.String(k("CAMERA_BACKEND"), c.Capture.Backend)
	c.Capture.DeviceID = config.Int(k("CAMERA_DEVICE"), c.Capture.DeviceID)
	c.Capture.URL = config.String(k("CAMERA_URL"), c.Capture.URL)
	c.Capture.Host = config.String(k("CAMERA_HOST"), c.Capture.Host)

	c.VideoPath = config.String(k("VIDEO"), c.VideoPath)
	c.WebAddr = config.String(k("WEB_ADDR"), c.WebAddr)
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.FaceBackend {
	case FaceBackendOpenCV:
		if c.DetectorModel == "" || c.RecognizerModel == "" {
			return &ConfigError{Field: "DetectorModel", Message: "detector and recognizer model paths are required for the opencv backend"}
		}
	case FaceBackendRemote:
		if c.RemoteURL == "" {
			return &ConfigError{Field: "RemoteURL", Message: "remote_url is required for the remote face backend"}
		}
	default:
		return &ConfigError{Field: "FaceBackend", Message: fmt.Sprintf("unknown face backend %q (want opencv or remote)", c.FaceBackend)}
	}
	if c.MatchThreshold < 0 {
		return &ConfigError{Field: "MatchThreshold", Message: "match_threshold must be >= 0 (0 uses the backend default)"}
	}
	if c.EnrollDir == "" && len(c.EnrollImages) == 0 {
		return &ConfigError{Field: "EnrollDir", Message: "set enroll_dir or enroll_images (FRIENDWATCH_ENROLL_DIR)"}
	}
	if c.CachePath == "" {
		return &ConfigError{Field: "CachePath", Message: "cache_path is required"}
	}
	if err := c.Presence.Validate(); err != nil {
		return &ConfigError{Field: "Presence", Message: err.Error()}
	}
	if problems := c.Capture.Validate(); len(problems) > 0 {
		return &ConfigError{Field: "Capture", Message: "capture: " + strings.Join(problems, "; ")}
	}
	if c.VideoPath == "" {
		return &ConfigError{Field: "VideoPath", Message: "video_path is required (FRIENDWATCH_VIDEO)"}
	}
	return nil
}

// DefaultThreshold returns the match distance tuned for the backend's embeddings
func DefaultThreshold(backend string) float64 {
	switch backend {
	case FaceBackendOpenCV:
		return matcher.SFaceThreshold
	case FaceBackendRemote:
		return matcher.ArcFaceThreshold
	}
	return matcher.DefaultThreshold
}

// Threshold returns MatchThreshold, or the backend default when it is unset
func (c *Config) Threshold() float64 {
	if c.MatchThreshold > 0 {
		return c.MatchThreshold
	}
	return DefaultThreshold(c.FaceBackend)
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// imageExts are the enrollment formats enroll.LoadImage decodes
var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".webp": true}

// EnrollPaths lists the enrollment images: EnrollImages first, then the
// supported files in EnrollDir sorted by name. A missing directory is not an
// error; the store reports too few images.
func (c *Config) EnrollPaths() ([]string, error) {
	paths := append([]string(nil), c.EnrollImages...)
	if c.EnrollDir == "" {
		return paths, nil
	}
	entries, err := os.ReadDir(c.EnrollDir)
	if err != nil {
		if os.IsNotExist(err) {
			return paths, nil
		}
		return nil, fmt.Errorf("read enroll dir: %w", err)
	}
	var found []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		found = append(found, filepath.Join(c.EnrollDir, e.Name()))
	}
	sort.Strings(found)
	return append(paths, found...), nil
}

// EnrollConfig returns the enrollment store settings
func (c *Config) EnrollConfig() enroll.Config {
	cfg := enroll.DefaultConfig()
	cfg.CachePath = c.CachePath
	cfg.Brightness = c.Brightness
	cfg.Contrast = c.Contrast
	cfg.MaxDimension = c.MaxDimension
	cfg.Model = c.FaceBackend
	return cfg
}

// WindowConfig returns the playback window settings
func (c *Config) WindowConfig() playback.WindowConfig {
	cfg := playback.DefaultWindowConfig()
	cfg.VideoPath = c.VideoPath
	cfg.Width = c.DisplayWidth
	cfg.Height = c.DisplayHeight
	cfg.Fullscreen = c.Fullscreen
	return cfg
}

// NewRecognizer builds the configured face backend
func NewRecognizer(c Config) (faces.Recognizer, error) {
	switch c.FaceBackend {
	case FaceBackendRemote:
		rc := faces.DefaultRemoteConfig()
		rc.URL = c.RemoteURL
		return faces.NewRemote(rc), nil
	case FaceBackendOpenCV, "":
		oc := opencv.DefaultConfig()
		oc.DetectorModelPath = c.DetectorModel
		oc.RecognizerModelPath = c.RecognizerModel
		oc.DetectScale = c.DetectScale
		ocv, err := opencv.New(oc)
		if err != nil {
			return nil, err
		}
		return ocv, nil
	}
	return nil, &ConfigError{Field: "FaceBackend", Message: fmt.Sprintf("unknown face backend %q", c.FaceBackend)}
}
