// Package capture provides live frame sources for the frame loop.
package capture

import (
	"fmt"
	"time"
)

// Backend names
const (
	BackendDevice = "device" // Local camera by index
	BackendFile   = "file"   // Video file or stream URL opened by OpenCV
	BackendWebRTC = "webrtc" // Remote camera over WebRTC (GStreamer signalling)
)

// Config holds capture settings
type Config struct {
	Backend string `json:"backend" yaml:"backend"`

	// Device / file
	DeviceID int    `json:"device_id" yaml:"device_id"` // Camera index for BackendDevice
	URL      string `json:"url" yaml:"url"`             // File path or stream URL for BackendFile

	// Resolution requested from the device
	Width     int `json:"width" yaml:"width"`
	Height    int `json:"height" yaml:"height"`
	Framerate int `json:"framerate" yaml:"framerate"`

	// WebRTC
	Host           string        `json:"host" yaml:"host"`                       // Signalling server host
	SignallingPort int           `json:"signalling_port" yaml:"signalling_port"` // Signalling server port
	ProducerName   string        `json:"producer_name" yaml:"producer_name"`     // Producer meta name to subscribe to
	DecodeInterval time.Duration `json:"decode_interval" yaml:"decode_interval"` // Minimum time between H264 decodes

	// ReadTimeout bounds how long Read waits for a frame before reporting ErrNoFrame
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`
}

// DefaultConfig returns a 640x480 local camera configuration
func DefaultConfig() Config {
	return Config{
		Backend:   BackendDevice,
		DeviceID:  0,
		Width:     640,
		Height:    480,
		Framerate: 30,

		SignallingPort: 8443,
		ProducerName:   "camera",
		DecodeInterval: 100 * time.Millisecond,

		ReadTimeout: 2 * time.Second,
	}
}

// Validate checks the config values. Returns a list of problems, or nil if valid.
func (c *Config) Validate() []string {
	var problems []string

	switch c.Backend {
	case BackendDevice:
		if c.DeviceID < 0 {
			problems = append(problems, "device_id must be >= 0")
		}
	case BackendFile:
		if c.URL == "" {
			problems = append(problems, "url is required for the file backend")
		}
	case BackendWebRTC:
		if c.Host == "" {
			problems = append(problems, "host is required for the webrtc backend")
		}
		if c.SignallingPort <= 0 || c.SignallingPort > 65535 {
			problems = append(problems, "signalling_port must be between 1 and 65535")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown backend %q (want device, file or webrtc)", c.Backend))
	}

	if c.Width < 160 || c.Width > 3840 {
		problems = append(problems, "width must be between 160 and 3840")
	}
	if c.Height < 120 || c.Height > 2160 {
		problems = append(problems, "height must be between 120 and 2160")
	}
	if c.Framerate < 1 || c.Framerate > 120 {
		problems = append(problems, "framerate must be between 1 and 120")
	}
	if c.ReadTimeout < 0 {
		problems = append(problems, "read_timeout must not be negative")
	}

	return problems
}
