package capture

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Width != 640 || cfg.Height != 480 {
		t.Errorf("resolution = %dx%d, want 640x480", cfg.Width, cfg.Height)
	}
	if cfg.Backend != BackendDevice {
		t.Errorf("Backend = %q, want device", cfg.Backend)
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		t.Errorf("default config invalid: %v", problems)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"file needs url", func(c *Config) { c.Backend = BackendFile }, false},
		{"file with url", func(c *Config) { c.Backend = BackendFile; c.URL = "clip.mp4" }, true},
		{"webrtc needs host", func(c *Config) { c.Backend = BackendWebRTC }, false},
		{"webrtc with host", func(c *Config) { c.Backend = BackendWebRTC; c.Host = "10.0.0.2" }, true},
		{"webrtc bad port", func(c *Config) { c.Backend = BackendWebRTC; c.Host = "cam"; c.SignallingPort = 0 }, false},
		{"unknown backend", func(c *Config) { c.Backend = "v4l" }, false},
		{"negative device", func(c *Config) { c.DeviceID = -1 }, false},
		{"tiny width", func(c *Config) { c.Width = 10 }, false},
		{"zero framerate", func(c *Config) { c.Framerate = 0 }, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(&cfg)
			problems := cfg.Validate()
			if tc.valid && len(problems) > 0 {
				t.Errorf("expected valid, got %v", problems)
			}
			if !tc.valid && len(problems) == 0 {
				t.Error("expected validation problems")
			}
		})
	}
}

func TestPresets(t *testing.T) {
	for _, name := range PresetNames() {
		cfg := GetPreset(name)
		if cfg == nil {
			t.Errorf("preset %q missing", name)
			continue
		}
		if problems := cfg.Validate(); len(problems) > 0 {
			t.Errorf("preset %q invalid: %v", name, problems)
		}
	}
	if GetPreset("8k") != nil {
		t.Error("unknown preset should return nil")
	}
	if hd := GetPreset(Preset720p); hd.Width != 1280 || hd.Height != 720 {
		t.Errorf("720p = %dx%d", hd.Width, hd.Height)
	}
}
