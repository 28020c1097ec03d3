package presence

import (
	"fmt"
	"strings"
)

// DepartPolicy decides what departure does to a running playback
type DepartPolicy string

const (
	// DepartContinue leaves playback running after departure
	DepartContinue DepartPolicy = "continue"
	// DepartStop stops playback when departure is confirmed
	DepartStop DepartPolicy = "stop"
)

// ParseDepartPolicy parses "continue" or "stop" (case-insensitive)
func ParseDepartPolicy(s string) (DepartPolicy, error) {
	switch DepartPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case DepartContinue, "":
		return DepartContinue, nil
	case DepartStop:
		return DepartStop, nil
	}
	return "", fmt.Errorf("unknown depart policy %q (want continue or stop)", s)
}

// Config holds the tunable parameters of the presence state machine
type Config struct {
	// Sampling
	PresentInterval int `json:"present_interval" yaml:"present_interval"` // Sample every Nth frame while Present
	IdleInterval    int `json:"idle_interval" yaml:"idle_interval"`       // Sample every Nth frame while Absent

	// Hysteresis
	TriggerDistance      float64 `json:"trigger_distance" yaml:"trigger_distance"`             // Max pixel distance from frame center that counts as near
	AbsenceConfirmFrames int     `json:"absence_confirm_frames" yaml:"absence_confirm_frames"` // Consecutive sampled frames without a match before departure

	DepartPolicy DepartPolicy `json:"depart_policy" yaml:"depart_policy"`
}

// DefaultConfig returns the standard configuration
func DefaultConfig() Config {
	return Config{
		PresentInterval: 2,
		IdleInterval:    3, // 10 samples/s at 30 fps

		TriggerDistance:      180, // px from frame center
		AbsenceConfirmFrames: 15,  // ~1s of sampled frames at 30 fps while present

		DepartPolicy: DepartContinue,
	}
}

// StrictConfig requires the subject closer to the center and confirms departure sooner
func StrictConfig() Config {
	cfg := DefaultConfig()
	cfg.TriggerDistance = 120
	cfg.AbsenceConfirmFrames = 10
	return cfg
}

// RelaxedConfig triggers from further out, samples more while idle, and waits longer before departure
func RelaxedConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleInterval = 2
	cfg.TriggerDistance = 260
	cfg.AbsenceConfirmFrames = 25
	return cfg
}

// Validate checks that intervals and thresholds are usable
func (c Config) Validate() error {
	if c.PresentInterval < 1 {
		return fmt.Errorf("present interval must be >= 1, got %d", c.PresentInterval)
	}
	if c.IdleInterval < 1 {
		return fmt.Errorf("idle interval must be >= 1, got %d", c.IdleInterval)
	}
	if c.TriggerDistance <= 0 {
		return fmt.Errorf("trigger distance must be > 0, got %v", c.TriggerDistance)
	}
	if c.AbsenceConfirmFrames < 1 {
		return fmt.Errorf("absence confirm frames must be >= 1, got %d", c.AbsenceConfirmFrames)
	}
	if _, err := ParseDepartPolicy(string(c.DepartPolicy)); err != nil {
		return err
	}
	return nil
}
