// Package presence turns per-frame match results into a debounced presence state
// and drives the playback effect on arrival.
package presence

import (
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-friendwatch/internal/log"
	"github.com/teslashibe/go-friendwatch/pkg/debug"
	"github.com/teslashibe/go-friendwatch/pkg/matcher"
)

// Observation is everything the tracker needs from one sampled frame
type Observation struct {
	Frame   image.Rectangle  // Frame bounds, used for the frame center
	Results []matcher.Result // One result per detected face
}

// Update reports what a sampled frame did to the tracker
type Update struct {
	State     State
	Event     Event
	Found     bool    // Any face matched the subject
	Qualified bool    // A matched face was within the trigger distance
	Nearest   float64 // Smallest proximity of a matched face, +Inf when none
	Misses    int     // Consecutive sampled frames without a match while Present
	Started   bool    // Playback Start was called on this frame
	Stopped   bool    // Playback Stop was called on this frame (DepartStop only)
	Episode   string  // ID of the current presence episode, empty while Absent
}

// Tracker is the hysteresis state machine. It must only be used from one goroutine.
type Tracker struct {
	config   Config
	playback Playback
	logger   *slog.Logger

	state     State
	misses    int
	episode   string
	arrivedAt time.Time
}

// NewTracker creates a tracker in the Absent state
func NewTracker(cfg Config, pb Playback) *Tracker {
	return &Tracker{
		config:   cfg,
		playback: pb,
		logger:   log.With("component", "presence"),
		state:    Absent,
	}
}

// State returns the current presence state
func (t *Tracker) State() State {
	return t.state
}

// Misses returns the consecutive miss counter
func (t *Tracker) Misses() int {
	return t.misses
}

// Update applies one sampled frame. Unsampled frames must not be passed in.
func (t *Tracker) Update(obs Observation) Update {
	u := Update{Nearest: math.Inf(1)}

	for _, r := range obs.Results {
		if !r.IsMatch {
			continue
		}
		u.Found = true
		d := Proximity(r.Box, obs.Frame)
		if d < u.Nearest {
			u.Nearest = d
		}
	}
	u.Qualified = u.Found && u.Nearest < t.config.TriggerDistance

	if u.Qualified {
		if !t.playback.IsRunning() {
			t.playback.Start()
			u.Started = true
			t.logger.Info("subject in range, starting playback", "proximity", round1(u.Nearest))
		}
		if t.state == Absent {
			t.state = Present
			t.episode = uuid.New().String()
			t.arrivedAt = time.Now()
			u.Event = EventArrive
			t.logger.Info("subject arrived", "episode", t.episode, "proximity", round1(u.Nearest))
		}
		t.misses = 0
	} else if t.state == Present {
		if u.Found {
			t.misses = 0
		} else {
			t.misses++
			debug.FrameLog("👀 subject not seen (%d/%d)\n", t.misses, t.config.AbsenceConfirmFrames)
			if t.misses >= t.config.AbsenceConfirmFrames {
				u.Event = EventDepart
				t.logger.Info("subject departed",
					"episode", t.episode,
					"duration", time.Since(t.arrivedAt).Round(time.Millisecond))
				t.state = Absent
				t.misses = 0
				t.episode = ""
				if t.config.DepartPolicy == DepartStop && t.playback.IsRunning() {
					t.playback.Stop()
					u.Stopped = true
				}
			}
		}
	}

	u.State = t.state
	u.Misses = t.misses
	u.Episode = t.episode
	return u
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
