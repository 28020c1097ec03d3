// Package web serves the friendwatch dashboard: presence status, the event
// history, a camera preview and manual playback control.
package web

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-friendwatch/internal/log"
	"github.com/teslashibe/go-friendwatch/pkg/hub"
)

// MaxEvents is the size of the event history kept for /api/events
const MaxEvents = 200

// ErrNoController is returned by control routes when no controller is attached
var ErrNoController = errors.New("web: no controller attached")

// Status is the dashboard snapshot pushed after every processed frame
type Status struct {
	State      string    `json:"state"`    // absent, present
	Mode       string    `json:"mode"`     // monitoring, detecting
	Playback   string    `json:"playback"` // idle, playing
	Misses     int       `json:"misses"`
	Nearest    *float64  `json:"nearest_px,omitempty"`
	Threshold  float64   `json:"threshold"`
	References int       `json:"references"`
	Frames     int64     `json:"frames"`
	Sampled    int64     `json:"sampled"`
	FPS        float64   `json:"fps"`
	Episodes   int64     `json:"episodes"`
	Episode    string    `json:"episode,omitempty"`
	LastExit   string    `json:"playback_exit,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Event is one entry in the presence history
type Event struct {
	Time     time.Time `json:"time"`
	Type     string    `json:"type"` // arrive, depart, playback_start, playback_stop, error
	Episode  string    `json:"episode,omitempty"`
	Distance *float64  `json:"distance_px,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Controller is the running application as seen by the dashboard
type Controller interface {
	StartPlayback() error
	StopPlayback() error
	// Settings returns the effective configuration, JSON-encodable
	Settings() any
}

// Config holds dashboard settings
type Config struct {
	Addr      string // Listen address, e.g. ":8181"
	StaticDir string // Optional directory served at /
}

// DefaultConfig returns the default dashboard settings
func DefaultConfig() Config {
	return Config{Addr: ":8181"}
}

// Server is the web dashboard server
type Server struct {
	app    *fiber.App
	config Config
	ctrl   Controller
	logger *slog.Logger

	status   Status
	statusMu sync.RWMutex

	// Ring buffer of recent events, oldest first
	events   []Event
	eventsMu sync.RWMutex

	statusHub *hub.Hub
	eventHub  *hub.Hub
	cameraHub *hub.Hub
}

// NewServer creates a dashboard server. ctrl may be nil, in which case the
// control routes answer 503.
func NewServer(cfg Config, ctrl Controller) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	s := &Server{
		config:    cfg,
		ctrl:      ctrl,
		logger:    log.With("component", "web"),
		events:    make([]Event, 0, MaxEvents),
		statusHub: hub.New("status", hub.WithReplay()),
		eventHub:  hub.New("events", hub.WithHistory(MaxEvents)),
		cameraHub: hub.New("camera"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "friendwatch",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	app.Get("/healthz", s.handleHealth)

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/events", s.handleEvents)
	api.Get("/config", s.handleConfig)
	api.Post("/playback/start", s.handlePlaybackStart)
	api.Post("/playback/stop", s.handlePlaybackStop)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))
	app.Get("/ws/events", websocket.New(s.handleEventsWS))
	app.Get("/ws/camera", websocket.New(s.handleCameraWS))

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	s.app = app
	return s
}

// Start runs the hubs and serves HTTP until ctx is cancelled or the
// listener fails
func (s *Server) Start(ctx context.Context) error {
	go s.statusHub.Run(ctx)
	go s.eventHub.Run(ctx)
	go s.cameraHub.Run(ctx)

	go func() {
		<-ctx.Done()
		_ = s.app.Shutdown()
	}()

	s.logger.Info("dashboard listening", "addr", s.config.Addr)
	return s.app.Listen(s.config.Addr)
}

// StartAsync starts the server in a goroutine
func (s *Server) StartAsync(ctx context.Context) {
	go func() {
		if err := s.Start(ctx); err != nil {
			s.logger.Warn("web server error", "error", err)
		}
	}()
}

// Shutdown gracefully stops the web server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// PublishStatus replaces the current snapshot and pushes it to status clients
func (s *Server) PublishStatus(st Status) {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()

	if err := s.statusHub.BroadcastJSON(st); err != nil {
		s.logger.Debug("status encode failed", "error", err)
	}
}

// PublishEvent records an event and pushes it to event clients
func (s *Server) PublishEvent(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.eventsMu.Lock()
	if len(s.events) == MaxEvents {
		copy(s.events, s.events[1:])
		s.events = s.events[:MaxEvents-1]
	}
	s.events = append(s.events, ev)
	s.eventsMu.Unlock()

	if err := s.eventHub.BroadcastJSON(ev); err != nil {
		s.logger.Debug("event encode failed", "error", err)
	}
}

// SendCameraFrame pushes a JPEG preview frame to camera clients
func (s *Server) SendCameraFrame(jpegData []byte) {
	s.cameraHub.BroadcastBinary(jpegData)
}

// CameraClients returns how many preview clients are connected, so callers
// can skip JPEG encoding when nobody is watching
func (s *Server) CameraClients() int {
	return s.cameraHub.ClientCount()
}

// Status returns the last published snapshot
func (s *Server) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Events returns up to limit recent events, oldest first. limit <= 0 returns all.
func (s *Server) Events(limit int) []Event {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	start := 0
	if limit > 0 && limit < len(s.events) {
		start = len(s.events) - limit
	}
	out := make([]Event, len(s.events)-start)
	copy(out, s.events[start:])
	return out
}
