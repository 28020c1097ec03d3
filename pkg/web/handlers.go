package web

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-friendwatch/pkg/hub"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleStatus returns the latest snapshot
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.Status())
}

// handleEvents returns the event history. ?limit=N keeps the newest N.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be >= 0"})
	}
	return c.JSON(s.Events(limit))
}

func (s *Server) handleConfig(c *fiber.Ctx) error {
	if s.ctrl == nil {
		return s.noController(c)
	}
	return c.JSON(s.ctrl.Settings())
}

// handlePlaybackStart starts an episode by hand
func (s *Server) handlePlaybackStart(c *fiber.Ctx) error {
	if s.ctrl == nil {
		return s.noController(c)
	}
	if err := s.ctrl.StartPlayback(); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	s.logger.Info("playback started from dashboard", "ip", c.IP())
	return c.JSON(fiber.Map{"playback": "playing"})
}

// handlePlaybackStop is the external stop signal for a running episode
func (s *Server) handlePlaybackStop(c *fiber.Ctx) error {
	if s.ctrl == nil {
		return s.noController(c)
	}
	if err := s.ctrl.StopPlayback(); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	s.logger.Info("playback stopped from dashboard", "ip", c.IP())
	return c.JSON(fiber.Map{"playback": "stopping"})
}

func (s *Server) noController(c *fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": ErrNoController.Error()})
}

// handleStatusWS streams status snapshots. The hub replays the latest one on connect.
func (s *Server) handleStatusWS(c *websocket.Conn) {
	hub.NewClient(s.statusHub, c).Run()
}

// handleEventsWS streams events. The hub replays the recent history first.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	hub.NewClient(s.eventHub, c).Run()
}

// handleCameraWS streams binary JPEG preview frames
func (s *Server) handleCameraWS(c *websocket.Conn) {
	hub.NewClient(s.cameraHub, c).Run()
}
