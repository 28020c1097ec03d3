package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var (
	// ErrNoFrame is returned when a read produced no frame. It is transient.
	ErrNoFrame = errors.New("no frame available")

	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("capture source closed")

	// ErrOpen is returned when the capture device or stream cannot be opened.
	ErrOpen = errors.New("failed to open capture source")
)

// Source produces frames in order
type Source interface {
	// Read returns the next frame. ErrNoFrame means try again.
	Read(ctx context.Context) (image.Image, error)

	// Close releases the device or connection
	Close() error
}

// Open creates the source selected by cfg.Backend
func Open(ctx context.Context, cfg Config) (Source, error) {
	switch cfg.Backend {
	case BackendDevice, BackendFile:
		return OpenDevice(cfg)
	case BackendWebRTC:
		src := NewWebRTC(cfg)
		if err := src.Connect(ctx); err != nil {
			src.Close()
			return nil, err
		}
		return src, nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrOpen, cfg.Backend)
}
