package capture

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// DeviceSource reads frames from a local camera or a file/stream through OpenCV
type DeviceSource struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	mu      sync.Mutex
	closed  bool
}

// OpenDevice opens the camera (BackendDevice) or URL (BackendFile) and applies the
// requested resolution. Devices may silently pick a different size.
func OpenDevice(cfg Config) (*DeviceSource, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if cfg.Backend == BackendFile {
		vc, err = gocv.VideoCaptureFile(cfg.URL)
	} else {
		vc, err = gocv.VideoCaptureDevice(cfg.DeviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", ErrOpen, describe(cfg))
	}

	if cfg.Backend != BackendFile {
		if cfg.Width > 0 && cfg.Height > 0 {
			vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
			vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
		}
		if cfg.Framerate > 0 {
			vc.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))
		}
		vc.Set(gocv.VideoCaptureBufferSize, 1)
	}

	return &DeviceSource{
		capture: vc,
		mat:     gocv.NewMat(),
	}, nil
}

// Read grabs the next frame as *image.RGBA
func (d *DeviceSource) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if ok := d.capture.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, ErrNoFrame
	}

	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

// Size returns the resolution the device actually delivers
func (d *DeviceSource) Size() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.capture.Get(gocv.VideoCaptureFrameWidth)), int(d.capture.Get(gocv.VideoCaptureFrameHeight))
}

// Close releases the device
func (d *DeviceSource) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.mat.Close()
	return d.capture.Close()
}

func describe(cfg Config) string {
	if cfg.Backend == BackendFile {
		return cfg.URL
	}
	return fmt.Sprintf("camera %d", cfg.DeviceID)
}
