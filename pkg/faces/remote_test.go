package faces

import (
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// embedServer is a fake embedding service that records requests
type embedServer struct {
	mu       sync.Mutex
	requests int
	faces    []remoteFace
	status   int
}

func (s *embedServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		faces := s.faces
		status := s.status
		s.mu.Unlock()

		if r.Method != http.MethodPost || r.URL.Path != "/embed/face" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file part: %v", err)
		}
		if status != 0 {
			http.Error(w, "boom", status)
			return
		}
		_ = json.NewEncoder(w).Encode(remoteResponse{
			FacesCount: len(faces),
			Faces:      faces,
			Model:      "buffalo_l",
		})
	}
}

func (s *embedServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func testFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	return img
}

func TestRemoteDetectAndEmbed(t *testing.T) {
	fake := &embedServer{faces: []remoteFace{
		{FaceIndex: 0, Dim: 3, Embedding: []float64{0.1, 0.2, 0.3}, BBox: []float64{10, 20, 50, 80}, DetScore: 0.92},
		{FaceIndex: 1, Dim: 3, Embedding: []float64{0.4, 0.5, 0.6}, BBox: []float64{60, 10, 70, 20}, DetScore: 0.71},
	}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	r := NewRemote(RemoteConfig{URL: srv.URL + "/"})
	defer r.Close()

	frame := testFrame(100, 100)
	dets, err := r.DetectFaces(frame)
	if err != nil {
		t.Fatalf("DetectFaces() error = %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("got %d detections, want 2", len(dets))
	}
	if dets[0].Box != image.Rect(10, 20, 50, 80) {
		t.Errorf("box = %v", dets[0].Box)
	}
	if dets[0].Confidence != 0.92 {
		t.Errorf("confidence = %v", dets[0].Confidence)
	}

	emb, err := r.Embed(frame, dets[1])
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(emb) != 3 || emb[0] != 0.4 {
		t.Errorf("embedding = %v", emb)
	}
	if fake.count() != 1 {
		t.Errorf("requests = %d, want 1 (embedding should come from the detect call)", fake.count())
	}
}

func TestRemoteEmbedForeignDetection(t *testing.T) {
	fake := &embedServer{faces: []remoteFace{
		{Embedding: []float64{1}, BBox: []float64{0, 0, 5, 5}},
		{Embedding: []float64{2}, BBox: []float64{0, 0, 20, 20}},
	}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	r := NewRemote(RemoteConfig{URL: srv.URL})
	frame := testFrame(64, 64)

	emb, err := r.Embed(frame, Detection{Box: image.Rect(8, 8, 40, 40)})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(emb) != 1 || emb[0] != 2 {
		t.Errorf("Embed() = %v, want largest face embedding [2]", emb)
	}

	_, err = r.Embed(frame, Detection{Box: image.Rect(200, 200, 300, 300)})
	if !errors.Is(err, ErrNoEmbedding) {
		t.Errorf("out-of-frame box error = %v, want ErrNoEmbedding", err)
	}
}

func TestRemoteErrors(t *testing.T) {
	fake := &embedServer{status: http.StatusInternalServerError}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	r := NewRemote(RemoteConfig{URL: srv.URL})

	if _, err := r.DetectFaces(testFrame(16, 16)); err == nil {
		t.Error("expected error for 500 response")
	}
	if _, err := r.DetectFaces(image.NewRGBA(image.Rectangle{})); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("empty image error = %v, want ErrEmptyImage", err)
	}
}

func TestRemoteNormalize(t *testing.T) {
	fake := &embedServer{faces: []remoteFace{
		{Embedding: []float64{3, 0, 4}, BBox: []float64{0, 0, 10, 10}},
	}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	cfg := DefaultRemoteConfig()
	cfg.URL = srv.URL
	r := NewRemote(cfg)

	dets, err := r.DetectFaces(testFrame(32, 32))
	if err != nil {
		t.Fatalf("DetectFaces() error = %v", err)
	}
	emb, err := r.Embed(testFrame(32, 32), dets[0])
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	want := Embedding{0.6, 0, 0.8}
	for i := range want {
		if math.Abs(emb[i]-want[i]) > 1e-12 {
			t.Fatalf("embedding = %v, want %v", emb, want)
		}
	}
}

func TestRemoteDefaults(t *testing.T) {
	r := NewRemote(RemoteConfig{})
	if r.baseURL != defaultRemoteURL {
		t.Errorf("baseURL = %q", r.baseURL)
	}
	if r.config.JPEGQuality != 85 {
		t.Errorf("JPEGQuality = %d", r.config.JPEGQuality)
	}
}
