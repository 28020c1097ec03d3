package faces

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/go-friendwatch/internal/httpc"
)

const defaultRemoteURL = "http://localhost:8000"

// RemoteConfig holds configuration for an InsightFace-style embedding service
type RemoteConfig struct {
	URL         string        // Base URL of the embedding server
	Timeout     time.Duration // Per-request timeout
	JPEGQuality int           // Quality used to upload frames
	Normalize   bool          // L2-normalize returned embeddings
}

// DefaultRemoteConfig returns defaults for a service on localhost
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		URL:         defaultRemoteURL,
		Timeout:     5 * time.Second,
		JPEGQuality: 85,
		Normalize:   true,
	}
}

// Remote detects and embeds faces with one call to POST /embed/face
type Remote struct {
	baseURL string
	config  RemoteConfig
	client  *http.Client
}

// NewRemote creates a client for the embedding service
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.URL == "" {
		cfg.URL = defaultRemoteURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 85
	}
	return &Remote{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		config:  cfg,
		client:  httpc.NewClient(cfg.Timeout),
	}
}

// remoteFace is a single face in the service response
type remoteFace struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float64 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// remoteResponse is the response of the face embedding endpoint
type remoteResponse struct {
	FacesCount int          `json:"faces_count"`
	Faces      []remoteFace `json:"faces"`
	Model      string       `json:"model"`
}

// DetectFaces uploads the frame and returns the faces found, embeddings included
func (r *Remote) DetectFaces(img image.Image) ([]Detection, error) {
	if img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}

	resp, err := r.postImage(img)
	if err != nil {
		return nil, err
	}

	origin := img.Bounds().Min
	detections := make([]Detection, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if len(f.BBox) != 4 {
			continue
		}
		box := image.Rect(int(f.BBox[0]), int(f.BBox[1]), int(f.BBox[2]), int(f.BBox[3])).Add(origin)
		detections = append(detections, Detection{
			Box:        box,
			Confidence: f.DetScore,
			embedding:  r.embedding(f.Embedding),
		})
	}
	return detections, nil
}

// Embed returns the embedding delivered with the detection. Detections that did not come
// from this service are cropped and uploaded on their own.
func (r *Remote) Embed(img image.Image, det Detection) (Embedding, error) {
	if len(det.embedding) > 0 {
		return det.embedding, nil
	}

	rect := det.Box.Intersect(img.Bounds())
	if rect.Empty() {
		return nil, ErrNoEmbedding
	}
	crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(crop, crop.Bounds(), img, rect.Min, draw.Src)

	resp, err := r.postImage(crop)
	if err != nil {
		return nil, err
	}
	var faces []Detection
	for _, f := range resp.Faces {
		if len(f.BBox) != 4 || len(f.Embedding) == 0 {
			continue
		}
		faces = append(faces, Detection{
			Box:       image.Rect(int(f.BBox[0]), int(f.BBox[1]), int(f.BBox[2]), int(f.BBox[3])),
			embedding: r.embedding(f.Embedding),
		})
	}
	best := Largest(faces)
	if best == nil {
		return nil, ErrNoEmbedding
	}
	return best.embedding, nil
}

// embedding copies a service vector, normalized when configured
func (r *Remote) embedding(v []float64) Embedding {
	if len(v) == 0 {
		return nil
	}
	emb := append(Embedding(nil), v...)
	if r.config.Normalize {
		Normalize(emb)
	}
	return emb
}

// postImage encodes img as JPEG and posts it as a multipart form
func (r *Remote) postImage(img image.Image) (*remoteResponse, error) {
	var jpegBuf bytes.Buffer
	if err := jpeg.Encode(&jpegBuf, img, &jpeg.Options{Quality: r.config.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(jpegBuf.Bytes()); err != nil {
		return nil, fmt.Errorf("write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/embed/face", &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service error (status %d): %s", resp.StatusCode, string(data))
	}

	var out remoteResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &out, nil
}

// Close is a no-op for the HTTP backend
func (r *Remote) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

var _ Recognizer = (*Remote)(nil)
