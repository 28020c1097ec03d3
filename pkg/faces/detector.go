// Package faces defines the face detection and embedding capability and its
// pure-Go backends. The OpenCV backend lives in pkg/faces/opencv.
package faces

import (
	"image"

	"gonum.org/v1/gonum/floats"
)

// Embedding is a fixed-length identity vector for one face
type Embedding []float64

// ReferenceSet holds the enrolled subject's embeddings, one per usable enrollment image
type ReferenceSet []Embedding

// Dim returns the embedding dimension of the set, or 0 if empty
func (s ReferenceSet) Dim() int {
	if len(s) == 0 {
		return 0
	}
	return len(s[0])
}

// Detection represents a detected face
type Detection struct {
	Box        image.Rectangle // Bounding box in frame pixels
	Confidence float64         // Detection confidence (0-1)

	// Raw is the detector output row (box, 5 landmarks, score) used for alignment.
	// Nil for backends without landmarks.
	Raw []float32

	// embedding is set by backends that return detection and embedding in one call
	embedding Embedding
}

// Center returns the center point of the bounding box
func (d Detection) Center() (x, y float64) {
	return float64(d.Box.Min.X+d.Box.Max.X) / 2, float64(d.Box.Min.Y+d.Box.Max.Y) / 2
}

// Area returns the area of the bounding box
func (d Detection) Area() int {
	return d.Box.Dx() * d.Box.Dy()
}

// Detector finds face regions in an image
type Detector interface {
	// DetectFaces finds faces in the image and returns their boxes
	DetectFaces(img image.Image) ([]Detection, error)
}

// Embedder computes an identity embedding for one detected face
type Embedder interface {
	// Embed returns the embedding of the face at det in img
	Embed(img image.Image, det Detection) (Embedding, error)
}

// Recognizer combines detection and embedding, and owns backend resources
type Recognizer interface {
	Detector
	Embedder

	// Close releases resources
	Close() error
}

// Largest picks the detection with the largest box area.
// Ties go to the first detection. Returns nil for an empty slice.
func Largest(dets []Detection) *Detection {
	if len(dets) == 0 {
		return nil
	}

	best := 0
	for i := 1; i < len(dets); i++ {
		if dets[i].Area() > dets[best].Area() {
			best = i
		}
	}
	return &dets[best]
}

// Scale returns a copy of the detection with its box scaled by factor.
// Used to map boxes found on a downscaled frame back to full resolution.
func (d Detection) Scale(factor float64) Detection {
	if factor == 1 || factor <= 0 {
		return d
	}
	out := d
	out.Box = image.Rect(
		int(float64(d.Box.Min.X)*factor),
		int(float64(d.Box.Min.Y)*factor),
		int(float64(d.Box.Max.X)*factor),
		int(float64(d.Box.Max.Y)*factor),
	)
	if d.Raw != nil {
		out.Raw = make([]float32, len(d.Raw))
		copy(out.Raw, d.Raw)
		// columns 0-13 are coordinates or sizes; 14 is the score
		for i := 0; i < len(out.Raw) && i < 14; i++ {
			out.Raw[i] = float32(float64(out.Raw[i]) * factor)
		}
	}
	return out
}

// Normalize scales v to unit length in place. A zero vector is left unchanged.
func Normalize(v Embedding) {
	n := floats.Norm(v, 2)
	if n == 0 {
		return
	}
	floats.Scale(1/n, v)
}
