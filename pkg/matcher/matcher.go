// Package matcher decides whether an observed face embedding belongs to the enrolled subject.
package matcher

import (
	"image"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/teslashibe/go-friendwatch/pkg/faces"
)

// Maximum Euclidean distance counted as a match, per embedding model
const (
	DefaultThreshold = 0.37  // 128-d dlib ResNet embeddings
	SFaceThreshold   = 1.128 // OpenCV SFace, unit-length embeddings
	ArcFaceThreshold = 1.0   // ArcFace-style, unit-length embeddings (cosine distance 0.5)
)

// Result is the match outcome for one observed face
type Result struct {
	IsMatch  bool
	Distance float64         // Minimum distance to the reference set, +Inf when the set is empty
	Box      image.Rectangle // Face box in frame pixels
}

// Match compares observed against every reference vector and keeps the minimum distance.
// References whose dimension differs from observed are skipped.
func Match(observed faces.Embedding, refs faces.ReferenceSet, threshold float64) Result {
	best := math.Inf(1)
	for _, ref := range refs {
		if len(ref) != len(observed) || len(ref) == 0 {
			continue
		}
		if d := floats.Distance(observed, ref, 2); d < best {
			best = d
		}
	}
	return Result{
		IsMatch:  best < threshold,
		Distance: best,
	}
}

// Matcher holds an immutable reference set and threshold
type Matcher struct {
	refs      faces.ReferenceSet
	threshold float64
}

// New creates a matcher. A threshold <= 0 uses DefaultThreshold.
func New(refs faces.ReferenceSet, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{refs: refs, threshold: threshold}
}

// Match scores one embedding against the reference set
func (m *Matcher) Match(emb faces.Embedding) Result {
	return Match(emb, m.refs, m.threshold)
}

// MatchFace scores one embedding and attaches the face box
func (m *Matcher) MatchFace(emb faces.Embedding, box image.Rectangle) Result {
	r := m.Match(emb)
	r.Box = box
	return r
}

// Threshold returns the configured match threshold
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Size returns the number of reference vectors
func (m *Matcher) Size() int {
	return len(m.refs)
}
