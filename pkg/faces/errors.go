package faces

import "errors"

var (
	// ErrEmptyImage is returned when an input image has no pixels.
	ErrEmptyImage = errors.New("empty image")

	// ErrModelNotFound is returned when a model file is missing.
	ErrModelNotFound = errors.New("model file not found")

	// ErrNoEmbedding is returned when a backend produced no embedding for a face.
	ErrNoEmbedding = errors.New("no embedding for face")
)
