package playback

import "errors"

var (
	// ErrMediaOpen is returned when the playback media cannot be opened.
	ErrMediaOpen = errors.New("failed to open media")

	// ErrMediaEmpty is returned when the media yields no frames, even after rewinding.
	ErrMediaEmpty = errors.New("media has no frames")
)
