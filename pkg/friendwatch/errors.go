package friendwatch

import "errors"

var (
	// ErrNotInitialized is returned when Run or a control method is called before Init
	ErrNotInitialized = errors.New("friendwatch: app not initialized")

	// ErrPlaybackRunning is returned by StartPlayback while an episode is playing
	ErrPlaybackRunning = errors.New("playback already running")

	// ErrPlaybackIdle is returned by StopPlayback when nothing is playing
	ErrPlaybackIdle = errors.New("playback not running")
)
