package presence

// Sampler decides which frames are analyzed.
// Frames are sampled more often while the subject is present.
type Sampler struct {
	presentInterval int
	idleInterval    int
}

// NewSampler creates a sampler from the interval settings of cfg
func NewSampler(cfg Config) *Sampler {
	s := &Sampler{
		presentInterval: cfg.PresentInterval,
		idleInterval:    cfg.IdleInterval,
	}
	if s.presentInterval < 1 {
		s.presentInterval = 1
	}
	if s.idleInterval < 1 {
		s.idleInterval = 1
	}
	return s
}

// Interval returns the sampling interval for state
func (s *Sampler) Interval(state State) int {
	if state == Present {
		return s.presentInterval
	}
	return s.idleInterval
}

// ShouldSample reports whether frame frameIndex (counted from 1) is analyzed.
// Index 0 and negative indices are never sampled.
func (s *Sampler) ShouldSample(frameIndex int64, state State) bool {
	if frameIndex <= 0 {
		return false
	}
	return frameIndex%int64(s.Interval(state)) == 0
}
