package httpretry

import "time"

// DefaultFallback is used once a schedule has handed out all its steps.
const DefaultFallback = 3 * time.Second

// Schedule is a fixed, ordered backoff table indexed by a counter that only
// moves forward. It is not safe for concurrent use.
type Schedule struct {
	steps    []time.Duration
	fallback time.Duration
	count    int
}

// NewSchedule builds a schedule from whole-second steps.
func NewSchedule(stepsSeconds []int, fallback time.Duration) *Schedule {
	steps := make([]time.Duration, len(stepsSeconds))
	for i, s := range stepsSeconds {
		steps[i] = time.Duration(s) * time.Second
	}
	return &Schedule{steps: steps, fallback: fallback}
}

// Next returns the step at the current counter and advances it. Past the
// last step it returns the fallback and leaves the counter alone.
func (s *Schedule) Next() time.Duration {
	if s.count > len(s.steps)-1 {
		return s.fallback
	}
	d := s.steps[s.count]
	s.count++
	return d
}

// Count is the number of steps consumed so far.
func (s *Schedule) Count() int { return s.count }

// Len is the number of configured steps.
func (s *Schedule) Len() int { return len(s.steps) }
