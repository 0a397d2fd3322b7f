package utils

import "time"

// Clock abstracts the monotonic clock so speed accounting can be tested
// deterministically.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type systemClock struct{}

func (systemClock) Now() time.Time                  { return time.Now() }
func (systemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// SystemClock is the real wall/monotonic clock.
var SystemClock Clock = systemClock{}
