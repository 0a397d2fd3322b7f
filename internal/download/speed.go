package download

import (
	"sync"
	"time"

	"github.com/multisocks-downloader/multisocks/internal/utils"
)

const (
	speedWindowSize  = 15
	minSpeedInterval = 300 * time.Millisecond
	// maxSpeedChange bounds how much two successive reported speeds may
	// differ. Raw short-window speed oscillates when workers start or stop
	// in bursts; the cap trades accuracy for stable display.
	maxSpeedChange = 0.2
)

type speedSample struct {
	dt    float64 // seconds
	speed float64 // bytes/second over dt
}

// speedometer keeps a bounded sliding window of download speed samples and
// produces the smoothed speed the task reports.
type speedometer struct {
	clock utils.Clock

	mu           sync.Mutex
	samples      []speedSample
	lastUpdate   time.Time
	lastSize     int64
	lastReported float64
}

func newSpeedometer(clock utils.Clock) *speedometer {
	if clock == nil {
		clock = utils.SystemClock
	}
	return &speedometer{clock: clock}
}

// reset clears the window, e.g. on resume, so stale samples from before a
// pause cannot skew the next report.
func (s *speedometer) reset(downloaded int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = s.samples[:0]
	s.lastUpdate = s.clock.Now()
	s.lastSize = downloaded
	s.lastReported = 0
}

// observe records the current downloaded size, adding a window sample at
// most once per minSpeedInterval.
func (s *speedometer) observe(downloaded int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.lastUpdate.IsZero() {
		s.lastUpdate = now
		s.lastSize = downloaded
		return
	}

	dt := now.Sub(s.lastUpdate)
	if dt < minSpeedInterval {
		return
	}

	s.samples = append(s.samples, speedSample{
		dt:    dt.Seconds(),
		speed: float64(downloaded-s.lastSize) / dt.Seconds(),
	})
	if len(s.samples) > speedWindowSize {
		s.samples = s.samples[len(s.samples)-speedWindowSize:]
	}

	s.lastUpdate = now
	s.lastSize = downloaded
}

// current returns the time-weighted speed across the window.
func (s *speedometer) current() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var totalTime, weighted float64
	for _, sample := range s.samples {
		totalTime += sample.dt
		weighted += sample.speed * sample.dt
	}
	if totalTime == 0 {
		return 0
	}
	return weighted / totalTime
}

// reported blends the short-window speed with the lifetime average
// (0.7/0.3) and clamps successive reports to +-20 %.
func (s *speedometer) reported(average float64) float64 {
	current := s.current()

	speed := current*0.7 + average*0.3
	if current == 0 {
		speed = average
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastReported > 0 {
		if ceiling := s.lastReported * (1 + maxSpeedChange); speed > ceiling {
			speed = ceiling
		} else if floor := s.lastReported * (1 - maxSpeedChange); speed < floor {
			speed = floor
		}
	}
	s.lastReported = speed
	return speed
}
