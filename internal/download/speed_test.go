package download

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for deterministic speed math.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time                  { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }
func (c *fakeClock) advance(d time.Duration)         { c.now = c.now.Add(d) }

func TestSpeedometer_CurrentIsTimeWeighted(t *testing.T) {
	clock := newFakeClock()
	s := newSpeedometer(clock)
	s.reset(0)

	// 1 second at 1000 B/s, then 1 second at 3000 B/s.
	clock.advance(time.Second)
	s.observe(1000)
	clock.advance(time.Second)
	s.observe(4000)

	got := s.current()
	if got < 1999 || got > 2001 {
		t.Errorf("current = %f, want ~2000", got)
	}
}

func TestSpeedometer_MinimumSampleInterval(t *testing.T) {
	clock := newFakeClock()
	s := newSpeedometer(clock)
	s.reset(0)

	// Updates inside the 300 ms window must not add samples.
	clock.advance(100 * time.Millisecond)
	s.observe(500)
	clock.advance(100 * time.Millisecond)
	s.observe(1000)

	if got := s.current(); got != 0 {
		t.Errorf("current = %f, want 0 (no samples yet)", got)
	}

	clock.advance(200 * time.Millisecond)
	s.observe(2000)
	if got := s.current(); got == 0 {
		t.Error("expected a sample after the interval elapsed")
	}
}

func TestSpeedometer_WindowIsBounded(t *testing.T) {
	clock := newFakeClock()
	s := newSpeedometer(clock)
	s.reset(0)

	var size int64
	for i := 0; i < speedWindowSize*3; i++ {
		clock.advance(time.Second)
		size += 1000
		s.observe(size)
	}
	if len(s.samples) != speedWindowSize {
		t.Errorf("window holds %d samples, want %d", len(s.samples), speedWindowSize)
	}
}

func TestSpeedometer_ReportedBlendsAndClamps(t *testing.T) {
	clock := newFakeClock()
	s := newSpeedometer(clock)
	s.reset(0)

	clock.advance(time.Second)
	s.observe(1000) // current ~1000 B/s

	first := s.reported(1000)
	if first < 999 || first > 1001 {
		t.Errorf("first report = %f, want ~1000", first)
	}

	// A sudden 10x jump must be clamped to +20 % of the last report.
	clock.advance(time.Second)
	s.observe(12000)
	second := s.reported(6000)
	if want := first * 1.2; second > want+1 {
		t.Errorf("second report = %f, want <= %f", second, want)
	}

	// And a collapse is clamped to -20 %.
	clock.advance(100 * time.Second)
	s.observe(12001)
	third := s.reported(10)
	if want := second * 0.8; third < want-1 {
		t.Errorf("third report = %f, want >= %f", third, want)
	}
}

func TestSpeedometer_ResetClearsWindow(t *testing.T) {
	clock := newFakeClock()
	s := newSpeedometer(clock)
	s.reset(0)

	clock.advance(time.Second)
	s.observe(5000)
	if s.current() == 0 {
		t.Fatal("expected a sample")
	}

	s.reset(5000)
	if got := s.current(); got != 0 {
		t.Errorf("current after reset = %f, want 0", got)
	}
	if s.lastReported != 0 {
		t.Errorf("lastReported after reset = %f, want 0", s.lastReported)
	}
}
