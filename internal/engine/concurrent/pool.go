package concurrent

import (
	"sync"

	"github.com/multisocks-downloader/multisocks/internal/engine/types"
)

// SegmentPool is a mutex-protected FIFO of unfinished segments. A segment
// is removed on claim and never re-enqueued; workers drain the pool and
// exit when it is empty.
type SegmentPool struct {
	mu       sync.Mutex
	segments []*types.Segment
	head     int
}

func NewSegmentPool() *SegmentPool {
	return &SegmentPool{}
}

// Populate replaces the pool contents with the not-yet-completed segments
// of the given plan.
func (p *SegmentPool) Populate(segments []*types.Segment) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.segments = p.segments[:0]
	p.head = 0
	for _, seg := range segments {
		if !seg.Completed {
			p.segments = append(p.segments, seg)
		}
	}
}

// Claim removes and returns the head segment, or nil when the pool is
// empty.
func (p *SegmentPool) Claim() *types.Segment {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.head >= len(p.segments) {
		return nil
	}

	seg := p.segments[p.head]
	p.head++
	if p.head > len(p.segments)/2 {
		p.segments = append([]*types.Segment(nil), p.segments[p.head:]...)
		p.head = 0
	}
	return seg
}

// Len returns the number of unclaimed segments.
func (p *SegmentPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.segments) - p.head
}
