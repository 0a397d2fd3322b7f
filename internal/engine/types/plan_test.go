package types

import "testing"

// verifyPartition checks that the segments cover [0, total) in order with
// no overlap and no gap.
func verifyPartition(t *testing.T, segments []Segment, total int64) {
	t.Helper()

	if len(segments) == 0 {
		t.Fatal("no segments")
	}
	if segments[0].Start != 0 {
		t.Errorf("first segment starts at %d", segments[0].Start)
	}
	for i := 1; i < len(segments); i++ {
		if segments[i].Start != segments[i-1].End+1 {
			t.Errorf("gap/overlap between segment %d and %d: end=%d next start=%d",
				i-1, i, segments[i-1].End, segments[i].Start)
		}
	}
	last := segments[len(segments)-1]
	if last.End != total-1 {
		t.Errorf("last segment ends at %d, want %d", last.End, total-1)
	}
	for _, seg := range segments {
		if seg.Current != seg.Start {
			t.Errorf("segment %d current = %d, want %d", seg.Index, seg.Current, seg.Start)
		}
		if seg.Completed {
			t.Errorf("segment %d created completed", seg.Index)
		}
	}
}

func TestBuildPlan_Partition(t *testing.T) {
	total := int64(10*MB + 1)
	segments := BuildPlan(total, 4, 10)
	verifyPartition(t, segments, total)

	// With the 1 MB segment floor, 10 MB + 1 byte yields 11 segments.
	if len(segments) != 11 {
		t.Errorf("got %d segments, want 11", len(segments))
	}
}

func TestBuildPlan_SingleWorkerSingleSegment(t *testing.T) {
	total := int64(50 * MB)
	segments := BuildPlan(total, 1, 1)
	verifyPartition(t, segments, total)
	if len(segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(segments))
	}
	if segments[0].Start != 0 || segments[0].End != total-1 {
		t.Errorf("segment spans %d-%d, want 0-%d", segments[0].Start, segments[0].End, total-1)
	}
}

func TestBuildPlan_LargeFile(t *testing.T) {
	total := int64(2 * GB)
	segments := BuildPlan(total, 8, 32)
	verifyPartition(t, segments, total)
	if len(segments) != 8*32 {
		t.Errorf("got %d segments, want %d", len(segments), 8*32)
	}
}

func TestBuildPlan_Degenerate(t *testing.T) {
	if got := BuildPlan(0, 4, 10); got != nil {
		t.Errorf("expected nil plan for zero size, got %d segments", len(got))
	}
	if got := BuildPlan(100, 0, 10); got != nil {
		t.Errorf("expected nil plan for zero workers, got %d segments", len(got))
	}
}

func TestScaleSegmentsPerWorker(t *testing.T) {
	cases := []struct {
		size int64
		want int
	}{
		{11 * GB, 800},
		{6 * GB, 500},
		{2 * GB, 300},
		{600 * MB, 200},
		{200 * MB, 150},
		{50 * MB, 10},
	}
	for _, c := range cases {
		if got := ScaleSegmentsPerWorker(c.size, 10); got != c.want {
			t.Errorf("ScaleSegmentsPerWorker(%d) = %d, want %d", c.size, got, c.want)
		}
	}

	if got := ScaleSegmentsPerWorker(50*MB, 25); got != 25 {
		t.Errorf("small file should keep caller value, got %d", got)
	}
}

func TestScaleReadChunkSize(t *testing.T) {
	if got := ScaleReadChunkSize(2 * GB); got != int(128*KB) {
		t.Errorf("got %d", got)
	}
	if got := ScaleReadChunkSize(200 * MB); got != int(64*KB) {
		t.Errorf("got %d", got)
	}
	if got := ScaleReadChunkSize(10 * MB); got != int(32*KB) {
		t.Errorf("got %d", got)
	}
}

func TestScaleWorkerCount(t *testing.T) {
	if got := ScaleWorkerCount(5*MB, 16); got != 5 {
		t.Errorf("small file cap: got %d, want 5", got)
	}
	if got := ScaleWorkerCount(50*MB, 16); got != 10 {
		t.Errorf("medium file cap: got %d, want 10", got)
	}
	if got := ScaleWorkerCount(1*GB, 16); got != 16 {
		t.Errorf("large file unchanged: got %d, want 16", got)
	}
	if got := ScaleWorkerCount(1*GB, 64); got != MaxWorkers {
		t.Errorf("global cap: got %d, want %d", got, MaxWorkers)
	}
}

func TestSegmentInvariants(t *testing.T) {
	seg := Segment{Start: 100, End: 199, Current: 100}
	if seg.Remaining() != 100 {
		t.Errorf("Remaining = %d, want 100", seg.Remaining())
	}
	if seg.Downloaded() != 0 {
		t.Errorf("Downloaded = %d, want 0", seg.Downloaded())
	}

	seg.Current = 200
	if seg.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", seg.Remaining())
	}
	if seg.Downloaded() != 100 {
		t.Errorf("Downloaded = %d, want 100", seg.Downloaded())
	}
}
