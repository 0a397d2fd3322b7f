package types

// Segment planning. Larger files amortize per-request overhead with
// bigger, fewer effective range requests per worker; small files avoid
// over-parallelization.

// ScaleSegmentsPerWorker picks the segments-per-worker count for a file
// size, falling back to the caller-supplied value for small files.
func ScaleSegmentsPerWorker(totalSize int64, fallback int) int {
	switch {
	case totalSize > 10*GB:
		return 800
	case totalSize > 5*GB:
		return 500
	case totalSize > 1*GB:
		return 300
	case totalSize > 500*MB:
		return 200
	case totalSize > 100*MB:
		return 150
	default:
		if fallback <= 0 {
			return 10
		}
		return fallback
	}
}

// ScaleReadChunkSize picks the streaming buffer size for a file size.
func ScaleReadChunkSize(totalSize int64) int {
	switch {
	case totalSize > 1*GB:
		return int(128 * KB)
	case totalSize > 100*MB:
		return int(64 * KB)
	default:
		return int(32 * KB)
	}
}

// ScaleWorkerCount caps the worker count for small files and enforces the
// global bound.
func ScaleWorkerCount(totalSize int64, workers int) int {
	if workers < 1 {
		workers = 1
	}
	switch {
	case totalSize < 10*MB && workers > 5:
		workers = 5
	case totalSize < 100*MB && workers > 10:
		workers = 10
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	return workers
}

// BuildPlan partitions [0, totalSize) into ordered segments. Nominal
// segment size is max(MinSegmentSize, totalSize/partsCount); the last
// segment is clamped to totalSize-1 and segments starting past the end are
// dropped. The result covers the resource with no overlap and no gap.
func BuildPlan(totalSize int64, workerCount, segmentsPerWorker int) []Segment {
	if totalSize <= 0 || workerCount < 1 || segmentsPerWorker < 1 {
		return nil
	}

	partsCount := workerCount * segmentsPerWorker
	segSize := totalSize / int64(partsCount)
	if segSize < MinSegmentSize {
		segSize = MinSegmentSize
	}

	segments := make([]Segment, 0, partsCount)
	for i := 0; i < partsCount; i++ {
		start := int64(i) * segSize
		if start >= totalSize {
			break
		}
		end := start + segSize - 1
		if i == partsCount-1 || end > totalSize-1 {
			end = totalSize - 1
		}
		segments = append(segments, Segment{
			Index:   i,
			Start:   start,
			End:     end,
			Current: start,
		})
	}
	return segments
}
