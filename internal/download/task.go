package download

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/h2non/filetype"

	"github.com/multisocks-downloader/multisocks/internal/engine"
	"github.com/multisocks-downloader/multisocks/internal/engine/concurrent"
	"github.com/multisocks-downloader/multisocks/internal/engine/single"
	"github.com/multisocks-downloader/multisocks/internal/engine/types"
	"github.com/multisocks-downloader/multisocks/internal/progress"
	"github.com/multisocks-downloader/multisocks/internal/proxy"
	"github.com/multisocks-downloader/multisocks/internal/utils"
)

// Job is an accepted download request. Immutable once a task is created
// from it.
type Job struct {
	URL               string
	SaveDir           string
	Filename          string
	WorkerCount       int
	WorkersPerProxy   int
	SegmentsPerWorker int
	Proxies           []proxy.Endpoint
	Timeouts          types.Timeouts
	MaxRetries        int
	KeepAlive         bool
	Clock             utils.Clock
}

// Progress is the externally visible snapshot of a task.
type Progress struct {
	TotalSize      int64   `json:"total_size"`
	DownloadedSize int64   `json:"downloaded_size"`
	Percentage     float64 `json:"percentage"`
	Speed          float64 `json:"speed"`
	AverageSpeed   float64 `json:"average_speed"`
	Status         string  `json:"status"`
	ErrorMessage   string  `json:"error_message"`
	ElapsedTime    float64 `json:"elapsed_time"`
	ThreadCount    int     `json:"thread_count"`
	TotalTime      float64 `json:"total_time"`
}

// Task is one download job's state machine. The manager owns tasks;
// segments and workers are owned by their task.
type Task struct {
	ID  string
	URL string

	mu              sync.Mutex
	saveDir         string
	filename        string
	status          types.Status
	errMessage      string
	totalSize       int64
	downloadedSize  int64
	supportsRange   bool
	singleStream    bool
	segments        []*types.Segment
	sinceSave       int64
	threadCount     int
	contentType     string
	startTime       time.Time
	endTime         time.Time
	totalActiveTime time.Duration
	lastActiveStart time.Time
	prepared        bool
	workerErr       error
	runGen          int

	proxies           []proxy.Endpoint
	workerCount       int
	workersPerProxy   int
	segmentsPerWorker int
	chunkSize         int
	timeouts          types.Timeouts
	maxRetries        int
	keepAlive         bool

	pool     *concurrent.SegmentPool
	tempFile *os.File
	stop     atomic.Bool
	wg       sync.WaitGroup

	// switchMu guards the 416 single-stream latch: exactly one worker
	// performs the transition, the rest observe singleStream already set.
	switchMu sync.Mutex

	// finalizeMu makes finalization idempotent.
	finalizeMu sync.Mutex
	finalized  bool

	speed *speedometer
	clock utils.Clock

	// Callback slots the manager installs at construction.
	OnCompleted func(*Task)
	OnError     func(*Task, error)
}

// NewTask builds a task from a job. With proxies bound, the effective
// worker count is workersPerProxy per proxy; either way it never exceeds
// the global cap.
func NewTask(id string, job Job) *Task {
	clock := job.Clock
	if clock == nil {
		clock = utils.SystemClock
	}

	workersPerProxy := job.WorkersPerProxy
	if workersPerProxy < 1 {
		workersPerProxy = 3
	}
	segmentsPerWorker := job.SegmentsPerWorker
	if segmentsPerWorker < 1 {
		segmentsPerWorker = 10
	}

	workerCount := job.WorkerCount
	if len(job.Proxies) > 0 {
		workerCount = len(job.Proxies) * workersPerProxy
	}
	if workerCount < 1 {
		workerCount = 1
	}
	if workerCount > types.MaxWorkers {
		workerCount = types.MaxWorkers
	}

	filename := job.Filename
	if filename == "" {
		filename = filenameFromURLPath(job.URL)
	}

	timeouts := job.Timeouts
	if timeouts.Connect <= 0 {
		timeouts.Connect = types.DefaultConnectTimeout
	}
	if timeouts.Read <= 0 {
		timeouts.Read = types.DefaultReadTimeout
	}

	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = types.DefaultMaxRetries
	}

	return &Task{
		ID:                id,
		URL:               job.URL,
		saveDir:           job.SaveDir,
		filename:          filename,
		status:            types.StatusInitialized,
		proxies:           job.Proxies,
		workerCount:       workerCount,
		workersPerProxy:   workersPerProxy,
		segmentsPerWorker: segmentsPerWorker,
		chunkSize:         int(64 * types.KB),
		timeouts:          timeouts,
		maxRetries:        maxRetries,
		keepAlive:         job.KeepAlive,
		pool:              concurrent.NewSegmentPool(),
		speed:             newSpeedometer(clock),
		clock:             clock,
	}
}

// filenameFromURLPath is the initial guess before any headers are seen.
func filenameFromURLPath(rawurl string) string {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return utils.FallbackFilename
	}
	p := parsed.Path
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	base := path.Base(p)
	if base == "" || base == "/" || base == "." {
		return utils.FallbackFilename
	}
	return base
}

// Path accessors. The three paths always move together when the filename
// changes.

func (t *Task) FinalPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalPathLocked()
}

func (t *Task) finalPathLocked() string    { return filepath.Join(t.saveDir, t.filename) }
func (t *Task) tempPathLocked() string     { return t.finalPathLocked() + types.IncompleteSuffix }
func (t *Task) progressPathLocked() string { return t.finalPathLocked() + types.ProgressSuffix }

func (t *Task) TempPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tempPathLocked()
}

func (t *Task) ProgressPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressPathLocked()
}

func (t *Task) Filename() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filename
}

func (t *Task) SaveDir() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveDir
}

func (t *Task) Status() types.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) ContentType() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contentType
}

// Prepare learns what the server offers and lays the on-disk groundwork.
// It is entered before the first start and again after recovery loads.
func (t *Task) Prepare() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prepareLocked()
}

func (t *Task) prepareLocked() error {
	if err := os.MkdirAll(t.saveDir, 0755); err != nil {
		t.status = types.StatusError
		t.errMessage = fmt.Sprintf("cannot create save directory: %v", err)
		return fmt.Errorf("cannot create save directory: %w", err)
	}

	// Nothing to do when the artifact is already there.
	if info, err := os.Stat(t.finalPathLocked()); err == nil {
		t.status = types.StatusCompleted
		t.finalized = true
		t.totalSize = info.Size()
		t.downloadedSize = info.Size()
		t.endTime = t.clock.Now()
		progress.Delete(t.progressPathLocked())
		os.Remove(t.tempPathLocked())
		t.prepared = true
		return nil
	}

	restored := false
	if _, err := os.Stat(t.progressPathLocked()); err == nil {
		cp, err := progress.Load(t.progressPathLocked())
		if err == nil && cp.URL == t.URL {
			restored = t.applyCheckpointLocked(cp)
		} else {
			utils.Debug("discarding unusable checkpoint for %s: %v", t.URL, err)
			progress.Delete(t.progressPathLocked())
		}
	}

	// The checkpoint may have renamed the task; re-check the final path.
	if restored {
		if info, err := os.Stat(t.finalPathLocked()); err == nil {
			t.status = types.StatusCompleted
			t.finalized = true
			t.totalSize = info.Size()
			t.downloadedSize = info.Size()
			t.endTime = t.clock.Now()
			t.prepared = true
			return nil
		}
	}

	if !restored {
		t.mu.Unlock()
		result := engine.Probe(t.URL, t.proxies, t.timeouts)
		t.mu.Lock()

		t.supportsRange = result.SupportsRange
		t.totalSize = result.TotalSize
		if (t.filename == utils.FallbackFilename || t.filename == "") && result.Filename != "" {
			t.filename = result.Filename
		}

		if t.supportsRange && t.totalSize > types.SingleStreamThreshold {
			t.applyScalingLocked()
			plan := types.BuildPlan(t.totalSize, t.workerCount, t.segmentsPerWorker)
			t.segments = make([]*types.Segment, len(plan))
			for i := range plan {
				seg := plan[i]
				t.segments[i] = &seg
			}
			utils.Debug("task %s: planned %d segments for %s", t.ID, len(t.segments),
				utils.ConvertBytesToHumanReadable(t.totalSize))
		} else {
			t.singleStream = true
			t.segments = nil
		}
	}

	if len(t.segments) > 0 {
		if err := t.ensureTempFileLocked(); err != nil {
			t.status = types.StatusError
			t.errMessage = err.Error()
			return err
		}
		t.populatePoolLocked()
	}

	if t.status != types.StatusPaused {
		t.status = types.StatusInitialized
	}
	t.prepared = true
	return nil
}

// applyScalingLocked adjusts the concurrency knobs to the file size.
func (t *Task) applyScalingLocked() {
	t.segmentsPerWorker = types.ScaleSegmentsPerWorker(t.totalSize, t.segmentsPerWorker)
	t.chunkSize = types.ScaleReadChunkSize(t.totalSize)
	t.workerCount = types.ScaleWorkerCount(t.totalSize, t.workerCount)
}

// ensureTempFileLocked creates (or right-sizes) the sparse temp file the
// segments write into.
func (t *Task) ensureTempFileLocked() error {
	f, err := os.OpenFile(t.tempPathLocked(), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("cannot create temp file: %v", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("cannot stat temp file: %v", err)
	}
	if info.Size() < t.totalSize {
		if err := f.Truncate(t.totalSize); err != nil {
			f.Close()
			return fmt.Errorf("cannot size temp file: %v", err)
		}
	}
	if t.tempFile != nil {
		t.tempFile.Close()
	}
	t.tempFile = f
	return nil
}

func (t *Task) populatePoolLocked() {
	t.pool.Populate(t.segments)
}

// applyCheckpointLocked restores state from a loaded checkpoint. Returns
// false when the on-disk situation makes the checkpoint unusable.
func (t *Task) applyCheckpointLocked(cp *progress.Checkpoint) bool {
	if cp.Filename != "" && cp.Filename != t.filename {
		utils.Debug("checkpoint renames task %s: %s -> %s", t.ID, t.filename, cp.Filename)
		t.filename = cp.Filename
	}
	if cp.SaveDir != "" && cp.SaveDir != t.saveDir {
		// Prefer the directory the partial data actually lives in.
		oldTemp := filepath.Join(cp.SaveDir, cp.Filename+types.IncompleteSuffix)
		if _, err := os.Stat(oldTemp); err == nil {
			t.saveDir = cp.SaveDir
		}
	}

	t.totalSize = cp.TotalSize
	if len(cp.Proxies) > 0 {
		t.proxies = cp.Proxies
	}
	if cp.ThreadCount > 0 {
		t.workerCount = cp.ThreadCount
	}
	t.singleStream = cp.SwitchedToSingleStream
	t.totalActiveTime = time.Duration(cp.TotalActiveTime * float64(time.Second))

	if len(cp.Parts) > 0 && !t.singleStream {
		// Multi-stream: the temp file must exist; the real downloaded size
		// is the sum of the segment cursors.
		if _, err := os.Stat(t.tempPathLocked()); err != nil {
			utils.Debug("checkpoint for %s has no temp file, restarting", t.URL)
			return false
		}

		t.segments = make([]*types.Segment, len(cp.Parts))
		var downloaded int64
		for i := range cp.Parts {
			seg := cp.Parts[i]
			downloaded += seg.Downloaded()
			t.segments[i] = &seg
		}
		if t.totalSize > 0 && downloaded > t.totalSize {
			downloaded = t.totalSize
		}
		t.downloadedSize = downloaded
		t.supportsRange = true
	} else {
		t.downloadedSize = cp.DownloadedSize
		if t.totalSize > 0 && t.downloadedSize > t.totalSize {
			t.downloadedSize = t.totalSize
		}
		t.segments = nil
		t.singleStream = true
	}

	switch types.Status(cp.Status) {
	case types.StatusError:
		// Recoverable: degrade to paused so the user can retry.
		t.status = types.StatusPaused
	case types.StatusInitialized, types.StatusDownloading, types.StatusPaused:
		t.status = types.StatusPaused
	default:
		t.status = types.StatusPaused
	}
	return true
}

// Start begins or resumes downloading. From Error it behaves as a resume.
func (t *Task) Start() error {
	t.mu.Lock()

	if t.status.Terminal() {
		if t.status == types.StatusCompleted {
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		return errors.New("task is canceled")
	}
	if t.status == types.StatusDownloading {
		t.mu.Unlock()
		return nil
	}

	if t.status == types.StatusPaused || t.status == types.StatusError {
		// Workers of the previous run finish their in-flight chunk before
		// the pool is refilled, so no segment is fetched by two workers.
		t.mu.Unlock()
		t.wg.Wait()
		t.mu.Lock()
	}

	if !t.prepared || (!t.singleStream && len(t.segments) == 0) {
		if err := t.prepareLocked(); err != nil {
			t.mu.Unlock()
			if t.OnError != nil {
				t.OnError(t, err)
			}
			return err
		}
		if t.status == types.StatusCompleted {
			t.mu.Unlock()
			return nil
		}
	}

	resuming := t.status == types.StatusPaused || t.status == types.StatusError
	t.stop.Store(false)
	t.status = types.StatusDownloading
	t.errMessage = ""
	t.workerErr = nil

	now := t.clock.Now()
	if !resuming || t.startTime.IsZero() {
		t.startTime = now
		t.totalActiveTime = 0
	}
	t.lastActiveStart = now

	if len(t.segments) > 0 && !t.singleStream {
		if t.tempFile == nil {
			if err := t.ensureTempFileLocked(); err != nil {
				t.status = types.StatusError
				t.errMessage = err.Error()
				t.mu.Unlock()
				return err
			}
		}
		t.populatePoolLocked()
		t.startWorkersLocked()
	} else {
		t.threadCount = 1
		t.wg.Add(1)
		go t.runSingleStream()
	}

	t.runGen++
	gen := t.runGen
	downloaded := t.downloadedSize
	t.mu.Unlock()

	t.speed.reset(downloaded)
	go t.watchCompletion()
	go t.superviseWorkers(gen)
	return nil
}

// startWorkersLocked spawns the download workers. With proxies each proxy
// gets workersPerProxy bound workers; otherwise workerCount unbound ones.
func (t *Task) startWorkersLocked() {
	if len(t.proxies) > 0 {
		count := 0
		for i := range t.proxies {
			for j := 0; j < t.workersPerProxy; j++ {
				endpoint := t.proxies[i]
				t.wg.Add(1)
				go t.runWorker(count, &endpoint)
				count++
			}
		}
		t.threadCount = count
	} else {
		for i := 0; i < t.workerCount; i++ {
			t.wg.Add(1)
			go t.runWorker(i, nil)
		}
		t.threadCount = t.workerCount
	}
	utils.Debug("task %s: started %d workers", t.ID, t.threadCount)
}

// runWorker claims segments until the pool drains or the stop signal is
// raised.
func (t *Task) runWorker(id int, bound *proxy.Endpoint) {
	defer t.wg.Done()

	clients := map[string]*http.Client{}
	defer func() {
		for _, c := range clients {
			c.CloseIdleConnections()
		}
	}()

	clientFor := func(ep *proxy.Endpoint) (*http.Client, error) {
		key := ""
		if ep != nil {
			key = ep.Addr()
		}
		if c, ok := clients[key]; ok {
			return c, nil
		}
		c, err := concurrent.NewRangeClient(ep, t.timeouts, t.keepAlive)
		if err != nil {
			return nil, err
		}
		clients[key] = c
		return c, nil
	}

	fetcher := &concurrent.Fetcher{
		URL:        t.URL,
		File:       t.tempFile,
		ChunkSize:  t.chunkSize,
		Timeouts:   t.timeouts,
		MaxRetries: t.maxRetries,
		Stop:       t.stop.Load,
		Sink:       (*taskSink)(t),
	}

	for !t.stop.Load() {
		seg := t.pool.Claim()
		if seg == nil {
			return
		}

		endpoint := bound
		if endpoint == nil && len(t.proxies) > 0 {
			endpoint = &t.proxies[seg.Index%len(t.proxies)]
		}

		client, err := clientFor(endpoint)
		if err != nil {
			t.noteWorkerError(err)
			return
		}

		err = fetcher.FetchSegment(seg, endpoint, client)
		if errors.Is(err, concurrent.ErrRangeNotSupported) {
			utils.Debug("task %s: worker %d hit 416, switching to single stream", t.ID, id)
			t.latchSingleStream()
			return
		}
		if err != nil {
			t.noteWorkerError(err)
		}
	}
}

// noteWorkerError records a worker's terminal failure; it surfaces as a
// task-level error once the workers drain without completing the plan.
func (t *Task) noteWorkerError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.workerErr == nil {
		t.workerErr = err
	}
	utils.Debug("task %s: worker failure: %v", t.ID, err)
}

// superviseWorkers waits for the worker pool to drain and decides whether
// the run ended in partial failure. The generation check keeps a stale
// supervisor from a previous run away from a freshly resumed task.
func (t *Task) superviseWorkers(gen int) {
	t.wg.Wait()

	t.mu.Lock()
	if gen != t.runGen || t.stop.Load() || t.status != types.StatusDownloading || t.singleStream {
		t.mu.Unlock()
		return
	}
	if t.allSegmentsCompleteLocked() {
		t.mu.Unlock()
		t.finalize()
		return
	}
	err := t.workerErr
	if err == nil {
		err = errors.New("workers exited with unfinished segments")
	}
	t.status = types.StatusError
	t.errMessage = err.Error()
	t.saveCheckpointLocked()
	t.mu.Unlock()

	if t.OnError != nil {
		t.OnError(t, err)
	}
}

func (t *Task) allSegmentsCompleteLocked() bool {
	if len(t.segments) == 0 {
		return false
	}
	for _, seg := range t.segments {
		if !seg.Completed {
			return false
		}
	}
	return true
}

// runSingleStream performs the sequential fallback download. The temp
// file grows from zero, so any prior partial count is discarded.
func (t *Task) runSingleStream() {
	defer t.wg.Done()

	t.mu.Lock()
	t.downloadedSize = 0
	t.sinceSave = 0
	t.mu.Unlock()

	fetcher := &single.Fetcher{
		URL:       t.URL,
		TempPath:  t.TempPath(),
		ChunkSize: t.chunkSize,
		Timeouts:  t.timeouts,
		Stop:      t.stop.Load,
		OnBytes: func(n int64) {
			t.mu.Lock()
			t.downloadedSize += n
			downloaded := t.downloadedSize
			t.mu.Unlock()
			t.speed.observe(downloaded)
		},
	}
	fetcher.OnResponse = func(resp *http.Response) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.totalSize == 0 {
			if cl := resp.Header.Get("Content-Length"); cl != "" {
				if size, err := strconv.ParseInt(cl, 10, 64); err == nil && size > 0 {
					t.totalSize = size
				}
			}
		}
		if t.filename == utils.FallbackFilename || t.filename == "" {
			if name := utils.ResolveFilename(t.URL, resp.Header); name != "" && name != utils.FallbackFilename {
				t.filename = name
				fetcher.TempPath = t.tempPathLocked()
			}
		}
	}

	var endpoint *proxy.Endpoint
	if len(t.proxies) > 0 {
		endpoint = &t.proxies[0]
	}

	written, err := fetcher.Download(endpoint)

	if t.stop.Load() {
		// Pause or cancel already adjusted the status.
		return
	}

	if err != nil {
		t.mu.Lock()
		t.status = types.StatusError
		t.errMessage = err.Error()
		t.mu.Unlock()
		if t.OnError != nil {
			t.OnError(t, err)
		}
		return
	}

	t.mu.Lock()
	if t.totalSize == 0 {
		t.totalSize = written
	}
	t.downloadedSize = written
	t.mu.Unlock()

	t.finalize()
}

// latchSingleStream performs the 416 transition exactly once: stop the
// range workers, clear the plan, truncate the temp file and restart as a
// single sequential fetch. Losers of the latch race are no-ops.
func (t *Task) latchSingleStream() {
	t.switchMu.Lock()
	defer t.switchMu.Unlock()

	t.mu.Lock()
	if t.singleStream {
		t.mu.Unlock()
		return
	}
	t.singleStream = true
	t.mu.Unlock()

	t.stop.Store(true)
	// Give in-flight workers a moment to observe the signal.
	time.Sleep(500 * time.Millisecond)

	t.mu.Lock()
	t.segments = nil
	t.pool.Populate(nil)
	t.downloadedSize = 0
	t.sinceSave = 0
	if t.tempFile != nil {
		t.tempFile.Truncate(0)
		t.tempFile.Close()
		t.tempFile = nil
	} else {
		os.Remove(t.tempPathLocked())
	}
	t.threadCount = 1
	t.mu.Unlock()

	t.speed.reset(0)
	t.stop.Store(false)

	t.wg.Add(1)
	go t.runSingleStream()
	utils.Debug("task %s: single-stream mode engaged", t.ID)
}

// watchCompletion promotes the task to Completed when every segment is
// done or the byte count closes in on the total. Runs while Downloading.
func (t *Task) watchCompletion() {
	ticker := time.NewTicker(types.WatchInterval)
	defer ticker.Stop()

	var lastDownloaded int64 = -1
	stalledTicks := 0

	for range ticker.C {
		if t.stop.Load() {
			return
		}

		t.mu.Lock()
		if t.status != types.StatusDownloading {
			t.mu.Unlock()
			return
		}

		downloaded := t.downloadedSize
		total := t.totalSize
		complete := t.allSegmentsCompleteLocked()
		if !complete && len(t.segments) > 0 && total > 0 && total-downloaded <= types.CompletionSlack && downloaded >= total-types.CompletionSlack {
			complete = true
		}
		if complete && total > 0 {
			t.downloadedSize = total
		}
		t.mu.Unlock()

		t.speed.observe(downloaded)

		if complete {
			t.finalize()
			return
		}

		if downloaded == lastDownloaded {
			stalledTicks++
			if stalledTicks == types.StallTicks {
				utils.Debug("task %s: no progress for %d ticks", t.ID, stalledTicks)
			}
		} else {
			stalledTicks = 0
			lastDownloaded = downloaded
		}
	}
}

// finalize promotes the temp file to its final name and deletes the
// checkpoint. Idempotent and mutex-guarded.
func (t *Task) finalize() {
	t.finalizeMu.Lock()
	defer t.finalizeMu.Unlock()
	if t.finalized {
		return
	}

	t.mu.Lock()
	now := t.clock.Now()
	t.endTime = now
	if !t.lastActiveStart.IsZero() {
		t.totalActiveTime += now.Sub(t.lastActiveStart)
		t.lastActiveStart = time.Time{}
	}
	t.status = types.StatusCompleted
	if t.totalSize > 0 && t.downloadedSize > t.totalSize {
		t.downloadedSize = t.totalSize
	}

	finalPath := t.finalPathLocked()
	tempPath := t.tempPathLocked()
	progressPath := t.progressPathLocked()
	saveDir := t.saveDir
	filename := t.filename

	if t.tempFile != nil {
		t.tempFile.Sync()
		t.tempFile.Close()
		t.tempFile = nil
	}
	t.mu.Unlock()

	tempToUse, ok := locateTempFile(tempPath, saveDir, filename)
	if !ok {
		t.fail("temp file missing at finalize")
		return
	}

	if _, err := os.Stat(finalPath); err == nil {
		if err := os.Remove(finalPath); err != nil {
			t.fail(fmt.Sprintf("cannot replace existing file: %v", err))
			return
		}
	}

	if err := os.Rename(tempToUse, finalPath); err != nil {
		t.fail(fmt.Sprintf("cannot rename temp file: %v", err))
		return
	}

	progress.Delete(progressPath)

	if kind := sniffFileType(finalPath); kind != "" {
		t.mu.Lock()
		t.contentType = kind
		t.mu.Unlock()
	}

	t.finalized = true
	utils.Debug("task %s: completed -> %s", t.ID, finalPath)

	if t.OnCompleted != nil {
		t.OnCompleted(t)
	}
}

// locateTempFile prefers the canonical temp path but falls back to a
// same-directory file named by the prefix before the first '.' or '-'.
func locateTempFile(tempPath, saveDir, filename string) (string, bool) {
	if _, err := os.Stat(tempPath); err == nil {
		return tempPath, true
	}

	if idx := strings.IndexByte(filename, '.'); idx > 0 {
		candidate := filepath.Join(saveDir, filename[:idx])
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	if idx := strings.IndexByte(filename, '-'); idx > 0 {
		candidate := filepath.Join(saveDir, filename[:idx])
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// sniffFileType reads the file head and returns the detected MIME type.
func sniffFileType(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := f.Read(head)
	if n == 0 {
		return ""
	}
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	return kind.MIME.Value
}

func (t *Task) fail(msg string) {
	t.mu.Lock()
	t.status = types.StatusError
	t.errMessage = msg
	t.mu.Unlock()
	utils.Debug("task %s: %s", t.ID, msg)
	if t.OnError != nil {
		t.OnError(t, errors.New(msg))
	}
}

// Pause asserts the stop signal and persists a checkpoint. In-flight
// chunks complete; pause is not preemptive.
func (t *Task) Pause() bool {
	t.mu.Lock()
	if t.status != types.StatusDownloading {
		t.mu.Unlock()
		return false
	}

	t.stop.Store(true)
	now := t.clock.Now()
	if !t.lastActiveStart.IsZero() {
		t.totalActiveTime += now.Sub(t.lastActiveStart)
		t.lastActiveStart = time.Time{}
	}
	t.status = types.StatusPaused
	t.saveCheckpointLocked()
	downloaded := t.downloadedSize
	t.mu.Unlock()

	t.speed.reset(downloaded)
	utils.Debug("task %s: paused at %s", t.ID, utils.ConvertBytesToHumanReadable(downloaded))
	return true
}

// Resume restarts a paused (or errored) task.
func (t *Task) Resume() error {
	t.mu.Lock()
	if t.status != types.StatusPaused && t.status != types.StatusError {
		t.mu.Unlock()
		return fmt.Errorf("task is %s, not paused", t.status)
	}
	t.mu.Unlock()
	return t.Start()
}

// Cancel stops the task and deletes its on-disk state. Terminal.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.stop.Store(true)
	t.status = types.StatusCanceled
	t.mu.Unlock()

	// Wait briefly for workers to observe the signal.
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	t.mu.Lock()
	if t.tempFile != nil {
		t.tempFile.Close()
		t.tempFile = nil
	}
	tempPath := t.tempPathLocked()
	progressPath := t.progressPathLocked()
	t.mu.Unlock()

	os.Remove(tempPath)
	progress.Delete(progressPath)
	utils.Debug("task %s: canceled", t.ID)
	return true
}

// Progress returns the externally visible snapshot.
func (t *Task) Progress() Progress {
	t.mu.Lock()

	p := Progress{
		TotalSize:      t.totalSize,
		DownloadedSize: t.downloadedSize,
		Status:         string(t.status),
		ErrorMessage:   t.errMessage,
		ThreadCount:    t.threadCount,
	}
	if t.totalSize > 0 {
		p.Percentage = float64(t.downloadedSize) / float64(t.totalSize) * 100
	}

	now := t.clock.Now()
	if !t.startTime.IsZero() {
		if !t.endTime.IsZero() {
			p.ElapsedTime = t.endTime.Sub(t.startTime).Seconds()
		} else {
			p.ElapsedTime = now.Sub(t.startTime).Seconds()
		}
	}

	active := t.totalActiveTime
	if t.status == types.StatusDownloading && !t.lastActiveStart.IsZero() {
		active += now.Sub(t.lastActiveStart)
	}
	p.TotalTime = active.Seconds()

	downloading := t.status == types.StatusDownloading
	downloaded := t.downloadedSize
	t.mu.Unlock()

	if active > 0 {
		p.AverageSpeed = float64(downloaded) / active.Seconds()
	}
	// Reported speed is zero outside Downloading.
	if downloading {
		t.speed.observe(downloaded)
		p.Speed = t.speed.reported(p.AverageSpeed)
	}
	return p
}

// saveCheckpointLocked persists the resume record. Callers hold t.mu.
func (t *Task) saveCheckpointLocked() {
	cp := &progress.Checkpoint{
		URL:                    t.URL,
		TotalSize:              t.totalSize,
		DownloadedSize:         t.downloadedSize,
		Status:                 string(t.status),
		SaveDir:                t.saveDir,
		Filename:               t.filename,
		Proxies:                t.proxies,
		ThreadCount:            t.workerCount,
		SwitchedToSingleStream: t.singleStream,
		TotalActiveTime:        t.totalActiveTime.Seconds(),
	}
	cp.Parts = make([]types.Segment, len(t.segments))
	for i, seg := range t.segments {
		cp.Parts[i] = *seg
	}
	if err := progress.Save(t.progressPathLocked(), cp); err != nil {
		utils.Debug("task %s: checkpoint save failed: %v", t.ID, err)
	}
}

// taskSink adapts the task to the fetcher's progress contract.
type taskSink Task

func (s *taskSink) Advance(seg *types.Segment, n int64) {
	t := (*Task)(s)
	t.mu.Lock()
	seg.Current += n
	t.downloadedSize += n
	t.sinceSave += n
	if t.sinceSave >= types.SaveInterval {
		t.sinceSave = 0
		t.saveCheckpointLocked()
	}
	downloaded := t.downloadedSize
	t.mu.Unlock()

	t.speed.observe(downloaded)
}

func (s *taskSink) SegmentDone(seg *types.Segment) {
	t := (*Task)(s)
	t.mu.Lock()
	seg.Current = seg.End + 1
	seg.Completed = true
	t.saveCheckpointLocked()
	complete := t.allSegmentsCompleteLocked() && t.status == types.StatusDownloading
	t.mu.Unlock()

	if complete {
		t.finalize()
	}
}

func (s *taskSink) Checkpoint() {
	t := (*Task)(s)
	t.mu.Lock()
	t.saveCheckpointLocked()
	t.mu.Unlock()
}
