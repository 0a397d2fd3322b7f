package download

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/multisocks-downloader/multisocks/internal/engine/types"
	"github.com/multisocks-downloader/multisocks/internal/progress"
	"github.com/multisocks-downloader/multisocks/internal/testutil"
)

func waitForStatus(t *testing.T, task *Task, want types.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if task.Status() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task stuck in %s, wanted %s", task.Status(), want)
}

func verifyDownloadedFile(t *testing.T, task *Task, server *testutil.MockServer) {
	t.Helper()

	data, err := os.ReadFile(task.FinalPath())
	if err != nil {
		t.Fatalf("final file missing: %v", err)
	}
	if !bytes.Equal(data, server.Body()) {
		t.Fatalf("downloaded content differs from source (%d vs %d bytes)", len(data), len(server.Body()))
	}

	if _, err := os.Stat(task.TempPath()); !os.IsNotExist(err) {
		t.Error("temp file still exists after completion")
	}
	if _, err := os.Stat(task.ProgressPath()); !os.IsNotExist(err) {
		t.Error("progress file still exists after completion")
	}
}

func TestTask_MultiStreamDownload(t *testing.T) {
	fileSize := int64(3*types.MB + 123)
	server := testutil.NewMockServer(testutil.WithFileSize(fileSize))
	defer server.Close()

	task := NewTask("1", Job{
		URL:               server.URL(),
		SaveDir:           t.TempDir(),
		WorkerCount:       4,
		SegmentsPerWorker: 2,
	})

	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, task, types.StatusCompleted, 15*time.Second)

	p := task.Progress()
	if p.TotalSize != fileSize {
		t.Errorf("total size = %d, want %d", p.TotalSize, fileSize)
	}
	if p.DownloadedSize != fileSize {
		t.Errorf("downloaded size = %d, want %d", p.DownloadedSize, fileSize)
	}
	verifyDownloadedFile(t, task, server)

	if server.RangeRequests() == 0 {
		t.Error("expected range requests for a multi-stream download")
	}
}

func TestTask_PauseAndResume(t *testing.T) {
	fileSize := int64(20 * types.MB)
	server := testutil.NewMockServer(
		testutil.WithFileSize(fileSize),
		testutil.WithLatency(20*time.Millisecond),
	)
	defer server.Close()

	task := NewTask("1", Job{
		URL:               server.URL(),
		SaveDir:           t.TempDir(),
		WorkerCount:       2,
		SegmentsPerWorker: 5,
	})

	if err := task.Start(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	if !task.Pause() {
		// The download may have already finished on a fast machine.
		if task.Status() == types.StatusCompleted {
			t.Skip("download finished before it could be paused")
		}
		t.Fatal("pause failed")
	}

	if task.Status() != types.StatusPaused {
		t.Fatalf("status = %s, want paused", task.Status())
	}
	if _, err := os.Stat(task.ProgressPath()); err != nil {
		t.Fatalf("no checkpoint after pause: %v", err)
	}

	p := task.Progress()
	if p.Speed != 0 {
		t.Errorf("paused task reports speed %f", p.Speed)
	}
	pausedAt := p.DownloadedSize

	if err := task.Resume(); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, task, types.StatusCompleted, 30*time.Second)

	final := task.Progress()
	if final.DownloadedSize < pausedAt {
		t.Errorf("downloaded size went backwards: %d -> %d", pausedAt, final.DownloadedSize)
	}
	verifyDownloadedFile(t, task, server)
}

func TestTask_416LatchesSingleStream(t *testing.T) {
	fileSize := int64(3 * types.MB)
	server := testutil.NewMockServer(
		testutil.WithFileSize(fileSize),
		testutil.WithReject416After(1),
	)
	defer server.Close()

	task := NewTask("1", Job{
		URL:               server.URL(),
		SaveDir:           t.TempDir(),
		WorkerCount:       2,
		SegmentsPerWorker: 1,
	})

	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, task, types.StatusCompleted, 30*time.Second)

	p := task.Progress()
	if p.ThreadCount != 1 {
		t.Errorf("thread count after latch = %d, want 1", p.ThreadCount)
	}
	if p.DownloadedSize != fileSize {
		t.Errorf("downloaded size = %d, want %d", p.DownloadedSize, fileSize)
	}
	verifyDownloadedFile(t, task, server)
}

func TestTask_SingleStreamWhenRangesUnsupported(t *testing.T) {
	fileSize := int64(512 * types.KB)
	server := testutil.NewMockServer(
		testutil.WithFileSize(fileSize),
		testutil.WithRangeSupport(false),
	)
	defer server.Close()

	task := NewTask("1", Job{
		URL:     server.URL(),
		SaveDir: t.TempDir(),
	})

	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, task, types.StatusCompleted, 15*time.Second)

	if task.Filename() != "testfile.bin" {
		t.Errorf("filename = %q, want testfile.bin (from URL path)", task.Filename())
	}
	if got := task.Progress().TotalSize; got != fileSize {
		t.Errorf("total size = %d, want %d", got, fileSize)
	}
	verifyDownloadedFile(t, task, server)
}

func TestTask_ExactThresholdStaysSingleStream(t *testing.T) {
	server := testutil.NewMockServer(testutil.WithFileSize(types.SingleStreamThreshold))
	defer server.Close()

	task := NewTask("1", Job{URL: server.URL(), SaveDir: t.TempDir(), WorkerCount: 4})
	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, task, types.StatusCompleted, 15*time.Second)

	if got := task.Progress().ThreadCount; got != 1 {
		t.Errorf("thread count = %d, want 1 for a 1 MB file", got)
	}
	verifyDownloadedFile(t, task, server)
}

func TestTask_FilenameFromDisposition(t *testing.T) {
	server := testutil.NewMockServer(
		testutil.WithFileSize(256*types.KB),
		testutil.WithDisposition(`attachment; filename="named by server.bin"`),
	)
	defer server.Close()

	task := NewTask("1", Job{
		// A bare host URL gives no usable path component, so the probe's
		// header-derived name must win.
		URL:     server.BaseURL() + "/",
		SaveDir: t.TempDir(),
	})

	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, task, types.StatusCompleted, 15*time.Second)

	if task.Filename() != "named by server.bin" {
		t.Errorf("filename = %q", task.Filename())
	}
}

func TestTask_Cancel(t *testing.T) {
	server := testutil.NewMockServer(
		testutil.WithFileSize(20*types.MB),
		testutil.WithLatency(20*time.Millisecond),
	)
	defer server.Close()

	task := NewTask("1", Job{URL: server.URL(), SaveDir: t.TempDir(), WorkerCount: 2})
	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if !task.Cancel() {
		t.Fatal("cancel failed")
	}
	if task.Status() != types.StatusCanceled {
		t.Fatalf("status = %s, want canceled", task.Status())
	}
	if _, err := os.Stat(task.TempPath()); !os.IsNotExist(err) {
		t.Error("temp file survived cancel")
	}
	if _, err := os.Stat(task.ProgressPath()); !os.IsNotExist(err) {
		t.Error("progress file survived cancel")
	}

	// Terminal: cancel twice is a no-op, start is refused.
	if task.Cancel() {
		t.Error("second cancel succeeded")
	}
	if err := task.Start(); err == nil {
		t.Error("start after cancel succeeded")
	}
}

func TestTask_PrepareShortCircuitsExistingFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("already here")
	if err := os.WriteFile(filepath.Join(dir, "done.bin"), content, 0644); err != nil {
		t.Fatal(err)
	}

	task := NewTask("1", Job{
		URL:      "https://example.invalid/done.bin",
		SaveDir:  dir,
		Filename: "done.bin",
	})
	if err := task.Prepare(); err != nil {
		t.Fatal(err)
	}
	if task.Status() != types.StatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status())
	}
	if got := task.Progress().TotalSize; got != int64(len(content)) {
		t.Errorf("total size = %d, want %d", got, len(content))
	}
}

func TestTask_CheckpointRestoresSegmentPositions(t *testing.T) {
	dir := t.TempDir()
	fileSize := int64(4 * types.MB)
	url := "https://example.invalid/file.bin"

	// Simulate a half-done download left by a previous process.
	cp := &progress.Checkpoint{
		URL:            url,
		TotalSize:      fileSize,
		DownloadedSize: 0, // must be recomputed from the segments
		Parts: []types.Segment{
			{Index: 0, Start: 0, End: 2*types.MB - 1, Current: 2 * types.MB, Completed: true},
			{Index: 1, Start: 2 * types.MB, End: 4*types.MB - 1, Current: 2*types.MB + 512*types.KB},
		},
		Status:   "downloading",
		SaveDir:  dir,
		Filename: "file.bin",
	}
	if err := progress.Save(filepath.Join(dir, "file.bin.progress"), cp); err != nil {
		t.Fatal(err)
	}
	tempPath := filepath.Join(dir, "file.bin.downloading")
	f, err := os.Create(tempPath)
	if err != nil {
		t.Fatal(err)
	}
	f.Truncate(fileSize)
	f.Close()

	task := NewTask("1", Job{URL: url, SaveDir: dir, Filename: "file.bin"})
	if err := task.Prepare(); err != nil {
		t.Fatal(err)
	}

	if task.Status() != types.StatusPaused {
		t.Errorf("status = %s, want paused", task.Status())
	}
	want := int64(2*types.MB + 512*types.KB)
	if got := task.Progress().DownloadedSize; got != want {
		t.Errorf("downloaded size = %d, want %d (sum of segment cursors)", got, want)
	}
}

func TestTask_ErrorCheckpointDegradesToPaused(t *testing.T) {
	dir := t.TempDir()
	url := "https://example.invalid/file.bin"

	cp := &progress.Checkpoint{
		URL:                    url,
		TotalSize:              100,
		DownloadedSize:         40,
		Status:                 "error",
		SaveDir:                dir,
		Filename:               "file.bin",
		SwitchedToSingleStream: true,
	}
	if err := progress.Save(filepath.Join(dir, "file.bin.progress"), cp); err != nil {
		t.Fatal(err)
	}

	task := NewTask("1", Job{URL: url, SaveDir: dir, Filename: "file.bin"})
	if err := task.Prepare(); err != nil {
		t.Fatal(err)
	}
	if task.Status() != types.StatusPaused {
		t.Errorf("status = %s, want paused", task.Status())
	}
}
