package download

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/multisocks-downloader/multisocks/internal/config"
	"github.com/multisocks-downloader/multisocks/internal/engine/types"
	"github.com/multisocks-downloader/multisocks/internal/progress"
	"github.com/multisocks-downloader/multisocks/internal/testutil"
)

// newTestManager builds a manager whose config and downloads stay inside
// the test's temp directory.
func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()

	settings := config.DefaultSettings()
	settings.SaveDir = filepath.Join(dir, "downloads")
	settings.DownloadDirs = []string{settings.SaveDir}
	require.NoError(t, os.MkdirAll(settings.SaveDir, 0755))

	configPath := filepath.Join(dir, "config.json")
	require.NoError(t, config.SaveSettingsTo(configPath, settings))

	m, err := NewManagerAt(configPath, filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m, settings.SaveDir
}

func TestManager_AddTaskAssignsMonotonicIDs(t *testing.T) {
	m, _ := newTestManager(t)

	id1, err := m.AddTask("https://example.invalid/a.bin", nil)
	require.NoError(t, err)
	id2, err := m.AddTask("https://example.invalid/b.bin", nil)
	require.NoError(t, err)

	require.Equal(t, "1", id1)
	require.Equal(t, "2", id2)
	require.Len(t, m.AllTasks(), 2)
}

func TestManager_RejectsDuplicateURL(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.AddTask("https://example.invalid/a.bin", nil)
	require.NoError(t, err)

	_, err = m.AddTask("https://example.invalid/a.bin", nil)
	require.Error(t, err)
}

func TestManager_RejectsEmptyURL(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.AddTask("", nil)
	require.Error(t, err)
}

func TestManager_DownloadRoundTrip(t *testing.T) {
	m, saveDir := newTestManager(t)

	server := testutil.NewMockServer(testutil.WithFileSize(2 * types.MB))
	defer server.Close()

	id, err := m.AddTask(server.URL(), nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(id))

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		p, ok := m.TaskProgress(id)
		require.True(t, ok)
		if types.Status(p.Status) == types.StatusCompleted {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	p, _ := m.TaskProgress(id)
	require.Equal(t, string(types.StatusCompleted), p.Status)

	// Finalization (rename, history record) trails the status flip.
	time.Sleep(300 * time.Millisecond)
	require.FileExists(t, filepath.Join(saveDir, "testfile.bin"))

	// Completion lands in the history ledger.
	entries, err := m.History()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "completed", entries[0].Status)
}

func TestManager_CancelRemovesTask(t *testing.T) {
	m, _ := newTestManager(t)

	server := testutil.NewMockServer(
		testutil.WithFileSize(20*types.MB),
		testutil.WithLatency(20*time.Millisecond),
	)
	defer server.Close()

	id, err := m.AddTask(server.URL(), nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(id))
	time.Sleep(100 * time.Millisecond)

	require.True(t, m.CancelTask(id))
	_, ok := m.TaskProgress(id)
	require.False(t, ok)

	// The URL is free for resubmission after cancel.
	_, err = m.AddTask(server.URL(), nil)
	require.NoError(t, err)
}

func TestManager_ScanUnfinishedRestoresPausedTask(t *testing.T) {
	m, saveDir := newTestManager(t)

	url := "https://example.invalid/file.bin"
	fileSize := int64(4 * types.MB)
	cp := &progress.Checkpoint{
		URL:       url,
		TotalSize: fileSize,
		Parts: []types.Segment{
			{Index: 0, Start: 0, End: 2*types.MB - 1, Current: 2 * types.MB, Completed: true},
			{Index: 1, Start: 2 * types.MB, End: fileSize - 1, Current: 2 * types.MB},
		},
		DownloadedSize: 2 * types.MB,
		Status:         "paused",
		SaveDir:        saveDir,
		Filename:       "file.bin",
	}
	require.NoError(t, progress.Save(filepath.Join(saveDir, "file.bin.progress"), cp))

	temp, err := os.Create(filepath.Join(saveDir, "file.bin.downloading"))
	require.NoError(t, err)
	require.NoError(t, temp.Truncate(fileSize))
	temp.Close()

	require.Equal(t, 1, m.ScanUnfinished())

	tasks := m.AllTasks()
	require.Len(t, tasks, 1)
	require.Equal(t, string(types.StatusPaused), tasks[0].Status)
	require.Equal(t, int64(2*types.MB), tasks[0].Progress.DownloadedSize)

	// A second scan must not duplicate the task.
	require.Equal(t, 0, m.ScanUnfinished())
}

func TestManager_ScanUnfinishedDeletesBrokenCheckpoints(t *testing.T) {
	m, saveDir := newTestManager(t)

	broken := filepath.Join(saveDir, "junk.bin.progress")
	require.NoError(t, os.WriteFile(broken, []byte("{not json"), 0644))

	require.Equal(t, 0, m.ScanUnfinished())
	_, err := os.Stat(broken)
	require.True(t, os.IsNotExist(err))
}

func TestManager_SetSaveDir(t *testing.T) {
	m, _ := newTestManager(t)

	next := filepath.Join(t.TempDir(), "deeper", "dir")
	require.NoError(t, m.SetSaveDir(next))
	require.DirExists(t, next)
	require.Equal(t, next, m.Settings().SaveDir)
	require.Contains(t, m.Settings().DownloadDirs, next)
}

func TestManager_ProxyLifecycle(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.AddProxy("home", "127.0.0.1", 1080)
	require.NoError(t, err)

	_, err = m.AddProxy("home", "127.0.0.1", 1081)
	require.Error(t, err, "duplicate name must be rejected")

	require.Len(t, m.AllProxies(), 1)
	require.Empty(t, m.AvailableProxies(), "untested proxy is not available")

	require.True(t, m.DeleteProxy(id))
	require.False(t, m.DeleteProxy(id))
}

func TestManager_ConfigPersistsProxies(t *testing.T) {
	dir := t.TempDir()
	saveDir := filepath.Join(dir, "downloads")
	require.NoError(t, os.MkdirAll(saveDir, 0755))

	settings := config.DefaultSettings()
	settings.SaveDir = saveDir
	settings.DownloadDirs = []string{saveDir}
	configPath := filepath.Join(dir, "config.json")
	require.NoError(t, config.SaveSettingsTo(configPath, settings))

	m, err := NewManagerAt(configPath, "")
	require.NoError(t, err)
	_, err = m.AddProxy("persist", "10.1.2.3", 9050)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	reopened, err := NewManagerAt(configPath, "")
	require.NoError(t, err)
	defer reopened.Close()

	records := reopened.AllProxies()
	require.Len(t, records, 1)
	require.Equal(t, "persist", records[0].Name)
	require.Equal(t, 9050, records[0].Port)
}
