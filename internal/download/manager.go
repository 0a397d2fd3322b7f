package download

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/multisocks-downloader/multisocks/internal/config"
	"github.com/multisocks-downloader/multisocks/internal/download/history"
	"github.com/multisocks-downloader/multisocks/internal/engine/types"
	"github.com/multisocks-downloader/multisocks/internal/progress"
	"github.com/multisocks-downloader/multisocks/internal/proxy"
	"github.com/multisocks-downloader/multisocks/internal/utils"
)

// AddOptions are the optional knobs of AddTask. Zero values fall back to
// the configured defaults; the proxy pool is used unless disabled.
type AddOptions struct {
	Filename          string
	WorkerCount       int
	SaveDir           string
	DisableProxy      bool
	SegmentsPerWorker int
	WorkersPerProxy   int
}

// TaskSummary is the list form of a task.
type TaskSummary struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	Filename    string   `json:"filename"`
	Status      string   `json:"status"`
	ContentType string   `json:"content_type,omitempty"`
	Progress    Progress `json:"progress"`
}

// Manager owns the tasks, keyed both by task id and by URL (the latter
// prevents duplicate submissions), plus the proxy registry and the
// persistent configuration.
type Manager struct {
	mu         sync.Mutex
	configPath string
	settings   *config.Settings
	registry   *proxy.Registry
	tester     *proxy.Tester
	hist       *history.Store
	tasksByID  map[string]*Task
	tasksByURL map[string]*Task
	nextID     int
	clock      utils.Clock
}

// NewManager loads the configuration record and the proxy registry from
// the default per-user location.
func NewManager() (*Manager, error) {
	if err := config.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to prepare config dirs: %w", err)
	}
	return NewManagerAt(config.GetConfigFile(), config.GetHistoryDBFile())
}

// NewManagerAt loads from explicit paths; historyPath may be empty to
// skip the history ledger.
func NewManagerAt(configPath, historyPath string) (*Manager, error) {
	settings, err := config.LoadSettingsFrom(configPath)
	if err != nil {
		utils.Debug("config load: %v (using defaults)", err)
	}

	registry := proxy.NewRegistry()
	registry.Load(settings.SocksProxies)

	m := &Manager{
		configPath: configPath,
		settings:   settings,
		registry:   registry,
		tester:     proxy.NewTester(),
		tasksByID:  map[string]*Task{},
		tasksByURL: map[string]*Task{},
		nextID:     1,
		clock:      utils.SystemClock,
	}

	if historyPath != "" {
		hist, err := history.Open(historyPath)
		if err != nil {
			utils.Debug("history db unavailable: %v", err)
		} else {
			m.hist = hist
		}
	}
	return m, nil
}

// Settings exposes the current configuration snapshot.
func (m *Manager) Settings() config.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.settings
}

// SaveConfig persists the configuration record, including the proxy
// registry snapshot.
func (m *Manager) SaveConfig() error {
	m.mu.Lock()
	m.settings.SocksProxies = m.registry.Snapshot()
	settings := *m.settings
	path := m.configPath
	m.mu.Unlock()

	return config.SaveSettingsTo(path, &settings)
}

// Close persists configuration and shuts down the history ledger. Running
// tasks are paused so their checkpoints survive the exit.
func (m *Manager) Close() error {
	for _, t := range m.snapshotTasks() {
		if t.Status() == types.StatusDownloading {
			t.Pause()
		}
	}
	err := m.SaveConfig()
	if m.hist != nil {
		m.hist.Close()
	}
	return err
}

func (m *Manager) snapshotTasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.tasksByID))
	for _, t := range m.tasksByID {
		out = append(out, t)
	}
	return out
}

// timeoutsLocked derives wire deadlines from the settings.
func (m *Manager) timeoutsLocked() types.Timeouts {
	return types.Timeouts{
		Connect: time.Duration(m.settings.ConnectionTimeout) * time.Second,
		Read:    time.Duration(m.settings.ReadTimeout) * time.Second,
	}
}

// AddTask accepts a new download job. Duplicate URLs are rejected; the
// returned id is the handle for every other operation.
func (m *Manager) AddTask(rawurl string, opts *AddOptions) (string, error) {
	if rawurl == "" {
		return "", fmt.Errorf("url is required")
	}
	if opts == nil {
		opts = &AddOptions{}
	}

	m.mu.Lock()
	if _, exists := m.tasksByURL[rawurl]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("url already queued: %s", rawurl)
	}

	saveDir := opts.SaveDir
	if saveDir == "" {
		saveDir = m.settings.SaveDir
	}
	workerCount := opts.WorkerCount
	if workerCount <= 0 {
		workerCount = m.settings.DefaultThreadCount
	}
	segmentsPerWorker := opts.SegmentsPerWorker
	if segmentsPerWorker <= 0 {
		segmentsPerWorker = m.settings.DefaultChunksPerPart
	}
	workersPerProxy := opts.WorkersPerProxy
	if workersPerProxy <= 0 {
		workersPerProxy = m.settings.DefaultThreadsPerProxy
	}

	var endpoints []proxy.Endpoint
	if !opts.DisableProxy {
		endpoints = m.registry.Available()
		if len(endpoints) > 0 && m.settings.AutoAdjustThreads {
			if adjusted := len(endpoints) * workersPerProxy; adjusted < workerCount {
				workerCount = adjusted
			}
		}
	}

	job := Job{
		URL:               rawurl,
		SaveDir:           saveDir,
		Filename:          opts.Filename,
		WorkerCount:       workerCount,
		WorkersPerProxy:   workersPerProxy,
		SegmentsPerWorker: segmentsPerWorker,
		Proxies:           endpoints,
		Timeouts:          m.timeoutsLocked(),
		MaxRetries:        m.settings.MaxRetryCount,
		KeepAlive:         m.settings.KeepAliveEnabled,
		Clock:             m.clock,
	}

	id := strconv.Itoa(m.nextID)
	m.nextID++

	task := NewTask(id, job)
	m.installCallbacksLocked(task)
	m.tasksByID[id] = task
	m.tasksByURL[rawurl] = task
	m.rememberDirLocked(saveDir)
	m.mu.Unlock()

	if err := m.SaveConfig(); err != nil {
		utils.Debug("config save after add: %v", err)
	}

	utils.Debug("added task #%s: %s", id, rawurl)
	return id, nil
}

func (m *Manager) installCallbacksLocked(task *Task) {
	task.OnCompleted = func(t *Task) {
		m.recordOutcome(t, "completed")
	}
	task.OnError = func(t *Task, err error) {
		utils.Debug("task %s errored: %v", t.ID, err)
	}
}

// recordOutcome appends the task's final state to the history ledger.
func (m *Manager) recordOutcome(t *Task, status string) {
	if m.hist == nil {
		return
	}
	p := t.Progress()
	entry := history.Entry{
		URL:         t.URL,
		DestPath:    t.FinalPath(),
		Filename:    t.Filename(),
		Status:      status,
		TotalSize:   p.TotalSize,
		Downloaded:  p.DownloadedSize,
		ContentType: t.ContentType(),
		TimeTaken:   int64(p.TotalTime * 1000),
	}
	if err := m.hist.Record(entry); err != nil {
		utils.Debug("history record failed: %v", err)
	}
}

func (m *Manager) rememberDirLocked(dir string) {
	for _, d := range m.settings.DownloadDirs {
		if d == dir {
			return
		}
	}
	m.settings.DownloadDirs = append(m.settings.DownloadDirs, dir)
}

func (m *Manager) task(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasksByID[id]
	return t, ok
}

// StartTask begins (or resumes) a task.
func (m *Manager) StartTask(id string) error {
	t, ok := m.task(id)
	if !ok {
		return fmt.Errorf("unknown task: %s", id)
	}
	return t.Start()
}

// PauseTask pauses a downloading task.
func (m *Manager) PauseTask(id string) bool {
	t, ok := m.task(id)
	if !ok {
		return false
	}
	return t.Pause()
}

// ResumeTask resumes a paused or errored task.
func (m *Manager) ResumeTask(id string) error {
	t, ok := m.task(id)
	if !ok {
		return fmt.Errorf("unknown task: %s", id)
	}
	return t.Resume()
}

// CancelTask cancels a task, deletes its on-disk state and removes it
// from the registry.
func (m *Manager) CancelTask(id string) bool {
	t, ok := m.task(id)
	if !ok {
		return false
	}
	if !t.Cancel() {
		return false
	}

	m.recordOutcome(t, "canceled")

	m.mu.Lock()
	delete(m.tasksByID, id)
	delete(m.tasksByURL, t.URL)
	m.mu.Unlock()
	return true
}

// TaskProgress returns the snapshot for one task.
func (m *Manager) TaskProgress(id string) (Progress, bool) {
	t, ok := m.task(id)
	if !ok {
		return Progress{}, false
	}
	return t.Progress(), true
}

// AllTasks lists every registered task with its progress.
func (m *Manager) AllTasks() []TaskSummary {
	tasks := m.snapshotTasks()

	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskSummary{
			ID:          t.ID,
			URL:         t.URL,
			Filename:    t.Filename(),
			Status:      string(t.Status()),
			ContentType: t.ContentType(),
			Progress:    t.Progress(),
		})
	}
	// Stable listing by numeric id.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			a, _ := strconv.Atoi(out[i].ID)
			b, _ := strconv.Atoi(out[j].ID)
			if b < a {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// History returns the finished-download ledger, if available.
func (m *Manager) History() ([]history.Entry, error) {
	if m.hist == nil {
		return nil, nil
	}
	return m.hist.List()
}

// SetSaveDir changes the default destination directory, creating it and
// verifying it is writable.
func (m *Manager) SetSaveDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}

	probe := filepath.Join(dir, ".msd_write_test")
	if err := os.WriteFile(probe, []byte("test"), 0644); err != nil {
		return fmt.Errorf("directory is not writable: %w", err)
	}
	os.Remove(probe)

	m.mu.Lock()
	m.settings.SaveDir = dir
	m.rememberDirLocked(dir)
	m.mu.Unlock()

	return m.SaveConfig()
}

// ScanUnfinished enumerates checkpoint files in every remembered download
// directory and restores their tasks. Checkpoints that fail to load are
// deleted. Tasks persisted as downloading or initialized are started;
// paused tasks stay paused until resumed. Returns the number restored.
func (m *Manager) ScanUnfinished() int {
	m.mu.Lock()
	dirs := append([]string(nil), m.settings.DownloadDirs...)
	timeouts := m.timeoutsLocked()
	maxRetries := m.settings.MaxRetryCount
	keepAlive := m.settings.KeepAliveEnabled
	m.mu.Unlock()

	count := 0
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*"+types.ProgressSuffix))
		if err != nil {
			continue
		}

		for _, progressFile := range matches {
			cp, err := progress.Load(progressFile)
			if err != nil {
				utils.Debug("deleting unreadable checkpoint %s: %v", progressFile, err)
				progress.Delete(progressFile)
				continue
			}

			m.mu.Lock()
			if _, exists := m.tasksByURL[cp.URL]; exists {
				m.mu.Unlock()
				continue
			}
			m.mu.Unlock()

			saveDir := cp.SaveDir
			if saveDir == "" {
				saveDir = dir
			}
			if _, err := os.Stat(saveDir); err != nil {
				saveDir = dir
			}

			filename := cp.Filename
			if filename == "" {
				base := filepath.Base(progressFile)
				filename = base[:len(base)-len(types.ProgressSuffix)]
			}

			m.mu.Lock()
			id := strconv.Itoa(m.nextID)
			m.nextID++
			m.mu.Unlock()

			task := NewTask(id, Job{
				URL:        cp.URL,
				SaveDir:    saveDir,
				Filename:   filename,
				Proxies:    cp.Proxies,
				Timeouts:   timeouts,
				MaxRetries: maxRetries,
				KeepAlive:  keepAlive,
				Clock:      m.clock,
			})

			if err := task.Prepare(); err != nil {
				utils.Debug("failed to restore %s: %v", progressFile, err)
				progress.Delete(progressFile)
				continue
			}

			m.mu.Lock()
			m.installCallbacksLocked(task)
			m.tasksByID[id] = task
			m.tasksByURL[cp.URL] = task
			m.rememberDirLocked(saveDir)
			m.mu.Unlock()
			count++

			switch types.Status(cp.Status) {
			case types.StatusDownloading, types.StatusInitialized:
				if err := task.Start(); err != nil {
					utils.Debug("failed to start restored task %s: %v", id, err)
				}
			}
			utils.Debug("restored task #%s: %s (%s)", id, task.Filename(), cp.Status)
		}
	}

	if count > 0 {
		if err := m.SaveConfig(); err != nil {
			utils.Debug("config save after scan: %v", err)
		}
	}
	return count
}

// ===== Proxy registry operations =====

// AddProxy registers a SOCKS5 proxy under a unique name.
func (m *Manager) AddProxy(name, host string, port int) (string, error) {
	id, err := m.registry.Add(name, host, port)
	if err != nil {
		return "", err
	}
	if err := m.SaveConfig(); err != nil {
		utils.Debug("config save after proxy add: %v", err)
	}
	return id, nil
}

// DeleteProxy removes a proxy by id.
func (m *Manager) DeleteProxy(id string) bool {
	ok := m.registry.Delete(id)
	if ok {
		if err := m.SaveConfig(); err != nil {
			utils.Debug("config save after proxy delete: %v", err)
		}
	}
	return ok
}

// TestProxy runs the liveness probe and stores the verdict on the record.
func (m *Manager) TestProxy(id string) (string, error) {
	rec, ok := m.registry.Get(id)
	if !ok {
		return "", fmt.Errorf("unknown proxy: %s", id)
	}

	verdict := m.tester.Test(proxy.Endpoint{Host: rec.Host, Port: rec.Port})
	m.registry.SetStatus(id, verdict)
	if err := m.SaveConfig(); err != nil {
		utils.Debug("config save after proxy test: %v", err)
	}
	return verdict, nil
}

// AllProxies lists every registered proxy.
func (m *Manager) AllProxies() []proxy.Record {
	return m.registry.All()
}

// AvailableProxies returns the endpoints whose last verdict allows use.
func (m *Manager) AvailableProxies() []proxy.Endpoint {
	return m.registry.Available()
}
