// Package manager is the public facade over the download engine: adding,
// pausing, resuming, and cancelling tasks, applying config, and recovering
// in-flight downloads after a crash.
//
// Auto-retry note: a Task retries itself up to 3 times after a retryable
// failure (see internal/task), and each retry's Fetcher independently
// retries a single HTTP request up to 3 times with its own backoff. These
// two budgets are intentionally additive — a transient failure may
// trigger up to 16 underlying attempts before a download is marked
// Failed. This is deliberate: the Fetcher retries one connection, the
// Task retries a whole multi-block download.
package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"rangefetch/internal/categorize"
	"rangefetch/internal/config"
	"rangefetch/internal/history"
	"rangefetch/internal/logger"
	"rangefetch/internal/queue"
	"rangefetch/internal/ratelimit"
	"rangefetch/internal/task"
	"rangefetch/internal/workerpool"
)

// Manager owns every download subsystem and exposes the id-based public
// operations the CLI (or any other embedder) drives.
type Manager struct {
	mu       sync.Mutex
	cfg      config.Settings
	pool     *workerpool.Pool
	limiter  *ratelimit.Bucket
	queue    *queue.Queue
	classifier *categorize.Default
	log      *logger.Logger
	hist     *history.Store

	tasks  map[int]*task.Task
	nextID int
}

// New constructs a Manager from validated, clamped settings. log must be
// constructed by the caller (see internal/logger) — Manager never reaches
// for a global logger.
func New(cfg config.Settings, log *logger.Logger, hist *history.Store) (*Manager, error) {
	cfg.Clamp()
	if err := os.MkdirAll(cfg.DefaultSaveDir, 0o755); err != nil {
		return nil, err
	}

	classifier := categorize.NewDefault()
	if cfg.ClassificationRules != nil {
		classifier.UpdateRules(cfg.ClassificationRules)
	}

	m := &Manager{
		cfg:        cfg,
		pool:       workerpool.New(cfg.ThreadPoolSize),
		limiter:    ratelimit.New(cfg.SpeedLimit),
		queue:      queue.New(cfg.MaxConcurrentTasks),
		classifier: classifier,
		log:        log,
		hist:       hist,
		tasks:      make(map[int]*task.Task),
		nextID:     1,
	}
	return m, nil
}

// Close stops the worker pool, cancels the rate limiter, and closes the
// history store. Mirrors the original engine's destructor: cancel the
// limiter so nothing stays blocked, then release everything else.
func (m *Manager) Close() {
	m.limiter.Cancel()
	m.pool.Close()
	if m.hist != nil {
		m.hist.Close()
	}
}

// Add registers a new download. URLs already present in a non-terminal
// state are rejected as duplicates (completed/failed/cancelled downloads
// of the same URL don't block a fresh add).
func (m *Manager) Add(url, dir, referer, cookie string) (int, error) {
	m.mu.Lock()
	for _, t := range m.tasks {
		if t.URL() == url && !isTerminal(t.State()) {
			m.mu.Unlock()
			return 0, fmt.Errorf("manager: %q is already downloading", url)
		}
	}
	id := m.nextID
	m.nextID++

	saveDir := dir
	if saveDir == "" {
		saveDir = m.cfg.DefaultSaveDir
	}
	t := task.New(id, url, saveDir, m.cfg.MaxBlocksPerTask, m.pool, m.limiter, m.classifier, m.log, m.onStateChange, referer, cookie)
	m.tasks[id] = t
	m.mu.Unlock()

	m.queue.Add(t)
	return id, nil
}

func isTerminal(s task.State) bool {
	return s == task.Completed || s == task.Failed || s == task.Cancelled
}

func (m *Manager) find(id int) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

// Pause is a silent no-op for an unknown id.
func (m *Manager) Pause(id int) {
	if t := m.find(id); t != nil {
		t.Pause()
	}
}

// Resume is a silent no-op for an unknown id.
func (m *Manager) Resume(id int) {
	if t := m.find(id); t != nil {
		t.Resume()
	}
}

// Cancel is a silent no-op for an unknown id.
func (m *Manager) Cancel(id int) {
	if t := m.find(id); t != nil {
		t.Cancel()
	}
}

// Remove cancels and forgets a task entirely. A shared reference is kept
// alive until after the queue and id-map have both released it, so any
// worker goroutine still touching the task through its own pointer is not
// left holding a dangling reference mid-unwind.
func (m *Manager) Remove(id int) bool {
	keptAlive := m.find(id)
	if keptAlive == nil {
		return false
	}
	found := m.queue.Remove(id)
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
	return found
}

// MoveUp reorders task id earlier in the queue.
func (m *Manager) MoveUp(id int) bool { return m.queue.MoveUp(id) }

// MoveDown reorders task id later in the queue.
func (m *Manager) MoveDown(id int) bool { return m.queue.MoveDown(id) }

// SetSpeedLimit updates the global byte-rate ceiling.
func (m *Manager) SetSpeedLimit(bps int64) {
	if bps < 0 {
		bps = 0
	}
	m.limiter.SetRate(bps)
	m.mu.Lock()
	m.cfg.SpeedLimit = bps
	m.mu.Unlock()
}

// UpdateConfig reclamps and applies new settings to the queue, limiter,
// and classifier.
func (m *Manager) UpdateConfig(cfg config.Settings) {
	cfg.Clamp()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.queue.SetMaxConcurrent(cfg.MaxConcurrentTasks)
	m.limiter.SetRate(cfg.SpeedLimit)
	if cfg.ClassificationRules != nil {
		m.classifier.UpdateRules(cfg.ClassificationRules)
	}
}

// AllTasks returns a snapshot of every known task's info, in queue order.
func (m *Manager) AllTasks() []task.Info {
	ids := m.queue.Order()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]task.Info, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.tasks[id]; ok {
			out = append(out, t.Info())
		}
	}
	return out
}

// Recover scans saveDir for leftover .meta files and registers each as a
// Paused task ready for Resume. Corrupt metadata files are removed.
func (m *Manager) Recover(saveDir string) (int, error) {
	entries, err := os.ReadDir(saveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta") {
			continue
		}
		metaPath := filepath.Join(saveDir, e.Name())

		m.mu.Lock()
		id := m.nextID
		m.nextID++
		m.mu.Unlock()

		t, ok := task.FromMetadata(id, metaPath, m.pool, m.limiter, m.classifier, m.log, m.onStateChange)
		if !ok {
			os.Remove(metaPath)
			continue
		}

		m.mu.Lock()
		m.tasks[id] = t
		m.mu.Unlock()
		m.queue.SetAutoStart(false)
		m.queue.Add(t)
		m.queue.SetAutoStart(true)
		count++
	}
	return count, nil
}

// History returns the most recent terminal download outcomes.
func (m *Manager) History(limit int) ([]history.Entry, error) {
	if m.hist == nil {
		return nil, nil
	}
	return m.hist.List(limit)
}

func (m *Manager) onStateChange(id int, s task.State) {
	if isTerminal(s) {
		m.queue.OnTaskFinished(id)
		m.recordHistory(id, s)
	}
}

func (m *Manager) recordHistory(id int, s task.State) {
	if m.hist == nil {
		return
	}
	t := m.find(id)
	if t == nil {
		return
	}
	info := t.Info()
	status := "completed"
	switch s {
	case task.Failed:
		status = "failed"
	case task.Cancelled:
		status = "cancelled"
	}
	entry := history.Entry{
		TaskID:      id,
		URL:         info.URL,
		DestPath:    info.FilePath,
		FileName:    info.FileName,
		Status:      status,
		TotalSize:   info.FileSize,
		Downloaded:  info.Progress.DownloadedBytes,
		CompletedAt: time.Now().Unix(),
		Error:       info.ErrorMessage,
	}
	if err := m.hist.Append(entry); err != nil {
		m.log.Warn("manager: failed to record history for task %d: %v", id, err)
	}
}
