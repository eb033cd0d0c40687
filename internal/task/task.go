// Package task implements one download's state machine: probing the
// remote resource, splitting it into blocks, running those blocks on a
// worker pool, and persisting/restoring resume state.
package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rangefetch/internal/block"
	"rangefetch/internal/categorize"
	"rangefetch/internal/fetch"
	"rangefetch/internal/logger"
	"rangefetch/internal/metastore"
	"rangefetch/internal/progress"
	"rangefetch/internal/ratelimit"
	"rangefetch/internal/workerpool"
)

// State is one point in a Task's lifecycle.
type State int

const (
	Queued State = iota
	Downloading
	Paused
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Downloading:
		return "downloading"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "queued"
	}
}

// Info is a read-only snapshot of a Task, safe to hand to callers.
type Info struct {
	TaskID       int
	URL          string
	FilePath     string
	FileName     string
	FileSize     int64
	State        State
	Progress     progress.Info
	ErrorMessage string
}

// StateChangeFunc is invoked on every state transition. It is a plain
// closure rather than a pointer back to whatever owns the Task, so a Task
// can never keep its owner alive past the owner's own lifetime.
type StateChangeFunc func(taskID int, state State)

// maxAutoRetries bounds how many times a Task restarts itself after a
// retryable failure, independent of the Fetcher's own per-request retries
// (see the Manager's doc comment for why these two budgets are additive).
const maxAutoRetries = 3

var autoRetryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}

// Task orchestrates one URL-to-file download.
type Task struct {
	id         int
	url        string
	saveDir    string
	maxBlocks  int
	pool       *workerpool.Pool
	limiter    *ratelimit.Bucket
	classifier categorize.Categorizer
	log        *logger.Logger
	onState    StateChangeFunc
	referer    string
	cookie     string
	corrID     string // log-correlation id, unique per Task object; not persisted, so a Task rebuilt by FromMetadata gets a new one

	mu           sync.Mutex
	state        State
	filePath     string
	fileName     string
	fileSize     int64
	etag         string
	lastModified string
	blocks       []block.Record
	workers      []*block.Worker
	file         *os.File
	unknownMu    sync.Mutex // shared append-mode lock when file size is unknown
	progressTr   *progress.Tracker
	errorMessage string
	autoRetries  int
	cancelCtx    context.Context
	cancelFn     context.CancelFunc
	finishing    atomic.Bool
}

// New constructs a Task in the Queued state.
func New(id int, url, saveDir string, maxBlocks int, pool *workerpool.Pool, limiter *ratelimit.Bucket,
	classifier categorize.Categorizer, log *logger.Logger, onState StateChangeFunc, referer, cookie string) *Task {

	return &Task{
		id:         id,
		url:        url,
		saveDir:    saveDir,
		maxBlocks:  maxBlocks,
		pool:       pool,
		limiter:    limiter,
		classifier: classifier,
		log:        log,
		onState:    onState,
		referer:    referer,
		cookie:     cookie,
		corrID:     uuid.NewString(),
		state:      Queued,
		progressTr: progress.New(-1),
	}
}

// ID returns the task's id.
func (t *Task) ID() int { return t.id }

// URL returns the task's source URL, used by the Manager to dedup adds.
func (t *Task) URL() string { return t.url }

// IsQueued reports whether the task is waiting for a queue slot. This
// satisfies queue.Queueable without that package needing to know about
// task.State.
func (t *Task) IsQueued() bool { return t.State() == Queued }

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	if s == Completed || s == Cancelled {
		t.errorMessage = ""
	}
	t.mu.Unlock()
	if t.onState != nil {
		t.onState(t.id, s)
	}
}

// Info returns a snapshot of the task suitable for display.
func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		TaskID:       t.id,
		URL:          t.url,
		FilePath:     t.filePath,
		FileName:     t.fileName,
		FileSize:     t.fileSize,
		State:        t.state,
		Progress:     t.progressTr.Snapshot(),
		ErrorMessage: t.errorMessage,
	}
}

func (t *Task) metaPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return metastore.Path(t.filePath)
}

// Start begins a fresh download; only valid from Queued.
func (t *Task) Start() {
	if t.State() != Queued {
		return
	}
	t.setState(Downloading)
	t.finishing.Store(false)
	t.cancelCtx, t.cancelFn = context.WithCancel(context.Background())
	_, err := t.pool.Submit(func() (any, error) {
		t.fetchInfoAndStart()
		return nil, nil
	})
	if err != nil {
		// Start may run under the queue's lock; fail's state-change
		// callback re-enters the queue, so it runs on its own goroutine.
		go t.fail(err)
	}
}

func (t *Task) fetchConfig() fetch.Config {
	cfg := fetch.DefaultConfig()
	cfg.Referer = t.referer
	cfg.Cookie = t.cookie
	return cfg
}

func (t *Task) fetchInfoAndStart() {
	fetcher := fetch.New(t.fetchConfig())
	info, err := fetcher.Probe(t.cancelCtx, t.url)
	if err != nil {
		t.log.Warn("task %d [%s]: probe failed: %v", t.id, t.corrID, err)
		t.considerRetry(err)
		return
	}

	name := extractFileName(t.url)
	if disp := filenameFromDisposition(info.Disposition); disp != "" {
		name = disp
	}
	name = resolveConflict(t.saveDir, name)

	t.mu.Lock()
	t.fileName = name
	t.filePath = filepath.Join(t.saveDir, name)
	t.fileSize = info.Size
	t.etag = info.ETag
	t.lastModified = info.LastModified
	t.progressTr = progress.New(info.Size)
	t.mu.Unlock()

	if err := os.MkdirAll(t.saveDir, 0o755); err != nil {
		t.fail(err)
		return
	}

	if err := t.allocateFile(); err != nil {
		t.fail(err)
		return
	}

	var blocks []block.Record
	if info.Size > 0 {
		blocks, err = block.Split(info.Size, t.maxBlocks, info.RangeSupported)
		if err != nil {
			t.fail(err)
			return
		}
	} else {
		blocks = block.SplitUnknownSize()
	}

	t.mu.Lock()
	t.blocks = blocks
	t.mu.Unlock()

	t.saveMeta()
	t.submitBlocks()
}

func (t *Task) allocateFile() error {
	f, err := os.OpenFile(t.filePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	t.mu.Lock()
	unknown := t.fileSize <= 0
	size := t.fileSize
	t.mu.Unlock()

	if !unknown {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return err
		}
	}
	t.mu.Lock()
	t.file = f
	t.mu.Unlock()
	return nil
}

func (t *Task) submitBlocks() {
	t.mu.Lock()
	blocks := t.blocks
	file := t.file
	t.workers = make([]*block.Worker, len(blocks))
	t.mu.Unlock()

	for i := range blocks {
		rec := &t.blocks[i]
		if rec.Completed {
			continue
		}
		fetcher := fetch.New(t.fetchConfig())
		w := block.NewWorker(rec, file, &t.unknownMu, fetcher, t.limiter, t.onBlockProgress)
		t.mu.Lock()
		t.workers[rec.ID] = w
		t.mu.Unlock()

		idx := i
		_, err := t.pool.Submit(func() (any, error) {
			err := w.Run(t.cancelCtx, t.url)
			if err != nil {
				t.onBlockError(idx, err)
			}
			return nil, err
		})
		if err != nil {
			t.fail(err)
			return
		}
	}
}

func (t *Task) onBlockProgress(blockID int, delta int64) {
	if t.State() == Cancelled {
		return
	}
	if delta > 0 {
		t.progressTr.AddBytes(delta)
	}
	t.checkCompletion()
}

func (t *Task) onBlockError(blockID int, err error) {
	if t.State() != Downloading {
		return
	}
	t.mu.Lock()
	t.errorMessage = fmt.Sprintf("block %d: %v", blockID, err)
	t.mu.Unlock()
	t.considerRetry(err)
}

func (t *Task) checkCompletion() {
	t.mu.Lock()
	allDone := true
	for i := range t.blocks {
		if !t.blocks[i].Completed {
			allDone = false
			break
		}
	}
	t.mu.Unlock()
	if !allDone || t.State() != Downloading {
		return
	}
	if !t.finishing.CompareAndSwap(false, true) {
		return
	}
	t.finish()
}

func (t *Task) finish() {
	t.mu.Lock()
	f := t.file
	expected := t.fileSize
	path := t.filePath
	saveDir := t.saveDir
	t.mu.Unlock()

	if f != nil {
		f.Sync()
	}

	if expected > 0 {
		fi, err := os.Stat(path)
		if err != nil || fi.Size() != expected {
			t.fail(fmt.Errorf("size mismatch: expected %d", expected))
			return
		}
	}

	if t.classifier != nil {
		t.classifier.Move(path, saveDir)
	}
	metastore.Remove(t.metaPath())
	if t.log != nil {
		t.log.Info("task %d [%s]: completed: %s", t.id, t.corrID, path)
	}
	t.setState(Completed)
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	t.errorMessage = err.Error()
	t.mu.Unlock()
	if t.log != nil {
		t.log.Error("task %d [%s]: failed: %v", t.id, t.corrID, err)
	}
	t.setState(Failed)
}

func (t *Task) considerRetry(err error) {
	var te *fetch.TransferError
	retryable := false
	if e, ok := err.(*fetch.TransferError); ok {
		te = e
		retryable = te.Retryable
	}
	if retryable && t.autoRetries < maxAutoRetries {
		delay := autoRetryDelays[len(autoRetryDelays)-1]
		if t.autoRetries < len(autoRetryDelays) {
			delay = autoRetryDelays[t.autoRetries]
		}
		t.autoRetries++
		if t.log != nil {
			t.log.Warn("task %d [%s]: retry %d/%d in %s: %v", t.id, t.corrID, t.autoRetries, maxAutoRetries, delay, err)
		}
		go func() {
			select {
			case <-time.After(delay):
			case <-t.cancelCtx.Done():
				return
			}
			if t.State() == Downloading {
				t.setState(Queued)
				t.Start()
			}
		}()
		return
	}
	t.fail(err)
}

// Pause stops all in-flight blocks, persists resume state, and transitions
// to Paused. Only valid from Downloading.
func (t *Task) Pause() {
	if t.State() != Downloading {
		return
	}
	t.mu.Lock()
	workers := t.workers
	t.mu.Unlock()

	for _, w := range workers {
		if w != nil {
			w.Pause()
		}
	}
	if t.cancelFn != nil {
		t.cancelFn()
	}
	t.saveMeta()
	t.setState(Paused)
}

// Resume restarts a Paused or Failed task, checking for server-side
// changes via the ETag/Last-Modified validators before deciding whether
// to continue from saved block state or restart from scratch.
func (t *Task) Resume() {
	s := t.State()
	if s != Paused && s != Failed {
		return
	}
	t.setState(Downloading)
	t.finishing.Store(false)
	t.cancelCtx, t.cancelFn = context.WithCancel(context.Background())
	_, err := t.pool.Submit(func() (any, error) {
		t.resumeInner()
		return nil, nil
	})
	if err != nil {
		t.fail(err)
	}
}

func (t *Task) resumeInner() {
	fetcher := fetch.New(t.fetchConfig())
	info, err := fetcher.Probe(t.cancelCtx, t.url)
	if err != nil {
		t.considerRetry(err)
		return
	}

	t.mu.Lock()
	changed := (t.etag != "" && info.ETag != "" && t.etag != info.ETag) ||
		(t.lastModified != "" && info.LastModified != "" && t.lastModified != info.LastModified)
	t.mu.Unlock()

	if changed {
		t.log.Info("task %d [%s]: server content changed, restarting from scratch", t.id, t.corrID)
		t.mu.Lock()
		t.etag = info.ETag
		t.lastModified = info.LastModified
		t.fileSize = info.Size
		t.blocks = nil
		t.mu.Unlock()
		// Persist the fresh record before any new block write lands, so a
		// crash mid-restart never leaves the stale pre-change record as
		// the only thing on disk.
		t.saveMeta()

		if err := t.allocateFile(); err != nil {
			t.fail(err)
			return
		}
		var blocks []block.Record
		if info.Size > 0 {
			blocks, err = block.Split(info.Size, t.maxBlocks, info.RangeSupported)
			if err != nil {
				t.fail(err)
				return
			}
		} else {
			blocks = block.SplitUnknownSize()
		}
		t.mu.Lock()
		t.blocks = blocks
		t.progressTr = progress.New(info.Size)
		t.mu.Unlock()
		t.saveMeta()
		t.submitBlocks()
		return
	}

	if err := t.reopenFile(); err != nil {
		t.fail(err)
		return
	}

	rec, ok := metastore.Load(t.metaPath())
	if !ok {
		t.fail(fmt.Errorf("resume: no resumable metadata for %s", t.filePath))
		return
	}
	blocks := metastore.ToBlocks(rec.Blocks)

	var downloaded int64
	for i := range blocks {
		downloaded += blocks[i].Downloaded
	}
	t.mu.Lock()
	t.blocks = blocks
	t.progressTr = progress.New(t.fileSize)
	t.progressTr.Seed(downloaded)
	t.mu.Unlock()

	t.submitBlocks()
}

func (t *Task) reopenFile() error {
	f, err := os.OpenFile(t.filePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.file = f
	t.mu.Unlock()
	return nil
}

// Cancel aborts the task from any non-terminal state, removing the
// partial file and its metadata.
func (t *Task) Cancel() {
	s := t.State()
	if s == Completed || s == Cancelled {
		return
	}
	t.mu.Lock()
	workers := t.workers
	path := t.filePath
	t.mu.Unlock()

	for _, w := range workers {
		if w != nil {
			w.Pause()
		}
	}
	if t.cancelFn != nil {
		t.cancelFn()
	}
	t.setState(Cancelled)

	if path != "" {
		os.Remove(path)
	}
	metastore.Remove(t.metaPath())
}

func (t *Task) saveMeta() {
	t.mu.Lock()
	rec := metastore.Record{
		URL:          t.url,
		FilePath:     t.filePath,
		FileName:     t.fileName,
		FileSize:     t.fileSize,
		ETag:         t.etag,
		LastModified: t.lastModified,
		MaxBlocks:    t.maxBlocks,
		Blocks:       metastore.FromBlocks(t.blocks),
	}
	path := t.filePath
	t.mu.Unlock()
	if path == "" {
		return
	}
	if err := metastore.Save(metastore.Path(path), rec); err != nil {
		t.log.Warn("task %d [%s]: failed to save metadata: %v", t.id, t.corrID, err)
	}
}

// FromMetadata reconstructs a Task in the Paused state from a persisted
// .meta file, ready for Resume. The Task takes id as its runtime id; the
// metadata file carries no task id of its own.
func FromMetadata(id int, metaPath string, pool *workerpool.Pool, limiter *ratelimit.Bucket,
	classifier categorize.Categorizer, log *logger.Logger, onState StateChangeFunc) (*Task, bool) {

	rec, ok := metastore.Load(metaPath)
	if !ok {
		return nil, false
	}

	t := &Task{
		id:         id,
		url:        rec.URL,
		saveDir:    filepath.Dir(rec.FilePath),
		maxBlocks:  rec.MaxBlocks,
		pool:       pool,
		limiter:    limiter,
		classifier: classifier,
		log:        log,
		onState:    onState,
		corrID:     uuid.NewString(),
		state:      Paused,
		filePath:   rec.FilePath,
		fileName:   rec.FileName,
		fileSize:   rec.FileSize,
		etag:       rec.ETag,
		lastModified: rec.LastModified,
		blocks:     metastore.ToBlocks(rec.Blocks),
	}
	if t.maxBlocks < 1 {
		t.maxBlocks = 1
	}
	t.progressTr = progress.New(t.fileSize)
	var downloaded int64
	for i := range t.blocks {
		downloaded += t.blocks[i].Downloaded
	}
	t.progressTr.Seed(downloaded)
	return t, true
}
