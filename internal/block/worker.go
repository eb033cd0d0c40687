package block

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"rangefetch/internal/fetch"
	"rangefetch/internal/ratelimit"
)

// chunkSize is the maximum number of bytes onData requests from the rate
// limiter in one Acquire call; a larger buffer handed in by the fetcher
// gets sliced into chunkSize pieces so limiting stays fine-grained
// regardless of the fetcher's own read-buffer size.
const chunkSize = 32 * 1024

// ProgressFunc reports an incremental byte delta written by a worker.
type ProgressFunc func(blockID int, delta int64)

// Worker executes one Record: it pulls bytes through a shared rate limiter
// and writes them at the record's file offset (or appends, for the
// unknown-size sentinel block).
type Worker struct {
	record  *Record
	mu      *sync.Mutex // guards record when Unknown() (single shared file handle, append mode)
	file    *os.File
	fetcher *fetch.Fetcher
	limiter *ratelimit.Bucket
	paused  atomic.Bool
	onProg  ProgressFunc
}

// NewWorker constructs a Worker for rec, writing into file and pulling
// bytes through limiter via fetcher. mu is only consulted when rec is the
// unknown-size sentinel block (shared append-mode writes).
func NewWorker(rec *Record, file *os.File, mu *sync.Mutex, fetcher *fetch.Fetcher, limiter *ratelimit.Bucket, onProg ProgressFunc) *Worker {
	return &Worker{record: rec, mu: mu, file: file, fetcher: fetcher, limiter: limiter, onProg: onProg}
}

// Pause sets the pause flag; the next chunk boundary aborts the fetch.
func (w *Worker) Pause() {
	w.paused.Store(true)
	w.fetcher.Cancel()
}

// Run downloads the worker's remaining range, resuming exactly where a
// prior run left off via record.Downloaded, and reports completion via the
// record's Completed flag once the fetch returns without having been
// paused. A fetch aborted by Pause returns nil rather than its error.
func (w *Worker) Run(ctx context.Context, url string) error {
	start := w.record.RangeStart
	end := w.record.RangeEnd
	if !w.record.Unknown() {
		start += w.record.Downloaded
	}

	err := w.fetcher.Fetch(ctx, url, start, end, w.onData, nil)
	if w.paused.Load() {
		return nil
	}
	if err != nil {
		return err
	}
	w.record.Completed = true
	if w.onProg != nil {
		w.onProg(w.record.ID, 0)
	}
	return nil
}

func (w *Worker) onData(p []byte) int {
	var written int
	for len(p) > 0 {
		if w.paused.Load() {
			return written
		}

		want := int64(len(p))
		if want > chunkSize {
			want = chunkSize
		}
		granted := w.limiter.Acquire(want)
		if granted == 0 {
			return written
		}
		data := p[:granted]

		var n int
		var err error
		if w.record.Unknown() {
			w.mu.Lock()
			n, err = w.file.Write(data)
			w.mu.Unlock()
		} else {
			offset := w.record.RangeStart + w.record.Downloaded
			n, err = w.file.WriteAt(data, offset)
		}
		if err != nil {
			return written
		}

		w.record.Downloaded += int64(n)
		if w.onProg != nil {
			w.onProg(w.record.ID, int64(n))
		}
		written += n
		if n < len(data) {
			return written
		}
		p = p[n:]
	}
	return written
}
