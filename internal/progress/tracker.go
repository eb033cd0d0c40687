// Package progress tracks cumulative bytes downloaded and derives a
// sliding-window speed and ETA estimate for a single task.
package progress

import (
	"sync"
	"time"
)

// window is how far back speed samples are kept.
const window = 5 * time.Second

type sample struct {
	at    time.Time
	bytes int64
}

// Info is a point-in-time snapshot of a task's progress.
type Info struct {
	TotalBytes       int64 // -1 if unknown
	DownloadedBytes  int64
	ProgressPercent  float64
	SpeedBytesPerSec float64
	RemainingSeconds float64 // -1 if unknown
}

// Tracker accumulates downloaded-byte deltas and produces Snapshot()s.
type Tracker struct {
	mu         sync.Mutex
	total      int64
	samples    []sample
	totalBytes int64
	known      bool
}

// New creates a Tracker for a task whose total size (if known) is total;
// pass total < 0 when the size is unknown.
func New(total int64) *Tracker {
	t := &Tracker{totalBytes: total, known: total >= 0}
	return t
}

// AddBytes records an additional delta bytes downloaded just now. Non
// positive deltas are ignored.
func (t *Tracker) AddBytes(delta int64) {
	if delta <= 0 {
		return
	}
	t.mu.Lock()
	t.total += delta
	t.samples = append(t.samples, sample{at: time.Now(), bytes: t.total})
	t.mu.Unlock()
}

// Seed sets the already-downloaded total without adding a speed sample,
// used when resuming a task that already has partial progress on disk.
func (t *Tracker) Seed(total int64) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

// Snapshot returns the current progress, speed, and ETA.
func (t *Tracker) Snapshot() Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	t.samples = t.samples[i:]

	info := Info{
		TotalBytes:      t.totalBytes,
		DownloadedBytes: t.total,
	}
	if !t.known || t.totalBytes <= 0 {
		info.TotalBytes = -1
		info.ProgressPercent = 0
	} else {
		info.ProgressPercent = float64(t.total) / float64(t.totalBytes) * 100
		if info.ProgressPercent > 100 {
			info.ProgressPercent = 100
		}
	}

	speed := 0.0
	if len(t.samples) >= 2 {
		first := t.samples[0]
		last := t.samples[len(t.samples)-1]
		dt := last.at.Sub(first.at).Seconds()
		if dt > 0 {
			speed = float64(last.bytes-first.bytes) / dt
		}
	}
	info.SpeedBytesPerSec = speed

	if speed > 0 && t.known && t.totalBytes > 0 {
		remaining := t.totalBytes - t.total
		if remaining < 0 {
			remaining = 0
		}
		info.RemainingSeconds = float64(remaining) / speed
	} else {
		info.RemainingSeconds = -1
	}

	return info
}
