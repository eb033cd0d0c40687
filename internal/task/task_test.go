package task

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"rangefetch/internal/categorize"
	"rangefetch/internal/logger"
	"rangefetch/internal/ratelimit"
	"rangefetch/internal/workerpool"
)

func newHarness(t *testing.T) (*workerpool.Pool, *ratelimit.Bucket, *logger.Logger, string) {
	t.Helper()
	pool := workerpool.New(8)
	t.Cleanup(pool.Close)
	limiter := ratelimit.New(0)
	dir := t.TempDir()
	log, err := logger.New(filepath.Join(dir, "logs"), false)
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return pool, limiter, log, dir
}

func waitForState(t *testing.T, tk *Task, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tk.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v (error: %q)", want, tk.State(), tk.Info().ErrorMessage)
}

func rangeServer(body []byte, etag string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", etag)
		http.ServeContent(w, r, "f.bin", time.Time{}, newReaderAt(body))
	}))
}

func newReaderAt(b []byte) *bytesReadSeeker { return &bytesReadSeeker{data: b} }

type bytesReadSeeker struct {
	data []byte
	pos  int64
}

func (r *bytesReadSeeker) Read(p []byte) (int, error) {
	if r.pos >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *bytesReadSeeker) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case 0:
		newPos = offset
	case 1:
		newPos = r.pos + offset
	case 2:
		newPos = int64(len(r.data)) + offset
	}
	r.pos = newPos
	return newPos, nil
}

func TestTaskParallelDownloadCompletes(t *testing.T) {
	pool, limiter, log, dir := newHarness(t)
	body := make([]byte, 4*1024*1024)
	for i := range body {
		body[i] = byte(i)
	}
	srv := rangeServer(body, `"v1"`)
	defer srv.Close()

	var states []State
	var mu sync.Mutex
	tk := New(1, srv.URL, dir, 4, pool, limiter, categorize.NoOp{}, log, func(id int, s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}, "", "")

	tk.Start()
	waitForState(t, tk, Completed, 5*time.Second)

	info := tk.Info()
	if _, err := os.Stat(info.FilePath); err != nil {
		// file may have been moved by the categorizer; NoOp never moves it
		t.Fatalf("expected file at %s: %v", info.FilePath, err)
	}
	fi, _ := os.Stat(info.FilePath)
	if fi.Size() != int64(len(body)) {
		t.Fatalf("got size %d, want %d", fi.Size(), len(body))
	}
	if _, err := os.Stat(info.FilePath + ".meta"); !os.IsNotExist(err) {
		t.Fatal("expected metadata file to be removed after completion")
	}
}

// TestTaskResumeAfterServerChangeRestartsFromScratch pauses mid-transfer,
// changes the server's ETag while paused, and resumes. The resumed
// download must detect the server-side change and restart from byte 0
// rather than continuing from the paused offset.
func TestTaskResumeAfterServerChangeRestartsFromScratch(t *testing.T) {
	pool, limiter, log, dir := newHarness(t)
	body := make([]byte, 512*1024)
	for i := range body {
		body[i] = byte(i)
	}

	var mu sync.Mutex
	etag := `"v1"`
	var ranges []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		cur := etag
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()

		w.Header().Set("ETag", cur)
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			return
		}

		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		const chunk = 8 * 1024
		for pos := 0; pos < len(body); pos += chunk {
			end := pos + chunk
			if end > len(body) {
				end = len(body)
			}
			if _, err := w.Write(body[pos:end]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(4 * time.Millisecond)
		}
	}))
	defer srv.Close()

	tk := New(1, srv.URL, dir, 1, pool, limiter, categorize.NoOp{}, log, func(int, State) {}, "", "")
	tk.Start()
	waitForState(t, tk, Downloading, 2*time.Second)
	time.Sleep(50 * time.Millisecond)
	tk.Pause()
	waitForState(t, tk, Paused, 2*time.Second)

	partial := tk.Info().Progress.DownloadedBytes
	if partial <= 0 || partial >= int64(len(body)) {
		t.Fatalf("expected partial progress before resume, got %d of %d bytes", partial, len(body))
	}

	mu.Lock()
	etag = `"v2"`
	mu.Unlock()

	tk.Resume()
	waitForState(t, tk, Completed, 5*time.Second)

	info := tk.Info()
	data, err := os.ReadFile(info.FilePath)
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if !bytes.Equal(data, body) {
		t.Fatal("final file content mismatch after server-change resume")
	}

	mu.Lock()
	last := ranges[len(ranges)-1]
	mu.Unlock()
	if !strings.HasPrefix(last, "bytes=0-") {
		t.Fatalf("expected the restart-from-scratch request to start at byte 0, got Range %q", last)
	}
}

func TestTaskNonRetryable404GoesToFailed(t *testing.T) {
	pool, limiter, log, dir := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tk := New(1, srv.URL, dir, 4, pool, limiter, categorize.NoOp{}, log, func(int, State) {}, "", "")
	tk.Start()
	waitForState(t, tk, Failed, 3*time.Second)

	if tk.Info().ErrorMessage == "" {
		t.Fatal("expected a non-empty error message on Failed")
	}
}
