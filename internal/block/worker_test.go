package block

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"rangefetch/internal/fetch"
	"rangefetch/internal/ratelimit"
)

var timeZeroW = time.Time{}

func TestWorkerWritesAtOffset(t *testing.T) {
	body := "0123456789ABCDEFGHIJ"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f.bin", timeZeroW, strings.NewReader(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f, err := os.Create(dir + "/out.bin")
	if err != nil {
		t.Fatal(err)
	}
	f.Truncate(int64(len(body)))
	defer f.Close()

	rec := &Record{ID: 0, RangeStart: 0, RangeEnd: int64(len(body) - 1)}
	fetcher := fetch.New(fetch.DefaultConfig())
	limiter := ratelimit.New(0)

	var deltas int64
	var mu sync.Mutex
	worker := NewWorker(rec, f, &mu, fetcher, limiter, func(id int, delta int64) { deltas += delta })
	if err := worker.Run(context.Background(), srv.URL); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rec.Completed {
		t.Fatal("expected block to be marked completed")
	}
	if rec.Downloaded != int64(len(body)) {
		t.Fatalf("got Downloaded=%d, want %d", rec.Downloaded, len(body))
	}

	got, err := os.ReadFile(dir + "/out.bin")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != body {
		t.Fatalf("got %q, want %q", got, body)
	}
}

func TestWorkerResumesFromDownloadedOffset(t *testing.T) {
	body := "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f.bin", timeZeroW, strings.NewReader(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f, err := os.Create(dir + "/out.bin")
	if err != nil {
		t.Fatal(err)
	}
	f.Truncate(int64(len(body)))
	defer f.Close()
	f.WriteAt([]byte("01234"), 0)

	rec := &Record{ID: 0, RangeStart: 0, RangeEnd: int64(len(body) - 1), Downloaded: 5}
	fetcher := fetch.New(fetch.DefaultConfig())
	limiter := ratelimit.New(0)
	var mu sync.Mutex
	worker := NewWorker(rec, f, &mu, fetcher, limiter, nil)
	if err := worker.Run(context.Background(), srv.URL); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(dir + "/out.bin")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != body {
		t.Fatalf("got %q, want %q", got, body)
	}
}
