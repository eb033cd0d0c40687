package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsAndResolves(t *testing.T) {
	p := New(4)
	defer p.Close()

	f, err := p.Submit(func() (any, error) { return 42, nil })
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	val, err := f.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if val.(int) != 42 {
		t.Fatalf("got %v, want 42", val)
	}
}

func TestSubmitSurfacesError(t *testing.T) {
	p := New(2)
	defer p.Close()

	wantErr := errors.New("boom")
	f, err := p.Submit(func() (any, error) { return nil, wantErr })
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, gotErr := f.Wait()
	if !errors.Is(gotErr, wantErr) {
		t.Fatalf("got %v, want %v", gotErr, wantErr)
	}
}

func TestConcurrencyAboveOne(t *testing.T) {
	p := New(8)
	defer p.Close()

	var current, max int32
	futures := make([]*Future, 0, 8)
	for i := 0; i < 8; i++ {
		f, _ := p.Submit(func() (any, error) {
			n := atomic.AddInt32(&current, 1)
			for {
				m := atomic.LoadInt32(&max)
				if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil, nil
		})
		futures = append(futures, f)
	}
	for _, f := range futures {
		f.Wait()
	}
	if atomic.LoadInt32(&max) <= 1 {
		t.Fatalf("expected observed concurrency > 1, got %d", max)
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	p := New(1)
	p.Close()
	_, err := p.Submit(func() (any, error) { return nil, nil })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}
