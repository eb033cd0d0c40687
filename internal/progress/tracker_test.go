package progress

import "testing"

func TestAddBytesIsAdditive(t *testing.T) {
	tr := New(1000)
	tr.AddBytes(100)
	tr.AddBytes(250)
	snap := tr.Snapshot()
	if snap.DownloadedBytes != 350 {
		t.Fatalf("got %d, want 350", snap.DownloadedBytes)
	}
	if snap.ProgressPercent < 0 || snap.ProgressPercent > 100 {
		t.Fatalf("percent out of range: %v", snap.ProgressPercent)
	}
}

func TestAddBytesIgnoresNonPositive(t *testing.T) {
	tr := New(1000)
	tr.AddBytes(100)
	tr.AddBytes(0)
	tr.AddBytes(-50)
	if tr.Snapshot().DownloadedBytes != 100 {
		t.Fatalf("non-positive deltas should be ignored")
	}
}

func TestUnknownTotalReportsMinusOne(t *testing.T) {
	tr := New(-1)
	tr.AddBytes(500)
	snap := tr.Snapshot()
	if snap.TotalBytes != -1 {
		t.Fatalf("got %d, want -1", snap.TotalBytes)
	}
	if snap.RemainingSeconds != -1 {
		t.Fatalf("got %v, want -1 without speed data", snap.RemainingSeconds)
	}
}

func TestSeedDoesNotAffectSpeedSamples(t *testing.T) {
	tr := New(1000)
	tr.Seed(400)
	snap := tr.Snapshot()
	if snap.DownloadedBytes != 400 {
		t.Fatal("seed should set cumulative total")
	}
	if snap.SpeedBytesPerSec != 0 {
		t.Fatalf("got speed %v, want 0: seed must not add a speed sample", snap.SpeedBytesPerSec)
	}
}
