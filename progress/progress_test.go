package progress

import (
	"math"
	"strings"
	"testing"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{-5, 0},
		{0, 0},
		{0.4, 0},
		{0.5, 1},
		{44.6, 45},
		{99.4, 99},
		{100, 100},
		{250, 100},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := Clamp(tt.in); got != tt.want {
			t.Errorf("Clamp(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestReporter_Monotonic(t *testing.T) {
	var seen []State
	r := NewReporter(SinkFunc(func(s State) { seen = append(seen, s) }))

	r.Set(30, "a")
	r.Set(10, "b")
	r.Indeterminate("c")
	r.Set(25, "d")
	r.Set(60, "e")

	last := -1
	for i, s := range seen {
		if s.Percent < last {
			t.Fatalf("update %d: percent went from %d to %d", i, last, s.Percent)
		}
		if s.Label == "" {
			t.Fatalf("update %d carries no label", i)
		}
		last = s.Percent
	}
	if got := r.State(); got.Percent != 60 || !got.Determinate || got.Label != "e" {
		t.Fatalf("final state = %+v", got)
	}
}

func TestReporter_IndeterminateKeepsPercent(t *testing.T) {
	r := NewReporter(nil)
	r.Set(45, "upload done")
	s := r.Indeterminate(LabelProcessing)
	if s.Percent != 45 || s.Determinate {
		t.Fatalf("indeterminate state = %+v, want 45%% indeterminate", s)
	}
	s = r.Set(50, LabelDownloading)
	if s.Percent != 50 || !s.Determinate {
		t.Fatalf("resumed state = %+v, want 50%% determinate", s)
	}
}

func TestReporter_ResetStartsOver(t *testing.T) {
	r := NewReporter(nil)
	r.Set(80, "x")
	s := r.Reset(LabelIdle)
	if s.Percent != 0 || s.Active {
		t.Fatalf("reset state = %+v", s)
	}
	if s := r.Set(5, "again"); s.Percent != 5 {
		t.Fatalf("after reset Set(5) = %d", s.Percent)
	}
}

func TestUploadPercent(t *testing.T) {
	if _, ok := UploadPercent(10, 0); ok {
		t.Fatal("unknown total must be indeterminate")
	}
	pct, ok := UploadPercent(50, 100)
	if !ok || pct != 22.5 {
		t.Fatalf("UploadPercent(50,100) = %v,%v", pct, ok)
	}
	if pct, _ := UploadPercent(200, 100); pct != UploadShare {
		t.Fatalf("overshoot = %v, want %d", pct, UploadShare)
	}
}

func TestDownloadPercent(t *testing.T) {
	tests := []struct {
		n, total int64
		want     float64
	}{
		{0, 100, 45},
		{50, 100, 72.5},
		{100, 100, 100},
	}
	for _, tt := range tests {
		got, ok := DownloadPercent(tt.n, tt.total)
		if !ok || got != tt.want {
			t.Errorf("DownloadPercent(%d,%d) = %v,%v, want %v", tt.n, tt.total, got, ok, tt.want)
		}
	}
	if _, ok := DownloadPercent(5, -1); ok {
		t.Fatal("unknown total must be indeterminate")
	}
}

func TestFractionPercent(t *testing.T) {
	for _, tt := range []struct{ in, want float64 }{{-1, 0}, {0.3, 30}, {1, 100}, {1.7, 100}} {
		if got := FractionPercent(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("FractionPercent(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBytesLabel(t *testing.T) {
	got := BytesLabel(LabelUploading, 12_000_000, 40_000_000)
	if got != "Enviando… 12 MB / 40 MB" {
		t.Fatalf("got %q", got)
	}
	if got := BytesLabel(LabelDownloading, 1500, -1); !strings.HasPrefix(got, "Baixando resultado… 1.5 kB") {
		t.Fatalf("got %q", got)
	}
}
