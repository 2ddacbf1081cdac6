package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quaverhq/deckmix/internal/analysis"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeTrack(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func sampleResult() *analysis.Result {
	db := 0.25
	return &analysis.Result{
		BPM:              124,
		BeatPositions:    []float64{0.5, 1.0, 1.5},
		OnsetCurve:       []float32{0.1, -0.2, 1.5},
		DownbeatPosition: &db,
	}
}

func TestGetOrComputeRoundTrip(t *testing.T) {
	s := openTestStore(t)
	path := writeTrack(t, "song.mp3", []byte("pcm"))

	computes := 0
	compute := func() (*analysis.Result, error) {
		computes++
		return sampleResult(), nil
	}

	first, err := s.GetOrCompute(path, compute)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.GetOrCompute(path, compute)
	if err != nil {
		t.Fatal(err)
	}
	if computes != 1 {
		t.Errorf("compute ran %d times, want 1", computes)
	}

	if second.BPM != first.BPM {
		t.Errorf("cached BPM = %g, want %g", second.BPM, first.BPM)
	}
	if len(second.BeatPositions) != 3 || second.BeatPositions[2] != 1.5 {
		t.Errorf("cached beats = %v", second.BeatPositions)
	}
	if len(second.OnsetCurve) != 3 || second.OnsetCurve[1] != -0.2 {
		t.Errorf("cached onset curve = %v", second.OnsetCurve)
	}
	if second.DownbeatPosition == nil || *second.DownbeatPosition != 0.25 {
		t.Errorf("cached downbeat = %v", second.DownbeatPosition)
	}
}

func TestGetOrComputeNilDownbeat(t *testing.T) {
	s := openTestStore(t)
	path := writeTrack(t, "short.mp3", []byte("pcm"))

	res := sampleResult()
	res.DownbeatPosition = nil
	if _, err := s.GetOrCompute(path, func() (*analysis.Result, error) { return res, nil }); err != nil {
		t.Fatal(err)
	}
	cached, err := s.GetOrCompute(path, func() (*analysis.Result, error) {
		t.Fatal("compute ran on a cache hit")
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if cached.DownbeatPosition != nil {
		t.Errorf("downbeat = %v, want nil", *cached.DownbeatPosition)
	}
}

func TestGetOrComputePropagatesError(t *testing.T) {
	s := openTestStore(t)
	path := writeTrack(t, "bad.mp3", []byte("pcm"))

	wantErr := errors.New("analysis failed")
	if _, err := s.GetOrCompute(path, func() (*analysis.Result, error) { return nil, wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	// A failed compute must not poison the cache.
	computes := 0
	if _, err := s.GetOrCompute(path, func() (*analysis.Result, error) {
		computes++
		return sampleResult(), nil
	}); err != nil {
		t.Fatal(err)
	}
	if computes != 1 {
		t.Errorf("compute ran %d times after a failed attempt, want 1", computes)
	}
}

func TestGetOrComputeMissingFile(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetOrCompute("/no/such/file.mp3", func() (*analysis.Result, error) {
		t.Fatal("compute ran for a missing file")
		return nil, nil
	}); err == nil {
		t.Error("missing file returned nil error")
	}
}

func TestInvalidate(t *testing.T) {
	s := openTestStore(t)
	path := writeTrack(t, "song.mp3", []byte("pcm"))

	computes := 0
	compute := func() (*analysis.Result, error) {
		computes++
		return sampleResult(), nil
	}
	if _, err := s.GetOrCompute(path, compute); err != nil {
		t.Fatal(err)
	}
	if err := s.Invalidate(path); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetOrCompute(path, compute); err != nil {
		t.Fatal(err)
	}
	if computes != 2 {
		t.Errorf("compute ran %d times across invalidation, want 2", computes)
	}
}

func TestFingerprintTracksFileVersion(t *testing.T) {
	path := writeTrack(t, "song.mp3", []byte("v1"))
	fp1, err := Fingerprint(path)
	if err != nil {
		t.Fatal(err)
	}

	// Same file, same fingerprint.
	fp1b, err := Fingerprint(path)
	if err != nil {
		t.Fatal(err)
	}
	if fp1 != fp1b {
		t.Error("fingerprint not stable for an unchanged file")
	}

	// Rewritten content with a bumped mtime yields a new fingerprint.
	if err := os.WriteFile(path, []byte("v2 longer"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	fp2, err := Fingerprint(path)
	if err != nil {
		t.Fatal(err)
	}
	if fp1 == fp2 {
		t.Error("fingerprint unchanged after file modification")
	}
}
