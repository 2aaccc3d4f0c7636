package cas

import (
	"bytes"
	"testing"
	"time"

	"github.com/reach-labs/reachengine/internal/clock"
	"github.com/reach-labs/reachengine/internal/digest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, clock.Frozen{At: time.Unix(0, 0).UTC()})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	content := []byte("hello world")
	d, err := s.Put(content, CompressionIdentity)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(d)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestPutIdempotent(t *testing.T) {
	s := newTestStore(t)
	content := []byte("idempotent")
	d1, err := s.Put(content, CompressionIdentity)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := s.Put(content, CompressionIdentity)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatalf("re-insert produced different digest: %s vs %s", d1, d2)
	}
}

func TestZstdRoundTripSameContentDigest(t *testing.T) {
	s := newTestStore(t)
	content := bytes.Repeat([]byte("compressible-data "), 1000)
	dPlain, err := s.Put(content, CompressionIdentity)
	if err != nil {
		t.Fatal(err)
	}
	// A fresh store, so the zstd Put writes a compressed blob instead
	// of only bumping the ref-count of the identity copy above.
	sz := newTestStore(t)
	dZstd, err := sz.Put(content, CompressionZstd)
	if err != nil {
		t.Fatal(err)
	}
	if dPlain != dZstd {
		t.Fatalf("content digest changed with compression variant: %s vs %s", dPlain, dZstd)
	}
	got, err := sz.Get(dZstd)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("zstd round-trip produced different bytes")
	}
}

func TestEmptyAndLargeInserts(t *testing.T) {
	s := newTestStore(t)
	sizes := []int{0, 1 << 20, 64 << 20}
	for _, size := range sizes {
		content := bytes.Repeat([]byte{0x42}, size)
		d, err := s.Put(content, CompressionIdentity)
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		got, err := s.Get(d)
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		if !bytes.Equal(got, content) {
			t.Fatalf("size %d: round-trip mismatch", size)
		}
	}
}

func TestCorruptionDetected(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, clock.Frozen{At: time.Unix(0, 0).UTC()})
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("tamper me")
	d, err := s.Put(content, CompressionIdentity)
	if err != nil {
		t.Fatal(err)
	}
	if err := CorruptForTest(dir, d); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(d); err == nil {
		t.Fatal("expected cas_integrity_failure after corruption, got nil error")
	}
}

func TestMissingObject(t *testing.T) {
	s := newTestStore(t)
	var fake [32]byte
	fake[0] = 0xAB
	_, err := s.Get(fake)
	if err == nil {
		t.Fatal("expected cas_missing_object")
	}
}

func TestGCRespectsRefCount(t *testing.T) {
	s := newTestStore(t)
	content := []byte("gc-me")
	d, err := s.Put(content, CompressionIdentity)
	if err != nil {
		t.Fatal(err)
	}

	candidates, err := s.FindGCCandidates()
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected no GC candidates while ref-count > 0, got %d", len(candidates))
	}

	if err := s.Release(d); err != nil {
		t.Fatal(err)
	}
	candidates, err = s.FindGCCandidates()
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 GC candidate after release, got %d", len(candidates))
	}

	report, err := s.GC(candidates, true)
	if err != nil {
		t.Fatal(err)
	}
	if report.Removed != 1 {
		t.Fatalf("expected 1 removed, got %d", report.Removed)
	}
	if s.Contains(d) {
		t.Fatal("object still present after gc")
	}
}

func TestGCDryRunDoesNotRemove(t *testing.T) {
	s := newTestStore(t)
	content := []byte("dry-run-me")
	d, err := s.Put(content, CompressionIdentity)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Release(d); err != nil {
		t.Fatal(err)
	}
	report, err := s.GC([]digest.Digest{d}, false)
	if err != nil {
		t.Fatal(err)
	}
	if !report.DryRun {
		t.Fatal("expected DryRun true")
	}
	if !s.Contains(d) {
		t.Fatal("dry-run gc should not remove the object")
	}
}

func TestVerifySamplesAndDetectsFailures(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, clock.Frozen{At: time.Unix(0, 0).UTC()})
	if err != nil {
		t.Fatal(err)
	}
	d, err := s.Put([]byte("verify-me"), CompressionIdentity)
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Verify(1)
	if err != nil {
		t.Fatal(err)
	}
	if report.Sampled != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report before corruption: %+v", report)
	}
	if err := CorruptForTest(dir, d); err != nil {
		t.Fatal(err)
	}
	report, err = s.Verify(1)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 {
		t.Fatalf("expected 1 failure after corruption, got %+v", report)
	}
}
