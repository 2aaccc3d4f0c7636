// Package cas implements the content-addressable store: a sharded,
// crash-safe blob store keyed by content digest, with optional
// compression, reference counting, and sampled integrity verification.
//
// Layout: objects live at objects/<d[0:2]>/<d[2:4]>/<d> where d is the
// 64-hex content digest. Metadata (compression, size, stored-blob
// digest, created-at, ref-count) lives in a sidecar
// objects/<d[0:2]>/<d[2:4]>/<d>.meta.json file written under the same
// atomic rename discipline as the blob itself. A top-level VERSION
// marker file pins the format to v2.
package cas

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/reach-labs/reachengine/internal/clock"
	"github.com/reach-labs/reachengine/internal/digest"
)

// FormatVersion is the on-disk layout version. Any change to sharding
// depth, metadata layout, or digest domain requires a bump here plus a
// documented migration.
const FormatVersion = "v2"

// Compression identifies how an object's bytes are stored on disk.
type Compression string

const (
	CompressionIdentity Compression = "identity"
	CompressionZstd     Compression = "zstd"
)

// Errors matching the specification's CAS failure-mode names.
var (
	ErrIntegrityFailure = errors.New("cas: cas_integrity_failure")
	ErrMissingObject    = errors.New("cas: cas_missing_object")
	ErrWriteFailed      = errors.New("cas: cas_write_failed")
	ErrGCConflict       = errors.New("cas: cas_gc_conflict")
)

// Meta is the sidecar metadata persisted alongside every stored object.
type Meta struct {
	ContentDigest    string      `json:"content_digest"`
	StoredBlobDigest string      `json:"stored_blob_digest"`
	Compression      Compression `json:"compression"`
	Size             int64       `json:"size"`
	CreatedAt        time.Time   `json:"created_at"`
	RefCount         int64       `json:"ref_count"`
}

// Store is a sharded, content-addressed blob store rooted at a
// directory on a filesystem that supports atomic rename within a
// directory.
type Store struct {
	root  string
	clock clock.Clock

	// gcMu excludes concurrent gc and decrement operations from
	// observing a half-deleted object, per the specification's
	// ordering guarantee (§5): "CAS gc takes a lock on the candidate
	// set; put never observes a half-deleted object."
	gcMu sync.Mutex

	// refMu guards every ref-count read-modify-write (Put, Release)
	// across the whole store, so two concurrent Puts of identical
	// content converge to one stored object and one ref-count
	// increment. GC also holds it for the whole pass.
	refMu sync.Mutex
}

// Open opens (creating if necessary) a CAS store rooted at dir.
func Open(dir string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.System{}
	}
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir objects: %v", ErrWriteFailed, err)
	}
	versionPath := filepath.Join(dir, "VERSION")
	if _, err := os.Stat(versionPath); os.IsNotExist(err) {
		if err := atomicWriteFile(versionPath, []byte(FormatVersion+"\n")); err != nil {
			return nil, fmt.Errorf("%w: write VERSION: %v", ErrWriteFailed, err)
		}
	} else if err == nil {
		got, err := os.ReadFile(versionPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read VERSION: %v", ErrWriteFailed, err)
		}
		if string(bytes.TrimSpace(got)) != FormatVersion {
			return nil, fmt.Errorf("cas: store at %s has format %q, this build requires %q", dir, bytes.TrimSpace(got), FormatVersion)
		}
	}
	return &Store{root: dir, clock: clk}, nil
}

func (s *Store) shardPath(d digest.Digest) (dir, blobPath, metaPath string) {
	hexStr := d.String()
	dir = filepath.Join(s.root, "objects", hexStr[0:2], hexStr[2:4])
	blobPath = filepath.Join(dir, hexStr)
	metaPath = blobPath + ".meta.json"
	return
}

// Contains reports whether both the blob and the metadata file for
// digest d exist in the store. It does not verify their integrity;
// Get does.
func (s *Store) Contains(d digest.Digest) bool {
	_, blobPath, metaPath := s.shardPath(d)
	if _, err := os.Stat(blobPath); err != nil {
		return false
	}
	if _, err := os.Stat(metaPath); err != nil {
		return false
	}
	return true
}

// Put stores bytes under their content digest. Idempotent: if the
// digest already exists, its ref-count is incremented and the
// existing digest is returned without rewriting the blob.
func (s *Store) Put(content []byte, compression Compression) (digest.Digest, error) {
	d, err := digest.HashDomain(digest.DomainCAS, content)
	if err != nil {
		return digest.Digest{}, err
	}
	if err := s.putAtDigest(d, content, compression); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

// PutAtomic is semantically identical to Put: every write in this
// store is already crash-safe (temp file, fsync, rename). The
// specification distinguishes put/put_atomic to describe an
// implementation that might otherwise buffer; this implementation
// never offers a non-atomic path, so PutAtomic is an alias kept for
// contract-surface parity.
func (s *Store) PutAtomic(content []byte, compression Compression) (digest.Digest, error) {
	return s.Put(content, compression)
}

func (s *Store) putAtDigest(d digest.Digest, content []byte, compression Compression) error {
	dir, blobPath, metaPath := s.shardPath(d)

	s.refMu.Lock()
	defer s.refMu.Unlock()

	if meta, err := s.readMeta(metaPath); err == nil {
		meta.RefCount++
		return s.writeMeta(metaPath, meta)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrWriteFailed, dir, err)
	}

	stored := content
	if compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("%w: zstd encoder: %v", ErrWriteFailed, err)
		}
		stored = enc.EncodeAll(content, nil)
		_ = enc.Close()
	} else {
		compression = CompressionIdentity
	}

	if err := atomicWriteFile(blobPath, stored); err != nil {
		return fmt.Errorf("%w: write blob: %v", ErrWriteFailed, err)
	}

	storedDigest, err := digest.HashDomain(digest.DomainCAS, stored)
	if err != nil {
		return err
	}

	meta := Meta{
		ContentDigest:    d.String(),
		StoredBlobDigest: storedDigest.String(),
		Compression:      compression,
		Size:             int64(len(content)),
		CreatedAt:        s.clock.Now(),
		RefCount:         1,
	}
	if err := s.writeMeta(metaPath, meta); err != nil {
		return err
	}
	return nil
}

// Get retrieves and verifies an object's bytes. The stored-blob digest
// is recomputed over the on-disk bytes and compared against the
// recorded value before decompression; any mismatch is
// cas_integrity_failure, never a silent best-effort recovery.
func (s *Store) Get(d digest.Digest) ([]byte, error) {
	_, blobPath, metaPath := s.shardPath(d)

	meta, err := s.readMeta(metaPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingObject, d)
	}

	raw, err := os.ReadFile(blobPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingObject, d)
	}

	storedDigest, err := digest.HashDomain(digest.DomainCAS, raw)
	if err != nil {
		return nil, err
	}
	if storedDigest.String() != meta.StoredBlobDigest {
		return nil, fmt.Errorf("%w: stored-blob digest mismatch for %s", ErrIntegrityFailure, d)
	}

	content := raw
	if meta.Compression == CompressionZstd {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decoder: %v", ErrIntegrityFailure, err)
		}
		content, err = dec.DecodeAll(raw, nil)
		dec.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decode: %v", ErrIntegrityFailure, err)
		}
	}

	contentDigest, err := digest.HashDomain(digest.DomainCAS, content)
	if err != nil {
		return nil, err
	}
	if contentDigest.String() != meta.ContentDigest || contentDigest != d {
		return nil, fmt.Errorf("%w: content digest mismatch for %s", ErrIntegrityFailure, d)
	}

	return content, nil
}

// VerifyReport is the outcome of a sampled integrity verification pass.
type VerifyReport struct {
	Sampled  int      `json:"sampled"`
	Failed   int      `json:"failed"`
	FailedIDs []string `json:"failed_ids,omitempty"`
}

// Verify samples n objects uniformly at random and verifies end-to-end
// content integrity.
func (s *Store) Verify(n int) (VerifyReport, error) {
	all, err := s.allDigests()
	if err != nil {
		return VerifyReport{}, err
	}
	if n > len(all) {
		n = len(all)
	}
	sample, err := sampleN(all, n)
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{Sampled: len(sample)}
	for _, d := range sample {
		if _, err := s.Get(d); err != nil {
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, d.String())
		}
	}
	return report, nil
}

// FindGCCandidates returns digests whose ref-count has reached zero.
func (s *Store) FindGCCandidates() ([]digest.Digest, error) {
	all, err := s.allDigests()
	if err != nil {
		return nil, err
	}
	var candidates []digest.Digest
	for _, d := range all {
		_, _, metaPath := s.shardPath(d)
		meta, err := s.readMeta(metaPath)
		if err != nil {
			continue
		}
		if meta.RefCount <= 0 {
			candidates = append(candidates, d)
		}
	}
	return candidates, nil
}

// GCReport is the outcome of a gc pass.
type GCReport struct {
	Candidates int      `json:"candidates"`
	Removed    int      `json:"removed"`
	DryRun     bool     `json:"dry_run"`
	RemovedIDs []string `json:"removed_ids,omitempty"`
}

// GC removes the given digests if (and only if) their ref-count is
// still zero at the time the lock is held, appending an entry to the
// journal for each removal. execute=false performs a dry run.
func (s *Store) GC(digests []digest.Digest, execute bool) (GCReport, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	// Hold refMu too, so no Put or Release can change a ref-count
	// between the check below and the removal.
	s.refMu.Lock()
	defer s.refMu.Unlock()

	report := GCReport{Candidates: len(digests), DryRun: !execute}
	for _, d := range digests {
		_, blobPath, metaPath := s.shardPath(d)
		meta, err := s.readMeta(metaPath)
		if err != nil {
			continue // already gone; idempotent
		}
		if meta.RefCount > 0 {
			return report, fmt.Errorf("%w: digest %s ref-count changed during gc", ErrGCConflict, d)
		}
		if !execute {
			report.Removed++
			report.RemovedIDs = append(report.RemovedIDs, d.String())
			continue
		}
		if err := os.Remove(blobPath); err != nil && !os.IsNotExist(err) {
			return report, fmt.Errorf("%w: remove blob %s: %v", ErrWriteFailed, d, err)
		}
		if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
			return report, fmt.Errorf("%w: remove meta %s: %v", ErrWriteFailed, d, err)
		}
		if err := s.appendJournal(d); err != nil {
			return report, err
		}
		report.Removed++
		report.RemovedIDs = append(report.RemovedIDs, d.String())
	}
	return report, nil
}

// Release decrements the reference count for d, making it eligible
// for GC once it reaches zero. Called when a result record referencing
// d is deleted.
func (s *Store) Release(d digest.Digest) error {
	_, _, metaPath := s.shardPath(d)
	s.refMu.Lock()
	defer s.refMu.Unlock()
	meta, err := s.readMeta(metaPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMissingObject, d)
	}
	if meta.RefCount > 0 {
		meta.RefCount--
	}
	return s.writeMeta(metaPath, meta)
}

func (s *Store) appendJournal(d digest.Digest) error {
	journalPath := filepath.Join(s.root, "gc.journal")
	f, err := os.OpenFile(journalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open journal: %v", ErrWriteFailed, err)
	}
	defer f.Close()
	line := fmt.Sprintf("%s %s\n", s.clock.Now().Format(time.RFC3339Nano), d)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("%w: write journal: %v", ErrWriteFailed, err)
	}
	return f.Sync()
}

func (s *Store) readMeta(path string) (Meta, error) {
	var m Meta
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: corrupt metadata at %s: %v", ErrIntegrityFailure, path, err)
	}
	return m, nil
}

func (s *Store) writeMeta(path string, m Meta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", ErrWriteFailed, err)
	}
	if err := atomicWriteFile(path, data); err != nil {
		return fmt.Errorf("%w: write metadata: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *Store) allDigests() ([]digest.Digest, error) {
	var out []digest.Digest
	root := filepath.Join(s.root, "objects")
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) == ".json" {
			return nil
		}
		d, parseErr := digest.Parse(filepath.Base(path))
		if parseErr != nil {
			return nil // not an object file
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walk objects: %v", ErrWriteFailed, err)
	}
	return out, nil
}

// atomicWriteFile writes data to a temp file in the same directory as
// path, fsyncs it, and renames it into place — no partial object is
// ever observable, per invariant I3/I4 and the CAS ordering guarantees
// in §5.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func sampleN(all []digest.Digest, n int) ([]digest.Digest, error) {
	if n <= 0 || len(all) == 0 {
		return nil, nil
	}
	pool := append([]digest.Digest(nil), all...)
	out := make([]digest.Digest, 0, n)
	for i := 0; i < n && len(pool) > 0; i++ {
		idxBig, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
		if err != nil {
			return nil, err
		}
		idx := int(idxBig.Int64())
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out, nil
}

// CorruptForTest flips the first byte of the stored blob for d (an
// empty blob is replaced by a single zero byte instead). Used
// only by tests exercising the corruption-detection property; not part
// of the public contract.
func CorruptForTest(root string, d digest.Digest) error {
	hexStr := d.String()
	blobPath := filepath.Join(root, "objects", hexStr[0:2], hexStr[2:4], hexStr)
	data, err := os.ReadFile(blobPath)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		data = []byte{0x00}
	} else {
		data[0] ^= 0xFF
	}
	return os.WriteFile(blobPath, data, 0o644)
}
