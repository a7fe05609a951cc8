// Package segment implements the object store: it packs blocks into TAR
// "segments" in a staging directory, assigns stable identifiers, enforces
// grouping and size policy, and hands sealed segments off to an optional
// uploader.
//
// Grounded in the teacher's storage.Backend/PackFileBackend writer-goroutine
// idiom (storage/packidx.go) and the original Cumulus Tarfile/
// TarSegmentStore design (original_source/tarstore.cc), reworked around
// Go's archive/tar instead of libtar.
package segment

import (
	"archive/tar"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/mvrable/cumulus/objectref"
	"github.com/mvrable/cumulus/util"
)

// DefaultTargetSize is the segment size threshold (spec §4.2: "a few
// MiB") at or above which a group's open segment is sealed on its next
// write.
const DefaultTargetSize = 4 * 1024 * 1024

// Catalog is the subset of localdb.DB the segment store needs: recording a
// sealed segment's checksum/path, used to satisfy spec §4.2's requirement
// that sealing call LocalDb.set_segment_checksum.
type Catalog interface {
	SetSegmentChecksum(name, path, checksum string) error
}

// Uploader receives sealed segment paths for asynchronous transport. It is
// satisfied by *remote.Store; nil means segments stay in the staging
// directory untouched (spec §4.5: "if no transport is configured").
type Uploader interface {
	AllocFile(name, fileType string) (io.WriteCloser, error)
	Enqueue(f io.WriteCloser) error
}

// Options configures a Store.
type Options struct {
	// StagingDir is where segment files are created.
	StagingDir string
	// TargetSize is the size threshold for sealing a segment (bytes).
	// DefaultTargetSize is used if zero.
	TargetSize int64
	// Uploader is optional; when set, sealed segments are enqueued for
	// transport.
	Uploader Uploader
	Catalog  Catalog
	Log      *util.Logger
	// Integrity, if non-nil, is used to write a Reed-Solomon parity
	// sidecar for each segment right after it is sealed (SPEC_FULL.md
	// supplemented feature "Segment-level Reed-Solomon integrity"). Nil
	// means segments are sealed without a ".rs" sidecar.
	Integrity *Integrity
}

// Store packs written blocks into per-group TAR segments (spec §4.2:
// "SegmentStore"). It is used only from the driver thread; it does no
// internal locking, matching spec §5 ("LocalDb and SegmentStore are
// accessed only from the driver").
type Store struct {
	opts   Options
	groups map[string]*openSegment
	sealed []string
}

// openSegment is the lazily-created, currently-writable segment for one
// group (spec §4.2: "maintain a lazy open Segment ... for each group").
type openSegment struct {
	name      string
	group     string
	path      string
	file      *os.File
	tw        *tar.Writer
	counter   int64
	size      int64
	checksums []checksumLine
}

type checksumLine struct {
	tag  string
	sha1 string
}

// NewStore creates a segment store rooted at opts.StagingDir.
func NewStore(opts Options) (*Store, error) {
	if opts.TargetSize == 0 {
		opts.TargetSize = DefaultTargetSize
	}
	if err := os.MkdirAll(opts.StagingDir, 0700); err != nil {
		return nil, util.IOError("segment.NewStore", err)
	}
	return &Store{opts: opts, groups: make(map[string]*openSegment)}, nil
}

// WriteObject appends data as a new object within the segment currently
// open for group (spec §4.2: "write_object"). Groups with different names
// never share a segment, so callers use distinct groups ("data",
// "indirect", "root") to keep unrelated content apart for later garbage
// collection locality.
func (s *Store) WriteObject(data []byte, group string) (objectref.Ref, error) {
	seg, err := s.segmentFor(group)
	if err != nil {
		return objectref.Ref{}, err
	}

	tag := fmt.Sprintf("%08x", seg.counter)
	seg.counter++

	hdr := &tar.Header{
		Name:     seg.name + "/" + tag,
		Mode:     0600,
		Size:     int64(len(data)),
		Typeflag: tar.TypeReg,
	}
	if err := seg.tw.WriteHeader(hdr); err != nil {
		return objectref.Ref{}, util.IOError("segment.WriteObject: header", err)
	}
	if _, err := seg.tw.Write(data); err != nil {
		return objectref.Ref{}, util.IOError("segment.WriteObject: body", err)
	}

	sum := sha1.Sum(data)
	seg.checksums = append(seg.checksums, checksumLine{tag: tag, sha1: hex.EncodeToString(sum[:])})
	seg.size += int64(len(data))

	ref := objectref.Normal(seg.name, tag)

	return ref, nil
}

// segmentFor returns the open segment for group, sealing and replacing it
// first if it already reached the target size on a prior write. Sealing is
// deferred to the start of the *next* write for the group (rather than done
// immediately once the threshold is crossed) so that the catalog entry for
// the block that tripped the threshold -- recorded by the caller between
// WriteObject calls -- is already present when SetSegmentChecksum sums
// block_index sizes for the segment.
func (s *Store) segmentFor(group string) (*openSegment, error) {
	if seg, ok := s.groups[group]; ok {
		if seg.size < s.opts.TargetSize {
			return seg, nil
		}
		if err := s.sealGroup(group); err != nil {
			return nil, err
		}
	}

	name := uuid.New().String()
	path := filepath.Join(s.opts.StagingDir, name+".tar")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, util.IOError("segment.segmentFor: create", err)
	}

	seg := &openSegment{
		name:  name,
		group: group,
		path:  path,
		file:  f,
		tw:    tar.NewWriter(f),
	}
	s.groups[group] = seg
	return seg, nil
}

// Sync flushes all open segments and records their sealed metadata (spec
// §4.2: "sync()").
func (s *Store) Sync() error {
	for group := range s.groups {
		if err := s.sealGroup(group); err != nil {
			return err
		}
	}
	return nil
}

// sealGroup seals the currently open segment for group, if any: appends
// the checksums pseudo-file, closes the TAR, records it in the catalog,
// and (if an uploader is attached) enqueues it for transport.
func (s *Store) sealGroup(group string) error {
	seg, ok := s.groups[group]
	if !ok {
		return nil
	}
	delete(s.groups, group)

	var checksumBuf []byte
	for _, c := range seg.checksums {
		checksumBuf = append(checksumBuf, []byte(c.tag+" sha1="+c.sha1+"\n")...)
	}
	hdr := &tar.Header{
		Name:     seg.name + "/checksums",
		Mode:     0600,
		Size:     int64(len(checksumBuf)),
		Typeflag: tar.TypeReg,
	}
	if err := seg.tw.WriteHeader(hdr); err != nil {
		return util.IOError("segment.sealGroup: checksums header", err)
	}
	if _, err := seg.tw.Write(checksumBuf); err != nil {
		return util.IOError("segment.sealGroup: checksums body", err)
	}
	if err := seg.tw.Close(); err != nil {
		return util.IOError("segment.sealGroup: tar close", err)
	}
	if err := seg.file.Close(); err != nil {
		return util.IOError("segment.sealGroup: file close", err)
	}

	if s.opts.Integrity != nil {
		if err := s.opts.Integrity.Protect(seg.path); err != nil {
			return err
		}
	}

	checksum, err := fileSHA1(seg.path)
	if err != nil {
		return err
	}

	relPath := filepath.Base(seg.path)
	if s.opts.Catalog != nil {
		if err := s.opts.Catalog.SetSegmentChecksum(seg.name, relPath, checksum); err != nil {
			return util.DbError("segment.sealGroup: set_segment_checksum", err)
		}
	}

	s.sealed = append(s.sealed, seg.path)

	if s.opts.Uploader != nil {
		rf, err := s.opts.Uploader.AllocFile(relPath, "segment")
		if err != nil {
			return util.IOError("segment.sealGroup: alloc remote file", err)
		}
		if err := copySegmentInto(rf, seg.path); err != nil {
			return err
		}
		if err := s.opts.Uploader.Enqueue(rf); err != nil {
			return util.IOError("segment.sealGroup: enqueue", err)
		}
	}

	return nil
}

// copySegmentInto streams the sealed segment's bytes from disk into the
// remote staging handle returned by the Uploader. It does not close w:
// ownership of the handle passes to Enqueue, which is the sole closer
// (closing here too would double-close the underlying file and make
// Enqueue fail on the already-closed handle). The sealed .tar file opened
// by os.Open here remains the source of truth in the segment store's own
// staging directory; Uploader implementations are expected to stage their
// copy somewhere distinct (spec §4.5) -- cmd/cumulus-backup, for instance,
// points its remote.Store at a "uploading" subdirectory rather than the
// segment staging directory itself, so this never copies a file onto
// itself.
func copySegmentInto(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return util.IOError("segment.copySegmentInto: open", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return util.IOError("segment.copySegmentInto: copy", err)
	}
	return nil
}

func fileSHA1(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", util.IOError("segment.fileSHA1: open", err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", util.IOError("segment.fileSHA1: read", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sealed returns the staging-directory paths of every segment sealed by
// this store so far, in sealing order.
func (s *Store) Sealed() []string {
	out := make([]string, len(s.sealed))
	copy(out, s.sealed)
	return out
}
