// Package scanner implements the filesystem walk: for every path visited
// it emits a metadata stream entry, and for regular files it splits the
// content into fixed-size blocks, deduplicates each block against the
// local catalog, and records the result as a data field (inline for small
// files, indirect for large ones).
//
// Grounded in spec.md §4.4 directly; the teacher's analogous code
// (cmd/bk/backup.go's BackupDir/backupFileContents) walks a tree and
// streams file content similarly, but encodes it as a gob DirEntry tree
// rather than this package's text metadata stream, and chunks content
// with a rolling checksum rather than fixed blocks -- both dropped per
// SPEC_FULL.md in favor of spec.md's explicit format and fixed 1 MiB
// block size.
package scanner

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/mvrable/cumulus/localdb"
	"github.com/mvrable/cumulus/objectref"
	"github.com/mvrable/cumulus/segment"
	"github.com/mvrable/cumulus/util"
)

// BlockSize is the fixed block size blocks are split into (spec §4.4:
// "Fixed block size B = 1 MiB").
const BlockSize = 1 << 20

// IndirectThreshold is the reference count at or above which the block
// list is written out-of-line as an indirect object (spec §4.4: "If
// refs.len() < 8, store them inline ... Else ... indirect").
const IndirectThreshold = 8

// Options configures a Scanner.
type Options struct {
	Log *util.Logger
	// BytesPerSecond optionally bounds local disk read throughput while
	// scanning (SPEC_FULL.md supplemented feature, grounded in the
	// teacher's storage/ratelimit.go). Zero means unlimited.
	BytesPerSecond int
}

// Scanner walks a filesystem tree, writing blocks through store and
// deduping against db.
type Scanner struct {
	store *segment.Store
	db    *localdb.DB
	opts  Options
	rl    *util.RateLimiter
}

// New creates a Scanner that writes new blocks into store and consults db
// for dedup.
func New(store *segment.Store, db *localdb.DB, opts Options) *Scanner {
	return &Scanner{store: store, db: db, opts: opts, rl: util.NewRateLimiter(opts.BytesPerSecond)}
}

// Close releases resources owned by the Scanner (its rate limiter ticker).
func (s *Scanner) Close() {
	s.rl.Stop()
}

// dictEntry is one key/value pair of an entry's dictionary, kept as a
// slice rather than a map to preserve insertion order (spec §6: "lines
// <key>: <value> ... in insertion order from the dictionary").
type dictEntry struct {
	key, value string
}

// Dump walks root and returns the reference to the metadata stream's
// "root" object (spec §2: "emits a metadata stream into a distinguished
// 'root' object").
func (s *Scanner) Dump(root string) (objectref.Ref, error) {
	buf, err := s.buildMetadata(root)
	if err != nil {
		return objectref.Ref{}, err
	}
	return s.store.WriteObject(buf.Bytes(), "root")
}

func (s *Scanner) buildMetadata(root string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := s.visit(&buf, root, "."); err != nil {
		return nil, err
	}
	return &buf, nil
}

// visit emits the metadata entry for the path at root+relPath (relPath
// "." denotes the root itself) and recurses into directories.
func (s *Scanner) visit(buf *bytes.Buffer, root, relPath string) error {
	full := filepath.Join(root, relPath)

	fi, err := os.Lstat(full)
	if err != nil {
		s.opts.Log.Warning("scanner: lstat %s: %v", full, err)
		return nil
	}

	dict := []dictEntry{
		{"mode", fmt.Sprintf("%o", fi.Mode().Perm()|modeExtraBits(fi.Mode()))},
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		dict = append(dict,
			dictEntry{"atime", formatTimespec(st.Atim)},
			dictEntry{"ctime", formatTimespec(st.Ctim)},
			dictEntry{"mtime", formatTimespec(st.Mtim)},
			dictEntry{"user", fmt.Sprintf("%d", st.Uid)},
			dictEntry{"group", fmt.Sprintf("%d", st.Gid)},
		)
	}

	typeChar, err := inodeTypeChar(fi.Mode())
	if err != nil {
		s.opts.Log.Warning("scanner: %s: %v", full, err)
		return nil
	}

	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		contents, truncated, err := s.readSymlink(full, fi.Size())
		if err != nil {
			s.opts.Log.Warning("scanner: readlink %s: %v", full, err)
			return nil
		}
		if truncated {
			s.opts.Log.Warning("scanner: %s: symlink target grew past lstat size, truncated", full)
		}
		dict = append(dict, dictEntry{"contents", uriEncode(contents)})
		writeEntry(buf, relPath, typeChar, dict)

	case fi.Mode().IsRegular():
		if err := s.dumpRegularFile(buf, full, relPath, typeChar, dict); err != nil {
			s.opts.Log.Warning("scanner: %s: %v", full, err)
			return nil
		}

	case fi.IsDir():
		writeEntry(buf, relPath, typeChar, dict)

		entries, err := os.ReadDir(full)
		if err != nil {
			s.opts.Log.Warning("scanner: readdir %s: %v", full, err)
			return nil
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.Name() == "." || e.Name() == ".." {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			childRel := filepath.Join(relPath, name)
			if err := s.visit(buf, root, childRel); err != nil {
				return err
			}
		}

	default:
		// fifo, socket, char/block device: metadata only.
		writeEntry(buf, relPath, typeChar, dict)
	}

	return nil
}

func modeExtraBits(m os.FileMode) os.FileMode {
	var extra os.FileMode
	if m&os.ModeSetuid != 0 {
		extra |= 04000
	}
	if m&os.ModeSetgid != 0 {
		extra |= 02000
	}
	if m&os.ModeSticky != 0 {
		extra |= 01000
	}
	return extra
}

func inodeTypeChar(m os.FileMode) (byte, error) {
	switch {
	case m.IsRegular():
		return '-', nil
	case m.IsDir():
		return 'd', nil
	case m&os.ModeSymlink != 0:
		return 'l', nil
	case m&os.ModeNamedPipe != 0:
		return 'p', nil
	case m&os.ModeSocket != 0:
		return 's', nil
	case m&os.ModeCharDevice != 0:
		return 'c', nil
	case m&os.ModeDevice != 0:
		return 'b', nil
	default:
		return 0, fmt.Errorf("unrecognized file mode %v", m)
	}
}

// readSymlink reads the link target, using a buffer of size+2 and
// requiring len <= size -- if the kernel returns more, the target grew
// between lstat and readlink (spec §4.4: "Symlink: read the link using
// buffer size st_size+2 and require len <= st_size").
func (s *Scanner) readSymlink(path string, size int64) (target string, truncated bool, err error) {
	buf := make([]byte, size+2)
	n, err := syscall.Readlink(path, buf)
	if err != nil {
		return "", false, err
	}
	if int64(n) > size {
		return string(buf[:size]), true, nil
	}
	return string(buf[:n]), false, nil
}

// writeEntry appends one metadata stream entry to buf (spec §6: "Per
// entry: name:, type:, then dictionary lines ... followed by a blank
// line").
func writeEntry(buf *bytes.Buffer, relPath string, typeChar byte, dict []dictEntry) {
	fmt.Fprintf(buf, "name: %s\n", uriEncode(filepath.ToSlash(relPath)))
	fmt.Fprintf(buf, "type: %c\n", typeChar)
	for _, kv := range dict {
		fmt.Fprintf(buf, "%s: %s\n", kv.key, kv.value)
	}
	buf.WriteByte('\n')
}

// dumpRegularFile opens path defensively, dumps its content through
// dumpFile, and emits its metadata entry with the resulting size,
// checksum, and data fields (spec §4.4, "Regular file").
func (s *Scanner) dumpRegularFile(buf *bytes.Buffer, path, relPath string, typeChar byte, dict []dictEntry) error {
	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_NOATIME|syscall.O_NOFOLLOW|syscall.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		return fmt.Errorf("clear O_NONBLOCK: %w", err)
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("fstat: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("no longer a regular file (TOCTOU replacement?)")
	}

	checksum, dataField, err := s.dumpFile(relPath, f, fi.Size())
	if err != nil {
		return err
	}

	dict = append(dict,
		dictEntry{"size", fmt.Sprintf("%d", fi.Size())},
		dictEntry{"checksum", checksum},
		dictEntry{"data", dataField},
	)
	writeEntry(buf, relPath, typeChar, dict)
	return nil
}

// dumpFile splits f's content into fixed blocks, deduplicating each
// against the catalog, and returns the whole file's SHA-1 and the data
// field to emit (inline reference list or an indirect reference).
func (s *Scanner) dumpFile(relPath string, f *os.File, size int64) (checksum, dataField string, err error) {
	r := io.Reader(f)
	if s.rl != nil {
		r = s.rl.Reader(r)
	}

	// Wrap in readerOnly first so ReportingReader's Close (which closes
	// any underlying io.ReadCloser it finds) never reaches f itself --
	// dumpRegularFile's own defer f.Close() already owns that.
	rr := &util.ReportingReader{R: readerOnly{r}, Msg: relPath}
	defer rr.Close()
	r = rr

	h := sha1.New()
	var refs []objectref.Ref
	buf := make([]byte, BlockSize)

	for {
		n, rerr := readFull(r, buf)
		if n > 0 {
			block := buf[:n]
			h.Write(block)

			ref, err := s.storeBlock(block)
			if err != nil {
				return "", "", err
			}
			refs = append(refs, ref)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", "", fmt.Errorf("read: %w", rerr)
		}
	}

	checksum = hex.EncodeToString(h.Sum(nil))

	if len(refs) < IndirectThreshold {
		parts := make([]string, len(refs))
		for i, r := range refs {
			parts[i] = r.String()
		}
		dataField = strings.Join(parts, " ")
		return checksum, dataField, nil
	}

	var listBuf bytes.Buffer
	for _, r := range refs {
		listBuf.WriteString(r.String())
		listBuf.WriteByte('\n')
	}
	indirectRef, err := s.store.WriteObject(listBuf.Bytes(), "indirect")
	if err != nil {
		return "", "", err
	}
	return checksum, "@" + indirectRef.String(), nil
}

// readerOnly strips any Close method a wrapped reader might have, by
// exposing only the io.Reader interface it was constructed with rather
// than embedding the concrete type. util.ReportingReader.Close closes its
// underlying reader if that reader happens to implement io.ReadCloser;
// wrapping f (or a rateLimitedReader over it) in readerOnly keeps that
// reporting-only close from also closing the file dumpRegularFile still
// owns.
type readerOnly struct {
	io.Reader
}

// storeBlock deduplicates one block against the catalog: on a live hit, it
// reuses the existing reference; on a miss, it writes the block and
// records it (spec §4.4: "Dedup integration").
func (s *Scanner) storeBlock(block []byte) (objectref.Ref, error) {
	sum := sha1.Sum(block)
	checksum := hex.EncodeToString(sum[:])
	size := int64(len(block))

	if s.db != nil {
		if ref, ok, err := s.db.FindObject(checksum, size); err != nil {
			return objectref.Ref{}, err
		} else if ok {
			if err := s.db.UseObject(ref); err != nil {
				return objectref.Ref{}, err
			}
			return ref, nil
		}
	}

	ref, err := s.store.WriteObject(block, "data")
	if err != nil {
		return objectref.Ref{}, err
	}

	if s.db != nil {
		if err := s.db.StoreObject(ref, checksum, size, nil); err != nil {
			return objectref.Ref{}, err
		}
		if err := s.db.UseObject(ref); err != nil {
			return objectref.Ref{}, err
		}
	}

	return ref, nil
}

// readFull reads up to len(buf) bytes from r, looping past short reads
// (spec §4.4: "file_read loops, retrying EINTR, and returns fewer than
// requested bytes only at true EOF"). Go's io.Reader contract already
// permits returning less than len(buf) without error, so this just
// ensures we keep reading until the buffer is full or EOF is reached.
func readFull(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

func formatTimespec(ts syscall.Timespec) string {
	return fmt.Sprintf("%d.%09d", ts.Sec, ts.Nsec)
}
