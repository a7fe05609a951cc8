package scanner

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mvrable/cumulus/localdb"
	"github.com/mvrable/cumulus/segment"
	"github.com/mvrable/cumulus/util"
)

func TestURIEncodeIdempotent(t *testing.T) {
	cases := []string{
		"simple",
		"with spaces/and%percent",
		"über/file",
		"",
	}
	for _, c := range cases {
		once := uriEncode(c)
		twice := uriEncode(once)
		if once != twice {
			t.Errorf("uriEncode not idempotent for %q: once=%q twice=%q", c, once, twice)
		}
		if got := uriDecode(once); got != c {
			t.Errorf("uriDecode(uriEncode(%q)) = %q", c, got)
		}
	}
}

func newTestScanner(t *testing.T) *Scanner {
	t.Helper()
	stagingDir := t.TempDir()
	store, err := segment.NewStore(segment.Options{StagingDir: stagingDir, TargetSize: 1 << 30})
	if err != nil {
		t.Fatalf("segment.NewStore: %v", err)
	}

	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	db, err := localdb.Open(dbPath, "scanner-test", "", nil)
	if err != nil {
		t.Fatalf("localdb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := New(store, db, Options{Log: util.NewLogger(false, false)})
	t.Cleanup(s.Close)
	return s
}

func TestDumpEmptyFile(t *testing.T) {
	s := newTestScanner(t)

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a"), nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	buf, err := s.buildMetadata(root)
	if err != nil {
		t.Fatalf("buildMetadata: %v", err)
	}
	text := buf.String()

	if !strings.Contains(text, "name: a\n") {
		t.Errorf("metadata stream missing entry for 'a':\n%s", text)
	}
	if !strings.Contains(text, "type: -\n") {
		t.Errorf("expected type '-' for a regular file:\n%s", text)
	}
	emptySHA1 := hex.EncodeToString(sha1.New().Sum(nil))
	if !strings.Contains(text, "checksum: "+emptySHA1+"\n") {
		t.Errorf("expected empty-file sha1 checksum %s:\n%s", emptySHA1, text)
	}
}

func TestDumpSmallFileInlineRefs(t *testing.T) {
	s := newTestScanner(t)

	root := t.TempDir()
	data := bytes.Repeat([]byte{0xAB}, 3*BlockSize)
	if err := os.WriteFile(filepath.Join(root, "b"), data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	buf, err := s.buildMetadata(root)
	if err != nil {
		t.Fatalf("buildMetadata: %v", err)
	}
	text := buf.String()

	sum := sha1.Sum(data)
	want := hex.EncodeToString(sum[:])
	if !strings.Contains(text, "checksum: "+want+"\n") {
		t.Errorf("checksum mismatch, wanted %s in:\n%s", want, text)
	}

	dataLine := extractField(text, "data")
	if len(strings.Fields(dataLine)) != 3 {
		t.Errorf("expected 3 inline block references, got %q", dataLine)
	}
}

func TestDumpLargeFileIndirect(t *testing.T) {
	s := newTestScanner(t)

	root := t.TempDir()
	data := bytes.Repeat([]byte{0x11, 0x22}, 8*BlockSize)
	if err := os.WriteFile(filepath.Join(root, "c"), data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	buf, err := s.buildMetadata(root)
	if err != nil {
		t.Fatalf("buildMetadata: %v", err)
	}
	text := buf.String()

	dataLine := extractField(text, "data")
	if !strings.HasPrefix(dataLine, "@") {
		t.Errorf("expected an indirect data field, got %q", dataLine)
	}
}

func TestDedupAcrossFiles(t *testing.T) {
	s := newTestScanner(t)

	root := t.TempDir()
	data := bytes.Repeat([]byte{0x55}, 2*BlockSize)
	if err := os.WriteFile(filepath.Join(root, "x"), data, 0644); err != nil {
		t.Fatalf("WriteFile x: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "y"), data, 0644); err != nil {
		t.Fatalf("WriteFile y: %v", err)
	}

	buf, err := s.buildMetadata(root)
	if err != nil {
		t.Fatalf("buildMetadata: %v", err)
	}
	text := buf.String()

	fields := findAllFields(text, "data")
	if len(fields) != 2 {
		t.Fatalf("expected two file entries with data fields, got %d", len(fields))
	}
	if fields[0] != fields[1] {
		t.Errorf("expected identical files to reuse the same block references: %q vs %q", fields[0], fields[1])
	}
}

func TestSymlinkContents(t *testing.T) {
	s := newTestScanner(t)

	root := t.TempDir()
	if err := os.Symlink("target", filepath.Join(root, "link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	buf, err := s.buildMetadata(root)
	if err != nil {
		t.Fatalf("buildMetadata: %v", err)
	}
	text := buf.String()

	if !strings.Contains(text, "type: l\n") {
		t.Errorf("expected type 'l' for a symlink:\n%s", text)
	}
	if !strings.Contains(text, "contents: target\n") {
		t.Errorf("expected contents: target:\n%s", text)
	}
}

// TestUtilizationNeverExceedsOne reproduces the scenario that exposed a
// seal-ordering bug: a file large enough that WriteObject seals a segment
// mid-dump, before the triggering block's catalog row existed. A small
// TargetSize (unlike newTestScanner's huge one) forces segment.Store to
// actually seal during the dump, and Sync+Close runs the full close-time
// utilization roll-up (spec §3/§8: utilization must stay in (0.0, 1.0]).
func TestUtilizationNeverExceedsOne(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	db, err := localdb.Open(dbPath, "utilization-test", "", nil)
	if err != nil {
		t.Fatalf("localdb.Open: %v", err)
	}

	stagingDir := t.TempDir()
	store, err := segment.NewStore(segment.Options{StagingDir: stagingDir, TargetSize: 4 * BlockSize, Catalog: db})
	if err != nil {
		t.Fatalf("segment.NewStore: %v", err)
	}

	s := New(store, db, Options{Log: util.NewLogger(false, false)})
	defer s.Close()

	root := t.TempDir()
	// Every block gets its own byte value so that dedup does not collapse
	// them and the data segments really fill up and seal mid-dump.
	data := make([]byte, 16*BlockSize)
	for i := range data {
		data[i] = byte(i / BlockSize)
	}
	if err := os.WriteFile(filepath.Join(root, "big"), data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := s.Dump(root); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if err := store.Sync(); err != nil {
		t.Fatalf("store.Sync: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("db.Close: %v", err)
	}

	reopened, err := localdb.Open(dbPath, "check", "", nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	segments, err := reopened.LowUtilizationSegments(1e9)
	if err != nil {
		t.Fatalf("LowUtilizationSegments: %v", err)
	}
	if len(segments) == 0 {
		t.Fatal("expected at least one segment with recorded utilization")
	}
	for _, seg := range segments {
		if seg.Utilization > 1.0 {
			t.Errorf("segment %s utilization %v exceeds 1.0", seg.Segment, seg.Utilization)
		}
		if seg.Utilization <= 0.0 {
			t.Errorf("segment %s utilization %v is not positive", seg.Segment, seg.Utilization)
		}
	}
}

func TestDirectoryRecursion(t *testing.T) {
	s := newTestScanner(t)

	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "f"), []byte("hi"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	buf, err := s.buildMetadata(root)
	if err != nil {
		t.Fatalf("buildMetadata: %v", err)
	}
	text := buf.String()

	if !strings.Contains(text, "name: sub\n") {
		t.Errorf("missing directory entry:\n%s", text)
	}
	if !strings.Contains(text, "name: sub/f\n") {
		t.Errorf("missing nested file entry:\n%s", text)
	}
}

func extractField(text, key string) string {
	for _, entry := range strings.Split(text, "\n\n") {
		for _, line := range strings.Split(entry, "\n") {
			if strings.HasPrefix(line, key+": ") {
				return strings.TrimPrefix(line, key+": ")
			}
		}
	}
	return ""
}

func findAllFields(text, key string) []string {
	var out []string
	for _, entry := range strings.Split(text, "\n\n") {
		for _, line := range strings.Split(entry, "\n") {
			if strings.HasPrefix(line, key+": ") {
				out = append(out, strings.TrimPrefix(line, key+": "))
			}
		}
	}
	return out
}
