package remote

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mvrable/cumulus/util"
)

func TestAllocEnqueueSync(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(Options{StagingDir: dir, Log: util.NewLogger(false, false)})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	f, err := s.AllocFile("seg1.tar", "segment")
	if err != nil {
		t.Fatalf("AllocFile: %v", err)
	}
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Enqueue(f); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	s.Sync()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCloseWithoutScriptKeepsFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(Options{StagingDir: dir, Log: util.NewLogger(false, false)})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	f, err := s.AllocFile("keepme.tar", "segment")
	if err != nil {
		t.Fatalf("AllocFile: %v", err)
	}
	if err := s.Enqueue(f); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	s.Sync()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "keepme.tar")); err != nil {
		t.Errorf("expected local file to be retained without a transport script: %v", err)
	}
}

func TestScriptUnlinksOnCompletion(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(Options{StagingDir: dir, Script: "true", Log: util.NewLogger(false, false)})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	f, err := s.AllocFile("gone.tar", "segment")
	if err != nil {
		t.Fatalf("AllocFile: %v", err)
	}
	if err := s.Enqueue(f); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	s.Sync()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "gone.tar")); !os.IsNotExist(err) {
		t.Errorf("expected local file to be unlinked after a successful upload script, stat err = %v", err)
	}
}

func TestBackpressureBlocksProducer(t *testing.T) {
	dir := t.TempDir()
	// The trailing '#' turns the appended "<local> <type> <remote>"
	// arguments into a shell comment, so each upload is a plain 100ms sleep.
	s, err := NewStore(Options{StagingDir: dir, Script: "sleep 0.1 #", Log: util.NewLogger(false, false)})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	start := time.Now()
	const n = 10
	for i := 0; i < n; i++ {
		f, err := s.AllocFile(fmt.Sprintf("f%d.tar", i), "segment")
		if err != nil {
			t.Fatalf("AllocFile: %v", err)
		}
		if err := s.Enqueue(f); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	s.Sync()
	elapsed := time.Since(start)

	if elapsed < 900*time.Millisecond {
		t.Errorf("expected backpressure to serialize ~%d * 100ms uploads, only took %v", n, elapsed)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCloseAssertsNoOutstanding(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(Options{StagingDir: dir, Log: util.NewLogger(false, false)})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if _, err := s.AllocFile("never-enqueued.tar", "segment"); err != nil {
		t.Fatalf("AllocFile: %v", err)
	}

	if err := s.Close(); err == nil {
		t.Errorf("expected Close to report the un-enqueued allocation")
	}
}
