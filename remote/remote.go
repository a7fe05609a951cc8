// Package remote implements the asynchronous upload pipeline: Store stages
// completed segment files for transfer and hands them, one at a time, to a
// single background worker that runs an external upload script. Enqueuing
// blocks once the queue reaches capacity, giving the driver bounded
// backpressure instead of an unbounded staging directory.
//
// Grounded directly in the original Cumulus RemoteStore/RemoteFile
// (original_source/remote.cc): the MAX_QUEUE_SIZE constant, the fork/exec
// upload-script contract, and -- most load-bearing -- the busy/condition
// variable state machine (spec §9, "Condition-variable idiom": busy must
// be set false BEFORE waiting and broadcast AFTER every state change, or
// sync() deadlocks).
package remote

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/mvrable/cumulus/util"
)

// MaxQueueSize bounds how many sealed files may be waiting for upload at
// once (spec §4.5, §8: "Enqueuing more than MAX_QUEUE_SIZE items causes the
// producer to block").
const MaxQueueSize = 4

// Options configures a Store.
type Options struct {
	StagingDir string
	// Script is the external upload command, invoked as
	// `/bin/sh -c "<script> <local> <type> <remote>"` (spec §6). Empty
	// means no transport: files stay in the staging directory.
	Script string
	Log    *util.Logger
}

// Store owns the single upload worker goroutine and the bounded transfer
// queue (spec §4.5: "RemoteStore").
type Store struct {
	opts Options

	mu    sync.Mutex
	cond  *sync.Cond
	queue []*File

	busy        bool
	terminate   bool
	outstanding int

	done chan struct{}
}

// NewStore starts a Store with its background worker running.
func NewStore(opts Options) (*Store, error) {
	if err := os.MkdirAll(opts.StagingDir, 0700); err != nil {
		return nil, util.IOError("remote.NewStore", err)
	}

	s := &Store{opts: opts, busy: true, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)

	go s.transferLoop()

	return s, nil
}

// File is a handle to a file staged for upload. It is created by AllocFile
// and written to directly; Enqueue transfers ownership to the Store.
type File struct {
	store      *Store
	name       string
	fileType   string
	localPath  string
	remotePath string
	f          *os.File
}

// AllocFile creates an empty file in the staging directory and returns a
// writable handle (spec §4.5: "alloc_file"). It increments the outstanding
// counter, which Close's "outstanding == 0" assertion checks against.
func (s *Store) AllocFile(name, fileType string) (io.WriteCloser, error) {
	s.mu.Lock()
	s.outstanding++
	s.mu.Unlock()

	localPath := filepath.Join(s.opts.StagingDir, name)
	f, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		s.mu.Lock()
		s.outstanding--
		s.mu.Unlock()
		return nil, util.IOError("remote.AllocFile", err)
	}

	return &File{store: s, name: name, fileType: fileType, localPath: localPath, remotePath: name, f: f}, nil
}

func (rf *File) Write(p []byte) (int, error) { return rf.f.Write(p) }
func (rf *File) Name() string                { return rf.name }

// Close closes the local file handle without enqueuing it. Callers that
// allocated a file and decide not to ship it must still call this (and
// separately account for the outstanding decrement themselves via
// Enqueue, or the Store's shutdown assertion will fail).
func (rf *File) Close() error {
	return util.IOError("remote.File.Close", rf.f.Close())
}

// Enqueue transfers ownership of w to the Store (spec §4.5: "enqueue").
// It blocks while the queue already holds MaxQueueSize files. w must be a
// handle previously returned by AllocFile on the same Store.
func (s *Store) Enqueue(w io.WriteCloser) error {
	f, ok := w.(*File)
	if !ok || f.store != s {
		return util.InvariantError("remote.Enqueue",
			fmt.Errorf("handle was not allocated by this Store"))
	}

	if err := f.f.Close(); err != nil {
		return util.IOError("remote.Enqueue: close before transfer", err)
	}

	s.mu.Lock()
	for len(s.queue) >= MaxQueueSize {
		s.cond.Wait()
	}

	s.queue = append(s.queue, f)
	s.outstanding--
	s.busy = true
	s.cond.Broadcast()
	s.mu.Unlock()

	return nil
}

// Sync blocks until busy is false: the queue is empty and no transfer is
// in flight (spec §4.5: "sync()").
func (s *Store) Sync() {
	s.mu.Lock()
	for s.busy {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Close terminates the background worker and waits for it to exit. It
// returns an Invariant-class error if any allocated file was never
// enqueued -- that is an invariant violation by the caller, matching the
// original's `assert(files_outstanding == 0)` (spec §4.5: "Destruction").
func (s *Store) Close() error {
	s.mu.Lock()
	s.terminate = true
	s.cond.Broadcast()
	s.mu.Unlock()

	<-s.done

	s.mu.Lock()
	outstanding := s.outstanding
	s.mu.Unlock()
	if outstanding != 0 {
		return util.InvariantError("remote.Close",
			fmt.Errorf("%d allocated files were never enqueued", outstanding))
	}
	return nil
}

// transferLoop is the single background worker. Its predicate discipline
// is the crux of the whole package: busy is cleared only while genuinely
// idle (empty queue, nothing in flight), and every transition out of that
// state broadcasts so a blocked Sync wakes up.
func (s *Store) transferLoop() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.terminate {
			s.busy = false
			s.cond.Broadcast()
			s.cond.Wait()
		}
		if s.terminate && len(s.queue) == 0 {
			s.busy = false
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}

		s.busy = true
		f := s.queue[0]
		s.queue = s.queue[1:]
		s.cond.Broadcast()
		s.mu.Unlock()

		s.transfer(f)
	}
}

func (s *Store) transfer(f *File) {
	if s.opts.Script != "" {
		cmd := exec.Command("/bin/sh", "-c",
			fmt.Sprintf("%s %s %s %s", s.opts.Script, f.localPath, f.fileType, f.remotePath))
		if err := cmd.Run(); err != nil {
			s.logWarning("remote: upload script error for %s: %v", f.localPath, err)
		}

		if err := os.Remove(f.localPath); err != nil {
			s.logWarning("remote: deleting staged file %s: %v", f.localPath, err)
		}
	}
}

// logWarning is a nil-safe wrapper around opts.Log.Warning: Options.Log is
// optional, but transfer runs on the background worker where there is no
// caller to return an error to, so a missing logger must not panic.
func (s *Store) logWarning(format string, args ...interface{}) {
	if s.opts.Log != nil {
		s.opts.Log.Warning(format, args...)
	}
}
