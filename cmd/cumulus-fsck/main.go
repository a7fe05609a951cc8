// Command cumulus-fsck checks sealed segments in a staging directory:
// the "TAR round-trip" testable property from spec.md §8 (segment.Verify)
// and, for segments that were protected at sealing time, their
// Reed-Solomon parity sidecar (segment.Integrity.Check).
//
// Adapted from the teacher's cmd/rdso, which drove rdso.EncodeFile/
// CheckFile/RestoreFile directly over arbitrary files; this tool instead
// drives the segment package's domain-specific wrappers over a staging
// directory's *.tar segments.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mvrable/cumulus/segment"
	"github.com/mvrable/cumulus/util"
)

func main() {
	stagingDir := flag.String("staging", "", "staging directory containing sealed *.tar segments")
	concurrency := flag.Int("concurrency", 4, "number of segments to verify concurrently")
	checkParity := flag.Bool("parity", false, "also check Reed-Solomon parity sidecars (*.tar.rs)")
	flag.Parse()

	if *stagingDir == "" {
		fmt.Fprintln(os.Stderr, "usage: cumulus-fsck -staging <dir> [-parity] [-concurrency n]")
		os.Exit(1)
	}

	paths, err := segmentPaths(*stagingDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cumulus-fsck: %v\n", err)
		os.Exit(1)
	}

	log := util.NewLogger(true, false)
	failures := 0

	for _, r := range segment.Verify(paths, *concurrency) {
		if r.Err != nil {
			log.Error("%s: %v", r.Path, r.Err)
			failures++
			continue
		}
		log.Verbose("%s: ok", r.Path)

		if *checkParity {
			if _, err := os.Stat(r.Path + ".rs"); err != nil {
				continue
			}
			ok, err := segment.DefaultIntegrity.Check(r.Path, log)
			if err != nil {
				log.Error("%s: parity check: %v", r.Path, err)
				failures++
			} else if !ok {
				log.Error("%s: parity mismatch", r.Path)
				failures++
			}
		}
	}

	if failures > 0 {
		os.Exit(1)
	}
}

func segmentPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".tar" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}
