// Command cumulus-backup is a minimal example driver wiring the four core
// subsystems together for one snapshot run. It is intentionally small:
// the actual command-line driver, its configuration loading, and its
// cryptographic filter scripts are external collaborators per spec.md §1
// and are not reimplemented here (compare the teacher's much larger
// cmd/bk, which owns backup/restore/fsck/fuse together).
package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/mvrable/cumulus/localdb"
	"github.com/mvrable/cumulus/remote"
	"github.com/mvrable/cumulus/scanner"
	"github.com/mvrable/cumulus/segment"
	"github.com/mvrable/cumulus/util"
)

func main() {
	root := flag.String("root", "", "filesystem path to back up")
	staging := flag.String("staging", "", "staging directory for segments")
	catalog := flag.String("db", "", "path to the local catalog database")
	snapshotName := flag.String("name", "snapshot", "name to record for this snapshot")
	uploadScript := flag.String("upload-script", "", "external upload script, invoked as '<script> <local> <type> <remote>'")
	protect := flag.Bool("protect", false, "write a Reed-Solomon parity sidecar for each sealed segment")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	log := util.NewLogger(*verbose, *verbose)

	if *root == "" || *staging == "" || *catalog == "" {
		log.Fatal("usage: cumulus-backup -root <path> -staging <dir> -db <path> [-name snapshot] [-upload-script script]")
	}

	db, err := localdb.Open(*catalog, *snapshotName, "", log)
	log.CheckError(err)

	var uploader *remote.Store
	if *uploadScript != "" {
		// A separate subdirectory, rather than *staging itself, so that
		// AllocFile's local path never coincides with the sealed segment's
		// own path in segment.Store's staging directory.
		uploadDir := filepath.Join(*staging, "uploading")
		uploader, err = remote.NewStore(remote.Options{StagingDir: uploadDir, Script: *uploadScript, Log: log})
		log.CheckError(err)
	}

	opts := segment.Options{
		StagingDir: *staging,
		Catalog:    db,
		Uploader:   uploaderOrNil(uploader),
		Log:        log,
	}
	if *protect {
		ig := segment.DefaultIntegrity
		opts.Integrity = &ig
	}

	store, err := segment.NewStore(opts)
	log.CheckError(err)

	sc := scanner.New(store, db, scanner.Options{Log: log})
	defer sc.Close()

	rootRef, err := sc.Dump(*root)
	log.CheckError(err)
	log.Verbose("root object: %s", rootRef.String())

	log.CheckError(store.Sync())

	if uploader != nil {
		uploader.Sync()
		log.CheckError(uploader.Close())
	}

	log.CheckError(db.Close())

	os.Exit(0)
}

// uploaderOrNil adapts a possibly-nil *remote.Store to a possibly-nil
// segment.Uploader: a nil *remote.Store stored in a non-nil interface
// value would otherwise make segment.Store think an uploader is attached.
func uploaderOrNil(s *remote.Store) segment.Uploader {
	if s == nil {
		return nil
	}
	return s
}
