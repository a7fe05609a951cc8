// Command cumulus-gcs-upload is a reference implementation of the
// external upload script contract from spec.md §6: invoked as
// "<script> <local_path> <type> <remote_path>", it uploads local_path to
// the configured GCS bucket under remote_path and exits non-zero on
// failure.
//
// Grounded in the teacher's storage/gcs.go (gcsFileStorage.upload): buffer
// the file, upload to a temporary object, verify the CRC32C GCS computed
// against a locally-computed one, then copy into place.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"

	gcs "cloud.google.com/go/storage"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func main() {
	bucket := flag.String("bucket", os.Getenv("CUMULUS_GCS_BUCKET"), "destination GCS bucket")
	flag.Parse()

	args := flag.Args()
	if len(args) != 3 || *bucket == "" {
		log.Fatalf("usage: cumulus-gcs-upload -bucket <bucket> <local_path> <type> <remote_path>")
	}
	localPath, fileType, remotePath := args[0], args[1], args[2]

	if err := upload(*bucket, localPath, fileType, remotePath); err != nil {
		log.Printf("cumulus-gcs-upload: %v", err)
		os.Exit(1)
	}
}

func upload(bucket, localPath, fileType, remotePath string) error {
	ctx := context.Background()

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("gcs client: %w", err)
	}
	defer client.Close()

	buf, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}

	objName := objectName(fileType, remotePath)
	obj := client.Bucket(bucket).Object(objName)
	tmpObj := client.Bucket(bucket).Object(objName + ".tmp")
	defer tmpObj.Delete(ctx)

	w := tmpObj.NewWriter(ctx)
	w.ChunkSize = 256 * 1024
	if _, err := io.Copy(w, bytes.NewReader(buf)); err != nil {
		w.Close()
		return fmt.Errorf("upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload close: %w", err)
	}

	localCRC := crc32.Checksum(buf, castagnoliTable)
	if gcsCRC := w.Attrs().CRC32C; localCRC != gcsCRC {
		return fmt.Errorf("%s: CRC32 mismatch: local %d, gcs %d", objName, localCRC, gcsCRC)
	}

	copier := obj.CopierFrom(tmpObj)
	copier.ContentType = "application/octet-stream"
	_, err = copier.Run(ctx)
	return err
}

func objectName(fileType, remotePath string) string {
	return fileType + "/" + remotePath
}
