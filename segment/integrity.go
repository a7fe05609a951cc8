// segment/integrity.go
//
// Reed-Solomon parity for sealed segments, adapted from the teacher's
// rdso package (rdso/rdso.go). Cumulus itself never had this; it is a
// supplemented feature (SPEC_FULL.md, "Segment-level Reed-Solomon
// integrity") combining the teacher's rdso mechanism with the original's
// Fsck-minded culture around verifying what's on disk before shipping it.
package segment

import (
	"encoding/gob"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"

	"github.com/mvrable/cumulus/util"
)

// HashSize is the number of bytes in the digest used to fingerprint parity
// shards (kept from rdso.HashSize: SHAKE256 at 64 bytes).
const HashSize = 64

// ShardHash is a fixed-size secure hash of one shard chunk.
type ShardHash [HashSize]byte

func hashBytes(b []byte) ShardHash {
	var h ShardHash
	sha3.ShakeSum256(h[:], b)
	return h
}

// parityFile is the gob-encoded sidecar written next to a sealed segment,
// named "<segment>.tar.rs".
type parityFile struct {
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     []ShardHash
	ParityShards               [][]byte
}

// Integrity computes and verifies Reed-Solomon parity for sealed segment
// files, protecting them against bit rot while they sit in the staging
// directory awaiting upload.
type Integrity struct {
	NDataShards   int
	NParityShards int
	HashRate      int64
}

// DefaultIntegrity matches the shard counts the teacher used for its
// on-disk parity files: enough redundancy to recover from a couple of
// corrupted shards without doubling storage.
var DefaultIntegrity = Integrity{NDataShards: 10, NParityShards: 2, HashRate: 1 << 20}

// Protect computes parity shards for the sealed segment at path and writes
// them to path+".rs".
func (ig Integrity) Protect(path string) error {
	data, size, err := readAndShard(path, ig.NDataShards)
	if err != nil {
		return err
	}

	pf := parityFile{FileSize: size, NDataShards: ig.NDataShards, NParityShards: ig.NParityShards, HashRate: ig.HashRate}
	for i := 0; i < ig.NParityShards; i++ {
		pf.ParityShards = append(pf.ParityShards, make([]byte, len(data[0])))
	}

	enc, err := reedsolomon.New(ig.NDataShards, ig.NParityShards)
	if err != nil {
		return util.InvariantError("segment.Integrity.Protect: reedsolomon.New", err)
	}
	all := append(append([][]byte{}, data...), pf.ParityShards...)
	if err := enc.Encode(all); err != nil {
		return util.IOError("segment.Integrity.Protect: encode", err)
	}

	for _, s := range data {
		pf.Hashes = append(pf.Hashes, hashChunks(shardBy(s, ig.HashRate))...)
	}
	for _, s := range pf.ParityShards {
		pf.Hashes = append(pf.Hashes, hashChunks(shardBy(s, ig.HashRate))...)
	}

	out, err := os.Create(path + ".rs")
	if err != nil {
		return util.IOError("segment.Integrity.Protect: create", err)
	}
	if err := gob.NewEncoder(out).Encode(pf); err != nil {
		out.Close()
		return util.IOError("segment.Integrity.Protect: gob encode", err)
	}
	return util.IOError("segment.Integrity.Protect: close", out.Close())
}

// Check verifies the sealed segment at path against its "path.rs" parity
// sidecar, logging a warning for each mismatching chunk. It does not
// repair -- repair is left to a future pass over staging, since a
// corrupted segment observed here hasn't been uploaded yet and can simply
// be rebuilt from the local catalog state that produced it.
func (ig Integrity) Check(path string, log *util.Logger) (ok bool, err error) {
	f, err := os.Open(path + ".rs")
	if err != nil {
		return false, util.IOError("segment.Integrity.Check: open sidecar", err)
	}
	defer f.Close()

	var pf parityFile
	if err := gob.NewDecoder(f).Decode(&pf); err != nil {
		return false, util.FormatError("segment.Integrity.Check: decode sidecar", err)
	}

	data, _, err := readAndShard(path, pf.NDataShards)
	if err != nil {
		return false, err
	}

	var all [][][]byte
	for _, s := range data {
		all = append(all, shardBy(s, pf.HashRate))
	}
	for _, s := range pf.ParityShards {
		all = append(all, shardBy(s, pf.HashRate))
	}

	mismatches := 0
	chunks := len(all[0])
	for c := 0; c < chunks; c++ {
		for s := 0; s < len(all); s++ {
			if hashBytes(all[s][c]) != pf.Hashes[s*chunks+c] {
				mismatches++
				if log != nil {
					log.Warning("%s: shard %d chunk %d hash mismatch", path, s, c)
				}
			}
		}
	}
	return mismatches == 0, nil
}

func readAndShard(path string, n int) (shards [][]byte, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, util.IOError("segment.readAndShard: open", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, 0, util.IOError("segment.readAndShard: stat", err)
	}
	size = fi.Size()

	shardSize := (size + int64(n) - 1) / int64(n)
	buf := make([]byte, int64(n)*shardSize)
	if _, err := io.ReadFull(f, buf[:size]); err != nil {
		return nil, 0, util.IOError("segment.readAndShard: read", err)
	}
	buf = buf[:cap(buf)]

	return shardBy(buf, shardSize), size, nil
}

func shardBy(b []byte, size int64) (s [][]byte) {
	for int64(len(b)) > size {
		s = append(s, b[:size])
		b = b[size:]
	}
	return append(s, b)
}

func hashChunks(chunks [][]byte) []ShardHash {
	hashes := make([]ShardHash, len(chunks))
	for i, c := range chunks {
		hashes[i] = hashBytes(c)
	}
	return hashes
}
