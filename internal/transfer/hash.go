package transfer

import (
	"crypto/md5" //nolint:gosec // MD5 is the service's content checksum, not a security primitive
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/tonimelisma/gcs-go/internal/gcs"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksums holds the base64 digests the service reports for an object.
type Checksums struct {
	MD5    string
	CRC32C string
}

// checksummer computes MD5 and CRC32C in one pass.
type checksummer struct {
	md5    hash.Hash
	crc32c hash.Hash32
}

func newChecksummer() *checksummer {
	return &checksummer{
		md5:    md5.New(), //nolint:gosec // see import
		crc32c: crc32.New(castagnoli),
	}
}

func (c *checksummer) Write(p []byte) (int, error) {
	c.md5.Write(p)
	c.crc32c.Write(p)

	return len(p), nil
}

func (c *checksummer) sums() Checksums {
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], c.crc32c.Sum32())

	return Checksums{
		MD5:    base64.StdEncoding.EncodeToString(c.md5.Sum(nil)),
		CRC32C: base64.StdEncoding.EncodeToString(crc[:]),
	}
}

// ComputeChecksums hashes a file with constant memory.
func ComputeChecksums(fsPath string) (Checksums, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return Checksums{}, fmt.Errorf("opening %s for hashing: %w", fsPath, err)
	}
	defer f.Close()

	c := newChecksummer()
	if _, err := io.Copy(c, f); err != nil {
		return Checksums{}, fmt.Errorf("hashing %s: %w", fsPath, err)
	}

	return c.sums(), nil
}

// RemoteChecksums renders an object's digests in the same form as
// ComputeChecksums. Composite objects carry no MD5; fields the object lacks
// stay empty.
func RemoteChecksums(obj *gcs.Object) Checksums {
	var out Checksums

	if len(obj.MD5) > 0 {
		out.MD5 = base64.StdEncoding.EncodeToString(obj.MD5)
	}

	if obj.HasCRC32C {
		var crc [4]byte
		binary.BigEndian.PutUint32(crc[:], obj.CRC32C)
		out.CRC32C = base64.StdEncoding.EncodeToString(crc[:])
	}

	return out
}

// verify compares local against remote, preferring MD5. checked is false
// when the remote side has no usable digest.
func verify(local, remote Checksums) (match, checked bool) {
	switch {
	case remote.MD5 != "":
		return local.MD5 == remote.MD5, true
	case remote.CRC32C != "":
		return local.CRC32C == remote.CRC32C, true
	default:
		return false, false
	}
}
