// Package checksum computes content digests for files.
// The algorithm is fixed: SHA-256 over the full file content, streamed.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrEmptyFile is returned for zero-byte files. No digest is produced for
// them; callers treat this as "skip", not as a failure to surface.
var ErrEmptyFile = errors.New("empty file has no digest")

// Digest returns the hex-encoded SHA-256 digest of the file's content.
// The file is streamed, never buffered whole.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	if n == 0 {
		return "", ErrEmptyFile
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestAll digests a batch of paths, returning a path→digest map.
// Paths that fail (unreadable, empty) are silently omitted.
func DigestAll(paths []string) map[string]string {
	digests := make(map[string]string, len(paths))
	for _, p := range paths {
		d, err := Digest(p)
		if err != nil {
			continue
		}
		digests[p] = d
	}
	return digests
}

// Sum returns the hex-encoded SHA-256 digest of in-memory content.
// Used by the snapshot store to key blobs by plaintext digest.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
