package fim

import "errors"

// ErrSnapshotNotFound is returned by SnapshotStore.Get when no blob exists
// for the requested digest, or when the stored blob fails decryption or
// digest verification. Corrupt and absent are deliberately the same signal:
// the caller degrades to a change summary either way.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotStore is the content-addressed, size-bounded store of file
// content used to reconstruct diffs between scans.
type SnapshotStore interface {
	// Put stores plaintext keyed by its SHA-256 digest and returns the
	// digest. Storing content that already exists is a no-op. Every Put
	// enforces the retention cap by evicting oldest-written blobs.
	Put(plaintext []byte) (string, error)

	// Get retrieves the plaintext for a digest. The decrypted content is
	// re-digested and verified against the key before being returned.
	Get(digest string) ([]byte, error)

	// Accepts reports whether content of the given size fits under the
	// store's blob size ceiling. Callers check it before reading content
	// that Put would reject anyway.
	Accepts(size int64) bool
}
