package registry

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// DigestPrefix tags artifact digests.
const DigestPrefix = "blake3:"

// Digest returns the content digest of a plugin binary.
func Digest(bin []byte) string {
	sum := blake3.Sum256(bin)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// Digest hashes the artifact file.
func (a Artifact) Digest() (string, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", a.Path, err)
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", a.Path, err)
	}
	return DigestPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
