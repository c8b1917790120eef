package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HashBytes computes the SHA256 hash of raw bytes as lowercase hex.
// This is the content hash used for deduplication and blob keys.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}

// HashFile computes the SHA256 hash of a file by streaming.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// NewPackageID generates an opaque package identifier.
func NewPackageID() string {
	b := make([]byte, 12)
	rand.Read(b)
	return "pkg_" + hex.EncodeToString(b)
}
