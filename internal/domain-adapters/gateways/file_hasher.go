package gateways

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"
)

// fileHasher computes 128-bit XXH3 content hashes. Grafted libraries are
// named after the first eight hex digits, so the hash only has to be stable
// and well distributed, not cryptographic.
type fileHasher struct{}

// NewFileHasher creates a new file hasher
//
//nolint:revive // unexported-return: Intentionally returns concrete type for testability
func NewFileHasher() *fileHasher {
	return &fileHasher{}
}

// HashFile returns the hex XXH3-128 digest of the file contents
func (h *fileHasher) HashFile(filePath string) (string, error) {
	//nolint:gosec // G304: path is a library found by the resolver
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	//nolint:errcheck // Defer close on read-only file
	defer f.Close()

	hasher := xxh3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	sum := hasher.Sum128().Bytes()
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the hex XXH3-128 digest of data
func (h *fileHasher) HashBytes(data []byte) string {
	sum := xxh3.Hash128(data).Bytes()
	return hex.EncodeToString(sum[:])
}

// VerifyFile checks that the file at filePath hashes to expectedSum
func (h *fileHasher) VerifyFile(filePath, expectedSum string) error {
	actualSum, err := h.HashFile(filePath)
	if err != nil {
		return err
	}
	if actualSum != expectedSum {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expectedSum, actualSum)
	}
	return nil
}
