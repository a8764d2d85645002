// Package gateways defines interfaces for infrastructure the domain depends on.
package gateways

import (
	"context"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
)

// BinaryParser loads binary images from disk.
// Implementations must not execute or map the binary.
type BinaryParser interface {
	Parse(ctx context.Context, path string) (entities.BinaryImage, error)
}

// BinaryPatcher rewrites the dynamic linking metadata of a binary in place
type BinaryPatcher interface {
	Patch(ctx context.Context, path string, edit entities.DynamicEdit) error
}

// FileHasher computes content hashes used to name grafted libraries
type FileHasher interface {
	HashFile(path string) (string, error)
	HashBytes(data []byte) string
	VerifyFile(path, expectedSum string) error
}

// SystemDirsProvider lists the system library directories for a sysroot
type SystemDirsProvider interface {
	SystemDirs(sysroot string, arch entities.Architecture) []string
}
