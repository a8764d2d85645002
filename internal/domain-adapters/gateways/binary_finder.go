package gateways

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// BinaryFinder locates ELF files inside an unpacked artifact
type BinaryFinder struct{}

// NewBinaryFinder creates a new binary finder
func NewBinaryFinder() *BinaryFinder {
	return &BinaryFinder{}
}

// FindRecursive returns every regular ELF file under dir in lexical order.
// Symlinks are skipped so SONAME links are not audited twice.
func (f *BinaryFinder) FindRecursive(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact directory does not exist: %s", dir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	var binaries []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		ok, err := isELF(path)
		if err != nil {
			return err
		}
		if ok {
			binaries = append(binaries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	sort.Strings(binaries)
	return binaries, nil
}

func isELF(path string) (bool, error) {
	//nolint:gosec // G304: path comes from walking the user-selected artifact
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	//nolint:errcheck // Defer close
	defer file.Close()

	head := make([]byte, len(elfMagic))
	if _, err := io.ReadFull(file, head); err != nil {
		// shorter than the magic
		return false, nil
	}
	return bytes.Equal(head, elfMagic), nil
}
