package gateways

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileHasher_HashFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "libfoo.so.1")
	content := []byte("Hello, World! This is a test file for content hashing.")
	if err := os.WriteFile(testFile, content, 0600); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	hasher := NewFileHasher()

	sum, err := hasher.HashFile(testFile)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	if len(sum) != 32 {
		t.Errorf("HashFile() returned length = %d, want 32 (XXH3-128 hex)", len(sum))
	}

	again, err := hasher.HashFile(testFile)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	if sum != again {
		t.Errorf("HashFile() not stable: %s != %s", sum, again)
	}

	t.Run("valid checksum", func(t *testing.T) {
		if err := hasher.VerifyFile(testFile, sum); err != nil {
			t.Errorf("VerifyFile() with valid checksum error = %v", err)
		}
	})

	t.Run("invalid checksum", func(t *testing.T) {
		if err := hasher.VerifyFile(testFile, "00000000000000000000000000000000"); err == nil {
			t.Error("VerifyFile() with invalid checksum should return error")
		}
	})

	t.Run("non-existent file", func(t *testing.T) {
		if _, err := hasher.HashFile("/nonexistent/file.so"); err == nil {
			t.Error("HashFile() with non-existent file should return error")
		}
	})
}

func TestFileHasher_DifferentContent(t *testing.T) {
	tmpDir := t.TempDir()
	a := filepath.Join(tmpDir, "a.so")
	b := filepath.Join(tmpDir, "b.so")
	if err := os.WriteFile(a, []byte("one"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("two"), 0600); err != nil {
		t.Fatal(err)
	}

	hasher := NewFileHasher()
	sumA, err := hasher.HashFile(a)
	if err != nil {
		t.Fatal(err)
	}
	sumB, err := hasher.HashFile(b)
	if err != nil {
		t.Fatal(err)
	}
	if sumA == sumB {
		t.Errorf("expected different hashes, both %s", sumA)
	}
}

func TestFileHasher_HashBytesMatchesHashFile(t *testing.T) {
	content := []byte("\x7fELF grafted library")
	path := filepath.Join(t.TempDir(), "libbar.so.2")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}

	hasher := NewFileHasher()
	fromFile, err := hasher.HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := hasher.HashBytes(content); got != fromFile {
		t.Errorf("HashBytes() = %s, HashFile() = %s", got, fromFile)
	}
	if hasher.HashBytes([]byte("other")) == fromFile {
		t.Error("HashBytes() collided for different content")
	}
}
