package gateways

import (
	"context"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
	"github.com/ochairo/wheelaudit/internal/testutil/elfbuild"
)

func TestELFParser_DynamicSection(t *testing.T) {
	dir := t.TempDir()
	path := elfbuild.Write(t, dir, "libdemo.so.1", elfbuild.Spec{
		Soname:  "libdemo.so.1",
		Needed:  []string{"libz.so.1", "libc.so.6", "libz.so.1"},
		Rpath:   "$ORIGIN/a:/opt/b",
		Runpath: "$ORIGIN/../lib",
	})

	img, err := NewELFParserGateway().Parse(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, path, img.Path())
	assert.Equal(t, entities.FormatELF, img.Format())
	assert.Equal(t, entities.ArchX8664, img.Architecture())
	assert.Equal(t, 64, img.Class())
	assert.Equal(t, "libdemo.so.1", img.Soname())
	assert.Equal(t, []string{"libz.so.1", "libc.so.6", "libz.so.1"}, img.Needed(), "order and duplicates preserved")
	assert.Equal(t, []string{"$ORIGIN/a", "/opt/b"}, img.Rpath())
	assert.Equal(t, []string{"$ORIGIN/../lib"}, img.Runpath())
	assert.Empty(t, img.Interpreter())
	assert.False(t, img.IsPIE())
}

func TestELFParser_VersionedImports(t *testing.T) {
	dir := t.TempDir()
	path := elfbuild.Write(t, dir, "ext.so", elfbuild.Spec{
		Needed: []string{"libc.so.6", "libm.so.6"},
		Imports: []elfbuild.Symbol{
			{Name: "memcpy", Version: "GLIBC_2.14", Library: "libc.so.6"},
			{Name: "printf", Version: "GLIBC_2.2.5", Library: "libc.so.6"},
			{Name: "cos", Version: "GLIBC_2.2.5", Library: "libm.so.6"},
			{Name: "PyFloat_AsDouble"},
		},
		Exports: []elfbuild.Symbol{{Name: "PyInit_ext"}},
	})

	img, err := NewELFParserGateway().Parse(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, []entities.SymbolRef{
		{Name: "PyFloat_AsDouble"},
		{Name: "cos", Version: "GLIBC_2.2.5", Library: "libm.so.6"},
		{Name: "memcpy", Version: "GLIBC_2.14", Library: "libc.so.6"},
		{Name: "printf", Version: "GLIBC_2.2.5", Library: "libc.so.6"},
	}, img.ImportedSymbols())
	assert.Equal(t, []entities.SymbolRef{{Name: "PyInit_ext"}}, img.ExportedSymbols())

	assert.Equal(t, []entities.VersionNeed{
		{Library: "libc.so.6", Versions: []string{"GLIBC_2.14", "GLIBC_2.2.5"}},
		{Library: "libm.so.6", Versions: []string{"GLIBC_2.2.5"}},
	}, img.VersionRequirements())
	assert.Equal(t, "memcpy@GLIBC_2.14", img.ImportedSymbols()[2].String())
}

func TestELFParser_VersionDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := elfbuild.Write(t, dir, "libfoo.so.1", elfbuild.Spec{
		Soname: "libfoo.so.1",
		Exports: []elfbuild.Symbol{
			{Name: "foo_init", Version: "FOO_1.0"},
			{Name: "foo_run", Version: "FOO_1.1"},
		},
	})

	img, err := NewELFParserGateway().Parse(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, []string{"FOO_1.0", "FOO_1.1"}, img.VersionDefinitions(), "base definition excluded")
	assert.Equal(t, []entities.SymbolRef{
		{Name: "foo_init", Version: "FOO_1.0"},
		{Name: "foo_run", Version: "FOO_1.1"},
	}, img.ExportedSymbols())
	assert.Empty(t, img.VersionRequirements())
}

func TestELFParser_Unversioned(t *testing.T) {
	dir := t.TempDir()
	path := elfbuild.Write(t, dir, "plain.so", elfbuild.Spec{
		Needed:  []string{"libfoo.so.1"},
		Imports: []elfbuild.Symbol{{Name: "foo"}},
	})

	img, err := NewELFParserGateway().Parse(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, []entities.SymbolRef{{Name: "foo"}}, img.ImportedSymbols())
	assert.Empty(t, img.VersionRequirements())
	assert.Empty(t, img.VersionDefinitions())
	assert.Empty(t, img.Soname())
}

func TestELFParser_Executable(t *testing.T) {
	dir := t.TempDir()
	path := elfbuild.Write(t, dir, "tool", elfbuild.Spec{
		Interp: "/lib64/ld-linux-x86-64.so.2",
		PIE:    true,
		Needed: []string{"libc.so.6"},
	})

	img, err := NewELFParserGateway().Parse(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "/lib64/ld-linux-x86-64.so.2", img.Interpreter())
	assert.True(t, img.IsPIE())
}

func TestELFParser_Architectures(t *testing.T) {
	tests := []struct {
		name    string
		class   elf.Class
		data    elf.Data
		machine elf.Machine
		want    entities.Architecture
		bits    int
	}{
		{"x86_64", elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64, entities.ArchX8664, 64},
		{"i686", elf.ELFCLASS32, elf.ELFDATA2LSB, elf.EM_386, entities.ArchI686, 32},
		{"aarch64", elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_AARCH64, entities.ArchAarch64, 64},
		{"armv7l", elf.ELFCLASS32, elf.ELFDATA2LSB, elf.EM_ARM, entities.ArchArmv7l, 32},
		{"ppc64le", elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_PPC64, entities.ArchPpc64le, 64},
		{"ppc64", elf.ELFCLASS64, elf.ELFDATA2MSB, elf.EM_PPC64, entities.ArchPpc64, 64},
		{"s390x", elf.ELFCLASS64, elf.ELFDATA2MSB, elf.EM_S390, entities.ArchS390x, 64},
		{"riscv64", elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_RISCV, entities.ArchRiscv64, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := elfbuild.Write(t, dir, "lib.so", elfbuild.Spec{
				Class:   tt.class,
				Data:    tt.data,
				Machine: tt.machine,
				Needed:  []string{"libc.so.6"},
				Imports: []elfbuild.Symbol{{Name: "malloc", Version: "GLIBC_2.17", Library: "libc.so.6"}},
			})

			img, err := NewELFParserGateway().Parse(context.Background(), path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, img.Architecture())
			assert.Equal(t, tt.bits, img.Class())
			assert.Equal(t, []entities.SymbolRef{{Name: "malloc", Version: "GLIBC_2.17", Library: "libc.so.6"}}, img.ImportedSymbols())
		})
	}
}

func TestELFParser_UnsupportedArchitecture(t *testing.T) {
	dir := t.TempDir()
	path := elfbuild.Write(t, dir, "lib.so", elfbuild.Spec{Machine: elf.EM_MIPS, Class: elf.ELFCLASS32})

	_, err := NewELFParserGateway().Parse(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, entities.ErrUnsupportedArchitecture), "got %v", err)
}

func TestELFParser_Malformed(t *testing.T) {
	dir := t.TempDir()

	textFile := filepath.Join(dir, "test.txt")
	require.NoError(t, os.WriteFile(textFile, []byte("not a binary"), 0o600))

	good := elfbuild.Build(elfbuild.Spec{Needed: []string{"libc.so.6"}})
	truncated := filepath.Join(dir, "truncated.so")
	require.NoError(t, os.WriteFile(truncated, good[:40], 0o600))

	for _, path := range []string{textFile, truncated} {
		_, err := NewELFParserGateway().Parse(context.Background(), path)
		require.Error(t, err, path)
		assert.True(t, errors.Is(err, entities.ErrMalformedBinary), "%s: got %v", path, err)
	}
}

func TestELFParser_NonexistentFile(t *testing.T) {
	_, err := NewELFParserGateway().Parse(context.Background(), "/nonexistent/binary")
	require.Error(t, err)
	assert.False(t, errors.Is(err, entities.ErrMalformedBinary))
}

func TestELFParser_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewELFParserGateway().Parse(ctx, "/nonexistent/binary")
	assert.ErrorIs(t, err, context.Canceled)
}
