package gateways

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces"
)

const maxIncludeDepth = 8

// ldsoConfigGateway lists system library directories the way the dynamic
// loader of the target would: ld.so.conf (glibc) or ld-musl-<arch>.path
// (musl) under the sysroot, followed by the built-in defaults.
type ldsoConfigGateway struct {
	logger interfaces.Logger
}

// NewLdsoConfigGateway creates a new system directory provider
//
//nolint:revive // unexported-return: Intentionally returns concrete type for testability
func NewLdsoConfigGateway(logger interfaces.Logger) *ldsoConfigGateway {
	return &ldsoConfigGateway{logger: interfaces.OrNoOp(logger)}
}

// SystemDirs returns absolute directories under sysroot, deduplicated and in search order
func (g *ldsoConfigGateway) SystemDirs(sysroot string, arch entities.Architecture) []string {
	if sysroot == "" {
		sysroot = "/"
	}

	var dirs []string
	muslPath := filepath.Join(sysroot, "etc", "ld-musl-"+muslLoaderArch(arch)+".path")
	if data, err := os.ReadFile(muslPath); err == nil { //nolint:gosec // fixed location under the sysroot
		// musl replaces the default path entirely when the file exists
		for _, d := range splitPathList(string(data)) {
			dirs = append(dirs, filepath.Join(sysroot, d))
		}
		return dedupe(dirs)
	}

	conf, err := g.parseConf(sysroot, filepath.Join(sysroot, "etc", "ld.so.conf"), 0)
	if err != nil && !os.IsNotExist(err) {
		g.logger.Warn("failed to read ld.so.conf", interfaces.F("sysroot", sysroot), interfaces.Err(err))
	}
	for _, d := range conf {
		dirs = append(dirs, filepath.Join(sysroot, d))
	}
	for _, d := range defaultLibraryDirs(arch) {
		dirs = append(dirs, filepath.Join(sysroot, d))
	}
	return dedupe(dirs)
}

// parseConf reads one ld.so.conf file, following include directives
func (g *ldsoConfigGateway) parseConf(sysroot, path string, depth int) ([]string, error) {
	if depth > maxIncludeDepth {
		return nil, fmt.Errorf("ld.so.conf includes nested deeper than %d", maxIncludeDepth)
	}
	f, err := os.Open(path) //nolint:gosec // path is under the configured sysroot
	if err != nil {
		return nil, err
	}
	//nolint:errcheck // Defer close on read-only file
	defer f.Close()

	var dirs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "hwcap ") {
			continue
		}

		if rest, ok := strings.CutPrefix(line, "include"); ok && (rest == "" || rest[0] == ' ' || rest[0] == '\t') {
			for _, pattern := range strings.Fields(rest) {
				if !filepath.IsAbs(pattern) {
					pattern = filepath.Join(filepath.Dir(strings.TrimPrefix(path, sysroot)), pattern)
				}
				matches, err := filepath.Glob(filepath.Join(sysroot, pattern))
				if err != nil {
					return nil, fmt.Errorf("bad include pattern %q: %w", pattern, err)
				}
				for _, m := range matches {
					included, err := g.parseConf(sysroot, m, depth+1)
					if err != nil {
						g.logger.Warn("skipping ld.so.conf include", interfaces.F("path", m), interfaces.Err(err))
						continue
					}
					dirs = append(dirs, included...)
				}
			}
			continue
		}

		dirs = append(dirs, splitPathList(line)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return dirs, nil
}

// splitPathList splits on the separators ld.so.conf and the musl path file accept
func splitPathList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ':' || r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}

func defaultLibraryDirs(arch entities.Architecture) []string {
	var dirs []string
	if triplet := multiarchTriplet(arch); triplet != "" {
		dirs = append(dirs, "/lib/"+triplet, "/usr/lib/"+triplet)
	}
	if arch.Bits() == 64 {
		dirs = append(dirs, "/lib64", "/usr/lib64")
	}
	return append(dirs, "/lib", "/usr/lib")
}

func multiarchTriplet(arch entities.Architecture) string {
	switch arch {
	case entities.ArchX8664:
		return "x86_64-linux-gnu"
	case entities.ArchI686:
		return "i386-linux-gnu"
	case entities.ArchAarch64:
		return "aarch64-linux-gnu"
	case entities.ArchArmv7l:
		return "arm-linux-gnueabihf"
	case entities.ArchPpc64le:
		return "powerpc64le-linux-gnu"
	case entities.ArchPpc64:
		return "powerpc64-linux-gnu"
	case entities.ArchS390x:
		return "s390x-linux-gnu"
	case entities.ArchRiscv64:
		return "riscv64-linux-gnu"
	default:
		return ""
	}
}

// muslLoaderArch is the architecture component of ld-musl-<arch>.so.1
func muslLoaderArch(arch entities.Architecture) string {
	switch arch {
	case entities.ArchI686:
		return "i386"
	case entities.ArchArmv7l:
		return "armhf"
	case entities.ArchPpc64le:
		return "powerpc64le"
	case entities.ArchPpc64:
		return "powerpc64"
	default:
		return string(arch)
	}
}

func dedupe(dirs []string) []string {
	seen := make(map[string]bool, len(dirs))
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		d = filepath.Clean(d)
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}
