// Package entities defines core domain models and data structures.
package entities

import (
	"fmt"
	"strings"
)

// Architecture is a CPU architecture name as used in platform tags
type Architecture string

// Supported architectures
const (
	ArchX8664   Architecture = "x86_64"
	ArchI686    Architecture = "i686"
	ArchAarch64 Architecture = "aarch64"
	ArchArmv7l  Architecture = "armv7l"
	ArchPpc64le Architecture = "ppc64le"
	ArchPpc64   Architecture = "ppc64"
	ArchS390x   Architecture = "s390x"
	ArchRiscv64 Architecture = "riscv64"
)

// SupportedArchitectures lists every architecture the auditor understands
var SupportedArchitectures = []Architecture{
	ArchX8664, ArchI686, ArchAarch64, ArchArmv7l, ArchPpc64le, ArchPpc64, ArchS390x, ArchRiscv64,
}

// ParseArchitecture maps a user-supplied or Go-style architecture name to an Architecture
func ParseArchitecture(name string) (Architecture, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "x86_64", "amd64", "x64":
		return ArchX8664, nil
	case "i686", "i386", "386", "x86":
		return ArchI686, nil
	case "aarch64", "arm64":
		return ArchAarch64, nil
	case "armv7l", "armv7", "arm":
		return ArchArmv7l, nil
	case "ppc64le", "powerpc64le":
		return ArchPpc64le, nil
	case "ppc64", "powerpc64":
		return ArchPpc64, nil
	case "s390x":
		return ArchS390x, nil
	case "riscv64":
		return ArchRiscv64, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedArchitecture, name)
	}
}

// Bits returns the pointer width of the architecture
func (a Architecture) Bits() int {
	switch a {
	case ArchI686, ArchArmv7l:
		return 32
	default:
		return 64
	}
}

func (a Architecture) String() string {
	return string(a)
}
