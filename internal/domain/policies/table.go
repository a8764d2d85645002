// Package policies holds the compiled-in manylinux/musllinux policy table.
//
// The table is pure data: a tier is described by the newest version it allows in
// each symbol-version namespace, and the allowed version sets are derived from the
// known version lists below. Adding a platform tier means appending one entry to
// glibcTiers or muslTiers.
package policies

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-version"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
)

// Version namespaces found in .gnu.version_r of binaries built against glibc/libstdc++
const (
	nsGlibc   = "GLIBC"
	nsGlibcxx = "GLIBCXX"
	nsCxxabi  = "CXXABI"
	nsGcc     = "GCC"
)

var knownVersions = map[string][]string{
	nsGlibc: {
		"2.0", "2.1", "2.1.1", "2.1.2", "2.1.3", "2.2", "2.2.1", "2.2.2", "2.2.3", "2.2.4",
		"2.2.5", "2.2.6", "2.3", "2.3.2", "2.3.3", "2.3.4", "2.4", "2.5", "2.6", "2.7", "2.8",
		"2.9", "2.10", "2.11", "2.12", "2.13", "2.14", "2.15", "2.16", "2.17", "2.18", "2.22",
		"2.23", "2.24", "2.25", "2.26", "2.27", "2.28", "2.29", "2.30", "2.31", "2.32", "2.33",
		"2.34", "2.35",
	},
	nsGlibcxx: sequence("3.4", 30),
	nsCxxabi:  sequence("1.3", 13),
	nsGcc: {
		"3.0", "3.3", "3.3.1", "3.4", "3.4.2", "3.4.4", "4.0.0", "4.2.0", "4.3.0", "4.4.0",
		"4.5.0", "4.6.0", "4.7.0", "4.8.0", "7.0.0", "9.0.0", "11.0", "12.0.0", "13.0.0",
	},
}

// glibcBaseline is the oldest GLIBC symbol version that exists on each architecture
var glibcBaseline = map[entities.Architecture]string{
	entities.ArchX8664:   "2.2.5",
	entities.ArchI686:    "2.0",
	entities.ArchAarch64: "2.17",
	entities.ArchPpc64le: "2.17",
	entities.ArchPpc64:   "2.3",
	entities.ArchS390x:   "2.2",
	entities.ArchArmv7l:  "2.4",
	entities.ArchRiscv64: "2.27",
}

var glibcLibraries = []string{
	"libgcc_s.so.1",
	"libstdc++.so.6",
	"libm.so.6",
	"libdl.so.2",
	"librt.so.1",
	"libc.so.6",
	"libnsl.so.1",
	"libutil.so.1",
	"libpthread.so.0",
	"libresolv.so.2",
	"libX11.so.6",
	"libXext.so.6",
	"libXrender.so.1",
	"libICE.so.6",
	"libSM.so.6",
	"libGL.so.1",
	"libgobject-2.0.so.0",
	"libgthread-2.0.so.0",
	"libglib-2.0.so.0",
}

type glibcTier struct {
	name     string
	aliases  []string
	priority int
	// caps holds the newest allowed version per namespace
	caps   map[string]string
	arches []entities.Architecture
}

var (
	legacyArches = []entities.Architecture{entities.ArchX8664, entities.ArchI686}
	arches2014   = []entities.Architecture{
		entities.ArchX8664, entities.ArchI686, entities.ArchAarch64, entities.ArchPpc64le,
		entities.ArchPpc64, entities.ArchS390x, entities.ArchArmv7l,
	}
	arches2028 = append(append([]entities.Architecture{}, arches2014...), entities.ArchRiscv64)
)

var glibcTiers = []glibcTier{
	{"manylinux_2_5", []string{"manylinux1"}, 100, caps("2.5", "3.4.8", "1.3.1", "4.2.0"), legacyArches},
	{"manylinux_2_12", []string{"manylinux2010"}, 90, caps("2.12", "3.4.13", "1.3.3", "4.5.0"), legacyArches},
	{"manylinux_2_17", []string{"manylinux2014"}, 80, caps("2.17", "3.4.19", "1.3.7", "4.8.0"), arches2014},
	{"manylinux_2_24", nil, 70, caps("2.24", "3.4.22", "1.3.10", "6.0.0"), arches2014},
	{"manylinux_2_27", nil, 65, caps("2.27", "3.4.24", "1.3.11", "7.0.0"), arches2014},
	{"manylinux_2_28", nil, 60, caps("2.28", "3.4.25", "1.3.11", "7.0.0"), arches2028},
	{"manylinux_2_31", nil, 55, caps("2.31", "3.4.28", "1.3.12", "9.0.0"), arches2028},
	{"manylinux_2_34", nil, 50, caps("2.34", "3.4.29", "1.3.13", "11.0"), arches2028},
	{"manylinux_2_35", nil, 45, caps("2.35", "3.4.30", "1.3.13", "12.0.0"), arches2028},
}

type muslTier struct {
	name     string
	priority int
	arches   []entities.Architecture
}

var muslTiers = []muslTier{
	{"musllinux_1_1", 100, []entities.Architecture{
		entities.ArchX8664, entities.ArchI686, entities.ArchAarch64, entities.ArchArmv7l,
		entities.ArchPpc64le, entities.ArchS390x,
	}},
	{"musllinux_1_2", 90, []entities.Architecture{
		entities.ArchX8664, entities.ArchI686, entities.ArchAarch64, entities.ArchArmv7l,
		entities.ArchPpc64le, entities.ArchS390x, entities.ArchRiscv64,
	}},
}

// muslArchNames maps architectures to the suffix musl uses in its libc SONAME
var muslArchNames = map[entities.Architecture]string{
	entities.ArchX8664:   "x86_64",
	entities.ArchI686:    "x86",
	entities.ArchAarch64: "aarch64",
	entities.ArchArmv7l:  "armhf",
	entities.ArchPpc64le: "ppc64le",
	entities.ArchS390x:   "s390x",
	entities.ArchRiscv64: "riscv64",
}

// LinuxPolicyName is the fallback tag that promises nothing
const LinuxPolicyName = "linux"

func caps(glibc, glibcxx, cxxabi, gcc string) map[string]string {
	return map[string]string{nsGlibc: glibc, nsGlibcxx: glibcxx, nsCxxabi: cxxabi, nsGcc: gcc}
}

// sequence returns base, base.1, ..., base.n
func sequence(base string, n int) []string {
	out := []string{base}
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf("%s.%d", base, i))
	}
	return out
}

// MuslLibcName returns the SONAME of musl's libc on arch
func MuslLibcName(arch entities.Architecture) string {
	return fmt.Sprintf("libc.musl-%s.so.1", muslArchNames[arch])
}

// between returns the versions in list that satisfy lo <= v <= hi
func between(list []string, lo, hi string) []string {
	hiV := version.Must(version.NewVersion(hi))
	var loV *version.Version
	if lo != "" {
		loV = version.Must(version.NewVersion(lo))
	}
	var out []string
	for _, s := range list {
		v := version.Must(version.NewVersion(s))
		if v.GreaterThan(hiV) {
			continue
		}
		if loV != nil && v.LessThan(loV) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func buildGlibcPolicy(t glibcTier) *entities.Policy {
	p := &entities.Policy{
		Name:             t.name,
		Aliases:          t.aliases,
		Priority:         t.priority,
		Libc:             entities.LibcGlibc,
		MinGlibc:         make(map[entities.Architecture]string, len(t.arches)),
		SymbolVersions:   make(map[entities.Architecture]map[string][]string, len(t.arches)),
		LibraryWhitelist: glibcLibraries,
	}
	for _, arch := range t.arches {
		p.MinGlibc[arch] = t.caps[nsGlibc]
		namespaces := make(map[string][]string, len(t.caps))
		for ns, limit := range t.caps {
			lo := ""
			if ns == nsGlibc {
				lo = glibcBaseline[arch]
			}
			namespaces[ns] = between(knownVersions[ns], lo, limit)
		}
		p.SymbolVersions[arch] = namespaces
	}
	return p
}

func buildMuslPolicy(t muslTier) *entities.Policy {
	p := &entities.Policy{
		Name:           t.name,
		Priority:       t.priority,
		Libc:           entities.LibcMusl,
		SymbolVersions: make(map[entities.Architecture]map[string][]string, len(t.arches)),
	}
	libs := []string{"libc.so"}
	for _, arch := range t.arches {
		p.SymbolVersions[arch] = map[string][]string{}
		libs = append(libs, MuslLibcName(arch))
	}
	p.LibraryWhitelist = libs
	return p
}

// builtinPolicies builds the evaluated tiers, most restrictive first
func builtinPolicies() []*entities.Policy {
	out := make([]*entities.Policy, 0, len(glibcTiers)+len(muslTiers))
	for _, t := range glibcTiers {
		out = append(out, buildGlibcPolicy(t))
	}
	for _, t := range muslTiers {
		out = append(out, buildMuslPolicy(t))
	}
	sortByPriority(out)
	return out
}

// sortByPriority orders policies most restrictive first; glibc before musl on ties
func sortByPriority(list []*entities.Policy) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].Libc == entities.LibcGlibc && list[j].Libc != entities.LibcGlibc
	})
}

var linuxPolicy = &entities.Policy{
	Name:     LinuxPolicyName,
	Priority: 0,
	Libc:     entities.LibcGlibc,
}
