package policies

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
)

func TestRegistry_PoliciesSortedByPriority(t *testing.T) {
	list := Default().Policies()
	require.NotEmpty(t, list)

	for i := 1; i < len(list); i++ {
		assert.GreaterOrEqual(t, list[i-1].Priority, list[i].Priority,
			"%s listed before %s", list[i-1].Name, list[i].Name)
	}
	for _, p := range list {
		assert.NotEqual(t, LinuxPolicyName, p.Name, "fallback policy must not be evaluated")
	}
}

func TestRegistry_PolicyByName(t *testing.T) {
	r := Default()

	tests := []struct {
		query string
		want  string
	}{
		{"manylinux_2_17", "manylinux_2_17"},
		{"manylinux2014", "manylinux_2_17"},
		{"manylinux1", "manylinux_2_5"},
		{"manylinux2010", "manylinux_2_12"},
		{"musllinux_1_2", "musllinux_1_2"},
		{"linux", "linux"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p, err := r.PolicyByName(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name)
		})
	}
}

func TestRegistry_UnknownPolicy(t *testing.T) {
	_, err := Default().PolicyByName("manylinux_9_99")
	require.Error(t, err)
	assert.True(t, errors.Is(err, entities.ErrUnknownPolicy))
}

func TestManylinux2010_CxxabiVersions(t *testing.T) {
	p, err := Default().PolicyByName("manylinux2010")
	require.NoError(t, err)

	assert.True(t, p.AllowsLibrary("libc.so.6"))
	assert.ElementsMatch(t, []string{"1.3", "1.3.1", "1.3.2", "1.3.3"}, p.SymbolVersions[entities.ArchX8664]["CXXABI"])
}

func TestGlibcBaselinePerArchitecture(t *testing.T) {
	p, err := Default().PolicyByName("manylinux_2_17")
	require.NoError(t, err)

	assert.True(t, p.AllowsVersion(entities.ArchX8664, "GLIBC_2.2.5"))
	assert.False(t, p.AllowsVersion(entities.ArchX8664, "GLIBC_2.2"), "x86_64 starts at 2.2.5")
	assert.True(t, p.AllowsVersion(entities.ArchAarch64, "GLIBC_2.17"))
	assert.False(t, p.AllowsVersion(entities.ArchAarch64, "GLIBC_2.14"), "aarch64 starts at 2.17")
	assert.False(t, p.AllowsVersion(entities.ArchX8664, "GLIBC_2.18"))
	assert.False(t, p.AllowsVersion(entities.ArchX8664, "GLIBC_PRIVATE"))
	assert.Equal(t, "2.17", p.MinGlibc[entities.ArchX8664])
}

func TestArchitectureCoverage(t *testing.T) {
	r := Default()

	legacy, err := r.PolicyByName("manylinux_2_5")
	require.NoError(t, err)
	assert.False(t, legacy.SupportsArch(entities.ArchAarch64))

	p2014, err := r.PolicyByName("manylinux_2_17")
	require.NoError(t, err)
	assert.True(t, p2014.SupportsArch(entities.ArchAarch64))
	assert.False(t, p2014.SupportsArch(entities.ArchRiscv64))

	p228, err := r.PolicyByName("manylinux_2_28")
	require.NoError(t, err)
	assert.True(t, p228.SupportsArch(entities.ArchRiscv64))
}

// Looser tiers must allow everything stricter tiers allow, otherwise the
// first-satisfied search in priority order would be unsound.
func TestGlibcTiersAreMonotonic(t *testing.T) {
	tiers := Default().ForFlavor(entities.LibcGlibc)
	require.Greater(t, len(tiers), 1)

	for i := 1; i < len(tiers); i++ {
		strict, loose := tiers[i-1], tiers[i]
		for _, lib := range strict.LibraryWhitelist {
			assert.True(t, loose.AllowsLibrary(lib), "%s drops %s", loose.Name, lib)
		}
		for arch, namespaces := range strict.SymbolVersions {
			require.True(t, loose.SupportsArch(arch), "%s drops arch %s", loose.Name, arch)
			for ns, versions := range namespaces {
				for _, v := range versions {
					assert.True(t, loose.AllowsVersion(arch, ns+"_"+v), "%s drops %s_%s on %s", loose.Name, ns, v, arch)
				}
			}
		}
	}
}

func TestMuslPolicies(t *testing.T) {
	tiers := Default().ForFlavor(entities.LibcMusl)
	require.Len(t, tiers, 2)
	assert.Equal(t, "musllinux_1_1", tiers[0].Name)

	assert.True(t, tiers[0].AllowsLibrary("libc.musl-x86_64.so.1"))
	assert.True(t, tiers[0].AllowsLibrary("libc.musl-armhf.so.1"))
	assert.Empty(t, tiers[0].MinGlibc)
}

func TestNewRegistry_Extra(t *testing.T) {
	custom := &entities.Policy{
		Name:     "manylinux_2_5",
		Priority: 100,
		Libc:     entities.LibcGlibc,
	}
	r, err := NewRegistry(custom)
	require.NoError(t, err)

	p, err := r.PolicyByName("manylinux_2_5")
	require.NoError(t, err)
	assert.Same(t, custom, p)
	assert.Len(t, r.Policies(), len(Default().Policies()))

	_, err = NewRegistry(&entities.Policy{Name: "linux"})
	assert.Error(t, err)

	_, err = NewRegistry(&entities.Policy{Name: "x"}, &entities.Policy{Name: "x"})
	assert.Error(t, err)
}
