package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ochairo/wheelaudit/internal/domain-adapters/gateways"
	"github.com/ochairo/wheelaudit/internal/domain/entities"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces/services"
	"github.com/ochairo/wheelaudit/internal/domain/policies"
	domainservices "github.com/ochairo/wheelaudit/internal/domain/services"
	"github.com/ochairo/wheelaudit/internal/testutil/elfbuild"
)

type staticDirs []string

func (s staticDirs) SystemDirs(_ string, _ entities.Architecture) []string { return s }

type failingRepairer struct {
	calls int
}

func (f *failingRepairer) Repair(_ context.Context, plan services.RepairPlan) (*entities.RepairResult, error) {
	f.calls++
	return nil, &entities.RepairIncompleteError{Binary: plan.BinaryPath, Verdict: plan.Verdict}
}

type fixture struct {
	sysDir   string
	wheelDir string
	outDir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		sysDir:   filepath.Join(base, "system"),
		wheelDir: filepath.Join(base, "wheel"),
		outDir:   filepath.Join(base, "out"),
	}
	elfbuild.Write(t, f.sysDir, "libc.so.6", elfbuild.Spec{
		Soname:  "libc.so.6",
		Exports: []elfbuild.Symbol{{Name: "memcpy", Version: "GLIBC_2.14"}},
	})
	elfbuild.Write(t, f.sysDir, "libz.so.1", elfbuild.Spec{
		Soname: "libz.so.1",
		Needed: []string{"libc.so.6"},
	})
	return f
}

func (f *fixture) orchestrator(repairer services.RepairEngine) *AuditOrchestrator {
	parser := gateways.NewELFParserGateway()
	resolver := domainservices.NewDependencyResolver(parser, nil)
	evaluator := domainservices.NewComplianceEvaluator(nil)
	if repairer == nil {
		repairer = domainservices.NewRepairEngine(parser, gateways.NewELFPatcherGateway(nil), gateways.NewFileHasher(), resolver, evaluator, nil)
	}
	return NewAuditOrchestrator(parser, staticDirs{f.sysDir}, policies.Default(), resolver, evaluator, repairer, nil)
}

func (f *fixture) clean(t *testing.T, name string) string {
	t.Helper()
	return elfbuild.Write(t, f.wheelDir, name, elfbuild.Spec{
		Needed:  []string{"libc.so.6"},
		Imports: []elfbuild.Symbol{{Name: "memcpy", Version: "GLIBC_2.14", Library: "libc.so.6"}},
	})
}

func (f *fixture) withZlib(t *testing.T, name string) string {
	t.Helper()
	return elfbuild.Write(t, f.wheelDir, name, elfbuild.Spec{
		Needed:  []string{"libz.so.1", "libc.so.6"},
		Imports: []elfbuild.Symbol{{Name: "memcpy", Version: "GLIBC_2.14", Library: "libc.so.6"}},
	})
}

func TestAudit_CheckCompliant(t *testing.T) {
	f := newFixture(t)
	binary := f.clean(t, "ok.so")

	result, err := f.orchestrator(nil).Audit(context.Background(), entities.AuditRequest{BinaryPath: binary})
	require.NoError(t, err)

	assert.True(t, result.Compliant)
	assert.Equal(t, "manylinux_2_17", result.Policy, "memcpy@GLIBC_2.14 rules out the older tiers")
	assert.Equal(t, "manylinux_2_17", result.BestPolicy)
	assert.Nil(t, result.Repair)
}

func TestAudit_CheckNotCompliant(t *testing.T) {
	f := newFixture(t)
	binary := f.withZlib(t, "bad.so")

	result, err := f.orchestrator(nil).Audit(context.Background(), entities.AuditRequest{
		BinaryPath: binary,
		Policy:     "manylinux2014",
		Mode:       entities.ModeCheck,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, entities.ErrNotCompliant))

	var notCompliant *entities.NotCompliantError
	require.True(t, errors.As(err, &notCompliant))
	assert.Equal(t, []string{"libz.so.1"}, notCompliant.Verdict.Libraries(entities.DisallowedLibrary))

	require.NotNil(t, result)
	assert.False(t, result.Compliant)
	assert.Equal(t, "manylinux_2_17", result.Policy)
}

func TestAudit_AllowedBundleIsCompliant(t *testing.T) {
	f := newFixture(t)
	binary := f.withZlib(t, "bundled.so")

	result, err := f.orchestrator(nil).Audit(context.Background(), entities.AuditRequest{
		BinaryPath:   binary,
		AllowBundles: []string{"libz.so.1"},
	})
	require.NoError(t, err)
	assert.True(t, result.Compliant)
}

func TestAudit_UnknownPolicyBeforeParsing(t *testing.T) {
	f := newFixture(t)

	_, err := f.orchestrator(nil).Audit(context.Background(), entities.AuditRequest{
		BinaryPath: filepath.Join(f.wheelDir, "missing.so"),
		Policy:     "manylinux_9_99",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, entities.ErrUnknownPolicy))
}

func TestAudit_UnknownMode(t *testing.T) {
	f := newFixture(t)
	_, err := f.orchestrator(nil).Audit(context.Background(), entities.AuditRequest{
		BinaryPath: f.clean(t, "ok.so"),
		Mode:       "fix",
	})
	assert.Error(t, err)
}

func TestAudit_Skip(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		policy string
		want   string
	}{
		{"", policies.LinuxPolicyName},
		{"manylinux1", "manylinux_2_5"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			result, err := f.orchestrator(nil).Audit(context.Background(), entities.AuditRequest{
				BinaryPath: filepath.Join(f.wheelDir, "never-read.so"),
				Policy:     tt.policy,
				Mode:       entities.ModeSkip,
			})
			require.NoError(t, err)
			assert.True(t, result.Skipped)
			assert.Equal(t, tt.want, result.Policy)
		})
	}
}

func TestAudit_ExplicitLinuxAlwaysPasses(t *testing.T) {
	f := newFixture(t)
	result, err := f.orchestrator(nil).Audit(context.Background(), entities.AuditRequest{
		BinaryPath: f.withZlib(t, "any.so"),
		Policy:     policies.LinuxPolicyName,
	})
	require.NoError(t, err)
	assert.True(t, result.Compliant)
	assert.Equal(t, policies.LinuxPolicyName, result.Policy)
}

func TestAudit_Repair(t *testing.T) {
	f := newFixture(t)
	binary := f.withZlib(t, "zext.so")

	result, err := f.orchestrator(nil).Audit(context.Background(), entities.AuditRequest{
		BinaryPath: binary,
		Mode:       entities.ModeRepair,
		OutputDir:  f.outDir,
	})
	require.NoError(t, err)

	assert.True(t, result.Compliant, result.Verdict.Summary())
	assert.Equal(t, "manylinux_2_17", result.Policy)
	require.NotNil(t, result.Repair)
	require.Len(t, result.Repair.Grafted, 1)
	assert.Equal(t, "libz.so.1", result.Repair.Grafted[0].Original)
	assert.FileExists(t, result.Repair.Grafted[0].Path)
	assert.Equal(t, filepath.Join(f.outDir, "zext.so"), result.Repair.PatchedBinary)

	// the repaired output passes a plain check
	again, err := f.orchestrator(nil).Audit(context.Background(), entities.AuditRequest{
		BinaryPath: result.Repair.PatchedBinary,
		Policy:     "manylinux_2_17",
	})
	require.NoError(t, err)
	assert.True(t, again.Compliant)
}

func TestAudit_RepairTransitiveGrafts(t *testing.T) {
	f := newFixture(t)
	// every synthetic library carries a single PT_NOTE as its only spare header
	elfbuild.Write(t, f.sysDir, "libcrypto.so.3", elfbuild.Spec{
		Soname:  "libcrypto.so.3",
		Needed:  []string{"libc.so.6"},
		Imports: []elfbuild.Symbol{{Name: "memcpy", Version: "GLIBC_2.14", Library: "libc.so.6"}},
	})
	elfbuild.Write(t, f.sysDir, "libssl.so.3", elfbuild.Spec{
		Soname:  "libssl.so.3",
		Needed:  []string{"libcrypto.so.3", "libc.so.6"},
		Imports: []elfbuild.Symbol{{Name: "EVP_CIPHER_fetch", Version: "OPENSSL_3.0.0", Library: "libcrypto.so.3"}},
	})
	binary := elfbuild.Write(t, f.wheelDir, "ssl_ext.so", elfbuild.Spec{
		Needed:  []string{"libssl.so.3", "libc.so.6"},
		Imports: []elfbuild.Symbol{{Name: "SSL_new", Version: "OPENSSL_3.0.0", Library: "libssl.so.3"}},
	})

	result, err := f.orchestrator(nil).Audit(context.Background(), entities.AuditRequest{
		BinaryPath: binary,
		Policy:     "manylinux_2_35",
		Mode:       entities.ModeRepair,
		OutputDir:  f.outDir,
		Strict:     true,
	})
	require.NoError(t, err)
	assert.True(t, result.Compliant, result.Verdict.Summary())
	require.NotNil(t, result.Repair)
	originals := make([]string, 0, len(result.Repair.Grafted))
	for _, g := range result.Repair.Grafted {
		originals = append(originals, g.Original)
	}
	assert.Equal(t, []string{"libssl.so.3", "libcrypto.so.3"}, originals)

	again, err := f.orchestrator(nil).Audit(context.Background(), entities.AuditRequest{
		BinaryPath: result.Repair.PatchedBinary,
		Policy:     "manylinux_2_35",
	})
	require.NoError(t, err)
	assert.True(t, again.Compliant)
}

func TestAudit_AutoRepairAccountsForGraftedSymbolVersions(t *testing.T) {
	f := newFixture(t)
	elfbuild.Write(t, f.sysDir, "libffi.so.8", elfbuild.Spec{
		Soname:  "libffi.so.8",
		Needed:  []string{"libc.so.6"},
		Imports: []elfbuild.Symbol{{Name: "memfd_create", Version: "GLIBC_2.27", Library: "libc.so.6"}},
	})
	binary := elfbuild.Write(t, f.wheelDir, "ffi_ext.so", elfbuild.Spec{
		Needed: []string{"libffi.so.8", "libc.so.6"},
		Imports: []elfbuild.Symbol{
			{Name: "ffi_call", Version: "LIBFFI_BASE_8.0", Library: "libffi.so.8"},
			{Name: "memcpy", Version: "GLIBC_2.14", Library: "libc.so.6"},
		},
	})

	result, err := f.orchestrator(nil).Audit(context.Background(), entities.AuditRequest{
		BinaryPath: binary,
		Mode:       entities.ModeRepair,
		OutputDir:  f.outDir,
		Strict:     true,
	})
	require.NoError(t, err)
	assert.False(t, result.Fallback)
	assert.True(t, result.Compliant, result.Verdict.Summary())
	assert.Equal(t, "manylinux_2_27", result.Policy, "the grafted libffi needs glibc 2.27")
	require.NotNil(t, result.Repair)
	require.Len(t, result.Repair.Grafted, 1)
	assert.Equal(t, "libffi.so.8", result.Repair.Grafted[0].Original)
}

func TestAudit_RepairFallback(t *testing.T) {
	f := newFixture(t)
	binary := f.withZlib(t, "zext.so")
	repairer := &failingRepairer{}

	result, err := f.orchestrator(repairer).Audit(context.Background(), entities.AuditRequest{
		BinaryPath: binary,
		Mode:       entities.ModeRepair,
		OutputDir:  f.outDir,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, repairer.calls)
	assert.True(t, result.Fallback)
	assert.False(t, result.Compliant)
	assert.Equal(t, policies.LinuxPolicyName, result.Policy)
}

func TestAudit_RepairStrict(t *testing.T) {
	f := newFixture(t)
	binary := f.withZlib(t, "zext.so")

	_, err := f.orchestrator(&failingRepairer{}).Audit(context.Background(), entities.AuditRequest{
		BinaryPath: binary,
		Mode:       entities.ModeRepair,
		OutputDir:  f.outDir,
		Strict:     true,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, entities.ErrRepairIncomplete))
}

func TestAudit_RepairSkippedWhenCompliant(t *testing.T) {
	f := newFixture(t)
	repairer := &failingRepairer{}

	result, err := f.orchestrator(repairer).Audit(context.Background(), entities.AuditRequest{
		BinaryPath: f.clean(t, "ok.so"),
		Mode:       entities.ModeRepair,
		OutputDir:  f.outDir,
	})
	require.NoError(t, err)
	assert.True(t, result.Compliant)
	assert.Zero(t, repairer.calls)
}

func TestAuditAll_KeepsOrderAndIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(nil)
	o.SetWorkers(2)

	var reqs []entities.AuditRequest
	for i := 0; i < 6; i++ {
		path := f.clean(t, fmt.Sprintf("mod%d.so", i))
		if i%3 == 1 {
			path = filepath.Join(f.wheelDir, fmt.Sprintf("missing%d.so", i))
		}
		reqs = append(reqs, entities.AuditRequest{BinaryPath: path})
	}

	results := o.AuditAll(context.Background(), reqs)
	require.Len(t, results, len(reqs))
	for i, r := range results {
		assert.Equal(t, reqs[i].BinaryPath, r.Request.BinaryPath)
		if i%3 == 1 {
			assert.Error(t, r.Err, "request %d", i)
			continue
		}
		require.NoError(t, r.Err, "request %d", i)
		assert.True(t, r.Result.Compliant)
	}
}

func TestAuditAll_CanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := f.orchestrator(nil).AuditAll(ctx, []entities.AuditRequest{{BinaryPath: f.clean(t, "ok.so")}})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
}

func TestLibcFlavorOf(t *testing.T) {
	f := newFixture(t)
	parser := gateways.NewELFParserGateway()

	glibc, err := parser.Parse(context.Background(), f.clean(t, "g.so"))
	require.NoError(t, err)
	assert.Equal(t, entities.LibcGlibc, LibcFlavorOf(glibc))

	muslPath := elfbuild.Write(t, f.wheelDir, "m.so", elfbuild.Spec{Needed: []string{"libc.musl-x86_64.so.1"}})
	musl, err := parser.Parse(context.Background(), muslPath)
	require.NoError(t, err)
	assert.Equal(t, entities.LibcMusl, LibcFlavorOf(musl))
}
