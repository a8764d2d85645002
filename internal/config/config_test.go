package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wheelaudit.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, entities.PolicyAuto, cfg.Policy)
	assert.Equal(t, "check", cfg.Mode)
	assert.Equal(t, 8, cfg.MaxRepairDepth)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `policy: manylinux2014
mode: repair
library_dirs: [/opt/lib]
allow_bundles: [libgfortran.so.5]
output_dir: dist
strict: true
max_repair_depth: 3
workers: 4
policy_overlay:
  path: policies.yml
  signature: policies.yml.asc
  keyring: /etc/wheelaudit/keys.asc
log:
  level: debug
  pretty: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "manylinux2014", cfg.Policy)
	assert.Equal(t, "repair", cfg.Mode)
	assert.Equal(t, []string{"/opt/lib"}, cfg.LibraryDirs)
	assert.Equal(t, []string{"libgfortran.so.5"}, cfg.AllowBundles)
	assert.True(t, cfg.Strict)
	assert.Equal(t, 3, cfg.MaxRepairDepth)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "policies.yml"), cfg.PolicyOverlay.Path)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "policies.yml.asc"), cfg.PolicyOverlay.Signature)
	assert.Equal(t, "/etc/wheelaudit/keys.asc", cfg.PolicyOverlay.Keyring)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Log.Pretty)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorContains(t, err, "failed to read config")

	_, err = Load(writeConfig(t, "policy: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("WHEELAUDIT_POLICY", "manylinux_2_28")
	t.Setenv("WHEELAUDIT_MODE", "repair")
	t.Setenv("WHEELAUDIT_STRICT", "true")
	t.Setenv("WHEELAUDIT_MAX_REPAIR_DEPTH", "2")
	t.Setenv("WHEELAUDIT_LIBRARY_DIRS", "/a:/b,/c")
	t.Setenv("WHEELAUDIT_LOG_LEVEL", "warn")
	t.Setenv("TARGET_SYSROOT", "/sysroot")

	cfg, err := Load(writeConfig(t, "policy: manylinux2014\nstrict: false\n"))
	require.NoError(t, err)

	assert.Equal(t, "manylinux_2_28", cfg.Policy, "environment wins over the file")
	assert.Equal(t, "repair", cfg.Mode)
	assert.True(t, cfg.Strict)
	assert.Equal(t, 2, cfg.MaxRepairDepth)
	assert.Equal(t, []string{"/a", "/b", "/c"}, cfg.LibraryDirs)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/sysroot", cfg.Sysroot)
}

func TestApplyEnv_SysrootPrecedence(t *testing.T) {
	t.Setenv("TARGET_SYSROOT", "/fallback")
	t.Setenv("WHEELAUDIT_SYSROOT", "/explicit")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/explicit", cfg.Sysroot)
}

func TestApplyEnv_KeyringURL(t *testing.T) {
	t.Setenv("WHEELAUDIT_POLICY_SIGNATURE", "policies.yml.asc")
	t.Setenv("WHEELAUDIT_POLICY_KEYRING_URL", "https://keys.example.com/KEYS")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://keys.example.com/KEYS", cfg.PolicyOverlay.KeyringURL)
	assert.NoError(t, cfg.Validate(), "a keyring URL alone can back a signature")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "fix" }, "unknown mode"},
		{"empty policy", func(c *Config) { c.Policy = "" }, "policy must not be empty"},
		{"zero depth", func(c *Config) { c.MaxRepairDepth = 0 }, "max_repair_depth"},
		{"negative workers", func(c *Config) { c.Workers = -1 }, "workers"},
		{"repair without output", func(c *Config) { c.Mode = "repair"; c.OutputDir = "" }, "output directory"},
		{"nested libs dir", func(c *Config) { c.LibsDirName = "a/b" }, "single path element"},
		{"signature without keyring", func(c *Config) { c.PolicyOverlay.Signature = "x.asc" }, "keyring"},
		{"keyring url scheme", func(c *Config) { c.PolicyOverlay.KeyringURL = "file:///etc/KEYS" }, "not an http(s) URL"},
		{"keyring url host", func(c *Config) { c.PolicyOverlay.KeyringURL = "https:///KEYS" }, "not an http(s) URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestRequest(t *testing.T) {
	cfg := Default()
	cfg.Mode = "repair"
	cfg.AllowBundles = []string{"libz.so.1"}

	req := cfg.Request("/wheel/ext.so")
	assert.Equal(t, "/wheel/ext.so", req.BinaryPath)
	assert.Equal(t, entities.ModeRepair, req.Mode)
	assert.Equal(t, entities.PolicyAuto, req.Policy)
	assert.Equal(t, []string{"libz.so.1"}, req.AllowBundles)
	assert.Equal(t, "wheelhouse", req.OutputDir)
}
