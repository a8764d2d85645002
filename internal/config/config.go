// Package config loads auditor settings from defaults, a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
	"github.com/ochairo/wheelaudit/internal/domain/services"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "WHEELAUDIT_"

// Config holds every tunable of an audit run
type Config struct {
	Policy         string        `yaml:"policy"`
	Mode           string        `yaml:"mode"`
	LibraryDirs    []string      `yaml:"library_dirs"`
	AllowBundles   []string      `yaml:"allow_bundles"`
	OutputDir      string        `yaml:"output_dir"`
	LibsDirName    string        `yaml:"libs_dir_name"`
	Sysroot        string        `yaml:"sysroot"`
	Strict         bool          `yaml:"strict"`
	AllowLibPython bool          `yaml:"allow_libpython"`
	MaxRepairDepth int           `yaml:"max_repair_depth"`
	Workers        int           `yaml:"workers"`
	PolicyOverlay  OverlayConfig `yaml:"policy_overlay"`
	Log            LogConfig     `yaml:"log"`
}

// OverlayConfig locates an extra policy file and, optionally, its signature
type OverlayConfig struct {
	Path      string `yaml:"path"`
	Signature string `yaml:"signature"`
	Keyring   string `yaml:"keyring"`
	// KeyringURL points at a published KEYS file fetched at startup
	KeyringURL string `yaml:"keyring_url"`
}

// LogConfig configures diagnostics output
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		Policy:         entities.PolicyAuto,
		Mode:           string(entities.ModeCheck),
		OutputDir:      "wheelhouse",
		MaxRepairDepth: services.DefaultMaxRepairDepth,
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads path on top of the defaults, then applies environment overrides.
// An empty path skips the file; a missing explicit file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		//nolint:gosec // G304: path is the user-selected config file
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		cfg.resolveRelative(filepath.Dir(path))
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides fields from WHEELAUDIT_* variables. TARGET_SYSROOT is
// honoured as a fallback for the sysroot.
func (c *Config) ApplyEnv() {
	env.Load()

	c.Policy = env.Str(EnvPrefix+"POLICY", c.Policy)
	c.Mode = env.Str(EnvPrefix+"MODE", c.Mode)
	c.OutputDir = env.Str(EnvPrefix+"OUTPUT_DIR", c.OutputDir)
	c.LibsDirName = env.Str(EnvPrefix+"LIBS_DIR_NAME", c.LibsDirName)
	c.Sysroot = env.Str(EnvPrefix+"SYSROOT", env.Str("TARGET_SYSROOT", c.Sysroot))
	c.MaxRepairDepth = env.Int(EnvPrefix+"MAX_REPAIR_DEPTH", c.MaxRepairDepth)
	c.Workers = env.Int(EnvPrefix+"WORKERS", c.Workers)
	c.Log.Level = env.Str(EnvPrefix+"LOG_LEVEL", c.Log.Level)
	c.PolicyOverlay.Path = env.Str(EnvPrefix+"POLICY_OVERLAY", c.PolicyOverlay.Path)
	c.PolicyOverlay.Signature = env.Str(EnvPrefix+"POLICY_SIGNATURE", c.PolicyOverlay.Signature)
	c.PolicyOverlay.Keyring = env.Str(EnvPrefix+"POLICY_KEYRING", c.PolicyOverlay.Keyring)
	c.PolicyOverlay.KeyringURL = env.Str(EnvPrefix+"POLICY_KEYRING_URL", c.PolicyOverlay.KeyringURL)

	if env.Has(EnvPrefix + "STRICT") {
		c.Strict = env.Bool(EnvPrefix + "STRICT")
	}
	if env.Has(EnvPrefix + "ALLOW_LIBPYTHON") {
		c.AllowLibPython = env.Bool(EnvPrefix + "ALLOW_LIBPYTHON")
	}
	if env.Has(EnvPrefix + "LOG_PRETTY") {
		c.Log.Pretty = env.Bool(EnvPrefix + "LOG_PRETTY")
	}
	if dirs := env.Str(EnvPrefix + "LIBRARY_DIRS"); dirs != "" {
		c.LibraryDirs = splitList(dirs)
	}
	if bundles := env.Str(EnvPrefix + "ALLOW_BUNDLES"); bundles != "" {
		c.AllowBundles = splitList(bundles)
	}
}

// Validate rejects settings no audit can run with
func (c *Config) Validate() error {
	var errs []error
	if _, ok := entities.ParseAuditMode(c.Mode); !ok {
		errs = append(errs, fmt.Errorf("unknown mode %q (want check, repair or skip)", c.Mode))
	}
	if c.Policy == "" {
		errs = append(errs, errors.New("policy must not be empty"))
	}
	if c.MaxRepairDepth <= 0 {
		errs = append(errs, fmt.Errorf("max_repair_depth must be positive, got %d", c.MaxRepairDepth))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.Mode == string(entities.ModeRepair) && c.OutputDir == "" {
		errs = append(errs, errors.New("repair mode needs an output directory"))
	}
	if strings.ContainsRune(c.LibsDirName, filepath.Separator) {
		errs = append(errs, fmt.Errorf("libs_dir_name %q must be a single path element", c.LibsDirName))
	}
	if c.PolicyOverlay.Signature != "" && c.PolicyOverlay.Keyring == "" && c.PolicyOverlay.KeyringURL == "" {
		errs = append(errs, errors.New("policy_overlay.signature requires policy_overlay.keyring or keyring_url"))
	}
	if u := c.PolicyOverlay.KeyringURL; u != "" {
		if parsed, err := url.Parse(u); err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("policy_overlay.keyring_url %q is not an http(s) URL", u))
		}
	}
	return errors.Join(errs...)
}

// Request builds the audit request for one binary
func (c *Config) Request(binary string) entities.AuditRequest {
	return entities.AuditRequest{
		BinaryPath:     binary,
		Policy:         c.Policy,
		Mode:           entities.AuditMode(c.Mode),
		LibraryDirs:    c.LibraryDirs,
		AllowBundles:   c.AllowBundles,
		OutputDir:      c.OutputDir,
		LibsDirName:    c.LibsDirName,
		Sysroot:        c.Sysroot,
		AllowLibPython: c.AllowLibPython,
		Strict:         c.Strict,
		MaxRepairDepth: c.MaxRepairDepth,
	}
}

// resolveRelative anchors relative file paths at the config file's directory
func (c *Config) resolveRelative(base string) {
	for _, p := range []*string{&c.PolicyOverlay.Path, &c.PolicyOverlay.Signature, &c.PolicyOverlay.Keyring} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// splitList accepts both path-list and comma separators
func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == filepath.ListSeparator
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
