package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const overlayYAML = `policies:
  - name: manylinux_2_17
    extends: manylinux2014
    whitelist: [libgfortran.so.5]
`

type stubVerifier struct {
	err      error
	calls    int
	verified []byte
	// swap replaces the overlay on disk once it has been read
	swap func()
}

func (s *stubVerifier) VerifySignature(data []byte, _ string) error {
	s.calls++
	s.verified = append([]byte(nil), data...)
	if s.swap != nil {
		s.swap()
	}
	return s.err
}

func writeOverlay(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.yml")
	if err := os.WriteFile(path, []byte(overlayYAML), 0600); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestPolicyLoader_Load_Builtin(t *testing.T) {
	registry, err := NewPolicyLoader(nil, nil).Load("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(registry.Policies()) == 0 {
		t.Error("built-in registry should not be empty")
	}
}

func TestPolicyLoader_Load_Overlay(t *testing.T) {
	registry, err := NewPolicyLoader(nil, nil).Load(writeOverlay(t), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	p, err := registry.PolicyByName("manylinux2014")
	if err != nil {
		t.Fatalf("alias should survive the override: %v", err)
	}
	if !p.AllowsLibrary("libgfortran.so.5") {
		t.Error("overlay whitelist not applied")
	}
	if len(registry.Policies()) != len(builtinNames(t)) {
		t.Error("overriding a built-in must not add a tier")
	}
}

func TestPolicyLoader_Load_Signed(t *testing.T) {
	verifier := &stubVerifier{}
	_, err := NewPolicyLoader(verifier, nil).Load(writeOverlay(t), "policies.yml.asc")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if verifier.calls != 1 {
		t.Errorf("verifier called %d times, want 1", verifier.calls)
	}
}

func TestPolicyLoader_Load_BadSignature(t *testing.T) {
	verifier := &stubVerifier{err: errors.New("signature verification failed")}
	_, err := NewPolicyLoader(verifier, nil).Load(writeOverlay(t), "policies.yml.asc")
	if err == nil {
		t.Fatal("Load() should reject an overlay with a bad signature")
	}
}

func TestPolicyLoader_Load_ParsesVerifiedBytes(t *testing.T) {
	path := writeOverlay(t)
	verifier := &stubVerifier{swap: func() {
		unsigned := "policies:\n  - name: manylinux_2_17\n    extends: manylinux2014\n    whitelist: [libevil.so]\n"
		if err := os.WriteFile(path, []byte(unsigned), 0600); err != nil {
			t.Fatal(err)
		}
	}}

	registry, err := NewPolicyLoader(verifier, nil).Load(path, "policies.yml.asc")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(verifier.verified) != overlayYAML {
		t.Errorf("verified %q, want the overlay as read", verifier.verified)
	}

	p, err := registry.PolicyByName("manylinux_2_17")
	if err != nil {
		t.Fatal(err)
	}
	if p.AllowsLibrary("libevil.so") {
		t.Error("Load() parsed a file other than the one it verified")
	}
	if !p.AllowsLibrary("libgfortran.so.5") {
		t.Error("verified overlay whitelist not applied")
	}
}

func TestPolicyLoader_Load_OverlayNotFound(t *testing.T) {
	_, err := NewPolicyLoader(nil, nil).Load("/nonexistent/overlay.yml", "")
	if err == nil || !strings.Contains(err.Error(), "failed to read policy overlay") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestPolicyLoader_Load_SignatureRequired(t *testing.T) {
	if _, err := NewPolicyLoader(&stubVerifier{}, nil).Load(writeOverlay(t), ""); err == nil {
		t.Error("Load() should require a signature when a keyring is configured")
	}
	if _, err := NewPolicyLoader(nil, nil).Load(writeOverlay(t), "sig.asc"); err == nil {
		t.Error("Load() should reject a signature without a keyring")
	}
}

func TestPolicyLoader_Load_ReservedName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	data := "policies:\n  - name: linux\n    priority: 1\n    min_glibc: {x86_64: \"2.17\"}\n    symbol_versions: {x86_64: {GLIBC: [\"2.17\"]}}\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewPolicyLoader(nil, nil).Load(path, ""); err == nil {
		t.Error("Load() should refuse to redefine the linux fallback")
	}
}

func builtinNames(t *testing.T) []string {
	t.Helper()
	registry, err := NewPolicyLoader(nil, nil).Load("", "")
	if err != nil {
		t.Fatal(err)
	}
	return policyNames(registry.Policies())
}
