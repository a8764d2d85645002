package yaml

import (
	"fmt"
	"os"

	"github.com/ochairo/wheelaudit/internal/domain/interfaces"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces/gateways"
	"github.com/ochairo/wheelaudit/internal/domain/policies"
)

// PolicyLoader builds the policy registry from the built-in table and an
// optional overlay file
type PolicyLoader struct {
	parser   *PolicyParser
	verifier gateways.SignatureVerifier
	logger   interfaces.Logger
}

// NewPolicyLoader creates a new loader. When verifier is non-nil every overlay
// must carry a valid detached signature.
func NewPolicyLoader(verifier gateways.SignatureVerifier, logger interfaces.Logger) *PolicyLoader {
	builtin := policies.Default()
	return &PolicyLoader{
		parser:   NewPolicyParser(builtin.PolicyByName),
		verifier: verifier,
		logger:   interfaces.OrNoOp(logger),
	}
}

// Load returns the registry. An empty overlayPath yields the built-in table.
func (l *PolicyLoader) Load(overlayPath, sigPath string) (*policies.Registry, error) {
	if overlayPath == "" {
		return policies.Default(), nil
	}

	//nolint:gosec // G304: overlayPath is the configured overlay
	data, err := os.ReadFile(overlayPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy overlay %s: %w", overlayPath, err)
	}

	if l.verifier != nil {
		if sigPath == "" {
			return nil, fmt.Errorf("policy overlay %s has no signature configured", overlayPath)
		}
		if err := l.verifier.VerifySignature(data, sigPath); err != nil {
			return nil, fmt.Errorf("policy overlay %s: %w", overlayPath, err)
		}
		l.logger.Debug("policy overlay signature verified", interfaces.F("path", overlayPath))
	} else if sigPath != "" {
		return nil, fmt.Errorf("policy overlay signature given without a keyring")
	}

	extra, err := l.parser.Parse(data)
	if err != nil {
		return nil, err
	}
	registry, err := policies.NewRegistry(extra...)
	if err != nil {
		return nil, fmt.Errorf("policy overlay %s: %w", overlayPath, err)
	}

	l.logger.Info("loaded policy overlay",
		interfaces.F("path", overlayPath),
		interfaces.F("policies", policyNames(extra)))
	return registry, nil
}
