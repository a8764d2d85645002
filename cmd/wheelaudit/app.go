package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ochairo/wheelaudit/internal/config"
	adapters "github.com/ochairo/wheelaudit/internal/domain-adapters/gateways"
	orchestrators "github.com/ochairo/wheelaudit/internal/domain-orchestrators"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces/gateways"
	domainservices "github.com/ochairo/wheelaudit/internal/domain/interfaces/services"
	"github.com/ochairo/wheelaudit/internal/domain/policies"
	"github.com/ochairo/wheelaudit/internal/domain/services"
	"github.com/ochairo/wheelaudit/internal/external-adapters/gpg"
	"github.com/ochairo/wheelaudit/internal/external-adapters/logging"
	"github.com/ochairo/wheelaudit/internal/external-adapters/yaml"
)

// app holds the wired components of one CLI invocation
type app struct {
	cfg          *config.Config
	logger       interfaces.Logger
	parser       gateways.BinaryParser
	systemDirs   gateways.SystemDirsProvider
	registry     *policies.Registry
	resolver     domainservices.DependencyResolver
	orchestrator *orchestrators.AuditOrchestrator
}

// newApp wires gateways, services and the orchestrator from cfg
func newApp(ctx context.Context, cfg *config.Config, logOutput io.Writer) (*app, error) {
	logger := logging.NewWithComponent(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: logOutput,
	}, "wheelaudit")

	registry, err := loadPolicies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	parser := adapters.NewELFParserGateway()
	systemDirs := adapters.NewLdsoConfigGateway(logger)
	resolver := services.NewDependencyResolver(parser, logger)
	evaluator := services.NewComplianceEvaluator(logger)
	repairer := services.NewRepairEngine(
		parser,
		adapters.NewELFPatcherGateway(logger),
		adapters.NewFileHasher(),
		resolver,
		evaluator,
		logger,
	)

	orchestrator := orchestrators.NewAuditOrchestrator(parser, systemDirs, registry, resolver, evaluator, repairer, logger)
	orchestrator.SetWorkers(cfg.Workers)

	return &app{
		cfg:          cfg,
		logger:       logger,
		parser:       parser,
		systemDirs:   systemDirs,
		registry:     registry,
		resolver:     resolver,
		orchestrator: orchestrator,
	}, nil
}

// loadPolicies builds the registry, verifying the overlay when a keyring is configured
func loadPolicies(ctx context.Context, cfg *config.Config, logger interfaces.Logger) (*policies.Registry, error) {
	var verifier gateways.SignatureVerifier
	overlay := cfg.PolicyOverlay
	if overlay.Keyring != "" || overlay.KeyringURL != "" {
		v := gpg.NewVerifier()
		if overlay.Keyring != "" {
			if err := v.ImportKeyFromFile(overlay.Keyring); err != nil {
				return nil, fmt.Errorf("failed to load policy keyring: %w", err)
			}
		}
		if overlay.KeyringURL != "" {
			if err := v.ImportKeysFromURL(ctx, overlay.KeyringURL); err != nil {
				return nil, fmt.Errorf("failed to fetch policy keyring: %w", err)
			}
		}
		logger.Debug("policy keyring loaded", interfaces.F("keys", v.KeyringSize()))
		verifier = v
	}

	registry, err := yaml.NewPolicyLoader(verifier, logger).Load(overlay.Path, overlay.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	return registry, nil
}
