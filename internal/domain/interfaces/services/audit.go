// Package services defines interfaces for domain service contracts.
package services

import (
	"context"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
)

// DependencyResolver builds the shared-library dependency graph of a binary
type DependencyResolver interface {
	Resolve(ctx context.Context, root entities.BinaryImage, search entities.SearchContext) (*entities.DependencyGraph, error)
}

// EvalOptions tunes a compliance evaluation
type EvalOptions struct {
	// AllowedBundles are third-party libraries the caller intends to bundle
	AllowedBundles []string
	AllowLibPython bool
}

// ComplianceEvaluator checks a dependency graph against policies
type ComplianceEvaluator interface {
	Evaluate(graph *entities.DependencyGraph, policy *entities.Policy, opts EvalOptions) entities.ComplianceVerdict
	BestPolicy(graph *entities.DependencyGraph, policies []*entities.Policy, opts EvalOptions) entities.Selection
	BestRepairable(graph *entities.DependencyGraph, policies []*entities.Policy, opts EvalOptions) (entities.Selection, bool)
	PlanGrafts(graph *entities.DependencyGraph, policy *entities.Policy, opts EvalOptions) entities.GraftPlan
}

// RepairPlan is the input of one repair
type RepairPlan struct {
	BinaryPath string
	Graph      *entities.DependencyGraph
	Policy     *entities.Policy
	Verdict    entities.ComplianceVerdict
	Search     entities.SearchContext
	OutputDir  string
	// LibsDirName is relative to OutputDir
	LibsDirName string
	MaxDepth    int
	Options     EvalOptions
}

// RepairEngine grafts disallowed libraries into the artifact
type RepairEngine interface {
	Repair(ctx context.Context, plan RepairPlan) (*entities.RepairResult, error)
}
