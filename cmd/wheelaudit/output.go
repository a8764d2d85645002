package main

import (
	"encoding/json"
	"fmt"
	"io"

	orchestrators "github.com/ochairo/wheelaudit/internal/domain-orchestrators"
	"github.com/ochairo/wheelaudit/internal/domain/entities"
)

// jsonResult is the machine-readable form of one batch entry
type jsonResult struct {
	Binary string                `json:"binary"`
	Result *entities.AuditResult `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
}

func printResults(w io.Writer, results []orchestrators.BatchResult, asJSON bool) error {
	if asJSON {
		out := make([]jsonResult, 0, len(results))
		for _, r := range results {
			entry := jsonResult{Binary: r.Request.BinaryPath, Result: r.Result}
			if r.Err != nil {
				entry.Error = r.Err.Error()
			}
			out = append(out, entry)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	for _, r := range results {
		printResult(w, r)
	}
	return nil
}

func printResult(w io.Writer, r orchestrators.BatchResult) {
	res := r.Result
	if res == nil {
		fmt.Fprintf(w, "%s: error: %v\n", r.Request.BinaryPath, r.Err)
		return
	}

	status := "compliant"
	switch {
	case res.Skipped:
		status = "skipped"
	case res.Fallback:
		status = "repair failed, labelled with the generic tag"
	case !res.Compliant:
		status = "not compliant"
	case res.Repair != nil:
		status = "repaired"
	}
	fmt.Fprintf(w, "%s: %s (%s)\n", res.Binary, res.Policy, status)

	if res.BestPolicy != "" && res.BestPolicy != res.Policy {
		fmt.Fprintf(w, "  eligible for: %s\n", res.BestPolicy)
	}
	if !res.Compliant && !res.Skipped {
		for _, v := range res.Verdict.Violations {
			fmt.Fprintf(w, "  - %s\n", v)
		}
	}
	if res.Repair != nil {
		fmt.Fprintf(w, "  patched: %s\n", res.Repair.PatchedBinary)
		for _, g := range res.Repair.Grafted {
			fmt.Fprintf(w, "  bundled %s -> %s\n", g.Original, g.Path)
		}
	}
}
