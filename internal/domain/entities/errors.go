package entities

import (
	"errors"
	"fmt"
)

// Sentinel errors of the auditor
var (
	ErrMalformedBinary         = errors.New("malformed binary")
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
	ErrUnknownPolicy           = errors.New("unknown policy")
	ErrNotCompliant            = errors.New("binary is not compliant")
	ErrRepairIncomplete        = errors.New("repair incomplete")
	ErrNoSpareSegment          = errors.New("no spare program header to map patched dynamic data")
)

// NotCompliantError carries the verdict of a failed check
type NotCompliantError struct {
	Binary  string
	Verdict ComplianceVerdict
}

func (e *NotCompliantError) Error() string {
	return fmt.Sprintf("%s is not %s compliant: %s", e.Binary, e.Verdict.PolicyName, e.Verdict.Summary())
}

// Unwrap lets errors.Is match ErrNotCompliant
func (e *NotCompliantError) Unwrap() error {
	return ErrNotCompliant
}

// RepairIncompleteError carries the violations left after repair gave up
type RepairIncompleteError struct {
	Binary  string
	Rounds  int
	Verdict ComplianceVerdict
}

func (e *RepairIncompleteError) Error() string {
	return fmt.Sprintf("repair of %s did not converge after %d round(s): %s", e.Binary, e.Rounds, e.Verdict.Summary())
}

// Unwrap lets errors.Is match ErrRepairIncomplete
func (e *RepairIncompleteError) Unwrap() error {
	return ErrRepairIncomplete
}
