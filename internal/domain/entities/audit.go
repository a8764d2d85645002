package entities

// AuditMode selects what the auditor does with a binary
type AuditMode string

// Audit modes
const (
	ModeCheck  AuditMode = "check"
	ModeRepair AuditMode = "repair"
	ModeSkip   AuditMode = "skip"
)

// ParseAuditMode validates a mode string
func ParseAuditMode(s string) (AuditMode, bool) {
	switch AuditMode(s) {
	case ModeCheck, ModeRepair, ModeSkip:
		return AuditMode(s), true
	default:
		return "", false
	}
}

// PolicyAuto asks the auditor to pick the most restrictive satisfied policy
const PolicyAuto = "auto"

// AuditRequest is everything the packaging layer supplies for one artifact
type AuditRequest struct {
	BinaryPath string
	// Policy is a policy name, alias, or PolicyAuto
	Policy string
	Mode   AuditMode
	// LibraryDirs are extra search directories (linked paths, LD_LIBRARY_PATH)
	LibraryDirs []string
	// AllowBundles names third-party libraries that are intentionally bundled
	AllowBundles []string
	// Bundled maps library names to files already copied into the artifact
	Bundled map[string]string
	// ArtifactRoot is the directory tree shipped with the binary; defaults to its directory
	ArtifactRoot string
	// OutputDir receives the repaired binary and grafted libraries
	OutputDir string
	// LibsDirName is the private directory for grafted libraries; defaults to <binary>.libs
	LibsDirName    string
	Sysroot        string
	AllowLibPython bool
	Strict         bool
	MaxRepairDepth int
}

// GraftedLibrary is one library copied into the artifact by the repair engine
type GraftedLibrary struct {
	Original string `json:"original"`
	Source   string `json:"source"`
	Path     string `json:"path"`
	Soname   string `json:"soname"`
}

// RepairResult describes what the repair engine changed
type RepairResult struct {
	PatchedBinary string            `json:"patched_binary"`
	Grafted       []GraftedLibrary  `json:"grafted"`
	Verdict       ComplianceVerdict `json:"verdict"`
	Rounds        int               `json:"rounds"`
}

// Files returns the paths the packaging layer must add to the archive
func (r *RepairResult) Files() []string {
	files := make([]string, 0, len(r.Grafted))
	for _, g := range r.Grafted {
		files = append(files, g.Path)
	}
	return files
}

// AuditResult is the terminal outcome of auditing one artifact
type AuditResult struct {
	Binary string `json:"binary"`
	// Policy is the tag the artifact should be labelled with
	Policy     string            `json:"policy"`
	BestPolicy string            `json:"best_policy,omitempty"`
	Verdict    ComplianceVerdict `json:"verdict"`
	Repair     *RepairResult     `json:"repair,omitempty"`
	Compliant  bool              `json:"compliant"`
	// Fallback is set when repair failed and the artifact was labelled with the generic linux tag
	Fallback bool `json:"fallback,omitempty"`
	Skipped  bool `json:"skipped,omitempty"`
}

// DynamicEdit describes changes to a binary's dynamic section.
// Empty fields are left untouched.
type DynamicEdit struct {
	Soname        string
	Runpath       string
	ReplaceNeeded map[string]string
}

// IsEmpty reports whether the edit changes nothing
func (e DynamicEdit) IsEmpty() bool {
	return e.Soname == "" && e.Runpath == "" && len(e.ReplaceNeeded) == 0
}
