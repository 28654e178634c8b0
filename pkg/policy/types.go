package policy

import (
	"sort"
	"time"

	"github.com/stanza-tools/stanza/pkg/config"
	"github.com/stanza-tools/stanza/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for configurations that work but are probably a mistake.
	SeverityWarning Severity = "warning"

	// SeverityError is for configurations that must not be started.
	SeverityError Severity = "error"
)

// Blocking reports whether violations of this severity refuse the configuration.
func (s Severity) Blocking() bool {
	return s == SeverityError
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with stanza.
	Builtin bool `json:"-"`

	// Source is the file the policy was loaded from.
	Source string `json:"-"`
}

// Violation is a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Bundle is the bundle that violated the policy, if any.
	Bundle string `json:"bundle,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when at least one violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists every violation, ordered by bundle then policy.
	Violations []Violation `json:"violations"`

	// Failures lists policies whose evaluation failed.
	Failures []string `json:"failures,omitempty"`

	// Evaluated lists the names of the evaluated policies.
	Evaluated []string `json:"evaluated"`

	// EvaluatedAt is when the evaluation completed.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is the evaluation wall time.
	Duration time.Duration `json:"duration"`
}

// Errors returns the blocking violations.
func (r *Result) Errors() []Violation {
	return r.filter(func(v Violation) bool { return v.Severity.Blocking() })
}

// Warnings returns the non-blocking violations.
func (r *Result) Warnings() []Violation {
	return r.filter(func(v Violation) bool { return !v.Severity.Blocking() })
}

func (r *Result) filter(keep func(Violation) bool) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func sortViolations(violations []Violation) {
	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Bundle != violations[j].Bundle {
			return violations[i].Bundle < violations[j].Bundle
		}
		if violations[i].Policy != violations[j].Policy {
			return violations[i].Policy < violations[j].Policy
		}
		return violations[i].Message < violations[j].Message
	})
}

// Input is the document policies are evaluated against (`input` in Rego).
type Input struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	BuildOutputPath string        `json:"buildOutputPath"`
	PublicAssets    string        `json:"publicAssetsPath"`
	Bundles         []BundleInput `json:"bundles"`
	Context         InputContext  `json:"context"`
}

// BundleInput is the policy view of a bundle descriptor.
type BundleInput struct {
	Name        string            `json:"name"`
	Target      string            `json:"target"`
	Entry       string            `json:"entry"`
	OutputPath  string            `json:"outputPath"`
	WebPath     string            `json:"webPath,omitempty"`
	AutoStart   bool              `json:"autoStart"`
	Peer        string            `json:"peer,omitempty"`
	VendorCache *VendorCacheInput `json:"vendorCache,omitempty"`
}

// VendorCacheInput is the policy view of a vendor cache declaration.
type VendorCacheInput struct {
	Enabled bool     `json:"enabled"`
	Name    string   `json:"name"`
	Include []string `json:"include"`
}

// InputContext carries evaluation metadata.
type InputContext struct {
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// NewInput builds the policy input of a project.
func NewInput(cfg *config.ProjectConfig, mode engine.Mode) *Input {
	in := &Input{
		Host:            cfg.Host,
		Port:            cfg.ClientDevServerPort,
		BuildOutputPath: cfg.BuildOutputPath,
		PublicAssets:    cfg.PublicAssetsPath,
		Bundles:         make([]BundleInput, 0, len(cfg.Bundles)),
		Context: InputContext{
			Mode:      string(mode),
			Timestamp: time.Now(),
		},
	}

	for _, name := range cfg.BundleNames() {
		d := cfg.Bundles[name]
		b := BundleInput{
			Name:       name,
			Target:     string(d.Target),
			Entry:      d.EntryPath,
			OutputPath: d.OutputPath,
			WebPath:    d.WebPath,
			AutoStart:  d.AutoStart,
			Peer:       d.Peer,
		}
		if d.VendorCache != nil {
			b.VendorCache = &VendorCacheInput{
				Enabled: d.VendorCache.Enabled,
				Name:    d.VendorCache.Name,
				Include: append([]string{}, d.VendorCache.Include...),
			}
		}
		in.Bundles = append(in.Bundles, b)
	}

	return in
}
