// Package buildinfo contains build-time metadata and validation results kept
// separate from user configuration.
package buildinfo

import "fmt"

// UnknownValue is reported for metadata the build did not inject.
const UnknownValue = "unknown"

// Context contains build-time metadata that is not user-configurable. It is
// injected at startup through -ldflags.
type Context struct {
	version   string
	buildDate string
	commit    string
}

// NewContext creates a Context.
func NewContext(version, buildDate, commit string) *Context {
	return &Context{version: version, buildDate: buildDate, commit: commit}
}

// Version returns the version tag, or UnknownValue.
func (c *Context) Version() string {
	if c == nil || c.version == "" {
		return UnknownValue
	}
	return c.version
}

// BuildDate returns the build timestamp, or UnknownValue.
func (c *Context) BuildDate() string {
	if c == nil || c.buildDate == "" {
		return UnknownValue
	}
	return c.buildDate
}

// Commit returns the source revision, or UnknownValue.
func (c *Context) Commit() string {
	if c == nil || c.commit == "" {
		return UnknownValue
	}
	return c.commit
}

func (c *Context) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", c.Version(), c.Commit(), c.BuildDate())
}

// ValidationResult holds validation outcomes separately from configuration.
type ValidationResult struct {
	// Warnings are issues that do not prevent the graph from running
	Warnings []string `json:"warnings,omitempty"`

	// Errors are critical issues that should prevent startup
	Errors []string `json:"errors,omitempty"`

	Valid bool `json:"valid"`
}

// NewValidationResult creates a new validation result with Valid set to true
func NewValidationResult() *ValidationResult {
	return &ValidationResult{Valid: true}
}

// AddWarning adds a warning to the validation result
func (r *ValidationResult) AddWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// AddError adds an error to the validation result
func (r *ValidationResult) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

// HasIssues returns true if there are any warnings or errors
func (r *ValidationResult) HasIssues() bool {
	return len(r.Warnings) > 0 || len(r.Errors) > 0
}
