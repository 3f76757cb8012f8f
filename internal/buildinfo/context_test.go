package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextAccessors(t *testing.T) {
	tests := []struct {
		name                     string
		ctx                      *Context
		version, date, commitRev string
	}{
		{"nil context", nil, UnknownValue, UnknownValue, UnknownValue},
		{"empty values", NewContext("", "", ""), UnknownValue, UnknownValue, UnknownValue},
		{"populated", NewContext("1.0.0-beta.1", "2026-01-02", "abc123"), "1.0.0-beta.1", "2026-01-02", "abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.version, tt.ctx.Version())
			assert.Equal(t, tt.date, tt.ctx.BuildDate())
			assert.Equal(t, tt.commitRev, tt.ctx.Commit())
		})
	}
}

func TestContextString(t *testing.T) {
	ctx := NewContext("1.2.3", "2026-01-02", "abc123")
	assert.Equal(t, "1.2.3 (commit abc123, built 2026-01-02)", ctx.String())
}

func TestValidationResult(t *testing.T) {
	r := NewValidationResult()
	assert.True(t, r.Valid)
	assert.False(t, r.HasIssues())

	r.AddWarning("node %s: %s out of range", "OSC", "frequency")
	assert.True(t, r.Valid)
	assert.True(t, r.HasIssues())
	assert.Equal(t, []string{"node OSC: frequency out of range"}, r.Warnings)

	r.AddError("node %s: unknown type", "X")
	assert.False(t, r.Valid)
	assert.Equal(t, []string{"node X: unknown type"}, r.Errors)
}
