// internal/registry/models.go
package registry

import (
	"fmt"
	"time"
)

// CapabilityType is the closed set of capability kinds.
type CapabilityType string

const (
	TypeTool     CapabilityType = "tool"
	TypePlugin   CapabilityType = "plugin"
	TypeTemplate CapabilityType = "template"
	TypeWorkflow CapabilityType = "workflow"
)

// ParseCapabilityType validates s against the known kinds.
func ParseCapabilityType(s string) (CapabilityType, error) {
	switch t := CapabilityType(s); t {
	case TypeTool, TypePlugin, TypeTemplate, TypeWorkflow:
		return t, nil
	default:
		return "", fmt.Errorf("unknown capability type %q", s)
	}
}

// Status is a capability's lifecycle state.
//
//	draft -> validated -> active
//	  any -> error | deprecated
type Status string

const (
	StatusDraft      Status = "draft"
	StatusValidated  Status = "validated"
	StatusActive     Status = "active"
	StatusError      Status = "error"
	StatusDeprecated Status = "deprecated"
)

// AllStatuses lists statuses in lifecycle order.
var AllStatuses = []Status{StatusDraft, StatusValidated, StatusActive, StatusError, StatusDeprecated}

// ParseStatus validates s against the known statuses.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusDraft, StatusValidated, StatusActive, StatusError, StatusDeprecated:
		return st, nil
	default:
		return "", fmt.Errorf("unknown capability status %q", s)
	}
}

// Executable reports whether calls may be dispatched to a capability in this status.
func (s Status) Executable() bool {
	switch s {
	case StatusValidated, StatusActive:
		return true
	case StatusDraft, StatusError, StatusDeprecated:
		return false
	default:
		return false
	}
}

// Capability is one registered, executable unit.
type Capability struct {
	Name         string         `json:"name" yaml:"name"`
	Type         CapabilityType `json:"capability_type" yaml:"capability_type"`
	Status       Status         `json:"status" yaml:"status"`
	Version      string         `json:"version" yaml:"version"`
	Author       string         `json:"author" yaml:"author"`
	Description  string         `json:"description" yaml:"description"`
	Archetype    string         `json:"archetype,omitempty" yaml:"archetype,omitempty"`
	Code         string         `json:"code" yaml:"code"`
	Schema       string         `json:"schema,omitempty" yaml:"schema,omitempty"`
	Tags         []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	UseCases     []string       `json:"use_cases,omitempty" yaml:"use_cases,omitempty"`
	// Examples are JSON-encoded parameter objects known to succeed.
	Examples     []string  `json:"examples,omitempty" yaml:"examples,omitempty"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	LastUsed     time.Time `json:"last_used,omitempty" yaml:"last_used,omitempty"`
	UsageCount   int64     `json:"usage_count" yaml:"usage_count"`
	ErrorMessage string    `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// clone returns a deep copy so callers never share slices with the catalog.
func (c Capability) clone() Capability {
	c.Tags = cloneStrings(c.Tags)
	c.Dependencies = cloneStrings(c.Dependencies)
	c.UseCases = cloneStrings(c.UseCases)
	c.Examples = cloneStrings(c.Examples)
	return c
}

// Filter narrows List. Empty fields match everything; Tags must all be present.
type Filter struct {
	Types    []CapabilityType
	Statuses []Status
	Tags     []string
}

// UsageEntry is one row of the most-used ranking.
type UsageEntry struct {
	Name       string `json:"name" yaml:"name"`
	UsageCount int64  `json:"usage_count" yaml:"usage_count"`
}

// ErrorEntry names a capability in error and why.
type ErrorEntry struct {
	Name    string `json:"name" yaml:"name"`
	Message string `json:"message" yaml:"message"`
}

// Stats summarises the catalog.
type Stats struct {
	Total    int                    `json:"total" yaml:"total"`
	ByType   map[CapabilityType]int `json:"by_type" yaml:"by_type"`
	ByStatus map[Status]int         `json:"by_status" yaml:"by_status"`
	MostUsed []UsageEntry           `json:"most_used" yaml:"most_used"`
	Recent   []string               `json:"recent" yaml:"recent"`
	Errors   []ErrorEntry           `json:"errors" yaml:"errors"`
}

// ExportDocument is the audit format written by Export and read by Import.
type ExportDocument struct {
	ExportedAt   time.Time    `json:"exported_at" yaml:"exported_at"`
	Total        int          `json:"total" yaml:"total"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
}

// ImportReport counts what Import did.
type ImportReport struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}
