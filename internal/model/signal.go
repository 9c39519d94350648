package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Severity ranks how urgent a signal is for the account team.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// ParseSeverity normalizes case and whitespace before validating.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", eris.Errorf("model: unknown severity %q", raw)
	}
	return s, nil
}

// Category classifies what a signal is about.
type Category string

const (
	CategoryLeadershipChange Category = "leadership_change"
	CategoryExpansion        Category = "expansion"
	CategoryFinancial        Category = "financial"
	CategoryTechnology       Category = "technology"
	CategoryPartnership      Category = "partnership"
	CategoryRegulatory       Category = "regulatory"
	CategoryWorkforce        Category = "workforce"
	CategoryOther            Category = "other"
)

// AllCategories returns every signal category in prompt order.
func AllCategories() []Category {
	return []Category{
		CategoryLeadershipChange,
		CategoryExpansion,
		CategoryFinancial,
		CategoryTechnology,
		CategoryPartnership,
		CategoryRegulatory,
		CategoryWorkforce,
		CategoryOther,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory normalizes case, whitespace, and spaces/hyphens to underscores.
func ParseCategory(raw string) (Category, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	c := Category(norm)
	if !c.Valid() {
		return "", eris.Errorf("model: unknown category %q", raw)
	}
	return c, nil
}

// Signal is a derived, categorized fact about an organization. Signals are
// append-only.
type Signal struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	DocumentID     *string        `json:"document_id,omitempty"`
	Severity       Severity       `json:"severity"`
	Category       Category       `json:"category"`
	Summary        string         `json:"summary"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// EntityKind describes the type of named actor.
type EntityKind string

const (
	EntityKindPerson     EntityKind = "person"
	EntityKindDepartment EntityKind = "department"
	EntityKindVendor     EntityKind = "vendor"
	EntityKindFacility   EntityKind = "facility"
	EntityKindOther      EntityKind = "other"
)

// ParseEntityKind maps unknown kinds to EntityKindOther.
func ParseEntityKind(raw string) EntityKind {
	switch k := EntityKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case EntityKindPerson, EntityKindDepartment, EntityKindVendor, EntityKindFacility:
		return k
	default:
		return EntityKindOther
	}
}

// Entity is a derived named stakeholder tied to an organization. Entities
// are append-only.
type Entity struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	DocumentID     *string    `json:"document_id,omitempty"`
	Name           string     `json:"name"`
	Kind           EntityKind `json:"kind"`
	Role           string     `json:"role,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
