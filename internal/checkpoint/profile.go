package checkpoint

import (
	"fmt"
	"sort"
)

// RequirementKind says when a self_report field must hold.
type RequirementKind string

const (
	// Required fields must be present and true.
	Required RequirementKind = "required"

	// RequiredIf fields must be present and true only when another
	// self_report field equals a given value.
	RequiredIf RequirementKind = "required_if"

	// Declared fields must be present but may hold either value.
	Declared RequirementKind = "declared"
)

// Requirement is one row of a profile table.
type Requirement struct {
	Kind RequirementKind `json:"kind"`

	// Field and Equals describe the gating condition for RequiredIf.
	Field  string `json:"field,omitempty"`
	Equals bool   `json:"equals,omitempty"`
}

// Applies reports whether the requirement is active for the given report.
// A RequiredIf condition on a field that is absent is not satisfied.
func (r Requirement) Applies(report map[string]bool) bool {
	switch r.Kind {
	case Required:
		return true
	case RequiredIf:
		v, ok := report[r.Field]
		return ok && v == r.Equals
	default:
		return false
	}
}

// String renders the requirement the way profile tables are written.
func (r Requirement) String() string {
	if r.Kind == RequiredIf {
		return fmt.Sprintf("required_if(%s=%t)", r.Field, r.Equals)
	}
	return string(r.Kind)
}

// Profile is a named table of checkpoint field requirements.
type Profile struct {
	Name string `json:"name"`

	// Precedence decides which profile wins when several are active for the
	// same task. Higher wins; ties break by name.
	Precedence int `json:"precedence"`

	// MinDoneLength is the minimum trimmed rune count of what_was_done.
	// Zero disables the check.
	MinDoneLength int `json:"min_done_length"`

	Fields map[string]Requirement `json:"fields"`
}

// FieldNames returns the profile's field names in sorted order.
func (p Profile) FieldNames() []string {
	names := make([]string, 0, len(p.Fields))
	for name := range p.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check verifies the table is internally consistent: every RequiredIf
// condition names a field the profile itself declares.
func (p Profile) Check() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.MinDoneLength < 0 {
		return fmt.Errorf("profile %s: min_done_length must be >= 0", p.Name)
	}
	for _, name := range p.FieldNames() {
		req := p.Fields[name]
		switch req.Kind {
		case Required, Declared:
		case RequiredIf:
			if req.Field == "" {
				return fmt.Errorf("profile %s: field %s: required_if needs a gating field", p.Name, name)
			}
			if req.Field == name {
				return fmt.Errorf("profile %s: field %s: cannot gate on itself", p.Name, name)
			}
			if _, ok := p.Fields[req.Field]; !ok {
				return fmt.Errorf("profile %s: field %s: gating field %s is not part of the profile", p.Name, name, req.Field)
			}
		default:
			return fmt.Errorf("profile %s: field %s: unknown requirement kind %q", p.Name, name, req.Kind)
		}
	}
	return nil
}

// SortByPrecedence orders profiles highest precedence first, ties by name.
func SortByPrecedence(profiles []Profile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		if profiles[i].Precedence != profiles[j].Precedence {
			return profiles[i].Precedence > profiles[j].Precedence
		}
		return profiles[i].Name < profiles[j].Name
	})
}
