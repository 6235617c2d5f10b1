// Package compiler turns CUE profile tables into checkpoint profiles.
//
// The built-in table (profiles.cue) defines the minimal and strict
// profiles. An optional user file is unified on top of it: it can add
// profiles, add fields, or override any value the built-in table marks as
// a default.
package compiler

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/stopgate/internal/checkpoint"
)

//go:embed profiles.cue
var builtinProfiles []byte

// CompileError reports a problem in a profile table, with the CUE source
// position when one is known.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// DefaultProfiles compiles the built-in table alone.
func DefaultProfiles() ([]checkpoint.Profile, error) {
	return CompileProfiles(nil, "")
}

// LoadProfiles compiles the built-in table unified with the file at path.
// An empty path or a missing file means built-ins only.
func LoadProfiles(path string) ([]checkpoint.Profile, error) {
	if path == "" {
		return DefaultProfiles()
	}
	src, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultProfiles()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}
	return CompileProfiles(src, path)
}

// CompileProfiles compiles the built-in table unified with override (which
// may be nil). The result is sorted highest precedence first and every
// profile has passed checkpoint.Profile.Check.
func CompileProfiles(override []byte, filename string) ([]checkpoint.Profile, error) {
	ctx := cuecontext.New()

	v := ctx.CompileBytes(builtinProfiles, cue.Filename("profiles.cue"))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	if len(override) > 0 {
		if filename == "" {
			filename = "override.cue"
		}
		user := ctx.CompileBytes(override, cue.Filename(filename))
		if err := user.Err(); err != nil {
			return nil, formatCUEError(err)
		}
		v = v.Unify(user)
	}

	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	profilesVal := v.LookupPath(cue.ParsePath("profiles"))
	if !profilesVal.Exists() {
		return nil, &CompileError{Field: "profiles", Message: "profiles table is required", Pos: v.Pos()}
	}

	iter, err := profilesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var profiles []checkpoint.Profile
	for iter.Next() {
		p, err := compileProfile(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		if err := p.Check(); err != nil {
			return nil, &CompileError{Field: "profiles." + p.Name, Message: err.Error(), Pos: iter.Value().Pos()}
		}
		profiles = append(profiles, p)
	}

	if len(profiles) == 0 {
		return nil, &CompileError{Field: "profiles", Message: "at least one profile is required", Pos: profilesVal.Pos()}
	}

	checkpoint.SortByPrecedence(profiles)
	return profiles, nil
}

func compileProfile(name string, v cue.Value) (checkpoint.Profile, error) {
	p := checkpoint.Profile{Name: name, Fields: map[string]checkpoint.Requirement{}}

	precedence, err := resolved(v.LookupPath(cue.ParsePath("precedence"))).Int64()
	if err != nil {
		return p, formatCUEError(err)
	}
	p.Precedence = int(precedence)

	minDone, err := resolved(v.LookupPath(cue.ParsePath("min_done_length"))).Int64()
	if err != nil {
		return p, formatCUEError(err)
	}
	p.MinDoneLength = int(minDone)

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return p, nil
	}

	iter, err := fieldsVal.Fields()
	if err != nil {
		return p, formatCUEError(err)
	}
	for iter.Next() {
		fieldName := iter.Label()
		fieldVal := iter.Value()

		kind, err := resolved(fieldVal.LookupPath(cue.ParsePath("kind"))).String()
		if err != nil {
			return p, formatCUEError(err)
		}
		req := checkpoint.Requirement{Kind: checkpoint.RequirementKind(kind)}

		if req.Kind == checkpoint.RequiredIf {
			gate := fieldVal.LookupPath(cue.ParsePath("field"))
			if !gate.Exists() {
				return p, &CompileError{
					Field:   fmt.Sprintf("profiles.%s.fields.%s.field", name, fieldName),
					Message: "required_if needs a gating field",
					Pos:     fieldVal.Pos(),
				}
			}
			if req.Field, err = resolved(gate).String(); err != nil {
				return p, formatCUEError(err)
			}

			req.Equals = true
			if eq := fieldVal.LookupPath(cue.ParsePath("equals")); eq.Exists() {
				if req.Equals, err = resolved(eq).Bool(); err != nil {
					return p, formatCUEError(err)
				}
			}
		}

		p.Fields[fieldName] = req
	}

	return p, nil
}

// resolved picks the default of a disjunction like *10 | int.
func resolved(v cue.Value) cue.Value {
	if d, ok := v.Default(); ok {
		return d
	}
	return v
}

// ProfileNames lists names in sorted order, for messages.
func ProfileNames(profiles []checkpoint.Profile) []string {
	names := make([]string, 0, len(profiles))
	for _, p := range profiles {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
