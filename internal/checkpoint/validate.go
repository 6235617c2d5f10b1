package checkpoint

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Status is the gate decision.
type Status string

const (
	StatusAllowed Status = "allowed"
	StatusBlocked Status = "blocked"
)

// Reason explains a Blocked status.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonUnmetFields Reason = "unmet_fields"
	ReasonParseError  Reason = "parse_error"
)

// Fields the validator checks regardless of profile.
const (
	FieldJobComplete = "is_job_complete"
	FieldWhatRemains = "what_remains"
	FieldWhatWasDone = "what_was_done"
)

// NothingRemains is the only what_remains value that allows a stop.
const NothingRemains = "none"

// Result is the outcome of validating one document against one profile.
type Result struct {
	Status     Status   `json:"status"`
	Profile    string   `json:"profile,omitempty"`
	Unmet      []string `json:"unmet"`
	Reason     Reason   `json:"reason,omitempty"`
	ParseError string   `json:"parse_error,omitempty"`
}

// Allowed reports whether the task may stop.
func (r Result) Allowed() bool {
	return r.Status == StatusAllowed
}

// Message names every unmet field, or the parse error.
func (r Result) Message() string {
	switch {
	case r.Allowed():
		return "checkpoint allowed"
	case r.Reason == ReasonParseError:
		return fmt.Sprintf("checkpoint blocked: malformed document: %s", r.ParseError)
	default:
		return fmt.Sprintf("checkpoint blocked by profile %s: unmet %s", r.Profile, strings.Join(r.Unmet, ", "))
	}
}

// ValidateBytes parses raw and validates it. It never returns an error: a
// malformed document is Blocked with ReasonParseError.
func ValidateBytes(raw []byte, profile Profile) Result {
	doc, err := ParseDocument(raw)
	if err != nil {
		return Result{
			Status:     StatusBlocked,
			Profile:    profile.Name,
			Unmet:      []string{},
			Reason:     ReasonParseError,
			ParseError: err.Error(),
		}
	}
	return Validate(doc, profile)
}

// Validate decides Allow/Block for a parsed document.
//
// The result is a pure function of (doc, profile): unmet is exactly the set
// of fields failing their requirement, sorted by name.
func Validate(doc *Document, profile Profile) Result {
	if doc == nil {
		return Result{
			Status:     StatusBlocked,
			Profile:    profile.Name,
			Unmet:      []string{},
			Reason:     ReasonParseError,
			ParseError: "checkpoint document is missing",
		}
	}

	unmet := make(map[string]struct{})

	for name, req := range profile.Fields {
		value, present := doc.SelfReport[name]
		switch req.Kind {
		case Declared:
			if !present {
				unmet[name] = struct{}{}
			}
		case Required, RequiredIf:
			if req.Applies(doc.SelfReport) && (!present || !value) {
				unmet[name] = struct{}{}
			}
		default:
			// A table that slipped past Profile.Check still cannot allow.
			unmet[name] = struct{}{}
		}
	}

	if !doc.SelfReport[FieldJobComplete] {
		unmet[FieldJobComplete] = struct{}{}
	}

	if !nothingRemains(doc.Reflection.WhatRemains) {
		unmet[FieldWhatRemains] = struct{}{}
	}

	if profile.MinDoneLength > 0 {
		done := strings.TrimSpace(doc.Reflection.WhatWasDone)
		if utf8.RuneCountInString(done) < profile.MinDoneLength {
			unmet[FieldWhatWasDone] = struct{}{}
		}
	}

	result := Result{
		Status:  StatusAllowed,
		Profile: profile.Name,
		Unmet:   make([]string, 0, len(unmet)),
	}
	for name := range unmet {
		result.Unmet = append(result.Unmet, name)
	}
	sort.Strings(result.Unmet)

	if len(result.Unmet) > 0 {
		result.Status = StatusBlocked
		result.Reason = ReasonUnmetFields
	}
	return result
}

// nothingRemains compares against the sentinel after trimming, NFC
// normalization and Unicode case folding.
func nothingRemains(s string) bool {
	folded := cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
	return folded == NothingRemains
}
