package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/stopgate/internal/fault"
)

// Document is the self-reported completion state written by a running task.
type Document struct {
	SelfReport map[string]bool `json:"self_report"`
	Reflection Reflection      `json:"reflection"`
	Evidence   map[string]any  `json:"evidence,omitempty"`
}

// Reflection is the free-text part of a checkpoint.
type Reflection struct {
	WhatWasDone string  `json:"what_was_done"`
	WhatRemains string  `json:"what_remains"`
	Blockers    *string `json:"blockers,omitempty"`
}

// documentSchema is checked before any semantic evaluation so that a
// document with the wrong shape is reported as a parse error instead of
// as a pile of unmet fields. Only the required keys and their types are
// constrained; extra keys at any level are ignored.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["self_report", "reflection"],
  "properties": {
    "self_report": {
      "type": "object",
      "additionalProperties": {"type": "boolean"}
    },
    "reflection": {
      "type": "object",
      "required": ["what_was_done", "what_remains"],
      "properties": {
        "what_was_done": {"type": "string"},
        "what_remains": {"type": "string"},
        "blockers": {"type": ["string", "null"]}
      }
    },
    "evidence": {"type": "object"}
  }
}`

const documentSchemaURL = "file:///stopgate/checkpoint.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(documentSchemaURL, strings.NewReader(documentSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(documentSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ParseDocument decodes and structurally validates a checkpoint document.
// All failures are SchemaError.
func ParseDocument(raw []byte) (*Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fault.New(fault.CodeSchema, "checkpoint document is empty")
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fault.Wrap(fault.CodeSchema, "checkpoint document is not valid JSON", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fault.Wrap(fault.CodeSchema, "checkpoint schema unavailable", err)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, fault.Wrap(fault.CodeSchema, "checkpoint document does not match schema", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fault.Wrap(fault.CodeSchema, "decode checkpoint document", err)
	}
	if doc.SelfReport == nil {
		doc.SelfReport = map[string]bool{}
	}
	return &doc, nil
}
