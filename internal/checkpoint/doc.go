// Package checkpoint implements the completion gate.
//
// A running task writes a checkpoint document describing what it did and
// what remains. At stop time the gate validates that document against the
// active profile and answers Allowed or Blocked.
//
// # Document
//
//	{
//	  "self_report": {"is_job_complete": true, "code_changes_made": true, "linters_pass": true},
//	  "reflection": {"what_was_done": "...", "what_remains": "none", "blockers": null},
//	  "evidence": {"lint_output": "..."}
//	}
//
// # Rules
//
//   - every field the profile requires (unconditionally, or through a
//     satisfied required_if condition) must be present and true
//   - declared fields must be present
//   - is_job_complete must be true
//   - what_remains must be "none" after trimming and case folding
//   - what_was_done must meet the profile's minimum length
//
// Validation is deterministic. Malformed documents are Blocked with a parse
// error reason; validation never aborts the caller.
package checkpoint
