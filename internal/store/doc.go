// Package store keeps a SQLite history of test runs.
//
// Each aggregated report becomes one row in runs, one row per case in
// case_results and one row per assertion in assertion_results. Cases and
// assertions keep their report order through an ordinal column, so a run
// read back from the store renders exactly as it was reported.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
