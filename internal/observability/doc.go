// Package observability records the audit trail of task and bus activity as
// JSON Lines and derives metrics and alerts from it on demand. Nothing here
// is authoritative: checklists and the registry remain the source of truth.
package observability
