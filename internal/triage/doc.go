// Package triage provides the business boundary for Sift's issue triage
// pipeline. It defines the Service (idempotent intake, per-issue pipeline,
// approval surfaces), the Provider/Retriever/Tracker interfaces for external
// collaborators, the deterministic fallback mode, and the comment-command
// grammar.
package triage
