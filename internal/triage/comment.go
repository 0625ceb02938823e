package triage

import (
	"fmt"
	"strings"

	"github.com/linnemanlabs/sift/internal/issue"
)

const (
	draftMarker = "<!-- sift:draft -->"

	approvedFooter = "\n\n✅ **Approved by maintainer**"
	revisedFooter  = "\n\n✅ **Revised and approved by maintainer**"
)

// formatDraftComment wraps a generated draft in draft markers so reviewers
// can tell it has not been approved yet, and explains the slash commands.
func formatDraftComment(draft string, class issue.Classification) string {
	var b strings.Builder
	b.WriteString(draftMarker)
	b.WriteString("\n")
	fmt.Fprintf(&b, "\U0001f916 **Draft response** (classification: %s)\n\n", class)
	b.WriteString("> ⚠️ This is an unapproved draft. Reply `/approve`, `/revise \"<text>\"`, or `/reject`.\n\n---\n\n")
	b.WriteString(draft)
	return b.String()
}

// stripDraftMarkers returns the comment body with the draft preamble
// removed. Bodies without markers pass through unchanged.
func stripDraftMarkers(body string) string {
	if !strings.Contains(body, draftMarker) {
		return body
	}
	if _, rest, ok := strings.Cut(body, "---\n\n"); ok {
		return rest
	}
	// Marker present but preamble mangled: drop just the marker line.
	return strings.TrimSpace(strings.ReplaceAll(body, draftMarker, ""))
}

// formatApprovedComment is the published form of a draft.
func formatApprovedComment(draft string) string {
	return stripDraftMarkers(draft) + approvedFooter
}

// formatRevisedComment fully replaces the draft with the reviewer's text.
func formatRevisedComment(text string) string {
	return text + revisedFooter
}

// formatFailureNotice is the short notice posted when a command or the
// pipeline fails; the full reason stays on the dashboard.
func formatFailureNotice(msg string) string {
	return fmt.Sprintf("⚠️ %s", msg)
}
