package triage

import (
	"fmt"
	"strings"

	"github.com/linnemanlabs/sift/internal/issue"
)

// Fallback mode: when no LLM provider is configured, classification and
// drafting run on deterministic keyword rules so the pipeline still reaches
// awaiting_approval.

var (
	bugKeywords     = []string{"crash", "panic", "error", "bug", "broken", "exception", "fail", "traceback", "stack trace"}
	featureKeywords = []string{"feature", "add", "support", "enhancement", "implement", "would be nice", "proposal"}
)

// fallbackClassify assigns a classification from keyword heuristics over
// the title and body. Bug keywords win over feature keywords; anything else
// is a question.
func fallbackClassify(title, body string) issue.Classification {
	text := strings.ToLower(title + "\n" + body)
	for _, kw := range bugKeywords {
		if strings.Contains(text, kw) {
			return issue.ClassBug
		}
	}
	for _, kw := range featureKeywords {
		if strings.Contains(text, kw) {
			return issue.ClassFeature
		}
	}
	return issue.ClassQuestion
}

// fallbackDraft renders a templated response so the approval flow can be
// exercised end to end without a generation service.
func fallbackDraft(st *issue.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Analysis\n\nThis appears to be a %s.\n\n", describeClass(st.Classification))
	b.WriteString("## Proposed response\n\n")
	fmt.Fprintf(&b, "Thanks for reporting **%s**. ", st.Title)

	switch st.Classification {
	case issue.ClassBug:
		b.WriteString("We will reproduce the problem and follow up with our findings. ")
		b.WriteString("If you have additional logs or reproduction steps, please add them here.\n")
	case issue.ClassFeature:
		b.WriteString("We will evaluate this request against the current roadmap and report back.\n")
	default:
		b.WriteString("We will look into your question and get back to you shortly.\n")
	}

	if len(st.Context) > 0 {
		fmt.Fprintf(&b, "\n_%d related documentation section(s) were found and will be reviewed._\n", len(st.Context))
	}
	return b.String()
}

func describeClass(c issue.Classification) string {
	switch c {
	case issue.ClassBug:
		return "bug report"
	case issue.ClassFeature:
		return "feature request"
	default:
		return "question"
	}
}
