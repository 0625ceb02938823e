package triage

import (
	"fmt"
	"strings"

	"github.com/linnemanlabs/sift/internal/issue"
)

const (
	classifyMaxTokens = 16
	generateMaxTokens = 1024

	// External issue text is truncated before prompting to bound cost.
	maxBodyInPrompt = 2000
)

func buildClassifySystem() string {
	return `You are an expert at triaging software engineering issues.
Classify the issue as one of:
- bug: something is broken or not working as expected
- feature: request for new functionality or enhancement
- question: general question or clarification needed

Respond with ONLY one word: bug, feature, or question.`
}

func buildClassifyPrompt(title, body string) string {
	return fmt.Sprintf("Title: %s\n\nBody: %s", title, clip(body, maxBodyInPrompt))
}

func buildGenerateSystem() string {
	return "You are a helpful engineering assistant drafting public issue-tracker responses."
}

// buildGeneratePrompt assembles a classification-specific prompt that grounds
// the draft in the retrieved context chunks.
func buildGeneratePrompt(st *issue.State) string {
	var ctxStr strings.Builder
	for i, chunk := range st.Context {
		fmt.Fprintf(&ctxStr, "**Context %d:**\n%s\n\n", i+1, chunk)
	}
	contextSection := ctxStr.String()
	if contextSection == "" {
		contextSection = "No specific documentation found."
	}

	var instructions string
	switch st.Classification {
	case issue.ClassBug:
		instructions = `Generate a helpful, professional response that:
1. Acknowledges the issue
2. References specific code or files from the context to analyze the problem
3. Suggests potential root causes based on the actual implementation
4. Provides workarounds or fixes referencing patterns from the codebase
5. Asks clarifying questions if needed
Keep the response under 400 words, in Markdown. Do not give generic advice;
if the context has no relevant information, say so and ask for details.`
	case issue.ClassFeature:
		instructions = `Generate a helpful, professional response that:
1. Acknowledges the request
2. Evaluates feasibility against the architecture shown in the context
3. Suggests a concrete implementation approach based on existing patterns
4. Names specific files or data structures that would need to change
5. Asks clarifying questions if the context is insufficient
Keep the response under 400 words, in Markdown.`
	default:
		instructions = `Generate a helpful, professional response that:
1. Directly answers the question
2. References relevant documentation from the context
3. Provides examples if helpful
Keep the response under 300 words, in Markdown.`
	}

	return fmt.Sprintf(`**Issue title:** %s

**Issue description:**
%s

**Retrieved context from the codebase:**
%s

%s`, st.Title, clip(st.Body, maxBodyInPrompt), contextSection, instructions)
}

// parseClassification normalizes an LLM classification answer. Anything
// unrecognized falls back to question, the safe default.
func parseClassification(answer string) issue.Classification {
	c := issue.Classification(strings.ToLower(strings.TrimSpace(answer)))
	if !issue.ValidClassification(c) {
		return issue.ClassQuestion
	}
	return c
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
