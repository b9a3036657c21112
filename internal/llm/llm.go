// Package llm defines the language-model port: an opaque capability that
// accepts a structured prompt and returns text plus token-usage accounting.
// Two variants exist: ChatModel for ordinary replies and Summarizer for
// producing updated rolling summaries.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/chatctx/pkg/models"
)

// Prompt is the structured input for a reply: the rolling summary of older
// turns, the recent un-summarized turns, and the new human input.
type Prompt struct {
	System  string
	Summary string
	Turns   []*models.Turn
	Input   string
}

// Reply is a model response with its token accounting.
type Reply struct {
	Text  string
	Usage models.Usage
}

// ChatModel generates ordinary chat replies.
type ChatModel interface {
	Reply(ctx context.Context, p Prompt) (*Reply, error)
}

// Summarizer folds conversation text into an updated rolling summary.
// Implementations typically run a cheaper model than the reply path.
type Summarizer interface {
	Summarize(ctx context.Context, existingSummary, newTurnsText string) (string, error)
}

// RenderTurns formats turns as "role: content" lines for prompt assembly.
// Placeholder turns carry no content and are skipped.
func RenderTurns(turns []*models.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		if t == nil || t.Role == models.RolePlaceholder {
			continue
		}
		sb.WriteString(string(t.Role))
		sb.WriteString(": ")
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// BuildSummaryPrompt creates the instruction for the summarizer variant,
// combining the existing summary (if any) with newly selected turns.
func BuildSummaryPrompt(existingSummary, newTurnsText string) string {
	var sb strings.Builder

	sb.WriteString("Progressively summarize the conversation below into a single updated summary. ")
	sb.WriteString("Preserve:\n")
	sb.WriteString("- Key topics, decisions, and conclusions\n")
	sb.WriteString("- Facts and preferences the user stated\n")
	sb.WriteString("- Any pending tasks or open questions\n\n")

	if existingSummary != "" {
		sb.WriteString("Current summary:\n")
		sb.WriteString(existingSummary)
		sb.WriteString("\n\n")
	}

	sb.WriteString("New lines of conversation:\n")
	sb.WriteString(newTurnsText)
	sb.WriteString("\n---\nProvide the updated summary:")
	return sb.String()
}

// systemText merges the caller's system instruction with the rolling
// summary so providers present both as model-level context.
func systemText(p Prompt) string {
	parts := make([]string, 0, 2)
	if p.System != "" {
		parts = append(parts, p.System)
	}
	if p.Summary != "" {
		parts = append(parts, fmt.Sprintf("Summary of the conversation so far:\n%s", p.Summary))
	}
	return strings.Join(parts, "\n\n")
}
