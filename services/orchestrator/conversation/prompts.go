// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

// =============================================================================
// Prompt Construction
// =============================================================================

func sprintfPrompt(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}

// renderHistory flattens prior turns for prompt inclusion.
func renderHistory(history []datatypes.HistoryItem) string {
	if len(history) == 0 {
		return "(no prior conversation)"
	}
	var b strings.Builder
	for _, item := range history {
		b.WriteString(item.Role)
		b.WriteString(": ")
		b.WriteString(item.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// RenderGraphContext produces the natural-language rendering of a
// retrieved knowledge graph that is injected into the refine and answer
// prompts. An empty graph renders to an empty string.
func RenderGraphContext(graph datatypes.KnowledgeGraphRetrievalResult) string {
	if graph.IsEmpty() {
		return ""
	}

	var b strings.Builder
	if len(graph.Entities) > 0 {
		b.WriteString("Entities:\n")
		for _, e := range graph.Entities {
			b.WriteString("- ")
			b.WriteString(e.Name)
			if e.Description != "" {
				b.WriteString(": ")
				b.WriteString(e.Description)
			}
			b.WriteString("\n")
		}
	}
	if len(graph.Relationships) > 0 {
		b.WriteString("Relationships:\n")
		for _, r := range graph.Relationships {
			b.WriteString("- ")
			b.WriteString(r.Description)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// RefinePrompt builds the question-condensing prompt from graph context,
// history, and the current date.
func RefinePrompt(question, graphContext string, history []datatypes.HistoryItem, now time.Time) string {
	return fmt.Sprintf(`Current date: %s

Given the conversation history and the background knowledge below, rewrite
the user's latest question as a single self-contained question. Resolve
pronouns and references from the history. Keep the user's language. Output
only the rewritten question.

Background knowledge:
%s

Conversation history:
%s

Latest question: %s`,
		now.Format("2006-01-02"), graphContext, renderHistory(history), question)
}

// ClarifyPrompt builds the answerability-judgment prompt. The model must
// reply with the literal word "false" when the question is answerable;
// any other reply is used verbatim as the clarifying question.
func ClarifyPrompt(question string, history []datatypes.HistoryItem) string {
	return fmt.Sprintf(`Judge whether the question below is specific enough to answer from a
knowledge base. If it is answerable, reply with exactly the word: false
If it is too vague or ambiguous, reply with a single short clarifying
question to ask the user instead. Do not explain.

Conversation history:
%s

Question: %s`,
		renderHistory(history), question)
}

// ClarifyNeeded interprets a clarify-model reply. The literal string
// "false", compared case-insensitively after trimming whitespace, quotes,
// and trailing punctuation, means the question is answerable.
func ClarifyNeeded(reply string) (string, bool) {
	cleaned := strings.TrimSpace(reply)
	cleaned = strings.Trim(cleaned, "\"'.!“”‘’ ")
	if strings.EqualFold(cleaned, "false") {
		return "", false
	}
	return strings.TrimSpace(reply), true
}

// AnswerPrompt builds the grounded synthesis prompt.
func AnswerPrompt(question, graphContext string, chunks []datatypes.ScoredChunk) string {
	var b strings.Builder
	b.WriteString(`Answer the user's question using ONLY the background knowledge and
document excerpts below. Cite nothing outside them. If they do not contain
the answer, say so plainly.

`)
	if graphContext != "" {
		b.WriteString("Background knowledge:\n")
		b.WriteString(graphContext)
		b.WriteString("\n")
	}
	b.WriteString("Document excerpts:\n")
	for i, chunk := range chunks {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, chunk.Text)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

// FallbackAnswerPrompt is used when no chunks survive retrieval and
// filtering: the model answers from general knowledge with an explicit
// disclaimer requirement.
func FallbackAnswerPrompt(question string) string {
	return fmt.Sprintf(`No relevant documents were found for the question below. Answer from
general knowledge, and begin the answer by stating that no matching
documents were found in the knowledge base.

Question: %s`, question)
}

// =============================================================================
// Goal Generation (external mode)
// =============================================================================

// ResponseFormat carries the language/format hints attached to a Goal.
type ResponseFormat struct {
	Lang string `json:"Lang"`
}

// DefaultResponseFormat is used when goal generation cannot determine a
// language.
func DefaultResponseFormat() ResponseFormat {
	return ResponseFormat{Lang: "English"}
}

// GoalPrompt asks the model to restate the refined question as a goal
// plus response-format JSON.
func GoalPrompt(question string, history []datatypes.HistoryItem) string {
	return fmt.Sprintf(`Restate the user's latest question as a single imperative goal for a
research engine, in the user's language. Then on a new line output a JSON
object of the form {"Lang": "<language name>"} describing the language the
answer should be written in.

Format:
Goal: <the goal>
{"Lang": "..."}

Conversation history:
%s

Latest question: %s`,
		renderHistory(history), question)
}

// NormalizeGoal canonicalizes a goal string for cache keying: lower-cased,
// whitespace-collapsed, trailing punctuation trimmed. Two questions that
// normalize identically share one cache entry.
func NormalizeGoal(goal string) string {
	fields := strings.Fields(strings.ToLower(goal))
	normalized := strings.Join(fields, " ")
	return strings.TrimRight(normalized, ".!?。！？ ")
}
