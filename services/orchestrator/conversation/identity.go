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
	"context"
	"log/slog"
	"strings"
)

// =============================================================================
// Identity Question Detection
// =============================================================================

// IdentityCategory classifies questions about the assistant itself.
// Matching one short-circuits the turn to a canned reply with no
// retrieval.
type IdentityCategory string

const (
	IdentityBrief        IdentityCategory = "identity_brief"
	IdentityFull         IdentityCategory = "identity_full"
	IdentityCapabilities IdentityCategory = "capabilities"
	IdentityKnowledge    IdentityCategory = "knowledge_base"
	IdentityGreeting     IdentityCategory = "greeting"

	// identityNone is the sentinel for "not an identity question".
	identityNone IdentityCategory = ""
)

// identitySeeds maps known question phrasings to their category. Lookup is
// case-insensitive over the trimmed question; exact match is tried first,
// then substring containment for the longer phrasings.
var identitySeeds = map[string]IdentityCategory{
	"who are you":                   IdentityBrief,
	"what are you":                  IdentityBrief,
	"introduce yourself":            IdentityFull,
	"tell me about yourself":        IdentityFull,
	"what can you do":               IdentityCapabilities,
	"what can you help me with":     IdentityCapabilities,
	"how can you help me":           IdentityCapabilities,
	"what do you know":              IdentityKnowledge,
	"what is in your knowledge base": IdentityKnowledge,
	"what knowledge do you have":    IdentityKnowledge,
	"hello":                         IdentityGreeting,
	"hi":                            IdentityGreeting,
	"hey":                           IdentityGreeting,
	"你好":                            IdentityGreeting,
	"在吗":                            IdentityGreeting,
}

// identityReplies holds the canned reply per category. Returned verbatim;
// the short-circuit stays retrieval-free and makes no extra LLM call.
var identityReplies = map[IdentityCategory]string{
	IdentityBrief: "I am a retrieval-augmented assistant for your team's " +
		"knowledge and CRM data. Ask me about accounts, deals, contacts, or " +
		"anything in the connected knowledge bases.",
	IdentityFull: "I am a conversational assistant grounded in your " +
		"organization's knowledge bases and CRM records. I look up relevant " +
		"documents and relationships for every question, only show you data " +
		"you are authorized to see, and cite the sources behind each answer.",
	IdentityCapabilities: "I can answer questions grounded in your connected " +
		"knowledge bases, summarize accounts and opportunities you have access " +
		"to, and point you at the source documents behind every answer.",
	IdentityKnowledge: "My knowledge comes from the document collections and " +
		"CRM records your administrators have connected. I do not answer from " +
		"general world knowledge unless nothing relevant is found.",
	IdentityGreeting: "Hello! I am your knowledge assistant. Ask me anything " +
		"about your documents, accounts, or opportunities.",
}

// identityClassifyPrompt asks the fallback model to classify a question.
const identityClassifyPrompt = `Classify the user question below into exactly one category:
- identity_brief: asking briefly who or what the assistant is
- identity_full: asking for a full introduction of the assistant
- capabilities: asking what the assistant can do
- knowledge_base: asking what the assistant knows or has access to
- greeting: a greeting with no actual question
- none: a real question that needs retrieval

Answer with the category name only.

Question: %s`

// IdentityDetector classifies questions about the assistant itself.
//
// # Description
//
// Detection is two-phase: a cheap exact/substring match over the seed
// table, then an LLM fallback for paraphrases. The fallback is optional;
// with a nil predictor only the seed table is consulted. Detection errors
// are treated as "not an identity question" so a broken fallback model
// never blocks real retrieval.
type IdentityDetector struct {
	fallback Predictor
}

// NewIdentityDetector builds a detector. fallback may be nil.
func NewIdentityDetector(fallback Predictor) *IdentityDetector {
	return &IdentityDetector{fallback: fallback}
}

// Detect returns the matched category and its canned reply, or ok=false
// for questions that need the full pipeline.
func (d *IdentityDetector) Detect(ctx context.Context, question string) (IdentityCategory, string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(question))
	normalized = strings.Trim(normalized, ".!?！？。 ")

	if normalized == "" {
		return identityNone, "", false
	}

	if cat, ok := identitySeeds[normalized]; ok {
		return cat, identityReplies[cat], true
	}

	// Substring pass for the longer seed phrasings. Short seeds (greetings)
	// are exact-only so "hi, what were Q3 numbers" is not swallowed.
	for seed, cat := range identitySeeds {
		if len(seed) >= 10 && strings.Contains(normalized, seed) {
			return cat, identityReplies[cat], true
		}
	}

	if d.fallback == nil {
		return identityNone, "", false
	}

	reply, err := d.fallback.Predict(ctx, sprintfPrompt(identityClassifyPrompt, question))
	if err != nil {
		slog.Debug("identity fallback classification failed", "error", err)
		return identityNone, "", false
	}

	cat := IdentityCategory(strings.ToLower(strings.TrimSpace(reply)))
	if canned, ok := identityReplies[cat]; ok {
		return cat, canned, true
	}
	return identityNone, "", false
}
