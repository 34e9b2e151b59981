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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
	"github.com/relatia-ai/relatia/services/orchestrator/observability"
)

var tracer = otel.Tracer("relatia.orchestrator.conversation")

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownChat is the precondition failure: the requested chat does
	// not exist. Raised before any stage runs.
	ErrUnknownChat = errors.New("unknown chat id")

	// ErrEmptyAnswer marks a synthesis that produced no text. Fatal for
	// the turn.
	ErrEmptyAnswer = errors.New("empty synthesized answer")
)

// apologyMessage is the only error text users ever see for fatal turn
// failures. No stack traces, no partial answers.
const apologyMessage = "Sorry, something went wrong while answering your question. Please try again."

// unknownChatMessage is the client-visible precondition failure text.
const unknownChatMessage = "The requested chat does not exist."

// emitFunc delivers one event to the turn's consumer. It returns the
// context error once the consumer stops pulling; stages treat that as a
// signal to stop initiating work.
type emitFunc func(datatypes.TurnEvent) error

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs conversation turns.
//
// # Description
//
// One Orchestrator serves many concurrent turns; each RunTurn call is an
// independent, single-threaded, pull-driven pipeline that owns its turn
// rows exclusively. Authority is resolved fresh per turn and never cached
// across requests.
type Orchestrator struct {
	llm       StreamingPredictor
	fastLLM   Predictor
	kg        *KGRetriever
	chunks    *ChunkRetriever
	docMeta   DocumentMetaLookup
	repo      ChatRepo
	authority AuthorityResolver
	identity  *IdentityDetector
	engine    ExternalEngine
	verifier  Verifier
	profiles  *ProfileStore
	config    PipelineConfig
	now       func() time.Time

	// engineFactory builds clients for profiles that carry their own
	// engine URL; engines caches them per URL.
	engineFactory func(baseURL string) ExternalEngine
	engineMu      sync.Mutex
	engines       map[string]ExternalEngine
}

// Deps bundles the orchestrator's collaborators. Engine, EngineFactory,
// and Verifier are optional; everything else is required.
type Deps struct {
	LLM       StreamingPredictor
	FastLLM   Predictor
	Graph     GraphStore
	Vector    VectorStore
	DocMeta   DocumentMetaLookup
	Repo      ChatRepo
	Authority AuthorityResolver

	// Engine is the default external engine client, used by external
	// profiles that name no engine URL of their own.
	Engine ExternalEngine

	// EngineFactory builds an engine client for a profile's
	// external_engine_url. Clients are cached per URL.
	EngineFactory func(baseURL string) ExternalEngine

	Verifier Verifier
	Profiles *ProfileStore
	Config   PipelineConfig
}

// NewOrchestrator wires an orchestrator. Panics on missing required
// dependencies; construction errors are programmer errors.
func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.LLM == nil {
		panic("NewOrchestrator: nil LLM")
	}
	if deps.FastLLM == nil {
		panic("NewOrchestrator: nil FastLLM")
	}
	if deps.Graph == nil {
		panic("NewOrchestrator: nil Graph")
	}
	if deps.Vector == nil {
		panic("NewOrchestrator: nil Vector")
	}
	if deps.DocMeta == nil {
		panic("NewOrchestrator: nil DocMeta")
	}
	if deps.Repo == nil {
		panic("NewOrchestrator: nil Repo")
	}
	if deps.Authority == nil {
		panic("NewOrchestrator: nil Authority")
	}
	if deps.Profiles == nil {
		deps.Profiles = NewProfileStore()
	}

	return &Orchestrator{
		llm:           deps.LLM,
		fastLLM:       deps.FastLLM,
		kg:            NewKGRetriever(deps.Graph),
		chunks:        NewChunkRetriever(deps.Vector),
		docMeta:       deps.DocMeta,
		repo:          deps.Repo,
		authority:     deps.Authority,
		identity:      NewIdentityDetector(deps.FastLLM),
		engine:        deps.Engine,
		engineFactory: deps.EngineFactory,
		engines:       map[string]ExternalEngine{},
		verifier:      deps.Verifier,
		profiles:      deps.Profiles,
		config:        deps.Config,
		now:           time.Now,
	}
}

// RunTurn executes one conversation turn and streams its events.
//
// # Description
//
// The returned channel yields progress, text_delta, snapshot, and error
// events in strict pipeline order and closes when the turn is over.
// Exactly one final snapshot follows exactly one commit on success; fatal
// failures yield a single error event and commit nothing. Cancelling ctx
// stops the pipeline at its next suspension point; in-flight calls finish
// but their results are discarded.
//
// # Inputs
//
//   - ctx: Consumer lifetime. Cancel to abandon the turn.
//   - req: Validated turn request.
//
// # Outputs
//
//   - <-chan datatypes.TurnEvent: Closed when the turn terminates.
func (o *Orchestrator) RunTurn(ctx context.Context, req datatypes.TurnRequest) <-chan datatypes.TurnEvent {
	events := make(chan datatypes.TurnEvent)

	go func() {
		defer close(events)

		emit := func(ev datatypes.TurnEvent) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := o.runTurn(ctx, req, emit)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			// Consumer went away; nobody is listening for an error event.
			if observability.DefaultMetrics != nil {
				observability.DefaultMetrics.ClientDisconnectsTotal.Inc()
			}
			return
		}

		slog.Error("turn failed",
			"chat_id", req.ChatID,
			"error", err,
		)
		o.countTurn(o.profiles.Get(req.EngineName).Mode, observability.StatusError)
		message := apologyMessage
		if errors.Is(err, ErrUnknownChat) {
			message = unknownChatMessage
		}
		_ = emit(datatypes.ErrorEvent(message))
	}()

	return events
}

// runTurn is the top-level turn handler: the only place where stage
// failures become user-visible errors.
func (o *Orchestrator) runTurn(ctx context.Context, req datatypes.TurnRequest, emit emitFunc) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.runTurn")
	defer span.End()

	profile := o.profiles.Get(req.EngineName)
	span.SetAttributes(
		attribute.String("chat_id", req.ChatID),
		attribute.String("engine", profile.Name),
		attribute.String("mode", string(profile.Mode)),
	)

	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.ActiveTurns.WithLabelValues(string(profile.Mode)).Inc()
		defer observability.DefaultMetrics.ActiveTurns.WithLabelValues(string(profile.Mode)).Dec()
	}

	// Precondition: the chat must exist before any stage runs.
	exists, err := o.repo.ChatExists(ctx, req.ChatID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat lookup failed")
		return fmt.Errorf("chat lookup: %w", err)
	}
	if !exists {
		span.SetStatus(codes.Error, "unknown chat")
		return ErrUnknownChat
	}

	// Step 1: INITIALIZATION. Create both rows, announce the turn.
	turn := o.newTurn(req)
	if err := o.repo.CreateTurnRows(ctx, turn); err != nil {
		span.RecordError(err)
		return fmt.Errorf("create turn rows: %w", err)
	}
	if err := emit(datatypes.ProgressEvent(datatypes.StageInitialization,
		"Initializing chat session and starting flow")); err != nil {
		return err
	}

	// Step 2: IDENTITY_CHECK. A match skips retrieval entirely and the
	// canned reply goes straight to FINISH.
	if category, reply, ok := o.identity.Detect(ctx, req.Question); ok {
		slog.Info("identity question short-circuit",
			"chat_id", req.ChatID,
			"category", string(category),
		)
		span.SetAttributes(attribute.String("identity_category", string(category)))
		o.countTurn(profile.Mode, observability.StatusIdentity)
		return o.finishTurn(ctx, emit, turn, reply, finishOpts{skipProgress: true})
	}

	if err := emit(datatypes.SnapshotEvent(turn.Snapshot())); err != nil {
		return err
	}

	// Step 3: resolve the caller's data authority for this turn.
	if err := emit(datatypes.ProgressEvent(datatypes.StageInitialization,
		"Verifying data access permissions")); err != nil {
		return err
	}
	auth := o.authority.Resolve(ctx, req.Identity)

	if profile.Mode == datatypes.ModeExternal {
		return o.runExternalTail(ctx, emit, turn, req, profile)
	}
	return o.runBuiltinTail(ctx, emit, turn, req, profile, auth)
}

// runBuiltinTail performs local retrieval and synthesis.
func (o *Orchestrator) runBuiltinTail(
	ctx context.Context,
	emit emitFunc,
	turn *datatypes.ConversationTurn,
	req datatypes.TurnRequest,
	profile EngineProfile,
	auth Authority,
) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.runBuiltinTail")
	defer span.End()

	// Step 4: KG_RETRIEVAL. Never fatal; the retriever degrades to an
	// empty graph on store failures.
	kgStart := o.now()
	kgSub := o.kg.Retrieve(ctx, req.Question, profile.KnowledgeBases)
	graph, err := Drain(kgSub, func(update StageUpdate) error {
		return emit(datatypes.ProgressEvent(update.Stage, update.Display))
	})
	if err != nil {
		return err
	}
	o.observeStage(datatypes.StageKGRetrieval, kgStart)

	graph, _ = o.filterGraph(ctx, auth, graph)
	turn.GraphData = &graph
	graphContext := RenderGraphContext(graph)

	// Step 5: REFINE. Failures propagate; there is no degraded refine.
	if err := emit(datatypes.ProgressEvent(datatypes.StageRefineQuestion,
		"Refining the user question with knowledge graph and chat history")); err != nil {
		return err
	}
	refineStart := o.now()
	refined, err := o.fastLLM.Predict(ctx, RefinePrompt(req.Question, graphContext, req.History, o.now()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refine failed")
		return fmt.Errorf("refine question: %w", err)
	}
	refined = strings.TrimSpace(refined)
	if refined == "" {
		refined = req.Question
	}
	o.observeStage(datatypes.StageRefineQuestion, refineStart)

	// Step 6: CLARIFY (config-gated). Any non-"false" verdict is itself
	// the clarifying question and ends the turn with empty sources.
	if profile.ClarifyQuestion {
		verdict, err := o.fastLLM.Predict(ctx, ClarifyPrompt(refined, req.History))
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("clarify check: %w", err)
		}
		if question, need := ClarifyNeeded(verdict); need {
			if err := emit(datatypes.TextDeltaEvent(question)); err != nil {
				return err
			}
			o.countTurn(profile.Mode, observability.StatusClarify)
			return o.finishTurn(ctx, emit, turn, question, finishOpts{})
		}
	}

	// Step 7: CHUNK_RETRIEVAL with the refined question. Fatal on failure.
	searchStart := o.now()
	chunkSub := o.chunks.Retrieve(ctx, refined, profile.KnowledgeBases, o.config.ChunkLimit)
	result, err := Drain(chunkSub, func(update StageUpdate) error {
		return emit(datatypes.ProgressEvent(update.Stage, update.Display))
	})
	if err != nil {
		return err
	}
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, "chunk retrieval failed")
		return result.err
	}
	o.observeStage(datatypes.StageSearchDocs, searchStart)

	chunks, docMeta := o.filterChunks(ctx, auth, result.chunks)
	turn.Sources = datatypes.SourceDocumentsFromChunks(chunks, docMeta)
	if err := emit(datatypes.ProgressEvent(datatypes.StageSourceNodes,
		fmt.Sprintf("Grounding the answer in %d source documents", len(turn.Sources)))); err != nil {
		return err
	}

	// Step 8: SYNTHESIZE. Stream the grounded answer; an empty answer is
	// a hard failure.
	if err := emit(datatypes.ProgressEvent(datatypes.StageGenerateAnswer,
		"Thinking and generating a precise answer with AI")); err != nil {
		return err
	}

	prompt := AnswerPrompt(refined, RenderGraphContext(graph), chunks)
	if len(chunks) == 0 {
		prompt = FallbackAnswerPrompt(refined)
	}

	answer, err := o.streamAnswer(ctx, emit, prompt, profile.Mode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return err
	}

	o.countTurn(profile.Mode, observability.StatusSuccess)
	return o.finishTurn(ctx, emit, turn, answer, finishOpts{})
}

// streamAnswer runs the LLM stream into the secure accumulator, emitting
// a text_delta per token, and returns the finalized answer.
func (o *Orchestrator) streamAnswer(ctx context.Context, emit emitFunc, prompt string, mode datatypes.EngineMode) (string, error) {
	acc, err := NewAnswerAccumulator()
	if err != nil {
		return "", fmt.Errorf("allocate answer buffer: %w", err)
	}
	defer acc.Destroy()

	genStart := o.now()
	err = o.llm.PredictStream(ctx, prompt, func(token string) error {
		if err := acc.Write(token); err != nil {
			return err
		}
		if observability.DefaultMetrics != nil {
			observability.DefaultMetrics.TokensStreamedTotal.WithLabelValues(string(mode)).Inc()
		}
		return emit(datatypes.TextDeltaEvent(token))
	})
	if err != nil {
		return "", fmt.Errorf("stream answer: %w", err)
	}
	o.observeStage(datatypes.StageGenerateAnswer, genStart)

	answer, _, err := acc.Finalize()
	if err != nil {
		return "", fmt.Errorf("finalize answer: %w", err)
	}
	if strings.TrimSpace(answer) == "" {
		return "", ErrEmptyAnswer
	}
	return answer, nil
}

// finishOpts tweaks finishTurn for the short-circuit paths.
type finishOpts struct {
	// skipProgress suppresses the FINISHED progress event. The identity
	// short-circuit emits exactly one progress and one snapshot.
	skipProgress bool
}

// finishTurn is the single exit point of every successful turn: one
// best-effort post-verification, one write of both rows, one commit, one
// final snapshot.
func (o *Orchestrator) finishTurn(
	ctx context.Context,
	emit emitFunc,
	turn *datatypes.ConversationTurn,
	answer string,
	opts finishOpts,
) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.finishTurn")
	defer span.End()

	if !opts.skipProgress {
		if err := emit(datatypes.ProgressEvent(datatypes.StageFinished, "Finished")); err != nil {
			return err
		}
	}

	// Post-verification is best-effort with a bounded timeout. Expiry or
	// failure only costs the link.
	if o.verifier != nil {
		verifyCtx, cancel := context.WithTimeout(ctx, o.config.VerifyTimeout)
		url, err := o.verifier.Verify(verifyCtx, turn.ChatID, turn.ID, turn.UserMessage, answer)
		cancel()
		if err != nil {
			slog.Warn("post-verification failed",
				"chat_id", turn.ChatID,
				"turn_id", turn.ID,
				"error", err,
			)
		} else {
			turn.PostVerificationURL = url
		}
	}

	turn.AssistantMessage = answer
	turn.UpdatedAt = o.now()
	if err := o.repo.UpdateTurnRows(ctx, turn); err != nil {
		span.RecordError(err)
		return fmt.Errorf("write turn rows: %w", err)
	}

	// Commit exactly once. FinishedAt is set here and nowhere else.
	finished := o.now()
	turn.FinishedAt = &finished
	if err := o.repo.CommitTurn(ctx, turn); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		turn.FinishedAt = nil
		return fmt.Errorf("commit turn: %w", err)
	}

	return emit(datatypes.SnapshotEvent(turn.Snapshot()))
}

// =============================================================================
// Helpers
// =============================================================================

// newTurn builds the in-memory turn rows for a request.
func (o *Orchestrator) newTurn(req datatypes.TurnRequest) *datatypes.ConversationTurn {
	now := o.now()
	return &datatypes.ConversationTurn{
		ChatID:      req.ChatID,
		UserMessage: req.Question,
		CreatedAt:   now,
		UpdatedAt:   now,
		Sources:     []datatypes.SourceDocument{},
	}
}

// filterGraph applies authorization filtering to a retrieved graph,
// resolving owning-document accounts in one batched lookup. Lookup
// failures fail closed: items that need a document account to pass are
// dropped.
func (o *Orchestrator) filterGraph(ctx context.Context, auth Authority, graph datatypes.KnowledgeGraphRetrievalResult) (datatypes.KnowledgeGraphRetrievalResult, map[string]datatypes.DocumentMeta) {
	docMeta := o.fetchDocMeta(ctx, CollectDocumentIDs(graph, nil))
	filtered := FilterGraph(auth, graph, docAccounts(docMeta))

	if observability.DefaultMetrics != nil {
		dropped := len(graph.Entities) - len(filtered.Entities)
		if dropped > 0 {
			observability.DefaultMetrics.FilterDroppedTotal.WithLabelValues("entity").Add(float64(dropped))
		}
		dropped = len(graph.Relationships) - len(filtered.Relationships)
		if dropped > 0 {
			observability.DefaultMetrics.FilterDroppedTotal.WithLabelValues("relationship").Add(float64(dropped))
		}
	}
	return filtered, docMeta
}

// filterChunks applies authorization filtering to retrieved chunks and
// returns the surviving chunks plus the document metadata needed for
// source attribution.
func (o *Orchestrator) filterChunks(ctx context.Context, auth Authority, chunks []datatypes.ScoredChunk) ([]datatypes.ScoredChunk, map[string]datatypes.DocumentMeta) {
	ids := make([]string, 0, len(chunks))
	seen := map[string]bool{}
	for _, c := range chunks {
		if c.DocumentID != "" && !seen[c.DocumentID] {
			seen[c.DocumentID] = true
			ids = append(ids, c.DocumentID)
		}
	}
	docMeta := o.fetchDocMeta(ctx, ids)

	filtered := FilterChunks(auth, chunks, docAccounts(docMeta))
	if observability.DefaultMetrics != nil {
		if dropped := len(chunks) - len(filtered); dropped > 0 {
			observability.DefaultMetrics.FilterDroppedTotal.WithLabelValues("chunk").Add(float64(dropped))
		}
	}
	return filtered, docMeta
}

// fetchDocMeta batch-fetches document metadata, degrading to an empty map
// on failure. The filters fail closed without it.
func (o *Orchestrator) fetchDocMeta(ctx context.Context, ids []string) map[string]datatypes.DocumentMeta {
	if len(ids) == 0 {
		return map[string]datatypes.DocumentMeta{}
	}
	meta, err := o.docMeta.FetchDocumentMeta(ctx, ids)
	if err != nil {
		slog.Warn("document metadata lookup failed, filtering without account resolution",
			"documents", len(ids),
			"error", err,
		)
		return map[string]datatypes.DocumentMeta{}
	}
	return meta
}

// docAccounts projects document metadata to the id->account map the
// filters consume.
func docAccounts(meta map[string]datatypes.DocumentMeta) map[string]string {
	accounts := make(map[string]string, len(meta))
	for id, m := range meta {
		if m.AccountID != "" {
			accounts[id] = m.AccountID
		}
	}
	return accounts
}

func (o *Orchestrator) observeStage(stage datatypes.Stage, start time.Time) {
	if observability.DefaultMetrics == nil {
		return
	}
	observability.DefaultMetrics.StageDurationSeconds.
		WithLabelValues(string(stage)).
		Observe(o.now().Sub(start).Seconds())
}

func (o *Orchestrator) countTurn(mode datatypes.EngineMode, status string) {
	if observability.DefaultMetrics == nil {
		return
	}
	observability.DefaultMetrics.TurnsTotal.WithLabelValues(string(mode), status).Inc()
}
