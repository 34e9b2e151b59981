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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

// =============================================================================
// Fakes
// =============================================================================

// scriptedPredictor replays canned replies in call order.
type scriptedPredictor struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
}

func (p *scriptedPredictor) Predict(_ context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	if p.err != nil {
		return "", p.err
	}
	if len(p.replies) == 0 {
		return "none", nil
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return reply, nil
}

func (p *scriptedPredictor) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

// fakeStreamLLM streams a fixed token sequence.
type fakeStreamLLM struct {
	tokens []string
	err    error
}

func (l *fakeStreamLLM) Predict(_ context.Context, _ string) (string, error) {
	if l.err != nil {
		return "", l.err
	}
	return strings.Join(l.tokens, ""), nil
}

func (l *fakeStreamLLM) PredictStream(_ context.Context, _ string, onDelta func(string) error) error {
	if l.err != nil {
		return l.err
	}
	for _, token := range l.tokens {
		if err := onDelta(token); err != nil {
			return err
		}
	}
	return nil
}

type fakeGraphStore struct {
	mu     sync.Mutex
	result datatypes.KnowledgeGraphRetrievalResult
	err    error
	calls  int
}

func (s *fakeGraphStore) Query(_ context.Context, _ string, _ []string) (datatypes.KnowledgeGraphRetrievalResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return datatypes.KnowledgeGraphRetrievalResult{}, s.err
	}
	return s.result, nil
}

type fakeVectorStore struct {
	mu     sync.Mutex
	chunks []datatypes.ScoredChunk
	err    error
	calls  int
}

func (s *fakeVectorStore) Search(_ context.Context, _ string, _ []string, _ int) ([]datatypes.ScoredChunk, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.chunks, nil
}

type fakeDocMeta struct {
	meta map[string]datatypes.DocumentMeta
	err  error
}

func (f *fakeDocMeta) FetchDocumentMeta(_ context.Context, _ []string) (map[string]datatypes.DocumentMeta, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.meta == nil {
		return map[string]datatypes.DocumentMeta{}, nil
	}
	return f.meta, nil
}

type fakeRepo struct {
	mu        sync.Mutex
	exists    bool
	existsErr error
	createErr error
	updateErr error
	commitErr error

	commits       int
	committedTurn *datatypes.ConversationTurn

	cachedAnswer string
	cacheHit     bool
	cacheErr     error
	lastGoal     string
	lastLang     string
}

func (r *fakeRepo) ChatExists(_ context.Context, _ string) (bool, error) {
	return r.exists, r.existsErr
}

func (r *fakeRepo) CreateTurnRows(_ context.Context, turn *datatypes.ConversationTurn) error {
	if r.createErr != nil {
		return r.createErr
	}
	turn.ID = "assistant-row"
	turn.UserRowID = "user-row"
	return nil
}

func (r *fakeRepo) UpdateTurnRows(_ context.Context, _ *datatypes.ConversationTurn) error {
	return r.updateErr
}

func (r *fakeRepo) CommitTurn(_ context.Context, turn *datatypes.ConversationTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits++
	if r.commitErr != nil {
		return r.commitErr
	}
	r.committedTurn = turn.Snapshot()
	return nil
}

func (r *fakeRepo) FindRecentAnswerByGoal(_ context.Context, goal, lang string, _ int) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastGoal = goal
	r.lastLang = lang
	if r.cacheErr != nil {
		return "", false, r.cacheErr
	}
	return r.cachedAnswer, r.cacheHit, nil
}

type fakeEngine struct {
	mu    sync.Mutex
	lines []string
	err   error
	goals []string
}

func (e *fakeEngine) StreamGoal(_ context.Context, goal string, _ ResponseFormat, onLine func(string) error) error {
	e.mu.Lock()
	e.goals = append(e.goals, goal)
	e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	for _, line := range e.lines {
		if err := onLine(line); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Harness
// =============================================================================

type testEnv struct {
	llm     *fakeStreamLLM
	fastLLM *scriptedPredictor
	graph   *fakeGraphStore
	vector  *fakeVectorStore
	repo    *fakeRepo
	engine  *fakeEngine
	orc     *Orchestrator
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	// Keep streaming tests independent of the process mlock limit.
	t.Setenv("RELATIA_INSECURE_MEMORY", "true")

	env := &testEnv{
		llm:     &fakeStreamLLM{tokens: []string{"Hello", " world"}},
		fastLLM: &scriptedPredictor{},
		graph:   &fakeGraphStore{},
		vector:  &fakeVectorStore{},
		repo:    &fakeRepo{exists: true},
		engine:  &fakeEngine{},
	}

	// The harness caller holds one grant so the empty-authority
	// short-circuit stays out of the way of pipeline tests.
	deps := Deps{
		LLM:     env.llm,
		FastLLM: env.fastLLM,
		Graph:   env.graph,
		Vector:  env.vector,
		DocMeta: &fakeDocMeta{},
		Repo:    env.repo,
		Authority: StaticResolver{Authority: userAuthority(map[datatypes.CRMType][]string{
			datatypes.CRMTypeOpportunity: {"opp-42"},
		})},
		Engine: env.engine,
		Config: DefaultPipelineConfig(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	env.orc = NewOrchestrator(deps)
	return env
}

// loadProfiles builds a ProfileStore from inline YAML.
func loadProfiles(t *testing.T, content string) *ProfileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	store := NewProfileStore()
	require.NoError(t, store.LoadFile(path))
	return store
}

func runTurn(t *testing.T, orc *Orchestrator, req datatypes.TurnRequest) []datatypes.TurnEvent {
	t.Helper()
	var events []datatypes.TurnEvent
	for ev := range orc.RunTurn(t.Context(), req) {
		events = append(events, ev)
	}
	return events
}

func deltaText(events []datatypes.TurnEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == datatypes.EventTextDelta {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func lastEvent(t *testing.T, events []datatypes.TurnEvent) datatypes.TurnEvent {
	t.Helper()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func defaultRequest() datatypes.TurnRequest {
	return datatypes.TurnRequest{
		Question: "What were Acme's Q3 revenue numbers?",
		ChatID:   "7b0d2d1e-90f1-4a5c-8f2e-0c6f4f8a9b31",
		Identity: datatypes.CallerIdentity{UserID: "u-1", Role: "user"},
	}
}

// =============================================================================
// Precondition and Short-circuit Tests
// =============================================================================

func TestRunTurn_UnknownChat(t *testing.T) {
	env := newTestEnv(t, nil)
	env.repo.exists = false

	events := runTurn(t, env.orc, defaultRequest())

	require.Len(t, events, 1)
	assert.Equal(t, datatypes.EventError, events[0].Kind)
	assert.Equal(t, unknownChatMessage, events[0].Message)
	assert.Zero(t, env.repo.commits)
}

func TestRunTurn_ChatLookupFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.repo.existsErr = errors.New("store down")

	events := runTurn(t, env.orc, defaultRequest())

	require.Len(t, events, 1)
	assert.Equal(t, datatypes.EventError, events[0].Kind)
	assert.Equal(t, apologyMessage, events[0].Message)
	assert.Zero(t, env.repo.commits)
}

func TestRunTurn_IdentityShortCircuit(t *testing.T) {
	env := newTestEnv(t, nil)
	req := defaultRequest()
	req.Question = "hello"

	events := runTurn(t, env.orc, req)

	// Exactly one progress event and the final snapshot, nothing else.
	require.Len(t, events, 2)
	assert.Equal(t, datatypes.EventProgress, events[0].Kind)
	assert.Equal(t, datatypes.StageInitialization, events[0].Stage)
	require.Equal(t, datatypes.EventSnapshot, events[1].Kind)
	require.NotNil(t, events[1].Turn)
	assert.True(t, events[1].Turn.Finished())
	assert.Equal(t, identityReplies[IdentityGreeting], events[1].Turn.AssistantMessage)

	// No retrieval and no answer model call.
	assert.Zero(t, env.graph.calls)
	assert.Zero(t, env.vector.calls)
	assert.Equal(t, 1, env.repo.commits)
}

// =============================================================================
// Builtin Tail Tests
// =============================================================================

func TestRunTurn_BuiltinHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fastLLM.replies = []string{"none", "What was Acme Corp's Q3 revenue?"}
	env.vector.chunks = []datatypes.ScoredChunk{
		{ID: "c1", Text: "Q3 revenue was 12M.", DocumentID: "doc-1", Score: 0.92},
	}

	events := runTurn(t, env.orc, defaultRequest())

	require.Equal(t, datatypes.EventProgress, events[0].Kind)
	assert.Equal(t, datatypes.StageInitialization, events[0].Stage)

	assert.Equal(t, "Hello world", deltaText(events))

	final := lastEvent(t, events)
	require.Equal(t, datatypes.EventSnapshot, final.Kind)
	require.NotNil(t, final.Turn)
	assert.True(t, final.Turn.Finished())
	assert.Equal(t, "Hello world", final.Turn.AssistantMessage)
	require.Len(t, final.Turn.Sources, 1)
	assert.Equal(t, "doc-1", final.Turn.Sources[0].ID)

	assert.Equal(t, 1, env.graph.calls)
	assert.Equal(t, 1, env.vector.calls)
	assert.Equal(t, 1, env.repo.commits)
}

func TestRunTurn_StageOrdering(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fastLLM.replies = []string{"none", "refined"}

	events := runTurn(t, env.orc, defaultRequest())

	var stages []datatypes.Stage
	for _, ev := range events {
		if ev.Kind == datatypes.EventProgress {
			stages = append(stages, ev.Stage)
		}
	}

	// Progress stages must appear in pipeline order. Stages may repeat but
	// never run backwards.
	order := map[datatypes.Stage]int{
		datatypes.StageInitialization: 0,
		datatypes.StageKGRetrieval:    1,
		datatypes.StageRefineQuestion: 2,
		datatypes.StageSearchDocs:     3,
		datatypes.StageSourceNodes:    4,
		datatypes.StageGenerateAnswer: 5,
		datatypes.StageFinished:       6,
	}
	last := -1
	for _, stage := range stages {
		rank, known := order[stage]
		require.True(t, known, "unexpected stage %s", stage)
		assert.GreaterOrEqual(t, rank, last, "stage %s out of order", stage)
		last = rank
	}
	assert.Equal(t, datatypes.StageFinished, stages[len(stages)-1])
}

func TestRunTurn_GraphStoreFailureDegrades(t *testing.T) {
	env := newTestEnv(t, nil)
	env.graph.err = errors.New("graph store unreachable")
	env.fastLLM.replies = []string{"none", "refined"}

	events := runTurn(t, env.orc, defaultRequest())

	final := lastEvent(t, events)
	require.Equal(t, datatypes.EventSnapshot, final.Kind)
	assert.True(t, final.Turn.Finished())
	require.NotNil(t, final.Turn.GraphData)
	assert.True(t, final.Turn.GraphData.IsEmpty())
	assert.Equal(t, 1, env.repo.commits)
}

func TestRunTurn_ChunkRetrievalFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.vector.err = errors.New("vector search down")
	env.fastLLM.replies = []string{"none", "refined"}

	events := runTurn(t, env.orc, defaultRequest())

	final := lastEvent(t, events)
	assert.Equal(t, datatypes.EventError, final.Kind)
	assert.Equal(t, apologyMessage, final.Message)
	assert.Zero(t, env.repo.commits)
}

func TestRunTurn_RefineFailureIsFatal(t *testing.T) {
	// The first fast-model call (identity classification) succeeds; the
	// second one is the refine stage, which has no degraded path.
	fastLLM := &failAfterNPredictor{
		inner:     &scriptedPredictor{replies: []string{"none"}},
		failAfter: 1,
	}
	env := newTestEnv(t, func(d *Deps) { d.FastLLM = fastLLM })

	events := runTurn(t, env.orc, defaultRequest())

	final := lastEvent(t, events)
	assert.Equal(t, datatypes.EventError, final.Kind)
	assert.Zero(t, env.repo.commits)
}

// failAfterNPredictor delegates the first N calls, then errors.
type failAfterNPredictor struct {
	mu        sync.Mutex
	inner     Predictor
	failAfter int
	calls     int
}

func (p *failAfterNPredictor) Predict(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	if n > p.failAfter {
		return "", errors.New("model unavailable")
	}
	return p.inner.Predict(ctx, prompt)
}

func TestRunTurn_EmptyAnswerIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.llm.tokens = []string{"  ", "\n"}
	env.fastLLM.replies = []string{"none", "refined"}

	events := runTurn(t, env.orc, defaultRequest())

	final := lastEvent(t, events)
	assert.Equal(t, datatypes.EventError, final.Kind)
	assert.Equal(t, apologyMessage, final.Message)
	assert.Zero(t, env.repo.commits)
}

func TestRunTurn_CommitFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.repo.commitErr = errors.New("write conflict")
	env.fastLLM.replies = []string{"none", "refined"}

	events := runTurn(t, env.orc, defaultRequest())

	final := lastEvent(t, events)
	assert.Equal(t, datatypes.EventError, final.Kind)
	// Exactly one commit attempt, no final snapshot.
	assert.Equal(t, 1, env.repo.commits)
	for _, ev := range events[1:] {
		if ev.Kind == datatypes.EventSnapshot {
			assert.False(t, ev.Turn.Finished(), "no finished snapshot may follow a failed commit")
		}
	}
}

func TestRunTurn_ClarifyGateShortCircuits(t *testing.T) {
	profiles := loadProfiles(t, `
engines:
  - name: strict
    mode: builtin
    clarify_question: true
`)
	env := newTestEnv(t, func(d *Deps) { d.Profiles = profiles })
	env.fastLLM.replies = []string{"none", "refined question", "Which quarter do you mean?"}

	req := defaultRequest()
	req.EngineName = "strict"
	events := runTurn(t, env.orc, req)

	assert.Equal(t, "Which quarter do you mean?", deltaText(events))

	final := lastEvent(t, events)
	require.Equal(t, datatypes.EventSnapshot, final.Kind)
	assert.True(t, final.Turn.Finished())
	assert.Equal(t, "Which quarter do you mean?", final.Turn.AssistantMessage)
	assert.Empty(t, final.Turn.Sources)

	// The clarify short-circuit never reaches vector search or synthesis.
	assert.Zero(t, env.vector.calls)
	assert.Equal(t, 1, env.repo.commits)
}

func TestRunTurn_ClarifyFalseProceeds(t *testing.T) {
	profiles := loadProfiles(t, `
engines:
  - name: strict
    mode: builtin
    clarify_question: true
`)
	env := newTestEnv(t, func(d *Deps) { d.Profiles = profiles })
	env.fastLLM.replies = []string{"none", "refined question", "False."}

	req := defaultRequest()
	req.EngineName = "strict"
	events := runTurn(t, env.orc, req)

	assert.Equal(t, "Hello world", deltaText(events))
	assert.Equal(t, 1, env.vector.calls)
	assert.Equal(t, 1, env.repo.commits)
}

func TestRunTurn_AnonymousCallerGetsNoSources(t *testing.T) {
	// An empty authority short-circuits every filter, so even chunks
	// without a CRM category never reach the answer's sources.
	env := newTestEnv(t, func(d *Deps) {
		d.Authority = StaticResolver{Authority: EmptyAuthority()}
	})
	env.fastLLM.replies = []string{"none", "refined"}
	env.vector.chunks = []datatypes.ScoredChunk{
		{ID: "c1", Text: "general knowledge", DocumentID: "doc-1", Score: 0.9},
	}

	req := defaultRequest()
	req.Identity = datatypes.CallerIdentity{}
	events := runTurn(t, env.orc, req)

	final := lastEvent(t, events)
	require.Equal(t, datatypes.EventSnapshot, final.Kind)
	assert.True(t, final.Turn.Finished())
	assert.Empty(t, final.Turn.Sources)
	assert.Equal(t, 1, env.repo.commits)
}

func TestRunTurn_ConsumerCancellation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fastLLM.replies = []string{"none", "refined"}

	ctx, cancel := context.WithCancel(t.Context())
	events := env.orc.RunTurn(ctx, defaultRequest())

	// Take one event, then walk away. The pipeline must terminate and
	// close the channel instead of leaking the producer goroutine.
	<-events
	cancel()
	for range events {
	}
	assert.Zero(t, env.repo.commits)
}

// =============================================================================
// External Tail Tests
// =============================================================================

const externalProfiles = `
engines:
  - name: research
    mode: external
    trace_base_url: https://trace.example/view
`

func TestRunTurn_ExternalGoalCacheHit(t *testing.T) {
	profiles := loadProfiles(t, externalProfiles)
	env := newTestEnv(t, func(d *Deps) { d.Profiles = profiles })
	env.fastLLM.replies = []string{"none", "Goal: Summarize Acme\n{\"Lang\": \"English\"}"}
	env.repo.cacheHit = true
	env.repo.cachedAnswer = "First sentence. Second sentence. Third."

	req := defaultRequest()
	req.EngineName = "research"
	events := runTurn(t, env.orc, req)

	// The replay reconstructs the cached answer exactly.
	assert.Equal(t, env.repo.cachedAnswer, deltaText(events))

	final := lastEvent(t, events)
	require.Equal(t, datatypes.EventSnapshot, final.Kind)
	assert.Equal(t, env.repo.cachedAnswer, final.Turn.AssistantMessage)
	require.NotNil(t, final.Turn.External)
	assert.Equal(t, "Summarize Acme", final.Turn.External.Goal)

	// Cache key is the normalized goal plus language.
	assert.Equal(t, "summarize acme", env.repo.lastGoal)
	assert.Equal(t, "English", env.repo.lastLang)

	// A hit makes no engine round trip.
	assert.Empty(t, env.engine.goals)
	assert.Equal(t, 1, env.repo.commits)
}

func TestRunTurn_ExternalEngineStream(t *testing.T) {
	profiles := loadProfiles(t, externalProfiles)
	env := newTestEnv(t, func(d *Deps) { d.Profiles = profiles })
	env.fastLLM.replies = []string{"none", "Goal: Find the capital\n{\"Lang\": \"English\"}"}
	env.engine.lines = []string{
		`0:"Ber"`,
		`8:[{"task_id":"task-7"}]`,
		`0:"lin"`,
		`x:unknown-opcode`,
	}

	req := defaultRequest()
	req.EngineName = "research"
	events := runTurn(t, env.orc, req)

	assert.Equal(t, "Berlin", deltaText(events))

	final := lastEvent(t, events)
	require.Equal(t, datatypes.EventSnapshot, final.Kind)
	assert.Equal(t, "Berlin", final.Turn.AssistantMessage)
	require.NotNil(t, final.Turn.External)
	assert.Equal(t, "task-7", final.Turn.External.TaskID)
	assert.Equal(t, "https://trace.example/view?task_id=task-7", final.Turn.TraceURL)

	require.Len(t, env.engine.goals, 1)
	assert.Equal(t, "Find the capital", env.engine.goals[0])
	assert.Equal(t, 1, env.repo.commits)
}

func TestRunTurn_ExternalCacheLookupFailureIsMiss(t *testing.T) {
	profiles := loadProfiles(t, externalProfiles)
	env := newTestEnv(t, func(d *Deps) { d.Profiles = profiles })
	env.fastLLM.replies = []string{"none", "Goal: anything\n{\"Lang\": \"English\"}"}
	env.repo.cacheErr = errors.New("query timeout")
	env.engine.lines = []string{`0:"ok"`}

	req := defaultRequest()
	req.EngineName = "research"
	events := runTurn(t, env.orc, req)

	// The failed lookup degrades to a miss and the engine answers.
	assert.Equal(t, "ok", deltaText(events))
	assert.Len(t, env.engine.goals, 1)
	assert.Equal(t, 1, env.repo.commits)
}

func TestRunTurn_ExternalWithoutEngineClient(t *testing.T) {
	profiles := loadProfiles(t, externalProfiles)
	env := newTestEnv(t, func(d *Deps) {
		d.Profiles = profiles
		d.Engine = nil
	})
	env.fastLLM.replies = []string{"none"}

	req := defaultRequest()
	req.EngineName = "research"
	events := runTurn(t, env.orc, req)

	final := lastEvent(t, events)
	assert.Equal(t, datatypes.EventError, final.Kind)
	assert.Equal(t, apologyMessage, final.Message)
	assert.Zero(t, env.repo.commits)
}

func TestRunTurn_ProfileEngineURLSelectsEngine(t *testing.T) {
	// Profiles carrying their own external_engine_url stream from that
	// engine, not the default client.
	profiles := loadProfiles(t, `
engines:
  - name: research
    mode: external
    external_engine_url: https://engine-a.example/stream
  - name: support
    mode: external
    external_engine_url: https://engine-b.example/stream
`)
	engines := map[string]*fakeEngine{
		"https://engine-a.example/stream": {lines: []string{`0:"from A"`}},
		"https://engine-b.example/stream": {lines: []string{`0:"from B"`}},
	}
	factoryCalls := map[string]int{}
	env := newTestEnv(t, func(d *Deps) {
		d.Profiles = profiles
		d.EngineFactory = func(baseURL string) ExternalEngine {
			factoryCalls[baseURL]++
			return engines[baseURL]
		}
	})
	env.fastLLM.replies = []string{
		"none", "Goal: first",
		"none", "Goal: second",
		"none", "Goal: third",
	}

	req := defaultRequest()
	req.EngineName = "research"
	assert.Equal(t, "from A", deltaText(runTurn(t, env.orc, req)))

	req.EngineName = "support"
	assert.Equal(t, "from B", deltaText(runTurn(t, env.orc, req)))

	// A second turn on the same profile reuses the cached client.
	req.EngineName = "research"
	assert.Equal(t, "from A", deltaText(runTurn(t, env.orc, req)))
	assert.Equal(t, 1, factoryCalls["https://engine-a.example/stream"])
	assert.Equal(t, 1, factoryCalls["https://engine-b.example/stream"])

	// The default engine client never ran.
	assert.Empty(t, env.engine.goals)
}

func TestRunTurn_ExternalGoalGenerationFallsBack(t *testing.T) {
	profiles := loadProfiles(t, externalProfiles)
	env := newTestEnv(t, func(d *Deps) { d.Profiles = profiles })
	// Identity classify answers, then goal generation returns garbage with
	// no goal line. The raw question becomes the goal.
	env.fastLLM.replies = []string{"none", "{}"}
	env.engine.lines = []string{`0:"answer"`}

	req := defaultRequest()
	req.EngineName = "research"
	runTurn(t, env.orc, req)

	require.Len(t, env.engine.goals, 1)
	assert.Equal(t, req.Question, env.engine.goals[0])
}
