// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator composes the conversation service.
//
// This package contains the Service type that wires all components of
// the process: HTTP routing, LLM clients, the Weaviate stores, the
// outbound API clients, and observability infrastructure. The pipeline
// itself lives in the conversation package; this package only builds
// and connects it.
//
// # Usage
//
//	cfg := orchestrator.ConfigFromEnv()
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/relatia-ai/relatia/services/llm"
	"github.com/relatia-ai/relatia/services/orchestrator/conversation"
	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
	"github.com/relatia-ai/relatia/services/orchestrator/observability"
	"github.com/relatia-ai/relatia/services/orchestrator/routes"
	"github.com/relatia-ai/relatia/services/orchestrator/services"
)

// =============================================================================
// Service Interface
// =============================================================================

// Service is a fully wired orchestrator process.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration options.
//
// # Description
//
// Config centralizes all configuration for the orchestrator service.
// Values can be populated from environment variables via ConfigFromEnv,
// or programmatically for testing. Zero values get defaults applied by
// New.
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// LLMBackend selects the answer-generation LLM provider.
	// Valid values: "openai", "ollama". Default: "openai"
	LLMBackend string

	// FastLLMBackend selects the provider for the cheap classification
	// and refinement calls. Default: same as LLMBackend.
	FastLLMBackend string

	// WeaviateURL is the Weaviate database URL. Required; the service
	// cannot run without its conversation store.
	WeaviateURL string

	// GraphStoreURL is the knowledge graph retrieval service base URL.
	GraphStoreURL string

	// AuthorityAPIURL is the CRM authority API endpoint. Empty means
	// non-admin callers get no CRM data access.
	AuthorityAPIURL string

	// EngineStreamURL is the default external execution engine's stream
	// endpoint. Profiles may override it with their own
	// external_engine_url; with neither set, external mode is disabled.
	EngineStreamURL string

	// EngineRPS rate-limits new engine streams. <= 0 disables limiting.
	EngineRPS float64

	// VerificationAPIURL is the post-verification service endpoint.
	// Empty disables verification.
	VerificationAPIURL string

	// VerificationAPIToken is the optional bearer token for the
	// verification service.
	VerificationAPIToken string

	// ProfilesPath is the engine profiles YAML file. Empty means only
	// the built-in default profile exists.
	ProfilesPath string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "relatia-otel-collector:4317"
	OTelEndpoint string

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Default: uses GIN_MODE env var or "debug".
	GinMode string
}

// ConfigFromEnv builds a Config from the process environment.
func ConfigFromEnv() Config {
	port := 0
	if v := os.Getenv("ORCHESTRATOR_PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			port = parsed
		}
	}
	rps := 0.0
	if v := os.Getenv("ENGINE_RPS"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			rps = parsed
		}
	}
	return Config{
		Port:                 port,
		LLMBackend:           os.Getenv("LLM_BACKEND_TYPE"),
		FastLLMBackend:       os.Getenv("FAST_LLM_BACKEND_TYPE"),
		WeaviateURL:          strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' "),
		GraphStoreURL:        os.Getenv("GRAPH_STORE_URL"),
		AuthorityAPIURL:      os.Getenv("AUTHORITY_API_URL"),
		EngineStreamURL:      os.Getenv("ENGINE_STREAM_URL"),
		EngineRPS:            rps,
		VerificationAPIURL:   os.Getenv("VERIFICATION_API_URL"),
		VerificationAPIToken: os.Getenv("VERIFICATION_API_TOKEN"),
		ProfilesPath:         os.Getenv("ENGINE_PROFILES_PATH"),
		OTelEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config         Config
	router         *gin.Engine
	weaviateClient *weaviate.Client
	llmClient      llm.LLMClient
	fastLLMClient  llm.LLMClient
	profiles       *conversation.ProfileStore
	docCache       *services.DocumentMetaCache
	orc            *conversation.Orchestrator
	tracerCleanup  func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator Service with the given configuration.
//
// # Description
//
// New initializes all components in dependency order:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing and Prometheus metrics
//  3. Connects to Weaviate and ensures the schema
//  4. Creates the LLM clients
//  5. Loads and watches the engine profiles file
//  6. Builds the outbound clients and the conversation orchestrator
//  7. Sets up HTTP routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//
// # Outputs
//
//   - Service: Ready-to-run orchestrator service
//   - error: Non-nil if initialization fails
//
// # Assumptions
//
//   - Environment variables are set for LLM providers (API keys, URLs)
//   - Weaviate is reachable; the conversation store is not optional
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	observability.InitMetrics()

	if err := s.initWeaviate(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize Weaviate: %w", err)
	}

	if err := s.initLLMClients(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM clients: %w", err)
	}

	s.initProfiles()

	if err := s.initPipeline(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting orchestrator server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "openai"
	}
	if cfg.FastLLMBackend == "" {
		cfg.FastLLMBackend = cfg.LLMBackend
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "relatia-otel-collector:4317"
	}
	return cfg
}

func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("orchestrator-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func (s *service) initWeaviate() error {
	if s.config.WeaviateURL == "" {
		return fmt.Errorf("WEAVIATE_SERVICE_URL not set")
	}

	parsedURL, err := url.Parse(s.config.WeaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL %q", s.config.WeaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return fmt.Errorf("create Weaviate client: %w", err)
	}
	s.weaviateClient = client

	datatypes.EnsureWeaviateSchema(client)
	return nil
}

func newLLMClient(backend string) (llm.LLMClient, error) {
	switch backend {
	case "openai":
		return llm.NewOpenAIClient()
	case "ollama":
		return llm.NewOllamaClient()
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", backend)
	}
}

func (s *service) initLLMClients() error {
	client, err := newLLMClient(s.config.LLMBackend)
	if err != nil {
		return err
	}
	s.llmClient = client
	slog.Info("Configured answer LLM backend", "backend", s.config.LLMBackend)

	if s.config.FastLLMBackend == s.config.LLMBackend {
		s.fastLLMClient = client
		return nil
	}
	fast, err := newLLMClient(s.config.FastLLMBackend)
	if err != nil {
		return err
	}
	s.fastLLMClient = fast
	slog.Info("Configured fast LLM backend", "backend", s.config.FastLLMBackend)
	return nil
}

func (s *service) initProfiles() {
	s.profiles = conversation.NewProfileStore()
	if s.config.ProfilesPath == "" {
		slog.Info("ENGINE_PROFILES_PATH not set, using the default engine profile only")
		return
	}
	if err := s.profiles.LoadFile(s.config.ProfilesPath); err != nil {
		slog.Error("failed to load engine profiles, using the default profile only",
			"path", s.config.ProfilesPath, "error", err)
		return
	}
	if err := s.profiles.Watch(); err != nil {
		slog.Warn("engine profile hot-reload unavailable", "error", err)
	}
}

func (s *service) initPipeline() error {
	if s.config.GraphStoreURL == "" {
		return fmt.Errorf("GRAPH_STORE_URL not set")
	}

	vectorStore := services.NewWeaviateVectorStore(s.weaviateClient)

	docCache, err := services.NewDocumentMetaCache(vectorStore)
	if err != nil {
		return err
	}
	s.docCache = docCache

	// Low temperature for the deterministic pipeline steps, a modest one
	// for the final answer.
	answerLLM := services.NewLLMPredictor(s.llmClient, 0.3, 8192)
	fastLLM := services.NewLLMPredictor(s.fastLLMClient, 0.0, 1024)

	var engine conversation.ExternalEngine
	if s.config.EngineStreamURL != "" {
		engine = services.NewExternalEngineClient(s.config.EngineStreamURL, s.config.EngineRPS)
	}
	var verifier conversation.Verifier
	if s.config.VerificationAPIURL != "" {
		verifier = services.NewVerificationClient(s.config.VerificationAPIURL, s.config.VerificationAPIToken)
	}

	s.orc = conversation.NewOrchestrator(conversation.Deps{
		LLM:       answerLLM,
		FastLLM:   fastLLM,
		Graph:     services.NewGraphStoreClient(s.config.GraphStoreURL),
		Vector:    vectorStore,
		DocMeta:   docCache,
		Repo:      services.NewWeaviateChatRepo(s.weaviateClient),
		Authority: services.NewAuthorityClient(s.config.AuthorityAPIURL),
		Engine:    engine,
		EngineFactory: func(baseURL string) conversation.ExternalEngine {
			return services.NewExternalEngineClient(baseURL, s.config.EngineRPS)
		},
		Verifier: verifier,
		Profiles: s.profiles,
		Config:   conversation.DefaultPipelineConfig(),
	})
	return nil
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware("orchestrator-service"))

	routes.SetupRoutes(router, s.orc)
	s.router = router
}

func (s *service) cleanup() {
	if s.profiles != nil {
		s.profiles.Close()
	}
	if s.docCache != nil {
		if err := s.docCache.Close(); err != nil {
			slog.Warn("failed to close document metadata cache", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
