// Package worker provides the HTTP worker service for goma.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gomahq/goma/internal/config"
	"github.com/gomahq/goma/internal/conversation"
	"github.com/gomahq/goma/internal/embedding"
	"github.com/gomahq/goma/internal/llm"
	"github.com/gomahq/goma/internal/monitor"
	"github.com/gomahq/goma/internal/prompt"
	"github.com/gomahq/goma/internal/retrieval"
	"github.com/gomahq/goma/internal/vector"
	"github.com/gomahq/goma/internal/watcher"
	"github.com/gomahq/goma/internal/worker/sse"
)

// Service configuration constants
const (
	// DefaultHTTPTimeout bounds a request including a full generation,
	// which dominates it on slow local models.
	DefaultHTTPTimeout = 120 * time.Second

	// ReadyPollInterval is how often WaitReady checks initialization status.
	ReadyPollInterval = 50 * time.Millisecond

	// chatRatePerSecond and chatBurst throttle the chat endpoint. One
	// visitor typing cannot need more; anything past this is a script.
	chatRatePerSecond = 2
	chatBurst         = 5
)

// Service is the assistant worker orchestrator.
type Service struct {
	version string
	config  *config.Config

	// Domain services (set during async init)
	chatClient llm.Client
	embedSvc   *embedding.Service
	store      *vector.Store
	searcher   *retrieval.Searcher
	controller *conversation.Controller

	sseBroadcaster *sse.Broadcaster
	memWatcher     *monitor.MemoryWatcher
	configWatcher  *watcher.Watcher
	chatLimiter    *RateLimiter

	// HTTP server
	router    *chi.Mux
	server    *http.Server
	startTime time.Time

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Initialization state (for deferred init)
	ready       atomic.Bool
	aiEnabled   atomic.Bool
	modelLoadMs atomic.Int64
	initError   error
	initMu      sync.RWMutex
}

// NewService creates a new worker service with deferred initialization.
// The service starts immediately with the health endpoint available,
// while model probing and dataset loading happen in the background.
func NewService(version string) (*Service, error) {
	cfg := config.Get()

	ctx, cancel := context.WithCancel(context.Background())

	svc := &Service{
		version:        version,
		config:         cfg,
		sseBroadcaster: sse.NewBroadcaster(),
		chatLimiter:    NewRateLimiter(chatRatePerSecond, chatBurst),
		router:         chi.NewRouter(),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
	}

	svc.setupMiddleware()
	svc.setupRoutes()

	go svc.initializeAsync()

	return svc, nil
}

// initializeAsync performs heavy initialization in the background.
func (s *Service) initializeAsync() {
	log.Info().Msg("Starting async initialization...")
	loadStart := time.Now()

	if err := config.EnsureAll(); err != nil {
		s.setInitError(fmt.Errorf("ensure data dir: %w", err))
		return
	}

	chatClient, err := llm.New(s.config)
	if err != nil {
		s.setInitError(fmt.Errorf("create chat client: %w", err))
		return
	}

	var (
		embedSvc *embedding.Service
		store    *vector.Store
	)

	g, gctx := errgroup.WithContext(s.ctx)

	// Chat backend probe. Failure is not fatal: the service stays up
	// and answers with canned fallbacks until the backend returns.
	g.Go(func() error {
		if err := chatClient.Probe(gctx); err != nil {
			log.Warn().Err(err).Str("model", chatClient.Model()).Msg("Chat backend unavailable, fallback replies only")
			return nil
		}
		s.aiEnabled.Store(true)
		log.Info().Str("model", chatClient.Model()).Msg("Chat backend ready")
		return nil
	})

	// Embedding provider. Failure disables retrieval, not the service.
	g.Go(func() error {
		svc, err := embedding.NewServiceWithModel(s.config.EmbedProvider)
		if err != nil {
			log.Warn().Err(err).Msg("Embedding provider unavailable, retrieval disabled")
			return nil
		}
		embedSvc = svc
		return nil
	})

	// Portfolio dataset. A corrupt file is fatal; a missing one just
	// yields an empty store.
	g.Go(func() error {
		st, err := vector.Load(s.config.EmbeddingsPath)
		if err != nil {
			return fmt.Errorf("load embeddings dataset: %w", err)
		}
		store = st
		return nil
	})

	if err := g.Wait(); err != nil {
		s.setInitError(err)
		return
	}

	var searcher *retrieval.Searcher
	if s.config.RAGEnabled && embedSvc != nil {
		gate := retrieval.NewGate(true, s.config.RetrievalMinWords)
		searcher = retrieval.NewSearcher(embedSvc, store, gate, s.config.RetrievalTopK, s.config.RetrievalMinScore)
	}

	composer := prompt.NewComposer(s.config.AssistantName, s.config.OwnerName, s.config.HistoryWindow)
	controller := conversation.NewController(chatClient, retrieverOrNil(searcher), composer, conversation.Options{
		Temperature:       s.config.Temperature,
		MaxTokens:         s.config.MaxTokens,
		GreetingMaxTokens: s.config.GreetingMaxTokens,
		SlowThreshold:     time.Duration(s.config.SlowResponseMs) * time.Millisecond,
		DegradedAvgMs:     float64(s.config.DegradedAvgMs),
		DegradedSlowRatio: s.config.DegradedSlowRatio,
		PendingCap:        s.config.PendingQueueCap,
	}, conversation.Callbacks{
		OnToken: func(fragment string) {
			s.sseBroadcaster.Broadcast(map[string]interface{}{"type": "token", "content": fragment})
		},
		OnReply: func(text string) {
			s.sseBroadcaster.Broadcast(map[string]interface{}{"type": "reply", "text": text})
		},
		OnDegraded: func(reason string) {
			s.sseBroadcaster.Broadcast(map[string]interface{}{"type": "degraded", "reason": reason})
		},
	})

	s.initMu.Lock()
	s.chatClient = chatClient
	s.embedSvc = embedSvc
	s.store = store
	s.searcher = searcher
	s.controller = controller
	s.initMu.Unlock()

	s.modelLoadMs.Store(time.Since(loadStart).Milliseconds())
	s.ready.Store(true)
	log.Info().
		Dur("elapsed", time.Since(loadStart)).
		Bool("ai_enabled", s.aiEnabled.Load()).
		Int("chunks", store.Len()).
		Msg("Async initialization complete - service ready")

	// Open the session with a greeting as soon as the model is up.
	if s.aiEnabled.Load() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			controller.Greet(s.ctx)
		}()
	}

	s.startMonitors()
}

// retrieverOrNil avoids handing the controller a typed-nil interface.
func retrieverOrNil(s *retrieval.Searcher) conversation.Retriever {
	if s == nil {
		return nil
	}
	return s
}

// startMonitors launches the memory watcher and the settings watcher.
func (s *Service) startMonitors() {
	s.memWatcher = monitor.NewMemoryWatcher(
		time.Duration(s.config.MemoryCheckSec)*time.Second,
		s.config.MemoryWarnPercent,
		func(usedPercent float64) {
			s.initMu.RLock()
			controller := s.controller
			s.initMu.RUnlock()
			if controller != nil {
				controller.Degrade("memory pressure")
			}
		},
	)
	s.memWatcher.Start(s.ctx)

	configPath := config.SettingsPath()
	configWatcher, err := watcher.New(configPath, func() {
		s.reloadConfig()
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create settings watcher")
		return
	}
	s.configWatcher = configWatcher
	if err := configWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start settings watcher")
	} else {
		log.Info().Str("path", configPath).Msg("Settings file watcher started")
	}
}

// reloadConfig reloads configuration from disk.
// For now, this triggers a graceful restart by exiting (the supervisor
// restarts us with new settings).
func (s *Service) reloadConfig() {
	log.Info().Msg("Settings changed, triggering graceful restart...")

	s.sseBroadcaster.Broadcast(map[string]interface{}{
		"type":    "config_changed",
		"message": "Configuration changed, restarting worker...",
	})

	// Give SSE clients a moment to receive the message
	time.Sleep(100 * time.Millisecond)

	os.Exit(0)
}

// setInitError records an initialization error.
func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	log.Error().Err(err).Msg("Async initialization failed")
}

// GetInitError returns any initialization error.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

// WaitReady blocks until initialization finishes or ctx expires.
func (s *Service) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(ReadyPollInterval)
	defer ticker.Stop()

	for {
		if s.ready.Load() {
			return nil
		}
		if err := s.GetInitError(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(DefaultHTTPTimeout))
	s.router.Use(middleware.RealIP)
	s.router.Use(SecurityHeaders)
	s.router.Use(MaxBodySize(DefaultMaxBodySize))
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	// Health check returns 200 immediately so probes can connect
	// during init.
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/version", s.handleVersion)

	// Readiness check - returns 200 only when fully initialized
	s.router.Get("/api/ready", s.handleReady)

	// SSE endpoint (works before init completes)
	s.router.Get("/api/events", s.sseBroadcaster.HandleSSE)

	// Routes that require initialization
	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.With(RateLimitMiddleware(s.chatLimiter)).Post("/api/chat", s.handleChat)
		r.Post("/api/greet", s.handleGreet)
		r.Post("/api/reset", s.handleReset)
		r.Get("/api/stats", s.handleStats)
		r.Get("/api/profile", s.handleProfile)
		r.Get("/api/feedback", s.handleFeedback)
		r.Get("/api/models", s.handleModels)
	})
}

// Start starts the worker service. The HTTP server starts immediately;
// initialization happens async.
func (s *Service) Start() error {
	port := config.GetPort()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().
		Int("port", port).
		Int("pid", os.Getpid()).
		Msg("Worker HTTP server started (initialization in progress)")

	return nil
}

// Shutdown gracefully shuts down the service.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	if s.memWatcher != nil {
		s.memWatcher.Stop()
	}
	if s.configWatcher != nil {
		_ = s.configWatcher.Stop()
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	s.initMu.RLock()
	embedSvc := s.embedSvc
	s.initMu.RUnlock()
	if embedSvc != nil {
		if err := embedSvc.Close(); err != nil {
			log.Error().Err(err).Msg("Embedding service close error")
		}
	}

	s.wg.Wait()

	log.Info().Msg("Worker service shutdown complete")
	return nil
}
