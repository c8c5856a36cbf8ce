// beamsearch runs the image-refinement job server: HTTP/WebSocket API,
// local model-service supervisor, GPU coordinator, and the beam-search
// orchestrator.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/jflournoy/beamsearch/pkg/api"
	"github.com/jflournoy/beamsearch/pkg/config"
	"github.com/jflournoy/beamsearch/pkg/gpu"
	"github.com/jflournoy/beamsearch/pkg/job"
	"github.com/jflournoy/beamsearch/pkg/notify"
	"github.com/jflournoy/beamsearch/pkg/orchestrator"
	"github.com/jflournoy/beamsearch/pkg/progress"
	"github.com/jflournoy/beamsearch/pkg/providers"
	"github.com/jflournoy/beamsearch/pkg/providers/hostedimage"
	"github.com/jflournoy/beamsearch/pkg/providers/httpimage"
	"github.com/jflournoy/beamsearch/pkg/providers/httpllm"
	"github.com/jflournoy/beamsearch/pkg/providers/httpvision"
	"github.com/jflournoy/beamsearch/pkg/store"
	"github.com/jflournoy/beamsearch/pkg/supervisor"
	"github.com/jflournoy/beamsearch/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// supervisorAdapter satisfies gpu.Supervisor's 2-arg Start by deriving
// StartOptions from cfg at call time — the coordinator has no notion of
// per-service start commands, only of when eviction requires a restart.
type supervisorAdapter struct {
	sup *supervisor.Supervisor
	cfg *config.Config
}

func (a *supervisorAdapter) Start(ctx context.Context, name config.ServiceName) error {
	svcCfg, ok := a.cfg.ServiceConfig(name)
	if !ok {
		return supervisor.ErrUnknownService
	}
	return a.sup.Start(ctx, name, api.StartOptionsFor(name, svcCfg))
}

func (a *supervisorAdapter) Stop(ctx context.Context, name config.ServiceName) error {
	return a.sup.Stop(ctx, name)
}

func (a *supervisorAdapter) Health(ctx context.Context, name config.ServiceName) (bool, error) {
	return a.sup.Health(ctx, name)
}

func localServiceURL(port int) string {
	return "http://127.0.0.1:" + strconv.Itoa(port)
}

// buildImageProvider prefers the hosted Modal endpoint when configured,
// falling back to the local flux service (spec §4.1 expansion: both
// image-generation paths stay pluggable, selected by config alone).
func buildImageProvider(cfg *config.Config) providers.Image {
	if endpoint := os.Getenv("MODAL_ENDPOINT_URL"); endpoint != "" {
		return hostedimage.New(hostedimage.Config{
			EndpointURL: endpoint,
			TokenID:     os.Getenv("MODAL_TOKEN_ID"),
			TokenSecret: os.Getenv("MODAL_TOKEN_SECRET"),
			Model:       "flux",
		})
	}
	svcCfg, _ := cfg.ServiceConfig(config.ServiceFlux)
	return httpimage.New(localServiceURL(svcCfg.Port), "flux")
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: could not load %s: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	gin.SetMode(getEnv("GIN_MODE", "release"))

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	logger := slog.Default()
	logger.Info("Starting beamsearch", "version", version.Full(), "configDir", *configDir, "port", cfg.HTTP.Port)

	sessionStore, err := store.New(cfg.SessionHistory.Dir)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}

	sup := supervisor.New(cfg, os.TempDir(), logger)
	restarter := supervisor.NewAutoRestarter(sup, 5*time.Second, logger)
	restarter.Start(ctx)

	coord := gpu.New(&supervisorAdapter{sup: sup, cfg: cfg}, cfg.GPU.CleanupDelay, logger)

	bus := progress.New(logger)

	llmCfg, _ := cfg.ServiceConfig(config.ServiceLLM)
	visionCfg, _ := cfg.ServiceConfig(config.ServiceVision)
	llmClient := httpllm.New(localServiceURL(llmCfg.Port), "llm")

	provs := orchestrator.Providers{
		LLM:      llmClient,
		Image:    buildImageProvider(cfg),
		Vision:   httpvision.New(localServiceURL(visionCfg.Port), "vision"),
		Critique: llmClient,
		Ranker:   llmClient,
	}

	notifier := notify.New(cfg.Notify)

	jobs := job.New(nil, sessionStore, notifier, logger)
	orch := orchestrator.New(provs, coord, bus, sessionStore, logger,
		orchestrator.WithSessionHook(jobs.SessionHook()),
		orchestrator.WithPricing(cfg.Pricing),
	)
	jobs.SetRunner(orch)

	server := api.NewServer(cfg, jobs, bus, sessionStore, sup, coord)

	addr := ":" + strconv.Itoa(cfg.HTTP.Port)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info("HTTP server listening", "addr", addr)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	select {
	case <-sigCtx.Done():
		logger.Info("received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
		os.Exit(0)
	case err := <-errCh:
		logger.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
