package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/voxdeck/internal/api"
	"github.com/kalambet/voxdeck/internal/config"
	"github.com/kalambet/voxdeck/internal/convert"
	"github.com/kalambet/voxdeck/internal/extract"
	"github.com/kalambet/voxdeck/internal/inbox"
	"github.com/kalambet/voxdeck/internal/mirror"
	"github.com/kalambet/voxdeck/internal/pipeline"
	"github.com/kalambet/voxdeck/internal/render"
	"github.com/kalambet/voxdeck/internal/storage"
	"github.com/kalambet/voxdeck/internal/whatsapp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, webhook and workers (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		return runServe(workers, cmd.Flags().Changed("workers"))
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run pipeline workers only, against a shared queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		return runWorkers(workers, cmd.Flags().Changed("workers"))
	},
}

func init() {
	serveCmd.Flags().Int("workers", 0, "number of workers (0 = HTTP only; default from config)")
	workerCmd.Flags().Int("workers", 0, "number of workers (default from config)")
}

func loadServiceConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg.Log)
	if err := cfg.EnsureDirs(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openQueue(ctx context.Context, cfg config.Config) (storage.RunQueue, error) {
	switch cfg.Queue.Backend {
	case config.QueueRedis:
		q, err := storage.OpenRedis(ctx, cfg.Queue.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("opening redis queue: %w", err)
		}
		return q, nil
	default:
		q, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		return q, nil
	}
}

// newMessenger returns the WhatsApp client, or nil when not configured.
func newMessenger(cfg config.Config) *whatsapp.Client {
	if !cfg.WhatsAppEnabled() {
		return nil
	}
	return whatsapp.NewClient(cfg.WhatsApp.APIToken, cfg.WhatsApp.PhoneNumberID, cfg.WhatsApp.APIVersion)
}

// buildOrchestrator wires the pipeline from config. The returned cleanup
// releases remote clients.
func buildOrchestrator(ctx context.Context, cfg config.Config) (*pipeline.Orchestrator, func(), error) {
	backend, err := extract.NewGenAIBackend(ctx, cfg.Gemini.APIKey)
	if err != nil {
		return nil, nil, fmt.Errorf("creating gemini backend: %w", err)
	}
	ex := extract.NewExtractor(backend, extract.Config{
		Models:             cfg.Gemini.Models,
		Guidance:           cfg.Gemini.Guidance,
		RateLimitPause:     cfg.Gemini.RateLimitPause,
		ErrorPause:         cfg.Gemini.ErrorPause,
		UploadPollInterval: cfg.Gemini.UploadPollInterval,
		UploadMaxPolls:     cfg.Gemini.UploadMaxPolls,
	})

	renderer := render.Select(render.Config{
		OutputDir:        cfg.Storage.OutputDir,
		PlusAPIKey:       cfg.PlusAI.APIKey,
		PlusBaseURL:      cfg.PlusAI.BaseURL,
		PlusPollInterval: cfg.PlusAI.PollInterval,
		PlusMaxPolls:     cfg.PlusAI.MaxPolls,
		PlusSlides:       cfg.PlusAI.Slides,
	})
	slog.Info("renderer selected", "renderer", renderer.Name())

	opts := []pipeline.Option{}
	cleanup := func() {}

	if cfg.Convert.Enabled {
		opts = append(opts, pipeline.WithConverter(convert.New(cfg.Convert.Binary, cfg.Convert.Timeout)))
	}
	if cfg.Handout.Enabled {
		opts = append(opts, pipeline.WithHandout(render.WriteHandout))
	}
	if cfg.Mirror.Bucket != "" {
		m, err := mirror.NewGCS(ctx, cfg.Mirror.Bucket, cfg.Mirror.Prefix, cfg.Mirror.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, pipeline.WithMirror(m))
		cleanup = func() {
			if err := m.Close(); err != nil {
				slog.Warn("closing mirror client", "error", err)
			}
		}
		slog.Info("artifact mirror enabled", "bucket", cfg.Mirror.Bucket)
	}
	if wa := newMessenger(cfg); wa != nil {
		opts = append(opts, pipeline.WithDeliverer(whatsapp.NewDeliverer(wa)))
	}

	return pipeline.NewOrchestrator(ex, renderer, cfg.Storage.OutputDir, opts...), cleanup, nil
}

// startWorkers launches n workers and the stale-run reaper on g.
func startWorkers(ctx context.Context, g *errgroup.Group, q storage.RunQueue, proc pipeline.Processor, n int, wc config.WorkerConfig) {
	for i := 0; i < n; i++ {
		w := pipeline.NewWorker(q, proc, wc.PollInterval)
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	reaper := pipeline.NewReaper(q, wc.StaleAfter)
	g.Go(func() error {
		reaper.Run(ctx)
		return nil
	})
	slog.Info("workers started", "count", n, "stale_after", wc.StaleAfter)
}

func runServe(workers int, override bool) error {
	cfg, err := loadServiceConfig()
	if err != nil {
		return err
	}
	if !override {
		workers = cfg.Worker.Concurrency
	}
	slog.Info("voxdeck starting", "version", version, "queue", cfg.Queue.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			slog.Warn("closing queue", "error", err)
		}
	}()

	submitter := pipeline.NewSubmitter(queue, cfg.Storage.UploadDir)

	deps := api.Deps{
		Runs:          queue,
		Submitter:     submitter,
		OutputDir:     cfg.Storage.OutputDir,
		Token:         cfg.Server.APIToken,
		VerifyToken:   cfg.WhatsApp.VerifyToken,
		Messages:      queue,
		MaxUploadSize: int64(cfg.Server.MaxUploadMB) << 20,
	}
	if wa := newMessenger(cfg); wa != nil {
		deps.Messenger = wa
	} else {
		slog.Info("whatsapp not configured; webhook will acknowledge without replying")
	}
	if cfg.Server.APIToken == "" {
		slog.Warn("server.api_token not set; upload and task endpoints are unauthenticated")
	}

	g, gctx := errgroup.WithContext(ctx)

	if workers > 0 {
		if err := cfg.ValidateWorker(); err != nil {
			return err
		}
		orch, cleanup, err := buildOrchestrator(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		startWorkers(gctx, g, queue, orch, workers, cfg.Worker)
	} else {
		slog.Info("no workers in this process; runs wait for voxdeck worker")
	}

	if cfg.Inbox.Dir != "" {
		w, err := inbox.New(cfg.Inbox.Dir, submitter, 0)
		if err != nil {
			return fmt.Errorf("starting inbox: %w", err)
		}
		g.Go(func() error { return w.Start(gctx) })
	}

	if cfg.MCP.Enabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Runs: queue, Importer: submitter}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return gctx
		},
	}
	g.Go(func() error {
		slog.Info("voxdeck listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runWorkers(workers int, override bool) error {
	cfg, err := loadServiceConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}
	if !override {
		workers = cfg.Worker.Concurrency
	}
	if workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}
	if cfg.Queue.Backend == config.QueueSQLite {
		slog.Warn("worker is using the local sqlite queue; only runs submitted on this host will be seen",
			"data_dir", cfg.Storage.DataDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	orch, cleanup, err := buildOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	g, gctx := errgroup.WithContext(ctx)
	startWorkers(gctx, g, queue, orch, workers, cfg.Worker)
	err = g.Wait()
	slog.Info("workers stopped")
	return err
}
