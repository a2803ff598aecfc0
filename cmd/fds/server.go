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
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/NunoMbM/feedback-digestive-system/internal/api"
	"github.com/NunoMbM/feedback-digestive-system/internal/config"
	"github.com/NunoMbM/feedback-digestive-system/internal/digest"
	"github.com/NunoMbM/feedback-digestive-system/internal/inference"
	"github.com/NunoMbM/feedback-digestive-system/internal/ingest"
	"github.com/NunoMbM/feedback-digestive-system/internal/notify"
	"github.com/NunoMbM/feedback-digestive-system/internal/schedule"
	"github.com/NunoMbM/feedback-digestive-system/internal/stepengine"
	"github.com/NunoMbM/feedback-digestive-system/internal/storage"
	"github.com/NunoMbM/feedback-digestive-system/internal/vectorindex"
)

const alertTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, ingestion workers and digest scheduler (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and inference status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "fds version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llm, err := inference.New(inference.Config{
		Backend:    cfg.Inference.Backend,
		BaseURL:    cfg.Inference.BaseURL,
		ChatModel:  cfg.Inference.ChatModel,
		EmbedModel: cfg.Inference.EmbedModel,
		APIKey:     cfg.Inference.APIKey,
	})
	if err != nil {
		return err
	}
	if o, ok := llm.(*inference.Ollama); ok {
		if err := o.EnsureReady(ctx, os.Stderr); err != nil {
			return err
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	vectors := vectorindex.NewSQLite(store.DB())

	// Security alerts always reach the log; the webhook is optional and must
	// not hold up the classify step.
	notifiers := notify.Multi{notify.Log{}}
	if cfg.Alert.WebhookURL != "" {
		webhook := notify.NewAsync(notify.NewWebhook(cfg.Alert.WebhookURL), alertTimeout)
		defer webhook.Close()
		notifiers = append(notifiers, webhook)
		slog.Info("security alerts forwarded to webhook")
	}

	pipeline := ingest.NewPipeline(store, vectors, llm, notifiers)
	engine := stepengine.New(store, stepengine.Options{
		MaxAttempts:    cfg.Engine.MaxAttempts,
		RetryBaseDelay: cfg.Engine.RetryBaseDelay,
		StepTimeout:    cfg.Engine.StepTimeout,
	})
	engine.Register(pipeline.Workflow())
	runner := stepengine.NewRunner(store, engine, cfg.Engine.Concurrency, cfg.Engine.PollInterval)

	digester := digest.New(store, llm)
	scheduler := schedule.New(store, digester)

	deps := api.Deps{
		Store:    store,
		Pipeline: pipeline,
		Digest:   digester,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}
	srv := &http.Server{
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("fds listening", "addr", addr, "max_connections", cfg.Server.MaxConnections)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		slog.Info("ingestion runner started", "concurrency", cfg.Engine.Concurrency)
		if err := runner.Run(gctx); err != nil {
			return fmt.Errorf("runner: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})

	if mcpStdio {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		g.Go(func() error {
			slog.Info("MCP server started (stdio transport)")
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Inference", "%s", cfg.Inference.Backend)
	if strings.EqualFold(cfg.Inference.Backend, inference.BackendOllama) {
		o := inference.NewOllama(cfg.Inference.BaseURL, cfg.Inference.ChatModel, cfg.Inference.EmbedModel)
		if o.IsRunning(ctx) {
			printStatus("Ollama", "running at %s", cfg.Inference.BaseURL)
		} else {
			printStatus("Ollama", "not running at %s", cfg.Inference.BaseURL)
		}
	}
	printStatus("Chat model", "%s", cfg.Inference.ChatModel)
	printStatus("Embed model", "%s", cfg.Inference.EmbedModel)

	if running {
		c := &apiClient{baseURL: serverURL, httpClient: client}
		for _, st := range []string{storage.RunPending, storage.RunRunning, storage.RunFailed} {
			n, err := countRuns(ctx, c, st)
			if err != nil {
				continue
			}
			printStatus("Runs "+st, "%s", countLabel(n, runListMax))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
