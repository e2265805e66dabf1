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
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/clubsync/internal/api"
	"github.com/kalambet/clubsync/internal/cache"
	"github.com/kalambet/clubsync/internal/config"
	"github.com/kalambet/clubsync/internal/connectivity"
	"github.com/kalambet/clubsync/internal/metrics"
	"github.com/kalambet/clubsync/internal/query"
	"github.com/kalambet/clubsync/internal/queue"
	"github.com/kalambet/clubsync/internal/rpc"
	"github.com/kalambet/clubsync/internal/sms"
	"github.com/kalambet/clubsync/internal/storage"
	"github.com/kalambet/clubsync/internal/syncer"
)

// maxConnections bounds concurrent local clients; the daemon shares one
// SQLite connection between all of them.
const maxConnections = 64

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the clubsync daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running clubsync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, connectivity and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "clubsync.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "clubsync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))
	logger := slog.Default()

	// Local clients authenticate with this token.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("clubsync is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("clubsync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	m := metrics.New()

	probeURL := cfg.Connectivity.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Remote.BaseURL
	}
	monitor := connectivity.NewMonitor(connectivity.NewProbe(probeURL), cfg.Connectivity.Interval)
	override := connectivity.NewOverride(monitor)
	monitor.OnChange(func(online bool) {
		slog.Info("connectivity changed", "online", online)
	})

	cacheStore := cache.New(store, cache.WithLogger(logger), cache.WithMetrics(m))
	coordinator := query.NewCoordinator(cacheStore, override, query.Config{
		StaleTime:    cfg.Cache.StaleTime,
		CacheTime:    cfg.Cache.CacheTime,
		FetchTimeout: cfg.Query.FetchTimeout,
		Metrics:      m,
		Logger:       logger,
	})

	remote := rpc.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token)
	registry := queue.NewRegistry()
	rpc.Register(registry, remote, cfg.Remote.MutationKeys()...)
	slog.Info("mutation handlers registered", "keys", registry.Keys())

	q := queue.New(store, override, registry,
		queue.WithLogger(logger),
		queue.WithMetrics(m),
		queue.WithHandlerTimeout(cfg.Queue.HandlerTimeout),
	)
	if n, err := q.Len(ctx); err == nil {
		m.QueueDepth(n)
		if n > 0 {
			slog.Info("offline queue restored", "items", n)
		}
	}

	worker, err := syncer.NewWorker(q, override, cfg.Sync.Schedule)
	if err != nil {
		return err
	}
	worker.Watch(monitor)

	go monitor.Run(ctx)
	go worker.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Coordinator: coordinator,
		Remote:      remote,
		Queue:       q,
		Syncer:      worker,
		Override:    override,
		SMS:         sms.NewService(sms.NewTracker(store), nil),
		Metrics:     m,
		Token:       apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	if cfg.Server.MCPStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Queue:  q,
			Syncer: worker,
			Cache:  cacheStore,
			Oracle: override,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxConnections)

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "clubsync listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("clubsync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop clubsync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to clubsync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	printStatus("Remote", "%s", cfg.Remote.BaseURL)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	client, err := newAPIClient()
	if err != nil {
		printStatus("Server", "unknown (%v)", err)
		return nil
	}
	if err := printDaemonStatus(ctx, client); err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)
	return nil
}

// printDaemonStatus reports connectivity and queue state from a running
// daemon.
func printDaemonStatus(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/connectivity")
	if err != nil {
		return err
	}
	var conn struct {
		Online        bool `json:"online"`
		ForcedOffline bool `json:"forced_offline"`
	}
	if err := decodeJSON(resp, &conn); err != nil {
		return err
	}
	switch {
	case conn.ForcedOffline:
		printStatus("Network", "%s", colorize(colorYellow, "offline (forced)"))
	case conn.Online:
		printStatus("Network", "%s", colorize(colorGreen, "online"))
	default:
		printStatus("Network", "%s", colorize(colorRed, "offline"))
	}

	resp, err = client.get(ctx, "/queue")
	if err != nil {
		return err
	}
	var q struct {
		Count    int           `json:"count"`
		LastSync syncer.Status `json:"last_sync"`
	}
	if err := decodeJSON(resp, &q); err != nil {
		return err
	}
	printStatus("Queued writes", "%d", q.Count)
	if !q.LastSync.LastRun.IsZero() {
		printStatus("Last sync", "%s (%d ok, %d failed)",
			q.LastSync.LastRun.Local().Format(time.DateTime), q.LastSync.Last.Success, q.LastSync.Last.Failed)
	}
	return nil
}
