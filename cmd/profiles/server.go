package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kalambet/profiles/internal/api"
	"github.com/kalambet/profiles/internal/config"
	"github.com/kalambet/profiles/internal/metrics"
	"github.com/kalambet/profiles/internal/profile"
	"github.com/kalambet/profiles/internal/refresh"
	"github.com/kalambet/profiles/internal/service"
	"github.com/kalambet/profiles/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the profile cache server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		noMCP, _ := cmd.Flags().GetBool("no-mcp")
		noRefresh, _ := cmd.Flags().GetBool("no-refresh")
		return runServer(serveOptions{mcp: !noMCP, refresh: !noRefresh})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("no-mcp", false, "do not serve MCP over stdio")
	serveCmd.Flags().Bool("no-refresh", false, "start with an empty cache and never refresh it in the background")
}

type serveOptions struct {
	mcp     bool
	refresh bool
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "profiles.pid")
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

func runServer(opts serveOptions) error {
	fmt.Fprintf(os.Stderr, "profiles version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireService(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

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
			printWarning("profiles is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("profiles is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profilesCfg, err := profile.LoadConfigFile(cfg.Profiles.ConfigFile)
	if err != nil {
		return err
	}

	client, err := service.New(service.Options{
		BaseURL: cfg.Service.BaseURL,
		AgentID: cfg.Service.AgentID,
		Token:   cfg.Service.Token,
		Timeout: cfg.Service.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating service client: %w", err)
	}

	collector := metrics.NewCollector("profiles")
	collector.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	store := profile.NewStore(metrics.InstrumentService(client, collector), profilesCfg, profile.WithLogger(logger))
	untrack := collector.TrackStore(store)
	defer untrack()

	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	mirror := storage.NewMirror(db, logger)
	mirror.Attach(store)
	defer mirror.Detach()

	hub := api.NewHub(store, logger)
	defer hub.Close()

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:   store,
		Token:   apiToken,
		Hub:     hub,
		Metrics: collector.Handler(),
		Logger:  logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	if opts.mcp {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	if opts.refresh {
		go refresh.NewWorker(store, cfg.Service.RefreshInterval, logger).Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "profiles listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
		printError("profiles is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop profiles (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to profiles (PID %d)", pid)
	return nil
}

// healthInfo is the body of GET /health.
type healthInfo struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id"`
	Version uint64 `json:"version"`
	// WSClients is absent when the server runs without a WebSocket hub.
	WSClients *int `json:"ws_clients,omitempty"`
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	health, err := fetchHealth(client, serverURL)
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Agent", "%s", health.AgentID)
		printStatus("Cache version", "%d", health.Version)
		if health.WSClients != nil {
			printStatus("WS clients", "%d", *health.WSClients)
		}
	}
	printStatus("Service", "%s", cfg.Service.BaseURL)

	if err == nil {
		if apiToken, tokenErr := config.GetAPIToken(config.NewKeychain()); tokenErr == nil {
			c := &apiClient{baseURL: serverURL, token: apiToken, httpClient: client}
			if profiles, err := c.listProfiles(context.Background(), false); err == nil {
				printStatus("Cached profiles", "%d", len(profiles))
			}
		}
	}

	printStatus("Mirror", "%s", describeMirror(cfg.Storage.DataDir))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchHealth(client *http.Client, serverURL string) (healthInfo, error) {
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		return healthInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return healthInfo{}, fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	var h healthInfo
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return healthInfo{}, fmt.Errorf("decoding health: %w", err)
	}
	return h, nil
}

// describeMirror summarizes the offline mirror in dataDir: profile count,
// schema version and last sync.
func describeMirror(dataDir string) string {
	if _, err := os.Stat(filepath.Join(dataDir, "profiles.db")); err != nil {
		return "empty"
	}
	db, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Sprintf("unreadable (%v)", err)
	}
	defer db.Close()

	n, err := db.CountProfiles()
	if err != nil {
		return fmt.Sprintf("unreadable (%v)", err)
	}
	desc := fmt.Sprintf("%d profiles", n)
	if versions, err := db.AppliedMigrations(); err == nil && len(versions) > 0 {
		desc += fmt.Sprintf(", schema v%d", versions[len(versions)-1])
	}

	state, err := db.GetSyncState()
	if errors.Is(err, storage.ErrNotFound) {
		return desc + ", never synced"
	}
	if err != nil {
		return fmt.Sprintf("%s (%v)", desc, err)
	}
	return fmt.Sprintf("%s, last %s at %s", desc, state.LastOp, state.SyncedAt.Local().Format(time.RFC3339))
}
