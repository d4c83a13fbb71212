package main

import (
	"context"
	"errors"
	"fmt"
	"io"
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
	"github.com/spf13/cobra"

	"github.com/kalambet/owlet/internal/api"
	"github.com/kalambet/owlet/internal/config"
	"github.com/kalambet/owlet/internal/indexer"
	"github.com/kalambet/owlet/internal/search"
	"github.com/kalambet/owlet/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the owlet server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running owlet server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show indexing status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the index to an MCP client over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
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

func newSearchEngine(cfg config.Config, store *storage.Store) *search.Engine {
	return search.NewEngine(store, search.Options{
		DefaultPageSize: cfg.Search.DefaultPageSize,
		MaxPageSize:     cfg.Search.MaxPageSize,
		Timeout:         cfg.Search.Timeout,
	})
}

func setupLogging(cfg config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))
}

// serverRunning reports whether something answers on the configured port.
func serverRunning(port int) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health/live", port))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "owlet version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	pidPath := cfg.PIDPath()
	if serverRunning(cfg.Server.Port) {
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("owlet is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("owlet is already running on port %d", cfg.Server.Port)
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

	svc, err := indexer.New(cfg, store, indexer.Options{})
	if err != nil {
		return fmt.Errorf("creating indexer: %w", err)
	}

	if cfg.Server.APIToken != "" {
		slog.Info("bearer token required for folder changes")
	}
	handler := api.NewHandler(api.Deps{
		Folders: svc,
		Search:  newSearchEngine(cfg, store),
		Files:   store,
		Token:   cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	svcCtx, cancelSvc := context.WithCancel(ctx)
	defer cancelSvc()
	svcDone := make(chan error, 1)
	go func() {
		svcDone <- svc.Run(svcCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "owlet listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case err := <-svcDone:
		svcDone <- err
		if err != nil {
			runErr = fmt.Errorf("indexer stopped: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}

	// Pending writes get the configured grace before the store closes.
	cancelSvc()
	if err := <-svcDone; err != nil && runErr == nil && !errors.Is(err, context.Canceled) {
		runErr = err
	}
	return runErr
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := cfg.PIDPath()
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("owlet is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop owlet (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to owlet (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	if err := printHealth(ctx, client, cfg.Server.Port); err != nil {
		printStatus("Server", "stopped")
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config", "%s", config.ConfigPath())
	return nil
}

// printHealth prints the daemon's status snapshot. A non-200 /health still
// carries the body, so only transport and decode failures are errors.
func printHealth(ctx context.Context, client *apiClient, port int) error {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		return err
	}
	var st indexer.Status
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}

	printStatus("Server", "running on port %d", port)
	switch st.Status {
	case indexer.StatusOK:
		printStatus("Status", "%s", colorize(colorGreen, st.Status))
	case indexer.StatusDegraded:
		printStatus("Status", "%s (%s)", colorize(colorRed, st.Status), st.Storage.Error)
	default:
		printStatus("Status", "%s", colorize(colorYellow, st.Status))
	}
	printStatus("Indexed files", "%d", st.IndexedFiles)
	printStatus("Index size", "%s", formatSize(st.IndexSizeBytes))
	printStatus("Queue", "%d pending", st.QueueDepth)
	printStatus("Workers", "%d active / %d allowed (%s)", st.WorkersActive, st.WorkersAllowed, st.ThrottleReason)
	printStatus("Last commit", "%s", formatAge(st.Pipeline.LastCommit))
	if len(st.DegradedFolders) > 0 {
		printStatus("Degraded", "%s (periodic rescans only)", strings.Join(st.DegradedFolders, ", "))
	}
	return nil
}

// runMCP serves the index over stdio. Stdout belongs to the protocol, so
// logs go to stderr only.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	svc, err := indexer.New(cfg, store, indexer.Options{})
	if err != nil {
		return fmt.Errorf("creating indexer: %w", err)
	}
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Search:  newSearchEngine(cfg, store),
		Folders: svc,
		Files:   store,
	})

	slog.Info("MCP server started (stdio transport)")
	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
