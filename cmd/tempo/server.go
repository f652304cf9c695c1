package main

import (
	"context"
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
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tempo/internal/analyzer"
	"github.com/kalambet/tempo/internal/api"
	"github.com/kalambet/tempo/internal/cache"
	"github.com/kalambet/tempo/internal/config"
	"github.com/kalambet/tempo/internal/enricher"
	"github.com/kalambet/tempo/internal/importer"
	"github.com/kalambet/tempo/internal/pipeline"
	"github.com/kalambet/tempo/internal/recommender"
	"github.com/kalambet/tempo/internal/storage"
	"github.com/kalambet/tempo/internal/task"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tempo server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tempo server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tempo system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tempo.pid")
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

func recommenderOptions(rc config.RecommendConfig) recommender.Options {
	return recommender.Options{
		SearchDays:      rc.SearchDays,
		MaxAlternatives: rc.MaxAlternatives,
		WorkDayStart:    rc.WorkDayStart,
		WorkDayEnd:      rc.WorkDayEnd,
		IncludeWeekends: rc.IncludeWeekends,
		BufferBefore:    time.Duration(rc.BufferBeforeMin) * time.Minute,
		BufferAfter:     time.Duration(rc.BufferAfterMin) * time.Minute,
		MinFreeBlock:    time.Duration(rc.MinFreeBlockMin) * time.Minute,

		WeightWindow:        rc.WeightWindow,
		WeightWorkingHours:  rc.WeightWorkingHours,
		WeightProximity:     rc.WeightProximity,
		WeightFragmentation: rc.WeightFragmentation,
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "tempo version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	apiToken, err := config.EnsureAPIToken(&cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	log.Info("API bearer token available")

	// Refuse to start twice: probe the health endpoint before claiming
	// the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("tempo is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("tempo is already running on port %d", cfg.Server.Port)
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

	stageCache, err := cache.New(store, cache.Options{
		HotMaxBytes: cfg.Cache.HotMaxBytes,
		ImportTTL:   time.Duration(cfg.Cache.ImportTTLHours) * time.Hour,
		EnrichTTL:   time.Duration(cfg.Cache.EnrichTTLHours) * time.Hour,
		AnalyzeTTL:  time.Duration(cfg.Cache.AnalyzeTTLHours) * time.Hour,
	}, log)
	if err != nil {
		return fmt.Errorf("building stage cache: %w", err)
	}
	defer stageCache.Close()

	stageTimeout := time.Duration(cfg.Pipeline.StageTimeoutSec) * time.Second
	orch := pipeline.New(importer.New(), enricher.New(), analyzer.New(), stageCache, store, stageTimeout, log)
	rec := recommender.New(recommenderOptions(cfg.Recommend))

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Cache:    stageCache,
		Orch:     orch,
		Rec:      rec,
		Token:    apiToken,
		Defaults: cfg.Pipeline,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Background task runner.
	runner := task.NewRunner(store, orch, 500*time.Millisecond, log)
	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})

	// Periodic removal of expired cache rows.
	if cfg.Cache.SweepIntervalMin > 0 {
		g.Go(func() error {
			stageCache.Sweep(gctx, time.Duration(cfg.Cache.SweepIntervalMin)*time.Minute)
			return nil
		})
	}

	// MCP server on stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store: store,
		Orch:  orch,
		Rec:   rec,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	g.Go(func() error {
		if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("MCP stdio server error", "error", err)
		}
		return nil
	})
	log.Info("MCP server started (stdio transport)")

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "tempo listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	return g.Wait()
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
		printError("tempo is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop tempo (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to tempo (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Timezone", "%s", cfg.Pipeline.Timezone)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	if running && cfg.Server.APIToken != "" {
		statsResp, err := apiGet(client, serverURL+"/v1/cache/stats", cfg.Server.APIToken)
		if err == nil {
			var stats storage.CacheStats
			if decodeJSON(statsResp, &stats) == nil {
				printStatus("Cache entries", "%d (%d expired)", stats.TotalEntries, stats.Expired)
			}
		}
		tasksResp, err := apiGet(client, serverURL+"/v1/tasks?status=running", cfg.Server.APIToken)
		if err == nil {
			var tasks []api.TaskView
			if decodeJSON(tasksResp, &tasks) == nil {
				printStatus("Running tasks", "%d", len(tasks))
			}
		}
	}

	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
