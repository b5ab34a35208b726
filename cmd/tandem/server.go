package main

import (
	"context"
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

	"github.com/spf13/cobra"

	"github.com/kalambet/tandem/internal/api"
	"github.com/kalambet/tandem/internal/composer"
	"github.com/kalambet/tandem/internal/config"
	"github.com/kalambet/tandem/internal/identity"
	"github.com/kalambet/tandem/internal/pipeline"
	"github.com/kalambet/tandem/internal/profile"
	"github.com/kalambet/tandem/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tandem server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tandem server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tandem server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tandem.pid")
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

// newPipeline wires the conversation core over an open store.
func newPipeline(cfg config.Config, store *storage.Store, logger *slog.Logger) (*pipeline.Pipeline, *profile.Manager) {
	profileMgr := profile.NewManager(store)
	comp := composer.New(composer.NewRandomChooser(uint64(cfg.Composer.Seed)), composer.SimulatedSearcher{})
	p := pipeline.New(store, profileMgr, comp, pipeline.Options{
		FormalityConfidence:        cfg.Learning.FormalityConfidence,
		FormalityMinHistory:        cfg.Learning.FormalityMinHistory,
		AdaptabilityEvery:          cfg.Learning.AdaptabilityEvery,
		AdaptabilityMinPreferences: cfg.Learning.AdaptabilityMinPreferences,
	}, logger)
	return p, profileMgr
}

func setupLogging(cfg config.Config) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}

func runServer(parent context.Context) error {
	fmt.Fprintf(os.Stderr, "tandem version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice: a healthy server on our port wins.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("tandem is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("tandem is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
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

	p, profileMgr := newPipeline(cfg, store, logger)
	sessions := pipeline.NewRegistry()
	handler := api.NewAppHandler(api.AppDeps{
		Pipeline: p,
		Sessions: sessions,
		Store:    store,
		Profile:  profileMgr,
		Token:    apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "tandem listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintf(os.Stderr, "shutting down (%d live sessions)...\n", sessions.Len())
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
		printError("tandem is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop tandem (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to tandem (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Partial status is still useful.
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

	users := identity.NewFileProvider(cfg.Storage.DataDir)
	userID, err := users.UserID()
	if err != nil {
		printStatus("User", "unavailable (%v)", err)
	} else {
		printStatus("User", "%s", userID)
	}

	if running && userID != "" {
		if c, err := newAPIClient(); err == nil {
			if resp, err := c.get(ctx, "/users/"+userID+"/personality"); err == nil {
				var p personality
				if decodeJSON(resp, &p) == nil {
					printStatus("Learned", "%d preferences, %d topics, %d traits",
						len(p.Preferences), len(p.Topics), len(p.Traits))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
