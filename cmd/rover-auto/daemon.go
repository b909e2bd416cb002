package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/endorhq/rover-sub004/internal/agents"
	"github.com/endorhq/rover-sub004/internal/config"
	"github.com/endorhq/rover-sub004/internal/connectors/localexec"
	"github.com/endorhq/rover-sub004/internal/controlplane"
	"github.com/endorhq/rover-sub004/internal/events"
	"github.com/endorhq/rover-sub004/internal/logging"
	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/orchestrator"
	"github.com/endorhq/rover-sub004/internal/project"
	"github.com/endorhq/rover-sub004/internal/reasoning"
	"github.com/endorhq/rover-sub004/internal/scm"
	"github.com/endorhq/rover-sub004/internal/steps"
	"github.com/endorhq/rover-sub004/internal/store"
)

const shutdownTimeout = 30 * time.Second

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the pipeline daemon",
		Long: `Starts the orchestrator and the HTTP control plane. Pending actions left
by a previous run are resumed; steps that were running are marked as interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("detach") {
				return startDetached()
			}
			return runDaemon(cmd.Context())
		},
	}
	cmd.Flags().String("listen", "", "listen address (overrides server.listen)")
	cmd.Flags().String("data-dir", "", "directory holding the pipeline database")
	cmd.Flags().String("inbox", "", "directory watched for event files")
	cmd.Flags().BoolP("verbose", "v", false, "log reasoner prompts and output")
	cmd.Flags().Bool("detach", false, "run the daemon in the background")
	_ = viper.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("data-dir", cmd.Flags().Lookup("data-dir"))
	_ = viper.BindPFlag("inbox", cmd.Flags().Lookup("inbox"))
	_ = viper.BindPFlag("verbose", cmd.Flags().Lookup("verbose"))
	_ = viper.BindPFlag("detach", cmd.Flags().Lookup("detach"))
	return cmd
}

// projectRoot returns the absolute project root from --project.
func projectRoot() (string, error) {
	return filepath.Abs(viper.GetString("project"))
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}

	var cfg *config.Config
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.Load(path)
		if err == nil && (cfg.Project.Root == "" || cfg.Project.Root == ".") {
			cfg.Project.Root = root
		}
	} else {
		cfg, err = config.LoadFromProject(root)
	}
	if err != nil {
		return nil, err
	}

	if v := viper.GetString("listen"); v != "" {
		cfg.Server.Listen = v
	}
	if v := viper.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := viper.GetString("inbox"); v != "" {
		cfg.Inbox.Dir = v
	}
	if viper.GetBool("verbose") {
		cfg.Verbose = true
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// stepContext assembles the collaborators available to steps. Collaborators
// that cannot be set up are left nil; steps depending on them fail with a
// missing dependency instead of stopping the daemon.
func stepContext(ctx context.Context, cfg *config.Config, logger *logging.Logger) *steps.Context {
	root := cfg.Project.Root
	runner := localexec.New(root)
	sc := &steps.Context{
		Runner:          runner,
		Projects:        project.NewFileManager(root, runner),
		Owner:           cfg.Project.Owner,
		Repo:            cfg.Project.Repo,
		Verbose:         cfg.Verbose,
		MaxPlannedTasks: cfg.Planner.MaxTasks,
		Logger:          logger.Named("steps"),
	}

	binary := cfg.Reasoning.Binary
	if binary == "" {
		if agent, ok := agents.NewDetector().Preferred(); ok {
			binary = agent.Path
		}
	}
	if binary != "" {
		sc.Reasoner = reasoning.NewCLIInvoker(binary, cfg.Reasoning.Model, cfg.Reasoning.Timeout)
		logger.Info(ctx, "reasoning agent selected", zap.String("binary", binary))
	} else {
		logger.Warn(ctx, "no reasoning agent found, reasoning steps will fail")
	}

	repo, err := scm.Open(root)
	if err != nil {
		logger.Warn(ctx, "project is not a git repository", zap.Error(err))
	} else {
		sc.SCM = repo
		if sc.Owner == "" {
			owner, name, err := scm.ResolveOwnerRepo(repo)
			if err != nil {
				logger.Warn(ctx, "cannot resolve GitHub repository", zap.Error(err))
			} else {
				sc.Owner, sc.Repo = owner, name
			}
		}
	}

	if cfg.GitHub.Token != "" {
		sc.PullRequests = scm.NewGitHub(ctx, cfg.GitHub.Token, &cfg.GitHub.Retry)
	} else {
		logger.Warn(ctx, "GITHUB_TOKEN not set, pull request lookups and comments are disabled")
	}
	return sc
}

func runDaemon(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(&cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	dbPath := cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	s, err := store.New(dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error(ctx, "database close error", zap.Error(err))
		}
	}()
	logger.Info(ctx, "starting daemon",
		zap.String("project", cfg.Project.Root),
		zap.String("db", dbPath),
	)

	orch := orchestrator.New(s, steps.Default(), stepContext(ctx, cfg, logger), &cfg.Scheduler,
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithMetrics(orchestrator.NewMetrics(prometheus.DefaultRegisterer)),
	)
	orch.OnStatus(func(st orchestrator.StepState) {
		logger.Debug(context.Background(), "step status",
			zap.String("action", string(st.Action)),
			zap.String("status", string(st.Status)),
			zap.Int("in_flight", st.InFlight),
		)
	})

	orch.OnTraces(traceStatusLogger(logger.Named("traces")))

	service := controlplane.NewService(s, orch, logger.Named("controlplane"))
	server := controlplane.NewServer(service, cfg.Server.Listen, controlplane.Options{
		WebhookSecret:    cfg.GitHub.WebhookSecret,
		WebhookRateLimit: cfg.Server.WebhookRateLimit,
		WebhookBurst:     cfg.Server.WebhookBurst,
		Logger:           logger.Named("http"),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := orch.Start(runCtx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Stop()

	if cfg.Inbox.Dir != "" {
		inbox := events.NewInbox(cfg.Inbox.Dir, service.Submit, logger.Named("inbox"))
		go func() {
			if err := inbox.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(runCtx, "inbox stopped", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info(ctx, "received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error(ctx, "server error", zap.Error(err))
			runErr = err
		}
	case err := <-orch.Errors():
		// the queue can no longer be trusted once persistence fails
		logger.Error(ctx, "halting after persistence failure", zap.Error(err))
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "HTTP server shutdown error", zap.Error(err))
	}
	cancel()
	orch.Stop()

	logger.Info(ctx, "shutdown complete")
	return runErr
}

// traceStatusLogger logs every trace whose status changed since the previous
// snapshot. Observers may be called from several workers at once.
func traceStatusLogger(logger *logging.Logger) orchestrator.TraceObserver {
	var mu sync.Mutex
	last := make(map[string]models.StepStatus)
	return func(traces map[string]*models.ActionTrace) {
		mu.Lock()
		defer mu.Unlock()
		for id, trace := range traces {
			status := trace.Status()
			if last[id] == status {
				continue
			}
			last[id] = status
			fields := []zap.Field{
				zap.String("trace_id", id),
				zap.String("status", string(status)),
				zap.String("summary", trace.Summary),
			}
			if step := trace.LastStep(); step != nil {
				fields = append(fields, zap.String("action", string(step.Action)))
			}
			logger.Debug(context.Background(), "trace status changed", fields...)
		}
	}
}

// startDetached re-executes the daemon in its own session, logging to a file
// next to the database, and waits for the API to answer.
func startDetached() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	logPath := filepath.Join(filepath.Dir(cfg.DatabasePath()), "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	args := []string{"daemon", "--project", cfg.Project.Root, "--listen", cfg.Server.Listen}
	if path := viper.GetString("config"); path != "" {
		args = append(args, "--config", path)
	}
	if cfg.DataDir != "" {
		args = append(args, "--data-dir", cfg.DataDir)
	}
	if cfg.Inbox.Dir != "" {
		args = append(args, "--inbox", cfg.Inbox.Dir)
	}
	if cfg.Verbose {
		args = append(args, "--verbose")
	}

	cmd := exec.Command(exe, args...)
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return err
	}

	addr := "http://" + cfg.Server.Listen
	fmt.Print("Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning(addr) {
			fmt.Printf(" ready (pid %d, log %s)\n", cmd.Process.Pid, logPath)
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" timeout")
	return fmt.Errorf("daemon started but API not reachable at %s", addr)
}

func isDaemonRunning(addr string) bool {
	client := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
