package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	debugpkg "runtime/debug"
	"syscall"
	"time"
)

var buildTime = "dev"

func main() {
	// Capture unexpected panics to panic.log with a stack trace so operators
	// can inspect them after a crash.
	defer func() {
		if r := recover(); r != nil {
			if f, err := os.OpenFile("panic.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				defer f.Close()
				ts := time.Now().UTC().Format(time.RFC3339)
				fmt.Fprintf(f, "[%s] panic: %v\nbuild_time=%s\n%s\n\n",
					ts, r, buildTime, debugpkg.Stack())
			}
		}
	}()

	configFlag := flag.String("config", "", "path to config.toml")
	secretsFlag := flag.String("secrets", "", "path to secrets.toml")
	bindFlag := flag.String("bind", "", "override status server bind address")
	logLevelFlag := flag.String("log-level", "", "override log level (debug/info/warn/error)")
	stdoutLogFlag := flag.Bool("stdout", false, "mirror logs to stdout")
	flag.Parse()

	cfg := loadConfig(*configFlag, *secretsFlag)
	if *bindFlag != "" {
		cfg.StatusBind = *bindFlag
	}
	if *logLevelFlag != "" {
		cfg.LogLevel = *logLevelFlag
	}

	level, ok := parseLogLevel(cfg.LogLevel)
	if !ok {
		logger.Warn("unknown log level, using info", "value", cfg.LogLevel)
	}
	debugLogging = level == logLevelDebug
	setLogLevel(level)

	logDir := filepath.Join(cfg.DataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fatal("create log dir", err, "path", logDir)
	}
	configureFileLogging(
		filepath.Join(logDir, "fleet.log"),
		filepath.Join(logDir, "error.log"),
		*stdoutLogFlag || cfg.LogStdout,
	)
	defer logger.Stop()

	logger.Info("goFleet starting", "build", buildTime, "sha256", sha256ImplementationName())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStateDB(stateDBPathFromDataDir(cfg.DataDir))
	if err != nil {
		fatal("open state db", err)
	}
	defer store.Close()
	seedStoreFromConfig(store, cfg)

	metrics := NewFleetMetrics()

	var feed *eventFeed
	if cfg.ZMQEventAddr != "" {
		feed, err = newEventFeed(cfg.ZMQEventAddr)
		if err != nil {
			fatal("event feed", err, "addr", cfg.ZMQEventAddr)
		}
		defer feed.Close()
	}

	notifier := newDiscordNotifier(cfg.DiscordChannelID)
	if err := notifier.start(cfg.DiscordBotToken); err != nil {
		logger.Warn("discord notifier failed to start", "error", err)
	}
	defer notifier.close()

	orch := NewOrchestrator(store, OrchestratorOptions{
		Metrics:       metrics,
		Feed:          feed,
		Notifier:      notifier,
		StatsInterval: cfg.StatsInterval,
	})
	if err := orch.Start(ctx); err != nil {
		fatal("orchestrator start", err)
	}

	status := NewStatusServer(cfg.StatusBind, orch, metrics, cfg.AdminJWTSecret)
	if err := status.Start(); err != nil {
		fatal("status server start", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status.Stop(shutdownCtx)
	orch.Stop()
}

// seedStoreFromConfig syncs config-declared pools, users, and devices into
// the state DB so a fresh install can mine without a separate provisioning
// step. Existing runtime state (device status, hashrate) is preserved.
func seedStoreFromConfig(store *sqliteStore, cfg Config) {
	for _, p := range cfg.Pools {
		if p.ID == "" || p.URL == "" {
			logger.Warn("skipping pool with missing id or url", "pool", p.Name)
			continue
		}
		if err := store.UpsertPool(p); err != nil {
			logger.Error("seed pool failed", "pool", p.ID, "error", err)
		}
	}
	for _, u := range cfg.Users {
		if u.ID == "" {
			continue
		}
		if err := store.UpsertUser(u); err != nil {
			logger.Error("seed user failed", "user", u.ID, "error", err)
		}
	}
	for _, d := range cfg.Devices {
		if d.ID == "" || d.UserID == "" {
			continue
		}
		if err := store.UpsertDevice(d); err != nil {
			logger.Error("seed device failed", "device", d.ID, "error", err)
		}
	}

	settings, err := store.GetSettings()
	if err != nil {
		logger.Error("read settings failed", "error", err)
		return
	}
	if settings.ActivePoolID == "" && cfg.ActivePoolID != "" {
		if err := store.UpdateSettings(SettingsPatch{ActivePoolID: stringPtr(cfg.ActivePoolID)}); err != nil {
			logger.Error("seed active pool failed", "error", err)
		}
	}
}
