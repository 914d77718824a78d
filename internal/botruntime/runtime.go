// Package botruntime wires the shared bot components — database, thread
// state manager, LLM client, message flow — from viper configuration. The
// platform commands build on it so Slack and Discord runs stay identical
// below the adapter layer.
package botruntime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/cobaltlane/bridgebot/db"
	"github.com/cobaltlane/bridgebot/internal/chatflow"
	"github.com/cobaltlane/bridgebot/internal/tokenizer"
	"github.com/cobaltlane/bridgebot/llm"
	openaiprovider "github.com/cobaltlane/bridgebot/providers/openai"
	"github.com/cobaltlane/bridgebot/thread"
)

// ApplyViperDefaults registers the default configuration keys. Call once
// from the root command before any subcommand reads config.
func ApplyViperDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("db.driver", "sqlite")
	viper.SetDefault("db.dsn", "")

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.endpoint", "")
	viper.SetDefault("llm.model", "gpt-4o")
	viper.SetDefault("llm.image_model", "gpt-image-1")
	viper.SetDefault("llm.temperature", 0.7)
	viper.SetDefault("llm.request_timeout", 2*time.Minute)

	viper.SetDefault("thread.stuck_timeout", 5*time.Minute)
	viper.SetDefault("thread.watchdog_interval", 30*time.Second)
	viper.SetDefault("thread.max_age", 24*time.Hour)
	viper.SetDefault("thread.cleanup_interval", 10*time.Minute)
	viper.SetDefault("thread.token_budget", 64000)
	viper.SetDefault("thread.trim_batch", 4)
	viper.SetDefault("thread.hydrate_limit", 50)
	viper.SetDefault("thread.lock_timeout", 2*time.Second)

	viper.SetDefault("stats.interval", 5*time.Minute)
}

// Runtime holds the wired components for one bot process.
type Runtime struct {
	Log     *slog.Logger
	Store   *db.Store
	Manager *thread.Manager
	Client  llm.Client
	Flow    *chatflow.Flow

	statsInterval time.Duration
}

// Build constructs the runtime from viper configuration and starts the
// thread manager's watchdog. The caller owns Shutdown.
func Build(ctx context.Context, log *slog.Logger) (*Runtime, error) {
	dbCfg := db.DefaultConfig()
	dbCfg.Driver = viper.GetString("db.driver")
	dbCfg.DSN = viper.GetString("db.dsn")
	gdb, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store, err := db.NewStore(gdb)
	if err != nil {
		return nil, err
	}

	model := viper.GetString("llm.model")
	client, err := openaiprovider.New(openaiprovider.Config{
		APIKey:         viper.GetString("llm.api_key"),
		Endpoint:       viper.GetString("llm.endpoint"),
		Model:          model,
		ImageModel:     viper.GetString("llm.image_model"),
		RequestTimeout: viper.GetDuration("llm.request_timeout"),
	})
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}

	threadCfg := thread.DefaultConfig()
	threadCfg.StuckTimeout = viper.GetDuration("thread.stuck_timeout")
	threadCfg.WatchdogInterval = viper.GetDuration("thread.watchdog_interval")
	threadCfg.MaxThreadAge = viper.GetDuration("thread.max_age")
	threadCfg.CleanupInterval = viper.GetDuration("thread.cleanup_interval")
	threadCfg.HydrateLimit = viper.GetInt("thread.hydrate_limit")
	threadCfg.Trim = thread.TrimConfig{
		TokenBudget: viper.GetInt("thread.token_budget"),
		TrimBatch:   viper.GetInt("thread.trim_batch"),
	}
	threadCfg.SystemDefaults = map[string]any{
		"model":       model,
		"temperature": viper.GetFloat64("llm.temperature"),
	}

	manager, err := thread.NewManager(store, tokenizer.New(model), threadCfg, log)
	if err != nil {
		return nil, fmt.Errorf("create thread manager: %w", err)
	}
	manager.Start(ctx)

	flow, err := chatflow.New(manager, store, client, log, chatflow.Options{
		LockTimeout: viper.GetDuration("thread.lock_timeout"),
	})
	if err != nil {
		manager.Close()
		return nil, err
	}

	return &Runtime{
		Log:           log,
		Store:         store,
		Manager:       manager,
		Client:        client,
		Flow:          flow,
		statsInterval: viper.GetDuration("stats.interval"),
	}, nil
}

// LogStatsLoop periodically logs thread occupancy until ctx is cancelled.
func (r *Runtime) LogStatsLoop(ctx context.Context) {
	interval := r.statsInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			stats := r.Manager.Stats()
			r.Log.Info("thread_stats",
				"active_threads", stats.ActiveThreads,
				"processing_threads", stats.ProcessingThreads,
			)
		}
	}
}

// Shutdown stops the watchdog and waits for it.
func (r *Runtime) Shutdown() {
	r.Manager.Close()
}
