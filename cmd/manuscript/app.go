package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/manuscript/config"
	"github.com/hazyhaar/manuscript/dbopen"
	"github.com/hazyhaar/manuscript/jobq"
	"github.com/hazyhaar/manuscript/llm"
	"github.com/hazyhaar/manuscript/observability"
	"github.com/hazyhaar/manuscript/studio"
	"github.com/hazyhaar/manuscript/trace"

	_ "modernc.org/sqlite"
)

// app is what every subcommand works against.
type app struct {
	cfg    *config.Config
	level  *slog.LevelVar
	logger *slog.Logger
	db     *sql.DB
	svc    *studio.Service

	traceDB *sql.DB
	traces  *trace.Store
}

func (a *app) Close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
	}
	if a.traces != nil {
		trace.SetStore(nil)
		a.traces.Close()
		a.traceDB.Close()
	}
	return err
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, nil
}

// openApp loads config, opens the database and builds the service. With
// withAssistant the LLM client is configured and a missing API key is fatal;
// without it the service can enqueue and inspect but not run jobs.
func openApp(withAssistant bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	level := new(slog.LevelVar)
	level.Set(observability.ParseLevel(cfg.Log.Level))
	logger := observability.NewLogger(os.Stderr, cfg.Log.Format, level)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, level: level, logger: logger}
	dbOpts := []dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithImmediateTx()}
	if cfg.Log.SQLTrace {
		dbOpts = append(dbOpts, dbopen.WithDriver(trace.DriverName))
		trace.SetSlowThreshold(cfg.Log.SlowQuery)
		if cfg.Log.SQLTraceDB != "" {
			if err := a.openTraceStore(cfg.Log.SQLTraceDB); err != nil {
				return nil, err
			}
		}
	}
	db, err := dbopen.Open(cfg.DBPath, dbOpts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open %s: %w", cfg.DBPath, err)
	}
	a.db = db

	gate := jobq.NewGate()
	var assistant studio.Assistant
	if withAssistant {
		client, err := llm.NewClient(llm.Config{
			BaseURL:           cfg.LLM.BaseURL,
			APIKey:            cfg.LLM.APIKey,
			Model:             cfg.LLM.Model,
			Timeout:           cfg.LLM.Timeout,
			MaxRetries:        cfg.LLM.MaxRetries,
			DefaultRetryAfter: cfg.LLM.DefaultRetryAfter,
		}, llm.WithLimiter(gate), llm.WithLogger(logger))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("llm: %w", err)
		}
		assistant = llm.NewAssistant(client)
	}

	svc, err := studio.New(db, assistant, serviceConfig(cfg), logger, studio.WithGate(gate))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.svc = svc
	return a, nil
}

func (a *app) openTraceStore(path string) error {
	tdb, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open trace db %s: %w", path, err)
	}
	st := trace.NewStore(tdb)
	if err := st.Init(); err != nil {
		st.Close()
		tdb.Close()
		return fmt.Errorf("trace schema: %w", err)
	}
	trace.SetStore(st)
	a.traceDB, a.traces = tdb, st
	return nil
}

func serviceConfig(cfg *config.Config) studio.Config {
	return studio.Config{
		Worker: jobq.WorkerOptions{
			Name:         cfg.Worker.Name,
			Concurrency:  cfg.Worker.Concurrency,
			PollInterval: cfg.Worker.PollInterval,
			MaxAttempts:  cfg.Worker.MaxAttempts,
			BackoffBase:  cfg.Worker.BackoffBase,
			BackoffMax:   cfg.Worker.BackoffMax,
			Lease:        cfg.Worker.Lease,
		},
		HeartbeatInterval:       cfg.Worker.HeartbeatInterval,
		DefaultTolerancePercent: cfg.Revision.DefaultTolerancePercent,
		EventsRetention:         cfg.Retention.Events,
		HeartbeatsRetention:     cfg.Retention.Heartbeats,
	}
}

// withApp opens the app for the duration of fn.
func withApp(withAssistant bool, fn func(a *app) error) error {
	a, err := openApp(withAssistant)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printOut(cmd *cobra.Command, v any) error {
	return render(cmd.OutOrStdout(), outputFormat, v)
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		// Round-trip through JSON so the yaml keys follow the json tags.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported output format %q (use json or yaml)", format)
	}
}
