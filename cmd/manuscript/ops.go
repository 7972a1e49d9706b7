package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/manuscript/dbopen"
	"github.com/hazyhaar/manuscript/shield"
	"github.com/hazyhaar/manuscript/trace"
)

var reanalyseCmd = &cobra.Command{
	Use:   "reanalyse <book-id>",
	Short: "Queue a fresh quality analysis of a completed book",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			id, err := a.svc.Reanalyse(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, map[string]string{"job_id": id})
		})
	},
}

var completionCheck bool

var completionCmd = &cobra.Command{
	Use:   "completion <book-id>",
	Short: "Show the completion record of a book",
	Long: `Show the completion record of a book. With --check the book is
re-examined first and, if every chapter of its current version is written,
completion is recorded and analysis queued.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			if completionCheck {
				st, err := a.svc.CheckBookCompletion(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printOut(cmd, st)
			}
			c, err := a.svc.GetCompletion(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, c)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts, rate-limit state and the worker heartbeat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			st, err := a.svc.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printOut(cmd, st)
		})
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs <target-id>",
	Short: "List jobs queued for a chapter or book",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			jobs, err := a.svc.Jobs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, jobs)
		})
	},
}

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events [entity-id]",
	Short: "Show recent business events, optionally for one entity",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var entity string
		if len(args) == 1 {
			entity = args[0]
		}
		return withApp(false, func(a *app) error {
			evs, err := a.svc.RecentEvents(cmd.Context(), entity, eventsLimit)
			if err != nil {
				return err
			}
			return printOut(cmd, evs)
		})
	},
}

var maintenanceMessage string

var maintenanceCmd = &cobra.Command{
	Use:       "maintenance [on|off]",
	Short:     "Show or toggle maintenance mode on a running server",
	Long:      `While on, a running server answers 503 on everything but /healthz and /status. The flag lives in the database and is picked up within a few seconds. Without an argument the current state is shown.`,
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			if len(args) == 1 {
				if err := shield.SetMaintenance(cmd.Context(), a.db, args[0] == "on", maintenanceMessage); err != nil {
					return err
				}
			}
			return printOut(cmd, shield.ReadMaintenance(cmd.Context(), a.db))
		})
	},
}

var workLimit int

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Process queued jobs in the foreground and exit",
	Long: `Claim and run eligible jobs until the queue is drained, --limit jobs
have run, or the provider rate-limits. Useful from cron or when no server
is running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(true, func(a *app) error {
			n, err := a.svc.ProcessPending(cmd.Context(), workLimit)
			if err != nil {
				return err
			}
			st, err := a.svc.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printOut(cmd, map[string]any{"processed": n, "queue": st.Queue, "gate": st.Gate})
		})
	},
}

var (
	tracesSince time.Duration
	tracesLimit int
	tracesPrune time.Duration
	tracesGroup bool
)

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "Show the slowest SQL statements recorded by the tracing driver",
	Long: `Read log.sql_trace_db, which a server started with log.sql_trace fills
with statements slower than log.slow_query and with failed ones.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Log.SQLTraceDB == "" {
			return errors.New("log.sql_trace_db is not configured")
		}
		db, err := dbopen.Open(cfg.Log.SQLTraceDB)
		if err != nil {
			return err
		}
		defer db.Close()
		st := trace.NewStore(db)
		defer st.Close()
		if err := st.Init(); err != nil {
			return err
		}
		if tracesPrune > 0 {
			n, err := st.Prune(cmd.Context(), tracesPrune)
			if err != nil {
				return err
			}
			return printOut(cmd, map[string]int64{"pruned": n})
		}
		since := time.Now().Add(-tracesSince)
		if tracesGroup {
			stats, err := st.ByQuery(cmd.Context(), since, tracesLimit)
			if err != nil {
				return err
			}
			return printOut(cmd, stats)
		}
		entries, err := st.Slowest(cmd.Context(), since, tracesLimit)
		if err != nil {
			return err
		}
		return printOut(cmd, entries)
	},
}

func init() {
	tracesCmd.Flags().DurationVar(&tracesSince, "since", 24*time.Hour, "look back this far")
	tracesCmd.Flags().IntVar(&tracesLimit, "limit", 20, "maximum statements")
	tracesCmd.Flags().DurationVar(&tracesPrune, "prune", 0, "delete entries older than this instead of listing")
	tracesCmd.Flags().BoolVar(&tracesGroup, "by-query", false, "aggregate by statement instead of listing occurrences")
	rootCmd.AddCommand(tracesCmd)

	completionCmd.Flags().BoolVar(&completionCheck, "check", false, "re-check completion before showing it")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum events")
	maintenanceCmd.Flags().StringVar(&maintenanceMessage, "message", "", "message served while on (default: keep current)")
	workCmd.Flags().IntVar(&workLimit, "limit", 0, "stop after this many jobs (0 = until drained)")

	rootCmd.AddCommand(reanalyseCmd, completionCmd, statusCmd, jobsCmd, eventsCmd, maintenanceCmd, workCmd)
}
