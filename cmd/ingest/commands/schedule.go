package commands

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"ingestkit/lib/config"
	"ingestkit/lib/notify"
	"ingestkit/lib/pipeline"
	"ingestkit/lib/recordstore"
	"ingestkit/lib/scheduling"
	"ingestkit/lib/telemetry"
	"ingestkit/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

const defaultDatabase = "ingest.db"

var historyLimit *int

func init() {
	historyLimit = scheduleHistoryCmd.Flags().Int("limit", 20, "Number of runs to show.")

	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleRunCmd)
	scheduleCmd.AddCommand(scheduleOnceCmd)
	scheduleCmd.AddCommand(scheduleHistoryCmd)
	rootCmd.AddCommand(scheduleCmd)
}

type scheduleEnv struct {
	cfg       config.Pipeline
	db        *sql.DB
	runs      scheduling.SQLRunStore
	runner    *pipeline.Runner
	scheduler *scheduling.Scheduler
}

func (e scheduleEnv) Close() {
	err := e.runner.Close()
	if err != nil {
		slog.Warn("failed to close runner", "err", err)
	}
	e.db.Close()
}

// setupSchedule opens the pipeline's database and registers every
// configured job with a new scheduler.
func setupSchedule(ctx context.Context) scheduleEnv {
	cfg := loadConfig()
	if cfg.Database.File == "" && cfg.Database.Url == "" {
		cfg.Database.File = defaultDatabase
	}

	db, err := cfg.Database.OpenDB(ctx, recordstore.Schema+"\n"+scheduling.RunSchema)
	if err != nil {
		serviceutil.Fatal("failed to open db", err)
	}
	runs := scheduling.NewSQLRunStore(db)

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Notify != nil {
		notifier, err = notify.NewEmailNotifier(*cfg.Notify)
		if err != nil {
			serviceutil.Fatal("failed to create notifier", err)
		}
	}

	scheduler := scheduling.NewScheduler(scheduling.Options{
		Location: cfg.Location(),
		Store:    runs,
		Notifier: notifier,
	})
	runner := pipeline.NewRunner(cfg, recordstore.NewStore(db), dumpOutput())
	err = runner.Register(scheduler)
	if err != nil {
		serviceutil.Fatal("failed to register jobs", err)
	}

	return scheduleEnv{cfg: cfg, db: db, runs: runs, runner: runner, scheduler: scheduler}
}

func jobSource(cfg config.Pipeline, name string) string {
	job, ok := cfg.Job(name)
	if !ok {
		return ""
	}
	return job.Kind + ":" + job.Source
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Runs the jobs described by the pipeline config.",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists configured jobs and their next run.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		env := setupSchedule(cmd.Context())
		defer env.Close()

		now := time.Now().In(env.cfg.Location())
		t := newTable()
		t.AppendHeader(table.Row{"Job", "Source", "Schedule", "Next run"})
		for _, entry := range env.scheduler.Entries() {
			job, _ := env.cfg.Job(entry.Name)
			next := ""
			// cron only computes next runs once started.
			spec, err := scheduling.ParseSchedule(job.Schedule)
			if err == nil {
				schedule, err := spec.Schedule()
				if err == nil {
					next = schedule.Next(now).Format(time.DateTime)
				}
			}
			t.AppendRow(table.Row{entry.Name, jobSource(env.cfg, entry.Name), entry.Schedule, next})
		}
		t.Render()
	},
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs jobs on their schedule until interrupted.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		env := setupSchedule(ctx)
		defer env.Close()

		telemetry.InstrumentPerfStats(ctx, 30*time.Second)

		env.scheduler.Start()
		slog.Info("scheduler started", "jobs", len(env.scheduler.Entries()))
		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		err := env.scheduler.Stop(stopCtx)
		if err != nil {
			slog.Warn("jobs still running at shutdown", "err", err)
		}
	},
}

var scheduleOnceCmd = &cobra.Command{
	Use:   "once <job>",
	Short: "Runs a single job immediately.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		env := setupSchedule(cmd.Context())
		defer env.Close()

		run, err := env.scheduler.RunNow(cmd.Context(), args[0])
		t := newTable()
		t.AppendRows([]table.Row{
			{"Job", run.Job},
			{"Outcome", run.Outcome},
			{"Attempts", run.Attempts},
			{"Duration", run.Duration().Round(time.Millisecond)},
			{"Error", run.Err},
		})
		t.Render()
		if err != nil {
			env.Close()
			serviceutil.Fatal("job failed", err)
		}
	},
}

var scheduleHistoryCmd = &cobra.Command{
	Use:   "history <job>",
	Short: "Shows the latest runs of a job.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		env := setupSchedule(cmd.Context())
		defer env.Close()

		runs, err := env.runs.Recent(cmd.Context(), args[0], *historyLimit)
		if err != nil {
			env.Close()
			serviceutil.Fatal("failed to read run history", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Started", "Outcome", "Attempts", "Duration", "Error"})
		for _, run := range runs {
			t.AppendRow(table.Row{
				run.StartedAt.Format(time.DateTime),
				run.Outcome,
				run.Attempts,
				run.Duration().Round(time.Millisecond),
				run.Err,
			})
		}
		t.Render()
	},
}
