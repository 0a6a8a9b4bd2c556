package scheduling

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	"ingestkit/lib/sqliteutil"
)

//go:embed runs.sql
var RunSchema string

// RunStore keeps the history of finished runs.
type RunStore interface {
	Save(ctx context.Context, run Run) error
}

type SQLRunStore struct {
	db *sql.DB
}

func NewSQLRunStore(database *sql.DB) SQLRunStore {
	return SQLRunStore{db: database}
}

// OpenRunStore opens the configured database and applies the run schema.
func OpenRunStore(ctx context.Context, cfg sqliteutil.Config) (SQLRunStore, error) {
	db, err := cfg.OpenDB(ctx, RunSchema)
	if err != nil {
		return SQLRunStore{}, err
	}
	return NewSQLRunStore(db), nil
}

func (s SQLRunStore) Close() error {
	return s.db.Close()
}

func (s SQLRunStore) Save(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(
		ctx,
		`insert into job_run (job, started_at, finished_at, attempts, outcome, err)
values (?, ?, ?, ?, ?, ?)`,
		run.Job,
		run.StartedAt.UnixMilli(),
		run.FinishedAt.UnixMilli(),
		run.Attempts,
		string(run.Outcome),
		run.Err,
	)
	return err
}

// Recent returns up to `limit` of the latest runs of a job, newest first.
func (s SQLRunStore) Recent(ctx context.Context, job string, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select started_at, finished_at, attempts, outcome, err from job_run
where job = ? order by started_at desc, id desc limit ?`,
		job, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			startedAt  int64
			finishedAt int64
			outcome    string
		)
		run := Run{Job: job}
		err := rows.Scan(&startedAt, &finishedAt, &run.Attempts, &outcome, &run.Err)
		if err != nil {
			return nil, err
		}
		run.StartedAt = time.UnixMilli(startedAt)
		run.FinishedAt = time.UnixMilli(finishedAt)
		run.Outcome = Outcome(outcome)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
