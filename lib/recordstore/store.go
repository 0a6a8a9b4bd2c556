package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ingestkit/lib/sqliteutil"

	_ "embed"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed schema.sql
var Schema string

var tracer = otel.Tracer("ingestkit.lib.recordstore")

const upsertRecord = `insert into record (source, key, payload, fetched_at)
values (?, ?, ?, ?)
on conflict (source, key) do update set
    payload = excluded.payload,
    fetched_at = excluded.fetched_at`

type Record struct {
	Source    string
	Key       string
	Payload   json.RawMessage
	FetchedAt time.Time
}

// Decode unmarshals the record's payload into `out`.
func (r Record) Decode(out any) error {
	return json.Unmarshal(r.Payload, out)
}

type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) Store {
	return Store{db: database}
}

// Open opens the configured database and applies the record schema.
func Open(ctx context.Context, cfg sqliteutil.Config) (Store, error) {
	db, err := cfg.OpenDB(ctx, Schema)
	if err != nil {
		return Store{}, err
	}
	return NewStore(db), nil
}

func (s Store) Close() error {
	return s.db.Close()
}

// Put stores `payload` as json under (source, key), replacing any record
// already stored there.
func (s Store) Put(ctx context.Context, source, key string, payload any, fetchedAt time.Time) error {
	ctx, span := tracer.Start(ctx, "recordstore:Put")
	defer span.End()
	span.SetAttributes(attribute.String("source", source), attribute.String("key", key))

	serialized, err := json.Marshal(payload)
	if err != nil {
		span.SetStatus(codes.Error, "failed to serialize payload")
		return fmt.Errorf("serialize %s/%s: %w", source, key, err)
	}
	_, err = s.db.ExecContext(ctx, upsertRecord, source, key, string(serialized), fetchedAt.Unix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upsert record")
		return fmt.Errorf("put %s/%s: %w", source, key, err)
	}
	return nil
}

type Entry struct {
	Key     string
	Payload any
}

// PutMany stores every entry of a source in a single transaction.
func (s Store) PutMany(ctx context.Context, source string, entries []Entry, fetchedAt time.Time) error {
	ctx, span := tracer.Start(ctx, "recordstore:PutMany")
	defer span.End()
	span.SetAttributes(attribute.String("source", source), attribute.Int("count", len(entries)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.SetStatus(codes.Error, "failed to begin transaction")
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertRecord)
	if err != nil {
		span.SetStatus(codes.Error, "failed to prepare statement")
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		serialized, err := json.Marshal(e.Payload)
		if err != nil {
			span.SetStatus(codes.Error, "failed to serialize payload")
			return fmt.Errorf("serialize %s/%s: %w", source, e.Key, err)
		}
		_, err = stmt.ExecContext(ctx, source, e.Key, string(serialized), fetchedAt.Unix())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to upsert record")
			return fmt.Errorf("put %s/%s: %w", source, e.Key, err)
		}
	}
	return tx.Commit()
}

// List returns every record of a source ordered by key.
func (s Store) List(ctx context.Context, source string) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "recordstore:List")
	defer span.End()

	rows, err := s.db.QueryContext(
		ctx,
		"select key, payload, fetched_at from record where source = ? order by key",
		source,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query records")
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			key       string
			payload   string
			fetchedAt int64
		)
		err := rows.Scan(&key, &payload, &fetchedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{
			Source:    source,
			Key:       key,
			Payload:   json.RawMessage(payload),
			FetchedAt: time.Unix(fetchedAt, 0),
		})
	}
	return records, rows.Err()
}

func (s Store) Count(ctx context.Context, source string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "select count(*) from record where source = ?", source).Scan(&count)
	return count, err
}
