package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/sequoia/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// appendLockKey is the advisory lock held by the single writer while it
// reads the tail and inserts a batch.
const appendLockKey = 0x5e9_0001

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS territory_events (
	stream_seq  BIGINT PRIMARY KEY,
	recorded_at TIMESTAMPTZ NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	territory   TEXT NOT NULL,
	new_owner   JSONB NOT NULL,
	prev_owner  JSONB
)`,
	`CREATE INDEX IF NOT EXISTS territory_events_recorded_at_idx
	ON territory_events (recorded_at, stream_seq)`,
	`CREATE TABLE IF NOT EXISTS territory_snapshots (
	watermark  BIGINT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	entries    JSONB NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS guild_color_cache (
	guild_name TEXT PRIMARY KEY,
	color      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
}

// PostgresStore implements Log on PostgreSQL through a pgx pool
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and applies the schema
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type eventRow struct {
	seq        int64
	recordedAt time.Time
	acquiredAt time.Time
	territory  string
	newOwner   []byte
	prevOwner  []byte
}

func (r eventRow) event() (types.OwnershipEvent, error) {
	ev := types.OwnershipEvent{
		Sequence:   uint64(r.seq),
		RecordedAt: r.recordedAt.UTC(),
		AcquiredAt: r.acquiredAt.UTC(),
		Territory:  r.territory,
	}
	if err := json.Unmarshal(r.newOwner, &ev.NewOwner); err != nil {
		return ev, fmt.Errorf("decode new_owner of %d: %w", r.seq, err)
	}
	if r.prevOwner != nil {
		var prev types.GuildIdentity
		if err := json.Unmarshal(r.prevOwner, &prev); err != nil {
			return ev, fmt.Errorf("decode prev_owner of %d: %w", r.seq, err)
		}
		ev.PrevOwner = &prev
	}
	return ev, nil
}

const selectEvents = `SELECT stream_seq, recorded_at, acquired_at, territory, new_owner, prev_owner FROM territory_events`

// seqParam converts a sequence bound for a bigint comparison. Bounds above
// the column range saturate so they still compare above every stored row.
func seqParam(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func scanEvent(row pgx.Row) (types.OwnershipEvent, error) {
	var r eventRow
	if err := row.Scan(&r.seq, &r.recordedAt, &r.acquiredAt, &r.territory, &r.newOwner, &r.prevOwner); err != nil {
		return types.OwnershipEvent{}, err
	}
	return r.event()
}

func queueInsert(batch *pgx.Batch, ev types.OwnershipEvent) error {
	newOwner, err := json.Marshal(ev.NewOwner)
	if err != nil {
		return err
	}
	var prevOwner []byte
	if ev.PrevOwner != nil {
		if prevOwner, err = json.Marshal(ev.PrevOwner); err != nil {
			return err
		}
	}
	batch.Queue(`INSERT INTO territory_events
	(stream_seq, recorded_at, acquired_at, territory, new_owner, prev_owner)
	VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(ev.Sequence), ev.RecordedAt, ev.AcquiredAt, ev.Territory, newOwner, prevOwner)
	return nil
}

func tail(ctx context.Context, tx pgx.Tx) (uint64, time.Time, error) {
	var seq int64
	var recorded time.Time
	err := tx.QueryRow(ctx, `SELECT stream_seq, recorded_at FROM territory_events ORDER BY stream_seq DESC LIMIT 1`).
		Scan(&seq, &recorded)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return uint64(seq), recorded.UTC(), nil
}

// Append implements Log
func (s *PostgresStore) Append(ctx context.Context, events []types.OwnershipEvent, recordedAt time.Time) ([]types.OwnershipEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	var out []types.OwnershipEvent
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
			return fmt.Errorf("acquire append lock: %w", err)
		}
		last, lastRecorded, err := tail(ctx, tx)
		if err != nil {
			return err
		}
		out, err = assign(events, last, lastRecorded, recordedAt)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, ev := range out {
			if err := queueInsert(batch, ev); err != nil {
				return err
			}
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EventsAfter implements Log
func (s *PostgresStore) EventsAfter(ctx context.Context, after uint64, limit int) ([]types.OwnershipEvent, error) {
	rows, err := s.pool.Query(ctx, selectEvents+` WHERE stream_seq > $1 ORDER BY stream_seq ASC LIMIT $2`,
		seqParam(after), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]types.OwnershipEvent, 0, min(limit, 512))
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Scan implements Log
func (s *PostgresStore) Scan(ctx context.Context, after, upTo uint64, fn func(types.OwnershipEvent) error) error {
	rows, err := s.pool.Query(ctx, selectEvents+` WHERE stream_seq > $1 AND stream_seq <= $2 ORDER BY stream_seq ASC`,
		seqParam(after), seqParam(upTo))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Bounds implements Log
func (s *PostgresStore) Bounds(ctx context.Context) (types.Bounds, error) {
	var (
		minSeq, maxSeq   *int64
		minTime, maxTime *time.Time
		count            int64
	)
	err := s.pool.QueryRow(ctx, `SELECT MIN(stream_seq), MAX(stream_seq), MIN(recorded_at), MAX(recorded_at), COUNT(*) FROM territory_events`).
		Scan(&minSeq, &maxSeq, &minTime, &maxTime, &count)
	if err != nil {
		return types.Bounds{}, err
	}
	if count == 0 || minSeq == nil {
		return types.Bounds{Empty: true}, nil
	}
	return types.Bounds{
		MinSeq:     uint64(*minSeq),
		MaxSeq:     uint64(*maxSeq),
		MinTime:    minTime.UTC(),
		MaxTime:    maxTime.UTC(),
		EventCount: uint64(count),
	}, nil
}

// SequenceAt implements Log
func (s *PostgresStore) SequenceAt(ctx context.Context, t time.Time) (uint64, bool, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT stream_seq FROM territory_events WHERE recorded_at <= $1 ORDER BY stream_seq DESC LIMIT 1`, t).
		Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(seq), true, nil
}

// Import implements Log
func (s *PostgresStore) Import(ctx context.Context, events []types.OwnershipEvent) (int, error) {
	inserted := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
			return err
		}
		last, _, err := tail(ctx, tx)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, ev := range events {
			var existing *types.OwnershipEvent
			cur, err := scanEvent(tx.QueryRow(ctx, selectEvents+` WHERE stream_seq = $1`, int64(ev.Sequence)))
			switch {
			case err == nil:
				existing = &cur
			case !errors.Is(err, pgx.ErrNoRows):
				return err
			}

			insert, err := checkImport(ev, existing, last)
			if err != nil {
				return err
			}
			if !insert {
				continue
			}
			if err := queueInsert(batch, ev); err != nil {
				return err
			}
			last = ev.Sequence
			inserted++
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// SaveSnapshot implements SnapshotStore
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap types.Snapshot) error {
	entries, err := json.Marshal(snap.Entries)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO territory_snapshots (watermark, created_at, entries)
	VALUES ($1, $2, $3) ON CONFLICT (watermark) DO NOTHING`,
		int64(snap.Watermark), snap.TakenAt, entries)
	return err
}

// LatestSnapshot implements SnapshotStore
func (s *PostgresStore) LatestSnapshot(ctx context.Context, atOrBefore uint64) (types.Snapshot, bool, error) {
	var (
		watermark int64
		takenAt   time.Time
		entries   []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT watermark, created_at, entries FROM territory_snapshots
	WHERE watermark <= $1 ORDER BY watermark DESC LIMIT 1`, seqParam(atOrBefore)).
		Scan(&watermark, &takenAt, &entries)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Snapshot{}, false, nil
	}
	if err != nil {
		return types.Snapshot{}, false, err
	}

	snap := types.Snapshot{Watermark: uint64(watermark), TakenAt: takenAt.UTC()}
	if err := json.Unmarshal(entries, &snap.Entries); err != nil {
		return types.Snapshot{}, false, fmt.Errorf("decode snapshot %d: %w", watermark, err)
	}
	return snap, true, nil
}

// SaveGuildColors implements ColorStore
func (s *PostgresStore) SaveGuildColors(ctx context.Context, colors map[string]types.RGB) error {
	if len(colors) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for name, color := range colors {
		data, err := json.Marshal(color)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO guild_color_cache (guild_name, color, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (guild_name) DO UPDATE SET color = EXCLUDED.color, updated_at = now()`, name, data)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// LoadGuildColors implements ColorStore
func (s *PostgresStore) LoadGuildColors(ctx context.Context) (map[string]types.RGB, error) {
	rows, err := s.pool.Query(ctx, `SELECT guild_name, color FROM guild_color_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	colors := make(map[string]types.RGB)
	for rows.Next() {
		var name string
		var data []byte
		if err := rows.Scan(&name, &data); err != nil {
			return nil, err
		}
		var c types.RGB
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		colors[name] = c
	}
	return colors, rows.Err()
}
