// Package store is the append-only event log. There are no update or
// delete operations; each event kind has its own table and a write is the
// unit of atomicity (a detection batch commits as one transaction).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/vigia-iot/vigia/internal/types"
)

// Store wraps the relational event log. Write concurrency is handled by
// the database/sql pool and transactional isolation, not external locking.
type Store struct {
	db *sql.DB
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, connString string) (*Store, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing database handle. Used by tests.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rfid_reads (
		id BIGSERIAL PRIMARY KEY,
		ts_client TEXT NOT NULL,
		ts_server TIMESTAMPTZ NOT NULL,
		tag TEXT,
		gate TEXT,
		rssi DOUBLE PRECISION,
		latency_ms BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS zone_status (
		id BIGSERIAL PRIMARY KEY,
		ts_client TEXT NOT NULL,
		ts_server TIMESTAMPTZ NOT NULL,
		zone TEXT,
		count BIGINT,
		latency_ms BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS tamper_events (
		id BIGSERIAL PRIMARY KEY,
		ts_client TEXT NOT NULL,
		ts_server TIMESTAMPTZ NOT NULL,
		device TEXT,
		state TEXT,
		latency_ms BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS vision_events (
		id BIGSERIAL PRIMARY KEY,
		ts_client TEXT NOT NULL,
		ts_server TIMESTAMPTZ NOT NULL,
		cls TEXT,
		confidence DOUBLE PRECISION,
		x DOUBLE PRECISION,
		y DOUBLE PRECISION,
		w DOUBLE PRECISION,
		h DOUBLE PRECISION,
		track_id TEXT,
		latency_ms BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS commands (
		id BIGSERIAL PRIMARY KEY,
		ts_server TIMESTAMPTZ NOT NULL,
		device TEXT NOT NULL,
		cmd TEXT NOT NULL
	)`,
}

// InitSchema creates the event tables if they do not exist. Runs once at
// startup; failure here is fatal for the process.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// InsertRFIDRead appends one gate read.
func (s *Store) InsertRFIDRead(ctx context.Context, r types.RFIDRead) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rfid_reads (ts_client, ts_server, tag, gate, rssi, latency_ms) VALUES ($1,$2,$3,$4,$5,$6)`,
		r.TsClient, r.TsServer, r.Tag, r.Gate, r.RSSI, r.LatencyMS)
	if err != nil {
		return fmt.Errorf("insert rfid read: %w", err)
	}
	return nil
}

// InsertZoneStatus appends one occupancy heartbeat.
func (s *Store) InsertZoneStatus(ctx context.Context, z types.ZoneStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO zone_status (ts_client, ts_server, zone, count, latency_ms) VALUES ($1,$2,$3,$4,$5)`,
		z.TsClient, z.TsServer, z.Zone, z.Count, z.LatencyMS)
	if err != nil {
		return fmt.Errorf("insert zone status: %w", err)
	}
	return nil
}

// InsertTamperEvent appends one tamper state change.
func (s *Store) InsertTamperEvent(ctx context.Context, t types.TamperEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tamper_events (ts_client, ts_server, device, state, latency_ms) VALUES ($1,$2,$3,$4,$5)`,
		t.TsClient, t.TsServer, t.Device, string(t.State), t.LatencyMS)
	if err != nil {
		return fmt.Errorf("insert tamper event: %w", err)
	}
	return nil
}

// InsertVisionBatch appends one detection batch in a single transaction.
// Either every row commits or none does.
func (s *Store) InsertVisionBatch(ctx context.Context, events []types.VisionEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin vision batch: %w", err)
	}

	for _, e := range events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vision_events (ts_client, ts_server, cls, confidence, x, y, w, h, track_id, latency_ms) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			e.TsClient, e.TsServer, e.Class, e.Confidence, e.X, e.Y, e.Width, e.Height, e.TrackID, e.LatencyMS); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert vision event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vision batch: %w", err)
	}
	return nil
}

// InsertCommand appends one actuator command log row.
func (s *Store) InsertCommand(ctx context.Context, c types.Command) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (ts_server, device, cmd) VALUES ($1,$2,$3)`,
		c.TsServer, c.Device, c.Cmd)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

const metricsQuery = `SELECT
	(SELECT COUNT(*) FROM rfid_reads),
	(SELECT COUNT(*) FROM zone_status),
	(SELECT COUNT(*) FROM tamper_events),
	(SELECT COUNT(*) FROM vision_events),
	(SELECT AVG(latency_ms) FROM (
		SELECT latency_ms FROM rfid_reads
		UNION ALL SELECT latency_ms FROM zone_status
		UNION ALL SELECT latency_ms FROM tamper_events
		UNION ALL SELECT latency_ms FROM vision_events
	) AS all_latencies)`

// Metrics returns per-kind event counts and the average latency across all
// kinds. Re-querying without new writes returns identical results.
func (s *Store) Metrics(ctx context.Context) (types.AggregateMetrics, error) {
	var m types.AggregateMetrics
	var avg sql.NullFloat64

	row := s.db.QueryRowContext(ctx, metricsQuery)
	if err := row.Scan(&m.RFIDReads, &m.ZoneUpdates, &m.Tampers, &m.Vision, &avg); err != nil {
		return types.AggregateMetrics{}, fmt.Errorf("query metrics: %w", err)
	}
	if avg.Valid {
		m.AvgLatencyMS = &avg.Float64
	}
	return m, nil
}

const lastLocationsQuery = `SELECT tag, gate, MAX(ts_server) AS last_seen
	FROM rfid_reads
	WHERE tag <> '' AND gate <> ''
	GROUP BY tag, gate
	ORDER BY last_seen DESC`

// LastLocations returns the most recent server timestamp per (tag, gate)
// pair, newest first.
func (s *Store) LastLocations(ctx context.Context) ([]types.TagLocation, error) {
	rows, err := s.db.QueryContext(ctx, lastLocationsQuery)
	if err != nil {
		return nil, fmt.Errorf("query last locations: %w", err)
	}
	defer rows.Close()

	locations := make([]types.TagLocation, 0)
	for rows.Next() {
		var loc types.TagLocation
		var lastSeen sql.NullTime
		if err := rows.Scan(&loc.Tag, &loc.Gate, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan last location: %w", err)
		}
		if lastSeen.Valid {
			loc.LastSeen = lastSeen.Time.UTC().Format(time.RFC3339Nano)
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate last locations: %w", err)
	}
	return locations, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
