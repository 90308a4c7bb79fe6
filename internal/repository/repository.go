package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS telemetry (
	id              BIGSERIAL PRIMARY KEY,
	device_id       TEXT NOT NULL,
	device_type     TEXT NOT NULL,
	location        TEXT NOT NULL,
	timestamp       TIMESTAMPTZ NOT NULL,
	temperature     DOUBLE PRECISION,
	humidity        DOUBLE PRECISION,
	vibration       DOUBLE PRECISION,
	power           DOUBLE PRECISION,
	battery_level   DOUBLE PRECISION NOT NULL,
	signal_strength DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS telemetry_device_ts ON telemetry (device_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS anomalies (
	id          BIGSERIAL PRIMARY KEY,
	device_id   TEXT NOT NULL,
	device_type TEXT NOT NULL,
	location    TEXT NOT NULL,
	channel     TEXT NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	z_score     DOUBLE PRECISION NOT NULL,
	severity    TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS anomalies_device_ts ON anomalies (device_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS emergency_events (
	id               BIGINT PRIMARY KEY,
	cluster_id       TEXT NOT NULL,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	details          JSONB,
	affected_devices JSONB NOT NULL,
	coordinator_id   TEXT NOT NULL DEFAULT '',
	log_index        INTEGER NOT NULL,
	committed        BOOLEAN NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	resolved_at      TIMESTAMPTZ
);`

type Repos struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Repos { return &Repos{db: db} }

// EnsureSchema creates the tables the ingestor and the event sink write to.
func (r *Repos) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *Repos) InsertTelemetry(ctx context.Context, t domain.Telemetry) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO telemetry
		(device_id, device_type, location, timestamp, temperature, humidity, vibration, power, battery_level, signal_strength)
		VALUES (:device_id, :device_type, :location, :timestamp, :temperature, :humidity, :vibration, :power, :battery_level, :signal_strength)`, t)
	return err
}

func (r *Repos) InsertAnomaly(ctx context.Context, a domain.AnomalyRecord) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO anomalies
		(device_id, device_type, location, channel, value, z_score, severity, confidence, timestamp)
		VALUES (:device_id, :device_type, :location, :channel, :value, :z_score, :severity, :confidence, :timestamp)`, a)
	return err
}

func (r *Repos) RecentTelemetry(ctx context.Context, deviceID string, limit int) ([]domain.Telemetry, error) {
	var out []domain.Telemetry
	err := r.db.SelectContext(ctx, &out, `SELECT id, device_id, device_type, location, timestamp, temperature, humidity,
		vibration, power, battery_level, signal_strength
		FROM telemetry WHERE device_id = $1 ORDER BY timestamp DESC LIMIT $2`, deviceID, limit)
	return out, err
}

func (r *Repos) RecentAnomalies(ctx context.Context, limit int) ([]domain.AnomalyRecord, error) {
	var out []domain.AnomalyRecord
	err := r.db.SelectContext(ctx, &out, `SELECT id, device_id, device_type, location, channel, value, z_score,
		severity, confidence, timestamp
		FROM anomalies ORDER BY timestamp DESC LIMIT $1`, limit)
	return out, err
}

// RecordEmergency upserts an emergency event, so the row follows the event
// from creation to resolution.
func (r *Repos) RecordEmergency(ctx context.Context, e domain.EmergencyEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	affected, err := json.Marshal(e.AffectedDevices)
	if err != nil {
		return fmt.Errorf("marshal affected devices: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO emergency_events
		(id, cluster_id, type, status, details, affected_devices, coordinator_id, log_index, committed, created_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			coordinator_id = EXCLUDED.coordinator_id,
			log_index = EXCLUDED.log_index,
			committed = EXCLUDED.committed,
			resolved_at = EXCLUDED.resolved_at`,
		e.ID, e.ClusterID, e.Type, e.Status, details, affected, e.CoordinatorID, e.LogIndex, e.Committed, e.CreatedAt, e.ResolvedAt)
	if err != nil {
		return fmt.Errorf("record emergency %d: %w", e.ID, err)
	}
	return nil
}

type emergencyRow struct {
	domain.EmergencyEvent
	DetailsJSON  []byte `db:"details"`
	AffectedJSON []byte `db:"affected_devices"`
}

func (r *Repos) ListEmergencies(ctx context.Context) ([]domain.EmergencyEvent, error) {
	var rows []emergencyRow
	err := r.db.SelectContext(ctx, &rows, `SELECT id, cluster_id, type, status, details, affected_devices,
		coordinator_id, log_index, committed, created_at, resolved_at
		FROM emergency_events ORDER BY id`)
	if err != nil {
		return nil, err
	}
	out := make([]domain.EmergencyEvent, 0, len(rows))
	for _, row := range rows {
		e := row.EmergencyEvent
		if len(row.DetailsJSON) > 0 {
			if err := json.Unmarshal(row.DetailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("decode details of %d: %w", e.ID, err)
			}
		}
		if err := json.Unmarshal(row.AffectedJSON, &e.AffectedDevices); err != nil {
			return nil, fmt.Errorf("decode affected devices of %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}
