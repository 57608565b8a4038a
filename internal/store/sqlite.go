package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gpumux/pkg/types"
)

const defaultQueryLimit = 100

// SQLite is the file-backed Repository. Configs are stored as JSON blobs
// (they are replaced wholesale on update); decisions get real columns so
// history queries can filter server-side.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS model_configs (
  id TEXT PRIMARY KEY,
  config TEXT NOT NULL,
  updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduling_decisions (
  id TEXT PRIMARY KEY,
  ts DATETIME NOT NULL,
  model_id TEXT NOT NULL,
  action TEXT NOT NULL,
  devices TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_decisions_ts ON scheduling_decisions(ts);
CREATE INDEX IF NOT EXISTS idx_decisions_model ON scheduling_decisions(model_id);
`)
	return err
}

func (s *SQLite) SaveConfig(ctx context.Context, cfg types.ModelConfig) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_configs(id, config, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET config=excluded.config, updated_at=excluded.updated_at;`,
		cfg.ID, string(blob), cfg.UpdatedAt.UTC())
	return err
}

func (s *SQLite) DeleteConfig(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM model_configs WHERE id=?;", id)
	return err
}

func (s *SQLite) LoadAllConfigs(ctx context.Context) ([]types.ModelConfig, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT config FROM model_configs ORDER BY id;")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ModelConfig
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var cfg types.ModelConfig
		if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendDecision(ctx context.Context, d types.SchedulingDecision) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO scheduling_decisions(id, ts, model_id, action, devices, reason) VALUES(?,?,?,?,?,?);",
		d.ID, d.Timestamp.UTC(), d.ModelID, string(d.Action), strings.Join(d.Devices, ","), d.Reason)
	return err
}

func (s *SQLite) QueryDecisions(ctx context.Context, f DecisionFilter) ([]types.SchedulingDecision, error) {
	q := "SELECT id, ts, model_id, action, devices, reason FROM scheduling_decisions"
	var conds []string
	var args []any
	if f.ModelID != "" {
		conds = append(conds, "model_id=?")
		args = append(args, f.ModelID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts>=?")
		args = append(args, f.Since.UTC())
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	q += " ORDER BY ts DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.SchedulingDecision
	for rows.Next() {
		var d types.SchedulingDecision
		var action, devices string
		if err := rows.Scan(&d.ID, &d.Timestamp, &d.ModelID, &action, &devices, &d.Reason); err != nil {
			return nil, err
		}
		d.Action = types.DecisionAction(action)
		if devices != "" {
			d.Devices = strings.Split(devices, ",")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
