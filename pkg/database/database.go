package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/config"
)

var DebugLog func(string, ...interface{})

type DB struct {
	conn    *sql.DB
	enabled bool
}

// RunRecord is one finished fine-tuning run.
type RunRecord struct {
	ID             int
	Model          string
	Dataset        string
	OutputDir      string
	Epochs         int
	FinalTrainLoss float64
	EvalLoss       float64
	DurationMS     int64
	CreatedAt      time.Time
}

const DBName = "llmft_runs"

func New(cfg *config.Database) (*DB, error) {
	db := &DB{
		enabled: cfg.Enabled,
	}

	if !cfg.Enabled {
		return db, nil
	}

	postgresConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password)

	postgresConn, err := sql.Open("postgres", postgresConnStr)
	if err != nil {
		return db, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer postgresConn.Close()

	if err := postgresConn.Ping(); err != nil {
		return db, fmt.Errorf("failed to ping postgres: %w", err)
	}

	var exists bool
	err = postgresConn.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", DBName).Scan(&exists)
	if err != nil {
		return db, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		_, err = postgresConn.Exec(fmt.Sprintf("CREATE DATABASE %s", DBName))
		if err != nil {
			return db, fmt.Errorf("failed to create database: %w", err)
		}
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, DBName)

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return db, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return db, fmt.Errorf("failed to ping database: %w", err)
	}

	db.conn = conn

	if err := db.initSchema(); err != nil {
		return db, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func (db *DB) initSchema() error {
	if !db.enabled || db.conn == nil {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id SERIAL PRIMARY KEY,
		model VARCHAR(255) NOT NULL,
		dataset VARCHAR(255) NOT NULL,
		output_dir VARCHAR(512) NOT NULL,
		epochs INT NOT NULL,
		final_train_loss DOUBLE PRECISION NOT NULL,
		eval_loss DOUBLE PRECISION NOT NULL,
		duration_ms BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_runs_model ON runs(model);
	CREATE INDEX IF NOT EXISTS idx_runs_dataset ON runs(dataset);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *DB) IsEnabled() bool {
	return db.enabled && db.conn != nil
}

// RecordRun stores one finished run in the history table.
func (db *DB) RecordRun(r RunRecord) error {
	if !db.IsEnabled() {
		return nil
	}

	if DebugLog != nil {
		DebugLog("recording run for model %s on dataset %s", r.Model, r.Dataset)
	}

	_, err := db.conn.Exec(`
		INSERT INTO runs (model, dataset, output_dir, epochs, final_train_loss, eval_loss, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.Model, r.Dataset, r.OutputDir, r.Epochs, r.FinalTrainLoss, r.EvalLoss, r.DurationMS)
	return err
}

// QueryRuns returns the run history, newest first, optionally filtered
// by model name.
func (db *DB) QueryRuns(modelFilter string) ([]RunRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	query := `
		SELECT id, model, dataset, output_dir, epochs, final_train_loss, eval_loss, duration_ms, created_at
		FROM runs
	`
	var args []interface{}

	if modelFilter != "" {
		query += " WHERE model = $1"
		args = append(args, modelFilter)
	}

	query += " ORDER BY created_at DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Model, &r.Dataset, &r.OutputDir, &r.Epochs,
			&r.FinalTrainLoss, &r.EvalLoss, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, nil
}
