package database

import (
	"database/sql"
	"log"
	"sync"

	"github.com/steadyops/steady/internal/cache"

	"github.com/steadyops/steady/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		ca, errCache := cache.NewCache()
		if errCache != nil {
			log.Printf("rollout cache disabled: %v", errCache)
		}
		instance = &Datasource{Conn: con, Cache: ca}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createRolloutTable(db)
	if err != nil {
		return nil, err
	}
	err = createRolloutEventTable(db)
	if err != nil {
		return nil, err
	}
	err = createQuarantineTable(db)
	if err != nil {
		return nil, err
	}
	err = createIdempotencyTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func createRolloutTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE SCHEMA IF NOT EXISTS steady;
		CREATE TABLE IF NOT EXISTS steady.rollouts (
			rollout_id TEXT PRIMARY KEY,
			unit_name TEXT NOT NULL,
			unit_environment TEXT NOT NULL,
			stable_version TEXT NOT NULL,
			stable_description TEXT,
			candidate_version TEXT NOT NULL,
			candidate_description TEXT,
			plan JSONB NOT NULL,
			current_stage_index INT NOT NULL DEFAULT 0,
			stage_entered_at TIMESTAMPTZ NOT NULL,
			holding_since TIMESTAMPTZ,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			meta_data JSONB
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_rollouts_one_active_per_unit
			ON steady.rollouts (unit_environment, unit_name)
			WHERE status IN ('ADVANCING', 'HOLDING', 'ROLLING_BACK', 'ROLLBACK_STUCK');
	`)
	return err
}

func createRolloutEventTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS steady.rollout_events (
			event_id TEXT PRIMARY KEY,
			rollout_id TEXT NOT NULL REFERENCES steady.rollouts(rollout_id),
			stage_index INT NOT NULL,
			weight INT NOT NULL,
			verdict TEXT,
			status TEXT NOT NULL,
			reason TEXT,
			trigger_source TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_rollout_events_rollout_id
			ON steady.rollout_events (rollout_id, created_at);
	`)
	return err
}

func createQuarantineTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS steady.quarantine (
			message_id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			first_failed_at TIMESTAMPTZ NOT NULL,
			last_attempt_at TIMESTAMPTZ NOT NULL,
			attempt_count INT NOT NULL DEFAULT 1,
			last_error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_quarantine_first_failed_at
			ON steady.quarantine (first_failed_at);
	`)
	return err
}

func createIdempotencyTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS steady.idempotency (
			idempotency_key TEXT PRIMARY KEY,
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at
			ON steady.idempotency (expires_at);
	`)
	return err
}
