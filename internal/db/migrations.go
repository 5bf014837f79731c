package db

import (
	"fmt"

	"gorm.io/gorm"
)

var postgresStatements = []string{
	`CREATE TABLE IF NOT EXISTS vehicles (
		id              BIGSERIAL PRIMARY KEY,
		plate           TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_vehicles_plate ON vehicles(plate);`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id              BIGSERIAL PRIMARY KEY,
		vehicle_id      BIGINT NOT NULL REFERENCES vehicles(id),
		shift_id        TEXT NOT NULL,
		actor_id        TEXT,
		vehicle_class   TEXT,
		message_id      TEXT,
		entry_time      TIMESTAMPTZ NOT NULL,
		exit_time       TIMESTAMPTZ,
		amount          NUMERIC(10,2),
		state           TEXT NOT NULL DEFAULT 'OPEN' CHECK (state IN ('OPEN', 'CLOSED')),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_vehicle_shift ON tickets(vehicle_id, shift_id, state);`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_entry_time ON tickets(entry_time);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_tickets_open_vehicle ON tickets(vehicle_id) WHERE state = 'OPEN';`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id              BIGSERIAL PRIMARY KEY,
		message_id      TEXT,
		reason          TEXT NOT NULL,
		error           TEXT,
		payload         JSONB,
		attempts        INT NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		replayed_at     TIMESTAMPTZ
	);`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_created_at ON dead_letters(created_at);`,
}

var sqliteStatements = []string{
	`PRAGMA foreign_keys = ON;`,
	`CREATE TABLE IF NOT EXISTS vehicles (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		plate           TEXT NOT NULL,
		created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_vehicles_plate ON vehicles(plate);`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		vehicle_id      INTEGER NOT NULL REFERENCES vehicles(id),
		shift_id        TEXT NOT NULL,
		actor_id        TEXT,
		vehicle_class   TEXT,
		message_id      TEXT,
		entry_time      DATETIME NOT NULL,
		exit_time       DATETIME,
		amount          REAL,
		state           TEXT NOT NULL DEFAULT 'OPEN' CHECK (state IN ('OPEN', 'CLOSED')),
		created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_vehicle_shift ON tickets(vehicle_id, shift_id, state);`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_entry_time ON tickets(entry_time);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_tickets_open_vehicle ON tickets(vehicle_id) WHERE state = 'OPEN';`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id      TEXT,
		reason          TEXT NOT NULL,
		error           TEXT,
		payload         JSON,
		attempts        INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		replayed_at     DATETIME
	);`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_created_at ON dead_letters(created_at);`,
}

func runMigrations(db *gorm.DB) error {
	statements := postgresStatements
	if db.Dialector.Name() == "sqlite" {
		statements = sqliteStatements
	}
	for i, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
