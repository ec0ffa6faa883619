// Package db owns the MySQL handle shared by the CDR store and the
// engine registry.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/log"
)

var DB *sql.DB

// Initialize opens the MySQL DSN, creating the database and tables on
// first use.
func Initialize(dsn string) error {
	parts := strings.Split(dsn, "/")
	if len(parts) < 2 {
		return fmt.Errorf("invalid DSN format")
	}

	dbName := strings.Split(parts[1], "?")[0]
	baseDSN := parts[0] + "/?" + strings.Join(strings.Split(parts[1], "?")[1:], "?")

	// connect without a database first so it can be created
	tempDB, err := sql.Open("mysql", baseDSN)
	if err != nil {
		return fmt.Errorf("failed to open connection: %w", err)
	}
	if _, err = tempDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbName)); err != nil {
		tempDB.Close()
		return fmt.Errorf("failed to create database: %w", err)
	}
	tempDB.Close()

	DB, err = sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err = DB.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	dbLogger := log.WithComponent("db")
	dbLogger.Info().Str("database", dbName).Msg("database initialized")
	return nil
}

func createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS engines (
			id INT AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(100) UNIQUE NOT NULL,
			host VARCHAR(255) NOT NULL,
			port INT DEFAULT 8021,
			password VARCHAR(100) DEFAULT 'ClueCon',
			profile VARCHAR(100) DEFAULT 'external',
			max_sessions INT DEFAULT 0,
			active BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_active (active)
		)`,

		`CREATE TABLE IF NOT EXISTS cdr (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			call_uuid VARCHAR(100) NOT NULL,
			app_id VARCHAR(100),
			hangup_cause VARCHAR(50),
			caller_create DOUBLE,
			caller_answer DOUBLE,
			caller_req_originate DOUBLE,
			caller_originate DOUBLE,
			caller_hangup DOUBLE,
			job_launch DOUBLE,
			callee_create DOUBLE,
			callee_answer DOUBLE,
			callee_hangup DOUBLE,
			failed_calls INT DEFAULT 0,
			active_sessions INT DEFAULT 0,
			erlangs INT DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_call_uuid (call_uuid),
			INDEX idx_hangup_cause (hangup_cause),
			INDEX idx_created_at (created_at)
		)`,
	}

	for _, query := range queries {
		if _, err := DB.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the shared handle.
func Close() {
	if DB != nil {
		DB.Close()
	}
}
