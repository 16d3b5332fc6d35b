package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"promptstash/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database selected by dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS import_sessions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				platform TEXT NOT NULL,
				status TEXT NOT NULL,
				file_name TEXT NOT NULL,
				file_size INTEGER NOT NULL,
				mime_type TEXT NOT NULL,
				blob_url TEXT NOT NULL DEFAULT '',
				total_prompts INTEGER NOT NULL DEFAULT 0,
				processed_prompts INTEGER NOT NULL DEFAULT 0,
				failed_prompts INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				started_at DATETIME NOT NULL,
				completed_at DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_import_sessions_user ON import_sessions(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_import_sessions_started_at ON import_sessions(started_at DESC)`,
			`CREATE TABLE IF NOT EXISTS prompts (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				content TEXT NOT NULL,
				response TEXT NOT NULL DEFAULT '',
				source_ref TEXT NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES import_sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_prompts_user ON prompts(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_prompts_session ON prompts(session_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS import_sessions (
				id VARCHAR(64) NOT NULL,
				user_id VARCHAR(64) NOT NULL,
				platform VARCHAR(32) NOT NULL,
				status VARCHAR(32) NOT NULL,
				file_name VARCHAR(255) NOT NULL,
				file_size BIGINT NOT NULL,
				mime_type VARCHAR(255) NOT NULL,
				blob_url TEXT NOT NULL,
				total_prompts INT NOT NULL DEFAULT 0,
				processed_prompts INT NOT NULL DEFAULT 0,
				failed_prompts INT NOT NULL DEFAULT 0,
				error TEXT,
				metadata TEXT,
				started_at DATETIME NOT NULL,
				completed_at DATETIME NULL,
				PRIMARY KEY (id),
				INDEX idx_import_sessions_user (user_id),
				INDEX idx_import_sessions_started_at (started_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS prompts (
				id VARCHAR(64) NOT NULL,
				user_id VARCHAR(64) NOT NULL,
				session_id VARCHAR(64) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				response MEDIUMTEXT,
				source_ref VARCHAR(255) NOT NULL,
				metadata TEXT,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_prompts_user (user_id),
				INDEX idx_prompts_session (session_id),
				CONSTRAINT fk_prompts_session FOREIGN KEY (session_id) REFERENCES import_sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
