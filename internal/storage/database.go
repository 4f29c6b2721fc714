package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"kgchat/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database configured for dbType.
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
		// An in-memory database lives as long as its single connection.
		if strings.Contains(dbCfg.DSN, ":memory:") {
			db.SetMaxOpenConns(1)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				dbCfg.Params,
			)
		}
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
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				email TEXT NOT NULL UNIQUE,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS chats (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS responses (
				id TEXT PRIMARY KEY,
				chat_id TEXT NOT NULL,
				input TEXT NOT NULL,
				query TEXT NOT NULL,
				output TEXT NOT NULL,
				original_response TEXT,
				rating TEXT,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(chat_id) REFERENCES chats(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_responses_chat ON responses(chat_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS response_references (
				id TEXT PRIMARY KEY,
				reference_id TEXT NOT NULL,
				reference_type TEXT NOT NULL,
				title TEXT,
				idx INTEGER NOT NULL,
				response_id TEXT NOT NULL,
				UNIQUE(response_id, idx),
				FOREIGN KEY(response_id) REFERENCES responses(id) ON DELETE CASCADE
			)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id CHAR(36) NOT NULL,
				email VARCHAR(320) NOT NULL UNIQUE,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS chats (
				id CHAR(36) NOT NULL,
				user_id CHAR(36) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_chats_user (user_id, created_at),
				CONSTRAINT fk_chats_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS responses (
				id CHAR(36) NOT NULL,
				chat_id CHAR(36) NOT NULL,
				input MEDIUMTEXT NOT NULL,
				query MEDIUMTEXT NOT NULL,
				output MEDIUMTEXT NOT NULL,
				original_response JSON,
				rating VARCHAR(32),
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_responses_chat (chat_id, created_at),
				CONSTRAINT fk_responses_chat FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS response_references (
				id CHAR(36) NOT NULL,
				reference_id VARCHAR(255) NOT NULL,
				reference_type VARCHAR(64) NOT NULL,
				title VARCHAR(512),
				idx INT NOT NULL,
				response_id CHAR(36) NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_response_idx (response_id, idx),
				CONSTRAINT fk_references_response FOREIGN KEY (response_id) REFERENCES responses(id) ON DELETE CASCADE
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

// InsertIgnore returns the driver specific "insert unless duplicate" prefix.
func InsertIgnore(driver string) string {
	if strings.EqualFold(driver, "mysql") {
		return "INSERT IGNORE INTO"
	}
	return "INSERT OR IGNORE INTO"
}
