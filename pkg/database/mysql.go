package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

// MySQLConfig holds MySQL connection configuration
type MySQLConfig struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLDatabase represents a MySQL database connection
type MySQLDatabase struct {
	db     *sql.DB
	config MySQLConfig
	logger *logrus.Logger
}

// NewMySQLDatabase creates a new MySQL database connection
func NewMySQLDatabase(config MySQLConfig, logger *logrus.Logger) (*MySQLDatabase, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		config.Username,
		config.Password,
		config.Host,
		config.Port,
		config.Database,
	)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	mysql := &MySQLDatabase{
		db:     db,
		config: config,
		logger: logger,
	}

	logger.WithFields(logrus.Fields{
		"host":     config.Host,
		"port":     config.Port,
		"database": config.Database,
	}).Info("Connected to MySQL database")

	return mysql, nil
}

// Close closes the database connection
func (m *MySQLDatabase) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// Health checks database health
func (m *MySQLDatabase) Health() error {
	ctx, cancel := m.getContext()
	defer cancel()

	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Migrate runs database migrations
func (m *MySQLDatabase) Migrate() error {
	migrations := []string{
		createCallsTable,
		createCallEventsTable,
	}

	for i, migration := range migrations {
		m.logger.WithField("migration", i+1).Debug("Running migration")

		if _, err := m.db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	m.logger.Info("Database migrations completed successfully")
	return nil
}

func (m *MySQLDatabase) getContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

const createCallsTable = `
CREATE TABLE IF NOT EXISTS calls (
	id VARCHAR(36) PRIMARY KEY,
	call_sid VARCHAR(64) NOT NULL,
	parent_call_sid VARCHAR(64) DEFAULT NULL,
	direction VARCHAR(16) NOT NULL DEFAULT 'inbound',
	from_number VARCHAR(32) DEFAULT NULL,
	to_number VARCHAR(32) DEFAULT NULL,
	status VARCHAR(32) NOT NULL DEFAULT 'initiated',
	started_at TIMESTAMP NULL DEFAULT NULL,
	answered_at TIMESTAMP NULL DEFAULT NULL,
	ended_at TIMESTAMP NULL DEFAULT NULL,
	duration_seconds INT DEFAULT NULL,
	handled_by_ai BOOLEAN NOT NULL DEFAULT TRUE,
	escalated_to_human BOOLEAN NOT NULL DEFAULT FALSE,
	escalated_to_agent VARCHAR(64) DEFAULT NULL,
	recording_url TEXT DEFAULT NULL,
	recording_sid VARCHAR(64) DEFAULT NULL,
	recording_duration INT DEFAULT NULL,
	transcript_text MEDIUMTEXT DEFAULT NULL,
	transcript_summary TEXT DEFAULT NULL,
	reception_status VARCHAR(32) DEFAULT NULL,
	caller_username VARCHAR(128) DEFAULT NULL,
	webhook_processed_at TIMESTAMP NULL DEFAULT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	UNIQUE KEY uk_calls_call_sid (call_sid),
	KEY idx_calls_parent_call_sid (parent_call_sid),
	KEY idx_calls_status (status),
	KEY idx_calls_started_at (started_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

const createCallEventsTable = `
CREATE TABLE IF NOT EXISTS call_events (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	call_sid VARCHAR(64) NOT NULL,
	event_type VARCHAR(64) NOT NULL,
	event_timestamp BIGINT NOT NULL,
	status VARCHAR(32) DEFAULT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE KEY uk_call_events_identity (call_sid, event_type, event_timestamp),
	KEY idx_call_events_call_sid (call_sid)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`
