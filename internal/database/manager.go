package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"

	dbconfig "agentgate/pkg/database"
	"agentgate/pkg/interfaces"
	"agentgate/pkg/types"
)

// retryDelay is the pause before the single retry of a failed write
const retryDelay = time.Second

// Manager implements interfaces.AuditStore on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       hclog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	stopped      chan struct{} // closed once writeLoop returned
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
}

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the audit database, applies embedded migrations and
// starts the writer goroutine
func NewManager(config *dbconfig.Config, logger hclog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.Named("audit"),
		writeChannel: make(chan writeOperation, config.WriteBuffer),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	manager.logger.Info("audit store ready", "path", config.DatabasePath)
	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.stopped)

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn("audit write failed, retrying", "error", err, "delay", retryDelay)
				time.Sleep(retryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error("audit write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("audit write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return fmt.Errorf("write operation timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return interfaces.ErrStoreClosed
	}

	// An operation queued as the loop exits is never picked up
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		select {
		case err := <-result:
			return err
		default:
			return interfaces.ErrStoreClosed
		}
	}
}

// RecordConnectionEvent appends one lifecycle event and sets its ID
func (m *Manager) RecordConnectionEvent(ctx context.Context, event *types.ConnectionEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if !event.Kind.IsValid() {
		return fmt.Errorf("invalid event kind: %q", event.Kind)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO connection_events
				(kind, conn_id, role, client_id, client_ip, scope, reason, created_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(event.Kind), event.ConnID, string(event.Role), event.ClientID,
			event.ClientIP, string(event.Scope), event.Reason, event.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert connection event: %w", err)
		}
		event.ID, err = res.LastInsertId()
		return err
	})
}

// RecordLockout appends one lockout and sets its ID
func (m *Manager) RecordLockout(ctx context.Context, record *types.LockoutRecord) error {
	if record == nil {
		return fmt.Errorf("lockout record cannot be nil")
	}
	if record.LockoutMs < 0 {
		return fmt.Errorf("lockout duration cannot be negative")
	}
	if record.LockedAt.IsZero() {
		record.LockedAt = time.Now()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO auth_lockouts (client_ip, scope, lockout_ms, locked_at_ms)
			VALUES (?, ?, ?, ?)`,
			record.ClientIP, string(record.Scope), record.LockoutMs, record.LockedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert lockout: %w", err)
		}
		record.ID, err = res.LastInsertId()
		return err
	})
}

// ListConnectionEvents returns the newest events first
// FUNCTIONAL DISCOVERY: Reads bypass the writer goroutine; WAL lets them run alongside writes
func (m *Manager) ListConnectionEvents(ctx context.Context, limit int) ([]*types.ConnectionEvent, error) {
	if limit <= 0 {
		return []*types.ConnectionEvent{}, nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, kind, conn_id, role, client_id, client_ip, scope, reason, created_at_ms
		FROM connection_events
		ORDER BY created_at_ms DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*types.ConnectionEvent, 0)
	for rows.Next() {
		var (
			ev                types.ConnectionEvent
			kind, role, scope string
			createdAtMs       int64
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.ConnID, &role, &ev.ClientID,
			&ev.ClientIP, &scope, &ev.Reason, &createdAtMs); err != nil {
			return nil, fmt.Errorf("failed to scan connection event: %w", err)
		}
		ev.Kind = types.ConnectionEventKind(kind)
		ev.Role = types.ClientRole(role)
		ev.Scope = types.Scope(scope)
		ev.CreatedAt = time.UnixMilli(createdAtMs)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// ListLockouts returns the newest lockouts first
func (m *Manager) ListLockouts(ctx context.Context, limit int) ([]*types.LockoutRecord, error) {
	if limit <= 0 {
		return []*types.LockoutRecord{}, nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, client_ip, scope, lockout_ms, locked_at_ms
		FROM auth_lockouts
		ORDER BY locked_at_ms DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query lockouts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]*types.LockoutRecord, 0)
	for rows.Next() {
		var (
			rec        types.LockoutRecord
			scope      string
			lockedAtMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.ClientIP, &scope, &rec.LockoutMs, &lockedAtMs); err != nil {
			return nil, fmt.Errorf("failed to scan lockout: %w", err)
		}
		rec.Scope = types.Scope(scope)
		rec.LockedAt = time.UnixMilli(lockedAtMs)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// PurgeBefore deletes events and lockouts strictly older than cutoff
func (m *Manager) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UnixMilli()
	var removed int64

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, "DELETE FROM connection_events WHERE created_at_ms < ?", cutoffMs)
		if err != nil {
			return fmt.Errorf("failed to purge connection events: %w", err)
		}
		events, _ := res.RowsAffected()

		res, err = tx.ExecContext(ctx, "DELETE FROM auth_lockouts WHERE locked_at_ms < ?", cutoffMs)
		if err != nil {
			return fmt.Errorf("failed to purge lockouts: %w", err)
		}
		lockouts, _ := res.RowsAffected()

		if err := tx.Commit(); err != nil {
			return err
		}
		removed = events + lockouts
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		m.logger.Info("purged audit rows", "removed", removed, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return removed, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return interfaces.ErrStoreClosed
	}

	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close shuts down the writer and closes the database. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// applySQLiteOptimizations applies performance pragmas
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
