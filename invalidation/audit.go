package invalidation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"

	"encore.app/pkg/utils"
)

// AuditLog is one persisted invalidation event. The in-memory history on the
// Invalidator answers "what happened recently"; rows here are the durable
// compliance trail.
type AuditLog struct {
	ID                 int64             `json:"id"`
	Kind               string            `json:"kind"`
	RuleType           string            `json:"rule_type,omitempty"`
	Pattern            string            `json:"pattern,omitempty"`
	EntriesInvalidated int               `json:"entries_invalidated"`
	Severity           string            `json:"severity,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
	RequestID          string            `json:"request_id"`
	Latency            int64             `json:"latency_ms"`
}

// AuditLogger provides persistent storage of invalidation events.
//
// Design decisions:
// - PostgreSQL for ACID compliance and audit integrity
// - Append-only log (no updates) for immutability; retention enforced by
//   Cleanup, not row edits
// - Indexed by timestamp for efficient time-range queries
// - Unique request_id index makes inserts idempotent under at-least-once
//   event delivery
// - JSONB metadata for per-event context without schema changes
type AuditLogger struct {
	db *sqldb.Database
}

// NewAuditLogger creates an audit logger and ensures the schema exists.
func NewAuditLogger(db *sqldb.Database) (*AuditLogger, error) {
	logger := &AuditLogger{db: db}

	if err := logger.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	return logger, nil
}

// ensureSchema creates the audit table if it doesn't exist.
func (al *AuditLogger) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS invalidation_audit (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			rule_type TEXT NOT NULL DEFAULT '',
			pattern TEXT NOT NULL DEFAULT '',
			entries_invalidated INT NOT NULL DEFAULT 0,
			severity TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			request_id TEXT NOT NULL,
			latency_ms BIGINT DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_timestamp
		ON invalidation_audit(timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_kind
		ON invalidation_audit(kind);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_rule_type
		ON invalidation_audit(rule_type);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_invalidation_audit_request_id
		ON invalidation_audit(request_id);
	`

	_, err := al.db.Exec(ctx, query)
	return err
}

// Insert adds a new audit row. Duplicate request IDs are ignored, so retried
// event deliveries produce one row.
//
// Complexity: O(1) with index overhead
func (al *AuditLogger) Insert(ctx context.Context, log AuditLog) error {
	metadataJSON, err := utils.MarshalJSON(log.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO invalidation_audit
		(kind, rule_type, pattern, entries_invalidated, severity, metadata, timestamp, request_id, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO NOTHING
	`

	_, err = al.db.Exec(ctx, query,
		log.Kind,
		log.RuleType,
		log.Pattern,
		log.EntriesInvalidated,
		log.Severity,
		metadataJSON,
		log.Timestamp,
		log.RequestID,
		log.Latency,
	)

	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// GetRecent retrieves recent audit rows with pagination, newest first,
// optionally filtered by event kind.
//
// Complexity: O(limit) with index scan
func (al *AuditLogger) GetRecent(ctx context.Context, limit, offset int, kindFilter string) ([]AuditLog, error) {
	var query string
	var args []interface{}

	if kindFilter != "" {
		query = `
			SELECT id, kind, rule_type, pattern, entries_invalidated, severity, metadata, timestamp, request_id, latency_ms
			FROM invalidation_audit
			WHERE kind = $1
			ORDER BY timestamp DESC
			LIMIT $2 OFFSET $3
		`
		args = []interface{}{kindFilter, limit, offset}
	} else {
		query = `
			SELECT id, kind, rule_type, pattern, entries_invalidated, severity, metadata, timestamp, request_id, latency_ms
			FROM invalidation_audit
			ORDER BY timestamp DESC
			LIMIT $1 OFFSET $2
		`
		args = []interface{}{limit, offset}
	}

	rows, err := al.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	return scanAuditRows(rows, limit)
}

// GetCount returns the number of audit rows, optionally filtered by kind.
func (al *AuditLogger) GetCount(ctx context.Context, kindFilter string) (int, error) {
	var query string
	var args []interface{}
	var count int

	if kindFilter != "" {
		query = `SELECT COUNT(*) FROM invalidation_audit WHERE kind = $1`
		args = []interface{}{kindFilter}
	} else {
		query = `SELECT COUNT(*) FROM invalidation_audit`
	}

	err := al.db.QueryRow(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	return count, nil
}

// GetByRequestID retrieves audit rows by request ID for tracing.
func (al *AuditLogger) GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error) {
	query := `
		SELECT id, kind, rule_type, pattern, entries_invalidated, severity, metadata, timestamp, request_id, latency_ms
		FROM invalidation_audit
		WHERE request_id = $1
		ORDER BY timestamp DESC
	`

	rows, err := al.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs by request ID: %w", err)
	}
	defer rows.Close()

	return scanAuditRows(rows, 1)
}

// GetByTimeRange retrieves audit rows within a time range, newest first.
func (al *AuditLogger) GetByTimeRange(ctx context.Context, start, end time.Time, limit int) ([]AuditLog, error) {
	query := `
		SELECT id, kind, rule_type, pattern, entries_invalidated, severity, metadata, timestamp, request_id, latency_ms
		FROM invalidation_audit
		WHERE timestamp BETWEEN $1 AND $2
		ORDER BY timestamp DESC
		LIMIT $3
	`

	rows, err := al.db.Query(ctx, query, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs by time range: %w", err)
	}
	defer rows.Close()

	return scanAuditRows(rows, limit)
}

// AuditStats summarizes the persisted trail over a period.
type AuditStats struct {
	TotalInvalidations  int64            `json:"total_invalidations"`
	TotalEntriesRemoved int64            `json:"total_entries_removed"`
	ByKind              map[string]int64 `json:"by_kind"`
	AvgLatency          float64          `json:"avg_latency_ms"`
	MostTargetedRule    string           `json:"most_targeted_rule,omitempty"`
}

// GetStats aggregates invalidation activity since the given time.
func (al *AuditLogger) GetStats(ctx context.Context, since time.Time) (*AuditStats, error) {
	stats := &AuditStats{
		ByKind: make(map[string]int64),
	}

	query := `
		SELECT
			COUNT(*) as total,
			COALESCE(SUM(entries_invalidated), 0) as entries,
			COALESCE(AVG(latency_ms), 0) as avg_latency
		FROM invalidation_audit
		WHERE timestamp >= $1
	`

	err := al.db.QueryRow(ctx, query, since).Scan(&stats.TotalInvalidations, &stats.TotalEntriesRemoved, &stats.AvgLatency)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get total stats: %w", err)
	}

	kindQuery := `
		SELECT kind, COUNT(*) as count
		FROM invalidation_audit
		WHERE timestamp >= $1
		GROUP BY kind
	`

	rows, err := al.db.Query(ctx, kindQuery, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get kind breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			continue
		}
		stats.ByKind[kind] = count
	}

	ruleQuery := `
		SELECT rule_type, COUNT(*) as frequency
		FROM invalidation_audit
		WHERE timestamp >= $1 AND rule_type <> ''
		GROUP BY rule_type
		ORDER BY frequency DESC
		LIMIT 1
	`

	err = al.db.QueryRow(ctx, ruleQuery, since).Scan(&stats.MostTargetedRule, new(int64))
	if err != nil && err != sql.ErrNoRows {
		// Non-fatal, just skip
		stats.MostTargetedRule = ""
	}

	return stats, nil
}

// Cleanup removes audit rows older than the specified duration. Run
// periodically to bound table growth.
func (al *AuditLogger) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	query := `DELETE FROM invalidation_audit WHERE timestamp < $1`

	result, err := al.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}

	return result.RowsAffected(), nil
}

// scanAuditRows reads query results into AuditLog values.
func scanAuditRows(rows *sqldb.Rows, sizeHint int) ([]AuditLog, error) {
	if sizeHint < 0 {
		sizeHint = 0
	}

	logs := make([]AuditLog, 0, sizeHint)
	for rows.Next() {
		var log AuditLog
		var metadataJSON []byte

		err := rows.Scan(
			&log.ID,
			&log.Kind,
			&log.RuleType,
			&log.Pattern,
			&log.EntriesInvalidated,
			&log.Severity,
			&metadataJSON,
			&log.Timestamp,
			&log.RequestID,
			&log.Latency,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		if len(metadataJSON) > 0 {
			if err := utils.UnmarshalJSON(metadataJSON, &log.Metadata); err != nil {
				log.Metadata = nil
			}
		}

		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return logs, nil
}
