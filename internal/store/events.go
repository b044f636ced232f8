package store

import (
	"fmt"
	"time"
)

// AuditKind enumerates audit_logs.kind values (spec §3).
type AuditKind string

const (
	AuditSessionCreated     AuditKind = "SessionCreated"
	AuditSessionConnected   AuditKind = "SessionConnected"
	AuditSessionDisconnected AuditKind = "SessionDisconnected"
	AuditSessionTerminated  AuditKind = "SessionTerminated"
	AuditContainerStarted   AuditKind = "ContainerStarted"
	AuditContainerStopped   AuditKind = "ContainerStopped"
	AuditCommandExecuted    AuditKind = "CommandExecuted"
	AuditSecurityViolation  AuditKind = "SecurityViolation"
	AuditRateLimitExceeded  AuditKind = "RateLimitExceeded"
	AuditAuthAttempt        AuditKind = "AuthAttempt"
)

// AuditEvent is an append-only record of something that happened to a
// session or tenant.
type AuditEvent struct {
	SessionID  string
	Tenant     string
	Kind       AuditKind
	Payload    string
	ClientAddr string
	UserAgent  string
	CreatedAt  time.Time
}

// AppendAudit is fire-and-forget durability: it commits before returning
// but never blocks the caller's own state transition on success.
func (s *Store) AppendAudit(ev AuditEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO audit_logs (session_id, tenant, kind, payload, client_addr, user_agent, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			nullableString(ev.SessionID), ev.Tenant, string(ev.Kind), ev.Payload,
			nullableString(ev.ClientAddr), nullableString(ev.UserAgent), ev.CreatedAt,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// ListAudit returns audit rows for a session, newest first.
func (s *Store) ListAudit(sessionID string, limit int) ([]AuditEvent, error) {
	return s.queryAudit(`session_id = ?`, sessionID, limit)
}

// ListAuditByTenant returns audit rows for a tenant, newest first.
func (s *Store) ListAuditByTenant(tenant string, limit int) ([]AuditEvent, error) {
	return s.queryAudit(`tenant = ?`, tenant, limit)
}

func (s *Store) queryAudit(where, arg string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT session_id, tenant, kind, payload, client_addr, user_agent, created_at
		 FROM audit_logs WHERE `+where+` ORDER BY created_at DESC LIMIT ?`,
		arg, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var sessionID, clientAddr, userAgent *string
		if err := rows.Scan(&sessionID, &ev.Tenant, &ev.Kind, &ev.Payload, &clientAddr, &userAgent, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		if sessionID != nil {
			ev.SessionID = *sessionID
		}
		if clientAddr != nil {
			ev.ClientAddr = *clientAddr
		}
		if userAgent != nil {
			ev.UserAgent = *userAgent
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Severity is the SecurityEvent severity enum, rendered lowercase in JSON
// to match the original Rust service's `serde(rename_all = "lowercase")`.
type Severity string

const (
	SeveritySafe     Severity = "safe"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type SecurityEvent struct {
	SessionID    string
	Tenant       string
	Kind         string
	Severity     Severity
	Description  string
	BlockedInput string
	ClientAddr   string
	CreatedAt    time.Time
}

func (s *Store) AppendSecurity(ev SecurityEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO security_events (session_id, tenant, kind, severity, description, blocked_input, client_addr, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			nullableString(ev.SessionID), ev.Tenant, ev.Kind, string(ev.Severity),
			nullableString(ev.Description), nullableString(ev.BlockedInput), nullableString(ev.ClientAddr), ev.CreatedAt,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("appending security event: %w", err)
	}
	return nil
}

// ListSecurityEvents returns the most recent security events across all
// tenants, newest first.
func (s *Store) ListSecurityEvents(limit int) ([]SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT session_id, tenant, kind, severity, description, blocked_input, client_addr, created_at
		 FROM security_events ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		var sessionID, description, blockedInput, clientAddr *string
		var severity string
		if err := rows.Scan(&sessionID, &ev.Tenant, &ev.Kind, &severity, &description, &blockedInput, &clientAddr, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}
		ev.Severity = Severity(severity)
		if sessionID != nil {
			ev.SessionID = *sessionID
		}
		if description != nil {
			ev.Description = *description
		}
		if blockedInput != nil {
			ev.BlockedInput = *blockedInput
		}
		if clientAddr != nil {
			ev.ClientAddr = *clientAddr
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MetricsSample is an append-only container resource sample bound to a
// session.
type MetricsSample struct {
	SessionID        string
	CPUFraction      float64
	MemoryBytes      int64
	MemoryLimitBytes int64
	NetRxBytes       int64
	NetTxBytes       int64
	RecordedAt       time.Time
}

func (s *Store) AppendMetrics(m MetricsSample) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO container_metrics (session_id, cpu_fraction, memory_bytes, memory_limit_bytes, net_rx_bytes, net_tx_bytes, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.SessionID, m.CPUFraction, m.MemoryBytes, m.MemoryLimitBytes, m.NetRxBytes, m.NetTxBytes, m.RecordedAt,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("appending metrics sample: %w", err)
	}
	return nil
}

// MetricsHistory returns recent samples for a session, newest first.
func (s *Store) MetricsHistory(sessionID string, limit int) ([]MetricsSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT session_id, cpu_fraction, memory_bytes, memory_limit_bytes, net_rx_bytes, net_tx_bytes, recorded_at
		 FROM container_metrics WHERE session_id = ? ORDER BY recorded_at DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing metrics: %w", err)
	}
	defer rows.Close()

	var samples []MetricsSample
	for rows.Next() {
		var m MetricsSample
		if err := rows.Scan(&m.SessionID, &m.CPUFraction, &m.MemoryBytes, &m.MemoryLimitBytes, &m.NetRxBytes, &m.NetTxBytes, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning metrics sample: %w", err)
		}
		samples = append(samples, m)
	}
	return samples, rows.Err()
}

// RateResult is the outcome of a rate-bucket check.
type RateResult int

const (
	Allowed RateResult = iota
	Denied
)

// CheckAndIncr is an atomic bucketed counter: the window is truncated to
// the minute, and the insert/increment happens as a single upsert keyed on
// the (identifier, endpoint, window_start) unique index, so concurrent
// callers within the same minute bucket can never together allow more than
// limit requests.
func (s *Store) CheckAndIncr(identifier, endpoint string, limit int, windowSecs int) (RateResult, error) {
	windowStart := time.Now().UTC().Truncate(time.Minute)
	var result RateResult
	err := retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.Exec(
			`INSERT INTO rate_limits (identifier, endpoint, window_start, count) VALUES (?, ?, ?, 1)
			 ON CONFLICT(identifier, endpoint, window_start) DO UPDATE SET count = count + 1`,
			identifier, endpoint, windowStart,
		)
		if err != nil {
			return err
		}

		var count int
		if err := tx.QueryRow(
			`SELECT count FROM rate_limits WHERE identifier = ? AND endpoint = ? AND window_start = ?`,
			identifier, endpoint, windowStart,
		).Scan(&count); err != nil {
			return err
		}

		if count <= limit {
			result = Allowed
		} else {
			result = Denied
		}
		return tx.Commit()
	})
	if err != nil {
		return Denied, fmt.Errorf("checking rate limit: %w", err)
	}
	return result, nil
}

// RateBucketCount returns the current count for an (identifier, endpoint)
// in the current minute bucket, for the /api/ratelimit/{id}/{endpoint}
// inspection endpoint.
func (s *Store) RateBucketCount(identifier, endpoint string) (int, time.Time, error) {
	windowStart := time.Now().UTC().Truncate(time.Minute)
	var count int
	err := s.db.QueryRow(
		`SELECT count FROM rate_limits WHERE identifier = ? AND endpoint = ? AND window_start = ?`,
		identifier, endpoint, windowStart,
	).Scan(&count)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return 0, windowStart, nil
		}
		return 0, windowStart, fmt.Errorf("reading rate bucket: %w", err)
	}
	return count, windowStart, nil
}

// CleanupResult reports rows affected per table, returned by CleanupAll.
type CleanupResult struct {
	AuditRows    int64
	RateRows     int64
	MetricsRows  int64
}

// CleanupAll trims audit rows older than 30 days, rate-limit rows older
// than 1 hour, and metrics rows older than 24 hours (spec §3 retention).
func (s *Store) CleanupAll() (CleanupResult, error) {
	now := time.Now().UTC()
	var res CleanupResult

	auditCutoff := now.Add(-30 * 24 * time.Hour)
	rateCutoff := now.Add(-1 * time.Hour)
	metricsCutoff := now.Add(-24 * time.Hour)

	err := retryOnBusy(func() error {
		r, err := s.db.Exec(`DELETE FROM audit_logs WHERE created_at < ?`, auditCutoff)
		if err != nil {
			return err
		}
		res.AuditRows, _ = r.RowsAffected()

		r, err = s.db.Exec(`DELETE FROM rate_limits WHERE window_start < ?`, rateCutoff)
		if err != nil {
			return err
		}
		res.RateRows, _ = r.RowsAffected()

		r, err = s.db.Exec(`DELETE FROM container_metrics WHERE recorded_at < ?`, metricsCutoff)
		if err != nil {
			return err
		}
		res.MetricsRows, _ = r.RowsAffected()
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("cleaning up old rows: %w", err)
	}
	return res, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
