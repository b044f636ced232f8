// Package store is the durable record of every NOXTERM session: status,
// container binding, timestamps, resource limits, and the append-only
// audit/security/metrics/rate-limit logs. All mutating operations commit
// before returning; concurrent callers observe a total order on any single
// session's status transitions.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors returned by Store operations. Callers dispatch on these
// with errors.Is; the Store never invents control flow beyond them.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrConflict      = errors.New("store: conflict")
)

// Status is the Session status enum (spec §3/§4.3). Terminated is sticky:
// it has no outgoing transitions.
type Status string

const (
	StatusCreated      Status = "created"
	StatusRunning      Status = "running"
	StatusDisconnected Status = "disconnected"
	StatusTerminated   Status = "terminated"
)

// Limits are the resource caps applied at container create.
type Limits struct {
	MemoryBytes int64   `json:"memory_bytes"`
	CPUFraction float64 `json:"cpu_fraction"`
	PidsCap     int64   `json:"pids_cap"`
}

// Session is the primary entity, keyed by a 128-bit opaque identifier
// (rendered as a UUID string).
type Session struct {
	ID             string
	Tenant         string
	Status         Status
	ContainerRef   string // optional; empty means unbound
	ContainerName  string // optional; derived from ID
	Image          string
	CreatedAt      time.Time
	LastActivity   time.Time
	DisconnectedAt *time.Time
	ExpiresAt      *time.Time
	Limits         Limits
	Metadata       map[string]string
}

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// DefaultMaxOpenConns is the default connection pool size shared across
// quota checks, stream touches, and reconciler tasks (spec §5, ~20).
const DefaultMaxOpenConns = 20

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and
// perf pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	if dbPath == ":memory:" {
		return "file::memory:?cache=shared&_pragma=busy_timeout(15000)"
	}
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	tenant           TEXT NOT NULL,
	status           TEXT NOT NULL,
	container_ref    TEXT NOT NULL DEFAULT '',
	container_name   TEXT NOT NULL DEFAULT '',
	image            TEXT NOT NULL,
	created_at       DATETIME NOT NULL,
	last_activity    DATETIME NOT NULL,
	disconnected_at  DATETIME,
	expires_at       DATETIME,
	memory_bytes     INTEGER NOT NULL DEFAULT 0,
	cpu_fraction     REAL NOT NULL DEFAULT 0,
	pids_cap         INTEGER NOT NULL DEFAULT 0,
	metadata_json    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_container_ref
	ON sessions(container_ref) WHERE container_ref != '' AND status != 'terminated';

CREATE TABLE IF NOT EXISTS audit_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT,
	tenant      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	payload     TEXT NOT NULL DEFAULT '',
	client_addr TEXT,
	user_agent  TEXT,
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_logs(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_logs(tenant);
CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_logs(created_at);

CREATE TABLE IF NOT EXISTS security_events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT,
	tenant        TEXT NOT NULL,
	kind          TEXT NOT NULL,
	severity      TEXT NOT NULL,
	description   TEXT,
	blocked_input TEXT,
	client_addr   TEXT,
	created_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_created_at ON security_events(created_at);

CREATE TABLE IF NOT EXISTS container_metrics (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id        TEXT NOT NULL,
	cpu_fraction      REAL NOT NULL,
	memory_bytes      INTEGER NOT NULL,
	memory_limit_bytes INTEGER NOT NULL,
	net_rx_bytes      INTEGER NOT NULL,
	net_tx_bytes      INTEGER NOT NULL,
	recorded_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_session ON container_metrics(session_id);
CREATE INDEX IF NOT EXISTS idx_metrics_recorded_at ON container_metrics(recorded_at);

CREATE TABLE IF NOT EXISTS rate_limits (
	identifier     TEXT NOT NULL,
	endpoint       TEXT NOT NULL,
	window_start   DATETIME NOT NULL,
	count          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (identifier, endpoint, window_start)
);
`

// New opens the store at dbPath (":memory:" for tests), applying WAL and
// busy-timeout pragmas and running the schema migration. maxOpenConns <= 0
// uses DefaultMaxOpenConns.
func New(dbPath string, maxOpenConns int) (*Store, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

type Store struct {
	db *sql.DB
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertSession creates a new Created-status session row.
func (s *Store) InsertSession(sess *Session) error {
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	err = retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO sessions (id, tenant, status, container_ref, container_name, image,
				created_at, last_activity, memory_bytes, cpu_fraction, pids_cap, metadata_json)
			 VALUES (?, ?, ?, '', '', ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Tenant, StatusCreated, sess.Image,
			sess.CreatedAt.UTC(), sess.LastActivity.UTC(),
			sess.Limits.MemoryBytes, sess.Limits.CPUFraction, sess.Limits.PidsCap, string(metaJSON),
		)
		return e
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: sessions.id") {
			return fmt.Errorf("session %s: %w", sess.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(sessionSelectSQL+` WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, nil
}

// ListSessions returns sessions, optionally filtered by tenant and/or
// status, newest first, bounded by limit (0 = unbounded).
func (s *Store) ListSessions(tenant string, status Status, limit int) ([]*Session, error) {
	q := sessionSelectSQL + ` WHERE 1=1`
	var args []any
	if tenant != "" {
		q += ` AND tenant = ?`
		args = append(args, tenant)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ActiveCount counts sessions for tenant with status in {Created, Running}.
func (s *Store) ActiveCount(tenant string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE tenant = ? AND status IN (?, ?)`,
		tenant, string(StatusCreated), string(StatusRunning),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}
	return n, nil
}

// BindContainer atomically records the container binding and transitions
// status=Running. Fails with ErrNotFound if the session row is absent.
func (s *Store) BindContainer(id, containerRef, containerName string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET container_ref = ?, container_name = ?, status = ?,
				disconnected_at = NULL, expires_at = NULL, last_activity = ?
			 WHERE id = ? AND status != ?`,
			containerRef, containerName, string(StatusRunning), time.Now().UTC(),
			id, string(StatusTerminated),
		)
		return e
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: sessions.container_ref") {
			return fmt.Errorf("container_ref %s already bound: %w", containerRef, ErrConflict)
		}
		return fmt.Errorf("binding container: %w", err)
	}
	return checkRowAffected(result, id)
}

// MarkDisconnected sets status=Disconnected, disconnected_at=now,
// expires_at=now+grace. No-op (success) if already Terminated. Idempotent:
// repeated calls keep the earliest disconnected_at.
func (s *Store) MarkDisconnected(id string, graceSecs int) error {
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(graceSecs) * time.Second)
	return retryOnBusy(func() error {
		_, e := s.db.Exec(
			`UPDATE sessions SET status = ?, disconnected_at = ?, expires_at = ?
			 WHERE id = ? AND status != ? AND status != ?`,
			string(StatusDisconnected), now, expiresAt,
			id, string(StatusTerminated), string(StatusDisconnected),
		)
		return e
	})
}

// ClearDisconnect transitions a Disconnected session back to Running and
// nulls the disconnect fields. If the session is not currently
// Disconnected the row is left unchanged and ErrConflict is returned.
func (s *Store) ClearDisconnect(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET status = ?, disconnected_at = NULL, expires_at = NULL, last_activity = ?
			 WHERE id = ? AND status = ?`,
			string(StatusRunning), time.Now().UTC(), id, string(StatusDisconnected),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("clearing disconnect: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s not disconnected: %w", id, ErrConflict)
	}
	return nil
}

// Terminate sets status=Terminated and nulls container_ref. Idempotent.
func (s *Store) Terminate(id string) error {
	return retryOnBusy(func() error {
		_, e := s.db.Exec(
			`UPDATE sessions SET status = ?, container_ref = '', disconnected_at = NULL, expires_at = NULL
			 WHERE id = ?`,
			string(StatusTerminated), id,
		)
		return e
	})
}

// Touch updates last_activity, batched by callers to avoid write
// amplification (spec §4.5 "Activity").
func (s *Store) Touch(id string) error {
	return retryOnBusy(func() error {
		_, e := s.db.Exec(`UPDATE sessions SET last_activity = ? WHERE id = ?`, time.Now().UTC(), id)
		return e
	})
}

// SweepExpired returns and atomically transitions to Terminated all rows
// where status=Disconnected and expires_at < now. Safe for concurrent
// callers: each expired row is claimed (via the UPDATE...RETURNING-style
// two-step below, serialized by SQLite's writer lock) by exactly one call.
func (s *Store) SweepExpired() ([]*Session, error) {
	now := time.Now().UTC()
	var expired []*Session
	err := retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.Query(
			sessionSelectSQL+` WHERE status = ? AND expires_at < ?`,
			string(StatusDisconnected), now,
		)
		if err != nil {
			return err
		}
		expired, err = scanSessions(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for _, sess := range expired {
			if _, err := tx.Exec(
				`UPDATE sessions SET status = ?, container_ref = '', disconnected_at = NULL, expires_at = NULL
				 WHERE id = ?`,
				string(StatusTerminated), sess.ID,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("sweeping expired sessions: %w", err)
	}
	return expired, nil
}

// ListRunningWithContainer returns every session with status=Running and a
// non-empty container_ref, for the health probe task.
func (s *Store) ListRunningWithContainer() ([]*Session, error) {
	rows, err := s.db.Query(sessionSelectSQL + ` WHERE status = ? AND container_ref != ''`,
		string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("listing running sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListNonTerminal returns every session whose status is not Terminated,
// for the orphan sweep's cross-reference against the runtime's container
// list.
func (s *Store) ListNonTerminal() ([]*Session, error) {
	rows, err := s.db.Query(sessionSelectSQL+` WHERE status != ?`, string(StatusTerminated))
	if err != nil {
		return nil, fmt.Errorf("listing non-terminal sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

const sessionSelectSQL = `SELECT id, tenant, status, container_ref, container_name, image,
	created_at, last_activity, disconnected_at, expires_at, memory_bytes, cpu_fraction, pids_cap, metadata_json
	FROM sessions`

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	var status string
	var disconnectedAt, expiresAt sql.NullTime
	var metaJSON string
	err := row.Scan(
		&sess.ID, &sess.Tenant, &status, &sess.ContainerRef, &sess.ContainerName, &sess.Image,
		&sess.CreatedAt, &sess.LastActivity, &disconnectedAt, &expiresAt,
		&sess.Limits.MemoryBytes, &sess.Limits.CPUFraction, &sess.Limits.PidsCap, &metaJSON,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.Status = Status(status)
	if disconnectedAt.Valid {
		t := disconnectedAt.Time
		sess.DisconnectedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		sess.ExpiresAt = &t
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &sess.Metadata)
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}
