package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite implements AgentStore on an embedded database file. Writes that
// read before they write (log append, status transition) run inside a
// transaction on a single connection, so appends cannot be lost.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open agent db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate agent db: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func migrateSQLite(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id                        TEXT PRIMARY KEY,
			owner_id                  TEXT NOT NULL,
			name                      TEXT NOT NULL,
			description               TEXT NOT NULL DEFAULT '',
			status                    TEXT NOT NULL,
			llm_provider              TEXT NOT NULL,
			llm_model                 TEXT NOT NULL,
			bot_token_encrypted       TEXT NOT NULL,
			api_key_encrypted         TEXT NOT NULL DEFAULT '',
			gateway_token_hash        TEXT NOT NULL,
			subdomain                 TEXT NOT NULL UNIQUE,
			deploy_region             TEXT NOT NULL,
			instance_id               TEXT NOT NULL DEFAULT '',
			instance_ip               TEXT NOT NULL DEFAULT '',
			gateway_url               TEXT NOT NULL DEFAULT '',
			provisioning_started_at   TEXT,
			provisioning_completed_at TEXT,
			heartbeat_at              TEXT,
			provisioning_logs         TEXT NOT NULL DEFAULT '[]',
			last_error                TEXT NOT NULL DEFAULT '',
			created_at                TEXT NOT NULL,
			updated_at                TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS agents_owner_created_idx ON agents (owner_id, created_at);
		CREATE INDEX IF NOT EXISTS agents_status_idx ON agents (status);
	`)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Create(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	logs, err := json.Marshal(nonNilLogs(a.ProvisioningLogs))
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (
			id, owner_id, name, description, status, llm_provider, llm_model,
			bot_token_encrypted, api_key_encrypted, gateway_token_hash,
			subdomain, deploy_region, provisioning_started_at, provisioning_logs,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.Name, a.Description, string(a.Status), a.LLMProvider, a.LLMModel,
		a.BotTokenEncrypted, a.APIKeyEncrypted, a.GatewayTokenHash,
		a.Subdomain, a.DeployRegion, formatTime(a.ProvisioningStartedAt), string(logs),
		now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("%w: insert agent: %v", ErrPersistence, err)
	}
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.ProvisioningLogs == nil {
		a.ProvisioningLogs = []LogEntry{}
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*Agent, error) {
	return getSQLite(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLite(ctx context.Context, q queryer, id string) (*Agent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *SQLite) Update(ctx context.Context, id string, upd AgentUpdate) error {
	return s.mutate(ctx, id, func(a *Agent) error {
		upd.apply(a)
		return nil
	})
}

func (s *SQLite) AppendLog(ctx context.Context, id string, entries ...LogEntry) error {
	return s.Update(ctx, id, AgentUpdate{Logs: entries})
}

func (s *SQLite) TransitionStatus(ctx context.Context, id string, from []Status, to Status, upd AgentUpdate) error {
	return s.mutate(ctx, id, func(a *Agent) error {
		if !slices.Contains(from, a.Status) {
			return fmt.Errorf("%w: %s is %s", ErrConflict, id, a.Status)
		}
		upd.Status = &to
		upd.apply(a)
		return nil
	})
}

// mutate loads the row, applies fn and writes the mutable columns back in
// one transaction.
func (s *SQLite) mutate(ctx context.Context, id string, fn func(a *Agent) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	a, err := getSQLite(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := fn(a); err != nil {
		return err
	}
	logs, err := json.Marshal(nonNilLogs(a.ProvisioningLogs))
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE agents SET status = ?, instance_id = ?, instance_ip = ?, gateway_url = ?,
			provisioning_completed_at = ?, last_error = ?, provisioning_logs = ?, updated_at = ?
		WHERE id = ?`,
		string(a.Status), a.InstanceID, a.InstanceIP, a.GatewayURL,
		formatTime(a.ProvisioningCompletedAt), a.LastError, string(logs),
		s.now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("%w: update agent: %v", ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return nil
}

func (s *SQLite) Heartbeat(ctx context.Context, id string, at time.Time) error {
	t := at.UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET heartbeat_at = ? WHERE id = ?`, formatTime(&t), id)
	if err != nil {
		return fmt.Errorf("%w: heartbeat: %v", ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, ownerID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+` FROM agents
		WHERE owner_id = ? AND status <> 'destroyed'
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectSQLite(rows)
}

func (s *SQLite) ListStale(ctx context.Context, status Status, before time.Time) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+` FROM agents
		WHERE status = ? AND COALESCE(heartbeat_at, provisioning_started_at) < ?
		ORDER BY created_at`, string(status), before.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	return collectSQLite(rows)
}

const sqliteColumns = `
	id, owner_id, name, description, status, llm_provider, llm_model,
	bot_token_encrypted, api_key_encrypted, gateway_token_hash,
	subdomain, deploy_region, instance_id, instance_ip, gateway_url,
	provisioning_started_at, provisioning_completed_at, heartbeat_at,
	provisioning_logs, last_error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (*Agent, error) {
	var a Agent
	var status, logs, createdAt, updatedAt string
	var startedAt, completedAt, heartbeatAt sql.NullString
	if err := row.Scan(
		&a.ID, &a.OwnerID, &a.Name, &a.Description, &status, &a.LLMProvider, &a.LLMModel,
		&a.BotTokenEncrypted, &a.APIKeyEncrypted, &a.GatewayTokenHash,
		&a.Subdomain, &a.DeployRegion, &a.InstanceID, &a.InstanceIP, &a.GatewayURL,
		&startedAt, &completedAt, &heartbeatAt,
		&logs, &a.LastError, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if err := json.Unmarshal(jsonOrArray([]byte(logs)), &a.ProvisioningLogs); err != nil {
		return nil, fmt.Errorf("decode provisioning_logs: %w", err)
	}
	var err error
	if a.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{startedAt, &a.ProvisioningStartedAt},
		{completedAt, &a.ProvisioningCompletedAt},
		{heartbeatAt, &a.HeartbeatAt},
	} {
		if !f.src.Valid {
			continue
		}
		t, err := time.Parse(timeLayout, f.src.String)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		*f.dst = &t
	}
	return &a, nil
}

func collectSQLite(rows *sql.Rows) ([]Agent, error) {
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
