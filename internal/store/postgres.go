package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// ExecSQL executes raw SQL (used for schema bootstrap).
// Caller is responsible for idempotency (schema.sql should be).
func (s *Postgres) ExecSQL(ctx context.Context, sql string) error {
	_, err := s.pool.Exec(ctx, sql)
	return err
}

const agentColumns = `
	id, owner_id, name, COALESCE(description,''), status,
	llm_provider, llm_model,
	bot_token_encrypted, COALESCE(api_key_encrypted,''), gateway_token_hash,
	subdomain, deploy_region,
	COALESCE(instance_id,''), COALESCE(instance_ip,''), COALESCE(gateway_url,''),
	provisioning_started_at, provisioning_completed_at, heartbeat_at,
	provisioning_logs, COALESCE(last_error,''),
	created_at, updated_at`

func (s *Postgres) Create(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	logs, err := json.Marshal(nonNilLogs(a.ProvisioningLogs))
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO cb.agents (
			id, owner_id, name, description, status, llm_provider, llm_model,
			bot_token_encrypted, api_key_encrypted, gateway_token_hash,
			subdomain, deploy_region, provisioning_started_at, provisioning_logs)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14::jsonb)
		RETURNING created_at, updated_at
	`, a.ID, a.OwnerID, a.Name, nullIfEmpty(a.Description), string(a.Status), a.LLMProvider, a.LLMModel,
		a.BotTokenEncrypted, nullIfEmpty(a.APIKeyEncrypted), a.GatewayTokenHash,
		a.Subdomain, a.DeployRegion, timeOrNil(a.ProvisioningStartedAt), string(logs),
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("%w: insert agent: %s (%s)", ErrPersistence, pgErr.Message, pgErr.Code)
		}
		return fmt.Errorf("%w: insert agent: %v", ErrPersistence, err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM cb.agents WHERE id=$1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// Update merges the non-nil fields of upd. Logs are concatenated in SQL so
// concurrent appenders never overwrite each other.
func (s *Postgres) Update(ctx context.Context, id string, upd AgentUpdate) error {
	if upd.empty() {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return nil
	}
	logs, err := json.Marshal(nonNilLogs(upd.Logs))
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE cb.agents SET
		  status=COALESCE($2,status),
		  instance_id=COALESCE($3,instance_id),
		  instance_ip=COALESCE($4,instance_ip),
		  gateway_url=COALESCE($5,gateway_url),
		  provisioning_completed_at=COALESCE($6,provisioning_completed_at),
		  last_error=COALESCE($7,last_error),
		  provisioning_logs=provisioning_logs || $8::jsonb,
		  updated_at=now()
		WHERE id=$1
	`, id, statusOrNil(upd.Status), strOrNil(upd.InstanceID), strOrNil(upd.InstanceIP),
		strOrNil(upd.GatewayURL), timeOrNil(upd.ProvisioningCompletedAt), strOrNil(upd.LastError), string(logs))
	if err != nil {
		return fmt.Errorf("%w: update agent: %v", ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) AppendLog(ctx context.Context, id string, entries ...LogEntry) error {
	return s.Update(ctx, id, AgentUpdate{Logs: entries})
}

func (s *Postgres) TransitionStatus(ctx context.Context, id string, from []Status, to Status, upd AgentUpdate) error {
	logs, err := json.Marshal(nonNilLogs(upd.Logs))
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE cb.agents SET
		  status=$2,
		  instance_id=COALESCE($3,instance_id),
		  instance_ip=COALESCE($4,instance_ip),
		  gateway_url=COALESCE($5,gateway_url),
		  provisioning_completed_at=COALESCE($6,provisioning_completed_at),
		  last_error=COALESCE($7,last_error),
		  provisioning_logs=provisioning_logs || $8::jsonb,
		  updated_at=now()
		WHERE id=$1 AND status = ANY($9)
	`, id, string(to), strOrNil(upd.InstanceID), strOrNil(upd.InstanceIP),
		strOrNil(upd.GatewayURL), timeOrNil(upd.ProvisioningCompletedAt), strOrNil(upd.LastError),
		string(logs), statusStrings(from))
	if err != nil {
		return fmt.Errorf("%w: transition agent: %v", ErrPersistence, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrConflict, id, cur.Status)
}

func (s *Postgres) Heartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE cb.agents SET heartbeat_at=$2 WHERE id=$1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("%w: heartbeat: %v", ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) List(ctx context.Context, ownerID string) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+`
		FROM cb.agents
		WHERE owner_id=$1 AND status <> 'destroyed'
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectAgents(rows)
}

func (s *Postgres) ListStale(ctx context.Context, status Status, before time.Time) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+`
		FROM cb.agents
		WHERE status=$1 AND COALESCE(heartbeat_at, provisioning_started_at) < $2
		ORDER BY created_at
	`, string(status), before.UTC())
	if err != nil {
		return nil, err
	}
	return collectAgents(rows)
}

func collectAgents(rows pgx.Rows) ([]Agent, error) {
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	var status string
	var logs []byte
	if err := row.Scan(
		&a.ID, &a.OwnerID, &a.Name, &a.Description, &status,
		&a.LLMProvider, &a.LLMModel,
		&a.BotTokenEncrypted, &a.APIKeyEncrypted, &a.GatewayTokenHash,
		&a.Subdomain, &a.DeployRegion,
		&a.InstanceID, &a.InstanceIP, &a.GatewayURL,
		&a.ProvisioningStartedAt, &a.ProvisioningCompletedAt, &a.HeartbeatAt,
		&logs, &a.LastError,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if err := json.Unmarshal(jsonOrArray(logs), &a.ProvisioningLogs); err != nil {
		return nil, fmt.Errorf("decode provisioning_logs: %w", err)
	}
	return &a, nil
}

func nonNilLogs(l []LogEntry) []LogEntry {
	if l == nil {
		return []LogEntry{}
	}
	return l
}

func jsonOrArray(b []byte) []byte {
	if len(b) == 0 {
		return []byte("[]")
	}
	return b
}
