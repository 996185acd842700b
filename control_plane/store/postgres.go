package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Device Operations ---

func (s *PostgresStore) FindOrCreateDevice(ctx context.Context, tenant string, deviceID string, replyAddress string) (*Device, error) {
	query := `
		INSERT INTO devices (device_id, tenant, reply_address, created_at, last_seen_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (tenant, device_id) DO UPDATE SET
			reply_address = EXCLUDED.reply_address,
			last_seen_at = NOW()
		RETURNING device_id, tenant, COALESCE(security_token, ''), reply_address, created_at, last_seen_at
	`
	var d Device
	err := s.pool.QueryRow(ctx, query, deviceID, tenant, replyAddress).Scan(
		&d.DeviceID, &d.Tenant, &d.SecurityToken, &d.ReplyAddress, &d.CreatedAt, &d.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, tenant string, deviceID string) (*Device, error) {
	query := `
		SELECT device_id, tenant, COALESCE(security_token, ''), reply_address, created_at, last_seen_at
		FROM devices WHERE tenant = $1 AND device_id = $2
	`
	var d Device
	err := s.pool.QueryRow(ctx, query, tenant, deviceID).Scan(
		&d.DeviceID, &d.Tenant, &d.SecurityToken, &d.ReplyAddress, &d.CreatedAt, &d.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// --- Action Operations ---

const actionColumns = `action_id, tenant, device_id, distribution_set_id, status, active, created_at, updated_at`

func (s *PostgresStore) GetAction(ctx context.Context, tenant string, actionID string) (*Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE tenant = $1 AND action_id = $2`
	var a Action
	err := s.pool.QueryRow(ctx, query, tenant, actionID).Scan(
		&a.ActionID, &a.Tenant, &a.DeviceID, &a.DistributionSetID, &a.Status, &a.Active, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) FindActiveActions(ctx context.Context, tenant string, deviceID string) ([]*Action, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM actions WHERE tenant = $1 AND device_id = $2 AND active
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, tenant, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(
			&a.ActionID, &a.Tenant, &a.DeviceID, &a.DistributionSetID, &a.Status, &a.Active, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

func (s *PostgresStore) FindActionForDownload(ctx context.Context, tenant string, deviceID string, moduleID string) (*Action, error) {
	query := `
		SELECT a.action_id, a.tenant, a.device_id, a.distribution_set_id, a.status, a.active, a.created_at, a.updated_at
		FROM actions a
		JOIN software_modules m ON m.tenant = a.tenant AND m.distribution_set_id = a.distribution_set_id
		WHERE a.tenant = $1 AND a.device_id = $2 AND a.active AND m.module_id = $3
		ORDER BY a.created_at ASC
		LIMIT 1
	`
	var a Action
	err := s.pool.QueryRow(ctx, query, tenant, deviceID, moduleID).Scan(
		&a.ActionID, &a.Tenant, &a.DeviceID, &a.DistributionSetID, &a.Status, &a.Active, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) RecordStatusUpdate(ctx context.Context, tenant string, event *ActionStatusEvent, status Status, active bool) (*Action, error) {
	return s.record(ctx, tenant, event, status, active, false)
}

func (s *PostgresStore) RecordCancelStatus(ctx context.Context, tenant string, event *ActionStatusEvent) (*Action, error) {
	return s.record(ctx, tenant, event, StatusCanceled, false, true)
}

// record appends the status event and updates the action in a single
// transaction, giving the per-action atomicity the status handler relies
// on. The action row is locked for the duration of the transaction.
func (s *PostgresStore) record(ctx context.Context, tenant string, event *ActionStatusEvent, status Status, active bool, cancel bool) (*Action, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	lockQuery := `SELECT action_id FROM actions WHERE tenant = $1 AND action_id = $2 FOR UPDATE`
	var locked string
	if err := tx.QueryRow(ctx, lockQuery, tenant, event.ActionID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	insertQuery := `
		INSERT INTO action_status_events (event_id, action_id, tenant, status, message, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.Exec(ctx, insertQuery,
		event.EventID, event.ActionID, tenant, event.Status, event.Message, event.OccurredAt,
	); err != nil {
		return nil, err
	}

	updateQuery := `
		UPDATE actions SET status = $3, active = $4, updated_at = NOW()
		WHERE tenant = $1 AND action_id = $2
		RETURNING ` + actionColumns
	if cancel {
		// Dedicated cancel path: close the outstanding cancel marker so
		// the management side stops offering the cancellation.
		updateQuery = `
			UPDATE actions SET status = $3, active = $4, updated_at = NOW(), cancel_requested_at = NULL
			WHERE tenant = $1 AND action_id = $2
			RETURNING ` + actionColumns
	}
	var a Action
	if err := tx.QueryRow(ctx, updateQuery, tenant, event.ActionID, status, active).Scan(
		&a.ActionID, &a.Tenant, &a.DeviceID, &a.DistributionSetID, &a.Status, &a.Active, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListStatusEvents(ctx context.Context, tenant string, actionID string) ([]*ActionStatusEvent, error) {
	query := `
		SELECT event_id, action_id, tenant, status, message, occurred_at
		FROM action_status_events WHERE tenant = $1 AND action_id = $2
		ORDER BY occurred_at ASC
	`
	rows, err := s.pool.Query(ctx, query, tenant, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ActionStatusEvent
	for rows.Next() {
		var e ActionStatusEvent
		if err := rows.Scan(&e.EventID, &e.ActionID, &e.Tenant, &e.Status, &e.Message, &e.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// --- Distribution Operations ---

func (s *PostgresStore) ListSoftwareModules(ctx context.Context, tenant string, distributionSetID string) ([]*SoftwareModule, error) {
	query := `
		SELECT module_id, tenant, distribution_set_id, name, version, type
		FROM software_modules WHERE tenant = $1 AND distribution_set_id = $2
		ORDER BY module_id ASC
	`
	rows, err := s.pool.Query(ctx, query, tenant, distributionSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var modules []*SoftwareModule
	for rows.Next() {
		var m SoftwareModule
		if err := rows.Scan(&m.ModuleID, &m.Tenant, &m.DistributionSetID, &m.Name, &m.Version, &m.Type); err != nil {
			return nil, err
		}
		modules = append(modules, &m)
	}
	return modules, rows.Err()
}

func (s *PostgresStore) FindArtifactBySHA1(ctx context.Context, tenant string, sha1 string) (*ArtifactMeta, error) {
	query := `
		SELECT sha1, md5, tenant, module_id, filename, size, created_at, last_modified_at
		FROM artifacts WHERE tenant = $1 AND sha1 = $2
	`
	var m ArtifactMeta
	err := s.pool.QueryRow(ctx, query, tenant, sha1).Scan(
		&m.SHA1, &m.MD5, &m.Tenant, &m.ModuleID, &m.Filename, &m.Size, &m.CreatedAt, &m.LastModifiedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
