package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"coach_msg/server/tenantHub/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	tenant_id            TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	domain               TEXT UNIQUE,
	max_clients          INTEGER NOT NULL DEFAULT 0,
	max_coaches          INTEGER NOT NULL DEFAULT 0,
	feature_audio        BOOLEAN NOT NULL DEFAULT TRUE,
	feature_video        BOOLEAN NOT NULL DEFAULT FALSE,
	feature_file_sharing BOOLEAN NOT NULL DEFAULT TRUE,
	feature_analytics    BOOLEAN NOT NULL DEFAULT FALSE,
	billing_plan         TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'active',
	dedicated_redis_addr TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS tenant_stats (
	tenant_id      TEXT PRIMARY KEY REFERENCES tenants(tenant_id) ON DELETE CASCADE,
	active_clients BIGINT NOT NULL DEFAULT 0,
	active_coaches BIGINT NOT NULL DEFAULT 0,
	messages_sent  BIGINT NOT NULL DEFAULT 0,
	storage_used   BIGINT NOT NULL DEFAULT 0,
	last_activity  TIMESTAMPTZ
);
`

const tenantColumns = `tenant_id, name, domain, max_clients, max_coaches,
	feature_audio, feature_video, feature_file_sharing, feature_analytics,
	billing_plan, status, dedicated_redis_addr, created_at, updated_at`

// PostgresRepository stores tenants in the tenants/tenant_stats tables. The
// UNIQUE constraint on domain is the uniqueness guarantee; a NULL domain is
// an unbound tenant.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schema)
	return err
}

func (r *PostgresRepository) Create(ctx context.Context, t domain.Tenant) (domain.Tenant, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO tenants(
			tenant_id, name, domain, max_clients, max_coaches,
			feature_audio, feature_video, feature_file_sharing, feature_analytics,
			billing_plan, status, dedicated_redis_addr, created_at, updated_at
		)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		RETURNING created_at, updated_at
	`, t.ID, t.Name, nullableDomain(t.Domain), t.Limits.MaxClients, t.Limits.MaxCoaches,
		t.Features.Audio, t.Features.Video, t.Features.FileSharing, t.Features.Analytics,
		t.BillingPlan, string(t.Status), t.DedicatedRedisAddr, t.CreatedAt,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Tenant{}, mapWriteError(err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO tenant_stats(tenant_id) VALUES($1)`, t.ID); err != nil {
		return domain.Tenant{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Tenant{}, err
	}
	return t, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (domain.Tenant, error) {
	row := r.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE tenant_id = $1`, id)
	return scanTenant(row)
}

func (r *PostgresRepository) GetByDomain(ctx context.Context, d string) (domain.Tenant, error) {
	row := r.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE domain = $1`, d)
	return scanTenant(row)
}

func (r *PostgresRepository) Update(ctx context.Context, id string, fn func(domain.Tenant) (domain.Tenant, error)) (domain.Tenant, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer tx.Rollback(ctx)

	current, err := scanTenant(tx.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE tenant_id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.Tenant{}, err
	}
	next, err := fn(current)
	if err != nil {
		return domain.Tenant{}, err
	}
	next.ID = current.ID

	err = tx.QueryRow(ctx, `
		UPDATE tenants
		SET
			name = $2,
			domain = $3,
			max_clients = $4,
			max_coaches = $5,
			feature_audio = $6,
			feature_video = $7,
			feature_file_sharing = $8,
			feature_analytics = $9,
			billing_plan = $10,
			status = $11,
			dedicated_redis_addr = $12,
			updated_at = $13
		WHERE tenant_id = $1
		RETURNING updated_at
	`, id, next.Name, nullableDomain(next.Domain), next.Limits.MaxClients, next.Limits.MaxCoaches,
		next.Features.Audio, next.Features.Video, next.Features.FileSharing, next.Features.Analytics,
		next.BillingPlan, string(next.Status), next.DedicatedRedisAddr, next.UpdatedAt,
	).Scan(&next.UpdatedAt)
	if err != nil {
		return domain.Tenant{}, mapWriteError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Tenant{}, err
	}
	return next, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM tenants WHERE tenant_id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, filter domain.ListFilter) ([]domain.Tenant, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+tenantColumns+`
		FROM tenants
		WHERE ($1 = '' OR status = $1)
		ORDER BY tenant_id
		OFFSET $2 LIMIT $3
	`, string(filter.Status), filter.Offset, filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Tenant, 0)
	for rows.Next() {
		item, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *PostgresRepository) UpdateStats(ctx context.Context, id string, delta domain.StatsDelta, at time.Time) (domain.Stats, error) {
	query := `
		UPDATE tenant_stats
		SET active_clients = active_clients + $2,
		    active_coaches = active_coaches + $3,
		    messages_sent = messages_sent + $4,
		    storage_used = storage_used + $5,
		    last_activity = $6
		WHERE tenant_id = $1
		RETURNING active_clients, active_coaches, messages_sent, storage_used, last_activity
	`
	if delta.Overwrite {
		query = `
		UPDATE tenant_stats
		SET active_clients = $2, active_coaches = $3, messages_sent = $4, storage_used = $5, last_activity = $6
		WHERE tenant_id = $1
		RETURNING active_clients, active_coaches, messages_sent, storage_used, last_activity
	`
	}
	row := r.db.QueryRow(ctx, query, id, delta.ActiveClients, delta.ActiveCoaches, delta.MessagesSent, delta.StorageUsed, at)
	return scanStats(row)
}

func (r *PostgresRepository) GetStats(ctx context.Context, id string) (domain.Stats, error) {
	row := r.db.QueryRow(ctx, `
		SELECT active_clients, active_coaches, messages_sent, storage_used, last_activity
		FROM tenant_stats
		WHERE tenant_id = $1
	`, id)
	return scanStats(row)
}

func scanTenant(row pgx.Row) (domain.Tenant, error) {
	var (
		t      domain.Tenant
		d      *string
		status string
	)
	err := row.Scan(
		&t.ID,
		&t.Name,
		&d,
		&t.Limits.MaxClients,
		&t.Limits.MaxCoaches,
		&t.Features.Audio,
		&t.Features.Video,
		&t.Features.FileSharing,
		&t.Features.Analytics,
		&t.BillingPlan,
		&status,
		&t.DedicatedRedisAddr,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tenant{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Tenant{}, err
	}
	if d != nil {
		t.Domain = *d
	}
	t.Status = domain.Status(status)
	return t, nil
}

func scanStats(row pgx.Row) (domain.Stats, error) {
	var (
		s    domain.Stats
		last *time.Time
	)
	err := row.Scan(&s.ActiveClients, &s.ActiveCoaches, &s.MessagesSent, &s.StorageUsed, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Stats{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Stats{}, err
	}
	if last != nil {
		s.LastActivity = *last
	}
	return s, nil
}

func nullableDomain(d string) *string {
	if d == "" {
		return nil
	}
	return &d
}

const uniqueViolation = "23505"

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	if pgErr.ConstraintName == "tenants_domain_key" {
		return domain.ErrDuplicateDomain
	}
	return domain.ErrAlreadyExists
}
