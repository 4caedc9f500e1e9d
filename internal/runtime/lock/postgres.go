package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/ids"
)

// PgExecutor is the subset of pgx used by the Postgres locker. *pgxpool.Pool
// and *pgx.Conn satisfy it.
type PgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DefaultLockTable is the table holding Postgres leases.
const DefaultLockTable = "courier_locks"

// Postgres implements Locker on a lease table. A row is taken over only
// after its lease expired.
type Postgres struct {
	db    PgExecutor
	table string
	poll  time.Duration
}

// NewPostgres returns a locker storing leases in table.
func NewPostgres(db PgExecutor, table string) *Postgres {
	if table == "" {
		table = DefaultLockTable
	}
	return &Postgres{db: db, table: table, poll: DefaultPollInterval}
}

// EnsureSchema creates the lease table when it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	resource   TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`, p.table))
	if err != nil {
		return fmt.Errorf("create lock table %s: %w", p.table, err)
	}
	return nil
}

func (p *Postgres) Lock(ctx context.Context, resource string, ttl, wait time.Duration) (string, error) {
	id := ids.CreateULID()
	query := fmt.Sprintf(`INSERT INTO %[1]s (resource, owner, expires_at)
VALUES ($1, $2, now() + $3 * interval '1 millisecond')
ON CONFLICT (resource) DO UPDATE
SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE %[1]s.expires_at < now()`, p.table)

	err := acquire(ctx, wait, p.poll, func(ctx context.Context) (bool, error) {
		tag, err := p.db.Exec(ctx, query, resource, id, ttl.Milliseconds())
		if err != nil {
			return false, fmt.Errorf("postgres lock %s: %w", resource, err)
		}
		return tag.RowsAffected() == 1, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) Release(ctx context.Context, resource, id string) error {
	tag, err := p.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE resource = $1 AND owner = $2`, p.table), resource, id)
	if err != nil {
		return fmt.Errorf("postgres unlock %s: %w", resource, err)
	}
	if tag.RowsAffected() == 0 {
		return errspkg.ErrLockNotHeld
	}
	return nil
}
