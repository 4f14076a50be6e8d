package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"llacademy.ng/internal/audit"
)

const auditTablePrefix = "audit_entries_"

// AuditShards implements audit.ShardStore with one table per month. A table
// is created by the first insert into its month.
type AuditShards struct {
	db *sql.DB
}

var _ audit.ShardStore = (*AuditShards)(nil)

// shardTable maps "2024-06" to "audit_entries_2024_06". The shard key is
// validated first, so the result is safe to splice into SQL.
func shardTable(shard string) (string, error) {
	if _, err := audit.ParseShard(shard); err != nil {
		return "", err
	}
	return auditTablePrefix + strings.ReplaceAll(shard, "-", "_"), nil
}

func tableShard(table string) (string, bool) {
	rest, ok := strings.CutPrefix(table, auditTablePrefix)
	if !ok {
		return "", false
	}
	shard := strings.Replace(rest, "_", "-", 1)
	if _, err := audit.ParseShard(shard); err != nil {
		return "", false
	}
	return shard, true
}

func shardDDL(table string) string {
	return fmt.Sprintf(`
		create table if not exists %[1]s (
			id text primary key,
			user_id text not null,
			activity_date date not null,
			actions jsonb not null default '[]',
			version bigint not null default 1,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now(),
			unique (user_id, activity_date)
		)`, table)
}

const entryColumns = `id, user_id, activity_date::text, actions, version, created_at, updated_at`

func (a *AuditShards) Get(ctx context.Context, shard string, key audit.EntryKey) (audit.Entry, error) {
	table, err := shardTable(shard)
	if err != nil {
		return audit.Entry{}, err
	}
	row := a.db.QueryRowContext(ctx, `select `+entryColumns+` from `+table+`
		where user_id = $1 and activity_date = $2`, key.UserID, key.Date)
	e, err := scanEntry(row)
	switch {
	case errors.Is(err, sql.ErrNoRows), isPgCode(err, pgErrUndefinedTable):
		return audit.Entry{}, audit.ErrEntryNotFound
	case err != nil:
		return audit.Entry{}, err
	}
	return e, nil
}

func (a *AuditShards) Insert(ctx context.Context, shard string, e audit.Entry) error {
	table, err := shardTable(shard)
	if err != nil {
		return err
	}
	actions, err := json.Marshal(e.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, shardDDL(table)); err != nil {
		return fmt.Errorf("create shard %s: %w", shard, err)
	}
	_, err = a.db.ExecContext(ctx, `insert into `+table+`
		(id, user_id, activity_date, actions, version, created_at, updated_at)
		values ($1, $2, $3, $4, 1, $5, $6)`,
		e.ID, e.UserID, e.Date, actions, e.CreatedAt.UTC(), e.UpdatedAt.UTC())
	if isPgCode(err, pgErrUniqueViolation) {
		return audit.ErrVersionConflict
	}
	return err
}

func (a *AuditShards) Update(ctx context.Context, shard string, e audit.Entry, expected int64) error {
	table, err := shardTable(shard)
	if err != nil {
		return err
	}
	actions, err := json.Marshal(e.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	res, err := a.db.ExecContext(ctx, `update `+table+`
		set actions = $1, version = version + 1, updated_at = $2
		where user_id = $3 and activity_date = $4 and version = $5`,
		actions, e.UpdatedAt.UTC(), e.UserID, e.Date, expected)
	return expectOne(res, err, audit.ErrVersionConflict)
}

func (a *AuditShards) ListForUser(ctx context.Context, shard, userID, fromDate, toDate string) ([]audit.Entry, error) {
	table, err := shardTable(shard)
	if err != nil {
		return nil, err
	}
	rows, err := a.db.QueryContext(ctx, `select `+entryColumns+` from `+table+`
		where user_id = $1 and activity_date between $2 and $3
		order by activity_date`, userID, fromDate, toDate)
	if isPgCode(err, pgErrUndefinedTable) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (a *AuditShards) Shards(ctx context.Context) ([]string, error) {
	return shardNames(ctx, a.db)
}

func (a *AuditShards) Export(ctx context.Context, shard string) ([]audit.Entry, error) {
	table, err := shardTable(shard)
	if err != nil {
		return nil, err
	}
	rows, err := a.db.QueryContext(ctx, `select `+entryColumns+` from `+table+`
		order by activity_date, user_id`)
	if isPgCode(err, pgErrUndefinedTable) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (a *AuditShards) Drop(ctx context.Context, shard string) error {
	table, err := shardTable(shard)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `drop table if exists `+table)
	return err
}

func collectEntries(rows *sql.Rows) ([]audit.Entry, error) {
	defer rows.Close()
	var out []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row rowScanner) (audit.Entry, error) {
	var (
		e       audit.Entry
		actions []byte
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.Date, &actions, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return audit.Entry{}, err
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &e.Actions); err != nil {
			return audit.Entry{}, fmt.Errorf("decode actions: %w", err)
		}
	}
	return e, nil
}
