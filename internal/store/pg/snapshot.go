package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"llacademy.ng/internal/audit"
	"llacademy.ng/internal/auth"
	"llacademy.ng/internal/backup"
)

const snapshotFormat = 1

// Snapshotter exports and restores users, revocations and every audit shard
// as one JSON document.
type Snapshotter struct {
	db *sql.DB
}

var _ backup.Snapshotter = (*Snapshotter)(nil)

type snapshotDocument struct {
	Format      int                      `json:"format"`
	TakenAt     time.Time                `json:"taken_at"`
	Users       []auth.User              `json:"users"`
	Revocations []auth.RevocationEntry   `json:"revocations"`
	Audit       map[string][]audit.Entry `json:"audit"`
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Snapshotter) Snapshot(ctx context.Context, w io.Writer) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	doc := snapshotDocument{Format: snapshotFormat, TakenAt: time.Now().UTC(), Audit: map[string][]audit.Entry{}}
	if doc.Users, err = snapshotUsers(ctx, tx); err != nil {
		return fmt.Errorf("snapshot users: %w", err)
	}
	if doc.Revocations, err = snapshotRevocations(ctx, tx); err != nil {
		return fmt.Errorf("snapshot revocations: %w", err)
	}
	shards, err := shardNames(ctx, tx)
	if err != nil {
		return fmt.Errorf("list audit shards: %w", err)
	}
	for _, shard := range shards {
		table, _ := shardTable(shard)
		rows, err := tx.QueryContext(ctx, `select `+entryColumns+` from `+table+` order by activity_date, user_id`)
		if err != nil {
			return fmt.Errorf("snapshot shard %s: %w", shard, err)
		}
		entries, err := collectEntries(rows)
		if err != nil {
			return fmt.Errorf("snapshot shard %s: %w", shard, err)
		}
		doc.Audit[shard] = entries
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(doc)
}

// Restore replaces users and audit shards with the document read from r.
// Revocations are merged: live entries stay and the document's are added, so a
// token revoked after the snapshot was taken stays revoked. It runs in one
// transaction; on any error nothing changes.
func (s *Snapshotter) Restore(ctx context.Context, r io.Reader) error {
	var doc snapshotDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if doc.Format != snapshotFormat {
		return fmt.Errorf("unsupported snapshot format %d", doc.Format)
	}
	shardKeys := make([]string, 0, len(doc.Audit))
	for shard := range doc.Audit {
		if _, err := shardTable(shard); err != nil {
			return err
		}
		shardKeys = append(shardKeys, shard)
	}
	sort.Strings(shardKeys)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from users`); err != nil {
		return err
	}
	for _, u := range doc.Users {
		if _, err := tx.ExecContext(ctx, `
			insert into users (id, email, role, external_id, display_name, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, u.ID, u.Email, string(u.Role), nullIfEmpty(u.ExternalID), u.DisplayName, u.CreatedAt.UTC(), u.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("restore user %s: %w", u.ID, err)
		}
	}
	for _, rev := range doc.Revocations {
		if _, err := tx.ExecContext(ctx, `
			insert into revocations (token_id, user_id, revoked_at, expires_at)
			values ($1, $2, $3, $4)
			on conflict (token_id) do nothing
		`, rev.TokenID, rev.UserID, rev.RevokedAt.UTC(), rev.ExpiresAt.UTC()); err != nil {
			return fmt.Errorf("restore revocation %s: %w", rev.TokenID, err)
		}
	}

	existing, err := shardNames(ctx, tx)
	if err != nil {
		return err
	}
	for _, shard := range existing {
		table, _ := shardTable(shard)
		if _, err := tx.ExecContext(ctx, `drop table if exists `+table); err != nil {
			return err
		}
	}
	for _, shard := range shardKeys {
		table, _ := shardTable(shard)
		if _, err := tx.ExecContext(ctx, shardDDL(table)); err != nil {
			return fmt.Errorf("create shard %s: %w", shard, err)
		}
		for _, e := range doc.Audit[shard] {
			actions, err := json.Marshal(e.Actions)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `insert into `+table+`
				(id, user_id, activity_date, actions, version, created_at, updated_at)
				values ($1, $2, $3, $4, $5, $6, $7)`,
				e.ID, e.UserID, e.Date, actions, e.Version, e.CreatedAt.UTC(), e.UpdatedAt.UTC()); err != nil {
				return fmt.Errorf("restore shard %s: %w", shard, err)
			}
		}
	}
	return tx.Commit()
}

func snapshotUsers(ctx context.Context, q querier) ([]auth.User, error) {
	rows, err := q.QueryContext(ctx, `select `+userColumns+` from users order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []auth.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func snapshotRevocations(ctx context.Context, q querier) ([]auth.RevocationEntry, error) {
	rows, err := q.QueryContext(ctx, `select token_id, user_id, revoked_at, expires_at from revocations order by token_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []auth.RevocationEntry{}
	for rows.Next() {
		var e auth.RevocationEntry
		if err := rows.Scan(&e.TokenID, &e.UserID, &e.RevokedAt, &e.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func shardNames(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		select table_name from information_schema.tables
		where table_schema = current_schema() and table_name like 'audit\_entries\_%'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return nil, err
		}
		if shard, ok := tableShard(table); ok {
			out = append(out, shard)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
