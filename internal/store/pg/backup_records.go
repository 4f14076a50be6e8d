package pg

import (
	"context"
	"database/sql"
	"errors"

	"llacademy.ng/internal/backup"
)

// BackupRecords implements backup.RecordStore.
type BackupRecords struct {
	db *sql.DB
}

var _ backup.RecordStore = (*BackupRecords)(nil)

const recordColumns = `id, kind, status, location, checksum, size, encrypted, source_id, error, started_at, finished_at`

func (b *BackupRecords) Save(ctx context.Context, r backup.Record) error {
	if r.ID == "" {
		return errors.New("backup record id is required")
	}
	_, err := b.db.ExecContext(ctx, `
		insert into backup_records (`+recordColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		on conflict (id) do update set
			status = excluded.status,
			location = excluded.location,
			checksum = excluded.checksum,
			size = excluded.size,
			encrypted = excluded.encrypted,
			error = excluded.error,
			finished_at = excluded.finished_at
	`, r.ID, string(r.Kind), string(r.Status), nullIfEmpty(r.Location), nullIfEmpty(r.Checksum), r.Size,
		r.Encrypted, nullIfEmpty(r.SourceID), nullIfEmpty(r.Error), r.StartedAt.UTC(), nullTime(r.FinishedAt))
	return err
}

func (b *BackupRecords) Get(ctx context.Context, id string) (backup.Record, error) {
	r, err := scanRecord(b.db.QueryRowContext(ctx, `select `+recordColumns+` from backup_records where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return backup.Record{}, backup.ErrRecordNotFound
	}
	return r, err
}

func (b *BackupRecords) List(ctx context.Context, limit int) ([]backup.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.db.QueryContext(ctx, `select `+recordColumns+` from backup_records
		order by started_at desc, id desc limit $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []backup.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(row rowScanner) (backup.Record, error) {
	var (
		r                                  backup.Record
		kind, status                       string
		location, checksum, source, errMsg sql.NullString
		finished                           sql.NullTime
	)
	if err := row.Scan(&r.ID, &kind, &status, &location, &checksum, &r.Size, &r.Encrypted, &source, &errMsg, &r.StartedAt, &finished); err != nil {
		return backup.Record{}, err
	}
	r.Kind = backup.Kind(kind)
	r.Status = backup.Status(status)
	r.Location = location.String
	r.Checksum = checksum.String
	r.SourceID = source.String
	r.Error = errMsg.String
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return r, nil
}
