package jobs

import (
	"context"
	"time"

	"llacademy.ng/internal/audit"
	"llacademy.ng/internal/backup"
	"llacademy.ng/internal/content"
	"llacademy.ng/internal/obs"
)

// Job names.
const (
	NameRevocationPurge  = "revocation_purge"
	NameContentReconcile = "content_reconcile"
	NameAuditCleanup     = "audit_cleanup"
	NameBackup           = "backup"
)

type RevocationPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context) (content.ReconcileResult, error)
}

type ShardCleaner interface {
	CleanupExpired(ctx context.Context) ([]audit.CleanupResult, error)
}

type BackupRunner interface {
	RunBackup(ctx context.Context, now time.Time) (backup.Record, error)
	PruneRemote(ctx context.Context, now time.Time) ([]string, error)
}

func RevocationPurge(p RevocationPurger, every time.Duration) Job {
	return Job{
		Name:     NameRevocationPurge,
		Interval: every,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			n, err := p.PurgeExpired(ctx)
			if err == nil && n > 0 {
				obs.Info("purged expired revocations", map[string]any{"count": n})
			}
			return err
		},
	}
}

// ContentReconcile also runs once at startup to heal anything a crash left.
func ContentReconcile(r Reconciler, every time.Duration) Job {
	return Job{
		Name:       NameContentReconcile,
		Interval:   every,
		Timeout:    2 * time.Minute,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			_, err := r.Reconcile(ctx)
			return err
		},
	}
}

func AuditCleanup(c ShardCleaner, every time.Duration) Job {
	return Job{
		Name:     NameAuditCleanup,
		Interval: every,
		Timeout:  30 * time.Minute,
		Run: func(ctx context.Context) error {
			results, err := c.CleanupExpired(ctx)
			for _, res := range results {
				obs.Info("audit shard archived", map[string]any{"shard": res.Shard, "entries": res.Entries, "archive": res.Archive})
			}
			return err
		},
	}
}

// Backup takes a backup, then prunes old remote copies. A failed backup
// skips pruning.
func Backup(b BackupRunner, every time.Duration) Job {
	return Job{
		Name:     NameBackup,
		Interval: every,
		Timeout:  time.Hour,
		Run: func(ctx context.Context) error {
			now := time.Now().UTC()
			if _, err := b.RunBackup(ctx, now); err != nil {
				return err
			}
			_, err := b.PruneRemote(ctx, now)
			return err
		},
	}
}
