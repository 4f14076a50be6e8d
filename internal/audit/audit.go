// Package audit records per-user activity in monthly shards and archives
// shards once they fall out of the retention window.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"llacademy.ng/internal/blob"
	"llacademy.ng/internal/ids"
	"llacademy.ng/internal/obs"
	"llacademy.ng/internal/retry"
)

const (
	defaultRetentionMonths = 3
	archivePrefix          = "audit/"
)

var defaultAppendPolicy = retry.Policy{Attempts: 8, Base: 2 * time.Millisecond, Max: 50 * time.Millisecond, Jitter: true}

// Log is the append-only activity log.
type Log struct {
	shards          ShardStore
	archive         blob.Store
	now             func() time.Time
	retentionMonths int
	appendPolicy    retry.Policy
	timeout         time.Duration
	onCleanup       func(CleanupResult)
}

// Option configures Log behavior.
type Option func(*Log) error

func WithClock(now func() time.Time) Option {
	return func(l *Log) error {
		if now == nil {
			return errors.New("audit: clock must not be nil")
		}
		l.now = now
		return nil
	}
}

// WithRetention sets how many whole months before the current one stay live.
func WithRetention(months int) Option {
	return func(l *Log) error {
		if months < 1 {
			return errors.New("audit: retention must be at least one month")
		}
		l.retentionMonths = months
		return nil
	}
}

// WithAppendPolicy bounds the optimistic retry loop of Append.
func WithAppendPolicy(p retry.Policy) Option {
	return func(l *Log) error {
		if p.Attempts < 1 {
			return errors.New("audit: append attempts must be positive")
		}
		l.appendPolicy = p
		return nil
	}
}

// WithTimeout bounds each store call.
func WithTimeout(d time.Duration) Option {
	return func(l *Log) error {
		l.timeout = d
		return nil
	}
}

// WithCleanupHook is called after every shard archived and dropped.
func WithCleanupHook(fn func(CleanupResult)) Option {
	return func(l *Log) error {
		l.onCleanup = fn
		return nil
	}
}

// New builds a Log. archive may be nil if cleanup is never run.
func New(shards ShardStore, archive blob.Store, opts ...Option) (*Log, error) {
	if shards == nil {
		return nil, errors.New("audit: shard store is required")
	}
	l := &Log{
		shards:          shards,
		archive:         archive,
		now:             time.Now,
		retentionMonths: defaultRetentionMonths,
		appendPolicy:    defaultAppendPolicy,
		timeout:         5 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Log) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.timeout)
}

// cutoff is the start of the oldest month still inside retention.
func (l *Log) cutoff() time.Time {
	now := l.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -l.retentionMonths, 0)
}

// Eligible reports whether shard is old enough to be archived and dropped.
// Appends to such a shard are refused, so cleanup never races a writer.
func (l *Log) Eligible(shard string) (bool, error) {
	start, err := ParseShard(shard)
	if err != nil {
		return false, err
	}
	return start.Before(l.cutoff()), nil
}

// Append records action for userID at time at. The shard and entry are
// chosen from at alone. Concurrent appends to the same entry are resolved
// by compare-and-swap on the entry version.
func (l *Log) Append(ctx context.Context, userID, action string, detail map[string]any, at time.Time) error {
	userID = strings.TrimSpace(userID)
	action = strings.TrimSpace(action)
	if userID == "" || action == "" {
		return errors.New("audit: user id and action are required")
	}
	if at.IsZero() {
		at = l.now()
	}
	at = at.UTC()
	shard := ShardFor(at)
	if closed, _ := l.Eligible(shard); closed {
		return fmt.Errorf("%w: %s", ErrShardClosed, shard)
	}
	key := EntryKey{UserID: userID, Date: DateOf(at)}
	act := Action{Name: action, OccurredAt: at, Detail: detail}

	err := retry.Do(ctx, l.appendPolicy, func(ctx context.Context, _ int) error {
		err := l.tryAppend(ctx, shard, key, act)
		if err == nil || errors.Is(err, ErrVersionConflict) {
			return err
		}
		return retry.Permanent(err)
	})
	switch {
	case err == nil:
		obs.AuditAppends.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, ErrVersionConflict):
		obs.AuditAppends.WithLabelValues("conflict").Inc()
		return fmt.Errorf("%w: %s/%s/%s", ErrShardWriteConflict, shard, key.UserID, key.Date)
	default:
		obs.AuditAppends.WithLabelValues("error").Inc()
		return fmt.Errorf("audit: append: %w", err)
	}
}

func (l *Log) tryAppend(ctx context.Context, shard string, key EntryKey, act Action) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	now := l.now().UTC()
	cur, err := l.shards.Get(ctx, shard, key)
	if errors.Is(err, ErrEntryNotFound) {
		return l.shards.Insert(ctx, shard, Entry{
			ID:        ids.NewAt(act.OccurredAt),
			UserID:    key.UserID,
			Date:      key.Date,
			Actions:   []Action{act},
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err != nil {
		return err
	}
	expected := cur.Version
	cur.Actions = append(cur.Actions, act)
	cur.UpdatedAt = now
	return l.shards.Update(ctx, shard, cur, expected)
}

// MaxQueryMonths bounds how many monthly shards one query may walk.
const MaxQueryMonths = 24

// EntriesForUser returns the user's entries whose date lies in [from, to],
// walking every monthly shard in the range. Ranges spanning more than
// MaxQueryMonths months fail with ErrRangeTooLarge.
func (l *Log) EntriesForUser(ctx context.Context, userID string, from, to time.Time) ([]Entry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("audit: user id is required")
	}
	if n := monthsSpanned(from, to); n > MaxQueryMonths {
		return nil, fmt.Errorf("%w: %d months, at most %d", ErrRangeTooLarge, n, MaxQueryMonths)
	}
	fromDate, toDate := DateOf(from), DateOf(to)
	var out []Entry
	for _, shard := range shardsBetween(from, to) {
		entries, err := l.listShard(ctx, shard, userID, fromDate, toDate)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (l *Log) listShard(ctx context.Context, shard, userID, fromDate, toDate string) ([]Entry, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	entries, err := l.shards.ListForUser(ctx, shard, userID, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("audit: list %s: %w", shard, err)
	}
	return entries, nil
}

// CleanupResult describes one archived shard.
type CleanupResult struct {
	Shard    string `json:"shard"`
	Entries  int    `json:"entries"`
	Archive  string `json:"archive"`
	Checksum string `json:"checksum,omitempty"`
	Bytes    int    `json:"bytes"`
}

type archiveDocument struct {
	Shard      string    `json:"shard"`
	ExportedAt time.Time `json:"exported_at"`
	Entries    []Entry   `json:"entries"`
}

// ArchiveName is the blob name a shard is exported to.
func ArchiveName(shard string) string {
	return archivePrefix + shard + ".json.gz"
}

// CleanupShard exports shard to the archive, reads the export back to verify
// it, and only then drops the shard. A failed attempt can simply be rerun.
func (l *Log) CleanupShard(ctx context.Context, shard string) (CleanupResult, error) {
	res, err := l.cleanupShard(ctx, shard)
	if err != nil {
		obs.AuditShardCleanups.WithLabelValues("error").Inc()
		obs.Error("audit shard cleanup failed", map[string]any{"shard": shard, "error": err})
		return res, err
	}
	obs.AuditShardCleanups.WithLabelValues("ok").Inc()
	obs.Info("audit shard archived", map[string]any{"shard": shard, "entries": res.Entries, "archive": res.Archive})
	if l.onCleanup != nil {
		l.onCleanup(res)
	}
	return res, nil
}

func (l *Log) cleanupShard(ctx context.Context, shard string) (CleanupResult, error) {
	res := CleanupResult{Shard: shard, Archive: ArchiveName(shard)}
	eligible, err := l.Eligible(shard)
	if err != nil {
		return res, err
	}
	if !eligible {
		return res, fmt.Errorf("%w: %s is within %d months retention", ErrShardNotEligible, shard, l.retentionMonths)
	}
	if l.archive == nil {
		return res, errors.New("audit: no archive configured")
	}

	entries, err := l.export(ctx, shard)
	if err != nil {
		return res, err
	}
	res.Entries = len(entries)
	if len(entries) == 0 {
		// Either never written or dropped by an earlier run. Never overwrite
		// an existing archive with an empty export.
		return res, l.drop(ctx, shard)
	}

	doc, err := json.Marshal(archiveDocument{Shard: shard, ExportedAt: l.now().UTC(), Entries: entries})
	if err != nil {
		return res, fmt.Errorf("audit: encode shard %s: %w", shard, err)
	}
	packed, err := blob.Gzip(doc)
	if err != nil {
		return res, err
	}
	res.Checksum = blob.Checksum(packed)
	res.Bytes = len(packed)

	err = retry.Do(ctx, retry.Default, func(ctx context.Context, _ int) error {
		ctx, cancel := l.withTimeout(ctx)
		defer cancel()
		return l.archive.Put(ctx, res.Archive, packed)
	})
	if err != nil {
		return res, fmt.Errorf("audit: upload %s: %w", res.Archive, err)
	}
	if err := l.verifyArchive(ctx, res, len(entries)); err != nil {
		return res, err
	}
	return res, l.drop(ctx, shard)
}

func (l *Log) export(ctx context.Context, shard string) ([]Entry, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	entries, err := l.shards.Export(ctx, shard)
	if err != nil {
		return nil, fmt.Errorf("audit: export %s: %w", shard, err)
	}
	return entries, nil
}

func (l *Log) drop(ctx context.Context, shard string) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	if err := l.shards.Drop(ctx, shard); err != nil {
		return fmt.Errorf("audit: drop %s: %w", shard, err)
	}
	return nil
}

func (l *Log) verifyArchive(ctx context.Context, res CleanupResult, wantEntries int) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	stored, err := l.archive.Get(ctx, res.Archive)
	if err != nil {
		return fmt.Errorf("%w: read back %s: %v", ErrArchiveVerification, res.Archive, err)
	}
	if got := blob.Checksum(stored); got != res.Checksum {
		return fmt.Errorf("%w: checksum %s, want %s", ErrArchiveVerification, got, res.Checksum)
	}
	raw, err := blob.Gunzip(stored)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveVerification, err)
	}
	var doc archiveDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrArchiveVerification, err)
	}
	if doc.Shard != res.Shard || len(doc.Entries) != wantEntries {
		return fmt.Errorf("%w: archive holds %d entries of %s", ErrArchiveVerification, len(doc.Entries), doc.Shard)
	}
	return nil
}

// EligibleShards lists live shards past the retention window.
func (l *Log) EligibleShards(ctx context.Context) ([]string, error) {
	shards, err := l.shards.Shards(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: list shards: %w", err)
	}
	var out []string
	for _, shard := range shards {
		if ok, err := l.Eligible(shard); err == nil && ok {
			out = append(out, shard)
		}
	}
	return out, nil
}

// CleanupExpired archives every eligible shard. It keeps going after a
// failure and returns the joined errors.
func (l *Log) CleanupExpired(ctx context.Context) ([]CleanupResult, error) {
	shards, err := l.EligibleShards(ctx)
	if err != nil {
		return nil, err
	}
	var (
		results []CleanupResult
		errs    []error
	)
	for _, shard := range shards {
		res, err := l.CleanupShard(ctx, shard)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}
