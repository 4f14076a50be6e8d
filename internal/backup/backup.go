package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"filippo.io/age"

	"llacademy.ng/internal/blob"
	"llacademy.ng/internal/ids"
	"llacademy.ng/internal/obs"
	"llacademy.ng/internal/retry"
)

var (
	// ErrTransferFailed means every upload attempt failed. The run is
	// recorded as failed and an alert is raised.
	ErrTransferFailed       = errors.New("backup: transfer failed")
	ErrChecksumMismatch     = errors.New("backup: checksum mismatch")
	ErrConfirmationRequired = errors.New("backup: restore requires confirmation")
	ErrNotRestorable        = errors.New("backup: record is not a completed backup")
	ErrNoIdentity           = errors.New("backup: encrypted backup but no age identity configured")
	ErrInProgress           = errors.New("backup: another run is in progress")
)

const (
	remotePrefix = "backups/"
	namePrefix   = "cms_backup_"
	nameLayout   = "20060102_150405"
)

var defaultUploadPolicy = retry.Policy{Attempts: 4, Base: time.Second, Max: 30 * time.Second, Jitter: true}

// Coordinator takes logical backups of the relational store, ships them to
// remote storage and restores them on explicit operator request.
type Coordinator struct {
	snap       Snapshotter
	remote     blob.Store
	records    RecordStore
	alerter    Alerter
	recipients []age.Recipient
	identities []age.Identity
	policy     retry.Policy
	retention  time.Duration
	now        func() time.Time
	onDone     func(Record)

	running chan struct{}
}

type Option func(*Coordinator) error

// WithRecipients enables age encryption of every backup.
func WithRecipients(recipients ...age.Recipient) Option {
	return func(c *Coordinator) error {
		c.recipients = append(c.recipients, recipients...)
		return nil
	}
}

// WithIdentities supplies the keys used to decrypt backups on restore.
func WithIdentities(identities ...age.Identity) Option {
	return func(c *Coordinator) error {
		c.identities = append(c.identities, identities...)
		return nil
	}
}

func WithUploadPolicy(p retry.Policy) Option {
	return func(c *Coordinator) error {
		if p.Attempts < 1 {
			return errors.New("backup: upload attempts must be positive")
		}
		c.policy = p
		return nil
	}
}

// WithRetentionDays sets how long remote backups are kept by PruneRemote.
func WithRetentionDays(days int) Option {
	return func(c *Coordinator) error {
		if days < 1 {
			return errors.New("backup: retention must be at least one day")
		}
		c.retention = time.Duration(days) * 24 * time.Hour
		return nil
	}
}

func WithAlerter(a Alerter) Option {
	return func(c *Coordinator) error {
		c.alerter = a
		return nil
	}
}

// WithCompletionHook is called with every successful backup or restore.
func WithCompletionHook(fn func(Record)) Option {
	return func(c *Coordinator) error {
		c.onDone = fn
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) error {
		if now == nil {
			return errors.New("backup: clock must not be nil")
		}
		c.now = now
		return nil
	}
}

func New(snap Snapshotter, remote blob.Store, records RecordStore, opts ...Option) (*Coordinator, error) {
	if snap == nil || remote == nil || records == nil {
		return nil, errors.New("backup: snapshotter, remote store and record store are required")
	}
	c := &Coordinator{
		snap:      snap,
		remote:    remote,
		records:   records,
		alerter:   LogAlerter{},
		policy:    defaultUploadPolicy,
		retention: 30 * 24 * time.Hour,
		now:       time.Now,
		running:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ParseRecipients parses comma or whitespace separated age X25519 public keys.
func ParseRecipients(s string) ([]age.Recipient, error) {
	var out []age.Recipient
	for _, key := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' }) {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parse age recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// LoadIdentities reads an age identity file.
func LoadIdentities(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse age identities: %w", err)
	}
	return identities, nil
}

// ObjectName is the remote name of a backup taken at t.
func ObjectName(t time.Time, encrypted bool) string {
	name := remotePrefix + namePrefix + t.UTC().Format(nameLayout) + ".json.gz"
	if encrypted {
		name += ".age"
	}
	return name
}

func (c *Coordinator) acquire() bool {
	select {
	case c.running <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Coordinator) release() { <-c.running }

// RunBackup takes one backup. A zero now means the coordinator clock.
func (c *Coordinator) RunBackup(ctx context.Context, now time.Time) (Record, error) {
	if !c.acquire() {
		return Record{}, ErrInProgress
	}
	defer c.release()
	if now.IsZero() {
		now = c.now()
	}
	now = now.UTC()
	start := time.Now()
	defer func() { obs.BackupDuration.Observe(time.Since(start).Seconds()) }()

	rec := Record{
		ID:        ids.NewAt(now),
		Kind:      KindBackup,
		Status:    StatusPending,
		Encrypted: len(c.recipients) > 0,
		StartedAt: now,
	}
	if err := c.records.Save(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("backup: record start: %w", err)
	}

	payload, err := c.build(ctx)
	if err != nil {
		c.alerter.Alert(ctx, Alert{Kind: AlertSnapshotFailed, Message: "backup snapshot failed", At: now,
			Fields: map[string]any{"backup_id": rec.ID, "error": err.Error()}})
		return c.finish(ctx, rec, err)
	}
	rec.Size = int64(len(payload))
	rec.Checksum = blob.Checksum(payload)
	rec.Location = ObjectName(now, rec.Encrypted)

	err = retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		err := c.remote.Put(ctx, rec.Location, payload)
		if err != nil {
			obs.Warn("backup upload attempt failed", map[string]any{"backup_id": rec.ID, "attempt": attempt, "error": err})
		}
		return err
	})
	if err != nil {
		c.alerter.Alert(ctx, Alert{Kind: AlertTransferFailed, Message: "backup upload failed after retries", At: now,
			Fields: map[string]any{"backup_id": rec.ID, "location": rec.Location, "error": err.Error()}})
		return c.finish(ctx, rec, fmt.Errorf("%w: %w", ErrTransferFailed, err))
	}
	return c.finish(ctx, rec, nil)
}

// build produces snapshot -> gzip -> optional age encryption.
func (c *Coordinator) build(ctx context.Context) ([]byte, error) {
	var raw bytes.Buffer
	if err := c.snap.Snapshot(ctx, &raw); err != nil {
		return nil, err
	}
	packed, err := blob.Gzip(raw.Bytes())
	if err != nil {
		return nil, err
	}
	if len(c.recipients) == 0 {
		return packed, nil
	}
	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, c.recipients...)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(packed); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	return sealed.Bytes(), nil
}

func (c *Coordinator) finish(ctx context.Context, rec Record, runErr error) (Record, error) {
	rec.FinishedAt = c.now().UTC()
	rec.Status = StatusSucceeded
	if runErr != nil {
		rec.Status = StatusFailed
		rec.Error = runErr.Error()
	}
	obs.BackupRuns.WithLabelValues(string(rec.Status)).Inc()
	// the run outcome must be recorded even if the caller gave up
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.records.Save(saveCtx, rec); err != nil {
		return rec, errors.Join(runErr, fmt.Errorf("backup: record outcome: %w", err))
	}
	if runErr == nil {
		obs.Info("backup completed", map[string]any{"backup_id": rec.ID, "kind": rec.Kind, "location": rec.Location, "size": rec.Size})
		if c.onDone != nil {
			c.onDone(rec)
		}
	}
	return rec, runErr
}

// Restore replaces the relational data with the backup identified by
// backupID. confirm must repeat backupID.
func (c *Coordinator) Restore(ctx context.Context, backupID, confirm string) (Record, error) {
	if backupID == "" || confirm != backupID {
		return Record{}, ErrConfirmationRequired
	}
	src, err := c.records.Get(ctx, backupID)
	if err != nil {
		return Record{}, err
	}
	if src.Kind != KindBackup || src.Status != StatusSucceeded || src.Location == "" {
		return Record{}, ErrNotRestorable
	}
	if !c.acquire() {
		return Record{}, ErrInProgress
	}
	defer c.release()

	now := c.now().UTC()
	rec := Record{
		ID:        ids.NewAt(now),
		Kind:      KindRestore,
		Status:    StatusPending,
		SourceID:  src.ID,
		Location:  src.Location,
		Encrypted: src.Encrypted,
		StartedAt: now,
	}
	if err := c.records.Save(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("backup: record start: %w", err)
	}

	var payload []byte
	err = retry.Do(ctx, c.policy, func(ctx context.Context, _ int) error {
		data, err := c.remote.Get(ctx, src.Location)
		if errors.Is(err, blob.ErrNotFound) {
			return retry.Permanent(err)
		}
		payload = data
		return err
	})
	if err != nil {
		c.alerter.Alert(ctx, Alert{Kind: AlertRestoreFailed, Message: "restore download failed", At: now,
			Fields: map[string]any{"backup_id": src.ID, "error": err.Error()}})
		return c.finish(ctx, rec, fmt.Errorf("%w: %w", ErrTransferFailed, err))
	}
	rec.Size = int64(len(payload))
	rec.Checksum = blob.Checksum(payload)
	if rec.Checksum != src.Checksum {
		c.alerter.Alert(ctx, Alert{Kind: AlertChecksumMismatch, Message: "backup checksum mismatch, restore aborted", At: now,
			Fields: map[string]any{"backup_id": src.ID, "expected": src.Checksum, "actual": rec.Checksum}})
		return c.finish(ctx, rec, ErrChecksumMismatch)
	}

	if err := c.apply(ctx, src, payload); err != nil {
		c.alerter.Alert(ctx, Alert{Kind: AlertRestoreFailed, Message: "restore failed", At: now,
			Fields: map[string]any{"backup_id": src.ID, "error": err.Error()}})
		return c.finish(ctx, rec, err)
	}
	return c.finish(ctx, rec, nil)
}

func (c *Coordinator) apply(ctx context.Context, src Record, payload []byte) error {
	if src.Encrypted {
		if len(c.identities) == 0 {
			return ErrNoIdentity
		}
		r, err := age.Decrypt(bytes.NewReader(payload), c.identities...)
		if err != nil {
			return fmt.Errorf("age decrypt: %w", err)
		}
		if payload, err = io.ReadAll(r); err != nil {
			return fmt.Errorf("age decrypt: %w", err)
		}
	}
	raw, err := blob.Gunzip(payload)
	if err != nil {
		return err
	}
	return c.snap.Restore(ctx, bytes.NewReader(raw))
}

// List returns recent backup and restore records, newest first.
func (c *Coordinator) List(ctx context.Context, limit int) ([]Record, error) {
	return c.records.List(ctx, limit)
}

// PruneRemote deletes remote backups older than the retention window and
// returns the deleted names. Objects not named like backups are left alone.
func (c *Coordinator) PruneRemote(ctx context.Context, now time.Time) ([]string, error) {
	if now.IsZero() {
		now = c.now()
	}
	cutoff := now.UTC().Add(-c.retention)
	objects, err := c.remote.List(ctx, remotePrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	var deleted []string
	var errs []error
	for _, obj := range objects {
		taken, ok := parseObjectTime(obj.Name)
		if !ok || !taken.Before(cutoff) {
			continue
		}
		if err := c.remote.Delete(ctx, obj.Name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", obj.Name, err))
			continue
		}
		deleted = append(deleted, obj.Name)
	}
	if len(deleted) > 0 {
		obs.Info("pruned remote backups", map[string]any{"count": len(deleted), "cutoff": cutoff})
	}
	return deleted, errors.Join(errs...)
}

func parseObjectTime(name string) (time.Time, bool) {
	base := strings.TrimPrefix(name, remotePrefix)
	rest, ok := strings.CutPrefix(base, namePrefix)
	if !ok || len(rest) < len(nameLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(nameLayout, rest[:len(nameLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
