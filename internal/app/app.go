// Package app assembles the CMS services from configuration. It is shared by
// the API server and the operator CLI so both act on the same stores.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"llacademy.ng/internal/audit"
	"llacademy.ng/internal/auth"
	"llacademy.ng/internal/backup"
	"llacademy.ng/internal/blob"
	"llacademy.ng/internal/config"
	"llacademy.ng/internal/content"
	"llacademy.ng/internal/httpapi"
	"llacademy.ng/internal/identity"
	"llacademy.ng/internal/jobs"
	"llacademy.ng/internal/kv"
	"llacademy.ng/internal/obs"
	"llacademy.ng/internal/store/pg"
	"llacademy.ng/internal/stream"
)

// devSecret signs tokens in development when JWT_SECRET is unset.
const devSecret = "llacademy-development-secret-not-for-production"

// App holds every long-lived service.
type App struct {
	Config   config.Config
	DB       *pg.Store // nil in memory mode
	KV       kv.Store
	Remote   blob.Store
	Auth     *auth.Service
	Identity identity.Provider
	Content  *content.Store
	Audit    *audit.Log
	Backup   *backup.Coordinator // nil when backups are disabled
	Events   *stream.Stream
	Jobs     *jobs.Runner

	closers []func() error
}

// Build opens the stores named by cfg and wires the services on top.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg, Events: stream.New()}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	var (
		users   auth.UserStore
		revs    auth.RevocationStore
		shards  audit.ShardStore
		records backup.RecordStore
	)
	switch {
	case cfg.DatabaseURL != "":
		db, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)
		users, revs, shards, records = db.Users(), db.Revocations(), db.AuditShards(), db.BackupRecords()
	case cfg.IsDevelopment():
		obs.Warn("DATABASE_URL not set, using in-memory stores", nil)
		users, revs, shards, records = auth.NewMemoryUsers(), auth.NewMemoryRevocations(), audit.NewMemoryShards(), backup.NewMemoryRecords()
	default:
		return errors.New("DATABASE_URL is required outside development")
	}

	if err := a.openKV(ctx); err != nil {
		return err
	}
	if err := a.openRemote(); err != nil {
		return err
	}

	secret := []byte(cfg.Auth.Secret)
	if len(secret) == 0 {
		obs.Warn("JWT_SECRET not set, using the development secret", nil)
		secret = []byte(devSecret)
	}
	tokens, err := auth.NewTokenService(secret, revs,
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
		auth.WithLookupTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return err
	}
	if a.Auth, err = auth.NewService(users, tokens); err != nil {
		return err
	}
	if cfg.IsDevelopment() && cfg.Auth.AdminEmail != "" {
		if _, err := a.Auth.EnsureAdmin(ctx, cfg.Auth.AdminEmail); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
	}

	if err := a.openIdentity(ctx); err != nil {
		return err
	}

	previewKey, err := auth.DeriveKey(secret, auth.DomainPreview)
	if err != nil {
		return err
	}
	a.Content, err = content.New(a.KV,
		content.WithCache(cfg.Content.CacheSize, cfg.Content.CacheTTL),
		content.WithTimeout(cfg.StoreTimeout),
		content.WithPreviewKey(previewKey),
		content.WithRepairHook(func(res content.ReconcileResult) {
			a.Events.Publish(stream.Event{
				Kind:      stream.KindIndexRepaired,
				Message:   "blog index repaired",
				Fields:    map[string]any{"added": res.Added, "removed": res.Removed, "updated": res.Updated},
				Timestamp: time.Now().UTC(),
			})
		}),
	)
	if err != nil {
		return err
	}

	a.Audit, err = audit.New(shards, a.Remote,
		audit.WithRetention(cfg.Audit.RetentionMonths),
		audit.WithTimeout(cfg.StoreTimeout),
		audit.WithCleanupHook(func(res audit.CleanupResult) {
			a.Events.Publish(stream.Event{
				Kind:      stream.KindAuditCleanup,
				Message:   "audit shard archived",
				Fields:    map[string]any{"shard": res.Shard, "entries": res.Entries, "archive": res.Archive},
				Timestamp: time.Now().UTC(),
			})
		}),
	)
	if err != nil {
		return err
	}

	if err := a.openBackup(records); err != nil {
		return err
	}
	return a.scheduleJobs()
}

func (a *App) openKV(ctx context.Context) error {
	cfg := a.Config.KV
	switch cfg.Backend {
	case "memory":
		a.KV = kv.NewMemory()
	case "redis":
		r, err := kv.NewRedis(ctx, kv.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		a.KV = r
		a.closers = append(a.closers, r.Close)
	default:
		d, err := kv.NewDir(cfg.Dir)
		if err != nil {
			return err
		}
		a.KV = d
	}
	return nil
}

// openRemote selects SharePoint when configured, else a local directory.
// Backups and audit archives share it.
func (a *App) openRemote() error {
	sp := a.Config.Backup.SharePoint
	if sp.Enabled() {
		g, err := blob.NewGraph(blob.GraphOptions{
			TenantID:     sp.TenantID,
			ClientID:     sp.ClientID,
			ClientSecret: sp.ClientSecret,
			SiteID:       sp.SiteID,
			DriveID:      sp.DriveID,
		})
		if err != nil {
			return err
		}
		a.Remote = g
		return nil
	}
	d, err := blob.NewDir(a.Config.Backup.Dir)
	if err != nil {
		return err
	}
	a.Remote = d
	return nil
}

func (a *App) openIdentity(ctx context.Context) error {
	g := a.Config.Google
	switch {
	case g.Enabled():
		p, err := identity.NewGoogle(ctx, identity.GoogleConfig{
			ClientID:     g.ClientID,
			ClientSecret: g.ClientSecret,
			RedirectURI:  g.RedirectURI,
		})
		if err != nil {
			return err
		}
		a.Identity = p
	case a.Config.IsDevelopment():
		obs.Warn("google login not configured, using the static development provider", nil)
		a.Identity = identity.Static{RedirectURI: g.RedirectURI}
	default:
		obs.Warn("google login not configured, login is disabled", nil)
	}
	return nil
}

func (a *App) openBackup(records backup.RecordStore) error {
	cfg := a.Config.Backup
	if !cfg.Enabled {
		return nil
	}
	if a.DB == nil {
		obs.Warn("backups need a database, backup is disabled", nil)
		return nil
	}
	opts := []backup.Option{
		backup.WithRetentionDays(cfg.RetentionDays),
		backup.WithAlerter(backup.Alerters{backup.LogAlerter{}, backup.StreamAlerter{Stream: a.Events}}),
		backup.WithCompletionHook(func(rec backup.Record) {
			a.Events.Publish(stream.Event{
				Kind:      stream.KindBackupDone,
				Message:   string(rec.Kind) + " completed",
				Fields:    map[string]any{"id": rec.ID, "location": rec.Location, "size": rec.Size},
				Timestamp: rec.FinishedAt,
			})
		}),
	}
	if len(cfg.AgeRecipients) > 0 {
		recipients, err := backup.ParseRecipients(strings.Join(cfg.AgeRecipients, ","))
		if err != nil {
			return err
		}
		opts = append(opts, backup.WithRecipients(recipients...))
	}
	if cfg.AgeIdentityFile != "" {
		identities, err := backup.LoadIdentities(cfg.AgeIdentityFile)
		if err != nil {
			return err
		}
		opts = append(opts, backup.WithIdentities(identities...))
	}
	coord, err := backup.New(a.DB.Snapshotter(), a.Remote, records, opts...)
	if err != nil {
		return err
	}
	a.Backup = coord
	return nil
}

func (a *App) scheduleJobs() error {
	cfg := a.Config
	a.Jobs = jobs.NewRunner()
	list := []jobs.Job{
		jobs.RevocationPurge(a.Auth.Tokens(), cfg.RevocationPurgeInterval),
		jobs.ContentReconcile(a.Content, cfg.Content.ReconcileInterval),
		jobs.AuditCleanup(a.Audit, cfg.Audit.CleanupInterval),
	}
	if a.Backup != nil {
		list = append(list, jobs.Backup(a.Backup, cfg.Backup.Interval))
	}
	for _, j := range list {
		if err := a.Jobs.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// Probe is the readiness check for HTTP and gRPC.
func (a *App) Probe() httpapi.ReadyProbe {
	p := httpapi.ReadyProbe{}
	if a.DB != nil {
		p.DB = a.DB.DB()
	}
	if pinger, ok := a.KV.(httpapi.Pinger); ok {
		p.KV = pinger
	}
	return p
}

// HTTP builds the HTTP API over the app's services.
func (a *App) HTTP() (*httpapi.API, error) {
	cfg := a.Config
	return httpapi.New(httpapi.Deps{
		Auth:           a.Auth,
		Identity:       a.Identity,
		Content:        a.Content,
		Audit:          a.Audit,
		Backup:         a.Backup,
		Events:         a.Events,
		Probe:          a.Probe(),
		Version:        cfg.Version,
		CookieDomain:   cfg.Auth.CookieDomain,
		SecureCookies:  !cfg.IsDevelopment(),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RateBurst:      cfg.HTTP.RateBurst,
		RatePerSecond:  cfg.HTTP.RatePerSecond,
	})
}

// Close releases stores in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
