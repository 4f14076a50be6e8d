// Package config loads service settings from an optional YAML file and the
// process environment. Environment variables always win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the full runtime configuration of the CMS backend.
type Config struct {
	Port        int    `yaml:"port"`
	GRPCAddr    string `yaml:"grpc_addr"`
	DatabaseURL string `yaml:"database_url"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"-"`

	Auth    AuthConfig    `yaml:"auth"`
	Google  GoogleConfig  `yaml:"google"`
	KV      KVConfig      `yaml:"kv"`
	Content ContentConfig `yaml:"content"`
	Audit   AuditConfig   `yaml:"audit"`
	Backup  BackupConfig  `yaml:"backup"`
	HTTP    HTTPConfig    `yaml:"http"`

	RevocationPurgeInterval time.Duration `yaml:"revocation_purge_interval"`
	StoreTimeout            time.Duration `yaml:"store_timeout"`
}

type AuthConfig struct {
	Secret       string        `yaml:"secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	PreviewTTL   time.Duration `yaml:"preview_ttl"`
	CookieDomain string        `yaml:"cookie_domain"`
	AdminEmail   string        `yaml:"admin_email"`
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
}

// Enabled reports whether the real Google provider can be used.
func (g GoogleConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != "" && g.RedirectURI != ""
}

type KVConfig struct {
	Backend       string `yaml:"backend"`
	Dir           string `yaml:"dir"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type ContentConfig struct {
	CacheSize         int           `yaml:"cache_size"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

type AuditConfig struct {
	RetentionMonths int           `yaml:"retention_months"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type BackupConfig struct {
	Enabled         bool             `yaml:"enabled"`
	Interval        time.Duration    `yaml:"interval"`
	RetentionDays   int              `yaml:"retention_days"`
	Dir             string           `yaml:"dir"`
	AgeRecipients   []string         `yaml:"age_recipients"`
	AgeIdentityFile string           `yaml:"age_identity_file"`
	SharePoint      SharePointConfig `yaml:"sharepoint"`
}

type SharePointConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	SiteID       string `yaml:"site_id"`
	DriveID      string `yaml:"drive_id"`
}

// Enabled reports whether every SharePoint credential is present.
func (s SharePointConfig) Enabled() bool {
	return s.TenantID != "" && s.ClientID != "" && s.ClientSecret != "" && s.SiteID != "" && s.DriveID != ""
}

type HTTPConfig struct {
	RateBurst      int      `yaml:"rate_burst"`
	RatePerSecond  float64  `yaml:"rate_per_second"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:        3001,
		GRPCAddr:    ":9090",
		Environment: EnvDevelopment,
		Auth: AuthConfig{
			TokenTTL:   7 * 24 * time.Hour,
			PreviewTTL: time.Hour,
			AdminEmail: "admin@llacademy.ng",
		},
		KV: KVConfig{Backend: "file", Dir: "kv_storage"},
		Content: ContentConfig{
			CacheSize:         512,
			CacheTTL:          30 * time.Second,
			ReconcileInterval: 10 * time.Minute,
		},
		Audit: AuditConfig{RetentionMonths: 3, CleanupInterval: 24 * time.Hour},
		Backup: BackupConfig{
			Interval:      24 * time.Hour,
			RetentionDays: 30,
			Dir:           "backups",
		},
		HTTP:                    HTTPConfig{RateBurst: 20, RatePerSecond: 10},
		RevocationPurgeInterval: 24 * time.Hour,
		StoreTimeout:            5 * time.Second,
	}
}

// Load builds the configuration: defaults, then CMS_CONFIG_FILE, then env.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CMS_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}
	e.int("PORT", &c.Port)
	e.str("GRPC_ADDR", &c.GRPCAddr)
	e.str("DATABASE_URL", &c.DatabaseURL)
	e.str("ENVIRONMENT", &c.Environment)

	e.str("JWT_SECRET", &c.Auth.Secret)
	e.duration("TOKEN_TTL", &c.Auth.TokenTTL)
	e.duration("PREVIEW_TTL", &c.Auth.PreviewTTL)
	e.str("COOKIE_DOMAIN", &c.Auth.CookieDomain)
	e.str("ADMIN_EMAIL", &c.Auth.AdminEmail)

	e.str("GOOGLE_CLIENT_ID", &c.Google.ClientID)
	e.str("GOOGLE_CLIENT_SECRET", &c.Google.ClientSecret)
	e.str("GOOGLE_REDIRECT_URI", &c.Google.RedirectURI)

	e.str("KV_BACKEND", &c.KV.Backend)
	e.str("KV_DIR", &c.KV.Dir)
	e.str("REDIS_ADDR", &c.KV.RedisAddr)
	e.str("REDIS_PASSWORD", &c.KV.RedisPassword)
	e.int("REDIS_DB", &c.KV.RedisDB)

	e.int("CONTENT_CACHE_SIZE", &c.Content.CacheSize)
	e.duration("CONTENT_CACHE_TTL", &c.Content.CacheTTL)
	e.duration("RECONCILE_INTERVAL", &c.Content.ReconcileInterval)

	e.int("AUDIT_RETENTION_MONTHS", &c.Audit.RetentionMonths)
	e.duration("AUDIT_CLEANUP_INTERVAL", &c.Audit.CleanupInterval)

	e.bool("BACKUP_ENABLED", &c.Backup.Enabled)
	e.duration("BACKUP_INTERVAL", &c.Backup.Interval)
	e.int("BACKUP_RETENTION_DAYS", &c.Backup.RetentionDays)
	e.str("BACKUP_DIR", &c.Backup.Dir)
	e.list("BACKUP_AGE_RECIPIENTS", &c.Backup.AgeRecipients)
	e.str("BACKUP_AGE_IDENTITY_FILE", &c.Backup.AgeIdentityFile)
	e.str("SHAREPOINT_TENANT_ID", &c.Backup.SharePoint.TenantID)
	e.str("SHAREPOINT_CLIENT_ID", &c.Backup.SharePoint.ClientID)
	e.str("SHAREPOINT_CLIENT_SECRET", &c.Backup.SharePoint.ClientSecret)
	e.str("SHAREPOINT_SITE_ID", &c.Backup.SharePoint.SiteID)
	e.str("SHAREPOINT_DRIVE_ID", &c.Backup.SharePoint.DriveID)

	e.int("RATE_BURST", &c.HTTP.RateBurst)
	e.float("RATE_PER_SEC", &c.HTTP.RatePerSecond)
	e.list("CORS_ALLOWED_ORIGINS", &c.HTTP.AllowedOrigins)

	e.duration("REVOCATION_PURGE_INTERVAL", &c.RevocationPurgeInterval)
	e.duration("STORE_TIMEOUT", &c.StoreTimeout)
	return e.err
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Environment {
	case EnvDevelopment, EnvProduction, "staging", "test":
	default:
		errs = append(errs, fmt.Errorf("config: unknown environment %q", c.Environment))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: invalid port %d", c.Port))
	}
	if !c.IsDevelopment() && len(c.Auth.Secret) < 32 {
		errs = append(errs, errors.New("config: JWT_SECRET must be at least 32 bytes outside development"))
	}
	if c.Auth.TokenTTL <= 0 || c.Auth.PreviewTTL <= 0 {
		errs = append(errs, errors.New("config: token ttls must be positive"))
	}
	if c.Auth.PreviewTTL > c.Auth.TokenTTL {
		errs = append(errs, errors.New("config: PREVIEW_TTL must not exceed TOKEN_TTL"))
	}
	switch c.KV.Backend {
	case "memory", "file":
	case "redis":
		if c.KV.RedisAddr == "" {
			errs = append(errs, errors.New("config: REDIS_ADDR is required for the redis kv backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown kv backend %q", c.KV.Backend))
	}
	if c.Audit.RetentionMonths < 1 {
		errs = append(errs, errors.New("config: AUDIT_RETENTION_MONTHS must be at least 1"))
	}
	if c.Backup.Enabled && c.Backup.RetentionDays < 1 {
		errs = append(errs, errors.New("config: BACKUP_RETENTION_DAYS must be at least 1"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("config: STORE_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether development conveniences may be enabled.
func (c Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config: %s: %w", key, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) list(key string, dst *[]string) {
	if v, ok := e.get(key); ok {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}
