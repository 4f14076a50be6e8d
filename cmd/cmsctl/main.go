// Command cmsctl runs operator tasks against the CMS stores: backups,
// restores, audit shard cleanup and index reconciliation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"llacademy.ng/internal/app"
	"llacademy.ng/internal/audit"
	"llacademy.ng/internal/config"
	"llacademy.ng/internal/obs"
)

const usage = `usage: cmsctl <command> [flags]

commands:
  backup run                            take a backup now
  backup list [--limit N]               list backup and restore records
  backup restore --id ID --confirm ID   restore a backup (destructive)
  audit cleanup [--shard YYYY-MM]       archive shards past retention
  content reconcile                     rebuild the blog index from posts
  jobs run NAME                         run one scheduled job once
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "cmsctl:", err)
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

type command struct {
	group, name string
	run         func(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error
}

var commands = []command{
	{"backup", "run", backupRun},
	{"backup", "list", backupList},
	{"backup", "restore", backupRestore},
	{"audit", "cleanup", auditCleanup},
	{"content", "reconcile", contentReconcile},
	{"jobs", "run", jobsRun},
}

func lookup(args []string) (command, error) {
	if len(args) < 2 {
		return command{}, usageError("missing command")
	}
	for _, c := range commands {
		if c.group == args[0] && c.name == args[1] {
			return c, nil
		}
	}
	return command{}, usageError(fmt.Sprintf("unknown command %q", args[0]+" "+args[1]))
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cmd, err := lookup(args)
	if err != nil {
		return err
	}
	obs.Init()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	fs := flag.NewFlagSet(cmd.group+" "+cmd.name, flag.ContinueOnError)
	return cmd.run(ctx, a, fs, args[2:], out)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func backupRun(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if a.Backup == nil {
		return errors.New("backups are not enabled (BACKUP_ENABLED, DATABASE_URL)")
	}
	rec, err := a.Backup.RunBackup(ctx, time.Time{})
	if perr := printJSON(out, rec); perr != nil {
		return perr
	}
	return err
}

func backupList(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	limit := fs.Int("limit", 20, "maximum records to show")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if a.Backup == nil {
		return errors.New("backups are not enabled (BACKUP_ENABLED, DATABASE_URL)")
	}
	records, err := a.Backup.List(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(out, records)
}

func backupRestore(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	id := fs.String("id", "", "backup record id")
	confirm := fs.String("confirm", "", "repeat the backup id to confirm the restore")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if *id == "" {
		return usageError("--id is required")
	}
	if a.Backup == nil {
		return errors.New("backups are not enabled (BACKUP_ENABLED, DATABASE_URL)")
	}
	if err := audit.LogEvent(ctx, "backup.restore_requested", map[string]any{"backup_id": *id, "source": "cmsctl"}); err != nil {
		obs.Warn("security event not logged", map[string]any{"event": "backup.restore_requested", "error": err.Error()})
	}
	rec, err := a.Backup.Restore(ctx, *id, *confirm)
	if rec.ID != "" {
		if perr := printJSON(out, rec); perr != nil {
			return perr
		}
	}
	return err
}

func auditCleanup(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	shard := fs.String("shard", "", "single shard to archive (YYYY-MM)")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if *shard != "" {
		res, err := a.Audit.CleanupShard(ctx, *shard)
		if err != nil {
			return err
		}
		return printJSON(out, []audit.CleanupResult{res})
	}
	results, err := a.Audit.CleanupExpired(ctx)
	if perr := printJSON(out, results); perr != nil {
		return perr
	}
	return err
}

func contentReconcile(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	res, err := a.Content.Reconcile(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

func jobsRun(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if fs.NArg() != 1 {
		return usageError(fmt.Sprintf("expected one job name, one of %v", a.Jobs.Names()))
	}
	name := fs.Arg(0)
	if err := a.Jobs.Run(ctx, name); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "job %s completed\n", name)
	return err
}
