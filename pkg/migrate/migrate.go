// Package migrate applies the jobcore schema with goose. The SQL files are
// compiled into every binary so services can check or apply the schema
// without a checkout.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/jobcore/pkg/logger"
)

// DefaultDir is where cmd/migrate creates new files, relative to the repo root.
const DefaultDir = "pkg/migrate/migrations"

//go:embed migrations/*.sql
var embedded embed.FS

// Command is an operation exposed by cmd/migrate.
type Command string

const (
	CommandUp      Command = "up"
	CommandDown    Command = "down"
	CommandStatus  Command = "status"
	CommandVersion Command = "version"
)

// Migrations returns the SQL files compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(fmt.Sprintf("embedded migrations: %v", err))
	}
	return sub
}

// Source reads migrations from dir when set and from the embedded set
// otherwise.
func Source(dir string) fs.FS {
	if dir == "" {
		return Migrations()
	}
	return os.DirFS(dir)
}

// Runner drives a goose provider against one database.
type Runner struct {
	provider *goose.Provider
	logg     *logger.Logger
}

func NewRunner(db *sql.DB, fsys fs.FS, logg *logger.Logger) (*Runner, error) {
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	if fsys == nil {
		return nil, fmt.Errorf("migration source required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return &Runner{provider: provider, logg: logg}, nil
}

// Run executes cmd. target is the YYYYMMDDHHMMSS version for CommandVersion.
func (r *Runner) Run(ctx context.Context, cmd Command, target string) error {
	switch cmd {
	case CommandUp:
		return r.Up(ctx)
	case CommandDown:
		return r.Down(ctx)
	case CommandStatus:
		_, err := r.Pending(ctx)
		return err
	case CommandVersion:
		version, err := parseVersion(target)
		if err != nil {
			return err
		}
		return r.To(ctx, version)
	}
	return fmt.Errorf("unknown migrate command %q", cmd)
}

func (r *Runner) Up(ctx context.Context) error {
	results, err := r.provider.Up(ctx)
	r.logResults(ctx, "migrate.applied", results)
	if err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func (r *Runner) Down(ctx context.Context) error {
	result, err := r.provider.Down(ctx)
	if result != nil {
		r.logResults(ctx, "migrate.rolled_back", []*goose.MigrationResult{result})
	}
	if err != nil {
		return fmt.Errorf("goose down: %w", err)
	}
	return nil
}

// To moves the schema up or down until target is the newest applied version.
func (r *Runner) To(ctx context.Context, target int64) error {
	current, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	var results []*goose.MigrationResult
	switch {
	case current == target:
		return nil
	case current < target:
		results, err = r.provider.UpTo(ctx, target)
		r.logResults(ctx, "migrate.applied", results)
	default:
		results, err = r.provider.DownTo(ctx, target)
		r.logResults(ctx, "migrate.rolled_back", results)
	}
	if err != nil {
		return fmt.Errorf("goose to %d: %w", target, err)
	}
	return nil
}

// Pending lists the versions not yet applied, oldest first.
func (r *Runner) Pending(ctx context.Context) ([]int64, error) {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("goose status: %w", err)
	}
	var pending []int64
	for _, st := range statuses {
		if st.State == goose.StatePending {
			pending = append(pending, st.Source.Version)
		}
	}
	logCtx := r.logg.WithFields(ctx, map[string]any{"total": len(statuses), "pending": pending})
	r.logg.Info(logCtx, "migrate.status")
	return pending, nil
}

func (r *Runner) logResults(ctx context.Context, msg string, results []*goose.MigrationResult) {
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		logCtx := r.logg.WithFields(ctx, map[string]any{
			"version":  res.Source.Version,
			"duration": res.Duration.String(),
		})
		if res.Error != nil {
			r.logg.Error(logCtx, msg, res.Error)
			continue
		}
		r.logg.Info(logCtx, msg)
	}
}

func parseVersion(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("target version required")
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || len(raw) != len(versionLayout) {
		return 0, fmt.Errorf("invalid version %q, expected %s", raw, versionLayout)
	}
	return version, nil
}
