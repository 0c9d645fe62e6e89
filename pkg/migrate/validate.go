package migrate

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"

	"go.uber.org/multierr"
)

var migrationName = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

// Validate checks every .sql file in fsys: the name carries a unique
// 14-digit version, both goose sections are present, and statement blocks
// are balanced. All problems are reported together.
func Validate(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	var errs error
	versions := map[string]string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		m := migrationName.FindStringSubmatch(name)
		if m == nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: name must be YYYYMMDDHHMMSS_snake_case.sql", name))
			continue
		}
		if other, dup := versions[m[1]]; dup {
			errs = multierr.Append(errs, fmt.Errorf("%s: version %s already used by %s", name, m[1], other))
		}
		versions[m[1]] = name

		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		errs = multierr.Append(errs, checkSections(name, string(body)))
	}
	return errs
}

func checkSections(name, body string) error {
	var errs error
	up := strings.Index(body, "-- +goose Up")
	down := strings.Index(body, "-- +goose Down")
	switch {
	case up < 0:
		errs = multierr.Append(errs, fmt.Errorf("%s: missing -- +goose Up", name))
	case down < 0:
		errs = multierr.Append(errs, fmt.Errorf("%s: missing -- +goose Down", name))
	case down < up:
		errs = multierr.Append(errs, fmt.Errorf("%s: Down section precedes Up", name))
	}
	begins := strings.Count(body, "-- +goose StatementBegin")
	ends := strings.Count(body, "-- +goose StatementEnd")
	if begins != ends {
		errs = multierr.Append(errs, fmt.Errorf("%s: %d StatementBegin but %d StatementEnd", name, begins, ends))
	}
	return errs
}
