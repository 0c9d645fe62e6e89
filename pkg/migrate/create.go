package migrate

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const versionLayout = "20060102150405"

const migrationTemplate = `-- +goose Up
-- +goose StatementBegin
-- %[1]s
-- +goose StatementEnd

-- +goose Down
-- +goose StatementBegin
-- revert %[1]s
-- +goose StatementEnd
`

// Create writes an empty goose migration into dir and returns its path. The
// version is now in UTC, bumped past the newest existing file so versions in
// dir stay strictly increasing.
func Create(dir, name string, now time.Time) (string, error) {
	slug := slugify(name)
	if slug == "" {
		return "", fmt.Errorf("migration name %q has no usable characters", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	version, err := strconv.ParseInt(now.UTC().Format(versionLayout), 10, 64)
	if err != nil {
		return "", err
	}
	latest, err := latestVersion(os.DirFS(dir))
	if err != nil {
		return "", err
	}
	if version <= latest {
		version = latest + 1
	}

	target := filepath.Join(dir, fmt.Sprintf("%d_%s.sql", version, slug))
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create migration: %w", err)
	}
	defer file.Close()
	if _, err := fmt.Fprintf(file, migrationTemplate, slug); err != nil {
		return "", fmt.Errorf("write migration: %w", err)
	}
	return target, nil
}

func slugify(name string) string {
	words := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	return strings.Join(words, "_")
}

func latestVersion(fsys fs.FS) (int64, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return 0, fmt.Errorf("read migrations: %w", err)
	}
	var latest int64
	for _, entry := range entries {
		m := migrationName.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		v, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil && v > latest {
			latest = v
		}
	}
	return latest, nil
}
