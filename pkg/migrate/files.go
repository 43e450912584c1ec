package migrate

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const versionLayout = "20060102150405"

var (
	filenameRe     = regexp.MustCompile(`^(\d{14})_([a-z0-9_]+)\.sql$`)
	nameSanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)
)

// File is one versioned SQL migration.
type File struct {
	Version int64
	Name    string
	Path    string
}

// ParseFilename splits YYYYMMDDHHMMSS_name.sql into its version and name.
func ParseFilename(filename string) (File, error) {
	m := filenameRe.FindStringSubmatch(filename)
	if m == nil {
		return File{}, fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", filename)
	}
	if _, err := time.Parse(versionLayout, m[1]); err != nil {
		return File{}, fmt.Errorf("migration %q has a version that is not a timestamp", filename)
	}
	version, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return File{}, fmt.Errorf("migration %q: %w", filename, err)
	}
	return File{Version: version, Name: m[2], Path: filename}, nil
}

// ListFiles returns the SQL migrations of fsys ordered by version.
func ListFiles(fsys fs.FS) ([]File, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	files := make([]File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		f, err := ParseFilename(e.Name())
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files, nil
}

// Validate checks filenames, unique versions and the goose annotations of
// every migration in fsys.
func Validate(fsys fs.FS) error {
	files, err := ListFiles(fsys)
	if err != nil {
		return err
	}
	for i, f := range files {
		if i > 0 && files[i-1].Version == f.Version {
			return fmt.Errorf("duplicate migration version %d in %q and %q", f.Version, files[i-1].Path, f.Path)
		}
		body, err := fs.ReadFile(fsys, f.Path)
		if err != nil {
			return fmt.Errorf("read %q: %w", f.Path, err)
		}
		if err := checkAnnotations(f.Path, string(body)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateDir runs Validate over a directory on disk.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	return Validate(os.DirFS(dir))
}

func checkAnnotations(name, body string) error {
	up := strings.Index(body, "-- +goose Up")
	down := strings.Index(body, "-- +goose Down")
	switch {
	case up < 0:
		return fmt.Errorf("migration %q missing \"-- +goose Up\"", name)
	case down < 0:
		return fmt.Errorf("migration %q missing \"-- +goose Down\"", name)
	case down < up:
		return fmt.Errorf("migration %q declares Down before Up", name)
	}
	begins := strings.Count(body, "-- +goose StatementBegin")
	ends := strings.Count(body, "-- +goose StatementEnd")
	if begins != ends {
		return fmt.Errorf("migration %q has %d StatementBegin and %d StatementEnd", name, begins, ends)
	}
	return nil
}

// CreateSQLMigration writes an empty goose migration into dir. The version
// is now, moved past the newest existing file so ordering is preserved.
func CreateSQLMigration(dir, name string, now time.Time) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("dir is required")
	}
	safe := strings.ToLower(strings.TrimSpace(name))
	safe = strings.ReplaceAll(safe, " ", "_")
	safe = strings.Trim(nameSanitizeRe.ReplaceAllString(safe, "_"), "_")
	if safe == "" {
		return "", fmt.Errorf("name %q results in empty sanitized filename", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dir, err)
	}

	stamp := now.UTC().Truncate(time.Second)
	existing, err := ListFiles(os.DirFS(dir))
	if err != nil {
		return "", err
	}
	if n := len(existing); n > 0 {
		latest, _ := time.Parse(versionLayout, strconv.FormatInt(existing[n-1].Version, 10))
		if !stamp.After(latest) {
			stamp = latest.Add(time.Second)
		}
	}

	filename := fmt.Sprintf("%s_%s.sql", stamp.Format(versionLayout), safe)
	fullpath := filepath.Join(dir, filename)
	body := fmt.Sprintf(`-- +goose Up
-- +goose StatementBegin
-- %[1]s
-- +goose StatementEnd

-- +goose Down
-- +goose StatementBegin
-- rollback %[1]s
-- +goose StatementEnd
`, safe)
	if err := os.WriteFile(fullpath, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write migration %q: %w", fullpath, err)
	}
	return fullpath, nil
}
