package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/db"
	"github.com/angelmondragon/billing-backend/pkg/instance"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/migrate"
	"github.com/angelmondragon/billing-backend/pkg/migrate/sqlschema"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "migrate"})

	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "migration command: up|down|status|version|create|validate")
	dir := flag.String("dir", "", "migrations directory; the embedded set is used when empty")
	name := flag.String("name", "", "migration name (for create)")
	version := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	// create and validate work on files only and need no configuration.
	switch *cmd {
	case "create":
		target := *dir
		if target == "" {
			target = migrate.DefaultDir
		}
		if *name == "" {
			exitf("missing -name for create")
		}
		path, err := migrate.CreateSQLMigration(target, *name, time.Now())
		if err != nil {
			exitf("failed to create migration: %v", err)
		}
		fmt.Println("created migration:", path)
		return

	case "validate":
		source, err := migrate.Source(*dir)
		if err != nil {
			exitf("%v", err)
		}
		if err := migrate.Validate(source); err != nil {
			exitf("migration validation failed: %v", err)
		}
		fmt.Println("migration validation passed")
		return
	}

	cfg, err := config.Load()
	requireResource(context.Background(), logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Instance:    instance.ID(),
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		NoColor:     cfg.App.LogNoColor,
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env": cfg.App.Env,
		"cmd": *cmd,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	runner, err := newRunner(dbClient, *dir)
	requireResource(ctx, logg, "migration runner", err)

	switch *cmd {
	case "up":
		applied, err := runner.Up(ctx)
		if err != nil {
			exitf("%v", err)
		}
		logg.Info(logg.WithField(ctx, "applied", applied), "migrations applied")

	case "down":
		if err := runner.Down(ctx); err != nil {
			exitf("%v", err)
		}
		logg.Info(ctx, "rolled back latest migration")

	case "status":
		rows, err := runner.Status(ctx)
		if err != nil {
			exitf("%v", err)
		}
		printStatus(rows)

	case "version":
		if *version == "" {
			exitf("missing -version for version command")
		}
		target, err := strconv.ParseInt(*version, 10, 64)
		if err != nil {
			exitf("invalid version %q (expected YYYYMMDDHHMMSS)", *version)
		}
		if err := runner.To(ctx, target); err != nil {
			exitf("%v", err)
		}
		logg.Info(logg.WithField(ctx, "version", target), "database migrated to version")

	default:
		exitf("unknown -cmd value: %s", *cmd)
	}
}

// newRunner picks the sqlite schema for sqlite databases and the versioned
// Postgres migrations otherwise.
func newRunner(client *db.Client, dir string) (*migrate.Runner, error) {
	sqlDB, err := client.DB().DB()
	if err != nil {
		return nil, err
	}
	if client.Dialect() == db.DriverSQLite {
		return migrate.NewRunner(sqlDB, goose.DialectSQLite3, sqlschema.FS)
	}
	source, err := migrate.Source(dir)
	if err != nil {
		return nil, err
	}
	return migrate.NewRunner(sqlDB, goose.DialectPostgres, source)
}

func printStatus(rows []migrate.Status) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED AT")
	for _, row := range rows {
		applied := "pending"
		if row.Applied {
			applied = row.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", row.Version, row.Name, applied)
	}
	_ = w.Flush()
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
