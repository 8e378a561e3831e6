package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/safar/storefront/internal/config"
	"github.com/safar/storefront/internal/database"
)

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		fatal("Usage: go run scripts/run_migrations.go [up|down]")
	}

	direction := os.Args[1]
	if direction != "up" && direction != "down" {
		fatal("Direction must be 'up' or 'down'", "direction", direction)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("Load config", "error", err)
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		fatal("Connect to database", "error", err)
	}
	defer db.Close()

	migrationDir := "migrations"
	files, err := os.ReadDir(migrationDir)
	if err != nil {
		fatal("Read migration directory", "error", err)
	}

	var migrationFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), fmt.Sprintf(".%s.sql", direction)) {
			migrationFiles = append(migrationFiles, file.Name())
		}
	}

	sort.Strings(migrationFiles)
	if direction == "down" {
		for i, j := 0, len(migrationFiles)-1; i < j; i, j = i+1, j-1 {
			migrationFiles[i], migrationFiles[j] = migrationFiles[j], migrationFiles[i]
		}
	}

	ctx := context.Background()
	for _, filename := range migrationFiles {
		content, err := os.ReadFile(filepath.Join(migrationDir, filename))
		if err != nil {
			fatal("Read migration file", "file", filename, "error", err)
		}

		slog.Info("Running migration", "file", filename)
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			fatal("Execute migration", "file", filename, "error", err)
		}
	}

	slog.Info("Migrations complete", "count", len(migrationFiles), "direction", direction)
}
