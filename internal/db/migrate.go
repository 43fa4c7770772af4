package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// RunMigrations applies every .up.sql file in the migrations directory, in
// lexical order, each inside its own transaction so a failing migration
// leaves no partial DDL behind. Migration files are written to be idempotent
// (IF NOT EXISTS), so re-running the binary is safe.
func RunMigrations(ctx context.Context, conn *Connection, migrationsPath string) error {
	migrationFiles, err := listMigrations(migrationsPath)
	if err != nil {
		return err
	}

	for _, fileName := range migrationFiles {
		sql, err := os.ReadFile(filepath.Join(migrationsPath, fileName))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", fileName, err)
		}

		err = conn.WithTx(ctx, func(tx pgx.Tx) error {
			_, execErr := tx.Exec(ctx, string(sql))
			return execErr
		})
		if err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", fileName, err)
		}

		log.Printf("Successfully executed migration: %s", fileName)
	}

	return nil
}

// listMigrations returns the .up.sql files of the directory in lexical
// order.
func listMigrations(migrationsPath string) ([]string, error) {
	entries, err := os.ReadDir(migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrationFiles []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	return migrationFiles, nil
}
