package archive

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

// SchemaManager applies the bundled schema files
type SchemaManager struct {
	pool  *pgxpool.Pool
	files fs.FS
}

func NewSchemaManager(pool *pgxpool.Pool) *SchemaManager {
	return &SchemaManager{pool: pool, files: schemaFiles}
}

// schemaFileNames returns the .sql files in lexical order
func schemaFileNames(files fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(files, "schema")
	if err != nil {
		return nil, fmt.Errorf("reading schema directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// InitializeSchema runs every schema file inside one transaction.
// All statements are idempotent so this is safe on every boot.
func (sm *SchemaManager) InitializeSchema(ctx context.Context) error {
	names, err := schemaFileNames(sm.files)
	if err != nil {
		return err
	}

	tx, err := sm.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, name := range names {
		content, err := fs.ReadFile(sm.files, "schema/"+name)
		if err != nil {
			return fmt.Errorf("reading schema file %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("executing schema file %s: %w", name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}
	return nil
}
