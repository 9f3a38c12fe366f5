// Package tablestore performs the physical table operations of the engine:
// schema lifecycle, table copies for backups and copy-on-write, and inspection.
// Every method runs on the querier found in ctx, so it joins the caller's transaction.
package tablestore

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/zeebo/xxh3"

	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/database"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
)

// Store provides the table operations the ledger, executor and undo engine depend on.
type Store interface {
	CreateSchemas(ctx context.Context, setID int64) error
	DropSchemas(ctx context.Context, setID int64) error
	TableExists(ctx context.Context, schema, table string) (bool, error)
	ListTables(ctx context.Context, schema string) ([]string, error)
	Columns(ctx context.Context, schema, table string) ([]models.Column, error)
	ColumnType(ctx context.Context, schema, table, column string) (string, error)
	CopyTable(ctx context.Context, srcSchema, src, dstSchema, dst string) error
	DropTable(ctx context.Context, schema, table string) error
	RowCount(ctx context.Context, schema, table string) (int64, error)
	UniqueName(ctx context.Context, schema, base string) (string, error)
	Fingerprint(ctx context.Context, schema, table string) (string, error)
}

type store struct{}

// New returns the PostgreSQL table store.
func New() Store {
	return &store{}
}

var _ Store = (*store)(nil)

// Qualified returns a properly quoted "schema"."table" reference.
func Qualified(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// Quote quotes a single identifier.
func Quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (s *store) CreateSchemas(ctx context.Context, setID int64) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}
	for _, schema := range []string{models.WorkingSchema(setID), models.OriginalSchema(setID), models.BackupSchema(setID)} {
		if _, err := q.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+Quote(schema)); err != nil {
			return fmt.Errorf("failed to create schema %s: %w", schema, err)
		}
	}
	return nil
}

func (s *store) DropSchemas(ctx context.Context, setID int64) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}
	for _, schema := range []string{models.WorkingSchema(setID), models.OriginalSchema(setID), models.BackupSchema(setID)} {
		if _, err := q.Exec(ctx, "DROP SCHEMA IF EXISTS "+Quote(schema)+" CASCADE"); err != nil {
			return fmt.Errorf("failed to drop schema %s: %w", schema, err)
		}
	}
	return nil
}

func (s *store) TableExists(ctx context.Context, schema, table string) (bool, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)`, schema, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s.%s: %w", schema, table, err)
	}
	return exists, nil
}

func (s *store) ListTables(ctx context.Context, schema string) ([]string, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables in %s: %w", schema, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan table names: %w", err)
	}
	return names, nil
}

func (s *store) Columns(ctx context.Context, schema, table string) ([]models.Column, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT column_name, data_type, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var cols []models.Column
	for rows.Next() {
		var c models.Column
		if err := rows.Scan(&c.Name, &c.DataType, &c.Position); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (s *store) ColumnType(ctx context.Context, schema, table, column string) (string, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return "", err
	}
	var dataType string
	err = q.QueryRow(ctx, `
		SELECT data_type FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 AND column_name = $3`,
		schema, table, column).Scan(&dataType)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("column %q of table %q: %w", column, table, apperrors.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read type of %s.%s: %w", table, column, err)
	}
	return dataType, nil
}

// CopyTable creates dst as a full copy of src. dst must not exist.
func (s *store) CopyTable(ctx context.Context, srcSchema, src, dstSchema, dst string) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE TABLE %s AS TABLE %s", Qualified(dstSchema, dst), Qualified(srcSchema, src))
	if _, err := q.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to copy %s.%s to %s.%s: %w", srcSchema, src, dstSchema, dst, err)
	}
	return nil
}

func (s *store) DropTable(ctx context.Context, schema, table string) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, "DROP TABLE IF EXISTS "+Qualified(schema, table)); err != nil {
		return fmt.Errorf("failed to drop %s.%s: %w", schema, table, err)
	}
	return nil
}

func (s *store) RowCount(ctx context.Context, schema, table string) (int64, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.QueryRow(ctx, "SELECT COUNT(*) FROM "+Qualified(schema, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s.%s: %w", schema, table, err)
	}
	return n, nil
}

// UniqueName returns base suffixed with _N for the smallest N >= 1 not taken in schema.
func (s *store) UniqueName(ctx context.Context, schema, base string) (string, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return "", err
	}
	rows, err := q.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_name LIKE $2`,
		schema, likeEscape(base)+`\_%`)
	if err != nil {
		return "", fmt.Errorf("failed to list names like %s: %w", base, err)
	}
	existing, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", fmt.Errorf("failed to scan table names: %w", err)
	}
	return NextName(base, existing), nil
}

// NextName picks base_N for the smallest N >= 1 that is not in existing.
func NextName(base string, existing []string) string {
	taken := make(map[int]bool, len(existing))
	prefix := base + "_"
	for _, name := range existing {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n, err := strconv.Atoi(name[len(prefix):])
		if err == nil && n > 0 {
			taken[n] = true
		}
	}
	n := 1
	for taken[n] {
		n++
	}
	return prefix + strconv.Itoa(n)
}

// Fingerprint hashes the table's column layout and rows independently of row order.
// Two tables with the same columns and the same multiset of rows have equal fingerprints.
func (s *store) Fingerprint(ctx context.Context, schema, table string) (string, error) {
	cols, err := s.Columns(ctx, schema, table)
	if err != nil {
		return "", err
	}
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return "", err
	}

	rows, err := q.Query(ctx, fmt.Sprintf("SELECT t::text FROM %s AS t", Qualified(schema, table)))
	if err != nil {
		return "", fmt.Errorf("failed to read %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return "", fmt.Errorf("failed to scan row: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return FingerprintRows(cols, lines), nil
}

// FingerprintRows combines a layout hash with a commutative sum of row hashes.
func FingerprintRows(cols []models.Column, rows []string) string {
	layout := make([]string, len(cols))
	for i, c := range cols {
		layout[i] = c.Name + ":" + c.DataType
	}

	var sum uint64
	for _, r := range rows {
		sum += xxh3.HashString(r)
	}

	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], xxh3.HashString(strings.Join(layout, ",")))
	binary.BigEndian.PutUint64(buf[8:16], sum)
	binary.BigEndian.PutUint64(buf[16:24], uint64(len(rows)))
	return hex.EncodeToString(buf)
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
