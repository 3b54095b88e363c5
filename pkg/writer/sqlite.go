package writer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/knoom0/datanav/pkg/errors"
	"github.com/knoom0/datanav/pkg/schema"
)

// SQLiteWriter writes synced records into per-resource SQLite tables.
type SQLiteWriter struct {
	db *sql.DB
}

// NewSQLiteWriter opens (or creates) the data database at path.
func NewSQLiteWriter(path string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to open data database")
	}
	db.SetMaxOpenConns(1)
	return &SQLiteWriter{db: db}, nil
}

// Close releases the underlying database handle.
func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}

// quoteIdent quotes an identifier. Resource and field names come from the
// catalog, not from user input, but providers occasionally declare names
// that collide with SQL keywords.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnType(ft schema.FieldType) string {
	switch ft {
	case schema.FieldTypeInt:
		return "INTEGER"
	case schema.FieldTypeFloat:
		return "REAL"
	case schema.FieldTypeBool:
		return "INTEGER"
	default:
		// strings, timestamps and JSON all land as TEXT
		return "TEXT"
	}
}

// SyncTableSchema implements Writer.
func (w *SQLiteWriter) SyncTableSchema(ctx context.Context, resource schema.Resource) error {
	res := resource.WithIDField()

	cols := make([]string, 0, len(res.Fields))
	for _, f := range res.Fields {
		def := quoteIdent(f.Name) + " " + columnType(f.Type)
		if f.Name == schema.IDField {
			def += " PRIMARY KEY"
		}
		cols = append(cols, def)
	}

	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(res.Name), strings.Join(cols, ", "))
	if _, err := w.db.ExecContext(ctx, create); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, fmt.Sprintf("failed to create table for resource %s", res.Name))
	}

	// Additive evolution: add any declared column the table predates.
	existing, err := w.tableColumns(ctx, res.Name)
	if err != nil {
		return err
	}
	for _, f := range res.Fields {
		if _, ok := existing[f.Name]; ok {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(res.Name), quoteIdent(f.Name), columnType(f.Type))
		if _, err := w.db.ExecContext(ctx, alter); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage,
				fmt.Sprintf("failed to add column %s to resource %s", f.Name, res.Name))
		}
	}

	return nil
}

func (w *SQLiteWriter) tableColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to inspect table columns")
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to scan table info")
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}

// SyncTableRecords implements Writer.
func (w *SQLiteWriter) SyncTableRecords(ctx context.Context, resource schema.Resource, records []map[string]interface{}) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	res := resource.WithIDField()

	names := make([]string, 0, len(res.Fields))
	quoted := make([]string, 0, len(res.Fields))
	placeholders := make([]string, 0, len(res.Fields))
	updates := make([]string, 0, len(res.Fields))
	for _, f := range res.Fields {
		names = append(names, f.Name)
		quoted = append(quoted, quoteIdent(f.Name))
		placeholders = append(placeholders, "?")
		if f.Name != schema.IDField {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(f.Name), quoteIdent(f.Name)))
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		quoteIdent(res.Name), strings.Join(quoted, ", "), strings.Join(placeholders, ", "),
		quoteIdent(schema.IDField), strings.Join(updates, ", "))

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "failed to begin write transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "failed to prepare upsert")
	}
	defer stmt.Close()

	updated := 0
	for _, record := range records {
		args := make([]interface{}, 0, len(names))
		for _, name := range names {
			v, err := bindValue(record[name])
			if err != nil {
				return 0, err
			}
			args = append(args, v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeStorage,
				fmt.Sprintf("failed to upsert record into resource %s", res.Name))
		}
		updated++
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "failed to commit record batch")
	}
	return updated, nil
}

// bindValue converts a record field value into a driver-friendly shape.
func bindValue(v interface{}) (interface{}, error) {
	switch value := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, []byte:
		return value, nil
	case time.Time:
		return value.UTC().Format(time.RFC3339Nano), nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to encode field value")
		}
		return string(data), nil
	}
}

// DropTable implements Writer.
func (w *SQLiteWriter) DropTable(ctx context.Context, resourceName string) error {
	if _, err := w.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(resourceName))); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, fmt.Sprintf("failed to drop table %s", resourceName))
	}
	return nil
}

// CountRecords returns the row count for a resource table. Used by tests
// and the operational surface to report table sizes.
func (w *SQLiteWriter) CountRecords(ctx context.Context, resourceName string) (int64, error) {
	var count int64
	err := w.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(resourceName))).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, fmt.Sprintf("failed to count rows in %s", resourceName))
	}
	return count, nil
}
