// Package store persists tokenized rows in a SQL database. It hosts the
// engine's record contract on top of database/sql: loads populate raw
// attributes, saves run the engine's pre- and post-insert passes inside one
// transaction, and lookups on tokenized fields go through the search
// adapter so the plaintext columns are never queried.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/allisson/tokenfield/internal/database"
	"github.com/allisson/tokenfield/internal/engine"
	apperrors "github.com/allisson/tokenfield/internal/errors"
	"github.com/allisson/tokenfield/internal/record"
	"github.com/allisson/tokenfield/internal/search"
)

// Dialect selects the SQL placeholder style.
type Dialect int

// Supported dialects.
const (
	PostgreSQL Dialect = iota
	MySQL
)

// placeholder returns the 1-based positional placeholder for the dialect.
func (d Dialect) placeholder(i int) string {
	if d == PostgreSQL {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// Config describes the table a Store manages.
type Config struct {
	// Table is the table name.
	Table string
	// IDColumn is the primary key column, "id" when empty.
	IDColumn string
	// Columns lists every managed column besides the primary key,
	// token columns included.
	Columns []string
	// Dialect selects the placeholder style, PostgreSQL when unset.
	Dialect Dialect
}

// Store manages one table of tokenized rows.
type Store struct {
	db       *sql.DB
	txm      database.TxManager
	engine   *engine.Engine
	searcher *search.Adapter
	logger   *slog.Logger

	table    string
	idColumn string
	columns  []string
	dialect  Dialect
}

// New creates a store for one table. The searcher rewrites tokenized
// predicates in FindBy; pass the adapter built from the same registry as
// the engine.
func New(
	db *sql.DB,
	eng *engine.Engine,
	searcher *search.Adapter,
	cfg Config,
	logger *slog.Logger,
) (*Store, error) {
	if cfg.Table == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidConfig, "table is required")
	}
	if len(cfg.Columns) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidConfig, "columns are required")
	}

	idColumn := cfg.IDColumn
	if idColumn == "" {
		idColumn = "id"
	}

	return &Store{
		db:       db,
		txm:      database.NewTxManager(db),
		engine:   eng,
		searcher: searcher,
		logger:   logger,
		table:    cfg.Table,
		idColumn: idColumn,
		columns:  cfg.Columns,
		dialect:  cfg.Dialect,
	}, nil
}

// NewRow creates an empty, not-yet-inserted row.
func (s *Store) NewRow() *Row {
	return &Row{
		store: s,
		state: record.NewState(),
		attrs: make(map[string]*string),
		dirty: make(map[string]bool),
		isNew: true,
	}
}

// Find loads one row by primary key.
func (s *Store) Find(ctx context.Context, id string) (*Row, error) {
	querier := database.GetTx(ctx, s.db)

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = %s",
		strings.Join(s.selectColumns(), ", "),
		s.table,
		s.idColumn,
		s.dialect.placeholder(1),
	)

	row, err := s.scanRow(querier.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Wrap(err, "failed to find row")
	}

	return row, nil
}

// FindBy loads every row matching the given equality predicates. Predicates
// naming tokenized fields are rewritten onto their token columns first; when
// the gateway knows no token for a searched value, FindBy returns an empty
// result without querying the database.
func (s *Store) FindBy(ctx context.Context, predicates map[string]any) ([]*Row, error) {
	rewritten, empty, err := s.searcher.Rewrite(ctx, predicates)
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, nil
	}

	query, args := s.buildFindBy(rewritten)

	querier := database.GetTx(ctx, s.db)
	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to query rows")
	}
	defer func() { _ = rows.Close() }()

	var result []*Row
	for rows.Next() {
		row, err := s.scanRow(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to scan row")
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to read rows")
	}

	return result, nil
}

// Save persists a row inside one transaction: the engine's pre-insert pass,
// the INSERT or UPDATE, then the post-insert pass carrying any tokens that
// needed the storage-assigned identifier.
func (s *Store) Save(ctx context.Context, row *Row) error {
	return s.txm.WithTx(ctx, func(ctx context.Context) error {
		if err := s.engine.BeforeSave(ctx, row, row.state); err != nil {
			return err
		}

		if row.isNew {
			if err := s.insert(ctx, row); err != nil {
				return err
			}
			row.isNew = false
		} else if err := s.update(ctx, row); err != nil {
			return err
		}

		if err := s.engine.AfterSave(ctx, row, row.state, row); err != nil {
			return err
		}

		clear(row.dirty)
		return nil
	})
}

// Preload resolves the requested tokenized fields for a set of rows in one
// gateway call.
func (s *Store) Preload(ctx context.Context, rows []*Row, fields ...string) error {
	tracked := make([]engine.Tracked, 0, len(rows))
	for _, row := range rows {
		tracked = append(tracked, engine.Tracked{Record: row, State: row.state})
	}
	return s.engine.Preload(ctx, tracked, fields...)
}

func (s *Store) insert(ctx context.Context, row *Row) error {
	if row.ID() == "" {
		id := uuid.NewString()
		row.attrs[s.idColumn] = &id
	}

	columns := s.selectColumns()
	placeholders := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for i, column := range columns {
		placeholders = append(placeholders, s.dialect.placeholder(i+1))
		args = append(args, nullable(row.attrs[column]))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		s.table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	querier := database.GetTx(ctx, s.db)
	if _, err := querier.ExecContext(ctx, query, args...); err != nil {
		return apperrors.Wrap(err, "failed to insert row")
	}

	return nil
}

func (s *Store) update(ctx context.Context, row *Row) error {
	values := make(map[string]*string)
	for _, column := range s.columns {
		if row.dirty[column] {
			values[column] = row.attrs[column]
		}
	}
	if len(values) == 0 {
		return nil
	}
	return s.updateColumns(ctx, row, values)
}

func (s *Store) updateColumns(ctx context.Context, row *Row, values map[string]*string) error {
	if len(values) == 0 {
		return nil
	}
	if row.ID() == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "row has no identifier")
	}

	columns := make([]string, 0, len(values))
	for _, column := range s.columns {
		if _, ok := values[column]; ok {
			columns = append(columns, column)
		}
	}

	assignments := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns)+1)
	for i, column := range columns {
		assignments = append(assignments, fmt.Sprintf("%s = %s", column, s.dialect.placeholder(i+1)))
		args = append(args, nullable(values[column]))
	}
	args = append(args, row.ID())

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = %s",
		s.table,
		strings.Join(assignments, ", "),
		s.idColumn,
		s.dialect.placeholder(len(columns)+1),
	)

	querier := database.GetTx(ctx, s.db)
	if _, err := querier.ExecContext(ctx, query, args...); err != nil {
		return apperrors.Wrap(err, "failed to update row columns")
	}

	return nil
}

// buildFindBy renders a SELECT with one clause per predicate. Slice values
// become IN lists, nil values IS NULL checks. Clauses follow sorted key
// order so the rendered SQL is deterministic.
func (s *Store) buildFindBy(predicates map[string]any) (string, []any) {
	keys := make([]string, 0, len(predicates))
	for key := range predicates {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var clauses []string
	var args []any

	next := 1
	for _, column := range keys {
		value := predicates[column]

		switch v := value.(type) {
		case nil:
			clauses = append(clauses, column+" IS NULL")
		case []string:
			placeholders := make([]string, 0, len(v))
			for _, item := range v {
				placeholders = append(placeholders, s.dialect.placeholder(next))
				args = append(args, item)
				next++
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")))
		default:
			clauses = append(clauses, fmt.Sprintf("%s = %s", column, s.dialect.placeholder(next)))
			args = append(args, v)
			next++
		}
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s",
		strings.Join(s.selectColumns(), ", "),
		s.table,
	)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY " + s.idColumn

	return query, args
}

// selectColumns returns the primary key followed by the managed columns.
func (s *Store) selectColumns() []string {
	columns := make([]string, 0, len(s.columns)+1)
	columns = append(columns, s.idColumn)
	columns = append(columns, s.columns...)
	return columns
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRow(sc scanner) (*Row, error) {
	columns := s.selectColumns()
	values := make([]sql.NullString, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}

	attrs := make(map[string]*string, len(columns))
	for i, column := range columns {
		if values[i].Valid {
			v := values[i].String
			attrs[column] = &v
		} else {
			attrs[column] = nil
		}
	}

	return &Row{
		store: s,
		state: record.NewState(),
		attrs: attrs,
		dirty: make(map[string]bool),
	}, nil
}

func nullable(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
