// Copyright 2025 The RefDQ Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	refdqcore "github.com/pyxel/refdq-core"
)

// PostgresqlWarehouse implements refdqcore.Warehouse over database/sql with
// the lib/pq driver.
type PostgresqlWarehouse struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPostgresqlWarehouse(db *sql.DB, logger *slog.Logger) refdqcore.Warehouse {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &PostgresqlWarehouse{
		db:     db,
		logger: logger,
	}
}

func (w *PostgresqlWarehouse) Ping(ctx context.Context) (string, error) {
	var version string
	if err := w.db.QueryRowContext(ctx, "select version()").Scan(&version); err != nil {
		return "", err
	}
	return version, nil
}

func (w *PostgresqlWarehouse) QuoteIdentifier(name string) string {
	return quoteDoubleQuoted(name)
}

func (w *PostgresqlWarehouse) CastColumn(column string, dataType string) string {
	quoted := w.QuoteIdentifier(column)
	if isTextType(dataType) {
		return quoted
	}
	return fmt.Sprintf("cast(%s as %s)", quoted, dataType)
}

func (w *PostgresqlWarehouse) CreateStaging(ctx context.Context, relation string, columns []string, rows []refdqcore.Row) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin staging transaction: %w", err)
	}
	defer tx.Rollback()

	colDefs := make([]string, 0, len(columns))
	for _, col := range columns {
		colDefs = append(colDefs, fmt.Sprintf("%s text", w.QuoteIdentifier(col)))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("create table %s (%s)", relation, strings.Join(colDefs, ", "))); err != nil {
		return fmt.Errorf("failed to create staging relation %s: %w", relation, err)
	}

	placeholders := make([]string, 0, len(columns))
	quotedCols := make([]string, 0, len(columns))
	for i, col := range columns {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		quotedCols = append(quotedCols, w.QuoteIdentifier(col))
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("insert into %s (%s) values (%s)",
		relation, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare staging insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		args := stagingArgs(columns, row)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to stage row: %w", err)
		}
	}

	return tx.Commit()
}

func (w *PostgresqlWarehouse) TableColumns(ctx context.Context, table string) ([]*refdqcore.ColumnInfo, error) {
	schemaName, tableName := splitRelation(table)
	query := `
		select column_name, data_type, numeric_precision, numeric_scale, ordinal_position
		from information_schema.columns
		where lower(table_schema) = lower($1) and lower(table_name) = lower($2)
		order by ordinal_position`

	rows, err := w.db.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query information_schema.columns: %w", err)
	}
	defer rows.Close()

	var columns []*refdqcore.ColumnInfo
	for rows.Next() {
		var (
			name, dataType   string
			precision, scale sql.NullInt64
			position         uint
		)
		if err := rows.Scan(&name, &dataType, &precision, &scale, &position); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		columns = append(columns, &refdqcore.ColumnInfo{
			Name:     strings.ToUpper(name),
			DataType: composeNumericType(dataType, precision, scale),
			Position: position,
		})
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error occurred during row iteration: %w", err)
	}

	return columns, nil
}

func (w *PostgresqlWarehouse) FetchRows(ctx context.Context, relation string, limit int) ([]refdqcore.Row, error) {
	columns, err := w.TableColumns(ctx, relation)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("relation %s has no columns", relation)
	}

	selectCols := make([]string, 0, len(columns))
	for _, col := range columns {
		selectCols = append(selectCols, fmt.Sprintf("cast(%s as text)", w.QuoteIdentifier(col.Name)))
	}
	query := fmt.Sprintf("select %s from %s", strings.Join(selectCols, ", "), relation)
	if limit > 0 {
		query = fmt.Sprintf("%s limit %d", query, limit)
	}

	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rows from %s: %w", relation, err)
	}
	defer rows.Close()

	return scanTextRows(rows, columns)
}

func (w *PostgresqlWarehouse) RowCount(ctx context.Context, relation string) (uint64, error) {
	var count uint64
	if err := w.db.QueryRowContext(ctx, fmt.Sprintf("select count(*) from %s", relation)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", relation, err)
	}
	return count, nil
}

func (w *PostgresqlWarehouse) QueryRows(ctx context.Context, query string, limit int) (*refdqcore.QueryResult, error) {
	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	return collectQueryResult(rows, limit)
}

func (w *PostgresqlWarehouse) Drop(ctx context.Context, relation string) error {
	_, err := w.db.ExecContext(ctx, fmt.Sprintf("drop table if exists %s", relation))
	if err != nil {
		return fmt.Errorf("failed to drop relation %s: %w", relation, err)
	}
	return nil
}

// Commit applies the staged rows inside a single transaction, so either
// every planned insert/update/delete applies or none do.
func (w *PostgresqlWarehouse) Commit(ctx context.Context, plan *refdqcore.CommitPlan) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback()

	insertCols := make([]string, 0, len(plan.Columns))
	selectCols := make([]string, 0, len(plan.Columns))
	for _, col := range plan.Columns {
		insertCols = append(insertCols, w.QuoteIdentifier(col.Name))
		selectCols = append(selectCols, w.CastColumn(col.Name, col.DataType))
	}

	if plan.Mode == refdqcore.UploadModeReplace {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("delete from %s", plan.TargetTable)); err != nil {
			return fmt.Errorf("failed to clear target table: %w", err)
		}
		insert := fmt.Sprintf("insert into %s (%s) select %s from %s",
			plan.TargetTable, strings.Join(insertCols, ", "), strings.Join(selectCols, ", "), plan.StagingRelation)
		if _, err := tx.ExecContext(ctx, insert); err != nil {
			return fmt.Errorf("failed to insert staged rows: %w", err)
		}
		return tx.Commit()
	}

	keyCols := make([]string, 0, len(plan.PrimaryKey))
	for _, col := range plan.PrimaryKey {
		keyCols = append(keyCols, w.QuoteIdentifier(strings.ToUpper(col)))
	}
	updates := make([]string, 0, len(plan.Columns))
	for _, col := range plan.Columns {
		if containsFold(plan.PrimaryKey, col.Name) {
			continue
		}
		quoted := w.QuoteIdentifier(col.Name)
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoted, quoted))
	}

	merge := fmt.Sprintf("insert into %s (%s) select %s from %s on conflict (%s) ",
		plan.TargetTable, strings.Join(insertCols, ", "), strings.Join(selectCols, ", "),
		plan.StagingRelation, strings.Join(keyCols, ", "))
	if len(updates) == 0 {
		merge += "do nothing"
	} else {
		merge += "do update set " + strings.Join(updates, ", ")
	}
	if _, err := tx.ExecContext(ctx, merge); err != nil {
		return fmt.Errorf("failed to merge staged rows: %w", err)
	}
	return tx.Commit()
}

func (w *PostgresqlWarehouse) ExecAction(ctx context.Context, command string) error {
	if _, err := w.db.ExecContext(ctx, command); err != nil {
		return fmt.Errorf("failed to execute action command: %w", err)
	}
	return nil
}
