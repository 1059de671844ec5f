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
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	refdqcore "github.com/pyxel/refdq-core"
)

// ClickhouseWarehouse implements refdqcore.Warehouse over the native
// clickhouse-go driver. ClickHouse has no multi-statement transactions;
// Commit documents how the all-or-nothing contract is approximated.
type ClickhouseWarehouse struct {
	cnn    driver.Conn
	logger *slog.Logger
}

func NewClickhouseWarehouse(cnn driver.Conn, logger *slog.Logger) refdqcore.Warehouse {
	if logger == nil {
		// noop logger by default
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &ClickhouseWarehouse{
		cnn:    cnn,
		logger: logger,
	}
}

func (w *ClickhouseWarehouse) Ping(ctx context.Context) (string, error) {
	info, err := w.cnn.ServerVersion()
	if err != nil {
		return "", err
	}
	return info.String(), nil
}

func (w *ClickhouseWarehouse) QuoteIdentifier(name string) string {
	return quoteBackticked(name)
}

func (w *ClickhouseWarehouse) CastColumn(column string, dataType string) string {
	quoted := w.QuoteIdentifier(column)
	if isTextType(dataType) {
		return quoted
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(strings.ToUpper(dataType), "NULLABLE("), ")")
	return fmt.Sprintf("accurateCastOrNull(%s, '%s')", quoted, normalizeClickhouseType(inner))
}

func normalizeClickhouseType(dataType string) string {
	base := dataType
	args := ""
	if idx := strings.Index(base, "("); idx >= 0 {
		args = base[idx:]
		base = base[:idx]
	}
	switch strings.TrimSpace(base) {
	case "INT", "INTEGER", "BIGINT":
		return "Int64"
	case "SMALLINT":
		return "Int16"
	case "TINYINT":
		return "Int8"
	case "NUMBER", "NUMERIC", "DECIMAL":
		if args != "" {
			return "Decimal" + args
		}
		return "Decimal(38,9)"
	case "FLOAT", "FLOAT8", "DOUBLE", "REAL":
		return "Float64"
	case "FLOAT4":
		return "Float32"
	case "BOOLEAN", "BOOL":
		return "Bool"
	case "DATE":
		return "Date"
	case "TIMESTAMP", "DATETIME":
		return "DateTime"
	default:
		// Already a ClickHouse type name (system.columns is the usual
		// schema source here).
		return dataType
	}
}

func (w *ClickhouseWarehouse) CreateStaging(ctx context.Context, relation string, columns []string, rows []refdqcore.Row) error {
	colDefs := make([]string, 0, len(columns))
	for _, col := range columns {
		colDefs = append(colDefs, fmt.Sprintf("%s Nullable(String)", w.QuoteIdentifier(col)))
	}
	create := fmt.Sprintf("create table %s (%s) engine = Memory", relation, strings.Join(colDefs, ", "))
	if err := w.cnn.Exec(ctx, create); err != nil {
		return fmt.Errorf("failed to create staging relation %s: %w", relation, err)
	}

	batch, err := w.cnn.PrepareBatch(ctx, fmt.Sprintf("insert into %s", relation))
	if err != nil {
		return fmt.Errorf("failed to prepare staging batch: %w", err)
	}
	for _, row := range rows {
		args := make([]any, 0, len(columns))
		for _, col := range columns {
			args = append(args, row.Cell(col))
		}
		if err := batch.Append(args...); err != nil {
			return fmt.Errorf("failed to stage row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send staging batch: %w", err)
	}
	return nil
}

func (w *ClickhouseWarehouse) TableColumns(ctx context.Context, table string) ([]*refdqcore.ColumnInfo, error) {
	databaseName, tableName := splitRelation(table)
	query := `
		select name, type, position
		from system.columns
		where database = ? and table = ?
		order by position`

	rows, err := w.cnn.Query(ctx, query, databaseName, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query system.columns: %w", err)
	}
	defer rows.Close()

	var columns []*refdqcore.ColumnInfo
	for rows.Next() {
		var (
			name, dataType string
			position       uint64
		)
		if err := rows.Scan(&name, &dataType, &position); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		columns = append(columns, &refdqcore.ColumnInfo{
			Name:     strings.ToUpper(name),
			DataType: dataType,
			Position: uint(position),
		})
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error occurred during row iteration: %w", err)
	}

	return columns, nil
}

func (w *ClickhouseWarehouse) FetchRows(ctx context.Context, relation string, limit int) ([]refdqcore.Row, error) {
	columns, err := w.TableColumns(ctx, relation)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("relation %s has no columns", relation)
	}

	selectCols := make([]string, 0, len(columns))
	for _, col := range columns {
		selectCols = append(selectCols, fmt.Sprintf("cast(%s as Nullable(String))", w.QuoteIdentifier(col.Name)))
	}
	query := fmt.Sprintf("select %s from %s", strings.Join(selectCols, ", "), relation)
	if limit > 0 {
		query = fmt.Sprintf("%s limit %d", query, limit)
	}

	rows, err := w.cnn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rows from %s: %w", relation, err)
	}
	defer rows.Close()

	var out []refdqcore.Row
	for rows.Next() {
		cells := make([]*string, len(columns))
		args := make([]any, len(columns))
		for i := range cells {
			args[i] = &cells[i]
		}
		if err := rows.Scan(args...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(refdqcore.Row, len(columns))
		for i, col := range columns {
			row[strings.ToUpper(col.Name)] = cells[i]
		}
		out = append(out, row)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error occurred during row iteration: %w", err)
	}
	return out, nil
}

func (w *ClickhouseWarehouse) RowCount(ctx context.Context, relation string) (uint64, error) {
	var count uint64
	row := w.cnn.QueryRow(ctx, fmt.Sprintf("select count(*) from %s", relation))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", relation, err)
	}
	return count, nil
}

func (w *ClickhouseWarehouse) QueryRows(ctx context.Context, query string, limit int) (*refdqcore.QueryResult, error) {
	rows, err := w.cnn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := &refdqcore.QueryResult{}
	for rows.Next() {
		if limit > 0 && len(result.Rows) >= limit {
			result.Truncated = true
			break
		}

		scanArgs := make([]any, len(rows.Columns()))
		for i, colType := range rows.ColumnTypes() {
			scanArgs[i] = reflect.New(colType.ScanType()).Interface()
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		rowData := make(map[string]any, len(scanArgs))
		for i, colName := range rows.Columns() {
			rowData[strings.ToUpper(colName)] = reflect.ValueOf(scanArgs[i]).Elem().Interface()
		}
		result.Rows = append(result.Rows, rowData)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error occurred during row iteration: %w", err)
	}
	return result, nil
}

func (w *ClickhouseWarehouse) Drop(ctx context.Context, relation string) error {
	if err := w.cnn.Exec(ctx, fmt.Sprintf("drop table if exists %s", relation)); err != nil {
		return fmt.Errorf("failed to drop relation %s: %w", relation, err)
	}
	return nil
}

// Commit applies the staged rows. ClickHouse has no multi-statement
// transactions, so atomicity is approximated: the new contents are built
// in a shadow table and swapped in with EXCHANGE TABLES, which is atomic.
// The previous contents survive in the shadow table until it is dropped.
func (w *ClickhouseWarehouse) Commit(ctx context.Context, plan *refdqcore.CommitPlan) error {
	shadow := shadowTableName(plan)

	if err := w.cnn.Exec(ctx, fmt.Sprintf("drop table if exists %s", shadow)); err != nil {
		return fmt.Errorf("failed to clear shadow table: %w", err)
	}
	if err := w.cnn.Exec(ctx, fmt.Sprintf("create table %s as %s", shadow, plan.TargetTable)); err != nil {
		return fmt.Errorf("failed to create shadow table: %w", err)
	}

	insertCols := make([]string, 0, len(plan.Columns))
	selectCols := make([]string, 0, len(plan.Columns))
	for _, col := range plan.Columns {
		insertCols = append(insertCols, w.QuoteIdentifier(col.Name))
		selectCols = append(selectCols, w.CastColumn(col.Name, col.DataType))
	}

	insertStaged := fmt.Sprintf("insert into %s (%s) select %s from %s",
		shadow, strings.Join(insertCols, ", "), strings.Join(selectCols, ", "), plan.StagingRelation)

	if plan.Mode == refdqcore.UploadModeMerge {
		if err := w.cnn.Exec(ctx, w.carryOverSQL(plan, shadow)); err != nil {
			return fmt.Errorf("failed to carry over unmatched rows: %w", err)
		}
	}

	if err := w.cnn.Exec(ctx, insertStaged); err != nil {
		return fmt.Errorf("failed to insert staged rows: %w", err)
	}

	if err := w.cnn.Exec(ctx, fmt.Sprintf("exchange tables %s and %s", shadow, plan.TargetTable)); err != nil {
		return fmt.Errorf("failed to swap in new contents: %w", err)
	}
	if err := w.cnn.Exec(ctx, fmt.Sprintf("drop table if exists %s", shadow)); err != nil {
		w.logger.Warn("failed to drop shadow table after swap", "table", shadow, "error", err.Error())
	}
	return nil
}

// carryOverSQL copies the target rows the merge does not overwrite into the
// shadow table. Key matching uses per-column equality under not exists
// rather than a NOT IN tuple: a staged key cell that casts to NULL then
// matches nothing instead of poisoning the whole subquery, so a merge can
// never lose unmatched target rows.
func (w *ClickhouseWarehouse) carryOverSQL(plan *refdqcore.CommitPlan, shadow string) string {
	keyMatch := make([]string, 0, len(plan.PrimaryKey))
	for _, key := range plan.PrimaryKey {
		upper := strings.ToUpper(key)
		keyMatch = append(keyMatch, fmt.Sprintf("%s = tgt.%s",
			w.CastColumn(upper, keyType(plan.Columns, upper)), w.QuoteIdentifier(upper)))
	}
	return fmt.Sprintf("insert into %s select * from %s tgt where not exists (select 1 from %s src where %s)",
		shadow, plan.TargetTable, plan.StagingRelation, strings.Join(keyMatch, " and "))
}

// shadowTableName derives a session-scoped shadow table from the staging
// relation's identifier, so concurrent commits to the same target never
// touch each other's shadow.
func shadowTableName(plan *refdqcore.CommitPlan) string {
	_, staging := splitRelation(plan.StagingRelation)
	suffix := staging
	if idx := strings.LastIndex(staging, "_"); idx >= 0 {
		suffix = staging[idx+1:]
	}
	return fmt.Sprintf("%s_swap_%s", plan.TargetTable, suffix)
}

func keyType(columns []*refdqcore.ColumnInfo, name string) string {
	for _, col := range columns {
		if strings.EqualFold(col.Name, name) {
			return col.DataType
		}
	}
	return "STRING"
}

func (w *ClickhouseWarehouse) ExecAction(ctx context.Context, command string) error {
	if err := w.cnn.Exec(ctx, command); err != nil {
		return fmt.Errorf("failed to execute action command: %w", err)
	}
	return nil
}
