package adapters

import (
	"database/sql"
	"fmt"
	"strings"

	refdqcore "github.com/pyxel/refdq-core"
)

func quoteDoubleQuoted(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteBackticked(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func isTextType(dataType string) bool {
	base := strings.ToUpper(strings.TrimSpace(dataType))
	base = strings.TrimSuffix(strings.TrimPrefix(base, "NULLABLE("), ")")
	if idx := strings.Index(base, "("); idx >= 0 {
		base = base[:idx]
	}
	switch strings.TrimSpace(base) {
	case "VARCHAR", "CHAR", "CHARACTER", "CHARACTER VARYING", "STRING", "TEXT":
		return true
	}
	return false
}

// splitRelation separates a qualified relation name into its schema (or
// database) and table parts, taking the last two dot-separated segments.
func splitRelation(relation string) (string, string) {
	parts := strings.Split(relation, ".")
	if len(parts) < 2 {
		return "", relation
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

func composeNumericType(dataType string, precision sql.NullInt64, scale sql.NullInt64) string {
	upper := strings.ToUpper(dataType)
	if (upper == "NUMERIC" || upper == "DECIMAL" || upper == "NUMBER") && precision.Valid {
		return fmt.Sprintf("%s(%d,%d)", upper, precision.Int64, scale.Int64)
	}
	return upper
}

func stagingArgs(columns []string, row refdqcore.Row) []any {
	args := make([]any, 0, len(columns))
	for _, col := range columns {
		if cell := row.Cell(col); cell != nil {
			args = append(args, *cell)
		} else {
			args = append(args, nil)
		}
	}
	return args
}

func containsFold(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// scanTextRows reads every row of a text-cast result set into Row values
// keyed by uppercased column name.
func scanTextRows(rows *sql.Rows, columns []*refdqcore.ColumnInfo) ([]refdqcore.Row, error) {
	var out []refdqcore.Row
	for rows.Next() {
		cells := make([]sql.NullString, len(columns))
		args := make([]any, len(columns))
		for i := range cells {
			args[i] = &cells[i]
		}
		if err := rows.Scan(args...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(refdqcore.Row, len(columns))
		for i, col := range columns {
			if cells[i].Valid {
				value := cells[i].String
				row[strings.ToUpper(col.Name)] = &value
			} else {
				row[strings.ToUpper(col.Name)] = nil
			}
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error occurred during row iteration: %w", err)
	}
	return out, nil
}

// collectQueryResult drains an arbitrary result set into generic rows,
// stopping one past the limit to flag truncation.
func collectQueryResult(rows *sql.Rows, limit int) (*refdqcore.QueryResult, error) {
	columnNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	result := &refdqcore.QueryResult{}
	for rows.Next() {
		if limit > 0 && len(result.Rows) >= limit {
			result.Truncated = true
			break
		}

		values := make([]any, len(columnNames))
		args := make([]any, len(columnNames))
		for i := range values {
			args[i] = &values[i]
		}
		if err := rows.Scan(args...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		rowData := make(map[string]any, len(columnNames))
		for i, name := range columnNames {
			value := values[i]
			// Drivers hand back []byte for text columns.
			if b, ok := value.([]byte); ok {
				value = string(b)
			}
			rowData[strings.ToUpper(name)] = value
		}
		result.Rows = append(result.Rows, rowData)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error occurred during row iteration: %w", err)
	}
	return result, nil
}
