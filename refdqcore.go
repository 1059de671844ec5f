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

// Package refdqcore validates a user-supplied tabular file against a
// declaratively configured target table before it is merged into or used to
// replace that table, and predicts the insert/update/delete impact of the
// operation.
package refdqcore

import "strings"

// DataSourceType identifies the warehouse backend a target table lives in.
type DataSourceType string

const (
	DataSourceTypePostgresql DataSourceType = "postgresql"
	DataSourceTypeMysql      DataSourceType = "mysql"
	DataSourceTypeClickhouse DataSourceType = "clickhouse"
)

// ConnectionConfig holds the connection parameters for a warehouse.
type ConnectionConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DataSource describes one configured warehouse connection.
type DataSource struct {
	Name          string           `yaml:"name"`
	Type          DataSourceType   `yaml:"type"`
	Configuration ConnectionConfig `yaml:"configuration"`
}

// UploadMode selects how the staged file is applied to the target table.
type UploadMode string

const (
	// UploadModeMerge inserts new primary keys and updates changed existing
	// keys, leaving unmatched existing rows untouched.
	UploadModeMerge UploadMode = "merge"
	// UploadModeReplace deletes all existing rows and inserts only the
	// staged rows.
	UploadModeReplace UploadMode = "replace"
)

// ParseUploadMode validates a user-supplied mode string.
func ParseUploadMode(s string) (UploadMode, error) {
	switch UploadMode(strings.ToLower(strings.TrimSpace(s))) {
	case UploadModeMerge:
		return UploadModeMerge, nil
	case UploadModeReplace:
		return UploadModeReplace, nil
	default:
		return "", newConfigurationError("upload mode must be 'merge' or 'replace', got %q", s)
	}
}

// ColumnInfo represents one column of a warehouse relation.
type ColumnInfo struct {
	Name     string
	DataType string
	Position uint
}

// Row is a single relation row rendered as text. A nil cell is SQL NULL.
// Staged cells carry the user's original text end to end; no coercion is
// applied before the type validator performs its declared-type parse.
type Row map[string]*string

// Cell returns the value for a column, nil when NULL or absent.
func (r Row) Cell(column string) *string {
	return r[strings.ToUpper(column)]
}

// ColumnNames extracts the uppercased names of a schema, in declared order.
func ColumnNames(schema []*ColumnInfo) []string {
	names := make([]string, 0, len(schema))
	for _, col := range schema {
		names = append(names, strings.ToUpper(col.Name))
	}
	return names
}
