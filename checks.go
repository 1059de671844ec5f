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

package refdqcore

import (
	"fmt"
	"strings"
)

const (
	placeholderTable      = "table"
	placeholderPrimaryKey = "primary_key"

	// ViolationCap bounds the failing-row sample kept per check,
	// regardless of the actual violation count.
	ViolationCap = 10000

	// ViolationCountUnknown marks a check whose query was truncated at the
	// cap; at least ViolationCap rows violate the rule.
	ViolationCountUnknown int64 = -1
)

// RenderedCheck is one CheckConfig with its templates fully substituted and
// ready to execute.
type RenderedCheck struct {
	Type        string
	Description string
	SQL         string
}

// CheckResult is the outcome of executing one configured check. By contract
// the rendered query returns exactly the rows that violate the rule: zero
// rows means the check passed.
type CheckResult struct {
	Type        string           `json:"type"`
	Description string           `json:"description"`
	Passed      bool             `json:"passed"`
	Rows        []map[string]any `json:"rows,omitempty"`
	// ViolationCount is the number of violating rows, or
	// ViolationCountUnknown when the sample was truncated at ViolationCap.
	ViolationCount int64 `json:"violation_count"`
	// Error carries an infrastructure failure for this check alone; other
	// checks are unaffected.
	Error string `json:"error,omitempty"`
}

// RenderCheck substitutes the system-provided placeholders {table} and
// {primary_key} plus the check's own parameters into the definition's
// description and SQL templates. Parameters that name a column of the
// target schema substitute as validated identifiers; every other value
// substitutes as an escaped literal, so configuration can never splice raw
// SQL into a query. Unresolved placeholders fail with a ConfigurationError.
func RenderCheck(def *CheckDefinition, cfg *CheckConfig, w Warehouse, tableExpr string, primaryKey PrimaryKey, schema []*ColumnInfo) (*RenderedCheck, error) {
	columns := map[string]bool{}
	for _, col := range schema {
		columns[strings.ToUpper(col.Name)] = true
	}

	quotedKey := make([]string, 0, len(primaryKey))
	for _, col := range primaryKey {
		quotedKey = append(quotedKey, w.QuoteIdentifier(strings.ToUpper(col)))
	}

	sqlVars := map[string]string{
		placeholderTable:      tableExpr,
		placeholderPrimaryKey: strings.Join(quotedKey, ", "),
	}
	descVars := map[string]string{
		placeholderTable:      tableExpr,
		placeholderPrimaryKey: strings.Join(primaryKey, ", "),
	}
	for key, value := range cfg.Params {
		descVars[key] = value
		if IsIdentifier(value) && columns[strings.ToUpper(value)] {
			sqlVars[key] = w.QuoteIdentifier(strings.ToUpper(value))
		} else {
			sqlVars[key] = SQLValue(value)
		}
	}

	query, err := RenderTemplate(def.SQL, sqlVars)
	if err != nil {
		return nil, newConfigurationError("check %q sql: %v", cfg.Type, err)
	}
	description, err := RenderTemplate(def.Description, descVars)
	if err != nil {
		return nil, newConfigurationError("check %q description: %v", cfg.Type, err)
	}
	if cfg.Description != "" {
		description += "\n" + cfg.Description
	}

	return &RenderedCheck{
		Type:        cfg.Type,
		Description: description,
		SQL:         query,
	}, nil
}

// MergeTableExpression builds the relation a check validates in merge mode:
// the row-wise union of the staged rows and the target rows the merge would
// not overwrite, i.e. the post-merge state. Staged text columns are cast to
// the declared types so the union is well typed.
func MergeTableExpression(w Warehouse, staging string, target string, schema []*ColumnInfo, primaryKey PrimaryKey) string {
	castCols := make([]string, 0, len(schema))
	plainCols := make([]string, 0, len(schema))
	for _, col := range schema {
		name := strings.ToUpper(col.Name)
		castCols = append(castCols, fmt.Sprintf("%s as %s", w.CastColumn(name, col.DataType), w.QuoteIdentifier(name)))
		plainCols = append(plainCols, w.QuoteIdentifier(name))
	}

	keyMatch := make([]string, 0, len(primaryKey))
	for _, col := range primaryKey {
		quoted := w.QuoteIdentifier(strings.ToUpper(col))
		keyMatch = append(keyMatch, fmt.Sprintf("%s = tgt.%s", w.CastColumn(strings.ToUpper(col), keyColumnType(schema, col)), quoted))
	}

	return fmt.Sprintf(`(
select %s from %s src
union all
select %s from %s tgt
where not exists (
    select 1 from %s src
    where %s
)
) merged_rows`,
		strings.Join(castCols, ", "), staging,
		strings.Join(plainCols, ", "), target,
		staging,
		strings.Join(keyMatch, " and "))
}

func keyColumnType(schema []*ColumnInfo, column string) string {
	for _, col := range schema {
		if strings.EqualFold(col.Name, column) {
			return col.DataType
		}
	}
	return "VARCHAR"
}

// ReplaceTableExpression builds the relation a check validates in replace
// mode: the staged rows alone, cast to declared types, which is the full
// post-replace state.
func ReplaceTableExpression(w Warehouse, staging string, schema []*ColumnInfo) string {
	castCols := make([]string, 0, len(schema))
	for _, col := range schema {
		name := strings.ToUpper(col.Name)
		castCols = append(castCols, fmt.Sprintf("%s as %s", w.CastColumn(name, col.DataType), w.QuoteIdentifier(name)))
	}
	return fmt.Sprintf("(select %s from %s src) staged_rows", strings.Join(castCols, ", "), staging)
}
