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
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TypeFailure records one staged cell whose original text cannot be parsed
// under the column's declared type. Collection never short-circuits: every
// offending cell in the relation produces its own record.
type TypeFailure struct {
	// Key holds the row's primary-key value(s) in key-column order.
	Key          []string
	Column       string
	Value        string
	ExpectedType string
}

var decimalRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02-Jan-2006",
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999 -07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseDataType splits a declared warehouse type such as NUMBER(10,2) into
// its base name and optional precision and scale.
func parseDataType(dataType string) (base string, precision int, scale int) {
	dataType = strings.ToUpper(strings.TrimSpace(dataType))
	open := strings.Index(dataType, "(")
	if open < 0 {
		return dataType, 0, 0
	}
	base = strings.TrimSpace(dataType[:open])
	args := strings.TrimSuffix(dataType[open+1:], ")")
	parts := strings.Split(args, ",")
	if len(parts) > 0 {
		precision, _ = strconv.Atoi(strings.TrimSpace(parts[0]))
	}
	if len(parts) > 1 {
		scale, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
	}
	return base, precision, scale
}

// NormalizeValue parses a cell's original text under the declared type's
// grammar and returns the canonical rendering. Parsing an already-normalized
// value is idempotent. String types always succeed and pass the text
// through unchanged.
func NormalizeValue(dataType string, raw string) (string, error) {
	base, precision, scale := parseDataType(dataType)
	text := strings.TrimSpace(raw)

	switch base {
	case "VARCHAR", "CHAR", "CHARACTER", "STRING", "TEXT":
		return raw, nil

	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT":
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%q is not a valid %s", raw, base)
		}
		return strconv.FormatInt(v, 10), nil

	case "NUMBER", "NUMERIC", "DECIMAL":
		return normalizeDecimal(raw, text, base, precision, scale)

	case "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "REAL":
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return "", fmt.Errorf("%q is not a valid %s", raw, base)
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil

	case "BOOLEAN", "BOOL":
		switch strings.ToLower(text) {
		case "true", "t", "yes", "y", "on", "1":
			return "TRUE", nil
		case "false", "f", "no", "n", "off", "0":
			return "FALSE", nil
		}
		return "", fmt.Errorf("%q is not a valid %s", raw, base)

	case "DATE":
		for _, layout := range dateLayouts {
			if v, err := time.Parse(layout, text); err == nil {
				return v.Format("2006-01-02"), nil
			}
		}
		return "", fmt.Errorf("%q is not a valid DATE", raw)

	case "TIMESTAMP", "TIMESTAMP_NTZ", "TIMESTAMP_LTZ", "TIMESTAMP_TZ", "DATETIME":
		for _, layout := range timestampLayouts {
			if v, err := time.Parse(layout, text); err == nil {
				return v.Format("2006-01-02 15:04:05.999999999"), nil
			}
		}
		return "", fmt.Errorf("%q is not a valid %s", raw, base)

	default:
		// Unknown declared types validate as text rather than failing the
		// whole column.
		return raw, nil
	}
}

func normalizeDecimal(raw, text, base string, precision, scale int) (string, error) {
	if !decimalRegex.MatchString(text) {
		return "", fmt.Errorf("%q is not a valid %s", raw, base)
	}

	sign := ""
	if strings.HasPrefix(text, "+") || strings.HasPrefix(text, "-") {
		if text[0] == '-' {
			sign = "-"
		}
		text = text[1:]
	}
	intPart, fracPart, _ := strings.Cut(text, ".")
	intPart = strings.TrimLeft(intPart, "0")
	fracPart = strings.TrimRight(fracPart, "0")

	// The warehouse rounds excess fractional digits, so only the integer
	// part is checked against the declared precision.
	if precision > 0 && len(intPart) > precision-scale {
		return "", fmt.Errorf("%q overflows %s(%d,%d)", raw, base, precision, scale)
	}

	if intPart == "" && fracPart == "" {
		return "0", nil
	}
	if intPart == "" {
		intPart = "0"
	}
	normalized := sign + intPart
	if fracPart != "" {
		normalized += "." + fracPart
	}
	if normalized == "-0" {
		normalized = "0"
	}
	return normalized, nil
}

// ValidateTypes sweeps every staged cell of every declared column and
// collects a TypeFailure per cell whose text does not parse under the
// column's declared type. Declared columns absent from the staged relation
// (the overridden-schema case) are skipped, as are NULL cells. Failures do
// not abort the remaining columns or rows.
func ValidateTypes(schema []*ColumnInfo, primaryKey PrimaryKey, stagedColumns []string, rows []Row) []TypeFailure {
	staged := map[string]bool{}
	for _, col := range stagedColumns {
		staged[strings.ToUpper(col)] = true
	}

	var failures []TypeFailure
	for _, row := range rows {
		for _, col := range schema {
			name := strings.ToUpper(col.Name)
			if !staged[name] {
				continue
			}
			cell := row.Cell(name)
			if cell == nil {
				continue
			}
			if _, err := NormalizeValue(col.DataType, *cell); err != nil {
				failures = append(failures, TypeFailure{
					Key:          primaryKeyValues(row, primaryKey),
					Column:       name,
					Value:        *cell,
					ExpectedType: strings.ToUpper(col.DataType),
				})
			}
		}
	}
	return failures
}

// primaryKeyValues renders a row's key values in key-column order. NULL
// key cells render as an empty string; the unique check is responsible for
// flagging them.
func primaryKeyValues(row Row, primaryKey PrimaryKey) []string {
	values := make([]string, 0, len(primaryKey))
	for _, col := range primaryKey {
		if cell := row.Cell(col); cell != nil {
			values = append(values, *cell)
		} else {
			values = append(values, "")
		}
	}
	return values
}
