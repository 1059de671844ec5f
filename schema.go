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

import "strings"

const (
	schemaDiffNotFound          = "(not found)"
	schemaDiffDifferentDataType = "(different data type)"
)

// SchemaTypeDiff is one informational row of the schema comparison detail:
// a declared column the staged relation is missing or stages under a
// different data type.
type SchemaTypeDiff struct {
	Column       string
	DeclaredType string
	StagedType   string
	Reason       string
}

// SchemaResult is the outcome of comparing the staged columns against the
// target table's declared columns. A mismatch is the only overridable
// failure class: the caller may explicitly continue, in which case the
// missing columns are simply absent from subsequent per-column stages.
type SchemaResult struct {
	// Missing lists declared columns absent from the staged relation, in
	// declared order. Empty means the schema matched.
	Missing []string
	// Overridden records the caller's explicit directive to continue
	// despite missing columns.
	Overridden bool
	// Diffs carries the informational column-by-column detail.
	Diffs []SchemaTypeDiff
}

// OK reports whether every declared column is present in the staged set.
func (r *SchemaResult) OK() bool {
	return len(r.Missing) == 0
}

// Accepted reports whether later validation stages may run: the schema
// matched, or the caller explicitly overrode the mismatch.
func (r *SchemaResult) Accepted() bool {
	return r.OK() || r.Overridden
}

// CompareColumns returns the declared columns missing from the staged
// column set, case-insensitive, in declared order.
func CompareColumns(declared []*ColumnInfo, staged []string) []string {
	present := map[string]bool{}
	for _, col := range staged {
		present[strings.ToUpper(col)] = true
	}
	var missing []string
	for _, col := range declared {
		if !present[strings.ToUpper(col.Name)] {
			missing = append(missing, strings.ToUpper(col.Name))
		}
	}
	return missing
}

// CompareSchemas builds the informational column-level diff between the
// declared target schema and the staged schema. Staged columns are always
// text, so a declared non-text column shows up as a data type difference;
// only the missing-column case gates the session.
func CompareSchemas(declared []*ColumnInfo, staged []*ColumnInfo) []SchemaTypeDiff {
	stagedTypes := map[string]string{}
	for _, col := range staged {
		stagedTypes[strings.ToUpper(col.Name)] = col.DataType
	}
	var diffs []SchemaTypeDiff
	for _, col := range declared {
		stagedType, ok := stagedTypes[strings.ToUpper(col.Name)]
		if !ok {
			diffs = append(diffs, SchemaTypeDiff{
				Column:       strings.ToUpper(col.Name),
				DeclaredType: col.DataType,
				StagedType:   schemaDiffNotFound,
				Reason:       schemaDiffNotFound,
			})
			continue
		}
		if !strings.EqualFold(stagedType, col.DataType) {
			diffs = append(diffs, SchemaTypeDiff{
				Column:       strings.ToUpper(col.Name),
				DeclaredType: col.DataType,
				StagedType:   stagedType,
				Reason:       schemaDiffDifferentDataType,
			})
		}
	}
	return diffs
}
