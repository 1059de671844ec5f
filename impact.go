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

// ImpactSummary predicts the row counts a pending upload would apply.
type ImpactSummary struct {
	InsertCount uint64 `json:"insert_count"`
	UpdateCount uint64 `json:"update_count"`
	DeleteCount uint64 `json:"delete_count"`
}

// NoChanges reports whether applying the upload would change nothing.
func (s ImpactSummary) NoChanges() bool {
	return s.InsertCount == 0 && s.UpdateCount == 0 && s.DeleteCount == 0
}

// keySeparator joins multi-column key values into one comparable string.
// An unlikely byte sequence avoids collisions between ("a","b c") and
// ("a b","c").
const keySeparator = "\x1f"

func rowKey(row Row, primaryKey PrimaryKey) string {
	return strings.Join(primaryKeyValues(row, primaryKey), keySeparator)
}

// MergeImpact computes the merge-mode impact by reconciling the staged
// primary-key set S against the target key set T:
//
//	insert_count = |S − T|
//	update_count = |{k ∈ S ∩ T : rows differ on some shared non-key column}|
//	delete_count = 0
//
// Row equality is full-row over the non-key columns present in both
// relations; key-overlapping rows with no differing column are neither
// inserted nor updated. Values are compared after declared-type
// normalization so that e.g. "1.0" staged against a target "1" in a NUMBER
// column is not reported as an update.
func MergeImpact(schema []*ColumnInfo, primaryKey PrimaryKey, staged []Row, target []Row) ImpactSummary {
	compareCols := sharedNonKeyColumns(schema, primaryKey, staged, target)

	targetByKey := map[string]Row{}
	for _, row := range target {
		targetByKey[rowKey(row, primaryKey)] = row
	}

	var summary ImpactSummary
	seen := map[string]bool{}
	for _, stagedRow := range staged {
		key := rowKey(stagedRow, primaryKey)
		if seen[key] {
			// S is a set of key tuples; duplicate staged keys count once.
			continue
		}
		seen[key] = true

		targetRow, exists := targetByKey[key]
		if !exists {
			summary.InsertCount++
			continue
		}
		if rowsDiffer(compareCols, stagedRow, targetRow) {
			summary.UpdateCount++
		}
	}
	return summary
}

// ReplaceImpact computes the replace-mode impact: a full delete of the
// current target contents plus an insert of every staged row, independent
// of key overlap.
func ReplaceImpact(targetRows uint64, stagedRows int) ImpactSummary {
	return ImpactSummary{
		InsertCount: uint64(stagedRows),
		DeleteCount: targetRows,
	}
}

// sharedNonKeyColumns resolves which columns participate in the update
// comparison: declared non-key columns present in both the staged and
// target relations. Missing (overridden) columns are excluded on both
// sides.
func sharedNonKeyColumns(schema []*ColumnInfo, primaryKey PrimaryKey, staged []Row, target []Row) []*ColumnInfo {
	key := map[string]bool{}
	for _, col := range primaryKey {
		key[strings.ToUpper(col)] = true
	}
	present := func(rows []Row, name string) bool {
		if len(rows) == 0 {
			return true
		}
		_, ok := rows[0][name]
		return ok
	}
	var cols []*ColumnInfo
	for _, col := range schema {
		name := strings.ToUpper(col.Name)
		if key[name] {
			continue
		}
		if present(staged, name) && present(target, name) {
			cols = append(cols, col)
		}
	}
	return cols
}

func rowsDiffer(cols []*ColumnInfo, staged Row, target Row) bool {
	for _, col := range cols {
		name := strings.ToUpper(col.Name)
		if !cellsEqual(col.DataType, staged.Cell(name), target.Cell(name)) {
			return true
		}
	}
	return false
}

func cellsEqual(dataType string, a *string, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if *a == *b {
		return true
	}
	// Fall back to declared-type normalization so textual variants of the
	// same value ("01" vs "1") do not show up as updates.
	na, errA := NormalizeValue(dataType, *a)
	nb, errB := NormalizeValue(dataType, *b)
	if errA != nil || errB != nil {
		return false
	}
	return na == nb
}
