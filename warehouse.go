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

import "context"

// CommitPlan describes the final write of a validated upload.
type CommitPlan struct {
	TargetTable     string
	StagingRelation string
	// Columns lists the target columns to write, in declared order.
	Columns    []*ColumnInfo
	PrimaryKey PrimaryKey
	Mode       UploadMode
}

// QueryResult carries the rows returned by a rendered check query.
type QueryResult struct {
	Rows []map[string]any
	// Truncated is set when the query produced more rows than the
	// requested limit; the true total is then unknown.
	Truncated bool
}

// Warehouse is the interface the engine consumes from a warehouse backend.
// Implementations live under adapters/. Every method that touches the
// network takes a context; the session applies per-call timeouts.
type Warehouse interface {
	// Ping verifies connectivity and returns a server version string.
	Ping(ctx context.Context) (string, error)

	// CreateStaging materializes rows into a session-scoped relation with
	// the given uppercased text columns, preserving every value exactly as
	// supplied. A nil cell stores SQL NULL.
	CreateStaging(ctx context.Context, relation string, columns []string, rows []Row) error

	// TableColumns reports a relation's declared columns in ordinal order.
	TableColumns(ctx context.Context, table string) ([]*ColumnInfo, error)

	// FetchRows returns a relation's contents as text rows. A limit of 0
	// fetches everything.
	FetchRows(ctx context.Context, relation string, limit int) ([]Row, error)

	// RowCount reports a relation's current row count.
	RowCount(ctx context.Context, relation string) (uint64, error)

	// QueryRows executes a rendered check query and returns up to limit of
	// its result rows, flagging truncation.
	QueryRows(ctx context.Context, query string, limit int) (*QueryResult, error)

	// Drop removes a staging relation. Dropping a relation that no longer
	// exists is not an error.
	Drop(ctx context.Context, relation string) error

	// Commit applies the staged rows to the target table atomically:
	// either every planned insert/update/delete applies, or none do.
	Commit(ctx context.Context, plan *CommitPlan) error

	// ExecAction runs a post-upload action command.
	ExecAction(ctx context.Context, command string) error

	// CastColumn renders a backend-specific expression that converts a
	// staged text column to the declared type, for use in generated SQL.
	CastColumn(column string, dataType string) string

	// QuoteIdentifier renders a column or relation name with the backend's
	// identifier quoting.
	QuoteIdentifier(name string) string
}
