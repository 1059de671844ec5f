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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState tracks one upload session through its linear lifecycle:
// Staged → SchemaChecked → Reported → {Committed | Reset}. The type, check
// and impact stages run between SchemaChecked and Reported with no data
// dependency on each other.
type SessionState string

const (
	StateNew           SessionState = "new"
	StateStaged        SessionState = "staged"
	StateSchemaChecked SessionState = "schema_checked"
	StateReported      SessionState = "reported"
	StateCommitted     SessionState = "committed"
	StateReset         SessionState = "reset"
)

const (
	stageTypeValidation = "type_validation"
	stageImpact         = "impact"
)

// Session orchestrates the validation and upload of one staged file against
// one configured target table. It is the sole interface the UI layer uses.
// A session owns its staging relation exclusively; concurrent sessions
// materialize under distinct session-scoped identifiers.
type Session struct {
	id        string
	warehouse Warehouse
	registry  *Registry
	table     *TableDefinition
	mode      UploadMode
	settings  *Settings
	logger    *slog.Logger

	staging       string
	schema        []*ColumnInfo
	stagedColumns []string
	stagedRows    []Row

	mu           sync.Mutex
	state        SessionState
	schemaResult SchemaResult
	report       *ValidationReport
	cancelRun    context.CancelFunc
}

// NewSession prepares an upload session for the named table. Configuration
// problems (unknown table, bad mode) surface here, before any data is
// processed.
func NewSession(w Warehouse, registry *Registry, tableName string, mode UploadMode, settings *Settings, logger *slog.Logger) (*Session, error) {
	table, err := registry.Table(tableName)
	if err != nil {
		return nil, err
	}
	if mode != UploadModeMerge && mode != UploadModeReplace {
		return nil, newConfigurationError("upload mode must be 'merge' or 'replace', got %q", mode)
	}
	if settings == nil {
		settings = DefaultSettings()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	short := table.TargetTable
	if idx := strings.LastIndex(short, "."); idx >= 0 {
		short = short[idx+1:]
	}

	return &Session{
		id:        id,
		warehouse: w,
		registry:  registry,
		table:     table,
		mode:      mode,
		settings:  settings,
		logger:    logger.With("session_id", id, "table", tableName),
		staging:   fmt.Sprintf("%s.upload_%s_%s", settings.TempSchema, strings.ToLower(short), id),
		state:     StateNew,
	}, nil
}

// ID returns the session-scoped identifier embedded in the staging
// relation name.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StagingRelation returns the fully qualified name of the session's
// staging relation.
func (s *Session) StagingRelation() string { return s.staging }

// Stage materializes the uploaded rows as the session's staging relation,
// all values preserved as the user's original text, column names
// uppercased. It also loads the target table's declared schema.
func (s *Session) Stage(ctx context.Context, columns []string, rows []Row) error {
	s.mu.Lock()
	if s.state != StateNew {
		s.mu.Unlock()
		return fmt.Errorf("cannot stage from state %s", s.state)
	}
	s.mu.Unlock()

	upperCols := make([]string, 0, len(columns))
	for _, col := range columns {
		upperCols = append(upperCols, strings.ToUpper(col))
	}
	upperRows := make([]Row, 0, len(rows))
	for _, row := range rows {
		upper := make(Row, len(row))
		for col, val := range row {
			upper[strings.ToUpper(col)] = val
		}
		upperRows = append(upperRows, upper)
	}

	var schema []*ColumnInfo
	err := s.warehouseCall(ctx, "stage", func(ctx context.Context) error {
		var err error
		schema, err = s.warehouse.TableColumns(ctx, s.table.TargetTable)
		return err
	})
	if err != nil {
		return err
	}
	if len(schema) == 0 {
		return newConfigurationError("target table %q has no columns", s.table.TargetTable)
	}

	declared := map[string]bool{}
	for _, col := range schema {
		declared[strings.ToUpper(col.Name)] = true
	}
	for _, col := range s.table.PrimaryKey {
		if !declared[strings.ToUpper(col)] {
			return newConfigurationError("primary key column %q is not a column of %s", col, s.table.TargetTable)
		}
	}

	err = s.warehouseCall(ctx, "stage", func(ctx context.Context) error {
		return s.warehouse.CreateStaging(ctx, s.staging, upperCols, upperRows)
	})
	if err != nil {
		// Cleanup in case the staging relation was partially created.
		s.dropStaging(context.WithoutCancel(ctx))
		return err
	}

	s.mu.Lock()
	s.schema = schema
	s.stagedColumns = upperCols
	s.stagedRows = upperRows
	s.state = StateStaged
	s.mu.Unlock()

	s.logger.Debug("staged upload", "staging", s.staging, "rows", len(upperRows))
	return nil
}

// ValidateSchema compares the staged columns against the target table's
// declared columns. A mismatch is overridable via OverrideSchema unless a
// primary key column is among the missing.
func (s *Session) ValidateSchema(ctx context.Context) (*SchemaResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStaged && s.state != StateSchemaChecked {
		return nil, fmt.Errorf("cannot validate schema from state %s", s.state)
	}

	stagedSchema := make([]*ColumnInfo, 0, len(s.stagedColumns))
	for i, col := range s.stagedColumns {
		stagedSchema = append(stagedSchema, &ColumnInfo{Name: col, DataType: "TEXT", Position: uint(i + 1)})
	}

	s.schemaResult = SchemaResult{
		Missing: CompareColumns(s.schema, s.stagedColumns),
		Diffs:   CompareSchemas(s.schema, stagedSchema),
	}
	s.state = StateSchemaChecked

	result := s.schemaResult
	return &result, nil
}

// OverrideSchema is the caller's explicit directive to continue despite
// missing columns; those columns are simply absent from subsequent
// per-column stages. Missing primary key columns cannot be overridden.
func (s *Session) OverrideSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSchemaChecked {
		return fmt.Errorf("cannot override schema from state %s", s.state)
	}
	for _, missing := range s.schemaResult.Missing {
		for _, key := range s.table.PrimaryKey {
			if strings.EqualFold(missing, key) {
				return fmt.Errorf("missing primary key column %s cannot be overridden", missing)
			}
		}
	}
	s.schemaResult.Overridden = true
	return nil
}

// Validate runs the type, check and impact stages concurrently on a
// bounded worker pool and assembles the immutable validation report. If
// the schema was not accepted, the report exposes only the schema result.
// Stages have no data dependency on each other; an infrastructure failure
// in one surfaces as that stage's own error and never aborts the rest.
func (s *Session) Validate(ctx context.Context) (*ValidationReport, error) {
	s.mu.Lock()
	if s.state != StateSchemaChecked && s.state != StateReported {
		s.mu.Unlock()
		return nil, fmt.Errorf("cannot validate from state %s", s.state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	s.mu.Unlock()
	defer cancel()

	report, err := s.runValidation(runCtx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReset || s.state == StateCommitted {
		return nil, ErrSessionClosed
	}
	s.report = report
	s.state = StateReported
	return report, nil
}

func (s *Session) runValidation(ctx context.Context) (*ValidationReport, error) {
	s.mu.Lock()
	schemaResult := s.schemaResult
	s.mu.Unlock()

	report := &ValidationReport{
		Table:      s.table.Name,
		Mode:       s.mode,
		StagedRows: len(s.stagedRows),
		Schema:     schemaResult,
	}

	if !schemaResult.Accepted() {
		// Session halts at the schema gate.
		return report, nil
	}

	// Render every check up front so configuration defects surface before
	// any query runs.
	var tableExpr string
	if s.mode == UploadModeMerge {
		tableExpr = MergeTableExpression(s.warehouse, s.staging, s.table.TargetTable, s.schema, s.table.PrimaryKey)
	} else {
		tableExpr = ReplaceTableExpression(s.warehouse, s.staging, s.schema)
	}
	rendered := make([]*RenderedCheck, len(s.table.Checks))
	for i := range s.table.Checks {
		cfg := &s.table.Checks[i]
		def, err := s.registry.CheckDefinition(cfg.Type)
		if err != nil {
			return nil, err
		}
		rc, err := RenderCheck(def, cfg, s.warehouse, tableExpr, s.table.PrimaryKey, s.schema)
		if err != nil {
			return nil, err
		}
		rendered[i] = rc
	}

	var (
		mu           sync.Mutex
		typeFailures []TypeFailure
		impact       ImpactSummary
		stageErrors  []StageError
		checkResults = make([]*CheckResult, len(rendered))
	)
	recordStageError := func(stage string, err error) {
		mu.Lock()
		stageErrors = append(stageErrors, StageError{Stage: stage, Message: err.Error()})
		mu.Unlock()
	}

	pool := NewTaskPool(s.settings.MaxConcurrentTasks, s.logger)

	pool.Enqueue(ctx, stageTypeValidation, func(ctx context.Context) error {
		failures := ValidateTypes(s.schema, s.table.PrimaryKey, s.stagedColumns, s.stagedRows)
		mu.Lock()
		typeFailures = failures
		mu.Unlock()
		return nil
	})

	for i := range rendered {
		i := i
		pool.Enqueue(ctx, "check_"+rendered[i].Type, func(ctx context.Context) error {
			result := s.runCheck(ctx, rendered[i])
			mu.Lock()
			checkResults[i] = result
			mu.Unlock()
			return nil
		})
	}

	pool.Enqueue(ctx, stageImpact, func(ctx context.Context) error {
		summary, err := s.computeImpact(ctx)
		if err != nil {
			recordStageError(stageImpact, err)
			return nil
		}
		mu.Lock()
		impact = summary
		mu.Unlock()
		return nil
	})

	pool.Join()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Assemble in configuration order, not completion order.
	report.Types = typeFailures
	report.Impact = impact
	report.Stages = stageErrors
	report.Checks = make([]CheckResult, len(checkResults))
	for i, result := range checkResults {
		if result != nil {
			report.Checks[i] = *result
		}
	}
	return report, nil
}

func (s *Session) runCheck(ctx context.Context, check *RenderedCheck) *CheckResult {
	result := &CheckResult{Type: check.Type, Description: check.Description}

	var queryResult *QueryResult
	err := s.warehouseCall(ctx, "check_"+check.Type, func(ctx context.Context) error {
		s.logger.Debug("executing query for check",
			"check_type", check.Type,
			"check_query", check.SQL)
		startTime := time.Now()
		var err error
		queryResult, err = s.warehouse.QueryRows(ctx, check.SQL, ViolationCap)
		s.logger.Debug("query completed in time",
			"check_type", check.Type,
			"duration_ms", time.Since(startTime).Milliseconds())
		return err
	})
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Rows = queryResult.Rows
	result.Passed = len(queryResult.Rows) == 0
	if queryResult.Truncated {
		result.ViolationCount = ViolationCountUnknown
	} else {
		result.ViolationCount = int64(len(queryResult.Rows))
	}
	return result
}

func (s *Session) computeImpact(ctx context.Context) (ImpactSummary, error) {
	if s.mode == UploadModeReplace {
		var count uint64
		err := s.warehouseCall(ctx, stageImpact, func(ctx context.Context) error {
			var err error
			count, err = s.warehouse.RowCount(ctx, s.table.TargetTable)
			return err
		})
		if err != nil {
			return ImpactSummary{}, err
		}
		return ReplaceImpact(count, len(s.stagedRows)), nil
	}

	var target []Row
	err := s.warehouseCall(ctx, stageImpact, func(ctx context.Context) error {
		var err error
		target, err = s.warehouse.FetchRows(ctx, s.table.TargetTable, 0)
		return err
	})
	if err != nil {
		return ImpactSummary{}, err
	}
	return MergeImpact(s.schema, s.table.PrimaryKey, s.stagedRows, target), nil
}

// Report returns the most recent validation report, nil before Validate.
func (s *Session) Report() *ValidationReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Commit applies the staged upload to the target table. The validation
// gate is re-checked with a fresh run immediately before the write, since
// the underlying data could have changed between report generation and the
// user's confirmation. The write itself is atomic; on failure the target
// table is unchanged and a CommitError is returned.
func (s *Session) Commit(ctx context.Context) (*ValidationReport, error) {
	s.mu.Lock()
	if s.state != StateReported {
		s.mu.Unlock()
		return nil, fmt.Errorf("cannot commit from state %s", s.state)
	}
	s.mu.Unlock()

	report, err := s.runValidation(ctx)
	if err != nil {
		return nil, err
	}
	if !report.UploadAllowed() {
		s.mu.Lock()
		s.report = report
		s.mu.Unlock()
		return report, ErrUploadNotAllowed
	}

	plan := &CommitPlan{
		TargetTable:     s.table.TargetTable,
		StagingRelation: s.staging,
		Columns:         s.commitColumns(),
		PrimaryKey:      s.table.PrimaryKey,
		Mode:            s.mode,
	}
	err = s.warehouseCall(ctx, "commit", func(ctx context.Context) error {
		return s.warehouse.Commit(ctx, plan)
	})
	if err != nil {
		s.mu.Lock()
		s.report = report
		s.mu.Unlock()
		return report, &CommitError{Err: err}
	}

	if action := s.table.Action; action != nil && action.Trigger == ActionTriggerOnUpload {
		if err := s.warehouseCall(ctx, "action", func(ctx context.Context) error {
			return s.warehouse.ExecAction(ctx, action.Command)
		}); err != nil {
			s.logger.Error("post-upload action failed", "action", action.Name, "error", err.Error())
			report.ActionNote = fmt.Sprintf("upload committed, but action %q failed: %v", action.Name, err)
		}
	}

	s.dropStaging(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.report = report
	s.state = StateCommitted
	s.mu.Unlock()

	s.logger.Debug("upload committed", "mode", s.mode,
		"inserts", report.Impact.InsertCount,
		"updates", report.Impact.UpdateCount,
		"deletes", report.Impact.DeleteCount)
	return report, nil
}

// commitColumns restricts the write to declared columns actually staged,
// so an overridden schema never writes columns the file did not carry.
func (s *Session) commitColumns() []*ColumnInfo {
	staged := map[string]bool{}
	for _, col := range s.stagedColumns {
		staged[col] = true
	}
	var cols []*ColumnInfo
	for _, col := range s.schema {
		if staged[strings.ToUpper(col.Name)] {
			cols = append(cols, col)
		}
	}
	return cols
}

// Reset abandons the session from any point: in-flight validation work is
// cancelled and the staging relation is dropped on every exit path.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateCommitted || s.state == StateReset {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	cancel := s.cancelRun
	staged := s.state != StateNew
	s.state = StateReset
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if staged {
		s.dropStaging(context.WithoutCancel(ctx))
	}
	s.logger.Debug("session reset")
	return nil
}

func (s *Session) dropStaging(ctx context.Context) {
	err := s.warehouseCall(ctx, "drop", func(ctx context.Context) error {
		return s.warehouse.Drop(ctx, s.staging)
	})
	if err != nil {
		// The shared temp schema is periodically swept; losing one drop
		// must not fail the session transition.
		s.logger.Error("failed to drop staging relation", "staging", s.staging, "error", err.Error())
	}
}

// TargetSample returns up to the configured number of target table rows
// for UI preview.
func (s *Session) TargetSample(ctx context.Context) ([]Row, error) {
	var rows []Row
	err := s.warehouseCall(ctx, "sample", func(ctx context.Context) error {
		var err error
		rows, err = s.warehouse.FetchRows(ctx, s.table.TargetTable, s.settings.SampleRows)
		return err
	})
	return rows, err
}

// warehouseCall wraps one warehouse suspension point with the per-call
// timeout and bounded transient retry, classifying the failure for the
// calling stage.
func (s *Session) warehouseCall(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	err := RetryTransient(ctx, s.settings.retryConfig(), func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.settings.QueryTimeout)
		defer cancel()
		return fn(callCtx)
	})
	if err == nil {
		return nil
	}
	if IsConfigurationError(err) {
		return err
	}
	var infra *InfrastructureError
	if errors.As(err, &infra) {
		return err
	}
	return &InfrastructureError{Stage: stage, Transient: IsTransient(err), Err: err}
}
