package refdqcore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionSchema = []*ColumnInfo{
	{Name: "ID", DataType: "INTEGER", Position: 1},
	{Name: "NAME", DataType: "VARCHAR(100)", Position: 2},
	{Name: "AGE", DataType: "INTEGER", Position: 3},
}

func sessionRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, err := NewRegistry(
		[]*TableDefinition{{
			Name:        "customers",
			TargetTable: "refdata.customers",
			PrimaryKey:  PrimaryKey{"ID"},
			Checks: []CheckConfig{{
				Type:   "not_null",
				Params: map[string]string{"column": "NAME"},
			}},
		}},
		[]*CheckDefinition{{
			Type:        "not_null",
			Description: "{column} must not be null",
			SQL:         "select {primary_key}, {column} from {table} where {column} is null",
		}},
	)
	require.NoError(t, err)
	return registry
}

func sessionSettings() *Settings {
	settings := DefaultSettings()
	settings.RetryDelay = time.Millisecond
	return settings
}

func sessionWarehouse(targetRows ...Row) *fakeWarehouse {
	w := newFakeWarehouse()
	w.setTable("refdata.customers", sessionSchema, targetRows)
	return w
}

func newTestSession(t *testing.T, w *fakeWarehouse, mode UploadMode) *Session {
	t.Helper()
	session, err := NewSession(w, sessionRegistry(t), "customers", mode, sessionSettings(), noopLogger())
	require.NoError(t, err)
	return session
}

func stageUpload(t *testing.T, session *Session, columns []string, rows []Row) {
	t.Helper()
	require.NoError(t, session.Stage(context.Background(), columns, rows))
	require.Equal(t, StateStaged, session.State())
}

func TestNewSessionRejectsBadConfiguration(t *testing.T) {
	w := sessionWarehouse()

	_, err := NewSession(w, sessionRegistry(t), "no_such_table", UploadModeMerge, nil, nil)
	assert.True(t, IsConfigurationError(err))

	_, err = NewSession(w, sessionRegistry(t), "customers", UploadMode("append"), nil, nil)
	assert.True(t, IsConfigurationError(err))
}

func TestSessionStagingRelationIsSessionScoped(t *testing.T) {
	w := sessionWarehouse()
	a := newTestSession(t, w, UploadModeMerge)
	b := newTestSession(t, w, UploadModeMerge)

	assert.NotEqual(t, a.StagingRelation(), b.StagingRelation())
	assert.Contains(t, a.StagingRelation(), "refdq_staging.upload_customers_")
	assert.Contains(t, a.StagingRelation(), a.ID())
}

func TestSessionMergeFlow(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse(
		testRow("ID", "1", "NAME", "Ann", "AGE", "40"),
		testRow("ID", "2", "NAME", "Bob", "AGE", "35"),
	)
	session := newTestSession(t, w, UploadModeMerge)

	stageUpload(t, session, []string{"id", "name", "age"}, []Row{
		testRow("id", "2", "name", "Bobby", "age", "36"),
		testRow("id", "3", "name", "Cid", "age", "28"),
	})

	schemaResult, err := session.ValidateSchema(ctx)
	require.NoError(t, err)
	assert.True(t, schemaResult.OK())
	assert.Equal(t, StateSchemaChecked, session.State())

	report, err := session.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateReported, session.State())
	assert.Equal(t, 2, report.StagedRows)
	assert.Empty(t, report.Types)
	require.Len(t, report.Checks, 1)
	assert.True(t, report.Checks[0].Passed)
	assert.Equal(t, ImpactSummary{InsertCount: 1, UpdateCount: 1}, report.Impact)
	assert.Empty(t, report.Stages)
	assert.True(t, report.UploadAllowed())
	assert.Same(t, report, session.Report())

	committed, err := session.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, session.State())
	assert.True(t, committed.UploadAllowed())

	require.Len(t, w.commitPlans, 1)
	plan := w.commitPlans[0]
	assert.Equal(t, "refdata.customers", plan.TargetTable)
	assert.Equal(t, session.StagingRelation(), plan.StagingRelation)
	assert.Equal(t, PrimaryKey{"ID"}, plan.PrimaryKey)
	assert.Equal(t, UploadModeMerge, plan.Mode)
	assert.Equal(t, []string{"ID", "NAME", "AGE"}, ColumnNames(plan.Columns))

	assert.True(t, w.dropped(session.StagingRelation()))
}

func TestSessionReplaceImpact(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse(
		testRow("ID", "1", "NAME", "Ann", "AGE", "40"),
		testRow("ID", "2", "NAME", "Bob", "AGE", "35"),
		testRow("ID", "3", "NAME", "Cid", "AGE", "28"),
	)
	session := newTestSession(t, w, UploadModeReplace)

	stageUpload(t, session, []string{"ID", "NAME", "AGE"}, []Row{
		testRow("ID", "7", "NAME", "Dot", "AGE", "51"),
	})
	_, err := session.ValidateSchema(ctx)
	require.NoError(t, err)

	report, err := session.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, ImpactSummary{InsertCount: 1, DeleteCount: 3}, report.Impact)
}

func TestSessionSchemaMismatchGatesValidation(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	stageUpload(t, session, []string{"ID", "NAME"}, []Row{
		testRow("ID", "1", "NAME", "Ann"),
	})

	schemaResult, err := session.ValidateSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AGE"}, schemaResult.Missing)
	assert.False(t, schemaResult.Accepted())

	// Without an override the report carries only the schema result.
	report, err := session.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, report.SchemaOnly())
	assert.False(t, report.UploadAllowed())
	assert.Empty(t, report.Checks)

	_, err = session.Commit(ctx)
	assert.ErrorIs(t, err, ErrUploadNotAllowed)
}

func TestSessionSchemaOverride(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	stageUpload(t, session, []string{"ID", "NAME"}, []Row{
		testRow("ID", "1", "NAME", "Ann"),
	})
	_, err := session.ValidateSchema(ctx)
	require.NoError(t, err)
	require.NoError(t, session.OverrideSchema())

	report, err := session.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, report.Schema.Overridden)
	assert.False(t, report.SchemaOnly())
	assert.True(t, report.UploadAllowed())

	_, err = session.Commit(ctx)
	require.NoError(t, err)

	// The overridden column must not be written.
	require.Len(t, w.commitPlans, 1)
	assert.Equal(t, []string{"ID", "NAME"}, ColumnNames(w.commitPlans[0].Columns))
}

func TestSessionOverrideRejectsMissingPrimaryKey(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	stageUpload(t, session, []string{"NAME", "AGE"}, []Row{
		testRow("NAME", "Ann", "AGE", "40"),
	})
	schemaResult, err := session.ValidateSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ID"}, schemaResult.Missing)

	err = session.OverrideSchema()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary key")
}

func TestSessionTypeFailuresBlockCommit(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	stageUpload(t, session, []string{"ID", "NAME", "AGE"}, []Row{
		testRow("ID", "1", "NAME", "Ann", "AGE", "forty"),
	})
	_, err := session.ValidateSchema(ctx)
	require.NoError(t, err)

	report, err := session.Validate(ctx)
	require.NoError(t, err)
	require.Len(t, report.Types, 1)
	assert.Equal(t, "AGE", report.Types[0].Column)
	assert.False(t, report.UploadAllowed())

	_, err = session.Commit(ctx)
	assert.ErrorIs(t, err, ErrUploadNotAllowed)
	assert.Equal(t, StateReported, session.State())
}

func TestSessionCommitRevalidates(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	stageUpload(t, session, []string{"ID", "NAME", "AGE"}, []Row{
		testRow("ID", "1", "NAME", "Ann", "AGE", "40"),
	})
	_, err := session.ValidateSchema(ctx)
	require.NoError(t, err)

	report, err := session.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, report.UploadAllowed())

	// The data drifted between report and confirmation: the check now
	// finds violating rows, so the fresh gate run must refuse the write.
	w.queryHandler = func(string) (*QueryResult, error) {
		return &QueryResult{Rows: []map[string]any{{"ID": "1", "NAME": nil}}}, nil
	}

	stale, err := session.Commit(ctx)
	assert.ErrorIs(t, err, ErrUploadNotAllowed)
	require.NotNil(t, stale)
	assert.False(t, stale.Checks[0].Passed)
	assert.Empty(t, w.commitPlans)
	assert.Equal(t, StateReported, session.State())

	// The refreshed report replaces the stale one.
	assert.Same(t, stale, session.Report())
}

func TestSessionCheckViolationCounts(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	stageUpload(t, session, []string{"ID", "NAME", "AGE"}, []Row{
		testRow("ID", "1", "NAME", "Ann", "AGE", "40"),
	})
	_, err := session.ValidateSchema(ctx)
	require.NoError(t, err)

	w.queryHandler = func(string) (*QueryResult, error) {
		return &QueryResult{Rows: []map[string]any{{"ID": "1"}, {"ID": "2"}}}, nil
	}
	report, err := session.Validate(ctx)
	require.NoError(t, err)
	require.Len(t, report.Checks, 1)
	assert.False(t, report.Checks[0].Passed)
	assert.Len(t, report.Checks[0].Rows, 2)
	assert.Equal(t, int64(2), report.Checks[0].ViolationCount)
}

func TestSessionCheckTruncationReportsUnknownCount(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	stageUpload(t, session, []string{"ID", "NAME", "AGE"}, []Row{
		testRow("ID", "1", "NAME", "Ann", "AGE", "40"),
	})
	_, err := session.ValidateSchema(ctx)
	require.NoError(t, err)

	w.queryHandler = func(string) (*QueryResult, error) {
		rows := make([]map[string]any, ViolationCap+5)
		for i := range rows {
			rows[i] = map[string]any{"ID": fmt.Sprint(i)}
		}
		return &QueryResult{Rows: rows}, nil
	}
	report, err := session.Validate(ctx)
	require.NoError(t, err)
	require.Len(t, report.Checks, 1)
	assert.False(t, report.Checks[0].Passed)
	assert.Len(t, report.Checks[0].Rows, ViolationCap)
	assert.Equal(t, ViolationCountUnknown, report.Checks[0].ViolationCount)
}

func TestSessionCheckFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	stageUpload(t, session, []string{"ID", "NAME", "AGE"}, []Row{
		testRow("ID", "1", "NAME", "Ann", "AGE", "40"),
	})
	_, err := session.ValidateSchema(ctx)
	require.NoError(t, err)

	w.queryHandler = func(string) (*QueryResult, error) {
		return nil, fmt.Errorf("permission denied for relation")
	}

	report, err := session.Validate(ctx)
	require.NoError(t, err)
	// The failing check carries its own error; type and impact stages
	// still produced results.
	require.Len(t, report.Checks, 1)
	assert.Contains(t, report.Checks[0].Error, "permission denied")
	assert.Empty(t, report.Types)
	assert.Empty(t, report.Stages)
	assert.False(t, report.UploadAllowed())
}

func TestSessionImpactFailureIsReported(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	stageUpload(t, session, []string{"ID", "NAME", "AGE"}, []Row{
		testRow("ID", "1", "NAME", "Ann", "AGE", "40"),
	})
	_, err := session.ValidateSchema(ctx)
	require.NoError(t, err)

	// Exhaust the retry budget so the impact stage fails for good.
	w.failNext("FetchRows", session.settings.MaxRetries+1)

	report, err := session.Validate(ctx)
	require.NoError(t, err)
	require.Len(t, report.Stages, 1)
	assert.Equal(t, "impact", report.Stages[0].Stage)
	assert.False(t, report.UploadAllowed())
	// The independent check stage still ran.
	require.Len(t, report.Checks, 1)
	assert.True(t, report.Checks[0].Passed)
}

func TestSessionTransientFailuresAreRetried(t *testing.T) {
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	w.failNext("TableColumns", 1)
	stageUpload(t, session, []string{"ID", "NAME", "AGE"}, []Row{
		testRow("ID", "1", "NAME", "Ann", "AGE", "40"),
	})
}

func TestSessionStageFailureDropsStaging(t *testing.T) {
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	w.failNext("CreateStaging", session.settings.MaxRetries+1)
	err := session.Stage(context.Background(), []string{"ID", "NAME", "AGE"}, nil)
	require.Error(t, err)

	var infra *InfrastructureError
	require.ErrorAs(t, err, &infra)
	assert.True(t, w.dropped(session.StagingRelation()))
	assert.Equal(t, StateNew, session.State())
}

func TestSessionReset(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	stageUpload(t, session, []string{"ID", "NAME", "AGE"}, []Row{
		testRow("ID", "1", "NAME", "Ann", "AGE", "40"),
	})
	require.NoError(t, session.Reset(ctx))
	assert.Equal(t, StateReset, session.State())
	assert.True(t, w.dropped(session.StagingRelation()))

	// Terminal: every further transition is refused.
	assert.ErrorIs(t, session.Reset(ctx), ErrSessionClosed)
	_, err := session.ValidateSchema(ctx)
	assert.Error(t, err)
	_, err = session.Commit(ctx)
	assert.Error(t, err)
}

func TestSessionResetBeforeStagingDropsNothing(t *testing.T) {
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	require.NoError(t, session.Reset(context.Background()))
	assert.Empty(t, w.droppedTables)
}

func TestSessionCommitError(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	stageUpload(t, session, []string{"ID", "NAME", "AGE"}, []Row{
		testRow("ID", "1", "NAME", "Ann", "AGE", "40"),
	})
	_, err := session.ValidateSchema(ctx)
	require.NoError(t, err)
	_, err = session.Validate(ctx)
	require.NoError(t, err)

	w.commitErr = fmt.Errorf("serialization conflict")
	_, err = session.Commit(ctx)

	var commitErr *CommitError
	require.ErrorAs(t, err, &commitErr)
	// The session stays reported so the user can retry.
	assert.Equal(t, StateReported, session.State())
	assert.False(t, w.dropped(session.StagingRelation()))
}

func TestSessionActionFailureAnnotatesReport(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse()

	registry, err := NewRegistry(
		[]*TableDefinition{{
			Name:        "customers",
			TargetTable: "refdata.customers",
			PrimaryKey:  PrimaryKey{"ID"},
			Action: &ActionConfig{
				Name:    "refresh grants",
				Trigger: ActionTriggerOnUpload,
				Command: "call refdata.refresh_grants()",
			},
		}},
		nil,
	)
	require.NoError(t, err)

	session, err := NewSession(w, registry, "customers", UploadModeMerge, sessionSettings(), noopLogger())
	require.NoError(t, err)

	stageUpload(t, session, []string{"ID", "NAME", "AGE"}, []Row{
		testRow("ID", "1", "NAME", "Ann", "AGE", "40"),
	})
	_, err = session.ValidateSchema(ctx)
	require.NoError(t, err)
	_, err = session.Validate(ctx)
	require.NoError(t, err)

	w.actionErr = fmt.Errorf("procedure not found")
	report, err := session.Commit(ctx)

	// The upload itself succeeded; the action failure is a note, not an
	// error.
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, session.State())
	assert.Contains(t, report.ActionNote, "refresh grants")
	assert.Contains(t, report.ActionNote, "procedure not found")
}

func TestSessionActionRunsAfterCommit(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse()

	registry, err := NewRegistry(
		[]*TableDefinition{{
			Name:        "customers",
			TargetTable: "refdata.customers",
			PrimaryKey:  PrimaryKey{"ID"},
			Action: &ActionConfig{
				Name:    "notify",
				Trigger: ActionTriggerOnUpload,
				Command: "call refdata.notify()",
			},
		}},
		nil,
	)
	require.NoError(t, err)

	session, err := NewSession(w, registry, "customers", UploadModeMerge, sessionSettings(), noopLogger())
	require.NoError(t, err)

	stageUpload(t, session, []string{"ID", "NAME", "AGE"}, []Row{
		testRow("ID", "1", "NAME", "Ann", "AGE", "40"),
	})
	_, err = session.ValidateSchema(ctx)
	require.NoError(t, err)
	_, err = session.Validate(ctx)
	require.NoError(t, err)
	_, err = session.Commit(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"call refdata.notify()"}, w.actions)
}

func TestSessionTargetSample(t *testing.T) {
	w := sessionWarehouse(
		testRow("ID", "1", "NAME", "Ann", "AGE", "40"),
		testRow("ID", "2", "NAME", "Bob", "AGE", "35"),
	)
	session := newTestSession(t, w, UploadModeMerge)

	rows, err := session.TargetSample(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSessionValidateIsRepeatable(t *testing.T) {
	ctx := context.Background()
	w := sessionWarehouse()
	session := newTestSession(t, w, UploadModeMerge)

	stageUpload(t, session, []string{"ID", "NAME", "AGE"}, []Row{
		testRow("ID", "1", "NAME", "Ann", "AGE", "40"),
	})
	_, err := session.ValidateSchema(ctx)
	require.NoError(t, err)

	first, err := session.Validate(ctx)
	require.NoError(t, err)
	second, err := session.Validate(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Impact, second.Impact)
	assert.Equal(t, first.Checks, second.Checks)
	assert.Equal(t, StateReported, session.State())
}
