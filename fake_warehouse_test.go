package refdqcore

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// fakeWarehouse is an in-memory Warehouse for exercising the engine
// without a live database. Check queries are answered by a pluggable
// handler, since the fake does not interpret SQL.
type fakeWarehouse struct {
	mu     sync.Mutex
	tables map[string]*fakeTable

	queryHandler func(query string) (*QueryResult, error)

	commitPlans   []*CommitPlan
	commitErr     error
	actions       []string
	actionErr     error
	droppedTables []string

	// failuresLeft injects n transient failures per method name before
	// calls succeed again.
	failuresLeft map[string]int
}

type fakeTable struct {
	schema []*ColumnInfo
	rows   []Row
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{
		tables:       map[string]*fakeTable{},
		failuresLeft: map[string]int{},
		queryHandler: func(string) (*QueryResult, error) {
			return &QueryResult{}, nil
		},
	}
}

func (f *fakeWarehouse) setTable(name string, schema []*ColumnInfo, rows []Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[strings.ToLower(name)] = &fakeTable{schema: schema, rows: rows}
}

func (f *fakeWarehouse) failNext(method string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failuresLeft[method] = times
}

func (f *fakeWarehouse) maybeFail(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failuresLeft[method] > 0 {
		f.failuresLeft[method]--
		return &InfrastructureError{Stage: method, Transient: true, Err: fmt.Errorf("injected %s failure", method)}
	}
	return nil
}

func (f *fakeWarehouse) Ping(ctx context.Context) (string, error) {
	return "fake", nil
}

func (f *fakeWarehouse) CreateStaging(ctx context.Context, relation string, columns []string, rows []Row) error {
	if err := f.maybeFail("CreateStaging"); err != nil {
		return err
	}
	schema := make([]*ColumnInfo, 0, len(columns))
	for i, col := range columns {
		schema = append(schema, &ColumnInfo{Name: col, DataType: "TEXT", Position: uint(i + 1)})
	}
	f.setTable(relation, schema, rows)
	return nil
}

func (f *fakeWarehouse) TableColumns(ctx context.Context, table string) ([]*ColumnInfo, error) {
	if err := f.maybeFail("TableColumns"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[strings.ToLower(table)]
	if !ok {
		return nil, fmt.Errorf("unknown relation %s", table)
	}
	return t.schema, nil
}

func (f *fakeWarehouse) FetchRows(ctx context.Context, relation string, limit int) ([]Row, error) {
	if err := f.maybeFail("FetchRows"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[strings.ToLower(relation)]
	if !ok {
		return nil, fmt.Errorf("unknown relation %s", relation)
	}
	rows := t.rows
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]Row, len(rows))
	copy(out, rows)
	return out, nil
}

func (f *fakeWarehouse) RowCount(ctx context.Context, relation string) (uint64, error) {
	if err := f.maybeFail("RowCount"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[strings.ToLower(relation)]
	if !ok {
		return 0, fmt.Errorf("unknown relation %s", relation)
	}
	return uint64(len(t.rows)), nil
}

func (f *fakeWarehouse) QueryRows(ctx context.Context, query string, limit int) (*QueryResult, error) {
	if err := f.maybeFail("QueryRows"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	handler := f.queryHandler
	f.mu.Unlock()

	result, err := handler(query)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(result.Rows) > limit {
		return &QueryResult{Rows: result.Rows[:limit], Truncated: true}, nil
	}
	return result, nil
}

func (f *fakeWarehouse) Drop(ctx context.Context, relation string) error {
	if err := f.maybeFail("Drop"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tables, strings.ToLower(relation))
	f.droppedTables = append(f.droppedTables, relation)
	return nil
}

func (f *fakeWarehouse) Commit(ctx context.Context, plan *CommitPlan) error {
	if err := f.maybeFail("Commit"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commitPlans = append(f.commitPlans, plan)
	return nil
}

func (f *fakeWarehouse) ExecAction(ctx context.Context, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return f.actionErr
	}
	f.actions = append(f.actions, command)
	return nil
}

func (f *fakeWarehouse) CastColumn(column string, dataType string) string {
	base := strings.ToUpper(dataType)
	if idx := strings.Index(base, "("); idx >= 0 {
		base = base[:idx]
	}
	switch base {
	case "VARCHAR", "CHAR", "STRING", "TEXT":
		return f.QuoteIdentifier(column)
	}
	return fmt.Sprintf("cast(%s as %s)", f.QuoteIdentifier(column), dataType)
}

func (f *fakeWarehouse) QuoteIdentifier(name string) string {
	return `"` + name + `"`
}

func (f *fakeWarehouse) dropped(relation string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range f.droppedTables {
		if name == relation {
			return true
		}
	}
	return false
}

func strPtr(s string) *string {
	return &s
}

func testRow(pairs ...string) Row {
	row := Row{}
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "<nil>" {
			row[pairs[i]] = nil
		} else {
			value := pairs[i+1]
			row[pairs[i]] = &value
		}
	}
	return row
}
