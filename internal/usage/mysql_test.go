package usage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"OpenLaunch/deploy/migrations"
)

func TestMySQLStoreSkipsAppliedMigrations(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(createSchemaMigrations, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
		execOp(insertActivationSQL, mockResult{lastInsertID: 42, rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store, err := newMySQLStore(context.Background(), db, Options{})
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	rec, err := store.Append(context.Background(), Activation{Key: Key{Handler: "apps", Item: "firefox"}, Query: "fi"})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if rec.Ordinal != 42 {
		t.Fatalf("expected ordinal 42, got %d", rec.Ordinal)
	}
}

func TestMySQLStoreHistoryReversesRows(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"ordinal", "query", "action_id", "activated_at"},
		values: [][]driver.Value{
			{int64(9), "firef", "launch", int64(2000)},
			{int64(3), "fi", "", int64(1000)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{queryOp(selectHistorySQL, rows)})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{sqlStore: sqlStore{db: db, opts: Options{MaxDepth: 2}}}
	history, err := store.History(context.Background(), Key{Handler: "apps", Item: "firefox"})
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != 2 || history[0].Ordinal != 3 || history[1].Ordinal != 9 {
		t.Fatalf("unexpected history: %+v", history)
	}
	if !history[1].At.Equal(time.UnixMilli(2000)) || history[1].Action != "launch" {
		t.Fatalf("unexpected record: %+v", history[1])
	}
}

func TestMySQLStoreCountSince(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"handler_id", "count"},
		values:  [][]driver.Value{{"apps", int64(4)}, {"calc", int64(1)}},
	}
	db, driver := newMockDB(t, []mockOperation{queryOp(countSinceSQL, rows)})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{sqlStore: sqlStore{db: db}}
	counts, err := store.CountSince(context.Background(), time.Unix(0, 0))
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if counts["apps"] != 4 || counts["calc"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestRunMigrationsAppliesPending(t *testing.T) {
	t.Parallel()

	files, err := migrations.Dialect("mysql")
	if err != nil {
		t.Fatalf("dialect failed: %v", err)
	}
	ops := []mockOperation{
		execOp(createSchemaMigrations, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
	}
	for _, stmt := range readMigrationStatements(t, files, "0001_create_activations.sql") {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	)
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db, files); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	files, err := migrations.Dialect("mysql")
	if err != nil {
		t.Fatalf("dialect failed: %v", err)
	}
	stmts := readMigrationStatements(t, files, "0001_create_activations.sql")
	failing := execOp(stmts[0], mockResult{})
	failing.err = fmt.Errorf("syntax error")

	db, driver := newMockDB(t, []mockOperation{
		execOp(createSchemaMigrations, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		failing,
		rollbackOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err = runMigrations(context.Background(), db, files)
	if err == nil || !strings.Contains(err.Error(), "0001_create_activations.sql") {
		t.Fatalf("expected migration failure, got %v", err)
	}
}

func TestMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_activations.sql": "0001",
		"0002.sql":                    "0002",
		"plain":                       "plain",
	}
	for name, want := range cases {
		if got := migrationVersion(name); got != want {
			t.Fatalf("migrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}

func readMigrationStatements(t *testing.T, files fs.FS, name string) []string {
	t.Helper()
	content, err := fs.ReadFile(files, name)
	if err != nil {
		t.Fatalf("failed to read migration: %v", err)
	}
	statements := splitStatements(string(content))
	if len(statements) == 0 {
		t.Fatalf("no statements in migration %s", name)
	}
	return statements
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-usage-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()
	if got := int(atomic.LoadInt32(&d.idx)); got != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", got, len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

// next 依次校验期望的操作类型与 SQL 文本。
func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v %q", expected, query)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, op.err
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.driver.next(opBegin, ""); err != nil {
		return nil, err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	_, err := t.driver.next(opCommit, "")
	return err
}

func (t *mockTx) Rollback() error {
	_, err := t.driver.next(opRollback, "")
	return err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
