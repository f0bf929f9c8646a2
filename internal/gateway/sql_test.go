package gateway

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// testGateway runs the gateway against an in-memory SQL engine; the
// validation and row serialization paths are store-agnostic.
func testGateway(t *testing.T) *Gateway {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, testLogger())
}

func TestValidateRejectsDML(t *testing.T) {
	for _, stmt := range []string{
		"UPDATE bundles SET x=1",
		"DELETE FROM bundles",
		"INSERT INTO t VALUES (1)",
		"DROP TABLE t",
		"CREATE TABLE t (x int)",
		"TRUNCATE t",
		"EXPLAIN SELECT 1",
		"SHOW TABLES",
		"VACUUM",
	} {
		_, _, qerr := Validate(stmt, 10)
		require.NotNil(t, qerr, stmt)
		assert.Equal(t, "only_select_allowed", qerr.Code, stmt)
	}
}

func TestValidateRejectsMultipleStatements(t *testing.T) {
	_, _, qerr := Validate("SELECT 1; SELECT 2", 10)
	require.NotNil(t, qerr)
	assert.Equal(t, "multiple_statements_disallowed", qerr.Code)

	// A single trailing semicolon is fine.
	_, _, qerr = Validate("SELECT 1;", 10)
	assert.Nil(t, qerr)
}

func TestValidateEmptyQuery(t *testing.T) {
	_, _, qerr := Validate("   ", 10)
	require.NotNil(t, qerr)
	assert.Equal(t, "empty_query", qerr.Code)
}

func TestValidateStripsComments(t *testing.T) {
	wrapped, enforced, qerr := Validate("/* leading */ -- note\nSELECT 1", 10)
	require.Nil(t, qerr)
	assert.True(t, enforced)
	assert.Contains(t, wrapped, "LIMIT 10")

	// Comments hiding a forbidden keyword still get rejected.
	_, _, qerr = Validate("/* x */ UPDATE t SET a=1", 10)
	require.NotNil(t, qerr)
	assert.Equal(t, "only_select_allowed", qerr.Code)
}

func TestValidateAutoLimit(t *testing.T) {
	wrapped, enforced, qerr := Validate("SELECT 1 AS x", 42)
	require.Nil(t, qerr)
	assert.True(t, enforced)
	assert.Equal(t, "WITH _q AS (SELECT 1 AS x) SELECT * FROM _q LIMIT 42", wrapped)

	wrapped, enforced, qerr = Validate("SELECT 1 AS x LIMIT 5", 42)
	require.Nil(t, qerr)
	assert.False(t, enforced)
	assert.Equal(t, "SELECT 1 AS x LIMIT 5", wrapped)
}

func TestValidateAllowsWith(t *testing.T) {
	_, _, qerr := Validate("WITH q AS (SELECT 1) SELECT * FROM q", 10)
	assert.Nil(t, qerr)
}

func TestQuerySelectOne(t *testing.T) {
	g := testGateway(t)
	res, qerr := g.Query("SELECT 1 AS x", 500)
	require.Nil(t, qerr)
	assert.Equal(t, []string{"x"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 1, res.Rows[0][0])
	assert.Equal(t, 1, res.RowCount)
	assert.False(t, res.Truncated)
	require.Len(t, res.Records, 1)
	assert.EqualValues(t, 1, res.Records[0]["x"])
}

func TestQueryTruncatedAtCap(t *testing.T) {
	g := testGateway(t)
	// Three rows with a cap of 3: truncated reports the cap was reached.
	res, qerr := g.Query("SELECT 1 UNION ALL SELECT 2 UNION ALL SELECT 3", 3)
	require.Nil(t, qerr)
	assert.Equal(t, 3, res.RowCount)
	assert.True(t, res.Truncated)

	res, qerr = g.Query("SELECT 1 UNION ALL SELECT 2", 3)
	require.Nil(t, qerr)
	assert.Equal(t, 2, res.RowCount)
	assert.False(t, res.Truncated)
}

func TestQueryRejectsUpdate(t *testing.T) {
	g := testGateway(t)
	_, qerr := g.Query("UPDATE t SET x=1", 500)
	require.NotNil(t, qerr)
	assert.Equal(t, "only_select_allowed", qerr.Code)
}

func TestQueryErrorOnBadSQL(t *testing.T) {
	g := testGateway(t)
	_, qerr := g.Query("SELECT * FROM definitely_missing_table", 500)
	require.NotNil(t, qerr)
	assert.Equal(t, "query_failed", qerr.Code)
	// Connection stays usable after a failed query.
	res, qerr := g.Query("SELECT 1 AS x", 500)
	require.Nil(t, qerr)
	assert.Equal(t, 1, res.RowCount)
}

func TestQueryNoDSN(t *testing.T) {
	g := New(nil, testLogger())
	_, qerr := g.Query("SELECT 1", 500)
	require.NotNil(t, qerr)
	assert.Equal(t, "no_dsn", qerr.Code)
}

func TestQueryManyRowsDefaults(t *testing.T) {
	g := testGateway(t)
	union := "SELECT 1"
	for i := 2; i <= 10; i++ {
		union += fmt.Sprintf(" UNION ALL SELECT %d", i)
	}
	res, qerr := g.Query(union, 0)
	require.Nil(t, qerr)
	assert.Equal(t, 10, res.RowCount)
	assert.False(t, res.Truncated)
}
