// Package gateway executes read-only analytical SQL against the metric
// store. The validation is deliberately conservative: strip comments, accept
// only a single SELECT/WITH statement, auto-apply a row limit.
package gateway

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxRows is the auto-applied row cap when no LIMIT is present.
const DefaultMaxRows = 500

// Result is the JSON-friendly query response.
type Result struct {
	Columns   []string                 `json:"columns"`
	Rows      [][]interface{}          `json:"rows"`
	Records   []map[string]interface{} `json:"records"`
	RowCount  int                      `json:"row_count"`
	Truncated bool                     `json:"truncated"`
}

// QueryError is the typed rejection/failure response.
type QueryError struct {
	Code   string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (e *QueryError) Error() string {
	if e.Detail != "" {
		return e.Code + ": " + e.Detail
	}
	return e.Code
}

// Gateway wraps one analytical-store connection.
type Gateway struct {
	db     *sql.DB
	logger *logrus.Logger
}

// New creates a gateway over db (nil means no store configured).
func New(db *sql.DB, logger *logrus.Logger) *Gateway {
	return &Gateway{db: db, logger: logger}
}

var (
	blockCommentRe = regexp.MustCompile(`(?s)^\s*/\*.*?\*/\s*`)
	lineCommentRe  = regexp.MustCompile(`^\s*--[^\n]*\n`)
	firstKeywordRe = regexp.MustCompile(`^([a-zA-Z]+)`)
)

// Validate checks the statement shape and returns the executable query with
// the auto-limit applied (enforced reports whether the limit was added).
func Validate(sqlText string, maxRows int) (wrapped string, enforced bool, qerr *QueryError) {
	q := strings.TrimSpace(sqlText)
	if q == "" {
		return "", false, &QueryError{Code: "empty_query"}
	}
	stripped := q
	for {
		if m := blockCommentRe.FindString(stripped); m != "" {
			stripped = stripped[len(m):]
			continue
		}
		if m := lineCommentRe.FindString(stripped); m != "" {
			stripped = stripped[len(m):]
			continue
		}
		break
	}
	m := firstKeywordRe.FindStringSubmatch(stripped)
	if m == nil {
		return "", false, &QueryError{Code: "parse_error", Detail: "could_not_extract_first_token"}
	}
	switch strings.ToLower(m[1]) {
	case "select", "with":
	default:
		// Any other leading keyword (DML, DDL, EXPLAIN, SHOW) is rejected to
		// keep the surface conservative.
		return "", false, &QueryError{Code: "only_select_allowed"}
	}
	core := strings.TrimSuffix(strings.TrimSpace(q), ";")
	if strings.Contains(core, ";") {
		return "", false, &QueryError{Code: "multiple_statements_disallowed"}
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if !strings.Contains(strings.ToLower(core), " limit ") {
		return fmt.Sprintf("WITH _q AS (%s) SELECT * FROM _q LIMIT %d", core, maxRows), true, nil
	}
	return core, false, nil
}

// Query validates and executes one read-only statement.
func (g *Gateway) Query(sqlText string, maxRows int) (*Result, *QueryError) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	wrapped, enforced, qerr := Validate(sqlText, maxRows)
	if qerr != nil {
		return nil, qerr
	}
	if g.db == nil {
		return nil, &QueryError{Code: "no_dsn"}
	}
	rows, err := g.db.Query(wrapped)
	if err != nil {
		g.logger.WithError(err).Debug("Gateway query failed")
		return nil, &QueryError{Code: "query_failed", Detail: firstLine(err.Error())}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &QueryError{Code: "query_failed", Detail: firstLine(err.Error())}
	}
	res := &Result{Columns: cols, Rows: [][]interface{}{}, Records: []map[string]interface{}{}}
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &QueryError{Code: "query_failed", Detail: firstLine(err.Error())}
		}
		row := make([]interface{}, len(cols))
		record := make(map[string]interface{}, len(cols))
		for i, v := range raw {
			jv := jsonValue(v)
			row[i] = jv
			record[cols[i]] = jv
		}
		res.Rows = append(res.Rows, row)
		res.Records = append(res.Records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{Code: "query_failed", Detail: firstLine(err.Error())}
	}
	res.RowCount = len(res.Rows)
	res.Truncated = enforced && res.RowCount == maxRows
	return res, nil
}

// jsonValue converts driver values into JSON-safe types: timestamps to
// ISO-8601, byte slices to strings.
func jsonValue(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case []byte:
		return string(t)
	default:
		return v
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
