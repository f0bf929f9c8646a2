package schema

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// BootstrapResult summarizes what the bootstrap pass created.
type BootstrapResult struct {
	Enabled bool     `json:"enabled"`
	Reason  string   `json:"reason,omitempty"`
	Created []string `json:"created,omitempty"`
}

// Bootstrap ensures the time-series extension, tables, hypertables, views
// and indexes exist. Safe to run repeatedly: every step tolerates "already
// exists" failures by rolling back only itself and moving on.
func Bootstrap(db *sql.DB, logger *logrus.Logger) BootstrapResult {
	if db == nil {
		return BootstrapResult{Enabled: false, Reason: "no_dsn"}
	}
	ddls := GenerateAll()
	res := BootstrapResult{Enabled: true}

	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		logger.WithError(err).Debug("timescaledb extension not created")
	}
	for _, stmt := range ddls.Tables {
		table := tableNameOf(stmt)
		if _, err := db.Exec(stmt); err != nil {
			logger.WithError(err).WithField("table", table).Debug("Create table skipped")
			continue
		}
		res.Created = append(res.Created, table)
	}
	for _, g := range Groups() {
		stmt := fmt.Sprintf("SELECT create_hypertable('%s','ts', if_not_exists => TRUE)", g.Table)
		if _, err := db.Exec(stmt); err != nil {
			logger.WithError(err).WithField("table", g.Table).Debug("Hypertable conversion skipped")
		}
	}
	for _, v := range ddls.Views {
		if _, err := db.Exec(v); err != nil {
			logger.WithError(err).Debug("Create view skipped")
		}
	}
	for _, idx := range ddls.Indexes {
		if _, err := db.Exec(idx); err != nil {
			logger.WithError(err).Debug("Create index skipped")
		}
	}
	return res
}

// tableNameOf extracts the table name from a CREATE TABLE statement.
func tableNameOf(stmt string) string {
	var name string
	fmt.Sscanf(stmt, "CREATE TABLE %s", &name)
	return name
}
