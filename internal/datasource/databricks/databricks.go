// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package databricks implements datasource.QueryClient against a
// Databricks SQL warehouse, using database/sql over the
// github.com/databricks/databricks-sql-go driver. A runbook's
// data_source.query is a literal SQL statement, run against the warehouse
// the connection DSN names; data_source.warehouse_id is not read here.
package databricks

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/databricks/databricks-sql-go"

	"github.com/owenmpls/runbookd/internal/datasource"
	"github.com/owenmpls/runbookd/internal/runbook"
	runbookerrors "github.com/owenmpls/runbookd/pkg/errors"
)

var _ datasource.QueryClient = (*Client)(nil)

// Client queries Databricks SQL warehouses. Connections are cached per DSN
// for the lifetime of the Client so repeated ticks against the same
// warehouse reuse a connection pool instead of reconnecting.
type Client struct {
	conns map[string]*sql.DB
}

// New creates a Databricks query client.
func New() *Client {
	return &Client{conns: make(map[string]*sql.DB)}
}

// Query runs ds.Query as a SQL statement, connecting with connectionString
// (the resolved contents of the environment variable ds.Connection names,
// a databricks DSN of the form
// "token:<pat>@<host>:<port>/sql/1.0/warehouses/<warehouse_id>"). The
// warehouse is the one that DSN names; ds.WarehouseID is not consulted.
func (c *Client) Query(ctx context.Context, ds runbook.DataSource, connectionString string) ([]datasource.Row, error) {
	db, err := c.connFor(connectionString)
	if err != nil {
		return nil, &runbookerrors.DataSourceError{SourceType: runbook.DataSourceDatabricks, Cause: err}
	}

	rows, err := db.QueryContext(ctx, ds.Query)
	if err != nil {
		return nil, &runbookerrors.DataSourceError{SourceType: runbook.DataSourceDatabricks, Cause: err}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, &runbookerrors.DataSourceError{SourceType: runbook.DataSourceDatabricks, Cause: err}
	}

	var out []datasource.Row
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, &runbookerrors.DataSourceError{SourceType: runbook.DataSourceDatabricks, Cause: err}
		}

		row := make(datasource.Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &runbookerrors.DataSourceError{SourceType: runbook.DataSourceDatabricks, Cause: err}
	}

	return out, nil
}

func (c *Client) connFor(dsn string) (*sql.DB, error) {
	if db, ok := c.conns[dsn]; ok {
		return db, nil
	}

	db, err := sql.Open("databricks", dsn)
	if err != nil {
		return nil, fmt.Errorf("open databricks connection: %w", err)
	}
	c.conns[dsn] = db
	return db, nil
}

// Close closes every cached connection.
func (c *Client) Close() error {
	var firstErr error
	for dsn, db := range c.conns {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, dsn)
	}
	return firstErr
}
