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

// Package datasource defines the query abstraction the scheduler uses to
// pull candidate rows out of a runbook's configured data source, and
// resolves a runbook's data_source.type into a concrete QueryClient.
package datasource

import (
	"context"
	"fmt"

	"github.com/owenmpls/runbookd/internal/runbook"
)

// Row is one record returned by a data source query, keyed by column name.
// Values are left as any so multi-valued columns (semicolon/comma/JSON
// arrays) can be split downstream without the client needing to know the
// runbook's split format.
type Row map[string]any

// QueryClient executes a runbook's configured query against its data
// source and returns the candidate rows.
type QueryClient interface {
	// Query runs ds's configured query using connectionString (resolved
	// by the caller from the environment variable ds.Connection names)
	// and returns every matching row.
	Query(ctx context.Context, ds runbook.DataSource, connectionString string) ([]Row, error)
}

// Registry resolves a data_source.type to the QueryClient that implements
// it.
type Registry struct {
	clients map[string]QueryClient
}

// NewRegistry builds a Registry from the given type -> QueryClient mapping.
func NewRegistry(clients map[string]QueryClient) *Registry {
	return &Registry{clients: clients}
}

// For returns the QueryClient registered for sourceType, or an error if
// none is registered. The parser already restricts data_source.type to a
// closed set (dataverse, databricks), so reaching this error means a type
// was registered in validation but never wired into the registry.
func (r *Registry) For(sourceType string) (QueryClient, error) {
	client, ok := r.clients[sourceType]
	if !ok {
		return nil, fmt.Errorf("no query client registered for data source type %q", sourceType)
	}
	return client, nil
}
