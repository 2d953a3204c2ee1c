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

// Package dataverse implements datasource.QueryClient against the
// Microsoft Dataverse Web API, using the OData query a runbook's
// data_source.query names as the entity set + query string.
package dataverse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	fastshot "github.com/opus-domini/fast-shot"

	"github.com/owenmpls/runbookd/internal/datasource"
	"github.com/owenmpls/runbookd/internal/runbook"
	runbookerrors "github.com/owenmpls/runbookd/pkg/errors"
)

var _ datasource.QueryClient = (*Client)(nil)

// Client queries the Dataverse Web API's OData endpoint.
type Client struct {
	timeout time.Duration
}

// New creates a Dataverse query client.
func New() *Client {
	return &Client{timeout: 30 * time.Second}
}

// oDataResponse is the envelope every Dataverse Web API list query
// responds with.
type oDataResponse struct {
	Value []map[string]any `json:"value"`
}

// Query executes ds.Query as an OData query string against
// connectionString (the Dataverse environment's API base URL) using an
// OAuth bearer token also carried in connectionString as
// "<baseURL>|<token>" -- connectionString is never the runbook's own
// literal value, only the resolved contents of the environment variable
// ds.Connection names.
func (c *Client) Query(ctx context.Context, ds runbook.DataSource, connectionString string) ([]datasource.Row, error) {
	baseURL, token, err := splitConnection(connectionString)
	if err != nil {
		return nil, &runbookerrors.DataSourceError{SourceType: runbook.DataSourceDataverse, Cause: err}
	}

	client := fastshot.NewClient(baseURL).
		Auth().BearerToken(token).
		Header().Add("Accept", "application/json").
		Config().SetTimeout(c.timeout).
		Build()

	response, err := client.GET(strings.TrimPrefix(ds.Query, "/")).Send()
	if err != nil {
		return nil, &runbookerrors.DataSourceError{SourceType: runbook.DataSourceDataverse, Cause: err}
	}
	if response.Status().IsError() {
		return nil, &runbookerrors.DataSourceError{
			SourceType: runbook.DataSourceDataverse,
			Cause:      fmt.Errorf("dataverse query returned status %d", response.StatusCode()),
		}
	}

	var body oDataResponse
	if err := json.NewDecoder(response.RawBody()).Decode(&body); err != nil {
		return nil, &runbookerrors.DataSourceError{SourceType: runbook.DataSourceDataverse, Cause: err}
	}

	rows := make([]datasource.Row, 0, len(body.Value))
	for _, v := range body.Value {
		rows = append(rows, datasource.Row(v))
	}
	return rows, nil
}

func splitConnection(connectionString string) (baseURL, token string, err error) {
	baseURL, token, ok := strings.Cut(connectionString, "|")
	if !ok || baseURL == "" || token == "" {
		return "", "", fmt.Errorf("dataverse connection string must be \"<baseURL>|<token>\"")
	}
	return baseURL, token, nil
}
