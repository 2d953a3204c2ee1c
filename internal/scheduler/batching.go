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

package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/owenmpls/runbookd/internal/datasource"
	"github.com/owenmpls/runbookd/internal/runbook"
)

// immediateGrid is the rolling window immediate-mode batches are anchored
// to: every row observed in a tick is grouped into the 5-minute window its
// observation time falls in, so late-joining rows within the same window
// still land in the batch already created for it.
const immediateGrid = 5 * time.Minute

// candidateRow is one data-source row after multi-valued column expansion,
// ready to be grouped by batch anchor and diffed against existing members.
type candidateRow struct {
	memberKey string
	data      datasource.Row
	anchor    time.Time
}

// normalizeRows expands every multi-valued column in rows into its own row
// (so a row with a semicolon-delimited column of 3 values becomes 3 rows,
// one per value), then resolves each resulting row's primary key and batch
// anchor.
func normalizeRows(ds runbook.DataSource, rows []datasource.Row, observedAt time.Time) ([]candidateRow, error) {
	expanded := rows
	for _, mv := range ds.MultiValuedColumns {
		next := make([]datasource.Row, 0, len(expanded))
		for _, row := range expanded {
			values, err := splitMultiValued(row[mv.Name], mv.Format)
			if err != nil {
				return nil, fmt.Errorf("multi_valued_columns[%s]: %w", mv.Name, err)
			}
			if len(values) == 0 {
				next = append(next, row)
				continue
			}
			for _, v := range values {
				next = append(next, cloneRowWith(row, mv.Name, v))
			}
		}
		expanded = next
	}

	out := make([]candidateRow, 0, len(expanded))
	for _, row := range expanded {
		pk, ok := row[ds.PrimaryKey]
		if !ok || pk == nil {
			return nil, fmt.Errorf("row missing primary key column %q", ds.PrimaryKey)
		}

		anchor, err := resolveAnchor(ds, row, observedAt)
		if err != nil {
			return nil, err
		}

		out = append(out, candidateRow{
			memberKey: fmt.Sprintf("%v", pk),
			data:      row,
			anchor:    anchor,
		})
	}
	return out, nil
}

func cloneRowWith(row datasource.Row, key string, value string) datasource.Row {
	clone := make(datasource.Row, len(row))
	for k, v := range row {
		clone[k] = v
	}
	clone[key] = value
	return clone
}

// splitMultiValued splits one column value into its component strings per
// its declared format. A nil or already-scalar value with no separators
// returns a single-element (or empty) slice so callers can treat every
// column uniformly.
func splitMultiValued(value any, format string) ([]string, error) {
	if value == nil {
		return nil, nil
	}

	switch format {
	case runbook.FormatSemicolonDelimited:
		return splitDelimited(value, ";")
	case runbook.FormatCommaDelimited:
		return splitDelimited(value, ",")
	case runbook.FormatJSONArray:
		return splitJSONArray(value)
	default:
		return nil, fmt.Errorf("unsupported multi-valued format %q", format)
	}
}

func splitDelimited(value any, sep string) ([]string, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("expected string for delimited column, got %T", value)
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func splitJSONArray(value any) ([]string, error) {
	switch v := value.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		var items []any
		if err := json.Unmarshal([]byte(v), &items); err != nil {
			return nil, fmt.Errorf("invalid json_array column: %w", err)
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected array or JSON array string, got %T", value)
	}
}

// resolveAnchor computes the batch anchor time for one row: the rounded
// observation time in immediate mode, or the row's batch_time_column value
// otherwise.
func resolveAnchor(ds runbook.DataSource, row datasource.Row, observedAt time.Time) (time.Time, error) {
	if ds.IsImmediate() {
		return roundToGrid(observedAt, immediateGrid), nil
	}

	raw, ok := row[ds.BatchTimeColumn]
	if !ok || raw == nil {
		return time.Time{}, fmt.Errorf("row missing batch time column %q", ds.BatchTimeColumn)
	}
	return parseRowTime(raw)
}

func parseRowTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized batch time value %q", v)
	default:
		return time.Time{}, fmt.Errorf("unsupported batch time column type %T", raw)
	}
}

// roundToGrid truncates t down to the start of the grid-sized window it
// falls in, anchored to the Unix epoch so every scheduler replica computes
// the same window boundary regardless of wall-clock skew within a tick.
func roundToGrid(t time.Time, grid time.Duration) time.Time {
	return t.UTC().Truncate(grid)
}

// groupByAnchor groups candidate rows by their resolved batch anchor.
func groupByAnchor(rows []candidateRow) map[time.Time][]candidateRow {
	groups := make(map[time.Time][]candidateRow)
	for _, row := range rows {
		groups[row.anchor] = append(groups[row.anchor], row)
	}
	return groups
}
