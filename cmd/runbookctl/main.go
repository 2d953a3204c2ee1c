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

// Command runbookctl is an offline linter for runbook YAML: it parses and
// validates a document the same way the scheduler would before accepting
// it as an active runbook, without needing a running store, broker, or
// management API. Publishing a runbook and creating manual batches are
// the management API's job, not this tool's.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/owenmpls/runbookd/internal/commands/validate"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "runbookctl",
		Short:         "Lint and inspect migration runbook YAML",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit %s)", version, commit),
	}

	root.AddCommand(validate.NewCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
