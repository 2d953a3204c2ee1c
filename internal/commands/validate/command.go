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

// Package validate implements runbookctl's "validate" subcommand.
package validate

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/owenmpls/runbookd/internal/runbook"
	runbookerrors "github.com/owenmpls/runbookd/pkg/errors"
)

// NewCommand builds the "validate" subcommand.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <runbook.yaml>",
		Short: "Parse and validate a runbook definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0])
		},
	}
	return cmd
}

func run(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var def runbook.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("%s: invalid YAML: %w", path, err)
	}

	if err := runbook.Validate(&def); err != nil {
		var invalid *runbookerrors.RunbookInvalidError
		if runbookerrors.As(err, &invalid) {
			cmd.PrintErrf("%s: %d violation(s):\n", path, len(invalid.Violations))
			for _, v := range invalid.Violations {
				cmd.PrintErrf("  - %s\n", v)
			}
			return fmt.Errorf("validation failed")
		}
		return err
	}

	cmd.Printf("%s: OK (%s, %d phase(s), %d init step(s))\n", path, def.Name, len(def.Phases), len(def.Init))
	return nil
}
