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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/turbine/internal/daemon"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var showVersion bool

	root := &cobra.Command{
		Use:   "turbined <config>",
		Short: "Remote execution scheduler daemon",
		Long: `turbined serves the Bazel Remote Execution API: a scheduler that
deduplicates and dispatches actions to connected workers, a content
addressed store, and an action cache. All of it is driven by a single
YAML or JSON configuration file.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("turbined %s (commit: %s, built: %s)\n", version, commit, buildDate)
				return nil
			}
			return daemon.Run(args[0], daemon.Options{
				Version:   version,
				Commit:    commit,
				BuildDate: buildDate,
			})
		},
	}
	root.Flags().BoolVar(&showVersion, "version", false, "Show version information")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
