// Copyright 2024-2026 The comfylb Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fooldychi/comfylb/health"
	"github.com/spf13/cobra"
)

func newStatusCommand(application *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe every configured replica and report health and queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := application.registryFromConfig()
			if err != nil {
				return err
			}
			prober := health.NewProber(health.ProberConfig{
				Timeout: application.config.ProbeTimeout,
				Logger:  application.logger,
			})
			prober.RefreshAll(cmd.Context(), registry)

			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(writer, "REPLICA\tHEALTH\tQUEUE")
			for _, rep := range registry.List() {
				status := rep.Status()
				fmt.Fprintf(writer, "%s\t%s\t%d\n", rep.URL(), status.Health, status.QueueDepth)
			}
			return writer.Flush()
		},
	}
}
