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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fooldychi/comfylb"
	"github.com/fooldychi/comfylb/job"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSubmitCommand(application *app) *cobra.Command {
	var (
		priorityName string
		showProgress bool
		count        int
	)
	cmd := &cobra.Command{
		Use:   "submit <workflow.json>",
		Short: "Submit a workflow and wait for its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, err := parsePriority(priorityName)
			if err != nil {
				return err
			}
			workflow, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if !json.Valid(workflow) {
				return fmt.Errorf("%s is not valid JSON", args[0])
			}
			registry, err := application.registryFromConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			client, err := comfylb.New(registry,
				comfylb.WithRootContext(ctx),
				comfylb.WithLogger(application.logger),
				comfylb.WithMaxConcurrent(application.config.MaxConcurrent),
				comfylb.WithMaxAttempts(application.config.MaxAttempts),
				comfylb.WithProbeTimeout(application.config.ProbeTimeout),
				comfylb.WithPrimaryOutputNode(application.config.OutputNode),
			)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			options := comfylb.EnqueueOptions{Priority: priority}
			if showProgress {
				options.OnProgress = func(progress job.Progress) {
					if progress.Percent > 0 {
						fmt.Fprintf(cmd.ErrOrStderr(), "%5.1f%%  %s\n", progress.Percent, progress.Message)
					} else if progress.Message != "" {
						fmt.Fprintln(cmd.ErrOrStderr(), progress.Message)
					}
				}
			}
			if count < 1 {
				return fmt.Errorf("count must be at least 1, got %d", count)
			}
			controllers := make([]*comfylb.JobController, 0, count)
			for i := 0; i < count; i++ {
				controller, err := client.Enqueue(workflow, options)
				if err != nil {
					return err
				}
				application.logger.Info("workflow enqueued", zap.String("id", controller.ID()))
				controllers = append(controllers, controller)
			}

			var failed int
			for _, controller := range controllers {
				select {
				case <-ctx.Done():
					for _, remaining := range controllers {
						remaining.Cancel()
					}
					return ctx.Err()
				case <-controller.Done():
				}
				status, ok := controller.Status()
				if !ok {
					return errors.New("job finished but its outcome is gone")
				}
				if status.Err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "job %s failed after %d attempt(s): %v\n",
						controller.ID(), status.Attempts, status.Err)
					continue
				}
				for _, artifact := range status.Result.Artifacts {
					fmt.Fprintln(cmd.OutOrStdout(), artifact.URL)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d job(s) failed", failed, count)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&priorityName, "priority", "normal", "job priority: low, normal, or high")
	cmd.Flags().BoolVar(&showProgress, "progress", false, "print progress updates to stderr")
	cmd.Flags().IntVar(&count, "count", 1, "submit the workflow this many times")
	return cmd
}

func parsePriority(name string) (comfylb.Priority, error) {
	switch name {
	case "low":
		return comfylb.PriorityLow, nil
	case "normal":
		return comfylb.PriorityNormal, nil
	case "high":
		return comfylb.PriorityHigh, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", name)
	}
}
