package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"conveyor/internal/api"
)

func newSummaryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show queue counts by state and kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			summary, err := client.Summary(cmd.Context())
			if err != nil {
				return wrapClientError(err, client.BaseURL())
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, summary)
			}

			states := make([]string, 0, len(summary.ByState))
			for state := range summary.ByState {
				states = append(states, state)
			}
			sort.Strings(states)
			rows := make([][]string, 0, len(states))
			for _, state := range states {
				rows = append(rows, []string{state, strconv.Itoa(summary.ByState[state])})
			}
			rows = append(rows, []string{"total", strconv.Itoa(summary.Total)})
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"State", "Jobs"},
				rows,
				[]columnAlignment{alignLeft, alignRight},
			))
			return nil
		},
	}
}

func newWorkersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "Show worker pool liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			workers, err := client.Workers(cmd.Context())
			if err != nil {
				return wrapClientError(err, client.BaseURL())
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, api.WorkerListResponse{Workers: workers})
			}
			if len(workers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workers have reported yet.")
				return nil
			}
			rows := make([][]string, 0, len(workers))
			for _, worker := range workers {
				health := "healthy"
				if !worker.Healthy {
					health = "unhealthy"
				}
				current := worker.CurrentJobID
				if current == "" {
					current = "-"
				} else {
					current = shortID(current)
				}
				rows = append(rows, []string{worker.ID, health, current, formatAge(worker.LastSeenAt)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Worker", "Health", "Current Job", "Last Seen"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
}

func newLocationsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "locations",
		Short: "Show managed storage locations and probe results",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			locations, err := client.Locations(cmd.Context())
			if err != nil {
				return wrapClientError(err, client.BaseURL())
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, api.LocationListResponse{Locations: locations})
			}
			if len(locations) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No locations configured.")
				return nil
			}
			rows := make([][]string, 0, len(locations))
			for _, location := range locations {
				writable := "no"
				if location.Writable {
					writable = "yes"
				}
				rows = append(rows, []string{
					location.ID,
					location.Root,
					location.Availability,
					writable,
					formatBytes(location.FreeBytes),
					formatAge(location.LastProbedAt),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Root", "Availability", "Writable", "Free", "Probed"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}
}
