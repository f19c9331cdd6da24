package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, queue, worker, and storage health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return wrapClientError(err, client.BaseURL())
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, status)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			for _, line := range renderSectionHeader("Daemon", colorize) {
				fmt.Fprintln(out, line)
			}
			runKind, runMsg := statusOK, fmt.Sprintf("pid %d", status.PID)
			if !status.Running {
				runKind, runMsg = statusError, "not running"
			}
			fmt.Fprintln(out, renderStatusLine("Process", runKind, runMsg, colorize))

			dbKind, dbMsg := statusOK, fmt.Sprintf("%d jobs", status.Database.TotalJobs)
			switch {
			case status.Database.Error != "":
				dbKind, dbMsg = statusError, status.Database.Error
			case !status.Database.IntegrityCheck:
				dbKind, dbMsg = statusWarn, "integrity check failed"
			}
			fmt.Fprintln(out, renderStatusLine("Job store", dbKind, dbMsg, colorize))

			for _, line := range renderSectionHeader("Queue", colorize) {
				fmt.Fprintln(out, line)
			}
			for _, state := range []string{"pending", "queued", "paused", "running", "completed", "failed", "cancelled"} {
				count := status.Queue.ByState[state]
				kind := statusInfo
				if state == "failed" && count > 0 {
					kind = statusWarn
				}
				fmt.Fprintln(out, renderStatusLine(state, kind, fmt.Sprintf("%d", count), colorize))
			}

			for _, line := range renderSectionHeader("Workers", colorize) {
				fmt.Fprintln(out, line)
			}
			if len(status.Workers) == 0 {
				fmt.Fprintln(out, renderStatusLine("Pool", statusWarn, "no worker heartbeats", colorize))
			}
			for _, worker := range status.Workers {
				kind, msg := statusOK, "idle"
				if worker.CurrentJobID != "" {
					msg = "working on " + shortID(worker.CurrentJobID)
				}
				if !worker.Healthy {
					kind, msg = statusWarn, "no heartbeat since "+worker.LastSeenAt
				}
				fmt.Fprintln(out, renderStatusLine(worker.ID, kind, msg, colorize))
			}

			for _, line := range renderSectionHeader("Locations", colorize) {
				fmt.Fprintln(out, line)
			}
			for _, location := range status.Locations {
				kind := statusOK
				msg := fmt.Sprintf("%s, %s free", location.Availability, formatBytes(location.FreeBytes))
				switch location.Availability {
				case "degraded":
					kind = statusWarn
				case "unreachable":
					kind = statusError
					msg = location.Availability
					if location.Detail != "" {
						msg += ": " + location.Detail
					}
				}
				fmt.Fprintln(out, renderStatusLine(location.ID, kind, msg, colorize))
			}

			if len(status.Stages) > 0 {
				for _, line := range renderSectionHeader("Stages", colorize) {
					fmt.Fprintln(out, line)
				}
				for _, stage := range status.Stages {
					kind, msg := statusOK, ""
					if !stage.Ready {
						kind, msg = statusWarn, stage.Detail
					}
					fmt.Fprintln(out, renderStatusLine(stage.Name, kind, msg, colorize))
				}
			}
			return nil
		},
	}
}
