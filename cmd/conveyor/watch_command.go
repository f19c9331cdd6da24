package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"conveyor/internal/api"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var types []string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream the live status feed",
		Long: "Stream job state transitions, worker health alerts, and storage " +
			"location changes from the daemon until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}

			match := func(eventType string) bool {
				if len(types) == 0 {
					return true
				}
				for _, want := range types {
					if eventType == want || strings.HasPrefix(eventType, want+".") {
						return true
					}
				}
				return false
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			err = client.Events(cmd.Context(), func(event api.Event) error {
				if !match(event.Type) {
					return nil
				}
				if ctx.jsonOutput() {
					encoded, encErr := json.Marshal(event)
					if encErr != nil {
						return encErr
					}
					fmt.Fprintln(out, string(encoded))
					return nil
				}
				fmt.Fprintln(out, renderEventLine(event, colorize))
				return nil
			})
			return wrapClientError(err, client.BaseURL())
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "Only show events of this type or prefix (repeatable)")
	return cmd
}

func renderEventLine(event api.Event, colorize bool) string {
	kind := statusInfo
	switch event.Level {
	case "warn":
		kind = statusWarn
	case "alert":
		kind = statusError
	}

	subject := event.JobID
	if subject == "" {
		subject = event.WorkerID
	}
	if subject == "" {
		subject = event.LocationID
	}
	detail := event.Message
	if event.Stage != "" {
		detail = fmt.Sprintf("%s (stage %s)", detail, event.Stage)
	}
	if subject != "" {
		detail = fmt.Sprintf("%s: %s", shortID(subject), detail)
	}

	line := fmt.Sprintf("%s  %-22s %s", event.Timestamp, event.Type, detail)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + line + ansiReset
		}
	}
	return line
}
