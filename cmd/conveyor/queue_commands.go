package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"conveyor/internal/api"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var kind string
	var priority int

	cmd := &cobra.Command{
		Use:   "submit <location> <path>",
		Short: "Submit a payload for pipeline processing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			req := api.SubmitRequest{
				Kind:    kind,
				Payload: api.PayloadRef{Location: args[0], Path: args[1]},
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			resp, err := client.Submit(cmd.Context(), req)
			if err != nil {
				return wrapClientError(err, client.BaseURL())
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			if resp.Created {
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s as job %s (priority %d)\n",
					displayTitle(resp.Job.Path), resp.Job.ID, resp.Job.Priority)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Already tracked as job %s (%s)\n", resp.Job.ID, resp.Job.State)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Job kind (defaults to media processing)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Scheduling priority, lower runs first")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var states []string
	var kinds []string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			jobs, err := client.Jobs(cmd.Context(), api.ListOptions{
				States: states,
				Kinds:  kinds,
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				return wrapClientError(err, client.BaseURL())
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, api.JobListResponse{Jobs: jobs})
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
				return nil
			}
			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				stage := job.Stage
				if stage == "" {
					stage = "-"
				}
				rows = append(rows, []string{
					shortID(job.ID),
					displayTitle(job.Path),
					job.Location,
					job.State,
					stage,
					strconv.Itoa(job.Priority),
					attemptsColumn(job.Attempts, job.MaxAttempts),
					formatAge(job.CreatedAt),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Title", "Location", "State", "Stage", "Priority", "Attempts", "Age"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "Filter by job state (repeatable)")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "Filter by job kind (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of jobs to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Offset into the result set")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show the full record for one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := client.Job(cmd.Context(), args[0])
			if err != nil {
				return wrapClientError(err, client.BaseURL())
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, api.JobResponse{Job: *job})
			}
			printJobDetail(cmd, job)
			return nil
		},
	}
}

func printJobDetail(cmd *cobra.Command, job *api.Job) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %s\n", job.ID)
	fmt.Fprintf(out, "  Title:     %s\n", displayTitle(job.Path))
	fmt.Fprintf(out, "  Kind:      %s\n", job.Kind)
	fmt.Fprintf(out, "  Payload:   %s:%s\n", job.Location, job.Path)
	fmt.Fprintf(out, "  State:     %s\n", job.State)
	if job.Stage != "" {
		fmt.Fprintf(out, "  Stage:     %s\n", job.Stage)
	}
	fmt.Fprintf(out, "  Priority:  %d\n", job.Priority)
	fmt.Fprintf(out, "  Attempts:  %s\n", attemptsColumn(job.Attempts, job.MaxAttempts))
	if job.Worker != "" {
		fmt.Fprintf(out, "  Worker:    %s\n", job.Worker)
	}
	if job.OutputRef != "" {
		fmt.Fprintf(out, "  Output:    %s\n", job.OutputRef)
	}
	if job.PublishedID != "" {
		fmt.Fprintf(out, "  Published: %s\n", job.PublishedID)
	}
	if job.NotBefore != "" {
		fmt.Fprintf(out, "  Next try:  %s\n", job.NotBefore)
	}
	if job.Error != nil {
		fmt.Fprintf(out, "  Last error [%s, attempt %d]: %s\n", job.Error.Kind, job.Error.Attempt, job.Error.Message)
	}
	fmt.Fprintf(out, "  Created:   %s\n", job.CreatedAt)
	if job.FinishedAt != "" {
		fmt.Fprintf(out, "  Finished:  %s\n", job.FinishedAt)
	}
}

func newReorderCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <job-id> <priority>",
		Short: "Change a waiting job's scheduling priority",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid priority %q", args[1])
			}
			return runJobAction(ctx, cmd, args[0], "reordered", func(client *api.Client) (*api.Job, error) {
				return client.Reorder(cmd.Context(), args[0], priority)
			})
		},
	}
}

func newPauseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <job-id>",
		Short: "Hold a queued job back from workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobAction(ctx, cmd, args[0], "paused", func(client *api.Client) (*api.Job, error) {
				return client.Pause(cmd.Context(), args[0])
			})
		},
	}
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Return a paused job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobAction(ctx, cmd, args[0], "resumed", func(client *api.Client) (*api.Job, error) {
				return client.Resume(cmd.Context(), args[0])
			})
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job; running jobs stop at the next stage boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobAction(ctx, cmd, args[0], "cancel requested", func(client *api.Client) (*api.Job, error) {
				return client.Cancel(cmd.Context(), args[0])
			})
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a failed or cancelled job with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobAction(ctx, cmd, args[0], "requeued", func(client *api.Client) (*api.Job, error) {
				return client.Retry(cmd.Context(), args[0])
			})
		},
	}
}

func runJobAction(ctx *commandContext, cmd *cobra.Command, jobID, verb string, action func(*api.Client) (*api.Job, error)) error {
	client, err := ctx.client()
	if err != nil {
		return err
	}
	job, err := action(client)
	if err != nil {
		return wrapClientError(err, client.BaseURL())
	}
	if ctx.jsonOutput() {
		return writeJSON(cmd, api.JobResponse{Job: *job})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s (state: %s, priority: %d)\n", jobID, verb, job.State, job.Priority)
	return nil
}
