package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cortex "github.com/tilakbaserock/pan-cortex-data-lake-go"
)

// cancelParallelism bounds concurrent DELETE requests of "jobs cancel".
const cancelParallelism = 8

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage query jobs",
	}

	cmd.AddCommand(newJobsListCmd(a))
	cmd.AddCommand(newJobsGetCmd(a))
	cmd.AddCommand(newJobsCancelCmd(a))
	cmd.AddCommand(newJobsWaitCmd(a))
	cmd.AddCommand(newJobsResultsCmd(a))

	return cmd
}

func newJobsListCmd(a *app) *cobra.Command {
	var (
		maxJobs      int
		state        string
		jobType      string
		tenantID     string
		createdAfter time.Duration
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.queryService(cmd)
			if err != nil {
				return err
			}
			opts := cortex.ListJobsOptions{
				State:    cortex.JobState(state),
				JobType:  jobType,
				TenantID: tenantID,
			}
			if cmd.Flags().Changed("max-jobs") {
				opts.MaxJobs = cortex.Int(maxJobs)
			}
			if createdAfter > 0 {
				ms := time.Now().Add(-createdAfter).UnixMilli()
				opts.CreatedAfter = &ms
			}

			resp, err := s.ListJobs(cmd.Context(), opts)
			if err != nil {
				return err
			}
			var jobs []cortex.Job
			if err := resp.JSON(&jobs); err != nil {
				return err
			}
			if getOutputFormat(cmd) == outputJSON {
				return PrintJSON(cmd.OutOrStdout(), jobs)
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "Maximum number of jobs to return")
	cmd.Flags().StringVar(&state, "state", "", "Only jobs in this state (RUNNING, DONE, ...)")
	cmd.Flags().StringVar(&jobType, "type", "", "Only jobs of this type")
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Only jobs of this tenant")
	cmd.Flags().DurationVar(&createdAfter, "since", 0, "Only jobs created within this duration")
	return cmd
}

func printJobs(w io.Writer, jobs []cortex.Job) {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{j.JobID, string(j.State), j.Type, formatMillis(j.SubmitTime)})
	}
	PrintTable(w, []string{"job id", "state", "type", "submitted"}, rows)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func newJobsGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.queryService(cmd)
			if err != nil {
				return err
			}
			resp, err := s.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(cmd, resp)
		},
	}
}

func printJob(cmd *cobra.Command, resp *cortex.Response) error {
	if getOutputFormat(cmd) == outputJSON {
		var raw json.RawMessage
		if err := resp.JSON(&raw); err != nil {
			return err
		}
		return PrintJSON(cmd.OutOrStdout(), raw)
	}
	job, err := cortex.DecodeJob(resp)
	if err != nil {
		return err
	}
	printJobs(cmd.OutOrStdout(), []cortex.Job{*job})
	return nil
}

func newJobsCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>...",
		Short: "Cancel one or more jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.queryService(cmd)
			if err != nil {
				return err
			}

			statuses := make([]string, len(args))
			g, gctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(cancelParallelism)
			for i, id := range args {
				g.Go(func() error {
					resp, err := s.CancelJob(gctx, id)
					if err != nil {
						return fmt.Errorf("cancel %s: %w", id, err)
					}
					statuses[i] = strconv.Itoa(resp.StatusCode)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			rows := make([][]string, len(args))
			for i, id := range args {
				rows[i] = []string{id, statuses[i]}
			}
			if getOutputFormat(cmd) == outputJSON {
				out := make(map[string]string, len(args))
				for i, id := range args {
					out[id] = statuses[i]
				}
				return PrintJSON(cmd.OutOrStdout(), out)
			}
			PrintTable(cmd.OutOrStdout(), []string{"job id", "status"}, rows)
			return nil
		},
	}
}

func newJobsWaitCmd(a *app) *cobra.Command {
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Wait until a job reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.queryService(cmd)
			if err != nil {
				return err
			}
			s.SetPollInterval(pollInterval)
			resp, err := s.WaitForJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(cmd, resp)
		},
	}

	cmd.Flags().DurationVar(&pollInterval, "poll-interval", cortex.DefaultPollInterval, "Wait between polls")
	return cmd
}

func newJobsResultsCmd(a *app) *cobra.Command {
	var results resultsFlags

	cmd := &cobra.Command{
		Use:   "results <job-id>",
		Short: "Print the results of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.queryService(cmd)
			if err != nil {
				return err
			}
			return printResults(cmd.Context(), cmd.OutOrStdout(), s, args[0], results.options(cmd.Flags()), getOutputFormat(cmd))
		},
	}

	results.register(cmd.Flags())
	return cmd
}
