package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	cortex "github.com/tilakbaserock/pan-cortex-data-lake-go"
)

// resultsFlags are shared by "query" and "jobs results".
type resultsFlags struct {
	pageSize     int
	maxWait      int
	pageCursor   string
	resultFormat string
	follow       bool
	pollInterval time.Duration
}

func (f *resultsFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&f.pageSize, "page-size", 0, "Rows per result page")
	fs.IntVar(&f.maxWait, "max-wait", 0, "Milliseconds the service may wait for results per request")
	fs.StringVar(&f.pageCursor, "page-cursor", "", "Start from this page cursor")
	fs.StringVar(&f.resultFormat, "result-format", "", "Result format (valuesArray, valuesDictionary)")
	fs.BoolVar(&f.follow, "follow", false, "Keep fetching pages while the service returns a cursor")
	fs.DurationVar(&f.pollInterval, "poll-interval", cortex.DefaultPollInterval, "Wait between polls of a running job")
}

// options only sets the parameters the user gave explicitly.
func (f *resultsFlags) options(fs *pflag.FlagSet) cortex.JobResultsOptions {
	opts := cortex.JobResultsOptions{
		PageCursor:   f.pageCursor,
		ResultFormat: f.resultFormat,
		FollowCursor: f.follow,
		PollInterval: f.pollInterval,
	}
	if fs.Changed("page-size") {
		opts.PageSize = cortex.Int(f.pageSize)
	}
	if fs.Changed("max-wait") {
		opts.MaxWait = cortex.Int(f.maxWait)
	}
	return opts
}

func newQueryCmd(a *app) *cobra.Command {
	var (
		jobID   string
		results resultsFlags
	)

	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a query and print its results",
		Example: "  cdl query 'SELECT * FROM `firewall.traffic` LIMIT 5'\n" +
			"  cdl query --follow --page-size 1000 'SELECT ...'",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.queryService(cmd)
			if err != nil {
				return err
			}
			if jobID == "" {
				jobID = uuid.NewString()
			}
			ctx := cmd.Context()
			if _, err := s.CreateQuery(ctx, jobID, map[string]any{"query": args[0]}); err != nil {
				return fmt.Errorf("create query: %w", err)
			}
			a.log.Info(ctx, "query submitted", "job_id", jobID)
			return printResults(ctx, cmd.OutOrStdout(), s, jobID, results.options(cmd.Flags()), getOutputFormat(cmd))
		},
	}

	cmd.Flags().StringVar(&jobID, "job-id", "", "Job id (a random UUID by default)")
	results.register(cmd.Flags())
	return cmd
}

// printResults drains the result pages of jobID. A job that ends in a
// failure state is reported as an error after its response is printed.
func printResults(ctx context.Context, w io.Writer, s *cortex.QueryService, jobID string, opts cortex.JobResultsOptions, format string) error {
	for resp, err := range s.IterJobResults(ctx, jobID, opts) {
		if err != nil {
			return err
		}
		page, err := cortex.DecodeJobResultPage(resp)
		if err != nil {
			return err
		}
		if format == outputJSON {
			if err := PrintJSON(w, page); err != nil {
				return err
			}
		} else if page.Page != nil {
			if err := printPage(w, page.Page); err != nil {
				return err
			}
		}
		if page.State != cortex.JobDone {
			return fmt.Errorf("job %s ended in state %s", jobID, page.State)
		}
	}
	return nil
}

// printPage renders the "data" rows of a result, falling back to JSON.
func printPage(w io.Writer, page *cortex.ResultPage) error {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(page.Result, &body); err != nil || body["data"] == nil {
		return PrintJSON(w, page.Result)
	}
	return printRecords(w, body["data"])
}
