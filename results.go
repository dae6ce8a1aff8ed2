package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"
)

// JobState is the lifecycle state reported for a query job.
type JobState string

const (
	JobRunning   JobState = "RUNNING"
	JobPending   JobState = "PENDING"
	JobDone      JobState = "DONE"
	JobFailed    JobState = "FAILED"
	JobJobFailed JobState = "JOB_FAILED"
	JobTimedOut  JobState = "JOB_TIMED_OUT"
	JobCancelled JobState = "CANCELLED"
)

// DefaultPollInterval is the wait between polls of a job that is still running.
const DefaultPollInterval = time.Second

// InProgress reports whether the job has not reached a terminal state yet.
// Result polling only accepts RUNNING; job status may also report PENDING.
func (s JobState) InProgress() bool {
	return s == JobRunning || s == JobPending
}

// IsTerminal reports whether no further progress will occur.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobDone, JobFailed, JobJobFailed, JobTimedOut, JobCancelled:
		return true
	}
	return false
}

// ResultPage is the page envelope of a job result. Result is left undecoded.
type ResultPage struct {
	PageCursor string          `json:"pageCursor,omitempty"`
	PageNumber *int            `json:"pageNumber,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// JobResultPage is one response of GET /query/v2/jobResults/{jobId}.
type JobResultPage struct {
	JobID        string      `json:"jobId,omitempty"`
	State        JobState    `json:"state"`
	ResultFormat string      `json:"resultFormat,omitempty"`
	RowsInPage   int         `json:"rowsInPage"`
	Page         *ResultPage `json:"page,omitempty"`
}

// Job is the status document of GET /query/v2/jobs/{jobId}.
type Job struct {
	JobID      string         `json:"jobId"`
	State      JobState       `json:"state"`
	Type       string         `json:"type,omitempty"`
	TenantID   string         `json:"tenantId,omitempty"`
	SubmitTime int64          `json:"submitTime,omitempty"`
	StartTime  int64          `json:"startTime,omitempty"`
	EndTime    int64          `json:"endTime,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// DecodeJobResultPage decodes a results response.
func DecodeJobResultPage(resp *Response) (*JobResultPage, error) {
	var page JobResultPage
	if err := resp.JSON(&page); err != nil {
		return nil, err
	}
	return &page, nil
}

// DecodeJob decodes a job status response.
func DecodeJob(resp *Response) (*Job, error) {
	var job Job
	if err := resp.JSON(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func badState(state JobState) *Error {
	return newError(KindProtocol, "Bad state: %s", state)
}

// pollInterrupted reports a poll wait cut short by ctx. The context error
// stays reachable through errors.Is.
func pollInterrupted(jobID string, err error) *Error {
	return &Error{Kind: KindGeneric, Message: fmt.Sprintf("poll job %s: %v", jobID, err), Err: err}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// IterJobResults polls the results of jobID until the job reaches a terminal
// state and yields the result pages. A RUNNING job is polled every
// opts.PollInterval. A DONE response with a page is yielded; when it carries
// a page cursor and opts.FollowCursor is set, the next page is requested,
// otherwise the sequence ends. A failed or cancelled job is yielded once as
// the last item. Any other state ends the sequence with a protocol error.
//
// The sequence is single-pass. Errors are yielded once and end it; breaking
// out of the loop stops polling.
func (s *QueryService) IterJobResults(ctx context.Context, jobID string, opts JobResultsOptions) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		params := opts
		params.EnforceJSON = Bool(true)
		interval := opts.PollInterval
		if interval <= 0 {
			interval = s.pollInterval
		}

		for {
			resp, err := s.GetJobResults(ctx, jobID, params)
			if err != nil {
				yield(nil, err)
				return
			}
			page, err := DecodeJobResultPage(resp)
			if err != nil {
				yield(nil, err)
				return
			}

			switch {
			case page.State == JobRunning:
				s.log.Debug(ctx, "job still running", "job_id", jobID)
				if err := s.sleep(ctx, interval); err != nil {
					yield(nil, pollInterrupted(jobID, err))
					return
				}
			case page.State == JobDone:
				if page.Page == nil {
					return
				}
				if !yield(resp, nil) {
					return
				}
				if page.Page.PageCursor == "" || !opts.FollowCursor {
					return
				}
				params.PageCursor = page.Page.PageCursor
				params.PageNumber = nil
			case page.State.IsTerminal():
				yield(resp, nil)
				return
			default:
				yield(nil, badState(page.State))
				return
			}
		}
	}
}

// WaitForJob polls the status of jobID until it reaches a terminal state and
// returns the last status response.
func (s *QueryService) WaitForJob(ctx context.Context, jobID string) (*Response, error) {
	for {
		resp, err := s.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		job, err := DecodeJob(resp)
		if err != nil {
			return nil, err
		}
		switch {
		case job.State.IsTerminal():
			return resp, nil
		case job.State.InProgress():
			if err := s.sleep(ctx, s.pollInterval); err != nil {
				return nil, pollInterrupted(jobID, err)
			}
		default:
			return nil, badState(job.State)
		}
	}
}
