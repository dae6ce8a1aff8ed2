package cortex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tilakbaserock/pan-cortex-data-lake-go/internal/logging"
)

const (
	jobsEndpoint       = "/query/v2/jobs"
	jobResultsEndpoint = "/query/v2/jobResults"
)

// Int returns a pointer to n, for optional numeric parameters.
func Int(n int) *int { return &n }

// Bool returns a pointer to b, for optional flags.
func Bool(b bool) *bool { return &b }

// ListJobsOptions filters ListJobs. Zero values are not sent.
type ListJobsOptions struct {
	MaxJobs *int
	// CreatedAfter is a Unix timestamp in milliseconds.
	CreatedAfter *int64
	State        JobState
	JobType      string
	TenantID     string
}

func (o ListJobsOptions) params() map[string]any {
	p := map[string]any{}
	if o.MaxJobs != nil {
		p["maxJobs"] = *o.MaxJobs
	}
	if o.CreatedAfter != nil {
		p["createdAfter"] = *o.CreatedAfter
	}
	if o.State != "" {
		p["state"] = string(o.State)
	}
	if o.JobType != "" {
		p["type"] = o.JobType
	}
	if o.TenantID != "" {
		p["tenantId"] = o.TenantID
	}
	return p
}

// JobResultsOptions controls GetJobResults and IterJobResults.
type JobResultsOptions struct {
	// MaxWait is how long, in milliseconds, the service may hold the request
	// open waiting for results.
	MaxWait      *int
	PageSize     *int
	PageNumber   *int
	PageCursor   string
	ResultFormat string
	// EnforceJSON defaults to true.
	EnforceJSON *bool

	// FollowCursor makes IterJobResults request the next page while the
	// service returns a page cursor.
	FollowCursor bool
	// PollInterval overrides the service poll interval for IterJobResults.
	PollInterval time.Duration
}

func (o JobResultsOptions) params() map[string]any {
	p := map[string]any{}
	if o.MaxWait != nil {
		p["maxWait"] = *o.MaxWait
	}
	if o.ResultFormat != "" {
		p["resultFormat"] = o.ResultFormat
	}
	if o.PageSize != nil {
		p["pageSize"] = *o.PageSize
	}
	if o.PageNumber != nil {
		p["pageNumber"] = *o.PageNumber
	}
	if o.PageCursor != "" {
		p["pageCursor"] = o.PageCursor
	}
	return p
}

// QueryService manages query jobs: it creates, inspects, lists and cancels
// them and fetches their results. It keeps its own Stats, separate from the
// underlying HTTPClient.
type QueryService struct {
	client      Requester
	http        *HTTPClient
	url         string
	credentials Credentials

	stats        Stats
	log          logging.Logger
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewQueryService builds a QueryService with its own HTTPClient configured
// from opts.
func NewQueryService(opts ...Option) (*QueryService, error) {
	client, err := NewHTTPClient(opts...)
	if err != nil {
		return nil, err
	}
	return newQueryService(client, client.cfg), nil
}

// NewQueryServiceFromMap is NewQueryService with settings validated by
// OptionsFromMap.
func NewQueryServiceFromMap(settings map[string]any, opts ...Option) (*QueryService, error) {
	client, err := NewHTTPClientFromMap(settings, opts...)
	if err != nil {
		return nil, err
	}
	return newQueryService(client, client.cfg), nil
}

func newQueryService(r Requester, cfg Config) *QueryService {
	s := &QueryService{
		client:       r,
		url:          cfg.URL,
		credentials:  cfg.Credentials,
		log:          logging.Nop{},
		pollInterval: DefaultPollInterval,
		sleep:        sleepContext,
	}
	if c, ok := r.(*HTTPClient); ok {
		s.http = c
	}
	if cfg.Logger != nil {
		s.log = logging.NewSlogLogger(cfg.Logger).With("component", "query")
	}
	return s
}

// SetPollInterval changes the wait between polls of a running job.
func (s *QueryService) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// HTTPClient returns the transport of the service, or nil when it was built
// around another Requester.
func (s *QueryService) HTTPClient() *HTTPClient { return s.http }

// Stats returns the operation counters of the service.
func (s *QueryService) Stats() *Stats { return &s.stats }

// URL returns the base URL the service talks to.
func (s *QueryService) URL() string { return s.url }

func (s *QueryService) String() string {
	creds := "None"
	if s.credentials != nil {
		creds = fmt.Sprintf("<%T>", s.credentials)
	}
	return fmt.Sprintf("QueryService(url='%s', credentials=%s)", s.url, creds)
}

// Close releases idle connections of the underlying HTTPClient.
func (s *QueryService) Close() error {
	if s.http != nil {
		return s.http.Close()
	}
	return nil
}

type createQueryRequest struct {
	JobID         string         `json:"jobId,omitempty"`
	Params        map[string]any `json:"params"`
	ClientType    string         `json:"clientType"`
	ClientVersion string         `json:"clientVersion"`
}

// CreateQuery submits a query job. jobID may be empty, in which case the
// service assigns one. queryParams usually holds at least "query".
func (s *QueryService) CreateQuery(ctx context.Context, jobID string, queryParams map[string]any) (*Response, error) {
	resp, err := s.client.Request(ctx, RequestSpec{
		Method:   http.MethodPost,
		Endpoint: jobsEndpoint,
		JSON: createQueryRequest{
			JobID:         jobID,
			Params:        queryParams,
			ClientType:    ProductName,
			ClientVersion: Version,
		},
	})
	if err != nil {
		return nil, err
	}
	s.stats.CreateQuery.Add(1)
	return resp, nil
}

// GetJob fetches the status document of a job using
// GET /query/v2/jobs/{jobId}. The body decodes with DecodeJob. An empty
// jobID is rejected before any request is sent.
func (s *QueryService) GetJob(ctx context.Context, jobID string) (*Response, error) {
	if jobID == "" {
		return nil, missingArgument("job_id")
	}
	resp, err := s.client.Request(ctx, RequestSpec{
		Method:   http.MethodGet,
		Endpoint: jobsEndpoint + "/" + url.PathEscape(jobID),
	})
	if err != nil {
		return nil, err
	}
	s.stats.GetJob.Add(1)
	return resp, nil
}

// CancelJob asks the service to stop a job using
// DELETE /query/v2/jobs/{jobId}. Cancelling a finished job is left to the
// service to accept or reject.
func (s *QueryService) CancelJob(ctx context.Context, jobID string) (*Response, error) {
	if jobID == "" {
		return nil, missingArgument("job_id")
	}
	resp, err := s.client.Request(ctx, RequestSpec{
		Method:   http.MethodDelete,
		Endpoint: jobsEndpoint + "/" + url.PathEscape(jobID),
	})
	if err != nil {
		return nil, err
	}
	s.stats.CancelJob.Add(1)
	return resp, nil
}

// ListJobs returns the jobs visible to the caller using
// GET /query/v2/jobs. Unset fields of opts are not sent, so the service
// defaults apply.
func (s *QueryService) ListJobs(ctx context.Context, opts ListJobsOptions) (*Response, error) {
	resp, err := s.client.Request(ctx, RequestSpec{
		Method:   http.MethodGet,
		Endpoint: jobsEndpoint,
		Params:   opts.params(),
	})
	if err != nil {
		return nil, err
	}
	s.stats.ListJobs.Add(1)
	return resp, nil
}

// GetJobResults fetches one page of results and adds its rowsInPage to
// Stats.Records.
func (s *QueryService) GetJobResults(ctx context.Context, jobID string, opts JobResultsOptions) (*Response, error) {
	if jobID == "" {
		return nil, missingArgument("job_id")
	}
	enforceJSON := true
	if opts.EnforceJSON != nil {
		enforceJSON = *opts.EnforceJSON
	}
	resp, err := s.client.Request(ctx, RequestSpec{
		Method:      http.MethodGet,
		Endpoint:    jobResultsEndpoint + "/" + url.PathEscape(jobID),
		Params:      opts.params(),
		EnforceJSON: Bool(enforceJSON),
	})
	if err != nil {
		return nil, err
	}

	var page struct {
		RowsInPage int `json:"rowsInPage"`
	}
	if err := resp.JSON(&page); err != nil {
		if enforceJSON {
			return nil, err
		}
	}
	s.stats.Records.Add(int64(page.RowsInPage))
	s.stats.GetJobResults.Add(1)
	return resp, nil
}
