package cortex

import (
	"fmt"
	"sync/atomic"
)

// Stats counts operations performed by an HTTPClient or a QueryService. All
// fields may be read from other goroutines while requests are in flight.
type Stats struct {
	CreateQuery   atomic.Int64
	GetJob        atomic.Int64
	CancelJob     atomic.Int64
	ListJobs      atomic.Int64
	GetJobResults atomic.Int64
	Records       atomic.Int64
	Transactions  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	CreateQuery   int64 `json:"create_query"`
	GetJob        int64 `json:"get_job"`
	CancelJob     int64 `json:"cancel_job"`
	ListJobs      int64 `json:"list_jobs"`
	GetJobResults int64 `json:"get_job_results"`
	Records       int64 `json:"records"`
	Transactions  int64 `json:"transactions"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		CreateQuery:   s.CreateQuery.Load(),
		GetJob:        s.GetJob.Load(),
		CancelJob:     s.CancelJob.Load(),
		ListJobs:      s.ListJobs.Load(),
		GetJobResults: s.GetJobResults.Load(),
		Records:       s.Records.Load(),
		Transactions:  s.Transactions.Load(),
	}
}

func (s StatsSnapshot) String() string {
	return fmt.Sprintf("create_query=%d get_job=%d cancel_job=%d list_jobs=%d get_job_results=%d records=%d transactions=%d",
		s.CreateQuery, s.GetJob, s.CancelJob, s.ListJobs, s.GetJobResults, s.Records, s.Transactions)
}
