package crawler

import (
	"net/http"
	"time"
)

// RunStatus is the terminal state recorded for a crawl run.
type RunStatus string

// Run status values persisted in the crawl log.
const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StopReason explains why the engine left its loop.
type StopReason string

// Stop reasons reported by the engine.
const (
	StopRangeEnd            StopReason = "range_end"
	StopRunLimit            StopReason = "run_limit"
	StopConsecutiveNoData   StopReason = "consecutive_no_data"
	StopConsecutiveFailures StopReason = "consecutive_failures"
	StopCanceled            StopReason = "canceled"
)

// PermitRecord is one scraped registry entry. Optional fields stay nil when
// the page did not carry them.
type PermitRecord struct {
	IndexKey          string    `json:"indexKey"`
	PermitNumber      string    `json:"permitNumber"`
	PermitYear        int       `json:"permitYear"`
	PermitType        int       `json:"permitType"`
	SequenceNumber    int       `json:"sequenceNumber"`
	VersionNumber     int       `json:"versionNumber"`
	ApplicantName     *string   `json:"applicantName,omitempty"`
	DesignerName      *string   `json:"designerName,omitempty"`
	DesignerCompany   *string   `json:"designerCompany,omitempty"`
	SupervisorName    *string   `json:"supervisorName,omitempty"`
	SupervisorCompany *string   `json:"supervisorCompany,omitempty"`
	ContractorName    *string   `json:"contractorName,omitempty"`
	ContractorCompany *string   `json:"contractorCompany,omitempty"`
	EngineerName      *string   `json:"engineerName,omitempty"`
	SiteAddress       *string   `json:"siteAddress,omitempty"`
	District          *string   `json:"district,omitempty"`
	SiteZone          *string   `json:"siteZone,omitempty"`
	SiteArea          *float64  `json:"siteArea,omitempty"`
	FloorInfo         *string   `json:"floorInfo,omitempty"`
	Floors            *int      `json:"floors,omitempty"`
	FloorsAbove       *int      `json:"floorsAbove,omitempty"`
	FloorsBelow       *int      `json:"floorsBelow,omitempty"`
	BuildingCount     *int      `json:"buildingCount,omitempty"`
	BlockCount        *int      `json:"blockCount,omitempty"`
	UnitCount         *int      `json:"unitCount,omitempty"`
	TotalFloorArea    *float64  `json:"totalFloorArea,omitempty"`
	IssueDate         *string   `json:"issueDate,omitempty"`
	IssueDateROC      *string   `json:"issueDateROC,omitempty"`
	CrawledAt         time.Time `json:"crawledAt"`
}

// CrawlStats holds the per-run counters. ParseFailed is a subset of Failed.
type CrawlStats struct {
	TotalAttempted int `json:"totalAttempted"`
	Successful     int `json:"successful"`
	Failed         int `json:"failed"`
	Skipped        int `json:"skipped"`
	NoData         int `json:"noData"`
	ParseFailed    int `json:"parseFailed"`
}

// Snapshot is the persisted, deduplicated permit collection.
type Snapshot struct {
	LastUpdate time.Time      `json:"lastUpdate"`
	TotalCount int            `json:"totalCount"`
	YearCounts map[string]int `json:"yearCounts"`
	Permits    []PermitRecord `json:"permits"`
}

// CrawlLogEntry is the audit record written once per run.
type CrawlLogEntry struct {
	RunID         string     `json:"runId,omitempty"`
	Date          string     `json:"date"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       time.Time  `json:"endTime"`
	Duration      int64      `json:"duration"`
	TargetYear    int        `json:"targetYear,omitempty"`
	StartSequence int        `json:"startSequence,omitempty"`
	EndSequence   int        `json:"endSequence,omitempty"`
	Stats         CrawlStats `json:"stats"`
	StopReason    StopReason `json:"stopReason,omitempty"`
	Status        RunStatus  `json:"status"`
	Error         string     `json:"error,omitempty"`
}

// LogFile is the persisted shape of the crawl log, newest entry first.
type LogFile struct {
	Logs       []CrawlLogEntry `json:"logs"`
	LastUpdate time.Time       `json:"lastUpdate"`
}

// YearProgress summarizes what the store holds for one permit year.
type YearProgress struct {
	Count int `json:"count"`
	Max   int `json:"max"`
}

// MergeResult reports what a merge changed.
type MergeResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Total   int `json:"total"`
}

// RunRequest asks a worker to execute one crawl run. When Planned is set the
// worker picks the target year and start sequence from stored progress.
type RunRequest struct {
	RunID         string    `json:"runId"`
	Planned       bool      `json:"planned"`
	Year          int       `json:"year,omitempty"`
	StartSequence int       `json:"startSequence,omitempty"`
	EndSequence   *int      `json:"endSequence,omitempty"`
	NoAutoStop    bool      `json:"noAutoStop,omitempty"`
	Source        string    `json:"source"`
	Submitted     time.Time `json:"submitted"`
}

// FetchRequest captures everything needed for one HTTP exchange.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
