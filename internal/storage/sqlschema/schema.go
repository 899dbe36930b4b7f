// Package sqlschema holds the column layout shared by the relational record
// indexes, so Postgres and SQLite stay in step.
package sqlschema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PermitColumns lists the permit table columns in argument order.
var PermitColumns = []string{
	"index_key", "permit_number", "permit_year", "permit_type", "sequence_number", "version_number",
	"applicant_name", "designer_name", "designer_company", "supervisor_name", "supervisor_company",
	"contractor_name", "contractor_company", "engineer_name",
	"site_address", "district", "site_zone", "site_area",
	"floor_info", "floors", "floors_above", "floors_below", "building_count", "block_count", "unit_count",
	"total_floor_area", "issue_date", "issue_date_roc", "crawled_at",
}

// LogColumns lists the crawl log table columns in argument order.
var LogColumns = []string{
	"run_id", "run_date", "start_time", "end_time", "duration_seconds",
	"target_year", "start_sequence", "end_sequence", "stats", "stop_reason", "status", "error",
}

// Placeholder renders the i-th (1-based) bind parameter.
type Placeholder func(i int) string

// Dollar renders Postgres-style $n parameters.
func Dollar(i int) string { return "$" + strconv.Itoa(i) }

// Question renders ? parameters.
func Question(int) string { return "?" }

// TimeEncoder converts timestamps to the driver's preferred representation.
type TimeEncoder func(time.Time) any

// Tables derives the permit and log table names from a prefix.
func Tables(prefix string) (permits, logs string, err error) {
	permits, logs = prefix+"permits", prefix+"crawl_logs"
	if !validTableName.MatchString(permits) {
		return "", "", fmt.Errorf("invalid table prefix %q", prefix)
	}
	return permits, logs, nil
}

// UpsertPermitSQL inserts a permit row, replacing an existing row only when
// the incoming crawled_at is strictly newer.
func UpsertPermitSQL(table string, ph Placeholder) string {
	updates := make([]string, 0, len(PermitColumns)-1)
	for _, c := range PermitColumns[1:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (index_key) DO UPDATE SET %s WHERE %s.crawled_at < excluded.crawled_at",
		table, strings.Join(PermitColumns, ", "), placeholders(len(PermitColumns), ph), strings.Join(updates, ", "), table,
	)
}

// InsertLogSQL inserts one crawl log row.
func InsertLogSQL(table string, ph Placeholder) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(LogColumns, ", "), placeholders(len(LogColumns), ph))
}

// PermitArgs returns the bind arguments matching PermitColumns.
func PermitArgs(rec crawler.PermitRecord, enc TimeEncoder) []any {
	return []any{
		rec.IndexKey, rec.PermitNumber, rec.PermitYear, rec.PermitType, rec.SequenceNumber, rec.VersionNumber,
		rec.ApplicantName, rec.DesignerName, rec.DesignerCompany, rec.SupervisorName, rec.SupervisorCompany,
		rec.ContractorName, rec.ContractorCompany, rec.EngineerName,
		rec.SiteAddress, rec.District, rec.SiteZone, rec.SiteArea,
		rec.FloorInfo, rec.Floors, rec.FloorsAbove, rec.FloorsBelow, rec.BuildingCount, rec.BlockCount, rec.UnitCount,
		rec.TotalFloorArea, rec.IssueDate, rec.IssueDateROC, enc(rec.CrawledAt),
	}
}

// LogArgs returns the bind arguments matching LogColumns. Stats are stored
// as JSON text.
func LogArgs(entry crawler.CrawlLogEntry, enc TimeEncoder) ([]any, error) {
	stats, err := json.Marshal(entry.Stats)
	if err != nil {
		return nil, fmt.Errorf("marshal stats: %w", err)
	}
	return []any{
		entry.RunID, entry.Date, enc(entry.StartTime), enc(entry.EndTime), entry.Duration,
		entry.TargetYear, entry.StartSequence, entry.EndSequence, string(stats),
		string(entry.StopReason), string(entry.Status), entry.Error,
	}, nil
}

func placeholders(n int, ph Placeholder) string {
	out := make([]string, n)
	for i := range out {
		out[i] = ph(i + 1)
	}
	return strings.Join(out, ", ")
}
