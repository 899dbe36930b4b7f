package crawler

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Zone-less layouts written by older tooling (Python isoformat and friends).
// Fractional seconds are accepted after the seconds field without being named.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339 and the zone-less ISO forms found in older
// snapshot and log files. Zone-less values are read as UTC. An empty string
// yields the zero time.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: unsupported layout", s)
}

// looseTime decodes with ParseTimestamp. Values are always written back as
// RFC 3339 through the enclosing time.Time field.
type looseTime time.Time

func (t *looseTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = looseTime{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = looseTime(parsed)
	return nil
}

// UnmarshalJSON accepts zone-less crawledAt values.
func (r *PermitRecord) UnmarshalJSON(data []byte) error {
	type plain PermitRecord
	aux := struct {
		*plain
		CrawledAt looseTime `json:"crawledAt"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.CrawledAt = time.Time(aux.CrawledAt)
	return nil
}

// UnmarshalJSON accepts a zone-less lastUpdate.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type plain Snapshot
	aux := struct {
		*plain
		LastUpdate looseTime `json:"lastUpdate"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.LastUpdate = time.Time(aux.LastUpdate)
	return nil
}

// UnmarshalJSON accepts zone-less start and end times and a fractional
// duration.
func (e *CrawlLogEntry) UnmarshalJSON(data []byte) error {
	type plain CrawlLogEntry
	aux := struct {
		*plain
		StartTime looseTime `json:"startTime"`
		EndTime   looseTime `json:"endTime"`
		Duration  float64   `json:"duration"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.StartTime = time.Time(aux.StartTime)
	e.EndTime = time.Time(aux.EndTime)
	e.Duration = int64(math.Round(aux.Duration))
	return nil
}

// UnmarshalJSON accepts a zone-less lastUpdate.
func (f *LogFile) UnmarshalJSON(data []byte) error {
	type plain LogFile
	aux := struct {
		*plain
		LastUpdate looseTime `json:"lastUpdate"`
	}{plain: (*plain)(f)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	f.LastUpdate = time.Time(aux.LastUpdate)
	return nil
}
