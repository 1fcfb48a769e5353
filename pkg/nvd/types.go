package nvd

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the NVD CVE API 2.0 response wrapper. Vulnerability entries are
// kept as raw JSON so the payload survives a mirror round trip byte-for-byte.
type Envelope struct {
	ResultsPerPage  int               `json:"resultsPerPage"`
	StartIndex      int               `json:"startIndex"`
	TotalResults    int               `json:"totalResults"`
	Format          string            `json:"format"`
	Version         string            `json:"version"`
	Timestamp       string            `json:"timestamp"`
	Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
}

// CveRecord is one vulnerability entry. ID and the two timestamps are indexed
// for partitioning; Raw holds the complete {"cve":{...}} item verbatim.
type CveRecord struct {
	ID           string
	Published    time.Time
	LastModified time.Time
	Raw          json.RawMessage
}

// PageBatch is the unit an iterator yields: one decoded page plus the server's
// view of the total corpus and its snapshot time.
type PageBatch struct {
	Records         []*CveRecord
	TotalAvailable  int
	ServerTimestamp time.Time
}

// recordProbe pulls the indexed fields out of a raw vulnerability item.
type recordProbe struct {
	Cve struct {
		ID           string `json:"id"`
		Published    string `json:"published"`
		LastModified string `json:"lastModified"`
	} `json:"cve"`
}

// NVD emits zone-less timestamps like "2024-01-02T15:04:05.000"; feeds and
// cursors use RFC3339. All are UTC.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses the timestamp shapes the NVD API emits.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized NVD timestamp %q", s)
}

// DecodeEnvelope parses an API response body.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse NVD response: %w", err)
	}
	return &env, nil
}

// Records decodes the envelope's vulnerability entries.
func (e *Envelope) Records() ([]*CveRecord, error) {
	recs := make([]*CveRecord, 0, len(e.Vulnerabilities))
	for _, raw := range e.Vulnerabilities {
		var p recordProbe
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to parse vulnerability entry: %w", err)
		}
		if p.Cve.ID == "" {
			return nil, fmt.Errorf("vulnerability entry missing cve.id")
		}
		rec := &CveRecord{ID: p.Cve.ID, Raw: raw}
		if p.Cve.Published != "" {
			t, err := ParseTimestamp(p.Cve.Published)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p.Cve.ID, err)
			}
			rec.Published = t
		}
		if p.Cve.LastModified != "" {
			t, err := ParseTimestamp(p.Cve.LastModified)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p.Cve.ID, err)
			}
			rec.LastModified = t
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// ServerTime parses the envelope's own timestamp; zero time if absent or
// malformed.
func (e *Envelope) ServerTime() time.Time {
	if e.Timestamp == "" {
		return time.Time{}
	}
	t, err := ParseTimestamp(e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}
