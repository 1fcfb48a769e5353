package nvd

import (
	"fmt"
	"net/url"
	"time"
)

// MaxModRange is the widest lastModified window the API accepts.
const MaxModRange = 120 * 24 * time.Hour

// Filter contributes querystring parameters to a CVE API request. Validation
// happens in the constructors; the iterator serializes whatever it is handed.
type Filter func(q url.Values)

func stringFilter(param string) func(string) Filter {
	return func(v string) Filter {
		return func(q url.Values) { q.Set(param, v) }
	}
}

func presenceFilter(param string) Filter {
	return func(q url.Values) { q.Set(param, "") }
}

var (
	CpeName           = stringFilter("cpeName")
	CveID             = stringFilter("cveId")
	CvssV2Metrics     = stringFilter("cvssV2Metrics")
	CvssV3Metrics     = stringFilter("cvssV3Metrics")
	CweID             = stringFilter("cweId")
	KeywordExactMatch = stringFilter("keywordExactMatch")
	KeywordSearch     = stringFilter("keywordSearch")
	VirtualMatch      = stringFilter("virtualMatchString")

	HasCertAlerts = presenceFilter("hasCertAlerts")
	HasCertNotes  = presenceFilter("hasCertNotes")
	HasKev        = presenceFilter("hasKev")
	HasOval       = presenceFilter("hasOval")
	IsVulnerable  = presenceFilter("isVulnerable")
	NoRejected    = presenceFilter("noRejected")
)

// CvssV2Severity filters on a v2 severity bucket.
func CvssV2Severity(severity string) (Filter, error) {
	switch severity {
	case "LOW", "MEDIUM", "HIGH":
	default:
		return nil, fmt.Errorf("invalid CVSS v2 severity %q", severity)
	}
	return func(q url.Values) { q.Set("cvssV2Severity", severity) }, nil
}

// CvssV3Severity filters on a v3 severity bucket.
func CvssV3Severity(severity string) (Filter, error) {
	switch severity {
	case "LOW", "MEDIUM", "HIGH", "CRITICAL":
	default:
		return nil, fmt.Errorf("invalid CVSS v3 severity %q", severity)
	}
	return func(q url.Values) { q.Set("cvssV3Severity", severity) }, nil
}

// LastModRange filters on lastModified. The API rejects windows over 120 days.
func LastModRange(start, end time.Time) (Filter, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("lastModified range end %s before start %s", end, start)
	}
	if end.Sub(start) > MaxModRange {
		return nil, fmt.Errorf("lastModified range exceeds 120 days")
	}
	return func(q url.Values) {
		q.Set("lastModStartDate", start.UTC().Format(time.RFC3339))
		q.Set("lastModEndDate", end.UTC().Format(time.RFC3339))
	}, nil
}

// PubRange filters on the published date.
func PubRange(start, end time.Time) (Filter, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("published range end %s before start %s", end, start)
	}
	return func(q url.Values) {
		q.Set("pubStartDate", start.UTC().Format(time.RFC3339))
		q.Set("pubEndDate", end.UTC().Format(time.RFC3339))
	}, nil
}

// VersionStart bounds the match below. typ is INCLUDING or EXCLUDING.
func VersionStart(version, typ string) (Filter, error) {
	if err := checkVersionType(typ); err != nil {
		return nil, err
	}
	return func(q url.Values) {
		q.Set("versionStart", version)
		q.Set("versionStartType", typ)
	}, nil
}

// VersionEnd bounds the match above. typ is INCLUDING or EXCLUDING.
func VersionEnd(version, typ string) (Filter, error) {
	if err := checkVersionType(typ); err != nil {
		return nil, err
	}
	return func(q url.Values) {
		q.Set("versionEnd", version)
		q.Set("versionEndType", typ)
	}, nil
}

func checkVersionType(typ string) error {
	if typ != "INCLUDING" && typ != "EXCLUDING" {
		return fmt.Errorf("invalid version bound type %q", typ)
	}
	return nil
}
