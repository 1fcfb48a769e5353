package nvd

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(filters ...Filter) url.Values {
	q := url.Values{}
	for _, f := range filters {
		f(q)
	}
	return q
}

func TestStringAndPresenceFilters(t *testing.T) {
	q := apply(
		CpeName("cpe:2.3:o:vendor:product"),
		CveID("CVE-2024-1234"),
		CweID("CWE-79"),
		KeywordSearch("overflow"),
		HasKev,
		NoRejected,
	)
	assert.Equal(t, "cpe:2.3:o:vendor:product", q.Get("cpeName"))
	assert.Equal(t, "CVE-2024-1234", q.Get("cveId"))
	assert.Equal(t, "CWE-79", q.Get("cweId"))
	assert.Equal(t, "overflow", q.Get("keywordSearch"))
	assert.True(t, q.Has("hasKev"))
	assert.True(t, q.Has("noRejected"))
	assert.False(t, q.Has("isVulnerable"))
}

func TestSeverityFilters(t *testing.T) {
	f, err := CvssV3Severity("CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, "CRITICAL", apply(f).Get("cvssV3Severity"))

	_, err = CvssV2Severity("CRITICAL")
	assert.Error(t, err, "v2 has no CRITICAL bucket")

	_, err = CvssV3Severity("SEVERE")
	assert.Error(t, err)
}

func TestLastModRange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	f, err := LastModRange(start, start.Add(30*24*time.Hour))
	require.NoError(t, err)
	q := apply(f)
	assert.Equal(t, "2024-01-01T00:00:00Z", q.Get("lastModStartDate"))
	assert.Equal(t, "2024-01-31T00:00:00Z", q.Get("lastModEndDate"))

	_, err = LastModRange(start, start.Add(121*24*time.Hour))
	assert.ErrorContains(t, err, "120 days")

	_, err = LastModRange(start, start.Add(-time.Hour))
	assert.Error(t, err)
}

func TestVersionFilters(t *testing.T) {
	f, err := VersionStart("1.2.3", "INCLUDING")
	require.NoError(t, err)
	q := apply(f)
	assert.Equal(t, "1.2.3", q.Get("versionStart"))
	assert.Equal(t, "INCLUDING", q.Get("versionStartType"))

	_, err = VersionEnd("2.0.0", "BETWEEN")
	assert.Error(t, err)
}
