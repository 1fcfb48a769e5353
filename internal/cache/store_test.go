package cache

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vulnmirror/pkg/nvd"
)

const nvdLayout = "2006-01-02T15:04:05.000"

func rec(id string, published, modified time.Time) *nvd.CveRecord {
	raw := fmt.Sprintf(`{"cve":{"id":%q,"published":%q,"lastModified":%q}}`,
		id, published.UTC().Format(nvdLayout), modified.UTC().Format(nvdLayout))
	return &nvd.CveRecord{
		ID:           id,
		Published:    published.UTC(),
		LastModified: modified.UTC(),
		Raw:          json.RawMessage(raw),
	}
}

func readPartition(t *testing.T, path string) *nvd.Envelope {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()
	var env nvd.Envelope
	require.NoError(t, json.NewDecoder(gz).Decode(&env))
	return &env
}

func partitionIDs(t *testing.T, path string) []string {
	t.Helper()
	env := readPartition(t, path)
	recs, err := env.Records()
	require.NoError(t, err)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestStore_PartitionPlacement(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "")
	require.NoError(t, err)

	now := time.Now().UTC()
	store.Merge([]*nvd.CveRecord{
		rec("CVE-2001-0001", time.Date(2001, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)),
		rec("CVE-2023-0002", time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 3, 2, 0, 0, 0, 0, time.UTC)),
		rec("CVE-2024-0003", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), now),
	})
	require.NoError(t, store.Write(now))

	// Pre-2002 records live in the 2002 partition.
	assert.Equal(t, []string{"CVE-2001-0001"}, partitionIDs(t, filepath.Join(dir, "nvdcve-2002.json.gz")))
	assert.Equal(t, []string{"CVE-2023-0002"}, partitionIDs(t, filepath.Join(dir, "nvdcve-2023.json.gz")))
	assert.Equal(t, []string{"CVE-2024-0003"}, partitionIDs(t, filepath.Join(dir, "nvdcve-2024.json.gz")))
	// Only the freshly modified record lands in the modified view.
	assert.Equal(t, []string{"CVE-2024-0003"}, partitionIDs(t, filepath.Join(dir, "nvdcve-modified.json.gz")))

	m, err := loadManifest(filepath.Join(dir, ManifestFile), DefaultPrefix)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.WithinDuration(t, now, m.LastModifiedDate, time.Second)
	assert.Contains(t, m.Partitions, "2023")
	assert.Contains(t, m.Partitions, ModifiedKey)
}

func TestStore_SortedByCveID(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "")
	require.NoError(t, err)

	mod := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	store.Merge([]*nvd.CveRecord{
		rec("CVE-2023-9999", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), mod),
		rec("CVE-2023-0001", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), mod),
		rec("CVE-2023-0500", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), mod),
	})
	require.NoError(t, store.Write(mod))

	ids := partitionIDs(t, filepath.Join(dir, "nvdcve-2023.json.gz"))
	assert.True(t, sort.StringsAreSorted(ids), "ids not sorted: %v", ids)
	assert.Equal(t, []string{"CVE-2023-0001", "CVE-2023-0500", "CVE-2023-9999"}, ids)
}

// TestStore_DigestLaw verifies the sidecar against the bytes actually on
// disk: sha256 over the compressed file, gzSize its length, size the
// uncompressed length.
func TestStore_DigestLaw(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "")
	require.NoError(t, err)

	mod := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	store.Merge([]*nvd.CveRecord{
		rec("CVE-2023-0001", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), mod),
	})
	require.NoError(t, store.Write(mod))

	payload := filepath.Join(dir, "nvdcve-2023.json.gz")
	compressed, err := os.ReadFile(payload)
	require.NoError(t, err)

	meta, err := ReadMeta(filepath.Join(dir, "nvdcve-2023.meta"))
	require.NoError(t, err)

	sum := sha256.Sum256(compressed)
	assert.Equal(t, hex.EncodeToString(sum[:]), meta.Sha256)
	assert.Equal(t, int64(len(compressed)), meta.GzSize)

	f, err := os.Open(payload)
	require.NoError(t, err)
	defer f.Close()
	gr, err := gzip.NewReader(f)
	require.NoError(t, err)
	raw, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), meta.Size)
	assert.True(t, meta.LastModifiedDate.Equal(mod))
}

// TestStore_MergeIdempotent feeds the same batch twice (including a reload
// from disk) and expects byte-identical partition files.
func TestStore_MergeIdempotent(t *testing.T) {
	dir := t.TempDir()
	mod := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	batch := []*nvd.CveRecord{
		rec("CVE-2023-0001", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), mod),
		rec("CVE-2023-0002", time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), mod),
	}

	store, err := Open(dir, "")
	require.NoError(t, err)
	store.Merge(batch)
	require.NoError(t, store.Write(mod))

	first, err := os.ReadFile(filepath.Join(dir, "nvdcve-2023.json.gz"))
	require.NoError(t, err)

	store2, err := Open(dir, "")
	require.NoError(t, err)
	assert.Equal(t, 2, store2.RecordCount())
	store2.Merge(batch)
	require.NoError(t, store2.Write(mod))

	second, err := os.ReadFile(filepath.Join(dir, "nvdcve-2023.json.gz"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStore_LastWriteWins(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "")
	require.NoError(t, err)

	pub := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	store.Merge([]*nvd.CveRecord{rec("CVE-2023-0001", pub, pub)})
	newer := rec("CVE-2023-0001", pub, pub.Add(48*time.Hour))
	store.Merge([]*nvd.CveRecord{newer})

	require.NoError(t, store.Write(pub.Add(48*time.Hour)))

	env := readPartition(t, filepath.Join(dir, "nvdcve-2023.json.gz"))
	require.Equal(t, 1, env.TotalResults)
	recs, err := env.Records()
	require.NoError(t, err)
	assert.True(t, recs[0].LastModified.Equal(newer.LastModified))
}

func TestStore_ModifiedWindow(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "")
	require.NoError(t, err)

	now := time.Now().UTC()
	store.Merge([]*nvd.CveRecord{
		rec("CVE-2023-0001", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), now.Add(-2*24*time.Hour)),
		rec("CVE-2023-0002", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), now.Add(-30*24*time.Hour)),
	})
	require.NoError(t, store.Write(now))

	assert.Equal(t, []string{"CVE-2023-0001"}, partitionIDs(t, filepath.Join(dir, "nvdcve-modified.json.gz")))
	// Both still live in their year partition.
	assert.Len(t, partitionIDs(t, filepath.Join(dir, "nvdcve-2023.json.gz")), 2)
}

func TestStore_ManifestMonotonic(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "")
	require.NoError(t, err)

	t1 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store.Merge([]*nvd.CveRecord{rec("CVE-2023-0001", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), t1)})
	require.NoError(t, store.Write(t1))

	store2, err := Open(dir, "")
	require.NoError(t, err)
	assert.True(t, store2.Manifest().LastModifiedDate.Equal(t1))

	// An older lastUpdated must not move the manifest backwards.
	require.NoError(t, store2.Write(t1.Add(-24*time.Hour)))
	store3, err := Open(dir, "")
	require.NoError(t, err)
	assert.True(t, store3.Manifest().LastModifiedDate.Equal(t1))
}

func TestStore_CorruptPartitionIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nvdcve-2023.json.gz"), []byte("not gzip"), 0644))

	_, err := Open(dir, "")
	require.Error(t, err)
	assert.ErrorContains(t, err, "2023")
}

func TestStore_MissingFilesMeanEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "")
	require.NoError(t, err)
	assert.Equal(t, 0, store.RecordCount())
	assert.True(t, store.Manifest().LastModifiedDate.IsZero())
}

func TestStore_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "")
	require.NoError(t, err)

	mod := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	store.Merge([]*nvd.CveRecord{rec("CVE-2023-0001", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), mod)})
	require.NoError(t, store.Write(mod))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestManifest_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := newManifest("custom-")
	m.LastModifiedDate = time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	m.Partitions["2023"] = time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	m.Partitions["modified"] = m.LastModifiedDate

	path := filepath.Join(dir, ManifestFile)
	require.NoError(t, m.write(path))

	got, err := loadManifest(path, DefaultPrefix)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "custom-", got.Prefix)
	assert.True(t, got.LastModifiedDate.Equal(m.LastModifiedDate))
	assert.True(t, got.Partitions["2023"].Equal(m.Partitions["2023"]))
}

func TestMeta_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	pm := PartitionMeta{
		LastModifiedDate: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Size:             1234,
		GzSize:           567,
		Sha256:           "abcdef0123456789",
	}
	path := filepath.Join(dir, "nvdcve-2024.meta")
	require.NoError(t, writeFileSync(path, pm.encode()))

	got, err := ReadMeta(path)
	require.NoError(t, err)
	assert.Equal(t, pm.Size, got.Size)
	assert.Equal(t, pm.GzSize, got.GzSize)
	assert.Equal(t, pm.Sha256, got.Sha256)
	assert.True(t, got.LastModifiedDate.Equal(pm.LastModifiedDate))
}
