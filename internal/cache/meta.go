package cache

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// PartitionMeta is the sidecar written next to each partition payload. Size is
// the uncompressed byte count, GzSize the on-disk size of the .json.gz file,
// and Sha256 the lowercase hex digest of the compressed bytes.
type PartitionMeta struct {
	LastModifiedDate time.Time
	Size             int64
	GzSize           int64
	Sha256           string
}

func (pm PartitionMeta) encode() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "lastModifiedDate:%s\n", pm.LastModifiedDate.UTC().Format(manifestTimeFormat))
	fmt.Fprintf(&b, "size:%d\n", pm.Size)
	fmt.Fprintf(&b, "gzSize:%d\n", pm.GzSize)
	fmt.Fprintf(&b, "sha256:%s\n", pm.Sha256)
	return []byte(b.String())
}

// ReadMeta parses a partition sidecar file.
func ReadMeta(path string) (PartitionMeta, error) {
	var pm PartitionMeta
	f, err := os.Open(path)
	if err != nil {
		return pm, fmt.Errorf("failed to open partition meta: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "lastModifiedDate":
			t, err := time.Parse(manifestTimeFormat, value)
			if err != nil {
				return pm, fmt.Errorf("invalid meta lastModifiedDate %q: %w", value, err)
			}
			pm.LastModifiedDate = t
		case "size":
			if pm.Size, err = strconv.ParseInt(value, 10, 64); err != nil {
				return pm, fmt.Errorf("invalid meta size %q: %w", value, err)
			}
		case "gzSize":
			if pm.GzSize, err = strconv.ParseInt(value, 10, 64); err != nil {
				return pm, fmt.Errorf("invalid meta gzSize %q: %w", value, err)
			}
		case "sha256":
			pm.Sha256 = value
		}
	}
	if err := sc.Err(); err != nil {
		return pm, fmt.Errorf("failed to read partition meta: %w", err)
	}
	return pm, nil
}
