package cache

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// ManifestFile is the name of the cache-wide properties file.
const ManifestFile = "cache.properties"

// manifestTimeFormat is yyyy-MM-ddTHH:mm:ssX.
const manifestTimeFormat = "2006-01-02T15:04:05Z07:00"

// Manifest is the persisted cache-wide state: the filename prefix, the latest
// server-reported update time, and per-partition modification times.
type Manifest struct {
	Prefix           string
	LastModifiedDate time.Time
	Partitions       map[string]time.Time
}

func newManifest(prefix string) *Manifest {
	return &Manifest{
		Prefix:     prefix,
		Partitions: make(map[string]time.Time),
	}
}

// loadManifest reads a cache.properties file. A missing file yields (nil, nil).
func loadManifest(path, defaultPrefix string) (*Manifest, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	m := newManifest(defaultPrefix)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch {
		case key == "prefix":
			m.Prefix = value
		case key == "lastModifiedDate":
			t, err := time.Parse(manifestTimeFormat, value)
			if err != nil {
				return nil, fmt.Errorf("invalid manifest lastModifiedDate %q: %w", value, err)
			}
			m.LastModifiedDate = t
		case strings.HasPrefix(key, "lastModifiedDate."):
			t, err := time.Parse(manifestTimeFormat, value)
			if err != nil {
				return nil, fmt.Errorf("invalid manifest %s %q: %w", key, value, err)
			}
			m.Partitions[strings.TrimPrefix(key, "lastModifiedDate.")] = t
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return m, nil
}

// write persists the manifest atomically via a temp file rename.
func (m *Manifest) write(path string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "prefix=%s\n", m.Prefix)
	if !m.LastModifiedDate.IsZero() {
		fmt.Fprintf(&b, "lastModifiedDate=%s\n", m.LastModifiedDate.UTC().Format(manifestTimeFormat))
	}
	keys := make([]string, 0, len(m.Partitions))
	for k := range m.Partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "lastModifiedDate.%s=%s\n", k, m.Partitions[k].UTC().Format(manifestTimeFormat))
	}

	tmp := path + ".tmp"
	if err := writeFileSync(tmp, []byte(b.String())); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

// writeFileSync writes data and fsyncs before closing.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
