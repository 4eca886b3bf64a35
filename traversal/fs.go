// ABOUTME: Filesystem helpers for traversal files: atomic JSON writes, loading, and listing.
// ABOUTME: Filenames follow traverse_<YYYYMMDD>_<HHMMSS>_<run_id>.json.

package traversal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// writeJSONAtomic writes v as indented JSON via a temp file in the same
// directory followed by a rename, so readers never observe a partial file.
// HTML escaping is off: traversal files carry <secret>NAME</secret>
// placeholders that must stay readable and grep-able.
func writeJSONAtomic(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	data := buf.Bytes()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// fileNameRe matches traversal filenames and captures the run ID.
var fileNameRe = regexp.MustCompile(`^traverse_(\d{8})_(\d{6})_([0-9A-HJKMNP-TV-Z]{26})\.json$`)

// Info identifies one traversal file on disk.
type Info struct {
	Path      string
	RunID     string
	Date      string // YYYYMMDD from the filename
	TimeOfDay string // HHMMSS from the filename
}

// ParseFileName extracts run metadata from a traversal filename.
func ParseFileName(name string) (Info, error) {
	m := fileNameRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return Info{}, fmt.Errorf("%q is not a traversal filename", filepath.Base(name))
	}
	return Info{Path: name, Date: m[1], TimeOfDay: m[2], RunID: m[3]}, nil
}

// LoadFile reads, schema-checks, and validates a traversal file.
func LoadFile(path string) (*Traversal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading traversal: %w", err)
	}
	if err := ValidateSchema(data); err != nil {
		return nil, fmt.Errorf("traversal %s: %w", filepath.Base(path), err)
	}
	var t Traversal
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing traversal %s: %w", filepath.Base(path), err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("traversal %s: %w", filepath.Base(path), err)
	}
	return &t, nil
}

// List returns all traversal files under dir, newest first by the timestamp
// embedded in the filename.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing traversals: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "traverse_") {
			continue
		}
		info, err := ParseFileName(e.Name())
		if err != nil {
			continue
		}
		info.Path = filepath.Join(dir, e.Name())
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].TimeOfDay > out[j].TimeOfDay
	})
	return out, nil
}

// FindByRunID locates the traversal file for a run ID under dir.
func FindByRunID(dir, runID string) (Info, error) {
	infos, err := List(dir)
	if err != nil {
		return Info{}, err
	}
	for _, info := range infos {
		if info.RunID == runID {
			return info, nil
		}
	}
	return Info{}, fmt.Errorf("no traversal with run id %s in %s", runID, dir)
}
