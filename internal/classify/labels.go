package classify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Table maps class indices to human-readable labels. It is immutable after load
// and safe for concurrent reads. A nil *Table is a valid empty table.
type Table struct {
	labels map[int]string
	source string
}

// NewTable copies labels into a Table, NFC-normalizing each label.
func NewTable(labels map[int]string) *Table {
	t := &Table{labels: make(map[int]string, len(labels))}
	for k, v := range labels {
		t.labels[k] = norm.NFC.String(strings.TrimSpace(v))
	}
	return t
}

// LoadTable reads a class table from path. JSON files hold an object keyed by
// stringified index ({"0": "tench", ...}); .yaml and .yml files hold the same
// mapping in YAML. Keys that are not integers are an error.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("read class table: %w", err)
	}

	raw := map[string]string{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse class table %s: %w", path, err)
	}

	labels := make(map[int]string, len(raw))
	for k, v := range raw {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("parse class table %s: key %q is not an integer index", path, k)
		}
		labels[idx] = v
	}

	t := NewTable(labels)
	t.source = path
	return t, nil
}

// Name returns the label for index, or UnknownLabel(index) when absent.
func (t *Table) Name(index int) string {
	if name, ok := t.Lookup(index); ok {
		return name
	}
	return UnknownLabel(index)
}

// Lookup returns the label for index and whether it exists.
func (t *Table) Lookup(index int) (string, bool) {
	if t == nil {
		return "", false
	}
	name, ok := t.labels[index]
	return name, ok
}

// Len returns the number of labels.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.labels)
}

// Source returns the file the table was loaded from, if any.
func (t *Table) Source() string {
	if t == nil {
		return ""
	}
	return t.source
}
