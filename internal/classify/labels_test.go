package classify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/imgclass/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTableJSON(t *testing.T) {
	path := testutil.WriteLabelsJSON(t, t.TempDir(), map[int]string{0: "tench", 1: "goldfish", 999: "toilet tissue"})

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, 3, table.Len())
	assert.Equal(t, "goldfish", table.Name(1))
	assert.Equal(t, "toilet tissue", table.Name(999))
	assert.Equal(t, "Unknown(5)", table.Name(5))
	assert.Equal(t, path, table.Source())
}

func TestLoadTableYAML(t *testing.T) {
	path := testutil.WriteLabelsYAML(t, t.TempDir(), map[int]string{0: "tench", 2: "great white shark"})

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
	name, ok := table.Lookup(2)
	assert.True(t, ok)
	assert.Equal(t, "great white shark", name)
}

func TestLoadTableNormalizesLabels(t *testing.T) {
	// "cafe" with a combining acute accent normalizes to the precomposed form.
	path := testutil.WriteFile(t, t.TempDir(), "labels.json", []byte("{\"0\": \"  cafe\u0301 \"}"))

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9", table.Name(0))
}

func TestLoadTableErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "missing.json")},
		{"malformed", testutil.WriteFile(t, dir, "bad.json", []byte(`{"0": `))},
		{"array", testutil.WriteFile(t, dir, "array.json", []byte(`["tench"]`))},
		{"non integer key", testutil.WriteFile(t, dir, "key.json", []byte(`{"zero": "tench"}`))},
		{"bad yaml", testutil.WriteFile(t, dir, "bad.yaml", []byte("- a\n- b\n"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := LoadTable(tt.path)
			assert.Error(t, err)
			assert.Nil(t, table)
		})
	}

	_, err := LoadTable(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNilTable(t *testing.T) {
	var table *Table
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, "", table.Source())
	assert.Equal(t, "Unknown(3)", table.Name(3))
	_, ok := table.Lookup(3)
	assert.False(t, ok)
}

func TestNewTableCopies(t *testing.T) {
	src := map[int]string{0: "a"}
	table := NewTable(src)
	src[0] = "b"
	assert.Equal(t, "a", table.Name(0))
}
