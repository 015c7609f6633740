package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// GetProjectRoot returns the project root directory by finding go.mod.
func GetProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", errors.New("failed to get caller information")
	}
	dir := filepath.Dir(filename)

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("could not find go.mod file starting from %s", filepath.Dir(filename))
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// WriteFile writes data under dir and returns the full path.
func WriteFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// WriteLabelsJSON writes a {"index": "name"} label table and returns its path.
func WriteLabelsJSON(t *testing.T, dir string, labels map[int]string) string {
	t.Helper()

	m := make(map[string]string, len(labels))
	for k, v := range labels {
		m[fmt.Sprint(k)] = v
	}
	data, err := json.MarshalIndent(m, "", "  ")
	require.NoError(t, err)
	return WriteFile(t, dir, "labels.json", data)
}

// WriteLabelsYAML writes a YAML label table and returns its path.
func WriteLabelsYAML(t *testing.T, dir string, labels map[int]string) string {
	t.Helper()

	data, err := yaml.Marshal(labels)
	require.NoError(t, err)
	return WriteFile(t, dir, "labels.yaml", data)
}

// DummyModel writes a placeholder .onnx file. It is enough for path checks, not for loading.
func DummyModel(t *testing.T, dir string) string {
	t.Helper()
	return WriteFile(t, dir, "model.onnx", []byte("not a real model"))
}
