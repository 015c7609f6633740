package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Default file names inside the models directory.
const (
	DefaultModelFile  = "model.onnx"
	DefaultLabelsFile = "labels.json"
)

// Sub-directories of the organized models layout.
const (
	TypeClassification = "classification"
	TypeLabels         = "labels"
)

// Default models directory.
const DefaultModelsDir = "models"

// Environment variable for models directory override.
const EnvModelsDir = "IMGCLASS_MODELS_DIR"

// findProjectRoot finds the project root by looking for go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

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

	return "", errors.New("could not find project root (go.mod not found)")
}

// GetModelsDir returns the models directory path from various sources.
// Priority: 1. Explicit modelsDir parameter, 2. Environment variable, 3. Project root + default.
func GetModelsDir(modelsDir string) string {
	if modelsDir != "" {
		return modelsDir
	}

	if envDir := os.Getenv(EnvModelsDir); envDir != "" {
		return envDir
	}

	if projectRoot, err := findProjectRoot(); err == nil {
		return filepath.Join(projectRoot, DefaultModelsDir)
	}

	return DefaultModelsDir
}

// typeFor picks the organized sub-directory for a file name.
func typeFor(name string) string {
	if strings.EqualFold(filepath.Ext(name), ".onnx") {
		return TypeClassification
	}
	return TypeLabels
}

// ResolvePath resolves a configured model or label file. Absolute paths and
// paths that exist relative to the working directory are used as-is. Anything
// else is looked up under the models directory, first in the organized
// layout (classification/ or labels/) and then flat.
func ResolvePath(modelsDir, name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}

	baseDir := GetModelsDir(modelsDir)
	organized := filepath.Join(baseDir, typeFor(name), name)
	if _, err := os.Stat(organized); err == nil {
		return organized
	}
	return filepath.Join(baseDir, name)
}

// ValidateModelExists checks if a model file exists at the given path.
func ValidateModelExists(modelPath string) error {
	info, err := os.Stat(modelPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", modelPath)
	}
	if err != nil {
		return fmt.Errorf("model file %s: %w", modelPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("model path is a directory: %s", modelPath)
	}
	return nil
}

// ModelFile describes an .onnx file found in the models directory.
type ModelFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ListAvailableModels returns the .onnx files in the models directory, flat and
// organized layouts combined, sorted by path.
func ListAvailableModels(modelsDir string) ([]ModelFile, error) {
	base := GetModelsDir(modelsDir)
	var out []ModelFile
	for _, dir := range []string{base, filepath.Join(base, TypeClassification)} {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list models in %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".onnx") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, ModelFile{Name: e.Name(), Path: filepath.Join(dir, e.Name()), Size: info.Size()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
