package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/imgclass/internal/classify"
	"github.com/MeKo-Tech/imgclass/internal/config"
	"github.com/MeKo-Tech/imgclass/internal/onnx"
	"github.com/MeKo-Tech/imgclass/internal/preprocess"
)

// loadTable loads the configured class table. A missing table is fatal only
// when labels.required is set; otherwise names fall back to placeholders.
func loadTable(cfg *config.Config) (*classify.Table, error) {
	path := cfg.LabelsPath()
	if path == "" {
		if cfg.Labels.Required {
			return nil, errors.New("labels.required is set but labels.path is empty")
		}
		return nil, nil
	}

	table, err := classify.LoadTable(path)
	if err != nil {
		if cfg.Labels.Required {
			return nil, fmt.Errorf("load class table: %w", err)
		}
		slog.Warn("Class table unavailable, using placeholder names", "path", path, "error", err)
		return nil, nil
	}

	slog.Info("Class table loaded", "path", path, "classes", table.Len())
	return table, nil
}

// buildClassifier brings up the preprocessor, model session and class table.
// The caller owns the returned classifier's engine and must Close it.
func buildClassifier(cfg *config.Config) (*classify.Classifier, error) {
	pre, err := preprocess.New(cfg.ToPreprocessOptions())
	if err != nil {
		return nil, err
	}

	table, err := loadTable(cfg)
	if err != nil {
		return nil, err
	}

	sess, err := onnx.NewSession(cfg.ToEngineConfig())
	if err != nil {
		return nil, err
	}

	p := pre.Options()
	if err := sess.Info().CheckInput(p.Channels, p.Height, p.Width); err != nil {
		_ = sess.Close()
		return nil, &onnx.ModelLoadError{Path: sess.Info().Path, Err: err}
	}

	c, err := classify.New(pre, sess, table, cfg.ToClassifyOptions())
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	return c, nil
}
