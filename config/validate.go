package config

import (
	"fmt"
	"path/filepath"

	"aerial-refine/utils"
)

// Validate checks the config for values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.RawDir == "" {
		return fmt.Errorf("raw_dir must be set")
	}
	if c.NMSDir == "" {
		return fmt.Errorf("nms_dir must be set")
	}
	if c.RefinedDir == "" {
		return fmt.Errorf("refined_dir must be set")
	}
	if c.NMSIoUThreshold <= 0 || c.NMSIoUThreshold >= 1 {
		return fmt.Errorf("nms_iou_threshold must be in (0, 1), got %f", c.NMSIoUThreshold)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	return nil
}

// EnsureOutputPaths creates the directories the pipeline writes into.
func (c Config) EnsureOutputPaths() error {
	dirs := []string{c.NMSDir, c.RefinedDir}
	if c.KnowledgeGraphDir != "" {
		dirs = append(dirs, c.KnowledgeGraphDir)
	}
	for _, file := range []string{c.ReportFile, c.MetricsFile, c.DatabasePath} {
		if file != "" {
			dirs = append(dirs, filepath.Dir(file))
		}
	}
	for _, dir := range dirs {
		if err := utils.CreateFolder(dir); err != nil {
			return fmt.Errorf("unable to create output directory %s: %w", dir, err)
		}
	}
	return nil
}
