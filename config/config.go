package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config drives a full refinement run: where each stage reads and writes,
// which rules file to apply, and the tunables for filtering and reasoning.
type Config struct {
	// Stage directories. Raw is the detector output; the NMS and refined
	// stages are produced by the pipeline.
	RawDir     string `yaml:"raw_dir"`
	NMSDir     string `yaml:"nms_dir"`
	RefinedDir string `yaml:"refined_dir"`

	// GroundTruthDir holds the label files used for evaluation. Optional;
	// evaluation is skipped when empty.
	GroundTruthDir string `yaml:"ground_truth_dir"`

	RulesFile         string `yaml:"rules_file"`
	ReportFile        string `yaml:"report_file"`
	MetricsFile       string `yaml:"metrics_file"`
	KnowledgeGraphDir string `yaml:"knowledge_graph_dir"`

	NMSIoUThreshold float64 `yaml:"nms_iou_threshold"`
	Workers         int     `yaml:"workers"`

	// DatabasePath is the sqlite file for run history. Optional; persistence
	// is skipped when empty.
	DatabasePath string `yaml:"database_path"`

	// ClassMap overrides the default class id/name mapping.
	ClassMap map[int]string `yaml:"class_map"`
}

// Default returns a Config with the conventional layout under ./data.
func Default() Config {
	return Config{
		RawDir:            "data/raw",
		NMSDir:            "data/nms",
		RefinedDir:        "data/refined",
		GroundTruthDir:    "data/labels",
		RulesFile:         "rules.pl",
		ReportFile:        "out/refinement_report.csv",
		MetricsFile:       "out/metrics.json",
		KnowledgeGraphDir: "out/kg",
		NMSIoUThreshold:   0.6,
		Workers:           4,
	}
}

// Load reads a YAML config file, layering its values over Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
