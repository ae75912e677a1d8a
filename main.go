package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/mdobak/go-xerrors"

	"aerial-refine/config"
	"aerial-refine/db"
	"aerial-refine/pipeline"
	"aerial-refine/utils"
)

const usage = "Expected 'nms', 'refine', 'evaluate', 'graph' or 'run' subcommand"

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}
	_ = godotenv.Load()

	switch os.Args[1] {
	case "nms":
		cmd := flag.NewFlagSet("nms", flag.ExitOnError)
		configPath := cmd.String("config", "config.yaml", "Path to the pipeline config")
		threshold := cmd.Float64("iou", 0, "Override the NMS IoU threshold")
		cmd.Parse(os.Args[2:])
		runNMS(*configPath, *threshold)
	case "refine":
		cmd := flag.NewFlagSet("refine", flag.ExitOnError)
		configPath := cmd.String("config", "config.yaml", "Path to the pipeline config")
		rulesFile := cmd.String("rules", "", "Override the rules file")
		cmd.Parse(os.Args[2:])
		runRefine(*configPath, *rulesFile)
	case "evaluate":
		cmd := flag.NewFlagSet("evaluate", flag.ExitOnError)
		configPath := cmd.String("config", "config.yaml", "Path to the pipeline config")
		cmd.Parse(os.Args[2:])
		runEvaluate(*configPath)
	case "graph":
		cmd := flag.NewFlagSet("graph", flag.ExitOnError)
		configPath := cmd.String("config", "config.yaml", "Path to the pipeline config")
		cmd.Parse(os.Args[2:])
		runGraph(*configPath)
	case "run":
		cmd := flag.NewFlagSet("run", flag.ExitOnError)
		configPath := cmd.String("config", "config.yaml", "Path to the pipeline config")
		cmd.Parse(os.Args[2:])
		runAll(*configPath)
	default:
		fmt.Println(usage)
		os.Exit(1)
	}
}

func loadConfig(configPath string) config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fail("Failed to load config.", err)
	}
	return cfg
}

func preparePipeline(cfg config.Config) *pipeline.Pipeline {
	if err := cfg.EnsureOutputPaths(); err != nil {
		fail("Failed to create output directories.", err)
	}
	return pipeline.New(cfg)
}

func runNMS(configPath string, threshold float64) {
	cfg := loadConfig(configPath)
	if threshold > 0 {
		cfg.NMSIoUThreshold = threshold
	}

	stats, err := preparePipeline(cfg).RunNMS()
	if err != nil {
		fail("NMS stage failed.", err)
	}
	fmt.Printf("NMS: %d images, %d -> %d detections (%.2fs)\n",
		stats.TotalImages, stats.DetectionsIn, stats.DetectionsOut, stats.ElapsedSeconds)
}

func runRefine(configPath, rulesFile string) {
	cfg := loadConfig(configPath)
	if rulesFile != "" {
		cfg.RulesFile = rulesFile
	}

	stats, _, err := preparePipeline(cfg).RunRefine()
	if err != nil {
		fail("Refine stage failed.", err)
	}
	if stats.Skipped {
		fmt.Printf("Refine: skipped (%s), detections copied through\n", stats.Reason)
		return
	}
	fmt.Printf("Refine: %d images, %d rules, %d adjustments (%.2fs)\n",
		stats.TotalImages, stats.RulesLoaded, stats.TotalAdjustments, stats.ElapsedSeconds)
}

func runEvaluate(configPath string) {
	cfg := loadConfig(configPath)
	results, err := preparePipeline(cfg).RunEvaluate()
	if err != nil {
		fail("Evaluation failed.", err)
	}
	for _, result := range results {
		fmt.Printf("%-8s mAP@50 %.4f  mAP@75 %.4f  (%d images)\n",
			result.Stage, result.MAP50, result.MAP75, result.ImagesEvaluated)
	}
	if cfg.MetricsFile != "" {
		fmt.Printf("Metrics written to %s\n", cfg.MetricsFile)
	}
}

func runGraph(configPath string) {
	cfg := loadConfig(configPath)
	edges, err := preparePipeline(cfg).RunGraph()
	if err != nil {
		fail("Knowledge graph extraction failed.", err)
	}
	fmt.Printf("Knowledge graph: %d edges written to %s\n", len(edges), cfg.KnowledgeGraphDir)
}

func runAll(configPath string) {
	cfg := loadConfig(configPath)
	p := preparePipeline(cfg)

	if cfg.DatabasePath != "" {
		store, err := db.NewSQLiteClient(cfg.DatabasePath)
		if err != nil {
			fail("Failed to open run store.", err)
		}
		defer store.Close()
		p.SetStore(store)
	}

	run, err := p.Run(configPath)
	if err != nil {
		fail("Pipeline run failed.", err)
	}
	fmt.Printf("Run %s finished in %.2fs\n", run.ID, run.FinishedAt.Sub(run.StartedAt).Seconds())
}

func fail(msg string, err error) {
	logger := utils.GetLogger()
	logger.ErrorContext(context.Background(), msg, slog.Any("error", xerrors.New(err)))
	os.Exit(1)
}
