package pipeline

// Orchestration of the refinement stages: raw -> nms -> refined, plus
// evaluation and knowledge-graph extraction. Stages communicate through
// per-image detection files on disk, so each one can also be run on its
// own against the output of an earlier run.

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aerial-refine/config"
	"aerial-refine/dataset"
	"aerial-refine/db"
	"aerial-refine/eval"
	"aerial-refine/kg"
	"aerial-refine/models"
	"aerial-refine/nms"
	"aerial-refine/reason"
	"aerial-refine/rules"
	"aerial-refine/utils"
)

type Pipeline struct {
	cfg     config.Config
	classes dataset.ClassMap
	store   *db.SQLiteClient
}

func New(cfg config.Config) *Pipeline {
	classes := dataset.DefaultClassMap()
	if len(cfg.ClassMap) > 0 {
		classes = dataset.NewClassMap(cfg.ClassMap)
	}
	return &Pipeline{cfg: cfg, classes: classes}
}

// SetStore attaches a run store. Without one, stages still run but nothing
// is persisted beyond the stage output files.
func (p *Pipeline) SetStore(store *db.SQLiteClient) { p.store = store }

// RunNMS reads raw detections, applies per-class non-maximum suppression
// and writes the surviving detections to the nms directory.
func (p *Pipeline) RunNMS() (models.StageStats, error) {
	logger := utils.GetLogger()
	start := time.Now()

	predictions, malformed, err := dataset.ParseDetections(p.cfg.RawDir, models.StageRaw, p.classes)
	if err != nil {
		return models.StageStats{Stage: models.StageNMS}, err
	}

	stats := models.StageStats{
		Stage:          models.StageNMS,
		TotalImages:    len(predictions),
		MalformedLines: malformed,
	}

	filtered := make(map[string][]models.Detection, len(predictions))
	var mu sync.Mutex

	p.forEachImage(predictions, func(imageID string, detections []models.Detection) {
		kept := nms.Filter(detections, p.cfg.NMSIoUThreshold)
		for i := range kept {
			kept[i].Stage = models.StageNMS
		}
		mu.Lock()
		filtered[imageID] = kept
		mu.Unlock()
	})

	for _, detections := range predictions {
		stats.DetectionsIn += len(detections)
	}
	for _, detections := range filtered {
		stats.DetectionsOut += len(detections)
	}

	if err := dataset.WriteDetections(p.cfg.NMSDir, filtered); err != nil {
		return stats, err
	}

	stats.ElapsedSeconds = time.Since(start).Seconds()
	logger.Info("nms stage complete",
		"images", stats.TotalImages,
		"in", stats.DetectionsIn,
		"out", stats.DetectionsOut,
		"suppressed", stats.DetectionsIn-stats.DetectionsOut)
	return stats, nil
}

// RunRefine applies the spatial rules to the nms-stage detections. When the
// rules file is missing or holds no usable rules the stage degrades to a
// passthrough copy and the stats record the skip.
func (p *Pipeline) RunRefine() (models.StageStats, []models.AdjustmentRecord, error) {
	logger := utils.GetLogger()
	start := time.Now()

	predictions, malformed, err := dataset.ParseDetections(p.cfg.NMSDir, models.StageNMS, p.classes)
	if err != nil {
		return models.StageStats{Stage: models.StageRefined}, nil, err
	}

	stats := models.StageStats{
		Stage:          models.StageRefined,
		TotalImages:    len(predictions),
		MalformedLines: malformed,
	}
	for _, detections := range predictions {
		stats.DetectionsIn += len(detections)
	}
	stats.DetectionsOut = stats.DetectionsIn

	table, err := rules.Load(p.cfg.RulesFile)
	if err != nil {
		var noRules *rules.NoRulesError
		if !errors.As(err, &noRules) {
			return stats, nil, err
		}
		logger.Warn("refinement skipped", "reason", noRules.Reason)
		passthrough := make(map[string][]models.Detection, len(predictions))
		for imageID, detections := range predictions {
			copied := make([]models.Detection, len(detections))
			copy(copied, detections)
			for i := range copied {
				copied[i].Stage = models.StageRefined
			}
			passthrough[imageID] = copied
		}
		if err := dataset.WriteDetections(p.cfg.RefinedDir, passthrough); err != nil {
			return stats, nil, err
		}
		stats.Skipped = true
		stats.Reason = noRules.Reason
		stats.ElapsedSeconds = time.Since(start).Seconds()
		return stats, nil, nil
	}
	stats.RulesLoaded = table.Len()
	stats.MalformedLines += table.MalformedLines()

	reasoner := reason.New(table)
	refined := make(map[string][]models.Detection, len(predictions))
	recordsByImage := make(map[string][]models.AdjustmentRecord)
	var mu sync.Mutex

	p.forEachImage(predictions, func(imageID string, detections []models.Detection) {
		adjusted, records := reasoner.Refine(imageID, detections)
		mu.Lock()
		refined[imageID] = adjusted
		if len(records) > 0 {
			recordsByImage[imageID] = records
		}
		mu.Unlock()
	})

	var records []models.AdjustmentRecord
	for _, imageID := range sortedImageIDs(recordsByImage) {
		records = append(records, recordsByImage[imageID]...)
	}
	stats.TotalAdjustments = len(records)

	if err := dataset.WriteDetections(p.cfg.RefinedDir, refined); err != nil {
		return stats, records, err
	}
	if p.cfg.ReportFile != "" {
		if err := reason.WriteReport(p.cfg.ReportFile, records); err != nil {
			return stats, records, err
		}
	}

	stats.ElapsedSeconds = time.Since(start).Seconds()
	logger.Info("refine stage complete",
		"images", stats.TotalImages,
		"rules", stats.RulesLoaded,
		"adjustments", stats.TotalAdjustments)
	return stats, records, nil
}

// RunEvaluate scores every stage that has produced output against the
// ground-truth labels and writes the combined metrics file.
func (p *Pipeline) RunEvaluate() ([]models.EvaluationResult, error) {
	logger := utils.GetLogger()

	if p.cfg.GroundTruthDir == "" {
		return nil, fmt.Errorf("ground_truth_dir must be set for evaluation")
	}
	truth, malformed, err := dataset.ParseGroundTruth(p.cfg.GroundTruthDir, p.classes)
	if err != nil {
		return nil, err
	}
	if malformed > 0 {
		logger.Warn("ground truth contained malformed lines", "count", malformed)
	}

	stageDirs := []struct {
		stage string
		dir   string
	}{
		{models.StageRaw, p.cfg.RawDir},
		{models.StageNMS, p.cfg.NMSDir},
		{models.StageRefined, p.cfg.RefinedDir},
	}

	var results []models.EvaluationResult
	for _, sd := range stageDirs {
		predictions, _, err := dataset.ParseDetections(sd.dir, sd.stage, p.classes)
		if err != nil {
			logger.Warn("skipping stage with unreadable detections", "stage", sd.stage, "dir", sd.dir)
			continue
		}
		result := eval.Evaluate(sd.stage, predictions, truth)
		results = append(results, result)
		logger.Info("stage evaluated",
			"stage", sd.stage,
			"map50", result.MAP50,
			"map75", result.MAP75,
			"images", result.ImagesEvaluated)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no stage produced detections to evaluate")
	}

	if p.cfg.MetricsFile != "" {
		write := eval.WriteJSON
		if strings.EqualFold(filepath.Ext(p.cfg.MetricsFile), ".csv") {
			write = eval.WriteCSV
		}
		if err := write(p.cfg.MetricsFile, results); err != nil {
			return results, err
		}
	}
	return results, nil
}

// RunGraph accumulates the spatial knowledge graph over the refined
// detections and writes its facts, derived modifier rules and JSON form.
func (p *Pipeline) RunGraph() ([]models.GraphEdge, error) {
	logger := utils.GetLogger()

	predictions, _, err := dataset.ParseDetections(p.cfg.RefinedDir, models.StageRefined, p.classes)
	if err != nil {
		return nil, err
	}

	builder := kg.NewBuilder(kg.DefaultConfig())
	total := kg.NewAccumulator()
	var mu sync.Mutex

	p.forEachImageAccum(predictions, func(acc *kg.Accumulator, detections []models.Detection) {
		builder.Observe(acc, detections)
	}, func(acc *kg.Accumulator) {
		mu.Lock()
		total.Merge(acc)
		mu.Unlock()
	})

	edges := total.Edges()
	if p.cfg.KnowledgeGraphDir == "" {
		return edges, nil
	}
	if err := utils.CreateFolder(p.cfg.KnowledgeGraphDir); err != nil {
		return edges, err
	}
	if err := kg.WriteFacts(filepath.Join(p.cfg.KnowledgeGraphDir, "spatial_facts.pl"), edges); err != nil {
		return edges, err
	}
	if err := kg.WriteModifierFacts(filepath.Join(p.cfg.KnowledgeGraphDir, "derived_rules.pl"), edges, 1.15, 2); err != nil {
		return edges, err
	}
	if err := kg.WriteGraphJSON(filepath.Join(p.cfg.KnowledgeGraphDir, "graph.json"), total); err != nil {
		return edges, err
	}
	logger.Info("knowledge graph written",
		"edges", len(edges),
		"dir", p.cfg.KnowledgeGraphDir)
	return edges, nil
}

// Run executes the full pipeline and, when a store is attached, persists
// the run history, stage stats, adjustments and metrics.
func (p *Pipeline) Run(configPath string) (models.Run, error) {
	logger := utils.GetLogger()

	run := models.Run{
		ID:         uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		ConfigPath: configPath,
	}
	if err := p.cfg.EnsureOutputPaths(); err != nil {
		return run, err
	}
	if p.store != nil {
		if err := p.store.CreateRun(run); err != nil {
			return run, err
		}
	}
	logger.Info("pipeline run started", "run", run.ID)

	nmsStats, err := p.RunNMS()
	if err != nil {
		return run, err
	}
	refineStats, records, err := p.RunRefine()
	if err != nil {
		return run, err
	}

	var results []models.EvaluationResult
	if p.cfg.GroundTruthDir != "" {
		results, err = p.RunEvaluate()
		if err != nil {
			return run, err
		}
	}
	if _, err := p.RunGraph(); err != nil {
		return run, err
	}

	run.FinishedAt = time.Now().UTC()
	if p.store != nil {
		if err := p.store.SaveStageStats(run.ID, nmsStats); err != nil {
			return run, err
		}
		if err := p.store.SaveStageStats(run.ID, refineStats); err != nil {
			return run, err
		}
		if err := p.store.SaveAdjustments(run.ID, records); err != nil {
			return run, err
		}
		for _, result := range results {
			if err := p.store.SaveEvaluation(run.ID, result); err != nil {
				return run, err
			}
		}
		if err := p.store.FinishRun(run.ID, run.FinishedAt); err != nil {
			return run, err
		}
	}
	logger.Info("pipeline run finished",
		"run", run.ID,
		"elapsed", run.FinishedAt.Sub(run.StartedAt).Seconds())
	return run, nil
}

// forEachImage fans the per-image sets out over the configured worker
// count. fn must confine shared writes to its own synchronisation.
func (p *Pipeline) forEachImage(predictions map[string][]models.Detection, fn func(string, []models.Detection)) {
	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < p.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for imageID := range jobs {
				fn(imageID, predictions[imageID])
			}
		}()
	}
	for _, imageID := range sortedImageIDs(predictions) {
		jobs <- imageID
	}
	close(jobs)
	wg.Wait()
}

// forEachImageAccum is forEachImage with a per-worker accumulator handed
// to done once the worker drains, so workers never share one.
func (p *Pipeline) forEachImageAccum(predictions map[string][]models.Detection, fn func(*kg.Accumulator, []models.Detection), done func(*kg.Accumulator)) {
	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < p.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc := kg.NewAccumulator()
			for imageID := range jobs {
				fn(acc, predictions[imageID])
			}
			done(acc)
		}()
	}
	for _, imageID := range sortedImageIDs(predictions) {
		jobs <- imageID
	}
	close(jobs)
	wg.Wait()
}

func (p *Pipeline) workers() int {
	if p.cfg.Workers < 1 {
		return 1
	}
	return p.cfg.Workers
}

func sortedImageIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
