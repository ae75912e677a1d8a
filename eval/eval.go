package eval

// Detection-quality metrics: mean average precision at IoU 0.50 and 0.75
// with per-class breakdown. Matching follows the standard protocol: within
// an image, predictions are matched greedily in descending confidence
// order, each ground-truth box claims at most one prediction, and a match
// requires IoU at or above the threshold. The computation is deterministic
// for identical inputs.

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"aerial-refine/geometry"
	"aerial-refine/models"
	"aerial-refine/utils"
)

// Report thresholds.
const (
	ThresholdMAP50 = 0.50
	ThresholdMAP75 = 0.75
)

type prediction struct {
	imageID    string
	confidence float64
	box        geometry.Quad
	order      int // input order, for deterministic ties
}

// Evaluate computes metrics for one stage's predictions against ground
// truth. Images that have predictions but no ground truth are excluded
// from aggregation with a logged warning; images with ground truth but no
// predictions count as missed detections.
func Evaluate(stage string, predictions, groundTruth map[string][]models.Detection) models.EvaluationResult {
	logger := utils.GetLogger()

	excluded := 0
	for imageID := range predictions {
		if _, ok := groundTruth[imageID]; !ok {
			excluded++
			logger.Warn("no ground truth for image; excluded from evaluation",
				"stage", stage,
				"image", imageID)
		}
	}

	// Per-class prediction lists and ground truth, restricted to images
	// that have ground truth.
	predsByClass := make(map[string][]prediction)
	gtByClass := make(map[string]map[string][]geometry.Quad) // class -> image -> boxes
	gtCount := make(map[string]int)

	order := 0
	imageIDs := sortedKeys(groundTruth)
	for _, imageID := range imageIDs {
		for _, gt := range groundTruth[imageID] {
			if gtByClass[gt.ClassName] == nil {
				gtByClass[gt.ClassName] = make(map[string][]geometry.Quad)
			}
			gtByClass[gt.ClassName][imageID] = append(gtByClass[gt.ClassName][imageID], gt.Box)
			gtCount[gt.ClassName]++
		}
		for _, pred := range predictions[imageID] {
			predsByClass[pred.ClassName] = append(predsByClass[pred.ClassName], prediction{
				imageID:    imageID,
				confidence: pred.Confidence,
				box:        pred.Box,
				order:      order,
			})
			order++
		}
	}

	classes := sortedKeys(gtCount)
	perClass := make([]models.ClassAP, 0, len(classes))
	var sum50, sum75 float64
	for _, class := range classes {
		ap50 := averagePrecision(predsByClass[class], gtByClass[class], gtCount[class], ThresholdMAP50)
		ap75 := averagePrecision(predsByClass[class], gtByClass[class], gtCount[class], ThresholdMAP75)
		perClass = append(perClass, models.ClassAP{
			ClassName:    class,
			AP50:         ap50,
			AP75:         ap75,
			GroundTruths: gtCount[class],
		})
		sum50 += ap50
		sum75 += ap75
	}

	result := models.EvaluationResult{
		Stage:           stage,
		PerClass:        perClass,
		ImagesEvaluated: len(groundTruth),
		ImagesExcluded:  excluded,
	}
	if len(classes) > 0 {
		result.MAP50 = sum50 / float64(len(classes))
		result.MAP75 = sum75 / float64(len(classes))
	}
	return result
}

// averagePrecision computes all-points-interpolated AP for one class at one
// IoU threshold.
func averagePrecision(preds []prediction, gt map[string][]geometry.Quad, totalGT int, iouThreshold float64) float64 {
	if totalGT == 0 || len(preds) == 0 {
		return 0
	}

	sorted := make([]prediction, len(preds))
	copy(sorted, preds)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].confidence != sorted[j].confidence {
			return sorted[i].confidence > sorted[j].confidence
		}
		if sorted[i].imageID != sorted[j].imageID {
			return sorted[i].imageID < sorted[j].imageID
		}
		return sorted[i].order < sorted[j].order
	})

	matched := make(map[string][]bool, len(gt))
	for imageID, boxes := range gt {
		matched[imageID] = make([]bool, len(boxes))
	}

	tp := make([]bool, len(sorted))
	for i, pred := range sorted {
		boxes := gt[pred.imageID]
		bestIoU := 0.0
		bestIdx := -1
		for j, box := range boxes {
			if matched[pred.imageID][j] {
				continue
			}
			if iou := geometry.IoU(pred.box, box); iou > bestIoU {
				bestIoU = iou
				bestIdx = j
			}
		}
		if bestIdx >= 0 && bestIoU >= iouThreshold {
			matched[pred.imageID][bestIdx] = true
			tp[i] = true
		}
	}

	// Precision-recall points, then the right-to-left precision envelope.
	precisions := make([]float64, len(tp))
	recalls := make([]float64, len(tp))
	cumTP := 0
	for i, hit := range tp {
		if hit {
			cumTP++
		}
		precisions[i] = float64(cumTP) / float64(i+1)
		recalls[i] = float64(cumTP) / float64(totalGT)
	}
	for i := len(precisions) - 2; i >= 0; i-- {
		if precisions[i+1] > precisions[i] {
			precisions[i] = precisions[i+1]
		}
	}

	ap := 0.0
	prevRecall := 0.0
	for i := range recalls {
		if recalls[i] > prevRecall {
			ap += (recalls[i] - prevRecall) * precisions[i]
			prevRecall = recalls[i]
		}
	}
	return ap
}

// WriteJSON persists evaluation results as an indented JSON document.
func WriteJSON(path string, results []models.EvaluationResult) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := utils.CreateFolder(dir); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation results: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write evaluation results: %w", err)
	}
	return nil
}

// WriteCSV persists evaluation results as CSV. The row with an empty
// class_name carries the stage-level means.
func WriteCSV(path string, results []models.EvaluationResult) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := utils.CreateFolder(dir); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metrics file %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"stage", "class_name", "ap50", "ap75"}); err != nil {
		return fmt.Errorf("failed to write metrics header: %w", err)
	}
	for _, result := range results {
		mean := []string{result.Stage, "", formatAP(result.MAP50), formatAP(result.MAP75)}
		if err := writer.Write(mean); err != nil {
			return fmt.Errorf("failed to write metrics row: %w", err)
		}
		for _, class := range result.PerClass {
			row := []string{result.Stage, class.ClassName, formatAP(class.AP50), formatAP(class.AP75)}
			if err := writer.Write(row); err != nil {
				return fmt.Errorf("failed to write metrics row: %w", err)
			}
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatAP(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
