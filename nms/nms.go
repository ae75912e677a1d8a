package nms

// Per-class greedy non-maximum suppression. Within each class the
// highest-confidence detection is kept and every remaining detection whose
// IoU with a kept box exceeds the threshold is discarded. Confidences are
// never altered here, only membership.

import (
	"sort"

	"aerial-refine/geometry"
	"aerial-refine/models"
)

// Filter suppresses duplicate detections of the same class. Ties on equal
// confidence are broken by input order, and the surviving detections are
// returned in their original input order.
func Filter(detections []models.Detection, iouThreshold float64) []models.Detection {
	if len(detections) == 0 {
		return []models.Detection{}
	}

	byClass := make(map[int][]int)
	for idx, det := range detections {
		byClass[det.ClassID] = append(byClass[det.ClassID], idx)
	}

	kept := make(map[int]bool, len(detections))
	for _, indices := range byClass {
		if len(indices) == 1 {
			kept[indices[0]] = true
			continue
		}

		order := make([]int, len(indices))
		copy(order, indices)
		// Stable sort keeps input order for equal confidences.
		sort.SliceStable(order, func(i, j int) bool {
			return detections[order[i]].Confidence > detections[order[j]].Confidence
		})

		suppressed := make(map[int]bool, len(order))
		for i, idx := range order {
			if suppressed[idx] {
				continue
			}
			kept[idx] = true
			for _, other := range order[i+1:] {
				if suppressed[other] {
					continue
				}
				iou := geometry.IoU(detections[idx].Box, detections[other].Box)
				if iou > iouThreshold {
					suppressed[other] = true
				}
			}
		}
	}

	filtered := make([]models.Detection, 0, len(kept))
	for idx, det := range detections {
		if kept[idx] {
			filtered = append(filtered, det)
		}
	}
	return filtered
}
