package reason

// Spatial reasoner: pairwise confidence adjustment driven by the rule
// table and box geometry.
//
// For every unordered pair of detections in an image the modifier weight
// for the class pair is looked up. A boost (weight > 1) only applies when
// the two objects are near each other; a penalty (weight < 1) only applies
// when they overlap substantially, and then only the weaker of the two is
// penalized. Every applied rule leaves an AdjustmentRecord so the final
// confidences can be explained after the fact.

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"aerial-refine/geometry"
	"aerial-refine/models"
	"aerial-refine/rules"
	"aerial-refine/utils"
)

// minOverlapRatio is the fraction of the smaller box that must be covered
// by the intersection before a penalty fires. Equivalent to requiring
// IoU > minOverlapRatio * (min_area / union_area).
const minOverlapRatio = 0.5

// proximityFactor scales the larger bounding diagonal to form the distance
// gate for boosts.
const proximityFactor = 2.0

// Reasoner applies a rule table to per-image detection sets. The table is
// immutable, so one Reasoner is safe for concurrent use across image
// workers.
type Reasoner struct {
	table *rules.Table
}

// New builds a Reasoner over an already-loaded rule table.
func New(table *rules.Table) *Reasoner {
	return &Reasoner{table: table}
}

// Refine adjusts the confidences of one image's detections and returns the
// adjusted copies together with the ordered adjustment log. The input slice
// is not modified. Rules apply cumulatively in pair-iteration order.
func (r *Reasoner) Refine(imageName string, detections []models.Detection) ([]models.Detection, []models.AdjustmentRecord) {
	refined := make([]models.Detection, len(detections))
	copy(refined, detections)
	for i := range refined {
		refined[i].Stage = models.StageRefined
	}

	var log []models.AdjustmentRecord
	for i := 0; i < len(refined); i++ {
		for j := i + 1; j < len(refined); j++ {
			a, b := &refined[i], &refined[j]
			weight := r.table.Lookup(a.ClassName, b.ClassName)
			if weight == 1.0 {
				continue
			}

			confABefore, confBBefore := a.Confidence, b.Confidence
			pair := a.ClassName + "<->" + b.ClassName

			if weight > 1.0 {
				maxDiag := math.Max(a.Box.Diagonal(), b.Box.Diagonal())
				if geometry.CentroidDistance(a.Box, b.Box) >= proximityFactor*maxDiag {
					continue
				}
				a.Confidence = math.Min(1.0, confABefore*weight)
				b.Confidence = math.Min(1.0, confBBefore*weight)
				log = append(log, models.AdjustmentRecord{
					ImageName:   imageName,
					Action:      models.ActionBoost,
					RulePair:    pair,
					Object1:     a.ClassName,
					Conf1Before: confABefore,
					Conf1After:  a.Confidence,
					Object2:     b.ClassName,
					Conf2Before: confBBefore,
					Conf2After:  b.Confidence,
				})
				continue
			}

			minArea := math.Min(a.Box.Area(), b.Box.Area())
			if minArea <= 0 {
				continue
			}
			overlap := geometry.IntersectionArea(a.Box, b.Box) / minArea
			if overlap <= minOverlapRatio {
				continue
			}
			suppressed, kept := a, b
			if a.Confidence > b.Confidence {
				suppressed, kept = b, a
			}
			suppressed.Confidence *= weight
			log = append(log, models.AdjustmentRecord{
				ImageName:        imageName,
				Action:           models.ActionPenalty,
				RulePair:         pair,
				Object1:          a.ClassName,
				Conf1Before:      confABefore,
				Conf1After:       a.Confidence,
				Object2:          b.ClassName,
				Conf2Before:      confBBefore,
				Conf2After:       b.Confidence,
				SuppressedObject: suppressed.ClassName,
				KeptObject:       kept.ClassName,
				KeptObjectConf:   kept.Confidence,
			})
		}
	}

	return refined, log
}

// reportColumns is the fixed column order of the explainability report.
var reportColumns = []string{
	"image_name",
	"action",
	"rule_pair",
	"object_1",
	"conf_1_before",
	"conf_1_after",
	"object_2",
	"conf_2_before",
	"conf_2_after",
	"suppressed_object",
	"kept_object",
	"kept_object_conf",
}

// WriteReport writes the explainability log as CSV. An empty log produces
// no file.
func WriteReport(path string, records []models.AdjustmentRecord) error {
	if len(records) == 0 {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := utils.CreateFolder(dir); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(reportColumns); err != nil {
		return fmt.Errorf("failed to write report header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			rec.ImageName,
			rec.Action,
			rec.RulePair,
			rec.Object1,
			formatConf(rec.Conf1Before),
			formatConf(rec.Conf1After),
			rec.Object2,
			formatConf(rec.Conf2Before),
			formatConf(rec.Conf2After),
			rec.SuppressedObject,
			rec.KeptObject,
			"",
		}
		if rec.Action == models.ActionPenalty {
			row[len(row)-1] = formatConf(rec.KeptObjectConf)
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write report row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatConf(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
