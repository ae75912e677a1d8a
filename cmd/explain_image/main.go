package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"aerial-refine/dataset"
	"aerial-refine/models"
	"aerial-refine/reason"
	"aerial-refine/rules"
)

// Explain WHY one image's confidences change: replay the reasoner over a
// single detection file and print every rule application as it fires.
func main() {
	if len(os.Args) < 3 {
		log.Fatal("Usage: explain_image <rules-file.pl> <detections.txt>")
	}

	rulesPath := os.Args[1]
	detectionsPath := os.Args[2]

	table, err := rules.Load(rulesPath)
	if err != nil {
		log.Fatalf("Failed to load rules: %v", err)
	}

	dir := filepath.Dir(detectionsPath)
	imageID := strings.TrimSuffix(filepath.Base(detectionsPath), filepath.Ext(detectionsPath))
	predictions, skipped, err := dataset.ParseDetections(dir, models.StageNMS, dataset.DefaultClassMap())
	if err != nil {
		log.Fatalf("Failed to parse detections: %v", err)
	}
	detections := predictions[imageID]

	fmt.Printf("=== Explaining refinement for: %s ===\n\n", imageID)
	fmt.Printf("Detections: %d (malformed lines skipped: %d)\n", len(detections), skipped)
	fmt.Printf("Rules: %d pairs\n\n", table.Len())

	refined, records := reason.New(table).Refine(imageID, detections)

	if len(records) == 0 {
		fmt.Println("No rule fired. Check pair distances and overlaps.")
	}
	for i, rec := range records {
		fmt.Printf("%d. %s %s\n", i+1, rec.Action, rec.RulePair)
		fmt.Printf("   %s: %.2f -> %.2f\n", rec.Object1, rec.Conf1Before, rec.Conf1After)
		fmt.Printf("   %s: %.2f -> %.2f\n", rec.Object2, rec.Conf2Before, rec.Conf2After)
		if rec.Action == models.ActionPenalty {
			fmt.Printf("   suppressed %s, kept %s (%.2f)\n",
				rec.SuppressedObject, rec.KeptObject, rec.KeptObjectConf)
		}
	}

	fmt.Printf("\nFinal confidences:\n")
	for _, det := range refined {
		fmt.Printf("   %-20s %.2f\n", det.ClassName, det.Confidence)
	}
}
