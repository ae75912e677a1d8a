package reason

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"

	"aerial-refine/geometry"
	"aerial-refine/models"
	"aerial-refine/rules"
)

func loadTable(t *testing.T, content string) *rules.Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.pl")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write rules: %v", err)
	}
	table, err := rules.Load(path)
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	return table
}

func det(class string, conf float64, xMin, yMin, xMax, yMax float64) models.Detection {
	return models.Detection{
		ID:         class,
		ClassName:  class,
		Confidence: conf,
		Box:        geometry.FromCorners(xMin, yMin, xMax, yMax),
	}
}

func TestBoostAppliesWhenNear(t *testing.T) {
	t.Parallel()

	// Scenario: ship 0.70 and harbor 0.60 side by side, weight 1.25.
	table := loadTable(t, "confidence_modifier(ship, harbor, 1.25).\n")
	reasoner := New(table)

	ship := det("ship", 0.70, 0, 0, 10, 10)
	harbor := det("harbor", 0.60, 12, 0, 22, 10)
	refined, log := reasoner.Refine("img1", []models.Detection{ship, harbor})

	if math.Abs(refined[0].Confidence-0.875) > 1e-9 {
		t.Fatalf("expected ship confidence 0.875, got %f", refined[0].Confidence)
	}
	if math.Abs(refined[1].Confidence-0.75) > 1e-9 {
		t.Fatalf("expected harbor confidence 0.75, got %f", refined[1].Confidence)
	}
	if len(log) != 1 || log[0].Action != models.ActionBoost {
		t.Fatalf("expected one BOOST record, got %+v", log)
	}
	if log[0].RulePair != "ship<->harbor" {
		t.Fatalf("unexpected rule pair %q", log[0].RulePair)
	}
}

func TestBoostRequiresProximity(t *testing.T) {
	t.Parallel()

	table := loadTable(t, "confidence_modifier(ship, harbor, 1.25).\n")
	reasoner := New(table)

	// Diagonals are hypot(10,10) ~ 14.14; gate is 2*14.14 ~ 28.3.
	// Centroid distance 100 is far outside the gate.
	ship := det("ship", 0.70, 0, 0, 10, 10)
	harbor := det("harbor", 0.60, 100, 0, 110, 10)
	refined, log := reasoner.Refine("img1", []models.Detection{ship, harbor})

	if refined[0].Confidence != 0.70 || refined[1].Confidence != 0.60 {
		t.Fatalf("distant pair must not be boosted: %f / %f",
			refined[0].Confidence, refined[1].Confidence)
	}
	if len(log) != 0 {
		t.Fatalf("expected no records, got %d", len(log))
	}
}

func TestBoostClampedAtOne(t *testing.T) {
	t.Parallel()

	table := loadTable(t, "confidence_modifier(ship, harbor, 1.25).\n")
	reasoner := New(table)

	ship := det("ship", 0.95, 0, 0, 10, 10)
	harbor := det("harbor", 0.60, 12, 0, 22, 10)
	refined, _ := reasoner.Refine("img1", []models.Detection{ship, harbor})
	if refined[0].Confidence != 1.0 {
		t.Fatalf("boosted confidence must clamp at 1.0, got %f", refined[0].Confidence)
	}
}

func TestPenaltySuppressesWeakerObject(t *testing.T) {
	t.Parallel()

	// Scenario: plane 0.90 and harbor 0.30 overlapping heavily, weight 0.2.
	table := loadTable(t, "confidence_modifier(plane, harbor, 0.2).\n")
	reasoner := New(table)

	plane := det("plane", 0.90, 0, 0, 10, 10)
	harbor := det("harbor", 0.30, 0, 0, 10, 8) // fully inside plane's box
	refined, log := reasoner.Refine("img1", []models.Detection{plane, harbor})

	if refined[0].Confidence != 0.90 {
		t.Fatalf("kept object must be unchanged, got %f", refined[0].Confidence)
	}
	if math.Abs(refined[1].Confidence-0.06) > 1e-9 {
		t.Fatalf("expected harbor confidence 0.06, got %f", refined[1].Confidence)
	}
	if len(log) != 1 || log[0].Action != models.ActionPenalty {
		t.Fatalf("expected one PENALTY record, got %+v", log)
	}
	if log[0].SuppressedObject != "harbor" || log[0].KeptObject != "plane" {
		t.Fatalf("unexpected suppressed/kept: %q / %q",
			log[0].SuppressedObject, log[0].KeptObject)
	}
	if log[0].KeptObjectConf != 0.90 {
		t.Fatalf("expected kept_object_conf 0.90, got %f", log[0].KeptObjectConf)
	}
}

func TestPenaltyTargetsWeakerObjectProperty(t *testing.T) {
	t.Parallel()

	table := loadTable(t, "confidence_modifier(plane, harbor, 0.5).\n")
	reasoner := New(table)

	plane := det("plane", 0.40, 0, 0, 10, 10)
	harbor := det("harbor", 0.80, 0, 0, 10, 8)
	_, log := reasoner.Refine("img1", []models.Detection{plane, harbor})
	if len(log) != 1 {
		t.Fatalf("expected one record, got %d", len(log))
	}
	if log[0].SuppressedObject != "plane" {
		t.Fatalf("penalty must target the weaker object, suppressed %q", log[0].SuppressedObject)
	}
}

func TestPenaltyRequiresSubstantialOverlap(t *testing.T) {
	t.Parallel()

	table := loadTable(t, "confidence_modifier(plane, harbor, 0.2).\n")
	reasoner := New(table)

	plane := det("plane", 0.90, 0, 0, 10, 10)
	harbor := det("harbor", 0.30, 9, 9, 19, 19) // tiny corner overlap
	refined, log := reasoner.Refine("img1", []models.Detection{plane, harbor})
	if refined[1].Confidence != 0.30 || len(log) != 0 {
		t.Fatalf("barely-overlapping pair must not be penalized: conf=%f records=%d",
			refined[1].Confidence, len(log))
	}
}

func TestNoOpRuleLeavesPairUntouched(t *testing.T) {
	t.Parallel()

	table := loadTable(t, "confidence_modifier(ship, harbor, 1.25).\n")
	reasoner := New(table)

	a := det("plane", 0.50, 0, 0, 10, 10)
	b := det("bridge", 0.50, 0, 0, 10, 10)
	refined, log := reasoner.Refine("img1", []models.Detection{a, b})
	if refined[0].Confidence != 0.50 || refined[1].Confidence != 0.50 {
		t.Fatal("unmatched pair must not change")
	}
	if len(log) != 0 {
		t.Fatalf("unmatched pair must not log, got %d records", len(log))
	}
}

func TestAdjustmentsApplyCumulatively(t *testing.T) {
	t.Parallel()

	table := loadTable(t, `
confidence_modifier(ship, harbor, 1.25).
confidence_modifier(ship, dock, 1.25).
`)
	reasoner := New(table)

	ship := det("ship", 0.40, 0, 0, 10, 10)
	harbor := det("harbor", 0.60, 12, 0, 22, 10)
	dock := det("dock", 0.60, 0, 12, 10, 22)
	refined, log := reasoner.Refine("img1", []models.Detection{ship, harbor, dock})

	// ship boosted twice: 0.40 * 1.25 * 1.25 = 0.625
	if math.Abs(refined[0].Confidence-0.625) > 1e-9 {
		t.Fatalf("expected cumulative boost 0.625, got %f", refined[0].Confidence)
	}
	if len(log) != 2 {
		t.Fatalf("expected 2 records, got %d", len(log))
	}
	// The second record's before-value must reflect the first adjustment.
	if math.Abs(log[1].Conf1Before-0.5) > 1e-9 {
		t.Fatalf("expected second record to start from 0.5, got %f", log[1].Conf1Before)
	}
}

func TestRefineDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	table := loadTable(t, "confidence_modifier(ship, harbor, 1.25).\n")
	reasoner := New(table)

	in := []models.Detection{
		det("ship", 0.70, 0, 0, 10, 10),
		det("harbor", 0.60, 12, 0, 22, 10),
	}
	_, _ = reasoner.Refine("img1", in)
	if in[0].Confidence != 0.70 || in[1].Confidence != 0.60 {
		t.Fatal("Refine must not mutate its input slice")
	}
}

func TestWriteReport(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "report.csv")
	records := []models.AdjustmentRecord{
		{
			ImageName: "P0001", Action: models.ActionBoost, RulePair: "ship<->harbor",
			Object1: "ship", Conf1Before: 0.70, Conf1After: 0.875,
			Object2: "harbor", Conf2Before: 0.60, Conf2After: 0.75,
		},
		{
			ImageName: "P0002", Action: models.ActionPenalty, RulePair: "plane<->harbor",
			Object1: "plane", Conf1Before: 0.90, Conf1After: 0.90,
			Object2: "harbor", Conf2Before: 0.30, Conf2After: 0.06,
			SuppressedObject: "harbor", KeptObject: "plane", KeptObjectConf: 0.90,
		},
	}
	if err := WriteReport(path, records); err != nil {
		t.Fatalf("WriteReport returned error: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open report: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse report: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "image_name" || rows[0][11] != "kept_object_conf" {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	if rows[1][1] != "BOOST" || rows[1][5] != "0.88" {
		t.Fatalf("unexpected boost row: %v", rows[1])
	}
	if rows[2][9] != "harbor" || rows[2][11] != "0.90" {
		t.Fatalf("unexpected penalty row: %v", rows[2])
	}
}

func TestWriteReportSkipsEmptyLog(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "report.csv")
	if err := WriteReport(path, nil); err != nil {
		t.Fatalf("WriteReport returned error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("empty log must not create a report file")
	}
}
