package db

import (
	"path/filepath"
	"testing"
	"time"

	"aerial-refine/models"
)

func newTestClient(t *testing.T) *SQLiteClient {
	t.Helper()
	client, err := NewSQLiteClient(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRunLifecycle(t *testing.T) {
	client := newTestClient(t)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := models.Run{ID: "run-1", StartedAt: started, ConfigPath: "config.yaml"}
	if err := client.CreateRun(run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, found, err := client.GetRun("run-1")
	if err != nil || !found {
		t.Fatalf("run not found: %v", err)
	}
	if !got.FinishedAt.IsZero() {
		t.Fatalf("run should not be finished yet: %v", got.FinishedAt)
	}

	finished := started.Add(42 * time.Second)
	if err := client.FinishRun("run-1", finished); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _, err = client.GetRun("run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.FinishedAt.Equal(finished) {
		t.Fatalf("finished_at not stored: %v", got.FinishedAt)
	}

	if _, found, err := client.GetRun("absent"); err != nil || found {
		t.Fatalf("lookup of absent run: found=%v err=%v", found, err)
	}
}

func TestSaveAdjustmentsRoundTrip(t *testing.T) {
	client := newTestClient(t)

	if err := client.CreateRun(models.Run{ID: "run-2", StartedAt: time.Now()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records := []models.AdjustmentRecord{
		{
			ImageName: "P0001", Action: models.ActionBoost, RulePair: "harbor-ship",
			Object1: "ship", Conf1Before: 0.70, Conf1After: 0.875,
			Object2: "harbor", Conf2Before: 0.60, Conf2After: 0.75,
		},
		{
			ImageName: "P0001", Action: models.ActionPenalty, RulePair: "harbor-plane",
			Object1: "plane", Conf1Before: 0.90, Conf1After: 0.90,
			Object2: "harbor", Conf2Before: 0.30, Conf2After: 0.06,
			SuppressedObject: "harbor", KeptObject: "plane", KeptObjectConf: 0.90,
		},
	}
	if err := client.SaveAdjustments("run-2", records); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := client.AdjustmentsForImage("run-2", "P0001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Action != models.ActionBoost || got[0].KeptObjectConf != 0 {
		t.Fatalf("boost row mangled: %+v", got[0])
	}
	if got[1].SuppressedObject != "harbor" || got[1].KeptObjectConf != 0.90 {
		t.Fatalf("penalty row mangled: %+v", got[1])
	}
}

func TestSaveStageStatsAndEvaluation(t *testing.T) {
	client := newTestClient(t)

	if err := client.CreateRun(models.Run{ID: "run-3", StartedAt: time.Now()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats := models.StageStats{
		Stage: models.StageRefined, Skipped: true, Reason: "Rules file not found",
	}
	if err := client.SaveStageStats("run-3", stats); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result := models.EvaluationResult{
		Stage: models.StageNMS, MAP50: 0.8, MAP75: 0.6,
		PerClass: []models.ClassAP{{ClassName: "ship", AP50: 0.8, AP75: 0.6, GroundTruths: 4}},
	}
	if err := client.SaveEvaluation("run-3", result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
