package nms

import (
	"testing"

	"aerial-refine/geometry"
	"aerial-refine/models"
)

func det(id string, classID int, conf float64, xMin, yMin, xMax, yMax float64) models.Detection {
	return models.Detection{
		ID:         id,
		ClassID:    classID,
		ClassName:  "ship",
		Confidence: conf,
		Box:        geometry.FromCorners(xMin, yMin, xMax, yMax),
	}
}

func TestFilterEmptyInput(t *testing.T) {
	t.Parallel()

	out := Filter(nil, 0.5)
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %d detections", len(out))
	}
}

func TestFilterSingleDetectionKept(t *testing.T) {
	t.Parallel()

	in := []models.Detection{det("a", 0, 0.1, 0, 0, 1, 1)}
	out := Filter(in, 0.5)
	if len(out) != 1 || out[0].ID != "a" {
		t.Fatalf("single detection must survive, got %v", out)
	}
}

func TestFilterSuppressesOverlapWithinClass(t *testing.T) {
	t.Parallel()

	// Three same-class boxes: a/b overlap heavily (IoU 0.8-ish), c barely
	// overlaps a. Confidences 0.9 / 0.8 / 0.85: a suppresses b, c survives.
	a := det("a", 1, 0.90, 0, 0, 10, 10)
	b := det("b", 1, 0.80, 0, 1, 10, 11)  // IoU with a = 9/11 ~ 0.82
	c := det("c", 1, 0.85, 9, 9, 19, 19)  // IoU with a = 1/199 ~ 0.005
	out := Filter([]models.Detection{a, b, c}, 0.5)

	if len(out) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(out))
	}
	if out[0].ID != "a" || out[1].ID != "c" {
		t.Fatalf("expected a and c to survive, got %s and %s", out[0].ID, out[1].ID)
	}
}

func TestFilterKeepsSeparateClasses(t *testing.T) {
	t.Parallel()

	a := det("a", 1, 0.9, 0, 0, 10, 10)
	b := det("b", 2, 0.1, 0, 0, 10, 10) // same box, different class
	out := Filter([]models.Detection{a, b}, 0.5)
	if len(out) != 2 {
		t.Fatalf("cross-class detections must not suppress each other, got %d", len(out))
	}
}

func TestFilterDoesNotAlterConfidence(t *testing.T) {
	t.Parallel()

	a := det("a", 1, 0.9, 0, 0, 10, 10)
	b := det("b", 1, 0.8, 0, 1, 10, 11)
	out := Filter([]models.Detection{a, b}, 0.5)
	for _, d := range out {
		if d.Confidence != 0.9 {
			t.Fatalf("NMS must not change confidence, got %f for %s", d.Confidence, d.ID)
		}
	}
}

func TestFilterTieBreakStableByInputOrder(t *testing.T) {
	t.Parallel()

	a := det("first", 1, 0.7, 0, 0, 10, 10)
	b := det("second", 1, 0.7, 0, 1, 10, 11)
	out := Filter([]models.Detection{a, b}, 0.5)
	if len(out) != 1 || out[0].ID != "first" {
		t.Fatalf("tie must keep the earlier detection, got %v", out)
	}
}

func TestFilterIdempotent(t *testing.T) {
	t.Parallel()

	in := []models.Detection{
		det("a", 1, 0.90, 0, 0, 10, 10),
		det("b", 1, 0.80, 0, 1, 10, 11),
		det("c", 1, 0.85, 9, 9, 19, 19),
		det("d", 2, 0.50, 0, 0, 5, 5),
	}
	once := Filter(in, 0.5)
	twice := Filter(once, 0.5)
	if len(once) != len(twice) {
		t.Fatalf("NMS not idempotent: %d then %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].ID != twice[i].ID {
			t.Fatalf("NMS not idempotent at index %d: %s vs %s", i, once[i].ID, twice[i].ID)
		}
	}
}

func TestFilterNeverIncreasesCount(t *testing.T) {
	t.Parallel()

	in := []models.Detection{
		det("a", 1, 0.90, 0, 0, 10, 10),
		det("b", 1, 0.80, 0, 1, 10, 11),
		det("c", 1, 0.85, 9, 9, 19, 19),
	}
	for _, thr := range []float64{0.1, 0.3, 0.5, 0.9} {
		out := Filter(in, thr)
		if len(out) > len(in) {
			t.Fatalf("threshold %f: output %d larger than input %d", thr, len(out), len(in))
		}
	}
}
