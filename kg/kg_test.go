package kg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aerial-refine/geometry"
	"aerial-refine/models"
	"aerial-refine/rules"
)

func det(class string, xMin, yMin, xMax, yMax float64) models.Detection {
	return models.Detection{
		ClassName: class,
		Box:       geometry.FromCorners(xMin, yMin, xMax, yMax),
	}
}

func TestCooccurrenceAlwaysCounted(t *testing.T) {
	t.Parallel()

	builder := NewBuilder(DefaultConfig())
	acc := NewAccumulator()
	builder.Observe(acc, []models.Detection{
		det("ship", 0, 0, 10, 10),
		det("harbor", 100, 100, 200, 200), // far away: still cooccurs
	})

	edges := acc.Edges()
	if len(edges) == 0 {
		t.Fatal("expected a cooccurrence edge")
	}
	found := false
	for _, edge := range edges {
		if edge.Relation == RelationCooccurs && edge.Subject == "harbor" && edge.Object == "ship" {
			found = true
			if edge.Weight != 1 {
				t.Fatalf("expected weight 1, got %d", edge.Weight)
			}
		}
	}
	if !found {
		t.Fatalf("cooccurs edge missing (sorted class order expected): %+v", edges)
	}
}

func TestLocatedNearGatedByDistanceAndAllowList(t *testing.T) {
	t.Parallel()

	builder := NewBuilder(DefaultConfig())

	// ship near harbor: allowed pair within the distance gate.
	acc := NewAccumulator()
	builder.Observe(acc, []models.Detection{
		det("ship", 0, 0, 10, 10),
		det("harbor", 12, 0, 30, 10),
	})
	if count := edgeWeight(acc, RelationLocatedNear, "ship", "harbor"); count != 1 {
		t.Fatalf("expected located_near ship->harbor, got %d", count)
	}

	// Same geometry, but plane/bridge is not an allowed located_near pair.
	acc = NewAccumulator()
	builder.Observe(acc, []models.Detection{
		det("plane", 0, 0, 10, 10),
		det("bridge", 12, 0, 30, 10),
	})
	if count := edgeWeight(acc, RelationLocatedNear, "plane", "bridge"); count != 0 {
		t.Fatalf("disallowed pair must not produce located_near, got %d", count)
	}

	// Allowed pair but far apart: distance gate blocks it.
	acc = NewAccumulator()
	builder.Observe(acc, []models.Detection{
		det("ship", 0, 0, 10, 10),
		det("harbor", 500, 0, 520, 10),
	})
	if count := edgeWeight(acc, RelationLocatedNear, "ship", "harbor"); count != 0 {
		t.Fatalf("distant pair must not produce located_near, got %d", count)
	}
}

func TestLocatedOnRequiresContainment(t *testing.T) {
	t.Parallel()

	builder := NewBuilder(DefaultConfig())
	acc := NewAccumulator()
	builder.Observe(acc, []models.Detection{
		det("large_vehicle", 2, 2, 4, 4), // fully inside the bridge box
		det("bridge", 0, 0, 20, 20),
	})
	if count := edgeWeight(acc, RelationLocatedOn, "large_vehicle", "bridge"); count != 1 {
		t.Fatalf("expected located_on large_vehicle->bridge, got %d", count)
	}
	// The inverse direction is not allowed.
	if count := edgeWeight(acc, RelationLocatedOn, "bridge", "large_vehicle"); count != 0 {
		t.Fatalf("bridge->large_vehicle must not fire, got %d", count)
	}
}

func TestMergeAccumulators(t *testing.T) {
	t.Parallel()

	builder := NewBuilder(DefaultConfig())
	image := []models.Detection{
		det("ship", 0, 0, 10, 10),
		det("harbor", 12, 0, 30, 10),
	}

	// One accumulator observing twice vs. two merged accumulators must
	// produce identical edges.
	single := NewAccumulator()
	builder.Observe(single, image)
	builder.Observe(single, image)

	left, right := NewAccumulator(), NewAccumulator()
	builder.Observe(left, image)
	builder.Observe(right, image)
	left.Merge(right)

	singleEdges, mergedEdges := single.Edges(), left.Edges()
	if len(singleEdges) != len(mergedEdges) {
		t.Fatalf("edge count mismatch: %d vs %d", len(singleEdges), len(mergedEdges))
	}
	for i := range singleEdges {
		if singleEdges[i] != mergedEdges[i] {
			t.Fatalf("edge %d mismatch: %+v vs %+v", i, singleEdges[i], mergedEdges[i])
		}
	}
}

func TestWriteFactsFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "facts.pl")
	edges := []models.GraphEdge{
		{Relation: RelationCooccurs, Subject: "harbor", Object: "ship", Weight: 120},
	}
	if err := WriteFacts(path, edges); err != nil {
		t.Fatalf("WriteFacts returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read facts: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "fact('cooccurs', 'harbor', 'ship', 120).") {
		t.Fatalf("unexpected facts content:\n%s", content)
	}
}

func TestModifierFactsRoundTripThroughRuleTable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "learned_rules.pl")
	edges := []models.GraphEdge{
		{Relation: RelationLocatedNear, Subject: "ship", Object: "harbor", Weight: 40},
		{Relation: RelationLocatedNear, Subject: "harbor", Object: "ship", Weight: 38},
		{Relation: RelationLocatedNear, Subject: "helicopter", Object: "plane", Weight: 2},
		{Relation: RelationCooccurs, Subject: "plane", Object: "ship", Weight: 500},
	}
	if err := WriteModifierFacts(path, edges, 1.1, 10); err != nil {
		t.Fatalf("WriteModifierFacts returned error: %v", err)
	}

	table, err := rules.Load(path)
	if err != nil {
		t.Fatalf("generated facts must load as rules: %v", err)
	}
	if got := table.Lookup("ship", "harbor"); got != 1.1 {
		t.Fatalf("expected learned boost 1.1, got %f", got)
	}
	// Below minCount: no rule.
	if got := table.Lookup("helicopter", "plane"); got != 1.0 {
		t.Fatalf("low-count pair must not produce a rule, got %f", got)
	}
	if table.Len() != 1 {
		t.Fatalf("expected exactly 1 learned rule, got %d", table.Len())
	}
}

func edgeWeight(acc *Accumulator, relation, subject, object string) int {
	for _, edge := range acc.Edges() {
		if edge.Relation == relation && edge.Subject == subject && edge.Object == object {
			return edge.Weight
		}
	}
	return 0
}
