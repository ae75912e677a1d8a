package kg

// Weighted spatial knowledge graph built from refined detections.
//
// Every pair of detections within an image contributes a class-level
// cooccurrence edge; directional relations (located_on, located_near,
// adjacent_to) fire only for class pairs that appear in the allowed sets
// and that satisfy the geometric predicate. Counting is per-image and
// order-insensitive: workers can fill disjoint Accumulators concurrently
// and merge them at the end.

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"aerial-refine/geometry"
	"aerial-refine/models"
	"aerial-refine/utils"
)

// Relation names emitted into the graph and the fact file.
const (
	RelationCooccurs    = "cooccurs"
	RelationLocatedOn   = "located_on"
	RelationLocatedNear = "located_near"
	RelationAdjacentTo  = "adjacent_to"
)

// Pair is a directed (subject, object) class pair.
type Pair struct {
	Subject string
	Object  string
}

// Config gates the directional relations. Cooccurrence is always counted.
type Config struct {
	AllowedLocatedOn   map[Pair]bool
	AllowedLocatedNear map[Pair]bool
	AllowedAdjacentTo  map[Pair]bool

	// ContainmentRatio is the fraction of the subject's area that must be
	// covered for located_on.
	ContainmentRatio float64
	// NearFactor scales the average diagonal to form the located_near
	// distance gate.
	NearFactor float64
	// AdjacencyEpsilonFactor scales the subject diagonal into the edge
	// alignment tolerance for adjacent_to.
	AdjacencyEpsilonFactor float64
}

// DefaultConfig returns the relation gating used for the aerial imagery
// class set.
func DefaultConfig() Config {
	return Config{
		AllowedLocatedOn: pairSet(
			Pair{"large_vehicle", "bridge"},
		),
		AllowedLocatedNear: pairSet(
			Pair{"ship", "harbor"},
			Pair{"small_vehicle", "small_vehicle"},
			Pair{"helicopter", "plane"},
			Pair{"small_vehicle", "roundabout"},
			Pair{"roundabout", "small_vehicle"},
			Pair{"storage_tank", "harbor"},
			Pair{"small_vehicle", "tennis_court"},
			Pair{"small_vehicle", "basketball_court"},
			Pair{"small_vehicle", "soccer_ball_field"},
			Pair{"small_vehicle", "ground_track_field"},
			Pair{"small_vehicle", "baseball_diamond"},
		),
		AllowedAdjacentTo: pairSet(
			Pair{"tennis_court", "basketball_court"},
			Pair{"baseball_diamond", "soccer_ball_field"},
			Pair{"swimming_pool", "ground_track_field"},
			Pair{"large_vehicle", "small_vehicle"},
			Pair{"plane", "plane"},
		),
		ContainmentRatio:       0.5,
		NearFactor:             2.0,
		AdjacencyEpsilonFactor: 0.1,
	}
}

func pairSet(pairs ...Pair) map[Pair]bool {
	set := make(map[Pair]bool, len(pairs))
	for _, p := range pairs {
		set[p] = true
	}
	return set
}

type edgeKey struct {
	relation string
	subject  string
	object   string
}

// Accumulator counts relation occurrences. Not safe for concurrent use;
// give each worker its own and Merge afterwards.
type Accumulator struct {
	counts map[edgeKey]int
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{counts: make(map[edgeKey]int)}
}

// Merge folds another accumulator's counts into this one.
func (a *Accumulator) Merge(other *Accumulator) {
	for key, count := range other.counts {
		a.counts[key] += count
	}
}

func (a *Accumulator) add(relation, subject, object string) {
	a.counts[edgeKey{relation: relation, subject: subject, object: object}]++
}

// Edges returns the accumulated weighted edges sorted by relation, subject
// and object for deterministic output.
func (a *Accumulator) Edges() []models.GraphEdge {
	edges := make([]models.GraphEdge, 0, len(a.counts))
	for key, count := range a.counts {
		edges = append(edges, models.GraphEdge{
			Relation: key.relation,
			Subject:  key.subject,
			Object:   key.object,
			Weight:   count,
		})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Relation != edges[j].Relation {
			return edges[i].Relation < edges[j].Relation
		}
		if edges[i].Subject != edges[j].Subject {
			return edges[i].Subject < edges[j].Subject
		}
		return edges[i].Object < edges[j].Object
	})
	return edges
}

// Nodes returns one class-level node per class that appears in any edge.
func (a *Accumulator) Nodes() []models.GraphNode {
	seen := make(map[string]bool)
	for key := range a.counts {
		seen[key.subject] = true
		seen[key.object] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	nodes := make([]models.GraphNode, len(names))
	for i, name := range names {
		nodes[i] = models.GraphNode{ID: name, ClassName: name}
	}
	return nodes
}

// Builder classifies pairwise spatial relations for one image at a time.
type Builder struct {
	cfg Config
}

// NewBuilder returns a Builder with the given gating config.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Observe classifies every detection pair in one image and adds the
// resulting relations to the accumulator.
func (b *Builder) Observe(acc *Accumulator, detections []models.Detection) {
	for i := 0; i < len(detections); i++ {
		for j := i + 1; j < len(detections); j++ {
			d1, d2 := detections[i], detections[j]

			first, second := d1.ClassName, d2.ClassName
			if first > second {
				first, second = second, first
			}
			acc.add(RelationCooccurs, first, second)

			b.observeDirected(acc, d1, d2)
			b.observeDirected(acc, d2, d1)
		}
	}
}

func (b *Builder) observeDirected(acc *Accumulator, subject, object models.Detection) {
	pair := Pair{Subject: subject.ClassName, Object: object.ClassName}

	if b.cfg.AllowedLocatedOn[pair] {
		area := subject.Box.Area()
		if area > 0 && geometry.IntersectionArea(subject.Box, object.Box)/area >= b.cfg.ContainmentRatio {
			acc.add(RelationLocatedOn, pair.Subject, pair.Object)
		}
	}

	if b.cfg.AllowedLocatedNear[pair] {
		avgDiag := (subject.Box.Diagonal() + object.Box.Diagonal()) / 2
		if geometry.CentroidDistance(subject.Box, object.Box) < b.cfg.NearFactor*avgDiag {
			acc.add(RelationLocatedNear, pair.Subject, pair.Object)
		}
	}

	if b.cfg.AllowedAdjacentTo[pair] {
		if b.edgesAligned(subject.Box, object.Box) {
			acc.add(RelationAdjacentTo, pair.Subject, pair.Object)
		}
	}
}

// edgesAligned reports whether any bounding edge of the subject lies within
// epsilon of the facing edge of the object.
func (b *Builder) edgesAligned(subject, object geometry.Quad) bool {
	eps := b.cfg.AdjacencyEpsilonFactor * subject.Diagonal()
	x1a, y1a, x2a, y2a := subject.Bounds()
	x1b, y1b, x2b, y2b := object.Bounds()
	return math.Abs(x2a-x1b) <= eps ||
		math.Abs(x1a-x2b) <= eps ||
		math.Abs(y2a-y1b) <= eps ||
		math.Abs(y1a-y2b) <= eps
}

// WriteFacts emits the edges as declarative facts:
//
//	fact('cooccurs', 'ship', 'harbor', 120).
func WriteFacts(path string, edges []models.GraphEdge) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := utils.CreateFolder(dir); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create facts file %s: %w", path, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	fmt.Fprintln(writer, "% fact(Relation, Subject, Object, Count).")
	for _, edge := range edges {
		fmt.Fprintf(writer, "fact('%s', '%s', '%s', %d).\n",
			edge.Relation, edge.Subject, edge.Object, edge.Weight)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to write facts file: %w", err)
	}
	return nil
}

// WriteModifierFacts derives confidence_modifier facts from located_near
// edges whose count reaches minCount, so the graph can be fed back into
// the rule table as boost rules.
func WriteModifierFacts(path string, edges []models.GraphEdge, boostWeight float64, minCount int) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := utils.CreateFolder(dir); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create modifier facts file %s: %w", path, err)
	}
	defer file.Close()

	// Deduplicate the unordered pair across directions.
	emitted := make(map[Pair]bool)
	writer := bufio.NewWriter(file)
	fmt.Fprintln(writer, "% confidence_modifier(ClassA, ClassB, Weight).")
	for _, edge := range edges {
		if edge.Relation != RelationLocatedNear || edge.Weight < minCount {
			continue
		}
		a, b := edge.Subject, edge.Object
		if a > b {
			a, b = b, a
		}
		key := Pair{Subject: a, Object: b}
		if emitted[key] {
			continue
		}
		emitted[key] = true
		fmt.Fprintf(writer, "confidence_modifier(%s, %s, %g).\n", a, b, boostWeight)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to write modifier facts file: %w", err)
	}
	return nil
}

// graphDocument is the JSON export shape.
type graphDocument struct {
	Nodes []models.GraphNode `json:"nodes"`
	Edges []models.GraphEdge `json:"edges"`
}

// WriteGraphJSON persists the graph (nodes plus weighted edges) as JSON.
func WriteGraphJSON(path string, acc *Accumulator) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := utils.CreateFolder(dir); err != nil {
			return err
		}
	}
	doc := graphDocument{Nodes: acc.Nodes(), Edges: acc.Edges()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal graph: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write graph file: %w", err)
	}
	return nil
}
