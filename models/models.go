package models

import (
	"time"

	"aerial-refine/geometry"
)

// Stage names used across the pipeline and its outputs.
const (
	StageRaw     = "raw"
	StageNMS     = "nms"
	StageRefined = "refined"
)

// Adjustment actions recorded by the spatial reasoner.
const (
	ActionBoost   = "BOOST"
	ActionPenalty = "PENALTY"
)

// Detection represents one detected object instance in an image. Only the
// confidence is rewritten after creation (by the spatial reasoner); every
// other field is fixed at parse time.
type Detection struct {
	ID         string        `json:"id"`
	ClassID    int           `json:"classId"`
	ClassName  string        `json:"className"`
	Confidence float64       `json:"confidence"`
	Box        geometry.Quad `json:"box"`
	ImageID    string        `json:"imageId"`
	Stage      string        `json:"stage"`
}

// AdjustmentRecord is one applied rule in the explainability log.
type AdjustmentRecord struct {
	ImageName        string  `json:"imageName"`
	Action           string  `json:"action"`
	RulePair         string  `json:"rulePair"`
	Object1          string  `json:"object1"`
	Conf1Before      float64 `json:"conf1Before"`
	Conf1After       float64 `json:"conf1After"`
	Object2          string  `json:"object2"`
	Conf2Before      float64 `json:"conf2Before"`
	Conf2After       float64 `json:"conf2After"`
	SuppressedObject string  `json:"suppressedObject,omitempty"`
	KeptObject       string  `json:"keptObject,omitempty"`
	KeptObjectConf   float64 `json:"keptObjectConf,omitempty"`
}

// StageStats summarises one pipeline stage. When a stage is skipped the
// Reason field says why; a skip is never silent.
type StageStats struct {
	Stage            string  `json:"stage"`
	Skipped          bool    `json:"skipped"`
	Reason           string  `json:"reason,omitempty"`
	TotalImages      int     `json:"totalImages"`
	DetectionsIn     int     `json:"detectionsIn"`
	DetectionsOut    int     `json:"detectionsOut"`
	TotalAdjustments int     `json:"totalAdjustments"`
	RulesLoaded      int     `json:"rulesLoaded"`
	MalformedLines   int     `json:"malformedLines"`
	ElapsedSeconds   float64 `json:"elapsedTimeSeconds"`
}

// ClassAP holds per-class average precision at the two report thresholds.
type ClassAP struct {
	ClassName    string  `json:"className"`
	AP50         float64 `json:"ap50"`
	AP75         float64 `json:"ap75"`
	GroundTruths int     `json:"groundTruths"`
}

// EvaluationResult holds detection-quality metrics for one stage.
type EvaluationResult struct {
	Stage           string    `json:"stage"`
	MAP50           float64   `json:"map50"`
	MAP75           float64   `json:"map75"`
	PerClass        []ClassAP `json:"perClass"`
	ImagesEvaluated int       `json:"imagesEvaluated"`
	ImagesExcluded  int       `json:"imagesExcluded"`
}

// GraphNode is a class-level node of the spatial knowledge graph.
type GraphNode struct {
	ID        string `json:"id"`
	ClassName string `json:"className"`
}

// GraphEdge is a directed weighted relation between two classes.
type GraphEdge struct {
	Relation string `json:"relation"`
	Subject  string `json:"subject"`
	Object   string `json:"object"`
	Weight   int    `json:"weight"`
}

// Run identifies one pipeline execution in the run store.
type Run struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	ConfigPath string    `json:"configPath,omitempty"`
}
